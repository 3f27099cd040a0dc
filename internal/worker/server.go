package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/avatarflow/internal/config"
	"github.com/dunamismax/avatarflow/internal/domain"
	"github.com/dunamismax/avatarflow/internal/pipeline"
	"github.com/dunamismax/avatarflow/internal/queue"
	"github.com/dunamismax/avatarflow/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Dependencies are the collaborators a worker needs beyond its config.
type Dependencies struct {
	Pipeline *pipeline.Pipeline
	Storage  pipeline.ObjectStorage
	Webhook  webhookSender
	Jobs     store.JobStore
	Usage    store.UsageStore
	Metrics  *Metrics
}

type Server struct {
	logger  *zap.Logger
	server  *asynq.Server
	handler *Handler
}

// Handler runs one prepare-avatar task. It is separate from Server so tests
// can drive it without Redis.
type Handler struct {
	logger          *zap.Logger
	sem             chan struct{}
	localProcessor  *pipeline.Processor
	objectProcessor *pipeline.Processor
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	metrics         *Metrics
	tracer          trace.Tracer
	now             func() time.Time
}

func NewHandler(logger *zap.Logger, workerCfg config.WorkerConfig, deps Dependencies) (*Handler, error) {
	if deps.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}

	localProcessor, err := pipeline.NewLocalProcessor(deps.Pipeline, workerCfg.LocalOutputDir)
	if err != nil {
		return nil, fmt.Errorf("initialize local processor: %w", err)
	}

	h := &Handler{
		logger:         logger,
		sem:            make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		localProcessor: localProcessor,
		webhookClient:  deps.Webhook,
		jobStore:       deps.Jobs,
		usageStore:     deps.Usage,
		metrics:        deps.Metrics,
		tracer:         otel.Tracer("avatarflow/worker"),
		now:            func() time.Time { return time.Now().UTC() },
	}

	if deps.Storage != nil {
		h.objectProcessor, err = pipeline.NewProcessor(
			pipeline.ObjectStoreFetcher{Storage: deps.Storage},
			deps.Pipeline,
			pipeline.ObjectStoreEmitter{Storage: deps.Storage, OutputPrefix: workerCfg.OutputPrefix},
		)
		if err != nil {
			return nil, fmt.Errorf("initialize object-store processor: %w", err)
		}
	}

	if h.usageStore == nil {
		if usage, ok := deps.Jobs.(store.UsageStore); ok {
			h.usageStore = usage
		}
	}
	return h, nil
}

func NewServer(logger *zap.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Dependencies) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	handler, err := NewHandler(logger, workerCfg, deps)
	if err != nil {
		return nil, err
	}

	srv := asynq.NewServer(queueCfg.RedisClientOpt(), asynq.Config{
		Concurrency: max(1, workerCfg.Concurrency),
		Queues:      map[string]int{queueCfg.Name: 1},
		Logger:      logger.Named("asynq").Sugar(),
		LogLevel:    asynq.InfoLevel,
		// Non-retryable pipeline failures are returned wrapped in SkipRetry.
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Warn("task failed",
				zap.String("type", task.Type()),
				zap.Int("retry", retried),
				zap.Int("max_retry", maxRetry),
				zap.Error(err))
		}),
	})

	return &Server{logger: logger, server: srv, handler: handler}, nil
}

// Run blocks until the process receives SIGTERM or SIGINT.
func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypePrepareAvatar, s.handler.ProcessTask)
	return s.server.Run(mux)
}

func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()

	payload, err := queue.ParsePrepareAvatarPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := h.tracer.Start(ctx, "worker.prepare_avatar", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.String("avatar.style", string(payload.Avatar.Style)),
		attribute.String("avatar.format", payload.Avatar.Format),
	)
	defer span.End()

	outcome := domain.JobStatusFailed
	defer func() {
		h.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		h.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.metrics.activeJobs.Inc()
	defer func() {
		<-h.sem
		h.metrics.activeJobs.Dec()
	}()

	logger := h.logger.With(zap.String("job_id", payload.JobID), zap.String("style", string(payload.Avatar.Style)))
	logger.Info("preparing avatar",
		zap.String("source_type", payload.SourceType),
		zap.String("object_key", payload.ObjectKey))

	h.updateJobStatus(ctx, logger, payload.JobID, domain.JobStatusProcessing)

	result, err := h.process(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare failed")
		if retryErr := h.fail(ctx, logger, payload, err); retryErr != nil {
			outcome = "retrying"
			return retryErr
		}
		return fmt.Errorf("prepare avatar: %v: %w", err, asynq.SkipRetry)
	}

	out := result.Output
	logger.Info("avatar prepared",
		zap.String("result_key", out.Path),
		zap.Int("width", out.Width),
		zap.Int("height", out.Height),
		zap.Bool("resized", out.Resized))

	h.recordResult(ctx, logger, payload.JobID, domain.JobResult{
		Status:       domain.JobStatusSucceeded,
		ResultKey:    out.Path,
		ResultWidth:  out.Width,
		ResultHeight: out.Height,
	})
	h.recordUsage(ctx, logger, payload, result, time.Since(startedAt))
	h.dispatchWebhook(ctx, logger, payload, "job.completed", map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"style":        payload.Avatar.Style,
		"result_key":   out.Path,
		"mime":         out.MIME,
		"width":        out.Width,
		"height":       out.Height,
		"resized":      out.Resized,
		"requested_at": payload.RequestedAt,
		"completed_at": h.now(),
	})

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "prepared")
	return nil
}

func (h *Handler) process(ctx context.Context, payload queue.PrepareAvatarPayload) (pipeline.JobResult, error) {
	request := pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		MIME:       payload.MIME,
		Avatar:     payload.Avatar,
	}

	if strings.EqualFold(payload.SourceType, domain.SourceTypeLocalFile) {
		return h.localProcessor.Process(ctx, request)
	}
	if h.objectProcessor == nil {
		return pipeline.JobResult{}, errors.New("object storage is not configured")
	}
	return h.objectProcessor.Process(ctx, request)
}

// fail records a failed attempt. It returns err unchanged when the queue
// should retry, and nil once the job is terminally failed.
func (h *Handler) fail(ctx context.Context, logger *zap.Logger, payload queue.PrepareAvatarPayload, err error) error {
	kind := pipeline.KindOf(err)
	retryable := kind == "" || pipeline.Retryable(kind)
	retried, okRetried := asynq.GetRetryCount(ctx)
	maxRetry, okMax := asynq.GetMaxRetry(ctx)
	willRetry := retryable && okRetried && okMax && retried < maxRetry

	kindLabel := string(kind)
	if kindLabel == "" {
		kindLabel = "internal"
	}
	h.metrics.failuresTotal.WithLabelValues(kindLabel, fmt.Sprint(willRetry)).Inc()

	if willRetry {
		logger.Warn("avatar attempt failed, will retry",
			zap.String("kind", kindLabel),
			zap.Int("retry", retried),
			zap.Int("max_retry", maxRetry),
			zap.Error(err))
		h.updateJobStatus(ctx, logger, payload.JobID, domain.JobStatusQueued)
		return err
	}

	message := "internal error"
	if kind != "" {
		message = pipeline.UserMessage(kind)
	}
	logger.Error("avatar job failed", zap.String("kind", kindLabel), zap.Error(err))

	h.recordResult(ctx, logger, payload.JobID, domain.JobResult{
		Status:       domain.JobStatusFailed,
		ErrorKind:    string(kind),
		ErrorMessage: message,
	})
	h.dispatchWebhook(ctx, logger, payload, "job.failed", map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusFailed,
		"error_kind":   string(kind),
		"error":        message,
		"requested_at": payload.RequestedAt,
		"failed_at":    h.now(),
	})
	return nil
}

func (h *Handler) updateJobStatus(ctx context.Context, logger *zap.Logger, jobID, status string) {
	if h.jobStore == nil {
		return
	}
	if _, err := h.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		logger.Warn("job status update failed", zap.String("status", status), zap.Error(err))
	}
}

func (h *Handler) recordResult(ctx context.Context, logger *zap.Logger, jobID string, result domain.JobResult) {
	if h.jobStore == nil {
		return
	}
	if _, err := h.jobStore.RecordResult(ctx, jobID, result); err != nil {
		logger.Warn("job result write failed", zap.String("status", result.Status), zap.Error(err))
	}
}

// dispatchWebhook does not fail the task: the avatar is already stored and
// a retry would prepare it again.
func (h *Handler) dispatchWebhook(ctx context.Context, logger *zap.Logger, payload queue.PrepareAvatarPayload, event string, body map[string]any) {
	if payload.WebhookURL == "" || h.webhookClient == nil {
		return
	}
	if err := h.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		h.metrics.webhookFailuresTotal.Inc()
		logger.Warn("webhook delivery failed", zap.String("event", event), zap.Error(err))
	}
}

func (h *Handler) recordUsage(ctx context.Context, logger *zap.Logger, payload queue.PrepareAvatarPayload, result pipeline.JobResult, computeDuration time.Duration) {
	if h.usageStore == nil {
		return
	}

	userID := "anonymous"
	if h.jobStore != nil {
		job, ok, err := h.jobStore.Get(ctx, payload.JobID)
		if err != nil {
			logger.Warn("usage lookup failed", zap.Error(err))
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			userID = job.UserID
		}
	}

	out := result.Output
	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           payload.JobID,
		Style:           payload.Avatar.Style,
		Format:          out.Format,
		OutputBytes:     int64(out.Bytes),
		PixelsProcessed: int64(out.Width) * int64(out.Height),
		Resized:         out.Resized,
		ComputeTimeMS:   max(computeDuration.Milliseconds(), 1),
		CreatedAt:       h.now(),
	}
	if err := h.usageStore.CreateUsageLog(ctx, usage); err != nil {
		logger.Warn("usage log write failed", zap.Error(err))
		return
	}

	h.metrics.pixelsProcessedTotal.Add(float64(usage.PixelsProcessed))
	h.metrics.computeTimeMSTotal.Add(float64(usage.ComputeTimeMS))
	if usage.Resized {
		h.metrics.resizedTotal.Inc()
	}
}
