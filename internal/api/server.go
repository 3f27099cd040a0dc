package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dunamismax/avatarflow/internal/config"
	"github.com/dunamismax/avatarflow/internal/domain"
	"github.com/dunamismax/avatarflow/internal/pipeline"
	"github.com/dunamismax/avatarflow/internal/queue"
	"github.com/dunamismax/avatarflow/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type queueEnqueuer interface {
	EnqueuePrepareAvatar(ctx context.Context, payload queue.PrepareAvatarPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	StatObject(ctx context.Context, objectKey string) (bool, string, error)
}

// Dependencies are the collaborators wired in by cmd/api. Storage, Queue and
// RateLimiter may be nil; the routes that need them then answer 503.
type Dependencies struct {
	Pipeline    *pipeline.Pipeline
	Queue       queueEnqueuer
	Jobs        store.JobStore
	Storage     objectStorage
	RateLimiter RateLimiter
	Metrics     *Metrics
}

type Server struct {
	logger      *zap.Logger
	cfg         config.APIConfig
	pipelineCfg config.PipelineConfig
	pipeline    *pipeline.Pipeline
	queueClient queueEnqueuer
	jobStore    store.JobStore
	storage     objectStorage
	rateLimiter RateLimiter
	metrics     *Metrics
	tracer      trace.Tracer
	allowed     map[string]bool
	mux         *http.ServeMux
	handler     http.Handler
}

func NewServer(logger *zap.Logger, cfg config.APIConfig, pipelineCfg config.PipelineConfig, deps Dependencies) (*Server, error) {
	if deps.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if deps.Jobs == nil {
		return nil, errors.New("job store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.RateLimit.UserIDHeader == "" {
		cfg.RateLimit.UserIDHeader = "X-User-ID"
	}

	allowed := make(map[string]bool, len(cfg.AllowedTypes))
	for _, mime := range cfg.AllowedTypes {
		allowed[normalizeMIME(mime)] = true
	}

	s := &Server{
		logger:      logger,
		cfg:         cfg,
		pipelineCfg: pipelineCfg,
		pipeline:    deps.Pipeline,
		queueClient: deps.Queue,
		jobStore:    deps.Jobs,
		storage:     deps.Storage,
		rateLimiter: deps.RateLimiter,
		metrics:     deps.Metrics,
		tracer:      otel.Tracer("avatarflow/api"),
		allowed:     allowed,
		mux:         http.NewServeMux(),
	}
	s.routes()
	s.handler = s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
	s.mux.HandleFunc("GET /v1/styles", s.handleStyles)
	s.mux.HandleFunc("POST /v1/avatars/prepare", s.handlePrepare)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStyles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"styles": domain.Styles()})
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
