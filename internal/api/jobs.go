package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/avatarflow/internal/domain"
	"github.com/dunamismax/avatarflow/internal/id"
	"github.com/dunamismax/avatarflow/internal/queue"
	"go.uber.org/zap"
)

type jobResponse struct {
	JobID        string            `json:"job_id"`
	Status       string            `json:"status"`
	SourceType   string            `json:"source_type"`
	Avatar       domain.AvatarSpec `json:"avatar"`
	ObjectKey    string            `json:"object_key"`
	ResultKey    string            `json:"result_key,omitempty"`
	ResultURL    string            `json:"result_url,omitempty"`
	Width        int               `json:"width,omitempty"`
	Height       int               `json:"height,omitempty"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	objectKey := strings.TrimSpace(req.ObjectKey)
	uploadState := "not_required"
	presignedPutURL := ""

	if sourceType == domain.SourceTypeS3Presigned {
		if s.storage == nil {
			writeError(w, http.StatusServiceUnavailable, "object storage is unavailable")
			return
		}
		objectKey = fmt.Sprintf("uploads/%s/source", jobID)
		url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.cfg.PresignTTL)
		if err != nil {
			s.logger.Error("generate presigned url failed", zap.String("job_id", jobID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
			return
		}
		presignedPutURL = url
		uploadState = "ready"
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = strings.TrimSpace(r.Header.Get(s.cfg.RateLimit.UserIDHeader))
	}

	avatar := req.AvatarSpec(s.pipelineCfg.JPEGQuality)
	if strings.TrimSpace(req.Format) == "" {
		if format, err := domain.NormalizeFormat(s.pipelineCfg.DefaultFormat); err == nil {
			avatar.Format = format
		}
	}

	job := domain.Job{
		ID:         jobID,
		UserID:     userID,
		Status:     domain.JobStatusCreated,
		SourceType: sourceType,
		WebhookURL: req.WebhookURL,
		Avatar:     avatar,
		ObjectKey:  objectKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Error("create job failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"avatar": job.Avatar,
		"upload": map[string]string{
			"object_key":          job.ObjectKey,
			"presigned_put_url":   presignedPutURL,
			"presigned_url_state": uploadState,
		},
		"start_url":  fmt.Sprintf("/v1/jobs/%s/start", job.ID),
		"status_url": fmt.Sprintf("/v1/jobs/%s", job.ID),
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil {
		writeError(w, http.StatusServiceUnavailable, "job queue is unavailable")
		return
	}

	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	switch job.Status {
	case domain.JobStatusCreated, domain.JobStatusFailed:
	default:
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s", job.Status))
		return
	}

	contentType, err := s.verifySource(r.Context(), job)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	payload := queue.PrepareAvatarPayload{
		JobID:       job.ID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		ObjectKey:   job.ObjectKey,
		MIME:        contentType,
		Avatar:      job.Avatar,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueuePrepareAvatar(r.Context(), payload)
	if errors.Is(err, queue.ErrAlreadyQueued) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.enqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Warn("update status failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	resp := jobResponse{
		JobID:        job.ID,
		Status:       job.Status,
		SourceType:   job.SourceType,
		Avatar:       job.Avatar,
		ObjectKey:    job.ObjectKey,
		ResultKey:    job.ResultKey,
		Width:        job.ResultWidth,
		Height:       job.ResultHeight,
		ErrorKind:    job.ErrorKind,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}

	if job.Status == domain.JobStatusSucceeded && job.SourceType == domain.SourceTypeS3Presigned && s.storage != nil {
		url, err := s.storage.PresignedGetURL(r.Context(), job.ResultKey, s.cfg.PresignTTL)
		if err != nil {
			s.logger.Warn("presign result failed", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			resp.ResultURL = url
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error("fetch job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return domain.Job{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return domain.Job{}, false
	}
	return job, true
}

// verifySource checks the uploaded photo exists and returns its declared
// content type when storage knows one.
func (s *Server) verifySource(ctx context.Context, job domain.Job) (string, error) {
	if job.SourceType == domain.SourceTypeLocalFile {
		if _, err := os.Stat(job.ObjectKey); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("source object is missing: %s", job.ObjectKey)
			}
			return "", fmt.Errorf("source object check failed: %w", err)
		}
		return "", nil
	}

	if s.storage == nil {
		return "", errors.New("object storage is unavailable")
	}
	exists, contentType, err := s.storage.StatObject(ctx, job.ObjectKey)
	if err != nil {
		return "", fmt.Errorf("source object check failed: %w", err)
	}
	if !exists {
		return "", fmt.Errorf("source object is missing: %s", job.ObjectKey)
	}
	// Presigned PUTs often arrive as binary/octet-stream; let the decoder sniff those.
	if contentType = normalizeMIME(contentType); !strings.HasPrefix(contentType, "image/") {
		contentType = ""
	}
	return contentType, nil
}
