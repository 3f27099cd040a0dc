package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/avatarflow/internal/config"
	"github.com/dunamismax/avatarflow/internal/domain"
	"github.com/dunamismax/avatarflow/internal/queue"
	"github.com/dunamismax/avatarflow/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndStyles(t *testing.T) {
	ts := newTestServer(t, leftHalfSegmenter(), nil)

	assert.Equal(t, http.StatusOK, ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/styles", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"cyberpunk", "fantasy", "artistic", "minimal", "none"}, decodeBody(t, rec)["styles"])

	metrics := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "avatarflow_api_requests_total")
}

func TestPresignedJobLifecycle(t *testing.T) {
	ts := newTestServer(t, leftHalfSegmenter(), nil)

	req := jsonRequest(http.MethodPost, "/v1/jobs", `{"source_type":"s3_presigned","style":"Fantasy","format":"jpg","webhook_url":"https://hooks.example/a"}`)
	req.Header.Set("X-User-ID", "user-9")
	rec := ts.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	created := decodeBody(t, rec)
	jobID := created["job_id"].(string)
	upload := created["upload"].(map[string]any)
	objectKey := upload["object_key"].(string)
	assert.Equal(t, "uploads/"+jobID+"/source", objectKey)
	assert.Equal(t, "https://storage.example/put/"+objectKey, upload["presigned_put_url"])

	job, ok, err := ts.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user-9", job.UserID)
	assert.Equal(t, domain.AvatarSpec{Style: domain.StyleFantasy, Format: domain.FormatJPEG, Quality: 0.92}, job.Avatar)

	// Nothing uploaded yet.
	rec = ts.do(httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.storage.put(objectKey, "binary/octet-stream")
	rec = ts.do(httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, domain.JobStatusQueued, decodeBody(t, rec)["status"])

	require.Len(t, ts.queue.payloads, 1)
	payload := ts.queue.payloads[0]
	assert.Equal(t, jobID, payload.JobID)
	assert.Empty(t, payload.MIME)
	assert.Equal(t, domain.StyleFantasy, payload.Avatar.Style)
	assert.Equal(t, "https://hooks.example/a", payload.WebhookURL)

	// A queued job cannot be started twice.
	rec = ts.do(httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err = ts.jobs.RecordResult(context.Background(), jobID, domain.JobResult{
		Status:       domain.JobStatusSucceeded,
		ResultKey:    "avatars/" + jobID + "/avatar.jpg",
		ResultWidth:  800,
		ResultHeight: 600,
	})
	require.NoError(t, err)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.JobStatusSucceeded, got.Status)
	assert.Equal(t, 800, got.Width)
	assert.Equal(t, "https://storage.example/get/avatars/"+jobID+"/avatar.jpg", got.ResultURL)
}

func TestStartJobPassesImageContentType(t *testing.T) {
	ts := newTestServer(t, leftHalfSegmenter(), nil)
	rec := ts.do(jsonRequest(http.MethodPost, "/v1/jobs", `{"source_type":"s3_presigned","style":"none"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	created := decodeBody(t, rec)
	jobID := created["job_id"].(string)

	ts.storage.put("uploads/"+jobID+"/source", "image/webp")
	rec = ts.do(httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "image/webp", ts.queue.payloads[0].MIME)
}

func TestLocalFileJob(t *testing.T) {
	ts := newTestServer(t, leftHalfSegmenter(), nil)
	path := filepath.Join(t.TempDir(), "photo.png")

	rec := ts.do(jsonRequest(http.MethodPost, "/v1/jobs", `{"source_type":"local_file","object_key":"`+path+`","style":"artistic"}`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	jobID := created["job_id"].(string)
	assert.Equal(t, "not_required", created["upload"].(map[string]any)["presigned_url_state"])

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, os.WriteFile(path, testPNG(t, 4, 4), 0o644))
	rec = ts.do(httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCreateJobKeepsExplicitZeroQuality(t *testing.T) {
	ts := newTestServer(t, leftHalfSegmenter(), nil)

	rec := ts.do(jsonRequest(http.MethodPost, "/v1/jobs", `{"source_type":"s3_presigned","style":"none","format":"jpeg","quality":0}`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	job, ok, err := ts.jobs.Get(context.Background(), decodeBody(t, rec)["job_id"].(string))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.0, job.Avatar.Quality)
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, leftHalfSegmenter(), nil)

	for _, body := range []string{
		`{"source_type":"s3_presigned","style":"sparkle"}`,
		`{"source_type":"ftp","style":"none"}`,
		`{"source_type":"local_file","style":"none"}`,
		`{"source_type":"s3_presigned","style":"none","quality":3}`,
		`{"source_type":"s3_presigned","style":"none","quality":-0.2}`,
		`{"source_type":"s3_presigned","style":"none","unknown":1}`,
		`{"source_type":"s3_presigned","style":"none"}{}`,
	} {
		rec := ts.do(jsonRequest(http.MethodPost, "/v1/jobs", body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestJobRoutesHandleMissingCollaborators(t *testing.T) {
	ts := newTestServer(t, leftHalfSegmenter(), func(_ *config.APIConfig, deps *Dependencies) {
		deps.Storage = nil
		deps.Queue = nil
	})

	rec := ts.do(jsonRequest(http.MethodPost, "/v1/jobs", `{"source_type":"s3_presigned","style":"none"}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/v1/jobs/abc/start", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartJobQueueErrors(t *testing.T) {
	ts := newTestServer(t, leftHalfSegmenter(), nil)
	rec := ts.do(jsonRequest(http.MethodPost, "/v1/jobs", `{"source_type":"s3_presigned","style":"none"}`))
	jobID := decodeBody(t, rec)["job_id"].(string)
	ts.storage.put("uploads/"+jobID+"/source", "image/png")

	ts.queue.err = queue.ErrAlreadyQueued
	assert.Equal(t, http.StatusConflict, ts.do(httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil)).Code)

	ts.queue.err = errors.New("redis down")
	assert.Equal(t, http.StatusInternalServerError, ts.do(httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil)).Code)

	job, _, _ := ts.jobs.Get(context.Background(), jobID)
	assert.Equal(t, domain.JobStatusCreated, job.Status)
}

func TestRateLimitRejects(t *testing.T) {
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 2500 * time.Millisecond}}
	ts := newTestServer(t, leftHalfSegmenter(), func(_ *config.APIConfig, deps *Dependencies) {
		deps.RateLimiter = limiter
	})

	req := jsonRequest(http.MethodPost, "/v1/jobs", `{"source_type":"s3_presigned","style":"none"}`)
	req.Header.Set("X-User-ID", "u1")
	rec := ts.do(req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))

	rec = ts.do(multipartRequest(t, &formFile{name: "a.png", contentType: "image/png", data: testPNG(t, 4, 4)}, map[string]string{"style": "none"}))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, []string{"u1:/v1/jobs#1", "anonymous:/v1/avatars/prepare#5"}, limiter.subjects)

	// Reads are never limited.
	assert.Equal(t, http.StatusOK, ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}

func TestRateLimitFailsOpen(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("redis down")}
	ts := newTestServer(t, leftHalfSegmenter(), func(_ *config.APIConfig, deps *Dependencies) {
		deps.RateLimiter = limiter
	})

	rec := ts.do(jsonRequest(http.MethodPost, "/v1/jobs", `{"source_type":"s3_presigned","style":"none"}`))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/v1/jobs/{id}/start", routeLabel("/v1/jobs/abc/start"))
	assert.Equal(t, "/v1/jobs/{id}", routeLabel("/v1/jobs/abc"))
	assert.Equal(t, "/v1/jobs", routeLabel("/v1/jobs"))
	assert.Equal(t, "other", routeLabel("/wp-admin"))
}
