package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/avatarflow/internal/config"
	"github.com/dunamismax/avatarflow/internal/pipeline"
	"github.com/dunamismax/avatarflow/internal/queue"
	"github.com/dunamismax/avatarflow/internal/ratelimit"
	"github.com/dunamismax/avatarflow/internal/store"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.PrepareAvatarPayload
	err      error
}

func (q *fakeQueue) EnqueuePrepareAvatar(_ context.Context, payload queue.PrepareAvatarPayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string]string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string]string{}}
}

func (s *fakeStorage) put(key, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = contentType
}

func (s *fakeStorage) PresignedPutURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://storage.example/put/" + key, nil
}

func (s *fakeStorage) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://storage.example/get/" + key, nil
}

func (s *fakeStorage) StatObject(_ context.Context, key string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contentType, ok := s.objects[key]
	return ok, contentType, nil
}

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
	subjects []string
}

func (l *fakeLimiter) AllowN(_ context.Context, subject string, cost int) (ratelimit.Decision, error) {
	l.subjects = append(l.subjects, fmt.Sprintf("%s#%d", subject, cost))
	return l.decision, l.err
}

func leftHalfSegmenter() pipeline.Segmenter {
	return pipeline.SegmenterFunc(func(_ context.Context, img pipeline.RasterImage) (pipeline.SegmentationMask, error) {
		m := pipeline.SegmentationMask{Width: img.Width, Height: img.Height, Values: make([]float32, img.Width*img.Height)}
		for i := range m.Values {
			if i%img.Width < img.Width/2 {
				m.Values[i] = 1
			}
		}
		return m, nil
	})
}

func failingSegmenter(kind pipeline.Kind) pipeline.Segmenter {
	return pipeline.SegmenterFunc(func(context.Context, pipeline.RasterImage) (pipeline.SegmentationMask, error) {
		return pipeline.SegmentationMask{}, &pipeline.Error{Kind: kind, Op: "segment", Err: errors.New("inference host says no")}
	})
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testAPIConfig() config.APIConfig {
	return config.APIConfig{
		PresignTTL:     time.Minute,
		MaxUploadBytes: 1 << 20,
		AllowedTypes:   []string{"image/jpeg", "image/png", "image/webp"},
		PrepareTimeout: 10 * time.Second,
		RateLimit:      config.RateLimitConfig{UserIDHeader: "X-User-ID"},
	}
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{MaxEdge: 1024, DefaultFormat: "png", JPEGQuality: 0.92}
}

type testServer struct {
	*Server
	queue   *fakeQueue
	storage *fakeStorage
	jobs    *store.MemoryJobStore
}

func newTestServer(t *testing.T, segmenter pipeline.Segmenter, mutate func(*config.APIConfig, *Dependencies)) testServer {
	t.Helper()
	ts := testServer{queue: &fakeQueue{}, storage: newFakeStorage(), jobs: store.NewMemoryJobStore()}
	cfg := testAPIConfig()
	deps := Dependencies{
		Pipeline: pipeline.New(segmenter),
		Queue:    ts.queue,
		Jobs:     ts.jobs,
		Storage:  ts.storage,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	srv, err := NewServer(zaptest.NewLogger(t), cfg, testPipelineConfig(), deps)
	require.NoError(t, err)
	ts.Server = srv
	return ts
}

func (ts testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

type formFile struct {
	name        string
	contentType string
	data        []byte
}

func multipartRequest(t *testing.T, file *formFile, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, file.name))
		if file.contentType != "" {
			h.Set("Content-Type", file.contentType)
		}
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(file.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/avatars/prepare", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}
