package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/avatarflow/internal/domain"
	"github.com/dunamismax/avatarflow/internal/pipeline"
	"go.uber.org/zap"
)

// multipartOverhead leaves room for form fields and boundaries on top of the
// image itself.
const multipartOverhead = 64 << 10

type prepareResponse struct {
	MIME    string `json:"mime"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Resized bool   `json:"resized"`
	Style   string `json:"style"`
	Bytes   int    `json:"bytes"`
	DataURL string `json:"data_url,omitempty"`
}

// handlePrepare runs the pipeline inline. With data_url=true the avatar comes
// back as a data URL inside JSON, otherwise as the raw image body.
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, s.tooLargeMessage())
			return
		}
		writeError(w, http.StatusBadRequest, "expected multipart/form-data with an image field")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	in, status, err := s.prepareInput(r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	ctx := r.Context()
	if s.cfg.PrepareTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PrepareTimeout)
		defer cancel()
	}

	s.metrics.uploadBytes.Observe(float64(len(in.Data)))
	start := time.Now()
	res, err := s.pipeline.Run(ctx, in)
	s.metrics.observePrepare(err, time.Since(start))
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	if in.DataURL {
		writeJSON(w, http.StatusOK, prepareResponse{
			MIME:    res.MIME,
			Width:   res.Width,
			Height:  res.Height,
			Resized: res.Resized,
			Style:   res.Style.String(),
			Bytes:   len(res.Data),
			DataURL: res.DataURL,
		})
		return
	}

	w.Header().Set("Content-Type", res.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.Header().Set("X-Avatar-Width", strconv.Itoa(res.Width))
	w.Header().Set("X-Avatar-Height", strconv.Itoa(res.Height))
	w.Header().Set("X-Avatar-Resized", strconv.FormatBool(res.Resized))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

func (s *Server) prepareInput(r *http.Request) (pipeline.Input, int, error) {
	file, header, err := r.FormFile("image")
	if err != nil {
		return pipeline.Input{}, http.StatusBadRequest, errors.New("image file is required")
	}
	defer file.Close()

	if header.Size > s.cfg.MaxUploadBytes {
		return pipeline.Input{}, http.StatusRequestEntityTooLarge, errors.New(s.tooLargeMessage())
	}
	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return pipeline.Input{}, http.StatusBadRequest, fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return pipeline.Input{}, http.StatusRequestEntityTooLarge, errors.New(s.tooLargeMessage())
	}
	if len(data) == 0 {
		return pipeline.Input{}, http.StatusBadRequest, errors.New("image file is empty")
	}

	contentType := normalizeMIME(header.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = normalizeMIME(http.DetectContentType(data))
	}
	if !s.allowed[contentType] {
		return pipeline.Input{}, http.StatusUnsupportedMediaType, fmt.Errorf("unsupported image type %q", contentType)
	}

	style := strings.TrimSpace(r.FormValue("style"))
	if style == "" {
		return pipeline.Input{}, http.StatusBadRequest, errors.New("style is required")
	}
	if _, err := domain.ParseStyle(style); err != nil {
		return pipeline.Input{}, http.StatusBadRequest, err
	}

	format := r.FormValue("format")
	if strings.TrimSpace(format) == "" {
		format = s.pipelineCfg.DefaultFormat
	}
	format, err = domain.NormalizeFormat(format)
	if err != nil {
		return pipeline.Input{}, http.StatusBadRequest, err
	}

	var quality *float64
	if raw := strings.TrimSpace(r.FormValue("quality")); raw != "" {
		q, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(q) || q < 0 || q > 1 {
			return pipeline.Input{}, http.StatusBadRequest, fmt.Errorf("quality must be a number within [0,1], got %q", raw)
		}
		quality = &q
	}

	dataURL := false
	if raw := strings.TrimSpace(r.FormValue("data_url")); raw != "" {
		dataURL, err = strconv.ParseBool(raw)
		if err != nil {
			return pipeline.Input{}, http.StatusBadRequest, fmt.Errorf("data_url must be a boolean, got %q", raw)
		}
	}

	return pipeline.Input{
		Data:    data,
		MIME:    contentType,
		Style:   style,
		Format:  format,
		Quality: quality,
		DataURL: dataURL,
	}, 0, nil
}

func (s *Server) tooLargeMessage() string {
	return fmt.Sprintf("image exceeds the %d MB upload limit", s.cfg.MaxUploadBytes>>20)
}

func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	kind := pipeline.KindOf(err)
	status := statusForKind(kind)
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}

	message := "internal error"
	if kind != "" {
		message = pipeline.UserMessage(kind)
	}

	logFn := s.logger.Warn
	if status >= http.StatusInternalServerError {
		logFn = s.logger.Error
	}
	logFn("prepare failed", zap.String("kind", string(kind)), zap.Int("status", status), zap.Error(err))

	writeJSON(w, status, map[string]string{
		"error":      message,
		"error_kind": string(kind),
	})
}

func statusForKind(kind pipeline.Kind) int {
	switch kind {
	case pipeline.ErrDecode:
		return http.StatusUnprocessableEntity
	case pipeline.ErrUnknownStyle:
		return http.StatusBadRequest
	case pipeline.ErrSegmentationUnavailable:
		return http.StatusServiceUnavailable
	case pipeline.ErrSegmentation, pipeline.ErrDimensionMismatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := pipeline.KindOf(err); kind != "" {
		return string(kind)
	}
	return "internal"
}

func normalizeMIME(value string) string {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(value))
	}
	if mediaType == "image/jpg" {
		return "image/jpeg"
	}
	return mediaType
}
