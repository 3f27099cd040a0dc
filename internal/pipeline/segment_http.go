package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
)

const (
	DefaultSegmenterModel  = "briaai/RMBG-1.4"
	DefaultSegmenterDevice = "auto"

	maxMaskResponseBytes = 64 << 20
)

type HTTPSegmenterConfig struct {
	Endpoint string
	Model    string
	// Device selects the execution device on the inference host
	// ("auto", "cpu", "gpu"). It never changes the mask shape.
	Device string
	// CacheModel lets the inference host reuse a locally cached copy of the
	// model. When false the model is always downloaded fresh.
	CacheModel bool
	HTTPClient *http.Client
}

// HTTPSegmenter runs background segmentation on a remote inference host.
// The model is loaded once per process on first use.
type HTTPSegmenter struct {
	endpoint   *url.URL
	model      string
	device     string
	cacheModel bool
	httpClient *http.Client

	// loadSlot admits one model load at a time. Waiters give up when their
	// own context ends.
	loadSlot chan struct{}
	loaded   atomic.Bool
}

func NewHTTPSegmenter(cfg HTTPSegmenterConfig) (*HTTPSegmenter, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("segmenter endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse segmenter endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("segmenter endpoint must be http(s), got %q", endpoint)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultSegmenterModel
	}
	device := strings.ToLower(strings.TrimSpace(cfg.Device))
	if device == "" {
		device = DefaultSegmenterDevice
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &HTTPSegmenter{
		endpoint:   u,
		model:      model,
		device:     device,
		cacheModel: cfg.CacheModel,
		httpClient: client,
		loadSlot:   make(chan struct{}, 1),
	}, nil
}

func (s *HTTPSegmenter) Model() string {
	return s.model
}

func (s *HTTPSegmenter) Segment(ctx context.Context, img RasterImage) (SegmentationMask, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return SegmentationMask{}, err
	}

	var body bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(&body, img.nrgba()); err != nil {
		return SegmentationMask{}, errorf(ErrSegmentation, opSegment, "encode request image: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.modelURL("segment"), &body)
	if err != nil {
		return SegmentationMask{}, errorf(ErrSegmentation, opSegment, "build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Accept", "image/png, application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return SegmentationMask{}, errorf(ErrSegmentation, opSegment, "segment request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		s.markUnloaded()
		return SegmentationMask{}, errorf(ErrSegmentationUnavailable, opSegment, "model %s is not loaded", s.model)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SegmentationMask{}, errorf(ErrSegmentation, opSegment, "segment returned status=%d: %s", resp.StatusCode, readSnippet(resp.Body))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMaskResponseBytes))
	if err != nil {
		return SegmentationMask{}, errorf(ErrSegmentation, opSegment, "read mask: %w", err)
	}

	mask, err := parseMaskResponse(resp.Header.Get("Content-Type"), data)
	if err != nil {
		return SegmentationMask{}, newError(ErrSegmentation, opSegment, err)
	}
	if err := checkMask(mask, img); err != nil {
		return SegmentationMask{}, err
	}
	return mask, nil
}

func (s *HTTPSegmenter) ensureLoaded(ctx context.Context) error {
	if s.loaded.Load() {
		return nil
	}

	select {
	case s.loadSlot <- struct{}{}:
	case <-ctx.Done():
		return errorf(ErrSegmentation, opSegment, "wait for model %s to load: %w", s.model, ctx.Err())
	}
	defer func() { <-s.loadSlot }()

	// Another caller may have finished the load while we waited.
	if s.loaded.Load() {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"device":      s.device,
		"cache_model": s.cacheModel,
	})
	if err != nil {
		return errorf(ErrSegmentationUnavailable, opSegment, "marshal load request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.modelURL("load"), bytes.NewReader(payload))
	if err != nil {
		return errorf(ErrSegmentationUnavailable, opSegment, "build load request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errorf(ErrSegmentationUnavailable, opSegment, "load model %s: %w", s.model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorf(ErrSegmentationUnavailable, opSegment, "load model %s returned status=%d: %s", s.model, resp.StatusCode, readSnippet(resp.Body))
	}

	s.loaded.Store(true)
	return nil
}

func (s *HTTPSegmenter) markUnloaded() {
	s.loaded.Store(false)
}

// modelURL keeps slashes inside the model id escaped so the id stays a
// single path segment.
func (s *HTTPSegmenter) modelURL(action string) string {
	u := *s.endpoint
	base := strings.TrimRight(u.Path, "/")
	rawBase := strings.TrimRight(u.EscapedPath(), "/")
	u.Path = base + "/v1/models/" + s.model + "/" + action
	u.RawPath = rawBase + "/v1/models/" + url.PathEscape(s.model) + "/" + action
	return u.String()
}

type maskResponse struct {
	Results []struct {
		Width  int       `json:"width"`
		Height int       `json:"height"`
		Mask   []float32 `json:"mask"`
	} `json:"results"`
}

func parseMaskResponse(contentType string, data []byte) (SegmentationMask, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = http.DetectContentType(data)
	}

	switch mediaType {
	case "application/json":
		var resp maskResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return SegmentationMask{}, fmt.Errorf("decode mask json: %w", err)
		}
		if len(resp.Results) == 0 {
			return SegmentationMask{}, errors.New("model returned zero results")
		}
		first := resp.Results[0]
		return SegmentationMask{Width: first.Width, Height: first.Height, Values: first.Mask}, nil
	case "image/png":
		return maskFromPNG(data)
	default:
		return SegmentationMask{}, fmt.Errorf("unsupported mask content type %q", contentType)
	}
}

// maskFromPNG reads a single-channel 8- or 16-bit gray PNG.
func maskFromPNG(data []byte) (SegmentationMask, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return SegmentationMask{}, fmt.Errorf("decode mask png: %w", err)
	}

	b := img.Bounds()
	mask := SegmentationMask{Width: b.Dx(), Height: b.Dy(), Values: make([]float32, b.Dx()*b.Dy())}
	switch m := img.(type) {
	case *image.Gray:
		for y := 0; y < mask.Height; y++ {
			for x := 0; x < mask.Width; x++ {
				mask.Values[y*mask.Width+x] = float32(m.GrayAt(b.Min.X+x, b.Min.Y+y).Y) / 255
			}
		}
	case *image.Gray16:
		for y := 0; y < mask.Height; y++ {
			for x := 0; x < mask.Width; x++ {
				mask.Values[y*mask.Width+x] = float32(m.Gray16At(b.Min.X+x, b.Min.Y+y).Y) / 65535
			}
		}
	default:
		return SegmentationMask{}, fmt.Errorf("mask png must be grayscale, got %T", img)
	}
	return mask, nil
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(data))
}
