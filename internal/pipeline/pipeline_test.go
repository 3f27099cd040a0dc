package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/dunamismax/avatarflow/internal/config"
	"github.com/dunamismax/avatarflow/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type transitionRecorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *transitionRecorder) Observe(_ context.Context, t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *transitionRecorder) path() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []State{StateIdle}
	for _, t := range r.transitions {
		out = append(out, t.To)
	}
	return out
}

func TestPipelineLargePhotoMinimalStyle(t *testing.T) {
	recorder := &transitionRecorder{}
	p := New(halfSegmenter(), WithObserver(recorder), WithLogger(zaptest.NewLogger(t)))
	source := buildTestPNG(t, 2000, 1000)

	res, err := p.Run(context.Background(), Input{Data: source, MIME: "image/png", Style: "minimal", DataURL: true})
	require.NoError(t, err)

	assert.Equal(t, 1024, res.Width)
	assert.Equal(t, 512, res.Height)
	assert.True(t, res.Resized)
	assert.Equal(t, "image/png", res.MIME)
	assert.Equal(t, domain.StyleMinimal, res.Style)
	assert.True(t, strings.HasPrefix(res.DataURL, "data:image/png;base64,"))

	styled, err := Decode(res.Data, res.MIME)
	require.NoError(t, err)
	assert.Equal(t, 1024, styled.Width)
	assert.Equal(t, 512, styled.Height)

	var transparent, opaque int
	for _, a := range alphaValues(styled) {
		switch a {
		case 0:
			transparent++
		case 255:
			opaque++
		}
	}
	assert.Positive(t, transparent)
	assert.Positive(t, opaque)

	plain, err := p.Run(context.Background(), Input{Data: source, MIME: "image/png", Style: "none"})
	require.NoError(t, err)
	cutout, err := Decode(plain.Data, plain.MIME)
	require.NoError(t, err)
	assert.Equal(t, alphaValues(cutout), alphaValues(styled))
	assert.Less(t, meanChroma(styled), meanChroma(cutout))

	assert.Equal(t, []State{
		StateIdle, StateDecoding, StateNormalizing, StateSegmenting,
		StateCompositing, StateStyling, StateEncoding, StateDone,
	}, recorder.path()[:8])
}

func TestPipelineSmallPhotoIsNotResized(t *testing.T) {
	p := New(halfSegmenter())

	res, err := p.Run(context.Background(), Input{Data: buildTestPNG(t, 300, 200), Style: "CYBERPUNK", Format: "jpeg", Quality: Quality(0.8)})
	require.NoError(t, err)
	assert.False(t, res.Resized)
	assert.Equal(t, 300, res.Width)
	assert.Equal(t, 200, res.Height)
	assert.Equal(t, "image/jpeg", res.MIME)
	assert.Empty(t, res.DataURL)
}

func TestPipelineQualitySelection(t *testing.T) {
	photo := buildTestPNG(t, 96, 96)
	encode := func(p *Pipeline, q *float64) []byte {
		t.Helper()
		res, err := p.Run(context.Background(), Input{Data: photo, Style: "none", Format: "jpeg", Quality: q})
		require.NoError(t, err)
		return res.Data
	}

	p := New(halfSegmenter())
	unset := encode(p, nil)
	assert.Equal(t, len(encode(p, Quality(DefaultJPEGQuality))), len(unset), "nil quality uses the default")
	assert.Less(t, len(encode(p, Quality(0))), len(unset), "zero is the lowest quality, not the default")

	configured := New(halfSegmenter(), WithJPEGQuality(0.3))
	assert.Equal(t, len(encode(configured, Quality(0.3))), len(encode(configured, nil)))

	_, err := p.Run(context.Background(), Input{Data: photo, Style: "none", Format: "jpeg", Quality: Quality(1.2)})
	assert.True(t, errors.Is(err, ErrEncode))
}

func TestPipelineFailures(t *testing.T) {
	wrongSize := SegmenterFunc(func(_ context.Context, img RasterImage) (SegmentationMask, error) {
		return uniformMask(img.Width+1, img.Height, 0), nil
	})
	empty := SegmenterFunc(func(context.Context, RasterImage) (SegmentationMask, error) {
		return SegmentationMask{}, nil
	})
	broken := SegmenterFunc(func(context.Context, RasterImage) (SegmentationMask, error) {
		return SegmentationMask{}, errors.New("inference crashed")
	})
	unavailable := SegmenterFunc(func(context.Context, RasterImage) (SegmentationMask, error) {
		return SegmentationMask{}, newError(ErrSegmentationUnavailable, opSegment, errors.New("model download failed"))
	})

	source := buildTestPNG(t, 40, 30)
	cases := []struct {
		name      string
		segmenter Segmenter
		input     Input
		kind      Kind
		failedIn  State
	}{
		{"undecodable", halfSegmenter(), Input{Data: []byte("nope"), Style: "none"}, ErrDecode, StateDecoding},
		{"empty input", halfSegmenter(), Input{Style: "none"}, ErrDecode, StateDecoding},
		{"no segmenter", nil, Input{Data: source, Style: "none"}, ErrSegmentationUnavailable, StateSegmenting},
		{"model unavailable", unavailable, Input{Data: source, Style: "none"}, ErrSegmentationUnavailable, StateSegmenting},
		{"model error", broken, Input{Data: source, Style: "none"}, ErrSegmentation, StateSegmenting},
		{"empty mask", empty, Input{Data: source, Style: "none"}, ErrSegmentation, StateSegmenting},
		{"mask size", wrongSize, Input{Data: source, Style: "none"}, ErrSegmentation, StateSegmenting},
		{"unknown style", halfSegmenter(), Input{Data: source, Style: "sparkle"}, ErrUnknownStyle, StateStyling},
		{"unknown format", halfSegmenter(), Input{Data: source, Style: "none", Format: "bmp"}, ErrEncode, StateEncoding},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := &transitionRecorder{}
			p := New(tc.segmenter, WithObserver(recorder))

			res, err := p.Run(context.Background(), tc.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.kind), "got %v", err)
			assert.Equal(t, tc.kind, KindOf(err))
			assert.Nil(t, res.Data)

			path := recorder.path()
			require.GreaterOrEqual(t, len(path), 3)
			assert.Equal(t, StateFailed, path[len(path)-1])
			assert.Equal(t, tc.failedIn, path[len(path)-2])
			last := recorder.transitions[len(recorder.transitions)-1]
			assert.Equal(t, tc.kind, last.Kind)
		})
	}
}

func TestPipelineCanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	recorder := &transitionRecorder{}
	_, err := New(halfSegmenter(), WithObserver(recorder)).Run(ctx, Input{Data: buildTestPNG(t, 4, 4), Style: "none"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, recorder.transitions)
}

func TestPipelineSegmenterSeesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocking := SegmenterFunc(func(ctx context.Context, _ RasterImage) (SegmentationMask, error) {
		cancel()
		<-ctx.Done()
		return SegmentationMask{}, ctx.Err()
	})

	_, err := New(blocking).Run(ctx, Input{Data: buildTestPNG(t, 4, 4), Style: "none"})
	assert.ErrorIs(t, err, ErrSegmentation)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPipelineConcurrentRunsAreIndependent(t *testing.T) {
	p := New(halfSegmenter())
	styles := []string{"cyberpunk", "fantasy", "artistic", "minimal", "none"}
	source := buildTestPNG(t, 64, 48)

	want := make(map[string][]byte, len(styles))
	for _, style := range styles {
		res, err := p.Run(context.Background(), Input{Data: source, Style: style})
		require.NoError(t, err)
		want[style] = res.Data
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(styles)*4)
	for i := 0; i < 4; i++ {
		for _, style := range styles {
			wg.Add(1)
			go func(style string) {
				defer wg.Done()
				res, err := p.Run(context.Background(), Input{Data: source, Style: style})
				if err != nil {
					errs <- err
					return
				}
				if string(res.Data) != string(want[style]) {
					errs <- errors.New("output differs for " + style)
				}
			}(style)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestMetricsObserverCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetricsObserver(reg)
	p := New(halfSegmenter(), WithObserver(metrics))

	_, err := p.Run(context.Background(), Input{Data: buildTestPNG(t, 8, 8), Style: "none"})
	require.NoError(t, err)
	_, err = p.Run(context.Background(), Input{Data: buildTestPNG(t, 8, 8), Style: "sparkle"})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runsTotal.WithLabelValues(string(ErrUnknownStyle))))
}

func TestUserMessages(t *testing.T) {
	assert.Equal(t, "could not read your image", UserMessage(ErrDecode))
	assert.Equal(t, "background removal is temporarily unavailable", UserMessage(ErrSegmentationUnavailable))
	assert.Equal(t, "styling failed", UserMessage(ErrUnknownStyle))
	assert.True(t, Retryable(ErrSegmentation))
	assert.False(t, Retryable(ErrDecode))
}

func TestSetupFromConfig(t *testing.T) {
	seg, err := NewSegmenterFromConfig(config.SegmenterConfig{Endpoint: "http://localhost:8500"}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTPSegmenter{}, seg)

	_, err = NewSegmenterFromConfig(config.SegmenterConfig{Endpoint: "ftp://x"}, nil, nil)
	assert.Error(t, err)

	p := New(halfSegmenter(), OptionsFromConfig(config.PipelineConfig{MaxEdge: 100})...)
	res, err := p.Run(context.Background(), Input{Data: buildTestPNG(t, 400, 200), Style: "none"})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Width)
	assert.Equal(t, 50, res.Height)
}
