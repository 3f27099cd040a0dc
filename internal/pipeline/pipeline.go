package pipeline

import (
	"context"
	"time"

	"github.com/dunamismax/avatarflow/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// Input is one user action: a photo plus the look to give it.
type Input struct {
	Data []byte
	MIME string
	// Style is matched case-insensitively. Unknown names fail the run.
	Style  string
	Format string
	// Quality applies to lossy formats, in [0,1] where 0 is the lowest
	// encoder quality. Nil selects the pipeline default.
	Quality *float64
	DataURL bool
}

type Result struct {
	Data    []byte
	MIME    string
	Width   int
	Height  int
	Resized bool
	Style   domain.Style
	// DataURL is set only when Input.DataURL was requested.
	DataURL string
}

// Pipeline prepares avatar images: decode, normalize, segment, composite,
// style, encode. It holds only immutable configuration and is safe for
// concurrent use; every Run owns its rasters.
type Pipeline struct {
	segmenter Segmenter
	codec     Codec
	scaler    draw.Scaler
	maxEdge   int
	quality   float64
	observers []Observer
	logger    *zap.Logger
	tracer    trace.Tracer
}

type Option func(*Pipeline)

func WithCodec(c Codec) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.codec = c
		}
	}
}

func WithMaxEdge(edge int) Option {
	return func(p *Pipeline) {
		if edge > 0 {
			p.maxEdge = edge
		}
	}
}

// WithJPEGQuality sets the quality used when Input.Quality is nil.
func WithJPEGQuality(q float64) Option {
	return func(p *Pipeline) {
		if q >= 0 && q <= 1 {
			p.quality = q
		}
	}
}

func WithScaler(s draw.Scaler) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.scaler = s
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observers = append(p.observers, o)
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

func New(segmenter Segmenter, opts ...Option) *Pipeline {
	p := &Pipeline{
		segmenter: segmenter,
		codec:     defaultCodec(),
		scaler:    draw.CatmullRom,
		maxEdge:   DefaultMaxEdge,
		quality:   DefaultJPEGQuality,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("avatarflow/pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run tracks the state of one invocation.
type run struct {
	p       *Pipeline
	ctx     context.Context
	state   State
	entered time.Time
}

func (r *run) advance(to State) {
	now := time.Now()
	t := Transition{From: r.state, To: to, Elapsed: now.Sub(r.entered)}
	r.state, r.entered = to, now
	r.p.notify(r.ctx, t)
}

func (r *run) fail(err error) error {
	now := time.Now()
	t := Transition{From: r.state, To: StateFailed, Kind: KindOf(err), Elapsed: now.Sub(r.entered)}
	r.state, r.entered = StateFailed, now
	r.p.notify(r.ctx, t)
	return err
}

// step moves to the next state and runs fn inside a span named after it.
func (r *run) step(fn func(ctx context.Context) error) error {
	r.advance(r.state.next())

	ctx, span := r.p.tracer.Start(r.ctx, "pipeline."+r.state.String())
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
		return r.fail(err)
	}
	return nil
}

// Run executes every stage in order and stops at the first failure. On
// failure the returned error is a *Error and no image is produced.
func (p *Pipeline) Run(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("avatar.style", in.Style),
		attribute.String("avatar.format", in.Format),
		attribute.Int("avatar.input_bytes", len(in.Data)),
	))
	defer span.End()

	r := &run{p: p, ctx: ctx, state: StateIdle, entered: time.Now()}

	var (
		img     RasterImage
		mask    SegmentationMask
		resized bool
		style   domain.Style
		out     Result
	)

	stages := []func(ctx context.Context) error{
		func(context.Context) (err error) {
			img, err = p.codec.Decode(in.Data, in.MIME)
			return err
		},
		func(context.Context) error {
			img, resized = normalizeWith(img, p.maxEdge, p.scaler)
			if resized {
				p.logger.Info("normalized oversized image",
					zap.Int("width", img.Width),
					zap.Int("height", img.Height),
					zap.Int("max_edge", p.maxEdge))
			}
			return nil
		},
		func(ctx context.Context) (err error) {
			mask, err = segment(ctx, p.segmenter, img)
			return err
		},
		func(context.Context) (err error) {
			img, err = Composite(img, mask)
			mask = SegmentationMask{}
			return err
		},
		func(context.Context) error {
			parsed, err := domain.ParseStyle(in.Style)
			if err != nil {
				return newError(ErrUnknownStyle, opStyle, err)
			}
			style = parsed
			img, err = ApplyStyle(img, style)
			return err
		},
		func(context.Context) error {
			quality := p.quality
			if in.Quality != nil {
				quality = *in.Quality
			}
			data, mime, err := p.codec.Encode(img, in.Format, quality)
			if err != nil {
				return err
			}
			out = Result{
				Data:    data,
				MIME:    mime,
				Width:   img.Width,
				Height:  img.Height,
				Resized: resized,
				Style:   style,
			}
			if in.DataURL {
				out.DataURL = DataURL(mime, data)
			}
			return nil
		},
	}

	for _, stage := range stages {
		if err := r.step(stage); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pipeline failed")
			return Result{}, err
		}
	}
	r.advance(StateDone)

	span.SetAttributes(
		attribute.Int("avatar.width", out.Width),
		attribute.Int("avatar.height", out.Height),
		attribute.Bool("avatar.resized", out.Resized),
	)
	span.SetStatus(codes.Ok, "prepared")
	return out, nil
}

func (p *Pipeline) notify(ctx context.Context, t Transition) {
	for _, o := range p.observers {
		o.Observe(ctx, t)
	}
}
