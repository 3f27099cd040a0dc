package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/avatarflow/internal/domain"
)

const SourceTypeLocalFile = domain.SourceTypeLocalFile

var ErrUnsupportedSourceType = errors.New("unsupported source_type")

// Request is one queued avatar job.
type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	MIME       string
	Avatar     domain.AvatarSpec
}

type Output struct {
	Format  string
	MIME    string
	Path    string
	Bytes   int
	Width   int
	Height  int
	Resized bool
}

type JobResult struct {
	SourceBytes int
	Output      Output
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, res Result) (Output, error)
}

// Processor moves a job's source through the pipeline and stores the avatar.
type Processor struct {
	fetcher  Fetcher
	pipeline *Pipeline
	emitter  Emitter
}

func NewProcessor(fetcher Fetcher, p *Pipeline, emitter Emitter) (*Processor, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if p == nil {
		return nil, errors.New("pipeline is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	return &Processor{fetcher: fetcher, pipeline: p, emitter: emitter}, nil
}

func NewLocalProcessor(p *Pipeline, outputDir string) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, p, LocalFileEmitter{OutputDir: outputDir})
}

// Process returns pipeline failures unchanged so callers can inspect their Kind.
func (p *Processor) Process(ctx context.Context, req Request) (JobResult, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return JobResult{}, errors.New("job_id is required")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return JobResult{}, fmt.Errorf("fetch stage: %w", err)
	}

	res, err := p.pipeline.Run(ctx, Input{
		Data:    sourceBytes,
		MIME:    req.MIME,
		Style:   string(req.Avatar.Style),
		Format:  req.Avatar.Format,
		Quality: Quality(req.Avatar.Quality),
	})
	if err != nil {
		return JobResult{}, fmt.Errorf("pipeline job=%s: %w", req.JobID, err)
	}

	written, err := p.emitter.Emit(ctx, req, res)
	if err != nil {
		return JobResult{}, fmt.Errorf("emit stage: %w", err)
	}

	return JobResult{SourceBytes: len(sourceBytes), Output: written}, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, res Result) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	format := formatForMIME(res.MIME)
	fullPath := filepath.Join(jobDir, avatarFilename(format))
	if err := os.WriteFile(fullPath, res.Data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return outputFor(res, format, fullPath), nil
}

func outputFor(res Result, format, path string) Output {
	return Output{
		Format:  format,
		MIME:    res.MIME,
		Path:    path,
		Bytes:   len(res.Data),
		Width:   res.Width,
		Height:  res.Height,
		Resized: res.Resized,
	}
}

func avatarFilename(format string) string {
	return "avatar." + ExtensionForFormat(format)
}

func formatForMIME(mime string) string {
	switch mime {
	case "image/jpeg":
		return domain.FormatJPEG
	case "image/webp":
		return domain.FormatWebP
	default:
		return domain.FormatPNG
	}
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
