package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dunamismax/avatarflow/internal/domain"
	"github.com/dunamismax/avatarflow/internal/logging"
	"github.com/dunamismax/avatarflow/internal/pipeline"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type prepareOptions struct {
	in       string
	out      string
	style    string
	format   string
	quality  float64
	dataURL  bool
	endpoint string
}

func newPrepareCmd(root *rootOptions) *cobra.Command {
	opts := &prepareOptions{}
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Remove the background of a photo and apply a style",
		Example: `  avatarprep prepare --in me.jpg --style cyberpunk --segmenter-endpoint http://localhost:8000
  avatarprep prepare --in me.png --style none --format jpeg --quality 0.8 --out avatar.jpg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPrepare(cmd, root, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.in, "in", "", "input photo (jpeg, png or webp)")
	flags.StringVar(&opts.out, "out", "", "output file (default: <in>.avatar.<ext>)")
	flags.StringVar(&opts.style, "style", string(domain.StyleNone), "style variant, see `avatarprep styles`")
	flags.StringVar(&opts.format, "format", "", "output format: png or jpeg (default from config)")
	flags.Float64Var(&opts.quality, "quality", 0, "jpeg quality in [0,1], 0 is the lowest (default from config)")
	flags.BoolVar(&opts.dataURL, "data-url", false, "print the result as a data URL instead of writing a file")
	flags.StringVar(&opts.endpoint, "segmenter-endpoint", "", "segmentation service base URL (default: $SEGMENTER_ENDPOINT)")
	_ = cmd.MarkFlagRequired("in")

	return cmd
}

func runPrepare(cmd *cobra.Command, root *rootOptions, opts *prepareOptions) error {
	if opts.quality < 0 || opts.quality > 1 {
		return fmt.Errorf("quality must be in [0,1], got %v", opts.quality)
	}
	if _, err := domain.ParseStyle(opts.style); err != nil {
		return err
	}

	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	if opts.endpoint != "" {
		cfg.Segmenter.Endpoint = opts.endpoint
	}
	format := strings.ToLower(strings.TrimSpace(opts.format))
	if format == "" {
		format = cfg.Pipeline.DefaultFormat
	}

	logger, err := logging.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return err
	}
	logger = logger.Named("cli")
	defer logging.Sync(logger)

	data, err := os.ReadFile(opts.in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	if err := pipeline.Startup(); err != nil {
		return err
	}
	defer pipeline.Shutdown()

	// The CLI runs one image, so the Redis mask cache is not used.
	segmenter, err := pipeline.NewSegmenterFromConfig(cfg.Segmenter, nil, logger)
	if err != nil {
		return err
	}
	p := pipeline.New(segmenter, append(pipeline.OptionsFromConfig(cfg.Pipeline),
		pipeline.WithLogger(logger),
		pipeline.WithObserver(pipeline.LogObserver(logger)),
	)...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var quality *float64
	if cmd.Flags().Changed("quality") {
		quality = pipeline.Quality(opts.quality)
	}
	res, err := p.Run(ctx, pipeline.Input{
		Data:    data,
		MIME:    http.DetectContentType(data),
		Style:   opts.style,
		Format:  format,
		Quality: quality,
		DataURL: opts.dataURL,
	})
	if err != nil {
		return describeFailure(err)
	}

	logger.Info("avatar prepared",
		zap.String("style", res.Style.String()),
		zap.Int("width", res.Width),
		zap.Int("height", res.Height),
		zap.Bool("resized", res.Resized))

	if opts.dataURL {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), res.DataURL)
		return err
	}

	out := opts.out
	if out == "" {
		out = defaultOutputPath(opts.in, format)
	}
	if err := os.WriteFile(out, res.Data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %dx%d %s %s\n",
		out, res.Width, res.Height, res.MIME, humanize.Bytes(uint64(len(res.Data))))
	return err
}

func defaultOutputPath(in, format string) string {
	base := strings.TrimSuffix(in, filepath.Ext(in))
	return base + ".avatar." + pipeline.ExtensionForFormat(format)
}

// describeFailure keeps the classified error for scripts and prefixes the
// message a user would see.
func describeFailure(err error) error {
	kind := pipeline.KindOf(err)
	if kind == "" {
		if errors.Is(err, context.Canceled) {
			return errors.New("interrupted")
		}
		return err
	}
	return fmt.Errorf("%s (%s): %w", pipeline.UserMessage(kind), kind, err)
}
