package pipeline

import (
	"fmt"
	"net/http"

	"github.com/dunamismax/avatarflow/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewSegmenterFromConfig builds the remote segmenter, wrapped in a Redis mask
// cache when cache is non-nil and a TTL is configured.
func NewSegmenterFromConfig(cfg config.SegmenterConfig, cache redis.UniversalClient, logger *zap.Logger) (Segmenter, error) {
	remote, err := NewHTTPSegmenter(HTTPSegmenterConfig{
		Endpoint:   cfg.Endpoint,
		Model:      cfg.Model,
		Device:     cfg.Device,
		CacheModel: cfg.CacheModel,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("build segmenter: %w", err)
	}
	if cache == nil || cfg.MaskCacheTTL <= 0 {
		return remote, nil
	}
	cached, err := NewCachingSegmenter(remote, cache, cfg.MaskCacheTTL, "", logger)
	if err != nil {
		return nil, err
	}
	return cached, nil
}

// OptionsFromConfig turns pipeline settings into constructor options.
func OptionsFromConfig(cfg config.PipelineConfig) []Option {
	var opts []Option
	if cfg.MaxEdge > 0 {
		opts = append(opts, WithMaxEdge(cfg.MaxEdge))
	}
	opts = append(opts, WithJPEGQuality(cfg.JPEGQuality))
	return opts
}
