package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachingSegmenter memoizes masks in Redis keyed by a digest of the raster.
// Cache failures are logged and bypassed; they never fail a run.
type CachingSegmenter struct {
	next      Segmenter
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
	logger    *zap.Logger
}

func NewCachingSegmenter(next Segmenter, client redis.UniversalClient, ttl time.Duration, keyPrefix string, logger *zap.Logger) (*CachingSegmenter, error) {
	if next == nil {
		return nil, errors.New("segmenter is required")
	}
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "avatarflow:mask"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachingSegmenter{
		next:      next,
		client:    client,
		ttl:       ttl,
		keyPrefix: keyPrefix,
		logger:    logger,
	}, nil
}

func (c *CachingSegmenter) Segment(ctx context.Context, img RasterImage) (SegmentationMask, error) {
	key := c.key(img)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		mask, decodeErr := unmarshalMask(data)
		if decodeErr == nil && mask.Matches(img) {
			return mask, nil
		}
		c.logger.Warn("discarding unreadable cached mask", zap.String("key", key), zap.Error(decodeErr))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("mask cache read failed", zap.String("key", key), zap.Error(err))
	}

	mask, err := c.next.Segment(ctx, img)
	if err != nil {
		return SegmentationMask{}, err
	}

	if err := c.client.Set(ctx, key, marshalMask(mask), c.ttl).Err(); err != nil {
		c.logger.Warn("mask cache write failed", zap.String("key", key), zap.Error(err))
	}
	return mask, nil
}

func (c *CachingSegmenter) key(img RasterImage) string {
	h := sha256.New()
	var dims [8]byte
	binary.LittleEndian.PutUint32(dims[0:4], uint32(img.Width))
	binary.LittleEndian.PutUint32(dims[4:8], uint32(img.Height))
	h.Write(dims[:])
	h.Write(img.Pix)
	return c.keyPrefix + ":" + hex.EncodeToString(h.Sum(nil))
}

// marshalMask lays out width, height and the float32 values little-endian.
func marshalMask(m SegmentationMask) []byte {
	out := make([]byte, 8+4*len(m.Values))
	binary.LittleEndian.PutUint32(out[0:4], uint32(m.Width))
	binary.LittleEndian.PutUint32(out[4:8], uint32(m.Height))
	for i, v := range m.Values {
		binary.LittleEndian.PutUint32(out[8+4*i:], math.Float32bits(v))
	}
	return out
}

func unmarshalMask(data []byte) (SegmentationMask, error) {
	if len(data) < 8 {
		return SegmentationMask{}, fmt.Errorf("cached mask truncated: %d bytes", len(data))
	}
	m := SegmentationMask{
		Width:  int(binary.LittleEndian.Uint32(data[0:4])),
		Height: int(binary.LittleEndian.Uint32(data[4:8])),
	}
	pixels := int64(m.Width) * int64(m.Height)
	if m.Width <= 0 || m.Height <= 0 || pixels > MaxDecodePixels {
		return SegmentationMask{}, fmt.Errorf("cached mask has invalid size %dx%d", m.Width, m.Height)
	}
	if int64(len(data)) != 8+4*pixels {
		return SegmentationMask{}, fmt.Errorf("cached mask has %d bytes for %dx%d", len(data), m.Width, m.Height)
	}
	m.Values = make([]float32, m.Width*m.Height)
	for i := range m.Values {
		m.Values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[8+4*i:]))
	}
	return m, m.Validate()
}
