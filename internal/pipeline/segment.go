package pipeline

import (
	"context"
	"errors"
)

const opSegment = "segment"

// Segmenter computes a background probability mask for a raster. The mask
// must have the raster's dimensions. Implementations may block for seconds
// and must honour ctx cancellation; they never retry on their own.
type Segmenter interface {
	Segment(ctx context.Context, img RasterImage) (SegmentationMask, error)
}

// SegmenterFunc adapts a function to the Segmenter interface.
type SegmenterFunc func(ctx context.Context, img RasterImage) (SegmentationMask, error)

func (f SegmenterFunc) Segment(ctx context.Context, img RasterImage) (SegmentationMask, error) {
	return f(ctx, img)
}

// segment calls s and enforces the mask contract on whatever it returns.
func segment(ctx context.Context, s Segmenter, img RasterImage) (SegmentationMask, error) {
	if s == nil {
		return SegmentationMask{}, newError(ErrSegmentationUnavailable, opSegment, errors.New("no segmenter configured"))
	}
	if err := ctx.Err(); err != nil {
		return SegmentationMask{}, newError(ErrSegmentation, opSegment, err)
	}

	mask, err := s.Segment(ctx, img)
	if err != nil {
		var stageErr *Error
		if errors.As(err, &stageErr) {
			return SegmentationMask{}, err
		}
		return SegmentationMask{}, newError(ErrSegmentation, opSegment, err)
	}
	if err := checkMask(mask, img); err != nil {
		return SegmentationMask{}, err
	}
	return mask, nil
}

func checkMask(mask SegmentationMask, img RasterImage) error {
	if len(mask.Values) == 0 {
		return errorf(ErrSegmentation, opSegment, "model returned no mask")
	}
	if !mask.Matches(img) {
		return errorf(ErrSegmentation, opSegment, "mask %dx%d does not match raster %dx%d",
			mask.Width, mask.Height, img.Width, img.Height)
	}
	if err := mask.Validate(); err != nil {
		return newError(ErrSegmentation, opSegment, err)
	}
	return nil
}
