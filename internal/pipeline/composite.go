package pipeline

import "math"

const opComposite = "composite"

// Composite cuts the subject out of img. RGB is copied unchanged and the
// alpha of pixel p becomes round((1 - mask[p]) * 255), so pixels the model
// scores as background turn transparent.
func Composite(img RasterImage, mask SegmentationMask) (RasterImage, error) {
	if !mask.Matches(img) || len(mask.Values) != img.Width*img.Height {
		return RasterImage{}, errorf(ErrDimensionMismatch, opComposite,
			"mask %dx%d (%d values) does not match raster %dx%d",
			mask.Width, mask.Height, len(mask.Values), img.Width, img.Height)
	}
	if err := img.Validate(); err != nil {
		return RasterImage{}, newError(ErrDimensionMismatch, opComposite, err)
	}

	out := img.Clone()
	for i, v := range mask.Values {
		out.Pix[i*4+3] = maskAlpha(v)
	}
	return out, nil
}

func maskAlpha(v float32) uint8 {
	a := math.Round((1 - float64(v)) * 255)
	switch {
	case a <= 0 || math.IsNaN(a):
		return 0
	case a >= 255:
		return 255
	default:
		return uint8(a)
	}
}
