package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}
	return img
}

func gradientRaster(t testing.TB, w, h int) RasterImage {
	t.Helper()
	r, err := RasterFromImage(gradientImage(w, h))
	require.NoError(t, err)
	return r
}

func buildTestPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gradientImage(w, h)))
	return buf.Bytes()
}

func uniformMask(w, h int, v float32) SegmentationMask {
	m := SegmentationMask{Width: w, Height: h, Values: make([]float32, w*h)}
	for i := range m.Values {
		m.Values[i] = v
	}
	return m
}

// halfSegmenter scores the left half of every raster as background.
func halfSegmenter() Segmenter {
	return SegmenterFunc(func(_ context.Context, img RasterImage) (SegmentationMask, error) {
		m := SegmentationMask{Width: img.Width, Height: img.Height, Values: make([]float32, img.Width*img.Height)}
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				if x < img.Width/2 {
					m.Values[y*img.Width+x] = 1
				}
			}
		}
		return m, nil
	})
}

func alphaValues(r RasterImage) []uint8 {
	out := make([]uint8, r.Width*r.Height)
	for i := range out {
		out[i] = r.Pix[i*4+3]
	}
	return out
}

// meanChroma averages max(rgb)-min(rgb) over visible pixels.
func meanChroma(r RasterImage) float64 {
	var sum float64
	var n int
	for i := 0; i < len(r.Pix); i += 4 {
		if r.Pix[i+3] == 0 {
			continue
		}
		c := r.Pix[i : i+3]
		hi := max(c[0], c[1], c[2])
		lo := min(c[0], c[1], c[2])
		sum += float64(hi - lo)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
