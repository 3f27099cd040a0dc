package pipeline

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// RasterImage is a non-premultiplied RGBA pixel grid. Pix holds
// Width*Height*4 bytes in row-major order with no row padding.
type RasterImage struct {
	Width  int
	Height int
	Pix    []byte
}

// SegmentationMask holds one foreground/background probability in [0,1]
// per pixel of the raster it was computed for. It is read-only after creation.
type SegmentationMask struct {
	Width  int
	Height int
	Values []float32
}

func NewRasterImage(width, height int) (RasterImage, error) {
	if width <= 0 || height <= 0 {
		return RasterImage{}, fmt.Errorf("invalid raster dimensions %dx%d", width, height)
	}
	return RasterImage{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*4),
	}, nil
}

// RasterFromImage copies img into a freshly allocated raster.
func RasterFromImage(img image.Image) (RasterImage, error) {
	if img == nil {
		return RasterImage{}, errors.New("nil image")
	}
	b := img.Bounds()
	out, err := NewRasterImage(b.Dx(), b.Dy())
	if err != nil {
		return RasterImage{}, err
	}

	if src, ok := img.(*image.NRGBA); ok {
		rowBytes := out.Width * 4
		for y := 0; y < out.Height; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(out.Pix[y*rowBytes:(y+1)*rowBytes], src.Pix[off:off+rowBytes])
		}
		return out, nil
	}

	draw.Draw(out.nrgba(), image.Rect(0, 0, out.Width, out.Height), img, b.Min, draw.Src)
	return out, nil
}

func (r RasterImage) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid raster dimensions %dx%d", r.Width, r.Height)
	}
	if len(r.Pix) != r.Width*r.Height*4 {
		return fmt.Errorf("raster buffer has %d bytes, want %d", len(r.Pix), r.Width*r.Height*4)
	}
	return nil
}

// Image returns a copy of the raster as an *image.NRGBA.
func (r RasterImage) Image() *image.NRGBA {
	return r.Clone().nrgba()
}

func (r RasterImage) Clone() RasterImage {
	pix := make([]byte, len(r.Pix))
	copy(pix, r.Pix)
	return RasterImage{Width: r.Width, Height: r.Height, Pix: pix}
}

// nrgba views the raster buffer without copying. Only for stage internals
// that own r exclusively.
func (r RasterImage) nrgba() *image.NRGBA {
	return &image.NRGBA{
		Pix:    r.Pix,
		Stride: r.Width * 4,
		Rect:   image.Rect(0, 0, r.Width, r.Height),
	}
}

func (m SegmentationMask) Validate() error {
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("invalid mask dimensions %dx%d", m.Width, m.Height)
	}
	if len(m.Values) != m.Width*m.Height {
		return fmt.Errorf("mask has %d values, want %d", len(m.Values), m.Width*m.Height)
	}
	for i, v := range m.Values {
		// NaN fails both comparisons.
		if !(v >= 0 && v <= 1) {
			return fmt.Errorf("mask value %v at %d outside [0,1]", v, i)
		}
	}
	return nil
}

func (m SegmentationMask) Matches(r RasterImage) bool {
	return m.Width == r.Width && m.Height == r.Height
}
