package pipeline

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// DefaultMaxEdge is the longest edge a raster may keep before segmentation.
const DefaultMaxEdge = 1024

// NormalizedSize returns the dimensions a width x height raster is scaled to
// so its longer edge is at most maxEdge. The longer edge lands on maxEdge
// exactly and neither edge drops below one pixel.
func NormalizedSize(width, height, maxEdge int) (int, int, bool) {
	longer := max(width, height)
	if maxEdge <= 0 || longer <= maxEdge {
		return width, height, false
	}

	scale := func(dim int) int {
		if dim == longer {
			return maxEdge
		}
		return max(1, int(math.Round(float64(dim)*float64(maxEdge)/float64(longer))))
	}
	return scale(width), scale(height), true
}

// Normalize downscales img so its longer edge equals maxEdge. Images that
// already fit are returned as is, together with resized=false.
func Normalize(img RasterImage, maxEdge int) (RasterImage, bool) {
	return normalizeWith(img, maxEdge, draw.CatmullRom)
}

func normalizeWith(img RasterImage, maxEdge int, scaler draw.Scaler) (RasterImage, bool) {
	width, height, resized := NormalizedSize(img.Width, img.Height, maxEdge)
	if !resized {
		return img, false
	}

	out := RasterImage{Width: width, Height: height, Pix: make([]byte, width*height*4)}
	scaler.Scale(out.nrgba(), image.Rect(0, 0, width, height), img.nrgba(), image.Rect(0, 0, img.Width, img.Height), draw.Src, nil)
	return out, true
}
