package pipeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLeavesFittingImagesAlone(t *testing.T) {
	for _, size := range [][2]int{{1, 1}, {640, 480}, {1024, 1024}, {1024, 3}, {7, 1024}} {
		img := gradientRaster(t, size[0], size[1])

		out, resized := Normalize(img, DefaultMaxEdge)
		assert.False(t, resized, "size %v", size)
		assert.Equal(t, img.Width, out.Width)
		assert.Equal(t, img.Height, out.Height)
		assert.Equal(t, img.Pix, out.Pix)
	}
}

func TestNormalizeDownscalesLongerEdgeToMax(t *testing.T) {
	for _, size := range [][2]int{{2000, 1000}, {1025, 1025}, {1000, 3000}, {4096, 2731}, {1500, 7}} {
		img := gradientRaster(t, size[0], size[1])

		out, resized := Normalize(img, DefaultMaxEdge)
		require.True(t, resized, "size %v", size)
		require.NoError(t, out.Validate())
		assert.Equal(t, DefaultMaxEdge, max(out.Width, out.Height), "size %v", size)

		longer := float64(max(size[0], size[1]))
		wantW := float64(size[0]) * DefaultMaxEdge / longer
		wantH := float64(size[1]) * DefaultMaxEdge / longer
		assert.LessOrEqual(t, math.Abs(float64(out.Width)-wantW), 1.0, "size %v", size)
		assert.LessOrEqual(t, math.Abs(float64(out.Height)-wantH), 1.0, "size %v", size)
	}
}

func TestNormalizedSizeNeverRoundsToZero(t *testing.T) {
	w, h, resized := NormalizedSize(5000, 1, DefaultMaxEdge)
	assert.True(t, resized)
	assert.Equal(t, 1024, w)
	assert.Equal(t, 1, h)

	w, h, _ = NormalizedSize(2000, 1000, DefaultMaxEdge)
	assert.Equal(t, 1024, w)
	assert.Equal(t, 512, h)

	w, h, _ = NormalizedSize(3000, 2001, DefaultMaxEdge)
	assert.Equal(t, 1024, w)
	assert.Equal(t, 683, h)
}
