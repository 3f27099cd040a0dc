package pipeline

import (
	"encoding/base64"
	"fmt"
	"math"
	"strings"

	"github.com/dunamismax/avatarflow/internal/domain"
)

// MaxDecodePixels bounds the decoded area so a tiny compressed file cannot
// expand into an arbitrarily large raster.
const MaxDecodePixels = 64 << 20

// DefaultJPEGQuality matches the quality browsers use for canvas exports.
const DefaultJPEGQuality = 0.92

// Codec turns encoded bytes into rasters and back.
type Codec interface {
	Decode(data []byte, mime string) (RasterImage, error)
	Encode(img RasterImage, format string, quality float64) (data []byte, mime string, err error)
}

// DataURL renders data as data:<mime>;base64,<payload>.
func DataURL(mime string, data []byte) string {
	var b strings.Builder
	b.Grow(len("data:;base64,") + len(mime) + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString("data:")
	b.WriteString(mime)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}

func MIMEForFormat(format string) string {
	switch format {
	case domain.FormatJPEG:
		return "image/jpeg"
	case domain.FormatWebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

func ExtensionForFormat(format string) string {
	switch format {
	case domain.FormatJPEG:
		return "jpg"
	case domain.FormatWebP:
		return "webp"
	default:
		return "png"
	}
}

// Quality returns a pointer for Input.Quality.
func Quality(q float64) *float64 {
	return &q
}

// jpegQuality maps a [0,1] quality to the 1..100 scale encoders use. Zero is
// the lowest quality the encoder offers.
func jpegQuality(quality float64) (int, error) {
	if math.IsNaN(quality) || quality < 0 || quality > 1 {
		return 0, fmt.Errorf("quality must be within [0,1], got %g", quality)
	}
	return max(1, int(math.Round(quality*100))), nil
}

func acceptsDeclaredMIME(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	return mime == "" || mime == "application/octet-stream" || strings.HasPrefix(mime, "image/")
}
