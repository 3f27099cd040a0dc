package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/dunamismax/avatarflow/internal/domain"
	_ "golang.org/x/image/webp"
)

const (
	opDecode = "decode"
	opEncode = "encode"
)

type stdlibCodec struct{}

// Decode reads a JPEG, PNG or WebP image into a raster.
func Decode(data []byte, mime string) (RasterImage, error) {
	return stdlibCodec{}.Decode(data, mime)
}

// Encode serializes img as PNG, or JPEG with quality in [0,1]. A quality
// outside that range fails with ErrEncode whatever the format.
func Encode(img RasterImage, format string, quality float64) ([]byte, string, error) {
	return stdlibCodec{}.Encode(img, format, quality)
}

func (stdlibCodec) Decode(data []byte, mime string) (RasterImage, error) {
	if len(data) == 0 {
		return RasterImage{}, newError(ErrDecode, opDecode, errors.New("empty input"))
	}
	if !acceptsDeclaredMIME(mime) {
		return RasterImage{}, errorf(ErrDecode, opDecode, "unsupported content type %q", mime)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return RasterImage{}, newError(ErrDecode, opDecode, err)
	}
	if err := checkDecodeBounds(cfg.Width, cfg.Height, format); err != nil {
		return RasterImage{}, newError(ErrDecode, opDecode, err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return RasterImage{}, newError(ErrDecode, opDecode, err)
	}

	raster, err := RasterFromImage(img)
	if err != nil {
		return RasterImage{}, newError(ErrDecode, opDecode, err)
	}
	return raster, nil
}

func checkDecodeBounds(width, height int, format string) error {
	switch format {
	case "jpeg", "png", "webp":
	default:
		return fmt.Errorf("unsupported image format %q", format)
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid image dimensions %dx%d", width, height)
	}
	if int64(width)*int64(height) > MaxDecodePixels {
		return fmt.Errorf("image %dx%d exceeds %d pixels", width, height, MaxDecodePixels)
	}
	return nil
}

func (stdlibCodec) Encode(img RasterImage, format string, quality float64) ([]byte, string, error) {
	if err := img.Validate(); err != nil {
		return nil, "", newError(ErrEncode, opEncode, err)
	}

	normalized, err := domain.NormalizeFormat(format)
	if err != nil {
		return nil, "", newError(ErrEncode, opEncode, err)
	}
	q, err := jpegQuality(quality)
	if err != nil {
		return nil, "", newError(ErrEncode, opEncode, err)
	}

	var buf bytes.Buffer
	switch normalized {
	case domain.FormatPNG:
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img.nrgba()); err != nil {
			return nil, "", errorf(ErrEncode, opEncode, "encode png: %w", err)
		}
	case domain.FormatJPEG:
		if err := jpeg.Encode(&buf, img.nrgba(), &jpeg.Options{Quality: q}); err != nil {
			return nil, "", errorf(ErrEncode, opEncode, "encode jpeg: %w", err)
		}
	default:
		return nil, "", errorf(ErrEncode, opEncode, "%s export requires govips build tag", normalized)
	}

	return buf.Bytes(), MIMEForFormat(normalized), nil
}
