//go:build govips && cgo

package pipeline

import (
	"bytes"
	"errors"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/avatarflow/internal/domain"
)

// govipsCodec decodes through libvips so EXIF orientation is honoured, and
// adds WebP export.
type govipsCodec struct{}

func (govipsCodec) Decode(data []byte, mime string) (RasterImage, error) {
	if len(data) == 0 {
		return RasterImage{}, newError(ErrDecode, opDecode, errors.New("empty input"))
	}
	if !acceptsDeclaredMIME(mime) {
		return RasterImage{}, errorf(ErrDecode, opDecode, "unsupported content type %q", mime)
	}

	var format string
	switch vips.DetermineImageType(data) {
	case vips.ImageTypeJPEG:
		format = "jpeg"
	case vips.ImageTypePNG:
		format = "png"
	case vips.ImageTypeWEBP:
		format = "webp"
	default:
		return RasterImage{}, errorf(ErrDecode, opDecode, "unsupported image format")
	}

	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return RasterImage{}, newError(ErrDecode, opDecode, err)
	}
	defer img.Close()

	if err := checkDecodeBounds(img.Width(), img.Height(), format); err != nil {
		return RasterImage{}, newError(ErrDecode, opDecode, err)
	}
	if err := img.AutoRotate(); err != nil {
		return RasterImage{}, errorf(ErrDecode, opDecode, "auto-rotate: %w", err)
	}

	decoded, err := img.ToImage(vips.NewDefaultPNGExportParams())
	if err != nil {
		return RasterImage{}, newError(ErrDecode, opDecode, err)
	}
	raster, err := RasterFromImage(decoded)
	if err != nil {
		return RasterImage{}, newError(ErrDecode, opDecode, err)
	}
	return raster, nil
}

func (govipsCodec) Encode(img RasterImage, format string, quality float64) ([]byte, string, error) {
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

	var staged bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(&staged, img.nrgba()); err != nil {
		return nil, "", errorf(ErrEncode, opEncode, "stage png: %w", err)
	}

	ref, err := vips.NewImageFromBuffer(staged.Bytes())
	if err != nil {
		return nil, "", errorf(ErrEncode, opEncode, "load staged png: %w", err)
	}
	defer ref.Close()

	var data []byte
	switch normalized {
	case domain.FormatJPEG:
		params := vips.NewJpegExportParams()
		params.Quality = q
		data, _, err = ref.ExportJpeg(params)
	case domain.FormatWebP:
		params := vips.NewWebpExportParams()
		params.Quality = q
		data, _, err = ref.ExportWebp(params)
	default:
		data, _, err = ref.ExportPng(vips.NewPngExportParams())
	}
	if err != nil {
		return nil, "", errorf(ErrEncode, opEncode, "encode %s: %w", normalized, err)
	}
	return data, MIMEForFormat(normalized), nil
}
