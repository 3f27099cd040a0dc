package pipeline

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/gift"
	"github.com/dunamismax/avatarflow/internal/domain"
)

const opStyle = "style"

// colorOp is one CSS filter primitive over non-premultiplied channels in [0,1].
type colorOp func(r, g, b float32) (float32, float32, float32)

// styleRecipe lists the primitives of a style in application order.
type styleRecipe struct {
	ops  []colorOp
	blur float32
}

var styleRecipes = map[domain.Style]styleRecipe{
	domain.StyleCyberpunk: {ops: []colorOp{contrast(1.3), brightness(1.2), hueRotate(200), saturate(1.5)}},
	domain.StyleFantasy:   {ops: []colorOp{sepia(0.3), contrast(1.2), brightness(1.1), saturate(1.4)}},
	domain.StyleArtistic:  {ops: []colorOp{contrast(1.5), saturate(1.8)}, blur: 0.5},
	domain.StyleMinimal:   {ops: []colorOp{grayscale(0.7), contrast(1.3), brightness(1.1)}},
}

// ApplyStyle runs the named filter over img and returns a new raster of the
// same size. StyleNone returns img itself.
func ApplyStyle(img RasterImage, style domain.Style) (RasterImage, error) {
	if style == domain.StyleNone {
		return img, nil
	}
	recipe, ok := styleRecipes[style]
	if !ok {
		return RasterImage{}, errorf(ErrUnknownStyle, opStyle, "%q", string(style))
	}

	g := gift.New(recipe.colorFilter())
	dst := image.NewNRGBA(g.Bounds(image.Rect(0, 0, img.Width, img.Height)))
	g.Draw(dst, img.nrgba())
	if recipe.blur > 0 {
		dst = blurPremultiplied(dst, recipe.blur)
	}
	return RasterFromImage(dst)
}

// ApplyStyleName parses name case-insensitively before applying it.
func ApplyStyleName(img RasterImage, name string) (RasterImage, error) {
	style, err := domain.ParseStyle(name)
	if err != nil {
		return RasterImage{}, newError(ErrUnknownStyle, opStyle, err)
	}
	return ApplyStyle(img, style)
}

func (r styleRecipe) colorFilter() gift.Filter {
	ops := r.ops
	return gift.ColorFunc(func(r0, g0, b0, a0 float32) (float32, float32, float32, float32) {
		r, g, b := r0, g0, b0
		for _, op := range ops {
			r, g, b = op(r, g, b)
			r, g, b = clamp01(r), clamp01(g), clamp01(b)
		}
		return r, g, b, a0
	})
}

// blurPremultiplied blurs colour weighted by alpha, and alpha on its own, so
// the colour left under fully transparent background pixels does not bleed
// into the subject's edge.
func blurPremultiplied(src *image.NRGBA, sigma float32) *image.NRGBA {
	b := src.Bounds()
	weighted := image.NewNRGBA64(b)
	alpha := image.NewGray16(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.NRGBAAt(x, y)
			a := uint32(c.A)
			weighted.SetNRGBA64(x, y, color.NRGBA64{
				R: uint16(uint32(c.R) * a * 0x101 / 0xff),
				G: uint16(uint32(c.G) * a * 0x101 / 0xff),
				B: uint16(uint32(c.B) * a * 0x101 / 0xff),
				A: 0xffff,
			})
			alpha.SetGray16(x, y, color.Gray16{Y: uint16(a * 0x101)})
		}
	}

	blur := gift.New(gift.GaussianBlur(sigma))
	weightedOut := image.NewNRGBA64(blur.Bounds(b))
	blur.Draw(weightedOut, weighted)
	alphaOut := image.NewGray16(blur.Bounds(b))
	blur.Draw(alphaOut, alpha)

	out := image.NewNRGBA(weightedOut.Bounds())
	ob := out.Bounds()
	for y := ob.Min.Y; y < ob.Max.Y; y++ {
		for x := ob.Min.X; x < ob.Max.X; x++ {
			a := uint32(alphaOut.Gray16At(x, y).Y)
			if a == 0 {
				continue
			}
			c := weightedOut.NRGBA64At(x, y)
			out.SetNRGBA(x, y, color.NRGBA{
				R: unpremultiply(c.R, a),
				G: unpremultiply(c.G, a),
				B: unpremultiply(c.B, a),
				A: uint8((a + 0x80) / 0x101),
			})
		}
	}
	return out
}

// unpremultiply turns a 16-bit alpha-weighted channel back into 8 bits.
func unpremultiply(v uint16, a uint32) uint8 {
	return uint8(min(0xff, (uint32(v)*0xff+a/2)/a))
}

func brightness(amount float32) colorOp {
	return func(r, g, b float32) (float32, float32, float32) {
		return r * amount, g * amount, b * amount
	}
}

func contrast(amount float32) colorOp {
	intercept := 0.5 - 0.5*amount
	return func(r, g, b float32) (float32, float32, float32) {
		return r*amount + intercept, g*amount + intercept, b*amount + intercept
	}
}

type colorMatrix [9]float32

func (m colorMatrix) op() colorOp {
	return func(r, g, b float32) (float32, float32, float32) {
		return m[0]*r + m[1]*g + m[2]*b,
			m[3]*r + m[4]*g + m[5]*b,
			m[6]*r + m[7]*g + m[8]*b
	}
}

func saturate(s float32) colorOp {
	return colorMatrix{
		0.213 + 0.787*s, 0.715 - 0.715*s, 0.072 - 0.072*s,
		0.213 - 0.213*s, 0.715 + 0.285*s, 0.072 - 0.072*s,
		0.213 - 0.213*s, 0.715 - 0.715*s, 0.072 + 0.928*s,
	}.op()
}

func hueRotate(degrees float64) colorOp {
	rad := degrees * math.Pi / 180
	c, s := float32(math.Cos(rad)), float32(math.Sin(rad))
	return colorMatrix{
		0.213 + c*0.787 - s*0.213, 0.715 - c*0.715 - s*0.715, 0.072 - c*0.072 + s*0.928,
		0.213 - c*0.213 + s*0.143, 0.715 + c*0.285 + s*0.140, 0.072 - c*0.072 - s*0.283,
		0.213 - c*0.213 - s*0.787, 0.715 - c*0.715 + s*0.715, 0.072 + c*0.928 + s*0.072,
	}.op()
}

// grayscale blends toward luminance; amount 1 is fully gray.
func grayscale(amount float32) colorOp {
	k := 1 - clamp01(amount)
	return colorMatrix{
		0.2126 + 0.7874*k, 0.7152 - 0.7152*k, 0.0722 - 0.0722*k,
		0.2126 - 0.2126*k, 0.7152 + 0.2848*k, 0.0722 - 0.0722*k,
		0.2126 - 0.2126*k, 0.7152 - 0.7152*k, 0.0722 + 0.9278*k,
	}.op()
}

func sepia(amount float32) colorOp {
	k := 1 - clamp01(amount)
	return colorMatrix{
		0.393 + 0.607*k, 0.769 - 0.769*k, 0.189 - 0.189*k,
		0.349 - 0.349*k, 0.686 + 0.314*k, 0.168 - 0.168*k,
		0.272 - 0.272*k, 0.534 - 0.534*k, 0.131 + 0.869*k,
	}.op()
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
