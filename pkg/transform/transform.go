// Package transform holds the fixed catalog of augmentation transforms and
// the label rewrites that accompany the geometric ones.
package transform

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/yolo-annotator/internal/errs"
)

// Kind identifies one transform of the closed catalog
type Kind int

const (
	Negative Kind = iota
	Brightness
	Mirror
	Rotate
	Blur
	Contrast
)

var allKinds = []Kind{Negative, Brightness, Mirror, Rotate, Blur, Contrast}

// AllKinds returns every transform in catalog order
func AllKinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// Key returns the suffix used in derived file names
func (k Kind) Key() string {
	switch k {
	case Negative:
		return "negative"
	case Brightness:
		return "brightness"
	case Mirror:
		return "mirror"
	case Rotate:
		return "rotate"
	case Blur:
		return "blur"
	case Contrast:
		return "contrast"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) String() string {
	return k.Key()
}

// ParseKind maps a variant key back to its Kind
func ParseKind(key string) (Kind, error) {
	for _, k := range allKinds {
		if k.Key() == key {
			return k, nil
		}
	}
	return 0, errs.New(errs.CategoryInvalidInput, "unknown_variant", "unknown variant %q", key)
}

// Params holds the fixed strengths of the photometric and geometric transforms
type Params struct {
	RotationAngle     float64 // degrees, counter-clockwise
	BrightnessFactor  float64
	ContrastFactor    float64
	BlurSigma         float64
	RefitRotatedBoxes bool
}

// DefaultParams returns the catalog's standard strengths
func DefaultParams() Params {
	return Params{
		RotationAngle:    15,
		BrightnessFactor: 1.5,
		ContrastFactor:   1.3,
		// sigma OpenCV derives for a 5x5 Gaussian kernel
		BlurSigma: 1.1,
	}
}

// Apply runs the pixel transform for kind. The input is never modified.
func Apply(kind Kind, img image.Image, p Params) (*image.NRGBA, error) {
	if img == nil {
		return nil, errs.New(errs.CategoryInvalidInput, "nil_image", "transform %s: nil image", kind)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errs.New(errs.CategoryInvalidInput, "empty_image", "transform %s: empty image", kind)
	}

	switch kind {
	case Negative:
		return imaging.Invert(img), nil
	case Brightness:
		return scaleChannels(img, p.BrightnessFactor), nil
	case Mirror:
		return imaging.FlipH(img), nil
	case Rotate:
		return rotateInPlace(img, p.RotationAngle), nil
	case Blur:
		return imaging.Blur(img, p.BlurSigma), nil
	case Contrast:
		return stretchContrast(img, p.ContrastFactor), nil
	}
	return nil, errs.New(errs.CategoryInvalidInput, "unknown_variant", "unknown transform kind %d", int(kind))
}

func scaleChannels(img image.Image, factor float64) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: clampChannel(float64(c.R) * factor),
			G: clampChannel(float64(c.G) * factor),
			B: clampChannel(float64(c.B) * factor),
			A: c.A,
		}
	})
}

// stretchContrast scales every channel's distance from the image's mean grey level
func stretchContrast(img image.Image, factor float64) *image.NRGBA {
	src := imaging.Clone(img)

	var sum float64
	n := 0
	for i := 0; i+3 < len(src.Pix); i += 4 {
		sum += 0.299*float64(src.Pix[i]) + 0.587*float64(src.Pix[i+1]) + 0.114*float64(src.Pix[i+2])
		n++
	}
	mean := math.Floor(sum/float64(n) + 0.5)

	return imaging.AdjustFunc(src, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: clampChannel(mean + (float64(c.R)-mean)*factor),
			G: clampChannel(mean + (float64(c.G)-mean)*factor),
			B: clampChannel(mean + (float64(c.B)-mean)*factor),
			A: c.A,
		}
	})
}

// rotateInPlace rotates about the centre and keeps the original canvas size;
// uncovered corners are black.
func rotateInPlace(img image.Image, angle float64) *image.NRGBA {
	b := img.Bounds()
	rotated := imaging.Rotate(img, angle, color.Black)
	return imaging.CropCenter(rotated, b.Dx(), b.Dy())
}

func clampChannel(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
