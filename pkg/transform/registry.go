package transform

import (
	"image"
	"math"
	"strings"

	"github.com/menta2k/yolo-annotator/internal/errs"
	"github.com/menta2k/yolo-annotator/pkg/types"
	"github.com/menta2k/yolo-annotator/pkg/yolo"
)

// Descriptor is the catalog entry shown to clients
type Descriptor struct {
	Kind           Kind   `json:"-"`
	Key            string `json:"key"`
	DisplayName    string `json:"name"`
	Description    string `json:"description"`
	Icon           string `json:"icon"`
	LabelsAffected bool   `json:"modify_label"`
}

// Registry is the immutable transform catalog. Build it once with
// NewRegistry and share the pointer.
type Registry struct {
	params      Params
	descriptors []Descriptor
	byKey       map[string]Descriptor
}

// NewRegistry builds the catalog for the given transform strengths
func NewRegistry(params Params) *Registry {
	descriptors := []Descriptor{
		{Kind: Negative, DisplayName: "Negative", Description: "Inverts the image colours", Icon: "🎭"},
		{Kind: Brightness, DisplayName: "Brightness boost", Description: "Raises brightness by 50%", Icon: "☀️"},
		{Kind: Mirror, DisplayName: "Horizontal mirror", Description: "Flips the image left to right", Icon: "🪞", LabelsAffected: true},
		{Kind: Rotate, DisplayName: "Slight rotation", Description: "Rotates the image 15 degrees", Icon: "🔄", LabelsAffected: params.RefitRotatedBoxes},
		{Kind: Blur, DisplayName: "Gaussian blur", Description: "Applies a soft Gaussian blur", Icon: "🌀"},
		{Kind: Contrast, DisplayName: "Contrast boost", Description: "Raises contrast by 30%", Icon: "🌈"},
	}

	r := &Registry{
		params:      params,
		descriptors: descriptors,
		byKey:       make(map[string]Descriptor, len(descriptors)),
	}
	for i := range r.descriptors {
		r.descriptors[i].Key = r.descriptors[i].Kind.Key()
		r.byKey[r.descriptors[i].Key] = r.descriptors[i]
	}
	return r
}

// Params returns the strengths the registry was built with
func (r *Registry) Params() Params {
	return r.params
}

// Lookup finds a descriptor by variant key
func (r *Registry) Lookup(key string) (Descriptor, bool) {
	d, ok := r.byKey[key]
	return d, ok
}

// Keys returns every variant key in catalog order
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.descriptors))
	for i, d := range r.descriptors {
		keys[i] = d.Key
	}
	return keys
}

// Descriptors returns a copy of the catalog
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Resolve validates variant keys and returns their kinds in request order.
// No keys selects the whole catalog; duplicates are dropped.
func (r *Registry) Resolve(keys []string) ([]Kind, error) {
	if len(keys) == 0 {
		return AllKinds(), nil
	}
	seen := make(map[Kind]bool, len(keys))
	kinds := make([]Kind, 0, len(keys))
	for _, key := range keys {
		k, err := ParseKind(strings.TrimSpace(key))
		if err != nil {
			return nil, err
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// IsVariantBase reports whether a file base name (no extension) carries a
// "_<key>" suffix for any catalog key. A user-chosen name that happens to end
// in a key is reported as a variant.
func (r *Registry) IsVariantBase(base string) bool {
	_, ok := r.VariantKey(base)
	return ok
}

// VariantKey returns the catalog key a variant base name ends with
func (r *Registry) VariantKey(base string) (string, bool) {
	for _, d := range r.descriptors {
		if strings.HasSuffix(base, "_"+d.Key) {
			return d.Key, true
		}
	}
	return "", false
}

// Apply runs the pixel transform for kind with the registry's strengths
func (r *Registry) Apply(kind Kind, img image.Image) (*image.NRGBA, error) {
	return Apply(kind, img, r.params)
}

// RewriteLabels produces the label file for a derived image. Kinds that do
// not move boxes return a copy of data.
func (r *Registry) RewriteLabels(kind Kind, data []byte, imageWidth, imageHeight int) ([]byte, error) {
	switch {
	case kind == Mirror:
		return yolo.MapLines(data, MirrorLabel), nil
	case kind == Rotate && r.params.RefitRotatedBoxes:
		if imageWidth <= 0 || imageHeight <= 0 {
			return nil, errInvalidSize(imageWidth, imageHeight)
		}
		angle := r.params.RotationAngle
		return yolo.MapLines(data, func(l types.Label) types.Label {
			return RotateLabel(l, angle, imageWidth, imageHeight)
		}), nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// MirrorLabel reflects a label across the vertical centre line
func MirrorLabel(l types.Label) types.Label {
	l.XCenter = 1 - l.XCenter
	return l
}

// RotateLabel rotates the box corners about the image centre by angle degrees
// counter-clockwise and returns the enclosing axis-aligned box clipped to the image.
func RotateLabel(l types.Label, angle float64, imageWidth, imageHeight int) types.Label {
	w, h := float64(imageWidth), float64(imageHeight)
	cx, cy := w/2, h/2
	rad := angle * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)

	x0 := (l.XCenter - l.Width/2) * w
	x1 := (l.XCenter + l.Width/2) * w
	y0 := (l.YCenter - l.Height/2) * h
	y1 := (l.YCenter + l.Height/2) * h

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, pt := range [4][2]float64{{x0, y0}, {x1, y0}, {x0, y1}, {x1, y1}} {
		dx, dy := pt[0]-cx, pt[1]-cy
		// y grows downwards, so a visual counter-clockwise turn subtracts dx*sin
		rx := cx + dx*cos + dy*sin
		ry := cy - dx*sin + dy*cos
		minX, maxX = math.Min(minX, rx), math.Max(maxX, rx)
		minY, maxY = math.Min(minY, ry), math.Max(maxY, ry)
	}

	minX, maxX = clamp(minX, 0, w), clamp(maxX, 0, w)
	minY, maxY = clamp(minY, 0, h), clamp(maxY, 0, h)

	return types.Label{
		ClassID: l.ClassID,
		XCenter: (minX + maxX) / 2 / w,
		YCenter: (minY + maxY) / 2 / h,
		Width:   (maxX - minX) / w,
		Height:  (maxY - minY) / h,
	}
}

func errInvalidSize(w, h int) error {
	return errs.New(errs.CategoryInvalidInput, "invalid_image_size", "image dimensions must be positive, got %dx%d", w, h)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
