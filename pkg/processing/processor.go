package processing

import (
	"bytes"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/yolo-annotator/internal/errs"
	"github.com/menta2k/yolo-annotator/pkg/types"
	"github.com/menta2k/yolo-annotator/pkg/yolo"
)

// Processor handles image decoding, encoding and label overlays
type Processor struct {
	output types.OutputOptions
}

// NewProcessor creates a new image processor
func NewProcessor(output types.OutputOptions) *Processor {
	if output.JPEGQuality <= 0 {
		output.JPEGQuality = 95
	}
	if output.WebPQuality <= 0 {
		output.WebPQuality = 90
	}
	return &Processor{output: output}
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	// Try imaging.Open (registered decoders)
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return p.DecodeImageFromBytes(data)
}

// DecodeImageFromBytes decodes an image from byte data with WebP support
func (p *Processor) DecodeImageFromBytes(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errs.New(errs.CategoryDecodeFailure, "empty_image", "image: no data")
	}

	// Try standard image.Decode first
	reader := bytes.NewReader(data)
	if img, _, err := image.Decode(reader); err == nil {
		return img, nil
	}

	// Try WebP decode
	reader = bytes.NewReader(data)
	if img, err := webp.Decode(reader); err == nil {
		return img, nil
	}

	return nil, errs.New(errs.CategoryDecodeFailure, "unknown_format", "image: unknown or unsupported format")
}

// DecodeSize reads only the image header and returns its dimensions
func (p *Processor) DecodeSize(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err == nil {
		return cfg.Width, cfg.Height, nil
	}
	img, derr := p.DecodeImageFromBytes(data)
	if derr != nil {
		return 0, 0, derr
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

// Encode writes img to w in the format implied by ext (".jpg", "png", ...)
func (p *Processor) Encode(w io.Writer, img image.Image, ext string) error {
	format := strings.TrimPrefix(strings.ToLower(ext), ".")
	switch format {
	case "webp":
		opts := &webp.Options{Lossless: p.output.WebPLossless, Quality: float32(p.output.WebPQuality)}
		return webp.Encode(w, img, opts)
	case "png":
		return imaging.Encode(w, img, imaging.PNG)
	case "gif":
		return imaging.Encode(w, img, imaging.GIF)
	case "bmp":
		return imaging.Encode(w, img, imaging.BMP)
	case "jpg", "jpeg":
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(p.output.JPEGQuality))
	default:
		return errs.New(errs.CategoryInvalidInput, "unsupported_format", "unsupported output format: %s", ext)
	}
}

// EncodeToBytes encodes img in memory using the format implied by ext
func (p *Processor) EncodeToBytes(img image.Image, ext string) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Encode(&buf, img, ext); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// classPalette mirrors the annotator's default class colours; ids beyond it wrap around
var classPalette = []color.NRGBA{
	{255, 0, 0, 255},
	{0, 255, 0, 255},
	{0, 0, 255, 255},
	{255, 255, 0, 255},
	{255, 0, 255, 255},
	{0, 255, 255, 255},
}

// ClassColor returns the overlay colour for a class id
func ClassColor(classID int) color.NRGBA {
	if classID < 0 {
		classID = -classID
	}
	return classPalette[classID%len(classPalette)]
}

// CreateLabelOverlay draws every label's box onto a copy of img
func (p *Processor) CreateLabelOverlay(img image.Image, labels []types.Label) image.Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	stroke := int(math.Max(2, 0.004*float64(minInt(w, h)))) // ~0.4% of min side

	for _, l := range labels {
		drawBox(nrgba, yolo.ToPixel(l, w, h), ClassColor(l.ClassID), stroke)
	}
	return nrgba
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func drawBox(img *image.NRGBA, box types.PixelBox, c color.NRGBA, stroke int) {
	x0, y0, x1, y1 := box.X1, box.Y1, box.X2, box.Y2
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, c)
		drawHLine(img, y1-1-s, x0, x1, c)
		drawVLine(img, x0+s, y0, y1, c)
		drawVLine(img, x1-1-s, y0, y1, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
