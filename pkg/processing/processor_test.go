package processing

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/yolo-annotator/pkg/types"
)

// createTestImage creates a simple gradient test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			img.Set(x, y, color.RGBA{r, g, 128, 255})
		}
	}
	return img
}

func TestNewProcessorDefaults(t *testing.T) {
	p := NewProcessor(types.OutputOptions{})
	if p.output.JPEGQuality != 95 {
		t.Errorf("Expected default JPEG quality 95, got %d", p.output.JPEGQuality)
	}
	if p.output.WebPQuality != 90 {
		t.Errorf("Expected default WebP quality 90, got %d", p.output.WebPQuality)
	}
}

func TestEncodeDecodeFormats(t *testing.T) {
	p := NewProcessor(types.OutputOptions{})
	img := createTestImage(40, 30)

	for _, ext := range []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", "png"} {
		data, err := p.EncodeToBytes(img, ext)
		if err != nil {
			t.Fatalf("EncodeToBytes(%s) failed: %v", ext, err)
		}

		decoded, err := p.DecodeImageFromBytes(data)
		if err != nil {
			t.Fatalf("DecodeImageFromBytes(%s) failed: %v", ext, err)
		}
		b := decoded.Bounds()
		if b.Dx() != 40 || b.Dy() != 30 {
			t.Errorf("%s: expected 40x30, got %dx%d", ext, b.Dx(), b.Dy())
		}

		w, h, err := p.DecodeSize(data)
		if err != nil {
			t.Fatalf("DecodeSize(%s) failed: %v", ext, err)
		}
		if w != 40 || h != 30 {
			t.Errorf("%s: DecodeSize expected 40x30, got %dx%d", ext, w, h)
		}
	}
}

func TestEncodeUnsupportedFormat(t *testing.T) {
	p := NewProcessor(types.OutputOptions{})
	if _, err := p.EncodeToBytes(createTestImage(4, 4), ".tga"); err == nil {
		t.Error("Expected error for unsupported format")
	}
}

func TestDecodeImageFromBytesRejectsGarbage(t *testing.T) {
	p := NewProcessor(types.OutputOptions{})
	if _, err := p.DecodeImageFromBytes([]byte("definitely not an image")); err == nil {
		t.Error("Expected decode error")
	}
	if _, err := p.DecodeImageFromBytes(nil); err == nil {
		t.Error("Expected decode error for empty input")
	}
}

func TestLoadImage(t *testing.T) {
	p := NewProcessor(types.OutputOptions{})
	data, err := p.EncodeToBytes(createTestImage(20, 10), ".png")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "sample.png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	img, err := p.LoadImage(path)
	if err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if img.Bounds().Dx() != 20 {
		t.Errorf("Expected width 20, got %d", img.Bounds().Dx())
	}

	if _, err := p.LoadImage(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestCreateLabelOverlay(t *testing.T) {
	p := NewProcessor(types.OutputOptions{})
	base := image.NewNRGBA(image.Rect(0, 0, 100, 100))

	labels := []types.Label{{ClassID: 1, XCenter: 0.5, YCenter: 0.5, Width: 0.4, Height: 0.4}}
	out := p.CreateLabelOverlay(base, labels)

	// Box spans 30..70; its top-left corner pixel carries the class colour
	got := color.NRGBAModel.Convert(out.At(30, 30)).(color.NRGBA)
	if got != ClassColor(1) {
		t.Errorf("Expected class colour %v at box corner, got %v", ClassColor(1), got)
	}

	// Centre of the box stays untouched
	inside := color.NRGBAModel.Convert(out.At(50, 50)).(color.NRGBA)
	if inside != (color.NRGBA{}) {
		t.Errorf("Expected untouched interior, got %v", inside)
	}

	// Source image is not modified
	if base.NRGBAAt(30, 30) != (color.NRGBA{}) {
		t.Error("Overlay must not modify the source image")
	}
}

func TestClassColorWraps(t *testing.T) {
	if ClassColor(0) != ClassColor(len(classPalette)) {
		t.Error("Expected palette to wrap around")
	}
}
