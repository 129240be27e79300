package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/menta2k/yolo-annotator/internal/errs"
	"github.com/menta2k/yolo-annotator/internal/utils"
	"github.com/menta2k/yolo-annotator/pkg/processing"
	"github.com/menta2k/yolo-annotator/pkg/types"
	"github.com/menta2k/yolo-annotator/pkg/yolo"
)

// SaveRequest is one annotated sample submitted by a client
type SaveRequest struct {
	Session     string
	BaseName    string
	Annotations []types.Annotation
	Image       []byte
	ImageWidth  int
	ImageHeight int
}

// SaveResult reports the names actually used on disk
type SaveResult struct {
	ImageName       string   `json:"image_name"`
	LabelName       string   `json:"label_name"`
	NormalizedLines []string `json:"normalized_lines"`
}

// Persister writes original image/label pairs
type Persister struct {
	layout    Layout
	namer     *Namer
	processor *processing.Processor
	logger    *slog.Logger
}

// NewPersister creates a persister; a nil logger falls back to slog.Default()
func NewPersister(layout Layout, namer *Namer, processor *processing.Processor, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{layout: layout, namer: namer, processor: processor, logger: logger}
}

// Save validates the request, picks a unique name and writes the label file
// followed by the raw image bytes. Nothing is written when validation or
// decoding fails.
func (p *Persister) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	if err := ValidateSession(req.Session); err != nil {
		return SaveResult{}, err
	}
	base := CleanBaseName(req.BaseName)
	if base == "" {
		return SaveResult{}, errs.New(errs.CategoryInvalidInput, "empty_name", "base name %q is empty after cleaning", req.BaseName)
	}
	if req.ImageWidth <= 0 || req.ImageHeight <= 0 {
		return SaveResult{}, errs.New(errs.CategoryInvalidInput, "invalid_image_size",
			"image dimensions must be positive, got %dx%d", req.ImageWidth, req.ImageHeight)
	}

	lines := make([]string, 0, len(req.Annotations))
	for i, a := range req.Annotations {
		if err := validateAnnotation(a); err != nil {
			return SaveResult{}, errs.New(errs.CategoryInvalidInput, "invalid_annotation", "annotation %d: %v", i, err)
		}
		label, err := yolo.ToNormalized(a.ClassID, a.Box, req.ImageWidth, req.ImageHeight)
		if err != nil {
			return SaveResult{}, err
		}
		lines = append(lines, yolo.FormatLine(label))
	}

	if len(req.Image) == 0 {
		return SaveResult{}, errs.New(errs.CategoryInvalidInput, "empty_image", "image payload is empty")
	}
	img, err := p.processor.DecodeImageFromBytes(req.Image)
	if err != nil {
		return SaveResult{}, err
	}
	if b := img.Bounds(); b.Dx() != req.ImageWidth || b.Dy() != req.ImageHeight {
		p.logger.Warn("declared image size differs from decoded size",
			"session", req.Session, "declared", fmt.Sprintf("%dx%d", req.ImageWidth, req.ImageHeight),
			"decoded", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()))
	}

	if err := p.layout.EnsureSession(req.Session); err != nil {
		return SaveResult{}, err
	}

	name, err := p.namer.NextAvailableName(ctx, req.Session, base)
	if err != nil {
		return SaveResult{}, err
	}
	imageName := name + SavedImageExt
	labelName := name + LabelExt

	labelPath := p.layout.LabelPath(req.Session, imageName)
	content := []byte(strings.Join(lines, "\n"))
	if err := utils.WriteFileAtomic(labelPath, content, 0o644); err != nil {
		p.release(ctx, req.Session, name)
		return SaveResult{}, errs.Wrap(fmt.Errorf("write label %s: %w", labelName, err), errs.CategoryIOFailure, "label_write_failed")
	}
	if err := os.WriteFile(p.layout.ImagePath(req.Session, imageName), req.Image, 0o644); err != nil {
		os.Remove(labelPath)
		p.release(ctx, req.Session, name)
		return SaveResult{}, errs.Wrap(fmt.Errorf("write image %s: %w", imageName, err), errs.CategoryIOFailure, "image_write_failed")
	}

	p.logger.Info("annotations saved", "session", req.Session, "image", imageName, "objects", len(lines))
	return SaveResult{ImageName: imageName, LabelName: labelName, NormalizedLines: lines}, nil
}

// release gives a reserved name back after a failed write
func (p *Persister) release(ctx context.Context, session, name string) {
	if err := p.namer.Release(ctx, session, name); err != nil {
		p.logger.Warn("releasing name failed", "session", session, "name", name, "error", err)
	}
}

// CleanBaseName replaces reserved characters and drops a trailing image extension
func CleanBaseName(name string) string {
	name = utils.SanitizeFilename(name)
	if utils.IsImageFile(name) {
		name = utils.TrimExt(name)
	}
	return strings.TrimSpace(name)
}

func validateAnnotation(a types.Annotation) error {
	switch {
	case a.ClassID < 0:
		return fmt.Errorf("class_id must be >= 0, got %d", a.ClassID)
	case !finite(a.X) || !finite(a.Y) || !finite(a.Width) || !finite(a.Height):
		return fmt.Errorf("box values must be finite, got %v,%v %vx%v", a.X, a.Y, a.Width, a.Height)
	case a.X < 0 || a.Y < 0:
		return fmt.Errorf("x and y must be >= 0, got %v,%v", a.X, a.Y)
	case a.Width <= 0 || a.Height <= 0:
		return fmt.Errorf("width and height must be > 0, got %vx%v", a.Width, a.Height)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
