// Package augment runs augmentation jobs: every original image of a session
// against every selected transform, with progress published as it goes.
package augment

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/yolo-annotator/internal/errs"
	"github.com/menta2k/yolo-annotator/internal/utils"
	"github.com/menta2k/yolo-annotator/pkg/dataset"
	"github.com/menta2k/yolo-annotator/pkg/processing"
	"github.com/menta2k/yolo-annotator/pkg/progress"
	"github.com/menta2k/yolo-annotator/pkg/transform"
)

// Results summarises one finished (or aborted) job
type Results struct {
	JobID      string    `json:"job_id"`
	Session    string    `json:"session"`
	Variants   []string  `json:"variants"`
	Originals  int       `json:"original_images"`
	Total      int       `json:"total"`
	Created    int       `json:"created_variants"`
	Errors     []string  `json:"errors"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Digest     string    `json:"digest,omitempty"`
}

// Runner executes a single job synchronously
type Runner struct {
	layout    dataset.Layout
	enum      *dataset.Enumerator
	registry  *transform.Registry
	processor *processing.Processor
	progress  progress.Store
	logger    *slog.Logger
}

// NewRunner wires a runner. A nil logger falls back to slog.Default().
func NewRunner(layout dataset.Layout, enum *dataset.Enumerator, registry *transform.Registry,
	processor *processing.Processor, store progress.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		layout:    layout,
		enum:      enum,
		registry:  registry,
		processor: processor,
		progress:  store,
		logger:    logger,
	}
}

// Run executes a job under a fresh id
func (r *Runner) Run(ctx context.Context, session string, kinds []transform.Kind) (Results, error) {
	return r.RunJob(ctx, uuid.NewString(), session, kinds)
}

// RunJob processes the originals in name order, kinds in the given order.
// Per-pair failures are collected in Results.Errors and the job carries on;
// only a failure to publish progress aborts it.
func (r *Runner) RunJob(ctx context.Context, jobID, session string, kinds []transform.Kind) (Results, error) {
	res := Results{
		JobID:     jobID,
		Session:   session,
		Variants:  make([]string, len(kinds)),
		Errors:    []string{},
		StartedAt: time.Now().UTC(),
	}
	for i, k := range kinds {
		res.Variants[i] = k.Key()
	}

	originals, err := r.enum.ListOriginals(session)
	if err != nil {
		return res, fmt.Errorf("listing originals: %w", err)
	}
	res.Originals = len(originals)
	res.Total = len(originals) * len(kinds)

	logger := r.logger.With("session", session, "job_id", jobID)
	logger.Info("augmentation started", "images", len(originals), "variants", res.Variants)

	current := 0
	if err := r.publish(session, progress.Record{
		Current: 0,
		Total:   res.Total,
		Message: fmt.Sprintf("Starting augmentation: %d images x %d variants", len(originals), len(kinds)),
	}); err != nil {
		return res, err
	}

	for _, name := range originals {
		img, err := r.processor.LoadImage(r.layout.ImagePath(session, name))
		if err != nil {
			logger.Warn("skipping undecodable image", "image", name, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", name, err))
			// the skipped pairs still count as attempted
			current += len(kinds)
			if err := r.publish(session, progress.Record{
				Current: current,
				Total:   res.Total,
				Message: fmt.Sprintf("Skipped %s", name),
			}); err != nil {
				return res, err
			}
			continue
		}

		labelData, hasLabel, err := r.readLabel(session, name)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: labels: %v", name, err))
		}

		for _, kind := range kinds {
			if err := r.applyOne(session, name, img, kind, labelData, hasLabel); err != nil {
				logger.Warn("variant failed", "image", name, "variant", kind.Key(), "error", err)
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %s: %v", name, kind.Key(), err))
			} else {
				res.Created++
			}
			current++
			if err := r.publish(session, progress.Record{
				Current: current,
				Total:   res.Total,
				Message: fmt.Sprintf("Processing %s (%s)", name, kind.Key()),
			}); err != nil {
				return res, err
			}
		}
	}

	res.FinishedAt = time.Now().UTC()
	if err := r.publish(session, progress.Record{
		Current:   res.Total,
		Total:     res.Total,
		Completed: true,
		Message:   fmt.Sprintf("Completed: %d variants created", res.Created),
	}); err != nil {
		return res, err
	}

	// the log records a finished job only
	digest, err := writeJobLog(r.layout.JobLogPath(session), res)
	if err != nil {
		logger.Warn("job log not written", "error", err)
		res.Errors = append(res.Errors, fmt.Sprintf("job log: %v", err))
	}
	res.Digest = digest

	logger.Info("augmentation completed", "created", res.Created, "errors", len(res.Errors))
	return res, nil
}

func (r *Runner) publish(session string, rec progress.Record) error {
	if err := r.progress.Write(session, rec); err != nil {
		return errs.Wrap(fmt.Errorf("publishing progress: %w", err), errs.CategoryIOFailure, "progress_write_failed")
	}
	return nil
}

func (r *Runner) readLabel(session, imageName string) ([]byte, bool, error) {
	data, err := os.ReadFile(r.layout.LabelPath(session, imageName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// applyOne produces <base>_<key><ext> and, when the original has one, its label file
func (r *Runner) applyOne(session, imageName string, img image.Image, kind transform.Kind, labelData []byte, hasLabel bool) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	out, err := r.registry.Apply(kind, img)
	if err != nil {
		return err
	}
	ext := filepath.Ext(imageName)
	encoded, err := r.processor.EncodeToBytes(out, ext)
	if err != nil {
		return err
	}

	derived := utils.TrimExt(imageName) + "_" + kind.Key() + ext
	if err := utils.WriteFileAtomic(r.layout.ImagePath(session, derived), encoded, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}

	if !hasLabel {
		return nil
	}
	b := img.Bounds()
	rewritten, err := r.registry.RewriteLabels(kind, labelData, b.Dx(), b.Dy())
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(r.layout.LabelPath(session, derived), rewritten, 0o644); err != nil {
		return fmt.Errorf("write label: %w", err)
	}
	return nil
}
