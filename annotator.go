// Package annotator stores YOLO object-detection datasets and augments them.
//
// A dataset is organised in sessions. Each session is a directory holding
// paired image and label files:
//
//	annotations/<session>/images/<name>.jpg
//	annotations/<session>/labels/<name>.txt
//	annotations/<session>/augmentation_log.json
//	temp/progress_<session>.json
//
// Label files contain one normalized YOLO record per object
// ("class_id x_center y_center width height", six decimals).
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//		"os"
//
//		annotator "github.com/menta2k/yolo-annotator"
//		"github.com/menta2k/yolo-annotator/internal/config"
//		"github.com/menta2k/yolo-annotator/pkg/types"
//	)
//
//	func main() {
//		engine, err := annotator.New(config.Default())
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer engine.Close()
//
//		data, _ := os.ReadFile("demo/cat.jpg")
//		res, err := engine.SaveAnnotations(context.Background(), "demo", "cat", []types.Annotation{
//			{ClassID: 0, Box: types.Box{X: 10, Y: 10, Width: 50, Height: 20}},
//		}, data, 200, 100)
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Println(res.NormalizedLines[0]) // 0 0.175000 0.200000 0.250000 0.200000
//
//		results, err := engine.RunAugmentation(context.Background(), "demo", []string{"mirror"})
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Println(results.Created) // 1, demo/images/cat_mirror.jpg
//	}
//
// The package wires these components:
//
// 1. Codec (pkg/yolo): pixel boxes to normalized label lines and back
// 2. Dataset (pkg/dataset): unique naming, saving and enumerating samples
// 3. Transform (pkg/transform): the fixed augmentation catalog and label rewrites
// 4. Augment (pkg/augment): background jobs with per-session FIFO lanes
// 5. Progress (pkg/progress): the record polled while a job runs
// 6. Registry (internal/registry): SQLite index of sessions, reserved names and jobs
//
// Augmentation jobs for one session run one after another; jobs for
// different sessions run concurrently. A running job cannot be cancelled.
package annotator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/menta2k/yolo-annotator/internal/config"
	"github.com/menta2k/yolo-annotator/internal/errs"
	"github.com/menta2k/yolo-annotator/internal/registry"
	"github.com/menta2k/yolo-annotator/internal/utils"
	"github.com/menta2k/yolo-annotator/pkg/augment"
	"github.com/menta2k/yolo-annotator/pkg/dataset"
	"github.com/menta2k/yolo-annotator/pkg/export"
	"github.com/menta2k/yolo-annotator/pkg/processing"
	"github.com/menta2k/yolo-annotator/pkg/progress"
	"github.com/menta2k/yolo-annotator/pkg/transform"
	"github.com/menta2k/yolo-annotator/pkg/types"
	"github.com/menta2k/yolo-annotator/pkg/yolo"
)

// Version of the annotator library
const Version = "1.0.0"

const defaultPageSize = 50

// Engine is the entry point used by the HTTP API and the CLI
type Engine struct {
	cfg        *config.Config
	layout     dataset.Layout
	registry   *transform.Registry
	processor  *processing.Processor
	enumerator *dataset.Enumerator
	persister  *dataset.Persister
	progress   *progress.FileStore
	sessions   *registry.Store
	runner     *augment.Runner
	scheduler  *augment.Scheduler
	logger     *slog.Logger
}

// Option customises an Engine
type Option func(*Engine)

// WithLogger sets the logger used by the engine and its components
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New validates cfg, opens the session registry and wires every component
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(err, errs.CategoryInvalidInput, "invalid_config")
	}

	e := &Engine{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}

	sessions, err := registry.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, errs.Wrap(fmt.Errorf("open registry: %w", err), errs.CategoryIOFailure, "registry_open_failed")
	}

	e.sessions = sessions
	e.layout = dataset.NewLayout(cfg.Storage.AnnotationsDir)
	e.registry = transform.NewRegistry(cfg.TransformParams())
	e.processor = processing.NewProcessor(cfg.OutputOptions())
	e.enumerator = dataset.NewEnumerator(e.layout, e.registry)
	e.persister = dataset.NewPersister(e.layout, dataset.NewNamer(e.layout, sessions), e.processor, e.logger)
	e.progress = progress.NewFileStore(cfg.Storage.TempDir)
	e.runner = augment.NewRunner(e.layout, e.enumerator, e.registry, e.processor, e.progress, e.logger)
	e.scheduler = augment.NewScheduler(e.runner, e.registry, jobLedger{sessions}, e.logger)
	return e, nil
}

// Close waits for queued jobs and closes the registry
func (e *Engine) Close() error {
	e.scheduler.Wait()
	return e.sessions.Close()
}

// Shutdown stops accepting jobs and waits for running ones until ctx ends
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.scheduler.Shutdown(ctx)
}

// Config returns the configuration the engine was built with
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Variants returns the transform catalog
func (e *Engine) Variants() []transform.Descriptor {
	return e.registry.Descriptors()
}

// CreateOrGetSession registers the session on first use and creates its directories
func (e *Engine) CreateOrGetSession(ctx context.Context, name, owner string) (registry.Session, error) {
	if err := dataset.ValidateSession(name); err != nil {
		return registry.Session{}, err
	}
	sess, created, err := e.sessions.CreateOrGet(ctx, name, owner)
	if err != nil {
		return registry.Session{}, errs.Wrap(err, errs.CategoryIOFailure, "session_create_failed")
	}
	if err := e.layout.EnsureSession(name); err != nil {
		return registry.Session{}, err
	}
	if created {
		e.logger.Info("session created", "session", name, "owner", owner)
	}
	return sess, nil
}

// SaveAnnotations stores one image with its pixel-space boxes converted to
// YOLO label lines. The session is created on first save.
func (e *Engine) SaveAnnotations(ctx context.Context, session, baseName string, annotations []types.Annotation,
	img []byte, width, height int) (dataset.SaveResult, error) {
	if err := dataset.ValidateSession(session); err != nil {
		return dataset.SaveResult{}, err
	}
	if _, _, err := e.sessions.CreateOrGet(ctx, session, ""); err != nil {
		return dataset.SaveResult{}, errs.Wrap(err, errs.CategoryIOFailure, "session_create_failed")
	}
	return e.persister.Save(ctx, dataset.SaveRequest{
		Session:     session,
		BaseName:    baseName,
		Annotations: annotations,
		Image:       img,
		ImageWidth:  width,
		ImageHeight: height,
	})
}

// StartAugmentation queues a job and returns its id immediately. Empty keys
// select the configured default variants, or the whole catalog.
func (e *Engine) StartAugmentation(ctx context.Context, session string, keys []string) (string, error) {
	if err := e.requireImages(session); err != nil {
		return "", err
	}
	jobID, err := e.scheduler.Start(session, e.variantKeys(keys))
	if err != nil {
		return "", err
	}
	e.logger.Info("augmentation queued", "session", session, "job_id", jobID)
	return jobID, nil
}

// RunAugmentation runs a job in the calling goroutine and records it
func (e *Engine) RunAugmentation(ctx context.Context, session string, keys []string) (augment.Results, error) {
	if err := e.requireImages(session); err != nil {
		return augment.Results{}, err
	}
	kinds, err := e.registry.Resolve(e.variantKeys(keys))
	if err != nil {
		return augment.Results{}, err
	}
	res, err := e.runner.Run(ctx, session, kinds)
	if err != nil {
		return res, err
	}
	if err := (jobLedger{e.sessions}).RecordJob(ctx, res); err != nil {
		e.logger.Warn("recording job failed", "session", session, "job_id", res.JobID, "error", err)
	}
	return res, nil
}

func (e *Engine) variantKeys(keys []string) []string {
	if len(keys) == 0 {
		return e.cfg.Augment.DefaultVariants
	}
	return keys
}

func (e *Engine) requireImages(session string) error {
	if err := e.requireSession(session); err != nil {
		return err
	}
	images, err := e.enumerator.ListImages(session)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return errs.New(errs.CategoryInvalidInput, "empty_session", "session %q has no images", session)
	}
	return nil
}

func (e *Engine) requireSession(session string) error {
	if err := dataset.ValidateSession(session); err != nil {
		return err
	}
	if !e.layout.SessionExists(session) {
		return errs.New(errs.CategoryNotFound, "session_not_found", "session %q not found", session)
	}
	return nil
}

// GetProgress returns the session's progress record; false means no job has run
func (e *Engine) GetProgress(session string) (progress.Record, bool, error) {
	if err := dataset.ValidateSession(session); err != nil {
		return progress.Record{}, false, err
	}
	rec, err := e.progress.Read(session)
	if errors.Is(err, progress.ErrNotFound) {
		return progress.Record{}, false, nil
	}
	if err != nil {
		return progress.Record{}, false, err
	}
	return rec, true, nil
}

// Artifacts lists the files of a session
type Artifacts struct {
	Session   string        `json:"session"`
	Images    []string      `json:"images"`
	Labels    []string      `json:"labels"`
	Originals []string      `json:"originals"`
	Variants  []string      `json:"variants"`
	Stats     dataset.Stats `json:"stats"`
}

func (e *Engine) ListSessionArtifacts(session string) (Artifacts, error) {
	if err := e.requireSession(session); err != nil {
		return Artifacts{}, err
	}
	images, err := e.enumerator.ListImages(session)
	if err != nil {
		return Artifacts{}, err
	}
	labels, err := e.enumerator.ListLabels(session)
	if err != nil {
		return Artifacts{}, err
	}
	c := e.enumerator.Classify(images)
	return Artifacts{
		Session:   session,
		Images:    images,
		Labels:    labels,
		Originals: c.Originals,
		Variants:  c.Variants,
		Stats: dataset.Stats{
			TotalImages:    len(images),
			OriginalImages: len(c.Originals),
			VariantImages:  len(c.Variants),
			LabelFiles:     len(labels),
		},
	}, nil
}

// Stats counts a session's images and labels
func (e *Engine) Stats(session string) (dataset.Stats, error) {
	if err := e.requireSession(session); err != nil {
		return dataset.Stats{}, err
	}
	return e.enumerator.Stats(session)
}

// VisualAnnotation is one stored label mapped back to pixels
type VisualAnnotation struct {
	ClassID    int            `json:"class_id"`
	PixelBox   types.PixelBox `json:"pixel_box"`
	Normalized types.Label    `json:"normalized"`
}

// Visualization is an image with its decoded labels
type Visualization struct {
	Image       string             `json:"image"`
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	Variant     string             `json:"variant,omitempty"`
	Annotations []VisualAnnotation `json:"annotations"`
	Issues      []yolo.LineError   `json:"issues,omitempty"`
	ImageBytes  []byte             `json:"-"`
}

// Visualize decodes the labels of one image back to pixel space
func (e *Engine) Visualize(session, imageName string) (Visualization, error) {
	if err := e.requireSession(session); err != nil {
		return Visualization{}, err
	}
	if err := validateImageName(imageName); err != nil {
		return Visualization{}, err
	}
	data, err := os.ReadFile(e.layout.ImagePath(session, imageName))
	if errors.Is(err, os.ErrNotExist) {
		return Visualization{}, errs.New(errs.CategoryNotFound, "image_not_found", "image %q not found in session %q", imageName, session)
	}
	if err != nil {
		return Visualization{}, errs.Wrap(err, errs.CategoryIOFailure, "image_read_failed")
	}
	w, h, err := e.processor.DecodeSize(data)
	if err != nil {
		return Visualization{}, err
	}
	labels, issues, err := e.enumerator.ReadLabelsForImage(session, imageName)
	if err != nil {
		return Visualization{}, err
	}

	v := Visualization{
		Image:       imageName,
		Width:       w,
		Height:      h,
		Annotations: make([]VisualAnnotation, 0, len(labels)),
		Issues:      issues,
		ImageBytes:  data,
	}
	v.Variant, _ = e.registry.VariantKey(utils.TrimExt(imageName))
	for _, l := range labels {
		v.Annotations = append(v.Annotations, VisualAnnotation{
			ClassID:    l.ClassID,
			PixelBox:   yolo.ToPixel(l, w, h),
			Normalized: l,
		})
	}
	return v, nil
}

// SessionView is one page of a session's visualizations
type SessionView struct {
	Session string          `json:"session"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
	Stats   dataset.Stats   `json:"stats"`
	Images  []Visualization `json:"images"`
}

// VisualizeSession pages through every image of a session in name order.
// Images that cannot be decoded are listed without annotations.
func (e *Engine) VisualizeSession(session string, limit, offset int) (SessionView, error) {
	if err := e.requireSession(session); err != nil {
		return SessionView{}, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	images, err := e.enumerator.ListImages(session)
	if err != nil {
		return SessionView{}, err
	}
	stats, err := e.enumerator.Stats(session)
	if err != nil {
		return SessionView{}, err
	}

	view := SessionView{Session: session, Total: len(images), Limit: limit, Offset: offset, Stats: stats, Images: []Visualization{}}
	if offset >= len(images) {
		return view, nil
	}
	end := offset + limit
	if end > len(images) {
		end = len(images)
	}
	for _, name := range images[offset:end] {
		v, err := e.Visualize(session, name)
		if err != nil {
			e.logger.Warn("visualize failed", "session", session, "image", name, "error", err)
			v = Visualization{Image: name, Annotations: []VisualAnnotation{}}
		}
		v.ImageBytes = nil
		view.Images = append(view.Images, v)
	}
	return view, nil
}

// RenderOverlay draws the stored boxes on top of the image
func (e *Engine) RenderOverlay(session, imageName string) (image.Image, error) {
	v, err := e.Visualize(session, imageName)
	if err != nil {
		return nil, err
	}
	img, err := e.processor.DecodeImageFromBytes(v.ImageBytes)
	if err != nil {
		return nil, err
	}
	labels := make([]types.Label, len(v.Annotations))
	for i, a := range v.Annotations {
		labels[i] = a.Normalized
	}
	return e.processor.CreateLabelOverlay(img, labels), nil
}

// ImageFile returns the raw bytes of a stored image
func (e *Engine) ImageFile(session, imageName string) ([]byte, error) {
	v, err := e.Visualize(session, imageName)
	if err != nil {
		return nil, err
	}
	return v.ImageBytes, nil
}

// DeleteSession removes the session's files, progress record and registry
// entries. It refuses while an augmentation job for the session is queued.
func (e *Engine) DeleteSession(ctx context.Context, session string) error {
	if err := dataset.ValidateSession(session); err != nil {
		return err
	}
	if n := e.scheduler.Pending(session); n > 0 {
		return errs.New(errs.CategoryStateContention, "job_running", "session %q has %d augmentation job(s) in flight", session, n)
	}
	if err := e.layout.RemoveSession(session); err != nil {
		return err
	}
	if err := e.progress.Delete(session); err != nil {
		return err
	}
	if err := e.sessions.Delete(ctx, session); err != nil {
		return errs.Wrap(err, errs.CategoryIOFailure, "session_delete_failed")
	}
	e.logger.Info("session deleted", "session", session)
	return nil
}

// CanAccess reports whether principal may use the session
func (e *Engine) CanAccess(ctx context.Context, principal, session string) (bool, error) {
	return e.sessions.CanAccess(ctx, principal, session)
}

// ResolveSession maps a session name or access hash to the session name.
// Sessions that exist on disk but were never registered resolve to themselves.
func (e *Engine) ResolveSession(ctx context.Context, identifier string) (string, error) {
	name, err := e.sessions.ResolveSession(ctx, identifier)
	if err == nil {
		return name, nil
	}
	if !errs.Is(err, errs.CategoryNotFound) {
		return "", err
	}
	if dataset.ValidateSession(identifier) == nil && e.layout.SessionExists(identifier) {
		return identifier, nil
	}
	return "", err
}

// ListSessions returns every registered session ordered by name
func (e *Engine) ListSessions(ctx context.Context) ([]registry.Session, error) {
	sessions, err := e.sessions.ListSessions(ctx)
	if err != nil {
		return nil, errs.Wrap(err, errs.CategoryIOFailure, "session_list_failed")
	}
	return sessions, nil
}

// Session returns the registry entry of a session
func (e *Engine) Session(ctx context.Context, name string) (registry.Session, error) {
	return e.sessions.Get(ctx, name)
}

// Jobs lists the most recent augmentation jobs of a session
func (e *Engine) Jobs(ctx context.Context, session string, limit int) ([]registry.JobRecord, error) {
	return e.sessions.ListJobs(ctx, session, limit)
}

// WriteArchive streams the session as a zip to w
func (e *Engine) WriteArchive(session string, w io.Writer) (int, error) {
	if err := e.requireSession(session); err != nil {
		return 0, err
	}
	n, err := export.WriteZip(e.layout.SessionDir(session), w)
	if err != nil {
		return 0, errs.Wrap(err, errs.CategoryIOFailure, "export_failed")
	}
	return n, nil
}

// ExportResult reports what Export wrote
type ExportResult struct {
	ZipPath      string `json:"zip_path"`
	Files        int    `json:"files"`
	ManifestPath string `json:"manifest_path,omitempty"`
	Rows         int    `json:"rows"`
}

// Export writes the session zip to zipPath and, when manifestPath is set, a
// parquet manifest with one row per labeled box.
func (e *Engine) Export(ctx context.Context, session, zipPath, manifestPath string) (ExportResult, error) {
	if err := e.requireSession(session); err != nil {
		return ExportResult{}, err
	}
	res := ExportResult{ZipPath: zipPath, ManifestPath: manifestPath}

	if err := utils.EnsureDir(filepath.Dir(zipPath)); err != nil {
		return res, errs.Wrap(err, errs.CategoryIOFailure, "export_failed")
	}
	f, err := os.Create(zipPath)
	if err != nil {
		return res, errs.Wrap(err, errs.CategoryIOFailure, "export_failed")
	}
	res.Files, err = e.WriteArchive(session, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errs.Wrap(cerr, errs.CategoryIOFailure, "export_failed")
	}
	if err != nil {
		os.Remove(zipPath)
		return res, err
	}

	if manifestPath != "" {
		rows, err := e.manifestRows(session)
		if err != nil {
			return res, err
		}
		if err := export.WriteManifest(manifestPath, rows); err != nil {
			return res, errs.Wrap(err, errs.CategoryIOFailure, "export_failed")
		}
		res.Rows = len(rows)
	}

	e.logger.Info("session exported", "session", session, "zip", zipPath, "files", res.Files, "rows", res.Rows)
	return res, nil
}

func (e *Engine) manifestRows(session string) ([]export.ManifestRow, error) {
	images, err := e.enumerator.ListImages(session)
	if err != nil {
		return nil, err
	}
	var rows []export.ManifestRow
	for _, name := range images {
		labels, _, err := e.enumerator.ReadLabelsForImage(session, name)
		if err != nil {
			return nil, err
		}
		variant, _ := e.registry.VariantKey(utils.TrimExt(name))
		for _, l := range labels {
			rows = append(rows, export.ManifestRow{
				Image:     name,
				LabelFile: dataset.LabelName(name),
				Variant:   variant,
				ClassID:   int32(l.ClassID),
				XCenter:   l.XCenter,
				YCenter:   l.YCenter,
				Width:     l.Width,
				Height:    l.Height,
			})
		}
	}
	return rows, nil
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}

func validateImageName(name string) error {
	if name == "" || filepath.Base(name) != name || !utils.IsImageFile(name) {
		return errs.New(errs.CategoryInvalidInput, "invalid_image_name", "invalid image name %q", name)
	}
	return nil
}

// jobLedger records finished jobs in the registry
type jobLedger struct {
	store *registry.Store
}

func (l jobLedger) RecordJob(ctx context.Context, res augment.Results) error {
	return l.store.RecordJob(ctx, registry.JobRecord{
		ID:              res.JobID,
		Session:         res.Session,
		StartedAt:       res.StartedAt,
		FinishedAt:      res.FinishedAt,
		Variants:        res.Variants,
		CreatedVariants: res.Created,
		ErrorCount:      len(res.Errors),
		Digest:          res.Digest,
	})
}
