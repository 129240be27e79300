// Package dataset owns the on-disk session layout: naming, saving and
// enumerating image/label pairs under annotations/<session>/.
package dataset

import (
	"os"
	"path/filepath"

	"github.com/menta2k/yolo-annotator/internal/errs"
	"github.com/menta2k/yolo-annotator/internal/utils"
)

const (
	imagesDir  = "images"
	labelsDir  = "labels"
	jobLogName = "augmentation_log.json"
	// SavedImageExt is the extension originals are stored under regardless of input format
	SavedImageExt = ".jpg"
	LabelExt      = ".txt"
)

// Layout resolves paths inside the annotations root
type Layout struct {
	Root string
}

// NewLayout returns a layout rooted at dir
func NewLayout(dir string) Layout {
	return Layout{Root: dir}
}

// ValidateSession rejects names that are empty or would escape the root
func ValidateSession(session string) error {
	if session == "" {
		return errs.New(errs.CategoryInvalidInput, "empty_session", "session name is required")
	}
	if utils.SanitizeSessionName(session) != session {
		return errs.New(errs.CategoryInvalidInput, "invalid_session",
			"session name %q may only contain letters, digits, '_' and '-'", session)
	}
	return nil
}

func (l Layout) SessionDir(session string) string {
	return filepath.Join(l.Root, session)
}

func (l Layout) ImagesDir(session string) string {
	return filepath.Join(l.Root, session, imagesDir)
}

func (l Layout) LabelsDir(session string) string {
	return filepath.Join(l.Root, session, labelsDir)
}

// ImagePath returns the path of an image file name inside the session
func (l Layout) ImagePath(session, imageName string) string {
	return filepath.Join(l.ImagesDir(session), filepath.Base(imageName))
}

// LabelPath returns the sibling label path for an image file name
func (l Layout) LabelPath(session, imageName string) string {
	return filepath.Join(l.LabelsDir(session), LabelName(imageName))
}

// JobLogPath is where the last augmentation job summary is kept
func (l Layout) JobLogPath(session string) string {
	return filepath.Join(l.SessionDir(session), jobLogName)
}

// LabelName maps an image file name to its label file name
func LabelName(imageName string) string {
	return utils.TrimExt(imageName) + LabelExt
}

// EnsureSession creates the images/ and labels/ directories
func (l Layout) EnsureSession(session string) error {
	for _, dir := range []string{l.ImagesDir(session), l.LabelsDir(session)} {
		if err := utils.EnsureDir(dir); err != nil {
			return errs.Wrap(err, errs.CategoryIOFailure, "mkdir_failed")
		}
	}
	return nil
}

// SessionExists reports whether the session directory is present
func (l Layout) SessionExists(session string) bool {
	return utils.DirExists(l.SessionDir(session))
}

// RemoveSession deletes the whole session tree. A missing session is not an error.
func (l Layout) RemoveSession(session string) error {
	if err := ValidateSession(session); err != nil {
		return err
	}
	if err := os.RemoveAll(l.SessionDir(session)); err != nil {
		return errs.Wrap(err, errs.CategoryIOFailure, "remove_failed")
	}
	return nil
}
