// Package progress keeps the per-session job progress record that polling
// clients read while an augmentation job runs.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/menta2k/yolo-annotator/internal/errs"
	"github.com/menta2k/yolo-annotator/internal/utils"
	"github.com/menta2k/yolo-annotator/pkg/types"
)

// Record is the progress snapshot of one job
type Record = types.ProgressRecord

// ErrNotFound means no job has written progress for the session
var ErrNotFound = errs.New(errs.CategoryNotFound, "no_progress", "no job in progress")

// Store reads and overwrites one progress record per session
type Store interface {
	Write(session string, rec Record) error
	Read(session string) (Record, error)
}

// FileStore keeps each record in <dir>/progress_<session>.json
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(session string) string {
	return filepath.Join(s.dir, "progress_"+session+".json")
}

// Write replaces the record atomically so readers never see a partial file
func (s *FileStore) Write(session string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(err, errs.CategoryInternalFailure, "progress_encode_failed")
	}
	if err := utils.EnsureDir(s.dir); err != nil {
		return errs.Wrap(err, errs.CategoryIOFailure, "progress_mkdir_failed")
	}
	if err := utils.WriteFileAtomic(s.path(session), data, 0o644); err != nil {
		return errs.Wrap(fmt.Errorf("write progress for %s: %w", session, err), errs.CategoryIOFailure, "progress_write_failed")
	}
	return nil
}

func (s *FileStore) Read(session string) (Record, error) {
	data, err := os.ReadFile(s.path(session))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errs.Wrap(err, errs.CategoryIOFailure, "progress_read_failed")
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, errs.Wrap(fmt.Errorf("parse progress for %s: %w", session, err), errs.CategoryIOFailure, "progress_corrupt")
	}
	return rec, nil
}

// Delete removes the record; a missing record is not an error
func (s *FileStore) Delete(session string) error {
	if err := os.Remove(s.path(session)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errs.Wrap(err, errs.CategoryIOFailure, "progress_delete_failed")
	}
	return nil
}
