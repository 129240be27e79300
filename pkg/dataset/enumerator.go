package dataset

import (
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/menta2k/yolo-annotator/internal/errs"
	"github.com/menta2k/yolo-annotator/internal/utils"
	"github.com/menta2k/yolo-annotator/pkg/types"
	"github.com/menta2k/yolo-annotator/pkg/yolo"
)

// VariantMatcher tells derived file bases apart from originals
type VariantMatcher interface {
	IsVariantBase(base string) bool
}

// Classification splits image file names by provenance
type Classification struct {
	Originals []string `json:"originals"`
	Variants  []string `json:"variants"`
}

// Stats summarises a session's artifacts
type Stats struct {
	TotalImages    int `json:"total_images"`
	OriginalImages int `json:"original_images"`
	VariantImages  int `json:"variant_images"`
	LabelFiles     int `json:"label_files"`
}

// Enumerator lists what a session holds on disk
type Enumerator struct {
	layout  Layout
	matcher VariantMatcher
}

func NewEnumerator(layout Layout, matcher VariantMatcher) *Enumerator {
	return &Enumerator{layout: layout, matcher: matcher}
}

// ListImages returns sorted image file names; a missing directory yields none
func (e *Enumerator) ListImages(session string) ([]string, error) {
	return listFiles(e.layout.ImagesDir(session), utils.IsImageFile)
}

// ListLabels returns sorted label file names
func (e *Enumerator) ListLabels(session string) ([]string, error) {
	return listFiles(e.layout.LabelsDir(session), func(name string) bool {
		return strings.EqualFold(utils.GetFileExtension(name), "txt")
	})
}

// Classify marks a name as a variant when its base ends in _<key> for a
// known transform key. Input order is preserved.
func (e *Enumerator) Classify(filenames []string) Classification {
	c := Classification{Originals: []string{}, Variants: []string{}}
	for _, name := range filenames {
		if e.matcher.IsVariantBase(utils.TrimExt(name)) {
			c.Variants = append(c.Variants, name)
		} else {
			c.Originals = append(c.Originals, name)
		}
	}
	return c
}

// ListOriginals returns the sorted originals of a session
func (e *Enumerator) ListOriginals(session string) ([]string, error) {
	images, err := e.ListImages(session)
	if err != nil {
		return nil, err
	}
	return e.Classify(images).Originals, nil
}

// ReadLabelsForImage parses the label file that pairs with imageName. An
// absent file is an image without objects.
func (e *Enumerator) ReadLabelsForImage(session, imageName string) ([]types.Label, []yolo.LineError, error) {
	data, err := os.ReadFile(e.layout.LabelPath(session, imageName))
	if errors.Is(err, fs.ErrNotExist) {
		return []types.Label{}, nil, nil
	}
	if err != nil {
		return nil, nil, errs.Wrap(err, errs.CategoryIOFailure, "label_read_failed")
	}
	labels, problems := yolo.ParseLabels(data)
	if labels == nil {
		labels = []types.Label{}
	}
	return labels, problems, nil
}

// Stats counts images by provenance and label files
func (e *Enumerator) Stats(session string) (Stats, error) {
	images, err := e.ListImages(session)
	if err != nil {
		return Stats{}, err
	}
	labels, err := e.ListLabels(session)
	if err != nil {
		return Stats{}, err
	}
	c := e.Classify(images)
	return Stats{
		TotalImages:    len(images),
		OriginalImages: len(c.Originals),
		VariantImages:  len(c.Variants),
		LabelFiles:     len(labels),
	}, nil
}

func listFiles(dir string, keep func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.CategoryIOFailure, "list_failed")
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if keep(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
