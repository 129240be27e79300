package export

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// ManifestRow is one labeled box of the exported dataset
type ManifestRow struct {
	Image     string  `parquet:"image" json:"image"`
	LabelFile string  `parquet:"label_file" json:"label_file"`
	Variant   string  `parquet:"variant" json:"variant"`
	ClassID   int32   `parquet:"class_id" json:"class_id"`
	XCenter   float64 `parquet:"x_center" json:"x_center"`
	YCenter   float64 `parquet:"y_center" json:"y_center"`
	Width     float64 `parquet:"width" json:"width"`
	Height    float64 `parquet:"height" json:"height"`
}

// WriteManifest writes rows as a parquet file at path, replacing it atomically
func WriteManifest(path string, rows []ManifestRow) error {
	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}

	writer := parquet.NewGenericWriter[ManifestRow](f)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write manifest rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("close manifest writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// ReadManifest loads every row of a manifest written by WriteManifest
func ReadManifest(path string) ([]ManifestRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat manifest: %w", err)
	}
	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	reader := parquet.NewGenericReader[ManifestRow](pf)
	defer reader.Close()

	var out []ManifestRow
	batch := make([]ManifestRow, 128)
	for {
		n, err := reader.Read(batch)
		out = append(out, batch[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
	}
	return out, nil
}
