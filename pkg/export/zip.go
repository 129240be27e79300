// Package export packages a session for download: a zip of the session tree
// and a parquet manifest with one row per labeled box.
package export

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// WriteZip writes every regular file under sessionDir to w with paths
// relative to sessionDir (images/..., labels/..., augmentation_log.json).
// Entries are sorted; in-flight temp files are skipped. It returns the
// number of files written.
func WriteZip(sessionDir string, w io.Writer) (int, error) {
	var paths []string
	err := filepath.WalkDir(sessionDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", sessionDir, err)
	}
	sort.Strings(paths)

	zw := zip.NewWriter(w)
	for _, path := range paths {
		if err := addFile(zw, sessionDir, path); err != nil {
			zw.Close()
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zip: %w", err)
	}
	return len(paths), nil
}

func addFile(zw *zip.Writer, root, path string) error {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(rel)
	header.Method = zip.Deflate

	dst, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", header.Name, err)
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("zip entry %s: %w", header.Name, err)
	}
	return nil
}
