package export

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWriteZip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "images", "cat.jpg"), "jpeg-bytes")
	writeFile(t, filepath.Join(dir, "labels", "cat.txt"), "0 0.5 0.5 0.1 0.1")
	writeFile(t, filepath.Join(dir, "augmentation_log.json"), "{}")
	writeFile(t, filepath.Join(dir, "labels", ".cat.txt.tmp-123"), "partial")

	var buf bytes.Buffer
	n, err := WriteZip(dir, &buf)
	if err != nil {
		t.Fatalf("WriteZip failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 files, got %d", n)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("Invalid zip: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if got := strings.Join(names, ","); got != "augmentation_log.json,images/cat.jpg,labels/cat.txt" {
		t.Errorf("Unexpected entries %s", got)
	}

	rc, err := zr.File[2].Open()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "0 0.5 0.5 0.1 0.1" {
		t.Errorf("Unexpected label content %q", data)
	}
}

func TestWriteZipMissingDir(t *testing.T) {
	if _, err := WriteZip(filepath.Join(t.TempDir(), "nope"), io.Discard); err == nil {
		t.Error("Expected error for missing session directory")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.parquet")
	rows := []ManifestRow{
		{Image: "cat.jpg", LabelFile: "cat.txt", ClassID: 0, XCenter: 0.175, YCenter: 0.2, Width: 0.25, Height: 0.2},
		{Image: "cat_mirror.jpg", LabelFile: "cat_mirror.txt", Variant: "mirror", ClassID: 0, XCenter: 0.825, YCenter: 0.2, Width: 0.25, Height: 0.2},
	}
	if err := WriteManifest(path, rows); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}
	if _, err := os.Stat(path + ".partial"); err == nil {
		t.Error("Temp manifest left behind")
	}

	got, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("Expected %d rows, got %d", len(rows), len(got))
	}
	for i := range rows {
		if got[i] != rows[i] {
			t.Errorf("Row %d: expected %+v, got %+v", i, rows[i], got[i])
		}
	}
}

func TestManifestEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.parquet")
	if err := WriteManifest(path, nil); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}
	got, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected no rows, got %d", len(got))
	}
}
