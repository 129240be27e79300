package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	annotator "github.com/menta2k/yolo-annotator"
	"github.com/menta2k/yolo-annotator/internal/config"
	"github.com/menta2k/yolo-annotator/internal/schema"
)

type testServer struct {
	engine  *annotator.Engine
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Storage.AnnotationsDir = filepath.Join(root, "annotations")
	cfg.Storage.TempDir = filepath.Join(root, "temp")
	cfg.Storage.DatabasePath = filepath.Join(root, "registry.db")

	engine, err := annotator.New(cfg)
	if err != nil {
		t.Fatalf("annotator.New: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	v, err := schema.New()
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	return &testServer{engine: engine, handler: NewHandler(Deps{Engine: engine, Validator: v})}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set(PrincipalHeader, user)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, w.Body.String())
	}
	return out
}

func jpegBase64(t *testing.T, width, height int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func saveBody(t *testing.T, image string) map[string]any {
	return map[string]any{
		"base_name":    "cat.jpg",
		"image":        image,
		"image_width":  200,
		"image_height": 100,
		"annotations": []map[string]any{
			{"class_id": 0, "x": 10, "y": 10, "width": 50, "height": 20},
		},
	}
}

func TestHealthcheck(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/healthcheck", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if decodeBody(t, w)["version"] != annotator.GetVersion() {
		t.Errorf("Unexpected body %s", w.Body.String())
	}
}

func TestVariants(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/variants", "", nil)
	variants, _ := decodeBody(t, w)["variants"].([]any)
	if len(variants) != 6 {
		t.Errorf("Expected 6 variants, got %d", len(variants))
	}
}

func TestSaveAugmentAndDownload(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/sessions/demo/annotations", "", saveBody(t, "data:image/jpeg;base64,"+jpegBase64(t, 200, 100)))
	if w.Code != http.StatusOK {
		t.Fatalf("Save failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["image_name"] != "cat.jpg" || body["label_name"] != "cat.txt" {
		t.Errorf("Unexpected save response %v", body)
	}
	lines, _ := body["normalized_lines"].([]any)
	if len(lines) != 1 || lines[0] != "0 0.175000 0.200000 0.250000 0.200000" {
		t.Errorf("Unexpected normalized lines %v", lines)
	}

	w = s.do(t, http.MethodGet, "/api/sessions/demo/progress", "", nil)
	if p := decodeBody(t, w); p["completed"] != true || p["total"] != float64(0) || p["message"] != "no job in progress" {
		t.Errorf("Unexpected idle progress %v", p)
	}

	w = s.do(t, http.MethodPost, "/api/sessions/demo/augment", "", map[string]any{"variants": []string{"mirror"}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Augment failed: %d %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["job_id"] == "" {
		t.Error("Expected a job id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	w = s.do(t, http.MethodGet, "/api/sessions/demo/progress", "", nil)
	p := decodeBody(t, w)
	if p["completed"] != true || p["current"] != float64(1) || p["total"] != float64(1) || p["active"] != false {
		t.Errorf("Unexpected final progress %v", p)
	}

	w = s.do(t, http.MethodGet, "/api/sessions/demo/artifacts", "", nil)
	art, _ := decodeBody(t, w)["artifacts"].(map[string]any)
	if images, _ := art["images"].([]any); len(images) != 2 {
		t.Errorf("Expected 2 images, got %v", art["images"])
	}

	w = s.do(t, http.MethodGet, "/api/sessions/demo/jobs", "", nil)
	if jobs, _ := decodeBody(t, w)["jobs"].([]any); len(jobs) != 1 {
		t.Errorf("Expected 1 recorded job, got %s", w.Body.String())
	}

	w = s.do(t, http.MethodGet, "/api/sessions/demo/download", "", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("Download failed: %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	if err != nil {
		t.Fatalf("Invalid zip: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if !strings.Contains(strings.Join(names, ","), "labels/cat_mirror.txt") {
		t.Errorf("Archive missing mirrored label: %v", names)
	}
}

func TestSaveRejectsInvalidBodies(t *testing.T) {
	s := newTestServer(t)

	cases := map[string]any{
		"not json":        "{",
		"missing image":   map[string]any{"base_name": "a", "image_width": 10, "image_height": 10, "annotations": []any{}},
		"negative class":  map[string]any{"base_name": "a", "image": "AA==", "image_width": 10, "image_height": 10, "annotations": []any{map[string]any{"class_id": -1, "x": 0, "y": 0, "width": 1, "height": 1}}},
		"bad base64":      map[string]any{"base_name": "a", "image": "!!!", "image_width": 10, "image_height": 10, "annotations": []any{}},
		"bad data url":    map[string]any{"base_name": "a", "image": "data:image/jpeg,abc", "image_width": 10, "image_height": 10, "annotations": []any{}},
		"invalid session": nil,
	}
	for name, body := range cases {
		path := "/api/sessions/demo/annotations"
		if name == "invalid session" {
			path = "/api/sessions/bad.name/annotations"
			body = saveBody(t, jpegBase64(t, 200, 100))
		}
		w := s.do(t, http.MethodPost, path, "", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d %s", name, w.Code, w.Body.String())
			continue
		}
		if decodeBody(t, w)["success"] != false {
			t.Errorf("%s: expected success=false", name)
		}
	}
}

func TestSaveUndecodableImage(t *testing.T) {
	s := newTestServer(t)
	body := saveBody(t, base64.StdEncoding.EncodeToString([]byte("not an image")))
	w := s.do(t, http.MethodPost, "/api/sessions/demo/annotations", "", body)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d %s", w.Code, w.Body.String())
	}
	errBody, _ := decodeBody(t, w)["error"].(map[string]any)
	if errBody["category"] != "decode_failure" {
		t.Errorf("Unexpected error body %v", errBody)
	}
}

func TestAugmentPreconditions(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/sessions/ghost/augment", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", w.Code)
	}

	s.do(t, http.MethodPost, "/api/sessions/demo/annotations", "", saveBody(t, jpegBase64(t, 200, 100)))
	w = s.do(t, http.MethodPost, "/api/sessions/demo/augment", "", map[string]any{"variants": []string{"sepia"}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown variant, got %d", w.Code)
	}
	w = s.do(t, http.MethodPost, "/api/sessions/demo/augment", "", map[string]any{"variants": "mirror"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed variants, got %d", w.Code)
	}
}

func TestSessionAccess(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/sessions/private", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Create failed: %d %s", w.Code, w.Body.String())
	}
	sess, _ := decodeBody(t, w)["session"].(map[string]any)
	hash, _ := sess["access_hash"].(string)
	if hash == "" {
		t.Fatal("Expected an access hash")
	}

	if w := s.do(t, http.MethodGet, "/api/sessions/private/stats", "bob", nil); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for other principal, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/sessions/private/stats", "alice", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 for owner, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/sessions/"+hash+"/stats", "bob", nil); w.Code != http.StatusOK {
		t.Errorf("Expected access hash to grant access, got %d %s", w.Code, w.Body.String())
	}

	if w := s.do(t, http.MethodDelete, "/api/sessions/private", "bob", nil); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 deleting another principal's session, got %d", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/api/sessions/private", "alice", nil); w.Code != http.StatusOK {
		t.Errorf("Expected delete to succeed, got %d %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodGet, "/api/sessions/private/stats", "bob", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestVisualizeAndImages(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/sessions/demo/annotations", "", saveBody(t, jpegBase64(t, 200, 100)))

	w := s.do(t, http.MethodGet, "/api/sessions/demo/visualize?limit=10", "", nil)
	view, _ := decodeBody(t, w)["view"].(map[string]any)
	if view == nil {
		t.Fatalf("Missing view: %s", w.Body.String())
	}

	w = s.do(t, http.MethodGet, "/api/sessions/demo/visualize/cat.jpg", "", nil)
	vis, _ := decodeBody(t, w)["visualization"].(map[string]any)
	anns, _ := vis["annotations"].([]any)
	if len(anns) != 1 {
		t.Fatalf("Expected 1 annotation, got %s", w.Body.String())
	}

	if w := s.do(t, http.MethodGet, "/api/sessions/demo/visualize?limit=-1", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative limit, got %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/sessions/demo/images/cat.jpg", "", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("Unexpected image response %d %s", w.Code, w.Header().Get("Content-Type"))
	}

	w = s.do(t, http.MethodGet, "/api/sessions/demo/images/cat.jpg?overlay=1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Overlay failed: %d %s", w.Code, w.Body.String())
	}
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("Overlay is not a PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 200 || b.Dy() != 100 {
		t.Errorf("Unexpected overlay size %v", b)
	}

	if w := s.do(t, http.MethodGet, "/api/sessions/demo/images/missing.jpg", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing image, got %d", w.Code)
	}
}
