// Package api exposes the annotator engine over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"

	annotator "github.com/menta2k/yolo-annotator"
	"github.com/menta2k/yolo-annotator/internal/errs"
	"github.com/menta2k/yolo-annotator/internal/registry"
	"github.com/menta2k/yolo-annotator/internal/schema"
	"github.com/menta2k/yolo-annotator/pkg/types"
)

const maxSaveBodySize = 32 << 20 // 32MB, images travel base64-encoded
const maxRequestBodySize = 1 << 20

// PrincipalHeader carries the caller's identity. It is trusted as-is;
// authentication happens in front of this service.
const PrincipalHeader = "X-User"

type ctxKey int

const sessionKey ctxKey = iota

type Deps struct {
	Engine    *annotator.Engine
	Validator *schema.Validator
	Logger    *slog.Logger
}

// NewHandler builds the router
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/healthcheck", handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/variants", handleVariants(deps))

		r.Route("/sessions/{session}", func(r chi.Router) {
			r.Use(resolveSession(deps))

			r.Post("/", handleCreateSession(deps))
			r.Delete("/", handleDeleteSession(deps))
			r.Post("/annotations", handleSaveAnnotations(deps))
			r.Post("/augment", handleAugment(deps))
			r.Get("/progress", handleProgress(deps))
			r.Get("/stats", handleStats(deps))
			r.Get("/artifacts", handleArtifacts(deps))
			r.Get("/visualize", handleVisualizeSession(deps))
			r.Get("/visualize/{image}", handleVisualizeImage(deps))
			r.Get("/images/{image}", handleImage(deps))
			r.Get("/jobs", handleJobs(deps))
			r.Get("/download", handleDownload(deps))
		})
	})
	return r
}

// resolveSession maps the {session} parameter (a name or an access hash) to
// a session name and enforces access. An access hash grants access on its own.
func resolveSession(deps Deps) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := chi.URLParam(r, "session")
			name, err := deps.Engine.ResolveSession(r.Context(), identifier)
			if errs.Is(err, errs.CategoryNotFound) {
				// unknown names are created lazily by the write routes
				name, err = identifier, nil
			}
			if err != nil {
				writeError(w, deps.Logger, err)
				return
			}

			if name == identifier {
				ok, err := deps.Engine.CanAccess(r.Context(), principal(r), name)
				if err != nil {
					writeError(w, deps.Logger, err)
					return
				}
				if !ok {
					writeError(w, deps.Logger, errs.New(errs.CategoryAccessDenied, "access_denied", "no access to session %q", name))
					return
				}
			}

			ctx := context.WithValue(r.Context(), sessionKey, name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func sessionFrom(r *http.Request) string {
	name, _ := r.Context().Value(sessionKey).(string)
	return name
}

func principal(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(PrincipalHeader))
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "ok", "version": annotator.GetVersion()})
}

func handleVariants(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"message":  "available variants",
			"variants": deps.Engine.Variants(),
		})
	}
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := deps.Engine.CreateOrGetSession(r.Context(), sessionFrom(r), principal(r))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": fmt.Sprintf("session %q ready", sess.Name),
			"session": sess,
		})
	}
}

func handleDeleteSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := sessionFrom(r)
		if err := deps.Engine.DeleteSession(r.Context(), name); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": fmt.Sprintf("session %q deleted", name)})
	}
}

// SaveRequest is the body of POST /api/sessions/{session}/annotations
type SaveRequest struct {
	BaseName    string             `json:"base_name"`
	Image       string             `json:"image"`
	ImageWidth  int                `json:"image_width"`
	ImageHeight int                `json:"image_height"`
	Annotations []types.Annotation `json:"annotations"`
}

func handleSaveAnnotations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSaveBodySize))
		if err != nil {
			writeError(w, deps.Logger, errs.New(errs.CategoryInvalidInput, "invalid_request", "reading body: %v", err))
			return
		}
		if !json.Valid(body) {
			writeError(w, deps.Logger, errs.New(errs.CategoryInvalidInput, "invalid_request", "request body is not valid JSON"))
			return
		}
		if err := deps.Validator.ValidateSave(body); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		var req SaveRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, deps.Logger, errs.New(errs.CategoryInvalidInput, "invalid_request", "invalid request body: %v", err))
			return
		}
		img, err := decodeImagePayload(req.Image)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}

		name := sessionFrom(r)
		if _, err := deps.Engine.CreateOrGetSession(r.Context(), name, principal(r)); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		res, err := deps.Engine.SaveAnnotations(r.Context(), name, req.BaseName, req.Annotations, img, req.ImageWidth, req.ImageHeight)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":          true,
			"message":          fmt.Sprintf("saved %d objects as %q in session %q", len(res.NormalizedLines), res.ImageName, name),
			"original_name":    req.BaseName,
			"image_name":       res.ImageName,
			"label_name":       res.LabelName,
			"normalized_lines": res.NormalizedLines,
		})
	}
}

// decodeImagePayload accepts plain base64 or a data URL
func decodeImagePayload(payload string) ([]byte, error) {
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 || !strings.HasSuffix(payload[:comma], ";base64") {
			return nil, errs.New(errs.CategoryInvalidInput, "invalid_image", "image data URL must be base64 encoded")
		}
		payload = payload[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, errs.New(errs.CategoryInvalidInput, "invalid_image", "invalid base64 image: %v", err)
	}
	return data, nil
}

type augmentRequest struct {
	Variants []string `json:"variants"`
}

func handleAugment(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
		if err != nil {
			writeError(w, deps.Logger, errs.New(errs.CategoryInvalidInput, "invalid_request", "reading body: %v", err))
			return
		}
		var req augmentRequest
		if len(bytes.TrimSpace(body)) > 0 {
			if !json.Valid(body) {
				writeError(w, deps.Logger, errs.New(errs.CategoryInvalidInput, "invalid_request", "request body is not valid JSON"))
				return
			}
			if err := deps.Validator.ValidateAugment(body); err != nil {
				writeError(w, deps.Logger, err)
				return
			}
			if err := json.Unmarshal(body, &req); err != nil {
				writeError(w, deps.Logger, errs.New(errs.CategoryInvalidInput, "invalid_request", "invalid request body: %v", err))
				return
			}
		}

		name := sessionFrom(r)
		jobID, err := deps.Engine.StartAugmentation(r.Context(), name, req.Variants)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"message": fmt.Sprintf("augmentation started for session %q", name),
			"job_id":  jobID,
		})
	}
}

func handleProgress(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok, err := deps.Engine.GetProgress(sessionFrom(r))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if !ok {
			rec = types.ProgressRecord{Completed: true, Message: "no job in progress"}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"active":    ok && !rec.Completed,
			"current":   rec.Current,
			"total":     rec.Total,
			"completed": rec.Completed,
			"message":   rec.Message,
		})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Engine.Stats(sessionFrom(r))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "session statistics", "stats": stats})
	}
}

func handleArtifacts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		art, err := deps.Engine.ListSessionArtifacts(sessionFrom(r))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "session artifacts", "artifacts": art})
	}
}

func handleVisualizeSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", 0)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		view, err := deps.Engine.VisualizeSession(sessionFrom(r), limit, offset)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "session visualization", "view": view})
	}
}

func handleVisualizeImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := deps.Engine.Visualize(sessionFrom(r), chi.URLParam(r, "image"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "image visualization", "visualization": v})
	}
}

// handleImage serves the stored image, or with ?overlay=1 a PNG with boxes drawn
func handleImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, image := sessionFrom(r), chi.URLParam(r, "image")

		if overlay, _ := strconv.ParseBool(r.URL.Query().Get("overlay")); overlay {
			img, err := deps.Engine.RenderOverlay(name, image)
			if err != nil {
				writeError(w, deps.Logger, err)
				return
			}
			w.Header().Set("Content-Type", "image/png")
			if err := imaging.Encode(w, img, imaging.PNG); err != nil {
				deps.Logger.Error("encoding overlay failed", "session", name, "image", image, "error", err)
			}
			return
		}

		data, err := deps.Engine.ImageFile(name, image)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		w.Header().Set("Content-Type", http.DetectContentType(data))
		w.Write(data)
	}
}

func handleJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", 20)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		jobs, err := deps.Engine.Jobs(r.Context(), sessionFrom(r), limit)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if jobs == nil {
			jobs = []registry.JobRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "augmentation jobs", "jobs": jobs})
	}
}

func handleDownload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := sessionFrom(r)
		var buf bytes.Buffer
		if _, err := deps.Engine.WriteArchive(name, &buf); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "dataset_"+name+".zip"))
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		buf.WriteTo(w)
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errs.New(errs.CategoryInvalidInput, "invalid_query", "%s must be a non-negative integer", key)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// writeError maps an error category to a status and the structured body
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	category := errs.CategoryOf(err)
	code := statusFor(category)
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", "category", category, "code", errs.CodeOf(err), "error", err)
	}
	if category == "" {
		category = errs.CategoryInternalFailure
	}
	writeJSON(w, code, map[string]any{
		"success": false,
		"message": err.Error(),
		"error": map[string]any{
			"category": category,
			"code":     errs.CodeOf(err),
		},
	})
}

func statusFor(category errs.Category) int {
	switch category {
	case errs.CategoryInvalidInput:
		return http.StatusBadRequest
	case errs.CategoryDecodeFailure:
		return http.StatusUnprocessableEntity
	case errs.CategoryNotFound:
		return http.StatusNotFound
	case errs.CategoryAccessDenied:
		return http.StatusForbidden
	case errs.CategoryStateContention:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
