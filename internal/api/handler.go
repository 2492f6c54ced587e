package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocrgate/ocrgate/internal/config"
	"github.com/ocrgate/ocrgate/internal/job"
	"github.com/ocrgate/ocrgate/internal/render"
)

const maxEditBody = 8 << 20

// Enqueuer accepts record ids for recognition.
type Enqueuer interface {
	Enqueue(id job.Handle) error
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store  job.Store
	queue  Enqueuer
	cfg    *config.StubConfig
	logger *slog.Logger
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(store job.Store, q Enqueuer, cfg *config.StubConfig) *Handler {
	return &Handler{
		store:  store,
		queue:  q,
		cfg:    cfg,
		logger: slog.Default().With("component", "api"),
	}
}

// RegisterRoutes registers all routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /ocr", h.Submit)
	mux.HandleFunc("GET /status/{id}", h.Status)
	mux.HandleFunc("GET /preview/{id}", h.Preview)
	mux.HandleFunc("GET /outputs/{id}", h.Outputs)
	mux.HandleFunc("PUT /edit/{id}", h.Edit)
	mux.HandleFunc("GET /download/{id}/{format}", h.Download)
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Submit handles POST /ocr: stores the multipart "file" upload, queues it for
// recognition and responds with the new job id.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(h.cfg.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20)

	f, hdr, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d MB", h.cfg.MaxUploadMB))
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if int64(len(data)) > maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d MB", h.cfg.MaxUploadMB))
		return
	}

	mimeType := job.NormalizeMIME(hdr.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = job.DetectMIME(hdr.Filename, data)
	}
	if err := job.ValidateUpload(data, mimeType); err != nil {
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	}

	id := job.Handle(uuid.New().String())
	uploadPath := filepath.Join(h.cfg.UploadDir, string(id)+strings.ToLower(filepath.Ext(hdr.Filename)))
	if err := os.WriteFile(uploadPath, data, 0o600); err != nil {
		h.logger.Error("save upload", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	rec := &job.Record{
		ID:         id,
		FileName:   filepath.Base(hdr.Filename),
		MIMEType:   mimeType,
		UploadPath: uploadPath,
		Status:     job.StateProcessing,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.Create(r.Context(), rec); err != nil {
		os.Remove(uploadPath) //nolint:errcheck
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	if err := h.queue.Enqueue(id); err != nil {
		h.logger.Warn("enqueue failed", "job_id", id, "error", err)
		if err := h.store.Finish(r.Context(), id, "", "recognition queue is full"); err != nil {
			h.logger.Error("finish rejected job", "job_id", id, "error", err)
		}
		writeError(w, http.StatusServiceUnavailable, "recognition queue is full, retry later")
		return
	}

	h.logger.Info("upload accepted", "job_id", id, "file", rec.FileName, "mime_type", mimeType, "size", len(data))
	writeJSON(w, http.StatusOK, map[string]string{"job_id": string(id)})
}

// Status handles GET /status/{id} and responds 200 with the record.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Preview handles GET /preview/{id}. It answers 202 while the job is processing,
// 200 with the text once ready and 422 when recognition failed.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	switch rec.Status {
	case job.StateProcessing:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": string(rec.Status)})
	case job.StateReady:
		writeJSON(w, http.StatusOK, map[string]string{"text": rec.Text})
	default:
		writeError(w, http.StatusUnprocessableEntity, rec.Error)
	}
}

// Outputs handles GET /outputs/{id} and lists the export formats of a ready job.
func (h *Handler) Outputs(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ready(w, r)
	if !ok {
		return
	}
	outputs := make(map[string]string)
	for _, f := range render.Formats() {
		outputs[string(f)] = fmt.Sprintf("outputs/%s.%s", rec.ID, f)
	}
	writeJSON(w, http.StatusOK, map[string]any{"outputs": outputs})
}

// Edit handles PUT /edit/{id} and replaces the text of a ready job.
func (h *Handler) Edit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEditBody)
	var req struct {
		Text *string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"text\": string}")
		return
	}

	id := job.Handle(r.PathValue("id"))
	updated, err := h.store.UpdateText(r.Context(), id, *req.Text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save text")
		return
	}
	if !updated {
		// Distinguish unknown ids from jobs that are not ready.
		if _, ok := h.ready(w, r); ok {
			writeError(w, http.StatusConflict, "job changed during update, retry")
		}
		return
	}

	h.logger.Info("text edited", "job_id", id, "length", len(*req.Text))
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// Download handles GET /download/{id}/{format} and streams the rendered artifact.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ready(w, r)
	if !ok {
		return
	}
	f := job.Format(r.PathValue("format"))
	data, contentType, err := render.Render(f, rec)
	if errors.Is(err, render.ErrUnknownFormat) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("format %q is not available", f))
		return
	}
	if err != nil {
		h.logger.Error("render failed", "job_id", rec.ID, "format", f, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to render export")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.DocumentName(f)))
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

// Health handles GET /health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// lookup loads the record named by the {id} path value, writing 404 when it is missing.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*job.Record, bool) {
	id := job.Handle(r.PathValue("id"))
	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return nil, false
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return rec, true
}

// ready is lookup restricted to records that finished successfully.
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) (*job.Record, bool) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return nil, false
	}
	switch rec.Status {
	case job.StateReady:
		return rec, true
	case job.StateProcessing:
		writeError(w, http.StatusConflict, "job is still processing")
	default:
		writeError(w, http.StatusUnprocessableEntity, "job failed: "+rec.Error)
	}
	return nil, false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
