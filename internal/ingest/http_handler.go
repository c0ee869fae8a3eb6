package ingest

import (
	"context"
	"errors"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"

	"libraryapi/internal/blob"
	"libraryapi/internal/httpx"

	"github.com/google/uuid"
)

const maxUploadMemory = 32 << 20

type HTTPHandler struct {
	scheduler *Scheduler
	blobs     blob.Store
}

func NewHTTPHandler(s *Scheduler, blobs blob.Store) *HTTPHandler {
	return &HTTPHandler{scheduler: s, blobs: blobs}
}

func uploadName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload.csv"
	}
	return name
}

// Create handles POST /v1/imports (multipart: file, optional notify).
func (h *HTTPHandler) Create(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		httpx.JSONError(w, r, http.StatusBadRequest, "INVALID_UPLOAD", "expected a multipart form with a file field", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.JSONError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "file is required",
			[]httpx.ErrorDetail{{Field: "file", Message: "This field is required."}})
		return
	}
	defer file.Close()

	name := uploadName(header.Filename)
	if !strings.EqualFold(path.Ext(name), ".csv") {
		httpx.JSONError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "File is not a CSV",
			[]httpx.ErrorDetail{{Field: "file", Message: "File is not a CSV"}})
		return
	}
	key := "imports/" + uuid.NewString() + "/" + name
	userID := httpx.UserIDFrom(r)
	_, err = h.blobs.Put(r.Context(), key, file, blob.PutOptions{
		ContentType: "text/csv",
		Metadata:    map[string]string{"submitted_by": userID, "file": name},
	})
	if err != nil {
		log.Printf("ingest upload key=%s err=%v", key, err)
		httpx.JSONError(w, r, http.StatusInternalServerError, "UPLOAD_FAILED", "could not store upload", nil)
		return
	}

	run, err := h.scheduler.Submit(r.Context(), SubmitRequest{
		File:          name,
		BlobKey:       key,
		NotifyAddress: r.FormValue("notify"),
		SubmittedBy:   userID,
	})
	if err != nil {
		if _, derr := h.blobs.Delete(context.WithoutCancel(r.Context()), key); derr != nil {
			log.Printf("ingest cleanup key=%s err=%v", key, derr)
		}
		httpx.JSONError(w, r, http.StatusInternalServerError, "SUBMIT_FAILED", "could not schedule import", nil)
		return
	}
	httpx.JSONAccepted(w, r, map[string]interface{}{"task_id": run.ID, "status": run.Status})
}

// Get handles GET /v1/imports/{id}.
func (h *HTTPHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.scheduler.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeRunError(w, r, err)
		return
	}
	httpx.JSONSuccess(w, r, run, nil)
}

// List handles GET /v1/imports?limit=N.
func (h *HTTPHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			httpx.JSONError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 100", nil)
			return
		}
		limit = n
	}
	runs, err := h.scheduler.List(r.Context(), limit)
	if err != nil {
		writeRunError(w, r, err)
		return
	}
	httpx.JSONSuccess(w, r, runs, map[string]interface{}{"count": len(runs)})
}

// Cancel handles DELETE /v1/imports/{id}.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.scheduler.Cancel(r.Context(), id); err != nil {
		writeRunError(w, r, err)
		return
	}
	httpx.JSONAccepted(w, r, map[string]string{"task_id": id, "message": "cancellation requested"})
}

func writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrRunNotFound):
		httpx.JSONError(w, r, http.StatusNotFound, "NOT_FOUND", "import not found", nil)
	case errors.Is(err, ErrRunFinished):
		httpx.JSONError(w, r, http.StatusConflict, "IMPORT_FINISHED", err.Error(), nil)
	default:
		log.Printf("ingest request path=%s err=%v", r.URL.Path, err)
		httpx.JSONError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred", nil)
	}
}
