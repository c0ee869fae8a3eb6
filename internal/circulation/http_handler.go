package circulation

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"libraryapi/internal/httpx"
)

type HTTPHandler struct {
	engine *Engine
}

func NewHTTPHandler(e *Engine) *HTTPHandler {
	return &HTTPHandler{engine: e}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *ConflictError
	switch {
	case errors.As(err, &ce):
		httpx.JSONError(w, r, http.StatusConflict, "COPY_STATE_CONFLICT", ce.Reason,
			[]httpx.ErrorDetail{{Field: "status", Message: string(ce.Status)}})
	case errors.Is(err, ErrNotFound):
		httpx.JSONError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	default:
		log.Printf("circulation request path=%s request_id=%s err=%v", r.URL.Path, httpx.RequestIDFrom(r.Context()), err)
		httpx.JSONError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred", nil)
	}
}

// Borrow handles POST /v1/copies/{id}/borrow.
func (h *HTTPHandler) Borrow(w http.ResponseWriter, r *http.Request) {
	entry, err := h.engine.Borrow(r.Context(), r.PathValue("id"), httpx.UserIDFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.JSONCreated(w, r, entry)
}

// Return handles POST /v1/copies/{id}/return.
func (h *HTTPHandler) Return(w http.ResponseWriter, r *http.Request) {
	entry, err := h.engine.Return(r.Context(), r.PathValue("id"), httpx.UserIDFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.JSONSuccess(w, r, entry, nil)
}

// Reserve handles POST /v1/copies/{id}/reserve.
func (h *HTTPHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	entry, err := h.engine.Reserve(r.Context(), r.PathValue("id"), httpx.UserIDFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.JSONSuccess(w, r, entry, nil)
}

// MarkMissing handles POST /v1/copies/{id}/missing.
func (h *HTTPHandler) MarkMissing(w http.ResponseWriter, r *http.Request) {
	entry, err := h.engine.MarkMissing(r.Context(), r.PathValue("id"), httpx.UserIDFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.JSONSuccess(w, r, entry, nil)
}

// Restore handles POST /v1/copies/{id}/restore.
func (h *HTTPHandler) Restore(w http.ResponseWriter, r *http.Request) {
	entry, err := h.engine.Restore(r.Context(), r.PathValue("id"), httpx.UserIDFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.JSONSuccess(w, r, entry, nil)
}

// History handles GET /v1/copies/{id}/history.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.JSONSuccess(w, r, entries, map[string]interface{}{"count": len(entries)})
}

// CreateCopy handles POST /v1/books/{id}/copies.
func (h *HTTPHandler) CreateCopy(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.CreateCopy(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.JSONCreated(w, r, c)
}

// ListCopies handles GET /v1/books/{id}/copies.
func (h *HTTPHandler) ListCopies(w http.ResponseWriter, r *http.Request) {
	copies, err := h.engine.Copies(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.JSONSuccess(w, r, copies, map[string]interface{}{"count": len(copies)})
}

// BorrowedReport handles GET /v1/reports/borrowed[?overdue=true].
func (h *HTTPHandler) BorrowedReport(w http.ResponseWriter, r *http.Request) {
	overdue := false
	if v := r.URL.Query().Get("overdue"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			httpx.JSONError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "overdue must be a boolean", nil)
			return
		}
		overdue = b
	}
	rows, err := h.engine.GenerateBorrowedReport(r.Context(), overdue)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.JSONSuccess(w, r, rows, map[string]interface{}{"count": len(rows), "overdue_only": overdue})
}

// Notifications handles GET /v1/me/notifications.
func (h *HTTPHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	userID := httpx.UserIDFrom(r)
	if userID == "" {
		httpx.JSONError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	ns, err := h.engine.Notifications(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.JSONSuccess(w, r, ns, map[string]interface{}{"count": len(ns)})
}
