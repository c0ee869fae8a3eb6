package wishlist

import (
	"errors"
	"log"
	"net/http"

	"libraryapi/internal/httpx"
)

type HTTPHandler struct {
	service *Service
}

func NewHTTPHandler(service *Service) *HTTPHandler {
	return &HTTPHandler{service: service}
}

// Add handles POST /v1/books/{id}/wishlist.
func (h *HTTPHandler) Add(w http.ResponseWriter, r *http.Request) {
	userID := httpx.UserIDFrom(r)
	if userID == "" {
		httpx.JSONError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	entry, err := h.service.Add(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.JSONError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
			return
		}
		log.Printf("wishlist add user_id=%s err=%v", userID, err)
		httpx.JSONError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred", nil)
		return
	}
	httpx.JSONCreated(w, r, entry)
}

// Remove handles DELETE /v1/books/{id}/wishlist.
func (h *HTTPHandler) Remove(w http.ResponseWriter, r *http.Request) {
	userID := httpx.UserIDFrom(r)
	if userID == "" {
		httpx.JSONError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	removed, err := h.service.Remove(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		log.Printf("wishlist remove user_id=%s err=%v", userID, err)
		httpx.JSONError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred", nil)
		return
	}
	if !removed {
		httpx.JSONError(w, r, http.StatusNotFound, "NOT_FOUND", "Book is not on your wishlist", nil)
		return
	}
	httpx.JSONNoContent(w)
}

// Mine handles GET /v1/me/wishlist.
func (h *HTTPHandler) Mine(w http.ResponseWriter, r *http.Request) {
	userID := httpx.UserIDFrom(r)
	if userID == "" {
		httpx.JSONError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	entries, err := h.service.List(r.Context(), userID)
	if err != nil {
		log.Printf("wishlist list user_id=%s err=%v", userID, err)
		httpx.JSONError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred", nil)
		return
	}
	httpx.JSONSuccess(w, r, entries, map[string]interface{}{"count": len(entries)})
}
