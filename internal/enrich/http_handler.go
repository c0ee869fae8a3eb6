package enrich

import (
	"errors"
	"log"
	"net/http"

	"libraryapi/internal/httpx"
	"libraryapi/internal/validation"
)

type HTTPHandler struct {
	service *Service
}

func NewHTTPHandler(service *Service) *HTTPHandler {
	return &HTTPHandler{service: service}
}

// Run handles POST /v1/admin/enrich.
func (h *HTTPHandler) Run(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Run(r.Context())
	if err != nil {
		log.Printf("enrich run request_id=%s err=%v", httpx.RequestIDFrom(r.Context()), err)
		httpx.JSONError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred", nil)
		return
	}
	httpx.JSONSuccess(w, r, res, nil)
}

// UpdateAmazonIDs handles POST /v1/books/amazon-ids.
func (h *HTTPHandler) UpdateAmazonIDs(w http.ResponseWriter, r *http.Request) {
	var req []AmazonIDUpdate
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.JSONError(w, r, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body", nil)
		return
	}

	books, err := h.service.SetAmazonIDs(r.Context(), req)
	if err != nil {
		var re *validation.RowError
		if errors.As(err, &re) {
			details := make([]httpx.ErrorDetail, len(re.Fields))
			for i, f := range re.Fields {
				details[i] = httpx.ErrorDetail{Field: f.Field, Message: f.Message}
			}
			httpx.JSONError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), details)
			return
		}
		log.Printf("enrich update request_id=%s err=%v", httpx.RequestIDFrom(r.Context()), err)
		httpx.JSONError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred", nil)
		return
	}
	httpx.JSONSuccess(w, r, books, map[string]interface{}{"updated": len(books)})
}
