package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/review"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encoding response", "path", r.URL.Path, "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	h.writeJSON(w, r, status, errorResponse{Error: msg})
}

// writeServiceError maps domain errors onto HTTP status codes. Anything
// unclassified is a 500 and gets logged with its cause; classified errors
// carry their message to the client as-is.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrJobNotFound),
		errors.Is(err, model.ErrRowNotFound),
		errors.Is(err, model.ErrTemplateNotFound):
		h.writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrWrongStatus),
		errors.Is(err, model.ErrJobLocked),
		errors.Is(err, review.ErrAlreadyMaterialized):
		h.writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, review.ErrNotReviewable):
		h.writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, model.ErrForbidden):
		h.writeError(w, r, http.StatusForbidden, err.Error())
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
