package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/adbatch/internal/api/response"
	"github.com/kiranshivaraju/adbatch/internal/credentials"
	"github.com/kiranshivaraju/adbatch/internal/pipeline"
	"github.com/kiranshivaraju/adbatch/internal/store"
)

// writeError maps domain errors onto the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrValidation), errors.Is(err, credentials.ErrEmptyAPIKey):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, pipeline.ErrQuotaExceeded):
		response.Error(w, http.StatusForbidden, response.CodeQuotaExceeded, err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Job not found", nil)
	case errors.Is(err, store.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, response.CodeInvalidTransition,
			"Job can no longer be cancelled", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, response.CodeInternal,
			"An unexpected error occurred", nil)
	}
}
