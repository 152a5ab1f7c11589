package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/adbatch/internal/api/middleware"
	"github.com/kiranshivaraju/adbatch/internal/api/response"
)

type CredentialWriter interface {
	Put(ctx context.Context, ownerID uuid.UUID, provider, apiKey string) error
}

// NewPutCredentialHandler returns an http.HandlerFunc for PUT /api/v1/credentials/{provider}.
// The stored key is never echoed back.
func NewPutCredentialHandler(creds CredentialWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Missing owner", nil)
			return
		}
		provider := strings.TrimSpace(chi.URLParam(r, "provider"))
		if provider == "" {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "provider is required", nil)
			return
		}

		var req struct {
			APIKey string `json:"api_key"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}

		if err := creds.Put(r.Context(), ownerID, provider, req.APIKey); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
