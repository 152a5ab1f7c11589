package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/adbatch/internal/api/middleware"
	"github.com/kiranshivaraju/adbatch/internal/api/response"
	"github.com/kiranshivaraju/adbatch/internal/store"
	"github.com/kiranshivaraju/adbatch/pkg/models"
)

type GalleryReader interface {
	ListGallery(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.GalleryImage, error)
}

// NewGalleryHandler returns an http.HandlerFunc for GET /api/v1/gallery.
func NewGalleryHandler(g GalleryReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Missing owner", nil)
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
					"limit must be a positive integer", nil)
				return
			}
			limit = n
		}
		limit = store.NormalizeLimit(limit)

		images, err := g.ListGallery(r.Context(), ownerID, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if images == nil {
			images = []*models.GalleryImage{}
		}
		response.List(w, images, response.ListMeta{Count: len(images), Limit: limit})
	}
}
