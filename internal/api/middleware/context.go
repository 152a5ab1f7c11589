package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/api/response"
)

type contextKey string

const ownerIDKey contextKey = "owner_id"

// OwnerHeader carries the caller's owner id.
const OwnerHeader = "X-Owner-ID"

func SetOwnerID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ownerIDKey, id)
}

func GetOwnerID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(ownerIDKey).(uuid.UUID)
	return id, ok
}

// Owner reads the owner id from the X-Owner-ID header and puts it on the request context.
// Requests without a valid id are rejected.
func Owner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if raw == "" {
			response.Error(w, http.StatusBadRequest,
				"INVALID_REQUEST", "Missing "+OwnerHeader+" header", nil)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil || id == uuid.Nil {
			response.Error(w, http.StatusBadRequest,
				"INVALID_REQUEST", OwnerHeader+" must be a UUID", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(SetOwnerID(r.Context(), id)))
	})
}
