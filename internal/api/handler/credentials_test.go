package handler_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutCredential(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/credentials/imagegen", map[string]string{"api_key": "sk-live-123"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-live-123")

	key, err := env.creds.Resolve(context.Background(), env.owner, "imagegen")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", key)

	rec = env.do(t, http.MethodPost, "/api/v1/jobs", jobBody("bold"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestPutCredential_EmptyKey(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/credentials/imagegen", map[string]string{"api_key": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errCode(t, rec))
}

func TestPutCredential_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/credentials/imagegen", "nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
