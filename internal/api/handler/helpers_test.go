package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/api/handler"
	mw "github.com/kiranshivaraju/adbatch/internal/api/middleware"
	"github.com/kiranshivaraju/adbatch/internal/cache"
	"github.com/kiranshivaraju/adbatch/internal/credentials"
	"github.com/kiranshivaraju/adbatch/internal/events"
	"github.com/kiranshivaraju/adbatch/internal/pipeline"
	"github.com/kiranshivaraju/adbatch/internal/queue"
	"github.com/kiranshivaraju/adbatch/internal/store"
	"github.com/stretchr/testify/require"
)

const testProvider = "imagegen"

// --- test server ---

type testEnv struct {
	store  *store.MemoryStore
	queue  *queue.MemoryQueue
	cache  *cache.MemoryCache
	broker *events.MemoryBroker
	creds  *credentials.Resolver
	orch   *pipeline.Orchestrator
	router http.Handler
	owner  uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue(64)
	vault, err := credentials.NewVault(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	creds := credentials.NewResolver(st, vault)
	orch := pipeline.NewOrchestrator(st, q, creds, testProvider)
	broker := events.NewMemoryBroker(16)
	t.Cleanup(broker.Close)

	env := &testEnv{
		store:  st,
		queue:  q,
		cache:  cache.NewMemoryCache(),
		broker: broker,
		creds:  creds,
		orch:   orch,
		owner:  uuid.New(),
	}

	r := chi.NewRouter()
	r.Use(mw.Owner)
	r.Post("/api/v1/jobs", handler.NewCreateJobHandler(orch, st, cache.NewIdempotency(env.cache, 0)))
	r.Get("/api/v1/jobs", handler.NewListJobsHandler(st))
	r.Get("/api/v1/jobs/{jobID}", handler.NewGetJobHandler(st))
	r.Post("/api/v1/jobs/{jobID}/cancel", handler.NewCancelJobHandler(orch))
	r.Delete("/api/v1/jobs/{jobID}", handler.NewDeleteJobHandler(orch))
	r.Get("/api/v1/gallery", handler.NewGalleryHandler(st))
	r.Put("/api/v1/credentials/{provider}", handler.NewPutCredentialHandler(creds))
	env.router = r
	return env
}

func (e *testEnv) allowOwner(t *testing.T) {
	t.Helper()
	require.NoError(t, e.creds.Put(context.Background(), e.owner, testProvider, "sk-owner"))
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(mw.OwnerHeader, e.owner.String())
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func jobBody(styles ...string) map[string]any {
	vs := make([]map[string]string, len(styles))
	for i, s := range styles {
		vs[i] = map[string]string{"style_id": s, "platform": "instagram", "aspect_ratio": "1:1"}
	}
	return map[string]any{
		"source_image_ref": "s3://uploads/product.png",
		"variants":         vs,
	}
}

func dataOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

func listOf(t *testing.T, rec *httptest.ResponseRecorder) ([]any, map[string]any) {
	t.Helper()
	var env struct {
		Data []any          `json:"data"`
		Meta map[string]any `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data, env.Meta
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error.Code
}
