package syncclient_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/events"
	"github.com/kiranshivaraju/adbatch/internal/syncclient"
	"github.com/kiranshivaraju/adbatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeData(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func TestHTTPSource_FetchJobs(t *testing.T) {
	owner := uuid.New()
	j := job(owner, models.JobStatusGenerating, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs", r.URL.Path)
		assert.Equal(t, owner.String(), r.Header.Get("X-Owner-ID"))
		assert.Equal(t, "200", r.URL.Query().Get("limit"))
		writeData(w, []*models.Job{j})
	}))
	defer srv.Close()

	jobs, err := syncclient.NewHTTPSource(srv.URL, nil).FetchJobs(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, j.ID, jobs[0].ID)
	assert.Equal(t, models.JobStatusGenerating, jobs[0].Status)
}

func TestHTTPSource_FetchGallery(t *testing.T) {
	owner := uuid.New()
	img := &models.GalleryImage{ID: uuid.New(), OwnerID: owner, ImageURL: "https://cdn.example.com/1.png"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/gallery", r.URL.Path)
		writeData(w, []*models.GalleryImage{img})
	}))
	defer srv.Close()

	images, err := syncclient.NewHTTPSource(srv.URL, nil).FetchGallery(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, img.ImageURL, images[0].ImageURL)
}

func TestHTTPSource_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := syncclient.NewHTTPSource(srv.URL, nil).FetchJobs(context.Background(), uuid.New())
	assert.ErrorIs(t, err, syncclient.ErrSource)
}

func TestHTTPSource_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	_, err := syncclient.NewHTTPSource(srv.URL, nil).FetchJobs(context.Background(), uuid.New())
	assert.ErrorIs(t, err, syncclient.ErrSource)
}

// eventServer streams one event per connection and then hangs up.
func eventServer(t *testing.T, owner uuid.UUID, connections *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connections.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n: ping\n\n")

		j := job(owner, models.JobStatusGenerating, int64(n))
		evt, err := events.New(events.EntityJob, events.ChangeUpdate, j.ID, owner, j.ID, j.Version, nil, j)
		if !assert.NoError(t, err) {
			return
		}
		payload, _ := json.Marshal(evt)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		w.(http.Flusher).Flush()
	}))
}

func TestHTTPSource_SubscribeReconnectsWithResync(t *testing.T) {
	owner := uuid.New()
	var connections atomic.Int32
	srv := eventServer(t, owner, &connections)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := syncclient.NewHTTPSource(srv.URL, nil).WithRetry(5*time.Millisecond, 20*time.Millisecond)
	ch, err := src.Subscribe(ctx, owner)
	require.NoError(t, err)

	var kinds []string
	timeout := time.After(2 * time.Second)
	for len(kinds) < 3 {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.ChangeKind)
		case <-timeout:
			t.Fatalf("timed out, got %v", kinds)
		}
	}

	assert.Equal(t, []string{events.ChangeUpdate, syncclient.ChangeResync, events.ChangeUpdate}, kinds)
	assert.GreaterOrEqual(t, connections.Load(), int32(2))

	cancel()
	for range ch {
	}
}

func TestHTTPSource_SubscribeInitialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := syncclient.NewHTTPSource(srv.URL, nil).Subscribe(context.Background(), uuid.New())
	assert.ErrorIs(t, err, syncclient.ErrSource)
}

func TestHTTPSource_DrivesCacheEndToEnd(t *testing.T) {
	owner := uuid.New()
	var connections atomic.Int32
	var fetches atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs", func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		writeData(w, []*models.Job{})
	})
	evSrv := eventServer(t, owner, &connections)
	defer evSrv.Close()
	mux.Handle("/api/v1/events", evSrv.Config.Handler)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := syncclient.NewHTTPSource(srv.URL, nil).WithRetry(5*time.Millisecond, 10*time.Millisecond)
	c := syncclient.New(src, src, syncclient.Config{RefreshInterval: time.Hour})
	defer c.Close()

	_, err := c.Get(context.Background(), owner, false)
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(context.Background(), owner))

	// every reconnect forces a full read
	require.Eventually(t, func() bool { return fetches.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}
