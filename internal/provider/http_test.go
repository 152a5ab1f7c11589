package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHTTPClient("imagegen", ts.URL, 5*time.Second)
}

func TestSubmit_SendsVariantAndKey(t *testing.T) {
	itemID := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/tasks", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, itemID.String()+":2", r.Header.Get("Idempotency-Key"))

		var body submitBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "s3://src.png", body.SourceImageRef)
		assert.Equal(t, "bold", body.StyleID)
		assert.Equal(t, "tiktok", body.Platform)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(submitResponse{TaskID: "task-42"})
	})

	handle, err := c.Submit(context.Background(), SubmitRequest{
		APIKey:  "sk-test",
		ItemID:  itemID,
		Attempt: 2,
		Params:  models.JobParams{SourceImageRef: "s3://src.png", Quality: models.QualityHigh},
		Variant: models.Variant{StyleID: "bold", Platform: "tiktok", AspectRatio: "9:16"},
	})
	require.NoError(t, err)
	assert.Equal(t, "task-42", handle)
}

func TestSubmit_Non2xxIsProviderError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := c.Submit(context.Background(), SubmitRequest{ItemID: uuid.New()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvider)
	assert.Contains(t, err.Error(), "503")
}

func TestSubmit_MissingTaskID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{}`))
	})

	_, err := c.Submit(context.Background(), SubmitRequest{ItemID: uuid.New()})
	assert.ErrorIs(t, err, ErrProvider)
}

func TestStatus_Responses(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantErr   bool
		want      TaskStatus
		wantFinal bool
	}{
		{name: "processing", body: `{"status":"processing"}`, want: TaskStatus{Status: StatusProcessing}},
		{name: "pending", body: `{"status":"pending"}`, want: TaskStatus{Status: StatusPending}},
		{name: "completed", body: `{"status":"completed","result_url":"https://cdn/x.png"}`,
			want: TaskStatus{Status: StatusCompleted, ResultRef: "https://cdn/x.png"}, wantFinal: true},
		{name: "failed", body: `{"status":"failed","error":"nsfw"}`,
			want: TaskStatus{Status: StatusFailed, Error: "nsfw"}, wantFinal: true},
		{name: "completed without url", body: `{"status":"completed"}`, wantErr: true},
		{name: "unknown status", body: `{"status":"exploded"}`, wantErr: true},
		{name: "malformed", body: `{"status":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/tasks/task-1", r.URL.Path)
				w.Write([]byte(tt.body))
			})

			st, err := c.Status(context.Background(), "sk", "task-1")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProvider)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, st)
			assert.Equal(t, tt.wantFinal, st.Terminal())
		})
	}
}

func TestStatus_ContextCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Status(ctx, "", "task-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrProvider)
}

func TestStatus_Unreachable(t *testing.T) {
	c := NewHTTPClient("imagegen", "http://127.0.0.1:1", time.Second)
	_, err := c.Status(context.Background(), "", "task-1")
	assert.ErrorIs(t, err, ErrProvider)
}
