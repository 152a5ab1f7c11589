// Package provider talks to the external image-generation service, an opaque
// submit -> task handle -> poll -> terminal result API.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/pkg/models"
)

// ErrProvider marks any submission or status failure: transport errors, non-2xx
// responses, malformed bodies, or an open circuit breaker.
var ErrProvider = errors.New("provider error")

// Task statuses reported by the provider.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// SubmitRequest asks the provider to generate one variant. Attempt is 1-based.
type SubmitRequest struct {
	APIKey  string
	ItemID  uuid.UUID
	Attempt int
	Params  models.JobParams
	Variant models.Variant
}

// IdempotencyKey identifies one attempt of one item. A provider that dedups on it
// replays a lost response within the attempt but starts a fresh task on retry.
func (r SubmitRequest) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", r.ItemID, r.Attempt)
}

// TaskStatus is one poll result. ResultRef is set when Status is completed and Error
// when it is failed.
type TaskStatus struct {
	Status    string
	ResultRef string
	Error     string
}

// Terminal reports whether polling can stop.
func (s TaskStatus) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// Client is the ExternalGenerationClient. Implementations must be safe for concurrent use.
type Client interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (handle string, err error)
	Status(ctx context.Context, apiKey, handle string) (TaskStatus, error)
}
