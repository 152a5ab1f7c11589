// Package events carries StateStore change notifications to per-owner subscribers.
// The push channel is an optimisation: subscribers that miss events recover with a plain read.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entity types.
const (
	EntityJob  = "job"
	EntityItem = "item"
)

// Change kinds.
const (
	ChangeInsert = "insert"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

var ErrBrokerClosed = errors.New("event broker closed")

// Event describes one committed change to a job or item row. Version is the row version
// after the change (or before it, for deletes) and orders events for the same entity.
type Event struct {
	EntityType string          `json:"entity_type"`
	ChangeKind string          `json:"change_kind"`
	EntityID   uuid.UUID       `json:"entity_id"`
	OwnerID    uuid.UUID       `json:"owner_id"`
	JobID      uuid.UUID       `json:"job_id"`
	Version    int64           `json:"version"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher fans an event out to the subscribers of its owner.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber opens an owner-scoped event stream. The returned channel is closed when
// ctx is cancelled or the transport fails.
type Subscriber interface {
	Subscribe(ctx context.Context, ownerID uuid.UUID) (<-chan Event, error)
}

// Broker is both ends of the transport.
type Broker interface {
	Publisher
	Subscriber
}

// New builds an event for an entity snapshot. before or after may be nil.
func New(entityType, kind string, entityID, ownerID, jobID uuid.UUID, version int64, before, after any) (Event, error) {
	evt := Event{
		EntityType: entityType,
		ChangeKind: kind,
		EntityID:   entityID,
		OwnerID:    ownerID,
		JobID:      jobID,
		Version:    version,
		OccurredAt: time.Now().UTC(),
	}
	if before != nil {
		b, err := json.Marshal(before)
		if err != nil {
			return Event{}, fmt.Errorf("encoding before image: %w", err)
		}
		evt.Before = b
	}
	if after != nil {
		b, err := json.Marshal(after)
		if err != nil {
			return Event{}, fmt.Errorf("encoding after image: %w", err)
		}
		evt.After = b
	}
	return evt, nil
}

// Decode unmarshals the after image (or, for deletes, the before image) into v.
func (e Event) Decode(v any) error {
	raw := e.After
	if len(raw) == 0 {
		raw = e.Before
	}
	if len(raw) == 0 {
		return fmt.Errorf("event %s/%s has no payload", e.EntityType, e.EntityID)
	}
	return json.Unmarshal(raw, v)
}
