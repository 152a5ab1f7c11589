package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultIdempotencyTTL is how long a submission key is remembered.
const DefaultIdempotencyTTL = 24 * time.Hour

// ErrInProgress means the first request carrying the key has not finished yet.
var ErrInProgress = errors.New("request with this idempotency key is still in progress")

// Idempotency records which job a client-supplied Idempotency-Key produced.
// A key is reserved with an empty value and filled with the job id on success.
type Idempotency struct {
	cache Cache
	ttl   time.Duration
}

func NewIdempotency(c Cache, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Idempotency{cache: c, ttl: ttl}
}

// Reserve claims key for the owner. reserved is true when the caller now owns the key
// and must Complete or Release it. Otherwise jobID is the job created by the earlier
// request, or the error is ErrInProgress.
func (i *Idempotency) Reserve(ctx context.Context, ownerID uuid.UUID, key string) (jobID uuid.UUID, reserved bool, err error) {
	k := IdempotencyKey(ownerID, key)
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := i.cache.SetNX(ctx, k, nil, i.ttl)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("reserving idempotency key: %w", err)
		}
		if ok {
			return uuid.Nil, true, nil
		}

		raw, found, err := i.cache.Get(ctx, k)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("reading idempotency key: %w", err)
		}
		if !found {
			// released or expired between the two calls
			continue
		}
		if len(raw) == 0 {
			return uuid.Nil, false, ErrInProgress
		}
		id, err := uuid.ParseBytes(raw)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("corrupt idempotency record %q: %w", k, err)
		}
		return id, false, nil
	}
	return uuid.Nil, false, ErrInProgress
}

// Complete stores the job created under a reserved key.
func (i *Idempotency) Complete(ctx context.Context, ownerID uuid.UUID, key string, jobID uuid.UUID) error {
	return i.cache.Set(ctx, IdempotencyKey(ownerID, key), []byte(jobID.String()), i.ttl)
}

// Release frees a reserved key so the client can retry after a failed request.
func (i *Idempotency) Release(ctx context.Context, ownerID uuid.UUID, key string) error {
	return i.cache.Delete(ctx, IdempotencyKey(ownerID, key))
}
