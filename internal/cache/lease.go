package cache

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultRunLeaseTTL bounds how long a crashed worker's lease blocks other workers.
const DefaultRunLeaseTTL = time.Minute

// RunLease hands out one lease per job across every worker sharing the cache.
// A held lease is renewed in the background until released.
type RunLease struct {
	cache Cache
	ttl   time.Duration
}

func NewRunLease(c Cache, ttl time.Duration) *RunLease {
	if ttl <= 0 {
		ttl = DefaultRunLeaseTTL
	}
	return &RunLease{cache: c, ttl: ttl}
}

// Acquire takes the job's lease. ok is false when another worker holds it. The
// returned release stops renewal and frees the lease; it is nil unless ok.
func (l *RunLease) Acquire(ctx context.Context, jobID uuid.UUID) (release func(), ok bool, err error) {
	key := RunLeaseKey(jobID)
	token := []byte(uuid.NewString())
	ok, err = l.cache.SetNX(ctx, key, token, l.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring run lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.renew(ctx, key, token, stop)
	}()

	return func() {
		close(stop)
		<-done
		l.drop(context.WithoutCancel(ctx), key, token)
	}, true, nil
}

func (l *RunLease) renew(ctx context.Context, key string, token []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !l.owns(ctx, key, token) {
			slog.Warn("run lease lost", "key", key)
			return
		}
		if err := l.cache.Set(ctx, key, token, l.ttl); err != nil {
			slog.Warn("renewing run lease", "key", key, "error", err)
		}
	}
}

// drop deletes the lease only while it still carries token.
func (l *RunLease) drop(ctx context.Context, key string, token []byte) {
	if !l.owns(ctx, key, token) {
		return
	}
	if err := l.cache.Delete(ctx, key); err != nil {
		slog.Warn("releasing run lease", "key", key, "error", err)
	}
}

func (l *RunLease) owns(ctx context.Context, key string, token []byte) bool {
	cur, found, err := l.cache.Get(ctx, key)
	return err == nil && found && bytes.Equal(cur, token)
}
