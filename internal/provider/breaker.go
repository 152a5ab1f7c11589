package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures Breaker.
type BreakerSettings struct {
	FailureRatio float64
	MinRequests  uint32
	OpenTimeout  time.Duration
}

// Breaker wraps a Client in a circuit breaker. Only ErrProvider failures count
// against the provider; caller cancellation does not.
type Breaker struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(next Client, s BreakerSettings) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    next.Name(),
		Timeout: s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrProvider)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("provider circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Name() string { return b.next.Name() }

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Submit(ctx, req)
	})
	if err != nil {
		return "", breakerError(err)
	}
	return out.(string), nil
}

func (b *Breaker) Status(ctx context.Context, apiKey, handle string) (TaskStatus, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Status(ctx, apiKey, handle)
	})
	if err != nil {
		return TaskStatus{}, breakerError(err)
	}
	return out.(TaskStatus), nil
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return err
}

var _ Client = (*Breaker)(nil)
