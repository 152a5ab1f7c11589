// Package pipeline turns a submitted job into independently tracked items and drives
// them through the provider in bounded waves.
package pipeline

import (
	"errors"

	"github.com/kiranshivaraju/adbatch/internal/provider"
)

var (
	// ErrValidation rejects bad input before anything is persisted. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrQuotaExceeded means the owner has no usable provider credential.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrProvider is a submission or poll failure. Retried up to the retry budget.
	ErrProvider = provider.ErrProvider
	// ErrTimeout is a poll that ran out of budget. Retried like ErrProvider.
	ErrTimeout = errors.New("generation timed out")
	// ErrPersistence is a failed store write. The caller retries on the next sweep.
	ErrPersistence = errors.New("persistence error")
	// ErrConsistency is a write for an item or job that no longer exists. The write is discarded.
	ErrConsistency = errors.New("consistency error")
)
