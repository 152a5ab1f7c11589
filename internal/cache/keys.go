package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const keyPrefix = "adbatch"

// RateLimitKey names the owner's request counter for the fixed window starting at window.
func RateLimitKey(ownerID uuid.UUID, window time.Time) string {
	return fmt.Sprintf("%s:ratelimit:%s:%d", keyPrefix, ownerID, window.Unix())
}

// IdempotencyKey scopes a client-supplied Idempotency-Key header to its owner.
func IdempotencyKey(ownerID uuid.UUID, key string) string {
	return fmt.Sprintf("%s:idempotency:%s:%s", keyPrefix, ownerID, key)
}

// RunLeaseKey names the lease a worker holds while it runs a job.
func RunLeaseKey(jobID uuid.UUID) string {
	return fmt.Sprintf("%s:runlease:%s", keyPrefix, jobID)
}
