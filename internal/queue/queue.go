// Package queue hands job IDs from the API to the workers. A job ID in the queue is a
// hint to run the job; the store decides what work is actually left.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Dequeue when nothing arrived before the wait elapsed.
var ErrEmpty = errors.New("queue empty")

// Queue is a FIFO of job IDs. Duplicates are allowed.
type Queue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
	// Dequeue blocks up to wait for the next job ID.
	Dequeue(ctx context.Context, wait time.Duration) (uuid.UUID, error)
}

// RedisQueue is a Redis list used with LPUSH / BRPOP.
type RedisQueue struct {
	client *redis.Client
	name   string
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{client: client, name: name}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	if err := q.client.LPush(ctx, q.name, jobID.String()).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (uuid.UUID, error) {
	vals, err := q.client.BRPop(ctx, wait, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, ErrEmpty
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(vals) < 2 {
		return uuid.Nil, fmt.Errorf("unexpected BRPOP response: %v", vals)
	}
	id, err := uuid.Parse(vals[1])
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse queued job id %q: %w", vals[1], err)
	}
	return id, nil
}

// Len returns the number of queued IDs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

// MemoryQueue is a bounded in-process Queue.
type MemoryQueue struct {
	ch chan uuid.UUID
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan uuid.UUID, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	select {
	case q.ch <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (uuid.UUID, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case id := <-q.ch:
		return id, nil
	case <-timer.C:
		return uuid.Nil, ErrEmpty
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

var (
	_ Queue = (*RedisQueue)(nil)
	_ Queue = (*MemoryQueue)(nil)
)
