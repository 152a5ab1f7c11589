package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/queue"
	"golang.org/x/sync/singleflight"
)

// JobRunner runs one job to completion.
type JobRunner interface {
	RunJob(ctx context.Context, jobID uuid.UUID) (*JobOutcome, error)
}

// Leaser grants a job's run lease to one worker at a time across processes.
type Leaser interface {
	Acquire(ctx context.Context, jobID uuid.UUID) (release func(), ok bool, err error)
}

// Runner consumes job IDs from the queue and runs up to concurrency jobs at once.
// Concurrent requests for the same job share one run within the process; with a
// Leaser, a job already running in another worker is skipped.
type Runner struct {
	queue       queue.Queue
	jobs        JobRunner
	lease       Leaser
	concurrency int
	wait        time.Duration
	group       singleflight.Group
	logger      *slog.Logger
}

func NewRunner(q queue.Queue, jobs JobRunner, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{
		queue:       q,
		jobs:        jobs,
		concurrency: concurrency,
		wait:        5 * time.Second,
		logger:      slog.Default().With("component", "runner"),
	}
}

// WithLease makes the runner hold l's lease for the whole of each job run.
func (r *Runner) WithLease(l Leaser) *Runner {
	r.lease = l
	return r
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs.
func (r *Runner) Run(ctx context.Context) error {
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		jobID, err := r.queue.Dequeue(ctx, r.wait)
		if err != nil {
			<-sem
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, queue.ErrEmpty):
			default:
				r.logger.Error("dequeueing job", "error", err)
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return nil
				}
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r.RunOnce(ctx, jobID)
		}()
	}
}

// RunOnce runs a single job, collapsing concurrent calls for the same ID.
func (r *Runner) RunOnce(ctx context.Context, jobID uuid.UUID) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic running job", "job_id", jobID, "error", rec)
		}
	}()

	_, err, shared := r.group.Do(jobID.String(), func() (interface{}, error) {
		if r.lease == nil {
			return r.jobs.RunJob(ctx, jobID)
		}
		release, ok, err := r.lease.Acquire(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.logger.Debug("job running in another worker, skipping", "job_id", jobID)
			return nil, nil
		}
		defer release()
		return r.jobs.RunJob(ctx, jobID)
	})
	if err != nil {
		if errors.Is(err, ErrConsistency) {
			r.logger.Warn("job vanished before it could run", "job_id", jobID, "error", err)
			return
		}
		r.logger.Error("running job", "job_id", jobID, "error", err)
		return
	}
	if shared {
		r.logger.Debug("joined in-flight run", "job_id", jobID)
	}
}
