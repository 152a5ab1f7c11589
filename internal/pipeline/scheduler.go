package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/credentials"
	"github.com/kiranshivaraju/adbatch/internal/store"
	"github.com/kiranshivaraju/adbatch/pkg/models"
	"golang.org/x/sync/errgroup"
)

// KeyResolver opens the owner's provider API key.
type KeyResolver interface {
	Resolve(ctx context.Context, ownerID uuid.UUID, provider string) (string, error)
}

// JobOutcome summarises one RunJob call.
type JobOutcome struct {
	Job       *models.Job
	Waves     int
	Succeeded int
	Retried   int
	Failed    int
	Skipped   int
	Cancelled bool
}

// Scheduler runs a job's pending items in waves of bounded size. A wave is joined
// before the job is recomputed and the next wave is picked.
type Scheduler struct {
	store    store.Store
	orch     *Orchestrator
	proc     *Processor
	keys     KeyResolver
	provider string
	waveSize int
	logger   *slog.Logger
}

func NewScheduler(st store.Store, orch *Orchestrator, proc *Processor, keys KeyResolver, providerName string, waveSize int) *Scheduler {
	if waveSize <= 0 {
		waveSize = 5
	}
	return &Scheduler{
		store:    st,
		orch:     orch,
		proc:     proc,
		keys:     keys,
		provider: providerName,
		waveSize: waveSize,
		logger:   slog.Default().With("component", "scheduler"),
	}
}

// RunJob processes the job until no pending items remain, the job is cancelled, or a
// wave makes no progress.
func (s *Scheduler) RunJob(ctx context.Context, jobID uuid.UUID) (*JobOutcome, error) {
	log := s.logger.With("job_id", jobID)

	job, err := s.store.GetJobByID(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: job %s no longer exists", ErrConsistency, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	out := &JobOutcome{Job: job}
	if job.Terminal() {
		out.Cancelled = job.Status == models.JobStatusCancelled
		return out, nil
	}

	run := RunContext{Job: job}
	if s.keys != nil {
		key, err := s.keys.Resolve(ctx, job.OwnerID, s.provider)
		switch {
		case errors.Is(err, credentials.ErrNoCredential), errors.Is(err, credentials.ErrCorrupt):
			run.KeyErr = fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		case err != nil:
			return nil, fmt.Errorf("resolving provider key: %w", err)
		default:
			run.APIKey = key
		}
	}

	if job, err = s.orch.MarkGenerating(ctx, jobID); err != nil {
		return nil, err
	}
	run.Job = job

	for ctx.Err() == nil {
		current, err := s.store.GetJobByID(ctx, jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: job %s deleted during run", ErrConsistency, jobID)
			}
			return nil, fmt.Errorf("reloading job: %w", err)
		}
		if current.Status == models.JobStatusCancelled {
			log.Info("job cancelled, stopping at wave boundary", "waves", out.Waves)
			out.Cancelled = true
			break
		}

		wave, err := s.store.ListPendingItems(ctx, jobID, s.waveSize)
		if err != nil {
			return nil, fmt.Errorf("listing pending items: %w", err)
		}
		if len(wave) == 0 {
			break
		}

		outcomes := s.runWave(ctx, run, wave)
		out.Waves++
		progressed := false
		for _, o := range outcomes {
			switch o.Kind {
			case OutcomeSucceeded:
				out.Succeeded++
				progressed = true
			case OutcomeRetry:
				out.Retried++
				progressed = true
			case OutcomeFailed:
				out.Failed++
				progressed = true
			default:
				out.Skipped++
			}
		}

		if _, err := s.orch.RecomputeJobStatus(ctx, jobID); err != nil {
			if errors.Is(err, ErrConsistency) {
				return nil, err
			}
			log.Warn("recomputing job after wave", "wave", out.Waves, "error", err)
		}

		if !progressed {
			log.Warn("wave made no progress, leaving remaining items to the sweeper", "wave", out.Waves)
			break
		}
	}

	final, err := s.orch.RecomputeJobStatus(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return nil, err
	}
	out.Job = final

	log.Info("job run finished",
		"status", final.Status,
		"waves", out.Waves,
		"succeeded", out.Succeeded,
		"retried", out.Retried,
		"failed", out.Failed,
		"skipped", out.Skipped,
	)
	return out, nil
}

// runWave processes every item of the wave concurrently and waits for all of them.
func (s *Scheduler) runWave(ctx context.Context, run RunContext, wave []*models.JobItem) []Outcome {
	outcomes := make([]Outcome, len(wave))
	var g errgroup.Group
	for i, item := range wave {
		g.Go(func() error {
			outcomes[i] = s.proc.Process(ctx, run, item)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
