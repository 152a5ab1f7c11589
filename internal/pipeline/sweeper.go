package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/adbatch/internal/queue"
	"github.com/kiranshivaraju/adbatch/internal/store"
	"github.com/robfig/cron/v3"
)

// SweepConfig tunes the periodic sweep.
type SweepConfig struct {
	Schedule     string
	StaleAfter   time.Duration
	CleanupGrace time.Duration
}

// SweepResult reports what one sweep did.
type SweepResult struct {
	Requeued int
	Enqueued int
	Deleted  int
}

// Sweeper is the scheduling tick: it releases stale claims, re-enqueues jobs with
// pending items and deletes finished jobs past the cleanup grace window.
type Sweeper struct {
	store  store.Store
	queue  queue.Queue
	orch   *Orchestrator
	cfg    SweepConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewSweeper(st store.Store, q queue.Queue, orch *Orchestrator, cfg SweepConfig) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	return &Sweeper{
		store:  st,
		queue:  q,
		orch:   orch,
		cfg:    cfg,
		logger: slog.Default().With("component", "sweeper"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	stale, err := s.store.RequeueStaleItems(ctx, s.now().Add(-s.cfg.StaleAfter))
	if err != nil {
		return res, fmt.Errorf("requeueing stale items: %w", err)
	}
	res.Requeued = len(stale)
	for _, it := range stale {
		s.logger.Warn("released stale item claim", "job_id", it.JobID, "item_id", it.ID)
	}

	ids, err := s.store.ListJobsWithPendingItems(ctx, 100)
	if err != nil {
		return res, fmt.Errorf("listing jobs with pending items: %w", err)
	}
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, id); err != nil {
			return res, fmt.Errorf("re-enqueueing job %s: %w", id, err)
		}
		res.Enqueued++
	}

	res.Deleted, err = s.orch.Cleanup(ctx, s.cfg.CleanupGrace)
	if err != nil {
		return res, err
	}
	return res, nil
}

// Start schedules Sweep on the configured cron spec until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		res, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("sweep failed", "error", err)
			return
		}
		if res != (SweepResult{}) {
			s.logger.Info("sweep finished", "requeued", res.Requeued, "enqueued", res.Enqueued, "deleted", res.Deleted)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}

	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
