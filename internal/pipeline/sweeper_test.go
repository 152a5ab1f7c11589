package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/pipeline"
	"github.com/kiranshivaraju/adbatch/internal/provider/mock"
	"github.com/kiranshivaraju/adbatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, h *harness) []uuid.UUID {
	t.Helper()
	var ids []uuid.UUID
	for {
		id, err := h.queue.Dequeue(context.Background(), time.Millisecond)
		if err != nil {
			return ids
		}
		ids = append(ids, id)
	}
}

func TestSweep_ReleasesStaleClaimsAndReenqueues(t *testing.T) {
	h := newHarness(t, mock.NewMockProvider(), harnessOpts{})
	ctx := context.Background()
	job := h.createJob(t, "a", "b")
	drain(t, h)

	h.store.SetClock(func() time.Time { return time.Now().UTC().Add(-10 * time.Minute) })
	item := h.items(t, job.ID)[0]
	_, err := h.store.ClaimItem(ctx, item.ID, uuid.New())
	require.NoError(t, err)
	h.store.SetClock(func() time.Time { return time.Now().UTC() })

	sw := pipeline.NewSweeper(h.store, h.queue, h.orch, pipeline.SweepConfig{
		StaleAfter:   5 * time.Minute,
		CleanupGrace: 30 * time.Second,
	})
	res, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 0, res.Deleted)

	stored := h.items(t, job.ID)[0]
	assert.Equal(t, models.ItemStatusPending, stored.Status)
	assert.Equal(t, 0, stored.RetryCount, "releasing a stale claim does not spend retry budget")
	assert.Equal(t, []uuid.UUID{job.ID}, drain(t, h))

	// The requeued job runs to completion.
	out, err := h.sched.RunJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, out.Job.Status)
}

func TestSweep_CleansUpFinishedJobs(t *testing.T) {
	h := newHarness(t, mock.NewMockProvider(), harnessOpts{})
	ctx := context.Background()

	h.store.SetClock(func() time.Time { return time.Now().UTC().Add(-time.Hour) })
	job := h.createJob(t, "a")
	_, err := h.sched.RunJob(ctx, job.ID)
	require.NoError(t, err)
	h.store.SetClock(func() time.Time { return time.Now().UTC() })
	drain(t, h)

	sw := pipeline.NewSweeper(h.store, h.queue, h.orch, pipeline.SweepConfig{
		StaleAfter:   5 * time.Minute,
		CleanupGrace: 30 * time.Second,
	})
	res, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 0, res.Enqueued)
	assert.Empty(t, h.items(t, job.ID))
}

func TestSweeper_StartRejectsBadSchedule(t *testing.T) {
	h := newHarness(t, mock.NewMockProvider(), harnessOpts{})
	sw := pipeline.NewSweeper(h.store, h.queue, h.orch, pipeline.SweepConfig{Schedule: "not a schedule"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Error(t, sw.Start(ctx))
}

func TestSweeper_StartRunsOnSchedule(t *testing.T) {
	h := newHarness(t, mock.NewMockProvider(), harnessOpts{})
	job := h.createJob(t, "a")
	drain(t, h)

	sw := pipeline.NewSweeper(h.store, h.queue, h.orch, pipeline.SweepConfig{
		Schedule:     "@every 1s",
		StaleAfter:   5 * time.Minute,
		CleanupGrace: time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sw.Start(ctx))

	id, err := h.queue.Dequeue(context.Background(), 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, job.ID, id)
}
