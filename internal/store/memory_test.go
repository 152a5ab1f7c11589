package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/store"
	"github.com/kiranshivaraju/adbatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ConcurrentClaimSingleWinner(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job, items := newJob(uuid.New(), 1)
	require.NoError(t, s.CreateJob(ctx, job, items))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ClaimItem(ctx, items[0].ID, uuid.New()); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, store.ErrNotClaimed)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemory_ReturnsCopies(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	owner := uuid.New()
	job, items := newJob(owner, 1)
	require.NoError(t, s.CreateJob(ctx, job, items))

	got, err := s.GetJob(ctx, job.ID, owner)
	require.NoError(t, err)
	got.Status = models.JobStatusFailed

	again, err := s.GetJob(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, again.Status)
}

func TestMemory_VersionsIncreaseOnWrite(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job, items := newJob(uuid.New(), 1)
	require.NoError(t, s.CreateJob(ctx, job, items))

	token := uuid.New()
	claimed, err := s.ClaimItem(ctx, items[0].ID, token)
	require.NoError(t, err)
	handled, err := s.RecordTaskHandle(ctx, items[0].ID, token, "t-1")
	require.NoError(t, err)
	done, err := s.CompleteItem(ctx, items[0].ID, token, "https://cdn.example.com/x.png")
	require.NoError(t, err)

	assert.Less(t, claimed.Version, handled.Version)
	assert.Less(t, handled.Version, done.Version)
}

func TestMemory_UpdateJobAggregateMonotone(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job, items := newJob(uuid.New(), 2)
	require.NoError(t, s.CreateJob(ctx, job, items))

	_, changed, err := s.UpdateJobAggregate(ctx, job.ID, models.JobAggregate{
		Status: models.JobStatusGenerating, CompletedCount: 1, ProgressPercentage: 50,
	})
	require.NoError(t, err)
	assert.True(t, changed)

	got, changed, err := s.UpdateJobAggregate(ctx, job.ID, models.JobAggregate{
		Status: models.JobStatusGenerating, ProgressPercentage: 0,
	})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, got.CompletedCount)
}

func TestMemory_RequeueStaleItems(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	job, items := newJob(uuid.New(), 1)
	require.NoError(t, s.CreateJob(ctx, job, items))
	_, err := s.ClaimItem(ctx, items[0].ID, uuid.New())
	require.NoError(t, err)

	requeued, err := s.RequeueStaleItems(ctx, base)
	require.NoError(t, err)
	assert.Empty(t, requeued)

	requeued, err = s.RequeueStaleItems(ctx, base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, models.ItemStatusPending, requeued[0].Status)
}

func TestMemory_ListJobsWithPendingItemsSkipsCancelled(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	owner := uuid.New()

	active, activeItems := newJob(owner, 1)
	require.NoError(t, s.CreateJob(ctx, active, activeItems))
	cancelled, cancelledItems := newJob(owner, 1)
	require.NoError(t, s.CreateJob(ctx, cancelled, cancelledItems))
	_, err := s.CancelJob(ctx, cancelled.ID, owner)
	require.NoError(t, err)

	ids, err := s.ListJobsWithPendingItems(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{active.ID}, ids)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{models.JobStatusPending, models.JobStatusGenerating, true},
		{models.JobStatusPending, models.JobStatusCancelled, true},
		{models.JobStatusGenerating, models.JobStatusPartial, true},
		{models.JobStatusGenerating, models.JobStatusGenerating, true},
		{models.JobStatusCompleted, models.JobStatusGenerating, false},
		{models.JobStatusCancelled, models.JobStatusCompleted, false},
		{models.JobStatusPending, models.JobStatusCompleted, true},
		{models.JobStatusPartial, models.JobStatusFailed, false},
		{models.JobStatusFailed, models.JobStatusCancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			assert.Equal(t, tt.want, store.CanTransition(tt.from, tt.to))
		})
	}
}

func TestMemory_StatusWritesFollowTransitionTable(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	owner := uuid.New()
	job, items := newJob(owner, 2)
	require.NoError(t, s.CreateJob(ctx, job, items))

	done := models.JobAggregate{Status: models.JobStatusCompleted, CompletedCount: 2, ProgressPercentage: 100}
	got, changed, err := s.UpdateJobAggregate(ctx, job.ID, done)
	require.NoError(t, err)
	require.True(t, changed)
	require.NotNil(t, got.CompletedAt)

	for _, status := range []string{models.JobStatusGenerating, models.JobStatusPartial, models.JobStatusPending} {
		agg := models.JobAggregate{Status: status, CompletedCount: 2, ProgressPercentage: 100}
		got, changed, err = s.UpdateJobAggregate(ctx, job.ID, agg)
		require.NoError(t, err)
		assert.False(t, changed, status)
		assert.Equal(t, models.JobStatusCompleted, got.Status)
	}

	got, changed, err = s.MarkJobGenerating(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.JobStatusCompleted, got.Status)

	_, err = s.CancelJob(ctx, job.ID, owner)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}
