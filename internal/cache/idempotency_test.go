package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotency_FirstRequestReserves(t *testing.T) {
	idem := cache.NewIdempotency(cache.NewMemoryCache(), time.Minute)

	id, reserved, err := idem.Reserve(context.Background(), uuid.New(), "k")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, uuid.Nil, id)
}

func TestIdempotency_InProgressUntilComplete(t *testing.T) {
	idem := cache.NewIdempotency(cache.NewMemoryCache(), time.Minute)
	ctx := context.Background()
	owner, jobID := uuid.New(), uuid.New()

	_, _, err := idem.Reserve(ctx, owner, "k")
	require.NoError(t, err)

	_, reserved, err := idem.Reserve(ctx, owner, "k")
	assert.ErrorIs(t, err, cache.ErrInProgress)
	assert.False(t, reserved)

	require.NoError(t, idem.Complete(ctx, owner, "k", jobID))
	got, reserved, err := idem.Reserve(ctx, owner, "k")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, jobID, got)
}

func TestIdempotency_ReleaseAllowsRetry(t *testing.T) {
	idem := cache.NewIdempotency(cache.NewMemoryCache(), time.Minute)
	ctx := context.Background()
	owner := uuid.New()

	_, _, err := idem.Reserve(ctx, owner, "k")
	require.NoError(t, err)
	require.NoError(t, idem.Release(ctx, owner, "k"))

	_, reserved, err := idem.Reserve(ctx, owner, "k")
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestIdempotency_ScopedPerOwner(t *testing.T) {
	idem := cache.NewIdempotency(cache.NewMemoryCache(), time.Minute)
	ctx := context.Background()

	_, a, err := idem.Reserve(ctx, uuid.New(), "shared")
	require.NoError(t, err)
	_, b, err := idem.Reserve(ctx, uuid.New(), "shared")
	require.NoError(t, err)
	assert.True(t, a)
	assert.True(t, b)
}

func TestIdempotency_ExpiredRecordIsForgotten(t *testing.T) {
	c, clock := newClockedCache()
	idem := cache.NewIdempotency(c, time.Hour)
	ctx := context.Background()
	owner := uuid.New()

	_, _, err := idem.Reserve(ctx, owner, "k")
	require.NoError(t, err)
	require.NoError(t, idem.Complete(ctx, owner, "k", uuid.New()))

	clock.Advance(time.Hour)
	_, reserved, err := idem.Reserve(ctx, owner, "k")
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestIdempotency_CorruptRecord(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()
	owner := uuid.New()
	require.NoError(t, c.Set(ctx, cache.IdempotencyKey(owner, "k"), []byte("garbage"), time.Minute))

	_, _, err := cache.NewIdempotency(c, time.Minute).Reserve(ctx, owner, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, cache.ErrInProgress)
}

func TestIdempotency_CacheErrorSurfaces(t *testing.T) {
	c := cache.NewMemoryCache()
	down := errors.New("down")
	c.Fail(down)

	_, _, err := cache.NewIdempotency(c, 0).Reserve(context.Background(), uuid.New(), "k")
	assert.ErrorIs(t, err, down)
}
