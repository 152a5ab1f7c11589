package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/adbatch/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClockedCache() (*cache.MemoryCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := cache.NewMemoryCache()
	c.SetClock(clock.Now)
	return c, clock
}

func TestMemoryCache_ExpiresEntries(t *testing.T) {
	c, clock := newClockedCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))

	val, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), val)

	clock.Advance(time.Second)
	_, found, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryCache_SetNXAfterExpiry(t *testing.T) {
	c, clock := newClockedCache()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", nil, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.SetNX(ctx, "k", nil, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(2 * time.Second)
	ok, err = c.SetNX(ctx, "k", nil, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryCache_IncrWindowDoesNotSlide(t *testing.T) {
	c, clock := newClockedCache()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := c.IncrWithExpiry(ctx, "counter", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
		clock.Advance(15 * time.Second)
	}

	clock.Advance(15 * time.Second)
	n, err := c.IncrWithExpiry(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryCache_GetReturnsCopy(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("abc"), 0))

	val, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	val[0] = 'x'

	val, _, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), val)
}

func TestMemoryCache_Fail(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()
	down := errors.New("down")
	c.Fail(down)

	assert.ErrorIs(t, c.Ping(ctx), down)
	assert.ErrorIs(t, c.Set(ctx, "k", nil, 0), down)
	_, err := c.IncrWithExpiry(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, down)

	c.Fail(nil)
	assert.NoError(t, c.Ping(ctx))
}
