package syncclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/pkg/models"
	"golang.org/x/sync/singleflight"
)

// Loader fetches the value cached for an owner.
type Loader[T any] func(ctx context.Context, ownerID uuid.UUID) (T, error)

type ttlEntry[T any] struct {
	value     T
	fetchedAt time.Time
	stale     bool
}

// TTLCache is an owner-keyed cache that reloads after ttl or after Invalidate. The
// gallery and collection caches are TTLCaches registered as dependents of the job Cache.
type TTLCache[T any] struct {
	load  Loader[T]
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	entries map[uuid.UUID]*ttlEntry[T]
	gens    map[uuid.UUID]uint64
}

func NewTTLCache[T any](load Loader[T], ttl time.Duration) *TTLCache[T] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TTLCache[T]{
		load:    load,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[uuid.UUID]*ttlEntry[T]),
		gens:    make(map[uuid.UUID]uint64),
	}
}

func (c *TTLCache[T]) Get(ctx context.Context, ownerID uuid.UUID) (T, error) {
	c.mu.Lock()
	if e, ok := c.entries[ownerID]; ok && !e.stale && c.now().Sub(e.fetchedAt) < c.ttl {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(ownerID.String(), func() (any, error) {
		c.mu.Lock()
		gen := c.gens[ownerID]
		c.mu.Unlock()

		value, err := c.load(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[ownerID] = &ttlEntry[T]{
			value:     value,
			fetchedAt: c.now(),
			stale:     c.gens[ownerID] != gen,
		}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate marks the owner's entry stale so the next Get reloads it. A load already in
// flight still returns its result but does not leave it fresh.
func (c *TTLCache[T]) Invalidate(ownerID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[ownerID]++
	if e, ok := c.entries[ownerID]; ok {
		e.stale = true
	}
}

// GalleryFetcher reads an owner's surfaced images. HTTPSource implements it.
type GalleryFetcher interface {
	FetchGallery(ctx context.Context, ownerID uuid.UUID) ([]*models.GalleryImage, error)
}

// GalleryCache holds the owner's gallery. Register it as a dependent of the job Cache so
// finished jobs show up on the next read.
type GalleryCache = TTLCache[[]*models.GalleryImage]

func NewGalleryCache(src GalleryFetcher, ttl time.Duration) *GalleryCache {
	return NewTTLCache[[]*models.GalleryImage](src.FetchGallery, ttl)
}

// NewCollectionCache builds the collection cache around an injected loader, since
// collections are served outside this module. Like the gallery it is a dependent of
// the job Cache.
func NewCollectionCache[T any](load Loader[T], ttl time.Duration) *TTLCache[T] {
	return NewTTLCache(load, ttl)
}
