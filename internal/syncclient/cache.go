// Package syncclient keeps a client-side view of an owner's jobs fresh. Reads are served
// from memory within a TTL, concurrent reads share one fetch, and pushed change events
// are applied to the cached list as they arrive. A periodic forced refresh repairs
// anything a lost event left behind.
package syncclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/events"
	"github.com/kiranshivaraju/adbatch/pkg/models"
	"golang.org/x/sync/singleflight"
)

// ChangeResync is delivered by a source after its stream reconnected. Events may have
// been missed, so the cache refetches.
const ChangeResync = "resync"

const (
	DefaultTTL             = 60 * time.Second
	DefaultRefreshInterval = 60 * time.Second
)

var ErrClosed = errors.New("sync cache closed")

// JobFetcher reads an owner's jobs, most recent first.
type JobFetcher interface {
	FetchJobs(ctx context.Context, ownerID uuid.UUID) ([]*models.Job, error)
}

// Invalidator is a cache whose data depends on job completion.
type Invalidator interface {
	Invalidate(ownerID uuid.UUID)
}

type Config struct {
	TTL             time.Duration
	RefreshInterval time.Duration
}

type entry struct {
	jobs      []*models.Job
	fetchedAt time.Time
	stale     bool
	// gen changes on every invalidation and applied delta; a fetch that started under
	// an older gen must not overwrite newer data.
	gen uint64
}

// Cache is the owner-keyed job list cache.
type Cache struct {
	fetcher    JobFetcher
	subscriber events.Subscriber
	dependents []Invalidator
	ttl        time.Duration
	refresh    time.Duration
	logger     *slog.Logger
	now        func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	subs    map[uuid.UUID]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Cache. subscriber may be nil, in which case the cache relies on the TTL
// and explicit invalidation alone. dependents are invalidated when a job of theirs
// reaches completed or partial.
func New(fetcher JobFetcher, subscriber events.Subscriber, cfg Config, dependents ...Invalidator) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	return &Cache{
		fetcher:    fetcher,
		subscriber: subscriber,
		dependents: dependents,
		ttl:        cfg.TTL,
		refresh:    cfg.RefreshInterval,
		logger:     slog.Default().With("component", "syncclient"),
		now:        time.Now,
		entries:    make(map[uuid.UUID]*entry),
		subs:       make(map[uuid.UUID]context.CancelFunc),
	}
}

// Get returns the owner's jobs. A fresh entry is returned without I/O unless force is
// set; otherwise one fetch runs per owner at a time and concurrent callers share it.
func (c *Cache) Get(ctx context.Context, ownerID uuid.UUID, force bool) ([]*models.Job, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := c.entries[ownerID]; ok && !force && c.freshLocked(e) {
		jobs := copyJobs(e.jobs)
		c.mu.Unlock()
		return jobs, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(ownerID.String(), func() (any, error) {
		return c.load(ctx, ownerID)
	})
	if err != nil {
		return nil, err
	}
	return copyJobs(v.([]*models.Job)), nil
}

func (c *Cache) freshLocked(e *entry) bool {
	return !e.stale && c.now().Sub(e.fetchedAt) < c.ttl
}

func (c *Cache) load(ctx context.Context, ownerID uuid.UUID) ([]*models.Job, error) {
	c.mu.Lock()
	var startGen uint64
	if e, ok := c.entries[ownerID]; ok {
		startGen = e.gen
	}
	c.mu.Unlock()

	jobs, err := c.fetcher.FetchJobs(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	e, existed := c.entries[ownerID]
	var finished bool
	switch {
	case !existed:
		c.entries[ownerID] = &entry{jobs: copyJobs(jobs), fetchedAt: c.now()}
	case e.gen != startGen:
		// Changed while fetching. Keep the newer in-memory view and leave it stale.
		e.stale = true
		finished = newlyFinished(e.jobs, jobs)
	default:
		finished = newlyFinished(e.jobs, jobs)
		e.jobs = copyJobs(jobs)
		e.fetchedAt = c.now()
		e.stale = false
	}
	c.mu.Unlock()

	if finished {
		c.invalidateDependents(ownerID)
	}
	return jobs, nil
}

// Invalidate marks the owner's entry stale without dropping its data.
func (c *Cache) Invalidate(ownerID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[ownerID]; ok {
		e.stale = true
		e.gen++
	}
}

// Subscribe applies the owner's change events to the cached list until ctx ends or the
// cache is closed, and forces a refresh every RefreshInterval. Subscribing an owner
// twice is a no-op.
func (c *Cache) Subscribe(ctx context.Context, ownerID uuid.UUID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.subs[ownerID]; ok {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.subs[ownerID] = cancel
	// Counted under mu so a concurrent Close waits for this subscription.
	c.wg.Add(1)
	c.mu.Unlock()

	var ch <-chan events.Event
	if c.subscriber != nil {
		var err error
		ch, err = c.subscriber.Subscribe(ctx, ownerID)
		if err != nil {
			c.mu.Lock()
			delete(c.subs, ownerID)
			c.mu.Unlock()
			cancel()
			c.wg.Done()
			return err
		}
	}

	go c.run(ctx, ownerID, ch)
	return nil
}

func (c *Cache) run(ctx context.Context, ownerID uuid.UUID, ch <-chan events.Event) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if cancel, ok := c.subs[ownerID]; ok {
			cancel()
			delete(c.subs, ownerID)
		}
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.forceRefresh(ctx, ownerID)
		case evt, ok := <-ch:
			if !ok {
				// Stream ended: the backstop refresh keeps the data correct.
				ch = nil
				c.Invalidate(ownerID)
				continue
			}
			if c.Apply(evt) {
				c.forceRefresh(ctx, ownerID)
			}
		}
	}
}

func (c *Cache) forceRefresh(ctx context.Context, ownerID uuid.UUID) {
	if _, err := c.Get(ctx, ownerID, true); err != nil && ctx.Err() == nil {
		c.logger.Warn("refreshing jobs", "owner_id", ownerID, "error", err)
	}
}

// Apply merges one change event into the cache. It reports whether the event could
// not be applied and the owner's entry now needs a full refresh.
func (c *Cache) Apply(evt events.Event) (refetch bool) {
	if evt.ChangeKind == ChangeResync {
		c.Invalidate(evt.OwnerID)
		return true
	}
	if evt.EntityType != events.EntityJob {
		return false
	}

	var job models.Job
	if evt.ChangeKind != events.ChangeDelete {
		if err := evt.Decode(&job); err != nil {
			c.logger.Warn("decoding job event", "owner_id", evt.OwnerID, "entity_id", evt.EntityID, "error", err)
			c.Invalidate(evt.OwnerID)
			return false
		}
	}

	c.mu.Lock()
	e, ok := c.entries[evt.OwnerID]
	var finished bool
	switch evt.ChangeKind {
	case events.ChangeInsert:
		finished = job.Finished()
		if ok {
			if i := indexOf(e.jobs, evt.EntityID); i >= 0 {
				if e.jobs[i].Version < job.Version {
					e.jobs[i] = &job
					e.gen++
				}
			} else {
				e.jobs = append([]*models.Job{&job}, e.jobs...)
				e.gen++
			}
		}
	case events.ChangeUpdate:
		i := -1
		if ok {
			i = indexOf(e.jobs, evt.EntityID)
		}
		switch {
		case i >= 0 && e.jobs[i].Version >= job.Version:
			// superseded
		case i >= 0:
			finished = job.Finished() && !e.jobs[i].Finished()
			e.jobs[i] = &job
			e.gen++
		default:
			finished = job.Finished()
			if ok {
				e.stale = true
				e.gen++
			}
		}
	case events.ChangeDelete:
		if ok {
			if i := indexOf(e.jobs, evt.EntityID); i >= 0 {
				e.jobs = append(e.jobs[:i:i], e.jobs[i+1:]...)
				e.gen++
			}
		}
	default:
		if ok {
			e.stale = true
			e.gen++
		}
	}
	c.mu.Unlock()

	if finished {
		c.invalidateDependents(evt.OwnerID)
	}
	return false
}

func (c *Cache) invalidateDependents(ownerID uuid.UUID) {
	for _, d := range c.dependents {
		d.Invalidate(ownerID)
	}
}

// Close ends every subscription and waits for them to stop.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, cancel := range c.subs {
		cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// newlyFinished reports whether a job known to be unfinished in prev is completed or
// partial in next.
func newlyFinished(prev, next []*models.Job) bool {
	status := make(map[uuid.UUID]string, len(prev))
	for _, j := range prev {
		status[j.ID] = j.Status
	}
	for _, j := range next {
		old, known := status[j.ID]
		if j.Finished() && (!known || !models.IsFinishedJobStatus(old)) {
			return true
		}
	}
	return false
}

func indexOf(jobs []*models.Job, id uuid.UUID) int {
	for i, j := range jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

func copyJobs(jobs []*models.Job) []*models.Job {
	out := make([]*models.Job, len(jobs))
	for i, j := range jobs {
		cp := *j
		out[i] = &cp
	}
	return out
}
