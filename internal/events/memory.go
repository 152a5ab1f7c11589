package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const defaultBufferSize = 256

// MemoryBroker delivers events in-process. Delivery to one subscriber preserves publish
// order; a subscriber whose buffer is full misses the event and must recover by reading.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*memorySub]struct{}
	buffer int
	closed bool
}

type memorySub struct {
	ch   chan Event
	once sync.Once
}

func (s *memorySub) close() { s.once.Do(func() { close(s.ch) }) }

// NewMemoryBroker creates a MemoryBroker. bufferSize <= 0 selects the default.
func NewMemoryBroker(bufferSize int) *MemoryBroker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &MemoryBroker{
		subs:   make(map[uuid.UUID]map[*memorySub]struct{}),
		buffer: bufferSize,
	}
}

func (b *MemoryBroker) Publish(_ context.Context, evt Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for sub := range b.subs[evt.OwnerID] {
		select {
		case sub.ch <- evt:
		default:
			slog.Warn("event dropped for slow subscriber",
				"owner_id", evt.OwnerID, "entity_id", evt.EntityID, "change_kind", evt.ChangeKind)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, ownerID uuid.UUID) (<-chan Event, error) {
	sub := &memorySub{ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	if b.subs[ownerID] == nil {
		b.subs[ownerID] = make(map[*memorySub]struct{})
	}
	b.subs[ownerID][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[ownerID], sub)
		if len(b.subs[ownerID]) == 0 {
			delete(b.subs, ownerID)
		}
		b.mu.Unlock()
		sub.close()
	}()

	return sub.ch, nil
}

// Subscribers returns the number of live subscriptions for ownerID.
func (b *MemoryBroker) Subscribers(ownerID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[ownerID])
}

// Close ends every subscription.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for owner, subs := range b.subs {
		for sub := range subs {
			sub.close()
		}
		delete(b.subs, owner)
	}
}

var _ Broker = (*MemoryBroker)(nil)
