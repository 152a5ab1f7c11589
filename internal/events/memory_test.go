package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "channel closed")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}

func TestMemoryBroker_DeliversToOwnerOnly(t *testing.T) {
	b := events.NewMemoryBroker(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	owner, other := uuid.New(), uuid.New()
	ch, err := b.Subscribe(ctx, owner)
	require.NoError(t, err)
	otherCh, err := b.Subscribe(ctx, other)
	require.NoError(t, err)

	evt, err := events.New(events.EntityJob, events.ChangeInsert, uuid.New(), owner, uuid.New(), 1, nil, map[string]string{"status": "pending"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, evt))

	got := receive(t, ch)
	assert.Equal(t, evt.EntityID, got.EntityID)
	assert.Equal(t, events.ChangeInsert, got.ChangeKind)

	select {
	case <-otherCh:
		t.Fatal("other owner must not receive the event")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryBroker_PreservesOrderPerSubscriber(t *testing.T) {
	b := events.NewMemoryBroker(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	owner := uuid.New()
	entity := uuid.New()
	ch, err := b.Subscribe(ctx, owner)
	require.NoError(t, err)

	for v := int64(1); v <= 10; v++ {
		require.NoError(t, b.Publish(ctx, events.Event{EntityType: events.EntityItem, ChangeKind: events.ChangeUpdate, EntityID: entity, OwnerID: owner, Version: v}))
	}
	for v := int64(1); v <= 10; v++ {
		assert.Equal(t, v, receive(t, ch).Version)
	}
}

func TestMemoryBroker_UnsubscribeOnCancel(t *testing.T) {
	b := events.NewMemoryBroker(0)
	ctx, cancel := context.WithCancel(context.Background())
	owner := uuid.New()

	ch, err := b.Subscribe(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers(owner))

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Equal(t, 0, b.Subscribers(owner))
}

func TestMemoryBroker_DropsWhenSubscriberIsFull(t *testing.T) {
	b := events.NewMemoryBroker(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	owner := uuid.New()

	ch, err := b.Subscribe(ctx, owner)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, events.Event{OwnerID: owner, Version: 1}))
	require.NoError(t, b.Publish(ctx, events.Event{OwnerID: owner, Version: 2}))

	assert.Equal(t, int64(1), receive(t, ch).Version)
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %d", evt.Version)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryBroker_Closed(t *testing.T) {
	b := events.NewMemoryBroker(0)
	b.Close()

	_, err := b.Subscribe(context.Background(), uuid.New())
	assert.ErrorIs(t, err, events.ErrBrokerClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), events.Event{}), events.ErrBrokerClosed)
}

func TestEvent_Decode(t *testing.T) {
	type payload struct {
		Status string `json:"status"`
	}
	owner := uuid.New()

	upd, err := events.New(events.EntityJob, events.ChangeUpdate, uuid.New(), owner, uuid.New(), 2, nil, payload{Status: "generating"})
	require.NoError(t, err)
	var p payload
	require.NoError(t, upd.Decode(&p))
	assert.Equal(t, "generating", p.Status)

	del, err := events.New(events.EntityJob, events.ChangeDelete, uuid.New(), owner, uuid.New(), 3, payload{Status: "completed"}, nil)
	require.NoError(t, err)
	require.NoError(t, del.Decode(&p))
	assert.Equal(t, "completed", p.Status)

	assert.Error(t, events.Event{}.Decode(&p))
}
