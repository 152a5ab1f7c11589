package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/events"
	"github.com/kiranshivaraju/adbatch/internal/store"
	"github.com/kiranshivaraju/adbatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.EntityType + ":" + e.ChangeKind
	}
	return out
}

func TestNotifying_CreateJobPublishesInserts(t *testing.T) {
	pub := &recordingPublisher{}
	s := store.NewNotifyingStore(store.NewMemoryStore(), pub)

	job, items := newJob(uuid.New(), 2)
	require.NoError(t, s.CreateJob(context.Background(), job, items))

	assert.Equal(t, []string{"job:insert", "item:insert", "item:insert"}, pub.kinds())
	assert.Equal(t, job.OwnerID, pub.events[0].OwnerID)
	assert.Equal(t, job.ID, pub.events[1].JobID)

	var decoded models.JobItem
	require.NoError(t, pub.events[1].Decode(&decoded))
	assert.Equal(t, items[0].ID, decoded.ID)
}

func TestNotifying_NoEventWhenAggregateUnchanged(t *testing.T) {
	pub := &recordingPublisher{}
	s := store.NewNotifyingStore(store.NewMemoryStore(), pub)
	ctx := context.Background()

	job, items := newJob(uuid.New(), 1)
	require.NoError(t, s.CreateJob(ctx, job, items))

	agg := models.JobAggregate{Status: models.JobStatusPending}
	_, changed, err := s.UpdateJobAggregate(ctx, job.ID, agg)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, pub.kinds(), 2)
}

func TestNotifying_ItemWritesCarryVersion(t *testing.T) {
	pub := &recordingPublisher{}
	s := store.NewNotifyingStore(store.NewMemoryStore(), pub)
	ctx := context.Background()

	job, items := newJob(uuid.New(), 1)
	require.NoError(t, s.CreateJob(ctx, job, items))
	token := uuid.New()
	claimed, err := s.ClaimItem(ctx, items[0].ID, token)
	require.NoError(t, err)

	last := pub.events[len(pub.events)-1]
	assert.Equal(t, events.ChangeUpdate, last.ChangeKind)
	assert.Equal(t, claimed.Version, last.Version)

	// Rejected writes publish nothing.
	before := len(pub.kinds())
	_, err = s.CompleteItem(ctx, items[0].ID, uuid.New(), "https://cdn.example.com/x.png")
	assert.ErrorIs(t, err, store.ErrNotClaimed)
	assert.Len(t, pub.kinds(), before)
}

func TestNotifying_DeleteJobPublishesItemsThenJob(t *testing.T) {
	pub := &recordingPublisher{}
	s := store.NewNotifyingStore(store.NewMemoryStore(), pub)
	ctx := context.Background()
	owner := uuid.New()

	job, items := newJob(owner, 2)
	require.NoError(t, s.CreateJob(ctx, job, items))
	_, err := s.DeleteJob(ctx, job.ID, owner)
	require.NoError(t, err)

	kinds := pub.kinds()
	assert.Equal(t, []string{"item:delete", "item:delete", "job:delete"}, kinds[3:])
	assert.NotEmpty(t, pub.events[len(pub.events)-1].Before)
	assert.Empty(t, pub.events[len(pub.events)-1].After)
}

func TestNotifying_PublishFailureDoesNotFailWrite(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	s := store.NewNotifyingStore(store.NewMemoryStore(), pub)
	ctx := context.Background()

	job, items := newJob(uuid.New(), 1)
	require.NoError(t, s.CreateJob(ctx, job, items))

	got, err := s.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}
