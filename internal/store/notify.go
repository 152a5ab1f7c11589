package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/events"
	"github.com/kiranshivaraju/adbatch/pkg/models"
)

// NotifyingStore publishes a change event after every committed job or item write.
// Publish failures are logged and never fail the write: the row is the source of truth
// and subscribers that miss an event recover by reading.
type NotifyingStore struct {
	Store
	pub    events.Publisher
	logger *slog.Logger
}

// NewNotifyingStore wraps s so that writes are published to pub.
func NewNotifyingStore(s Store, pub events.Publisher) *NotifyingStore {
	return &NotifyingStore{Store: s, pub: pub, logger: slog.Default().With("component", "store.notify")}
}

func (n *NotifyingStore) publish(ctx context.Context, entity, kind string, id, owner, jobID uuid.UUID, version int64, before, after any) {
	evt, err := events.New(entity, kind, id, owner, jobID, version, before, after)
	if err != nil {
		n.logger.Warn("building change event", "entity", entity, "id", id, "error", err)
		return
	}
	if err := n.pub.Publish(ctx, evt); err != nil {
		n.logger.Warn("publishing change event", "entity", entity, "kind", kind, "id", id, "error", err)
	}
}

func (n *NotifyingStore) publishJob(ctx context.Context, kind string, j *models.Job) {
	if kind == events.ChangeDelete {
		n.publish(ctx, events.EntityJob, kind, j.ID, j.OwnerID, j.ID, j.Version, j, nil)
		return
	}
	n.publish(ctx, events.EntityJob, kind, j.ID, j.OwnerID, j.ID, j.Version, nil, j)
}

func (n *NotifyingStore) publishItem(ctx context.Context, kind string, it *models.JobItem) {
	if kind == events.ChangeDelete {
		n.publish(ctx, events.EntityItem, kind, it.ID, it.OwnerID, it.JobID, it.Version, it, nil)
		return
	}
	n.publish(ctx, events.EntityItem, kind, it.ID, it.OwnerID, it.JobID, it.Version, nil, it)
}

func (n *NotifyingStore) CreateJob(ctx context.Context, job *models.Job, items []*models.JobItem) error {
	if err := n.Store.CreateJob(ctx, job, items); err != nil {
		return err
	}
	n.publishJob(ctx, events.ChangeInsert, job)
	for _, it := range items {
		n.publishItem(ctx, events.ChangeInsert, it)
	}
	return nil
}

func (n *NotifyingStore) MarkJobGenerating(ctx context.Context, id uuid.UUID) (*models.Job, bool, error) {
	j, changed, err := n.Store.MarkJobGenerating(ctx, id)
	if err == nil && changed {
		n.publishJob(ctx, events.ChangeUpdate, j)
	}
	return j, changed, err
}

func (n *NotifyingStore) CancelJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	j, err := n.Store.CancelJob(ctx, id, ownerID)
	if err == nil {
		n.publishJob(ctx, events.ChangeUpdate, j)
	}
	return j, err
}

func (n *NotifyingStore) UpdateJobAggregate(ctx context.Context, id uuid.UUID, agg models.JobAggregate) (*models.Job, bool, error) {
	j, changed, err := n.Store.UpdateJobAggregate(ctx, id, agg)
	if err == nil && changed {
		n.publishJob(ctx, events.ChangeUpdate, j)
	}
	return j, changed, err
}

// DeleteJob publishes a delete for each item before the job's own delete.
func (n *NotifyingStore) DeleteJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	items, err := n.Store.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}
	j, err := n.Store.DeleteJob(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		n.publishItem(ctx, events.ChangeDelete, it)
	}
	n.publishJob(ctx, events.ChangeDelete, j)
	return j, nil
}

func (n *NotifyingStore) ClaimItem(ctx context.Context, id uuid.UUID, token uuid.UUID) (*models.JobItem, error) {
	return n.itemUpdate(ctx)(n.Store.ClaimItem(ctx, id, token))
}

func (n *NotifyingStore) RecordTaskHandle(ctx context.Context, id uuid.UUID, token uuid.UUID, handle string) (*models.JobItem, error) {
	return n.itemUpdate(ctx)(n.Store.RecordTaskHandle(ctx, id, token, handle))
}

func (n *NotifyingStore) CompleteItem(ctx context.Context, id uuid.UUID, token uuid.UUID, resultRef string) (*models.JobItem, error) {
	return n.itemUpdate(ctx)(n.Store.CompleteItem(ctx, id, token, resultRef))
}

func (n *NotifyingStore) FailItem(ctx context.Context, id uuid.UUID, token uuid.UUID, errMsg string, terminal bool) (*models.JobItem, error) {
	return n.itemUpdate(ctx)(n.Store.FailItem(ctx, id, token, errMsg, terminal))
}

func (n *NotifyingStore) itemUpdate(ctx context.Context) func(*models.JobItem, error) (*models.JobItem, error) {
	return func(it *models.JobItem, err error) (*models.JobItem, error) {
		if err == nil {
			n.publishItem(ctx, events.ChangeUpdate, it)
		}
		return it, err
	}
}

func (n *NotifyingStore) RequeueStaleItems(ctx context.Context, startedBefore time.Time) ([]*models.JobItem, error) {
	items, err := n.Store.RequeueStaleItems(ctx, startedBefore)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		n.publishItem(ctx, events.ChangeUpdate, it)
	}
	return items, nil
}

var _ Store = (*NotifyingStore)(nil)
