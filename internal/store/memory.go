package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/pkg/models"
)

// MemoryStore is an in-process Store used by tests and local runs without Postgres.
// It applies the same conditional-write rules as PostgresStore.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*models.Job
	items       map[uuid.UUID]*models.JobItem
	gallery     map[uuid.UUID]*models.GalleryImage // keyed by item ID
	credentials map[credentialKey][]byte
	now         func() time.Time
}

type credentialKey struct {
	owner    uuid.UUID
	provider string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[uuid.UUID]*models.Job),
		items:       make(map[uuid.UUID]*models.JobItem),
		gallery:     make(map[uuid.UUID]*models.GalleryImage),
		credentials: make(map[credentialKey][]byte),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func copyJob(j *models.Job) *models.Job {
	c := *j
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		c.ErrorMessage = &msg
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func copyItem(i *models.JobItem) *models.JobItem {
	c := *i
	if i.TaskHandle != nil {
		v := *i.TaskHandle
		c.TaskHandle = &v
	}
	if i.ResultRef != nil {
		v := *i.ResultRef
		c.ResultRef = &v
	}
	if i.ErrorMessage != nil {
		v := *i.ErrorMessage
		c.ErrorMessage = &v
	}
	if i.ClaimToken != nil {
		v := *i.ClaimToken
		c.ClaimToken = &v
	}
	if i.StartedAt != nil {
		t := *i.StartedAt
		c.StartedAt = &t
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job, items []*models.JobItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	positions := make(map[int]bool, len(items))
	for _, it := range items {
		if _, ok := s.items[it.ID]; ok || positions[it.Position] {
			return ErrDuplicateKey
		}
		positions[it.Position] = true
	}

	s.jobs[job.ID] = copyJob(job)
	for _, it := range items {
		s.items[it.ID] = copyItem(it)
	}
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) GetJobByID(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := []*models.Job{}
	for _, j := range s.jobs {
		if j.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		jobs = append(jobs, copyJob(j))
	}
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		}
		return jobs[a].ID.String() > jobs[b].ID.String()
	})
	if limit := NormalizeLimit(filter.Limit); len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) MarkJobGenerating(_ context.Context, id uuid.UUID) (*models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if j.Status == models.JobStatusGenerating || !CanTransition(j.Status, models.JobStatusGenerating) {
		return copyJob(j), false, nil
	}
	now := s.now()
	j.Status = models.JobStatusGenerating
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	s.touchJob(j, now)
	return copyJob(j), true, nil
}

func (s *MemoryStore) CancelJob(_ context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	if j.Status == models.JobStatusCancelled || !CanTransition(j.Status, models.JobStatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, models.JobStatusCancelled)
	}
	now := s.now()
	j.Status = models.JobStatusCancelled
	j.CompletedAt = &now
	s.touchJob(j, now)
	return copyJob(j), nil
}

func (s *MemoryStore) UpdateJobAggregate(_ context.Context, id uuid.UUID, agg models.JobAggregate) (*models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if j.CompletedCount+j.FailedCount > agg.CompletedCount+agg.FailedCount ||
		!CanTransition(j.Status, agg.Status) ||
		aggregateEqual(j, agg) {
		return copyJob(j), false, nil
	}

	now := s.now()
	j.Status = agg.Status
	j.CompletedCount = agg.CompletedCount
	j.FailedCount = agg.FailedCount
	j.ProgressPercentage = agg.ProgressPercentage
	j.ErrorMessage = nil
	if agg.ErrorMessage != nil {
		msg := *agg.ErrorMessage
		j.ErrorMessage = &msg
	}
	if models.IsTerminalJobStatus(agg.Status) && j.CompletedAt == nil {
		j.CompletedAt = &now
	}
	s.touchJob(j, now)
	return copyJob(j), true, nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	delete(s.jobs, id)
	for itemID, it := range s.items {
		if it.JobID == id {
			delete(s.items, itemID)
		}
	}
	return copyJob(j), nil
}

func (s *MemoryStore) ListJobsWithPendingItems(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make(map[uuid.UUID]bool)
	for _, it := range s.items {
		if it.Status == models.ItemStatusPending {
			pending[it.JobID] = true
		}
	}
	var jobs []*models.Job
	for id := range pending {
		j, ok := s.jobs[id]
		if ok && j.Cancellable() {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })

	var ids []uuid.UUID
	for _, j := range jobs {
		if len(ids) == NormalizeLimit(limit) {
			break
		}
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (s *MemoryStore) ListFinishedJobsBefore(_ context.Context, before time.Time, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.Job
	for _, j := range s.jobs {
		if j.Finished() && j.CompletedAt != nil && j.CompletedAt.Before(before) {
			jobs = append(jobs, copyJob(j))
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CompletedAt.Before(*jobs[b].CompletedAt) })
	if limit := NormalizeLimit(limit); len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) ListItems(_ context.Context, jobID uuid.UUID) ([]*models.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemsWhere(jobID, func(*models.JobItem) bool { return true }, 0), nil
}

func (s *MemoryStore) ListPendingItems(_ context.Context, jobID uuid.UUID, limit int) ([]*models.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemsWhere(jobID, func(it *models.JobItem) bool {
		return it.Status == models.ItemStatusPending
	}, NormalizeLimit(limit)), nil
}

func (s *MemoryStore) itemsWhere(jobID uuid.UUID, keep func(*models.JobItem) bool, limit int) []*models.JobItem {
	var items []*models.JobItem
	for _, it := range s.items {
		if it.JobID == jobID && keep(it) {
			items = append(items, copyItem(it))
		}
	}
	sort.Slice(items, func(a, b int) bool { return items[a].Position < items[b].Position })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (s *MemoryStore) ClaimItem(_ context.Context, id uuid.UUID, token uuid.UUID) (*models.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, ErrOrphanedItem
	}
	if it.Status != models.ItemStatusPending {
		return nil, ErrNotClaimed
	}
	if j, ok := s.jobs[it.JobID]; !ok || j.Status == models.JobStatusCancelled {
		return nil, ErrNotClaimed
	}
	now := s.now()
	it.Status = models.ItemStatusProcessing
	it.ClaimToken = &token
	it.TaskHandle = nil
	it.StartedAt = &now
	s.touchItem(it, now)
	return copyItem(it), nil
}

// claimed returns the item when token holds its claim.
func (s *MemoryStore) claimed(id uuid.UUID, token uuid.UUID) (*models.JobItem, error) {
	it, ok := s.items[id]
	if !ok {
		return nil, ErrOrphanedItem
	}
	if it.Status != models.ItemStatusProcessing || it.ClaimToken == nil || *it.ClaimToken != token {
		return nil, ErrNotClaimed
	}
	return it, nil
}

func (s *MemoryStore) RecordTaskHandle(_ context.Context, id uuid.UUID, token uuid.UUID, handle string) (*models.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.claimed(id, token)
	if err != nil {
		return nil, err
	}
	it.TaskHandle = &handle
	s.touchItem(it, s.now())
	return copyItem(it), nil
}

func (s *MemoryStore) CompleteItem(_ context.Context, id uuid.UUID, token uuid.UUID, resultRef string) (*models.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.claimed(id, token)
	if err != nil {
		return nil, err
	}
	now := s.now()
	it.Status = models.ItemStatusCompleted
	it.ResultRef = &resultRef
	it.ErrorMessage = nil
	it.ClaimToken = nil
	it.CompletedAt = &now
	s.touchItem(it, now)
	return copyItem(it), nil
}

func (s *MemoryStore) FailItem(_ context.Context, id uuid.UUID, token uuid.UUID, errMsg string, terminal bool) (*models.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.claimed(id, token)
	if err != nil {
		return nil, err
	}
	now := s.now()
	it.RetryCount++
	it.ErrorMessage = &errMsg
	it.ClaimToken = nil
	if terminal {
		it.Status = models.ItemStatusFailed
		it.CompletedAt = &now
	} else {
		it.Status = models.ItemStatusPending
		it.TaskHandle = nil
		it.CompletedAt = nil
	}
	s.touchItem(it, now)
	return copyItem(it), nil
}

func (s *MemoryStore) RequeueStaleItems(_ context.Context, startedBefore time.Time) ([]*models.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var requeued []*models.JobItem
	for _, it := range s.items {
		if it.Status != models.ItemStatusProcessing || it.StartedAt == nil || !it.StartedAt.Before(startedBefore) {
			continue
		}
		it.Status = models.ItemStatusPending
		it.ClaimToken = nil
		it.TaskHandle = nil
		s.touchItem(it, now)
		requeued = append(requeued, copyItem(it))
	}
	return requeued, nil
}

func (s *MemoryStore) AddGalleryImages(_ context.Context, job *models.Job, items []*models.JobItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, it := range items {
		if it.Status != models.ItemStatusCompleted || it.ResultRef == nil {
			continue
		}
		if _, ok := s.gallery[it.ID]; ok {
			continue
		}
		s.gallery[it.ID] = &models.GalleryImage{
			ID:        uuid.New(),
			OwnerID:   job.OwnerID,
			JobID:     job.ID,
			ItemID:    it.ID,
			ImageURL:  *it.ResultRef,
			StyleID:   it.Variant.StyleID,
			Platform:  it.Variant.Platform,
			CreatedAt: s.now(),
		}
		added++
	}
	return added, nil
}

func (s *MemoryStore) ListGallery(_ context.Context, ownerID uuid.UUID, limit int) ([]*models.GalleryImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	images := []*models.GalleryImage{}
	for _, g := range s.gallery {
		if g.OwnerID == ownerID {
			c := *g
			images = append(images, &c)
		}
	}
	sort.Slice(images, func(a, b int) bool { return images[a].CreatedAt.After(images[b].CreatedAt) })
	if limit := NormalizeLimit(limit); len(images) > limit {
		images = images[:limit]
	}
	return images, nil
}

func (s *MemoryStore) GetProviderCredential(_ context.Context, ownerID uuid.UUID, provider string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, ok := s.credentials[credentialKey{ownerID, provider}]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), sealed...), nil
}

func (s *MemoryStore) PutProviderCredential(_ context.Context, ownerID uuid.UUID, provider string, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[credentialKey{ownerID, provider}] = append([]byte(nil), sealed...)
	return nil
}

func (s *MemoryStore) touchJob(j *models.Job, now time.Time) {
	j.Version++
	j.UpdatedAt = now
}

func (s *MemoryStore) touchItem(it *models.JobItem, now time.Time) {
	it.Version++
	it.UpdatedAt = now
}

var _ Store = (*MemoryStore)(nil)
