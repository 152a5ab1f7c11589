package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/queue"
	"github.com/kiranshivaraju/adbatch/internal/store"
	"github.com/kiranshivaraju/adbatch/pkg/models"
)

// MaxVariants bounds the number of items in one job.
const MaxVariants = 50

// CreateJobRequest is the job submission input.
type CreateJobRequest struct {
	OwnerID  uuid.UUID
	Params   models.JobParams
	Variants []models.Variant
}

// CredentialChecker reports whether an owner can call the provider.
type CredentialChecker interface {
	Has(ctx context.Context, ownerID uuid.UUID, provider string) (bool, error)
}

// Orchestrator owns the job-level state machine.
type Orchestrator struct {
	store    store.Store
	queue    queue.Queue
	creds    CredentialChecker
	provider string
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator. q and creds may be nil in processes that
// never create jobs.
func NewOrchestrator(st store.Store, q queue.Queue, creds CredentialChecker, providerName string) *Orchestrator {
	return &Orchestrator{
		store:    st,
		queue:    q,
		creds:    creds,
		provider: providerName,
		logger:   slog.Default().With("component", "orchestrator"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func validateCreate(req CreateJobRequest) error {
	if req.OwnerID == uuid.Nil {
		return fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if strings.TrimSpace(req.Params.SourceImageRef) == "" {
		return fmt.Errorf("%w: source_image_ref is required", ErrValidation)
	}
	if len(req.Variants) == 0 {
		return fmt.Errorf("%w: at least one variant is required", ErrValidation)
	}
	if len(req.Variants) > MaxVariants {
		return fmt.Errorf("%w: at most %d variants are allowed", ErrValidation, MaxVariants)
	}
	switch req.Params.Quality {
	case "", models.QualityStandard, models.QualityHigh:
	default:
		return fmt.Errorf("%w: quality must be %q or %q", ErrValidation, models.QualityStandard, models.QualityHigh)
	}
	for i, v := range req.Variants {
		if strings.TrimSpace(v.StyleID) == "" || strings.TrimSpace(v.Platform) == "" {
			return fmt.Errorf("%w: variant %d needs style_id and platform", ErrValidation, i)
		}
	}
	return nil
}

// CreateJob persists a pending job with one pending item per variant and enqueues it.
// A failed enqueue is logged only: the sweeper re-enqueues jobs with pending items.
func (o *Orchestrator) CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	if o.creds != nil {
		ok, err := o.creds.Has(ctx, req.OwnerID, o.provider)
		if err != nil {
			return nil, fmt.Errorf("checking provider credential: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: no %s credential on file", ErrQuotaExceeded, o.provider)
		}
	}

	params := req.Params
	if params.Quality == "" {
		params.Quality = models.QualityStandard
	}

	now := o.now()
	job := &models.Job{
		ID:         uuid.New(),
		OwnerID:    req.OwnerID,
		Status:     models.JobStatusPending,
		TotalItems: len(req.Variants),
		Params:     params,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	items := make([]*models.JobItem, len(req.Variants))
	for i, v := range req.Variants {
		items[i] = &models.JobItem{
			ID:        uuid.New(),
			JobID:     job.ID,
			OwnerID:   req.OwnerID,
			Variant:   v,
			Position:  i,
			Status:    models.ItemStatusPending,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if err := o.store.CreateJob(ctx, job, items); err != nil {
		return nil, fmt.Errorf("%w: creating job: %v", ErrPersistence, err)
	}

	if o.queue != nil {
		if err := o.queue.Enqueue(ctx, job.ID); err != nil {
			o.logger.Warn("enqueueing job", "job_id", job.ID, "error", err)
		}
	}

	o.logger.Info("job created", "job_id", job.ID, "owner_id", job.OwnerID, "items", job.TotalItems)
	return job, nil
}

// CancelJob moves a pending or generating job to cancelled. Items keep their status;
// in-flight provider calls are not aborted.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID, ownerID uuid.UUID) (*models.Job, error) {
	job, err := o.store.CancelJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	o.logger.Info("job cancelled", "job_id", jobID, "owner_id", ownerID)
	return job, nil
}

// MarkGenerating moves a pending job to generating.
func (o *Orchestrator) MarkGenerating(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, _, err := o.store.MarkJobGenerating(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: job %s no longer exists", ErrConsistency, jobID)
	}
	return job, err
}

// RecomputeJobStatus re-derives the job aggregate from its items. It is safe to call
// concurrently and writes nothing when the aggregate is unchanged. The first transition
// into completed or partial surfaces the job's images in the gallery.
func (o *Orchestrator) RecomputeJobStatus(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := o.store.GetJobByID(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: job %s no longer exists", ErrConsistency, jobID)
	}
	if err != nil {
		return nil, err
	}
	items, err := o.store.ListItems(ctx, jobID)
	if err != nil {
		return nil, err
	}

	updated, changed, err := o.store.UpdateJobAggregate(ctx, jobID, Aggregate(job, items))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: job %s no longer exists", ErrConsistency, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: updating job aggregate: %v", ErrPersistence, err)
	}
	if !changed {
		return updated, nil
	}

	if updated.Finished() && !job.Finished() {
		added, err := o.store.AddGalleryImages(ctx, updated, items)
		if err != nil {
			o.logger.Warn("surfacing gallery images", "job_id", jobID, "error", err)
		} else {
			o.logger.Info("job finished", "job_id", jobID, "status", updated.Status, "gallery_added", added)
		}
	}
	if updated.Status == models.JobStatusFailed && job.Status != models.JobStatusFailed {
		o.logger.Info("job failed", "job_id", jobID, "failed", updated.FailedCount)
	}
	return updated, nil
}

// DeleteJob hard-deletes a job and its items.
func (o *Orchestrator) DeleteJob(ctx context.Context, jobID, ownerID uuid.UUID) error {
	if _, err := o.store.DeleteJob(ctx, jobID, ownerID); err != nil {
		return err
	}
	o.logger.Info("job deleted", "job_id", jobID, "owner_id", ownerID)
	return nil
}

// Cleanup deletes completed and partial jobs that finished more than grace ago, after
// making sure their images reached the gallery. It returns the number of jobs deleted.
func (o *Orchestrator) Cleanup(ctx context.Context, grace time.Duration) (int, error) {
	jobs, err := o.store.ListFinishedJobsBefore(ctx, o.now().Add(-grace), 100)
	if err != nil {
		return 0, fmt.Errorf("listing finished jobs: %w", err)
	}

	deleted := 0
	for _, job := range jobs {
		items, err := o.store.ListItems(ctx, job.ID)
		if err != nil {
			return deleted, fmt.Errorf("listing items of job %s: %w", job.ID, err)
		}
		if _, err := o.store.AddGalleryImages(ctx, job, items); err != nil {
			o.logger.Warn("surfacing gallery images before cleanup", "job_id", job.ID, "error", err)
			continue
		}
		if _, err := o.store.DeleteJob(ctx, job.ID, job.OwnerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return deleted, fmt.Errorf("deleting job %s: %w", job.ID, err)
		}
		deleted++
	}
	return deleted, nil
}
