package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotClaimed means the caller no longer owns the item: it was never claimed by this
	// token, another processor holds it, or it already left the processing state.
	ErrNotClaimed = errors.New("item not claimed by caller")
	// ErrOrphanedItem means the item row disappeared, normally because its job was deleted.
	ErrOrphanedItem = errors.New("item no longer exists")
)

// Store is the data access interface and the source of truth for jobs and items.
// Every mutation is scoped to a single row by primary key, except CreateJob and DeleteJob
// which insert or cascade a job together with its items.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job, items []*models.JobItem) error
	GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error)
	GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	// MarkJobGenerating moves a pending job to generating. changed is false when the job
	// was already past pending.
	MarkJobGenerating(ctx context.Context, id uuid.UUID) (job *models.Job, changed bool, err error)
	CancelJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error)
	// UpdateJobAggregate stores derived counters and status. It writes nothing and returns
	// changed=false when the aggregate is identical to the stored one or would move the
	// terminal count backwards.
	UpdateJobAggregate(ctx context.Context, id uuid.UUID, agg models.JobAggregate) (job *models.Job, changed bool, err error)
	DeleteJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error)
	ListJobsWithPendingItems(ctx context.Context, limit int) ([]uuid.UUID, error)
	ListFinishedJobsBefore(ctx context.Context, before time.Time, limit int) ([]*models.Job, error)

	ListItems(ctx context.Context, jobID uuid.UUID) ([]*models.JobItem, error)
	ListPendingItems(ctx context.Context, jobID uuid.UUID, limit int) ([]*models.JobItem, error)
	ClaimItem(ctx context.Context, id uuid.UUID, token uuid.UUID) (*models.JobItem, error)
	RecordTaskHandle(ctx context.Context, id uuid.UUID, token uuid.UUID, handle string) (*models.JobItem, error)
	CompleteItem(ctx context.Context, id uuid.UUID, token uuid.UUID, resultRef string) (*models.JobItem, error)
	// FailItem records a failed attempt. terminal=false re-queues the item as pending.
	FailItem(ctx context.Context, id uuid.UUID, token uuid.UUID, errMsg string, terminal bool) (*models.JobItem, error)
	RequeueStaleItems(ctx context.Context, startedBefore time.Time) ([]*models.JobItem, error)

	AddGalleryImages(ctx context.Context, job *models.Job, items []*models.JobItem) (int, error)
	ListGallery(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.GalleryImage, error)

	GetProviderCredential(ctx context.Context, ownerID uuid.UUID, provider string) ([]byte, error)
	PutProviderCredential(ctx context.Context, ownerID uuid.UUID, provider string, sealed []byte) error
}

type JobFilter struct {
	OwnerID uuid.UUID
	Status  string
	Limit   int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// NormalizeLimit applies the default and maximum list sizes.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// A pending job can settle straight to a terminal status when every item
// finishes before the first aggregate pass.
var validJobTransitions = map[string][]string{
	models.JobStatusPending: {
		models.JobStatusGenerating, models.JobStatusCompleted, models.JobStatusFailed,
		models.JobStatusPartial, models.JobStatusCancelled,
	},
	models.JobStatusGenerating: {
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusPartial, models.JobStatusCancelled,
	},
}

// CanTransition reports whether a job may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, a := range validJobTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// transitionPredicate renders validJobTransitions as a SQL condition on the
// status column and the target status parameter.
func transitionPredicate(column, target string) string {
	froms := make([]string, 0, len(validJobTransitions))
	for from := range validJobTransitions {
		froms = append(froms, from)
	}
	sort.Strings(froms)

	clauses := []string{column + " = " + target}
	for _, from := range froms {
		tos := make([]string, len(validJobTransitions[from]))
		for i, to := range validJobTransitions[from] {
			tos[i] = "'" + to + "'"
		}
		clauses = append(clauses, fmt.Sprintf("(%s = '%s' AND %s IN (%s))",
			column, from, target, strings.Join(tos, ", ")))
	}
	return "(" + strings.Join(clauses, " OR ") + ")"
}

func aggregateEqual(j *models.Job, agg models.JobAggregate) bool {
	if j.Status != agg.Status || j.CompletedCount != agg.CompletedCount ||
		j.FailedCount != agg.FailedCount || j.ProgressPercentage != agg.ProgressPercentage {
		return false
	}
	switch {
	case j.ErrorMessage == nil && agg.ErrorMessage == nil:
		return true
	case j.ErrorMessage == nil || agg.ErrorMessage == nil:
		return false
	default:
		return *j.ErrorMessage == *agg.ErrorMessage
	}
}
