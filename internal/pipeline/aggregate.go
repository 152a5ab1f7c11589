package pipeline

import (
	"github.com/kiranshivaraju/adbatch/pkg/models"
)

// Aggregate derives a job's counters, status and representative error from its items.
//
// All items completed gives completed, all failed gives failed, and any other fully
// terminal mix gives partial. A job with work left stays pending until its first item
// settles and generating afterwards. Cancelled is sticky.
func Aggregate(job *models.Job, items []*models.JobItem) models.JobAggregate {
	var completed, failed int
	var latest *models.JobItem
	for _, it := range items {
		switch it.Status {
		case models.ItemStatusCompleted:
			completed++
		case models.ItemStatusFailed:
			failed++
			if newerFailure(it, latest) {
				latest = it
			}
		}
	}

	total := job.TotalItems
	agg := models.JobAggregate{
		CompletedCount:     completed,
		FailedCount:        failed,
		ProgressPercentage: models.Progress(completed, failed, total),
	}
	if latest != nil && latest.ErrorMessage != nil {
		msg := *latest.ErrorMessage
		agg.ErrorMessage = &msg
	}

	switch {
	case job.Status == models.JobStatusCancelled:
		agg.Status = models.JobStatusCancelled
	case total > 0 && completed == total:
		agg.Status = models.JobStatusCompleted
	case total > 0 && failed == total:
		agg.Status = models.JobStatusFailed
	case total > 0 && completed+failed == total:
		agg.Status = models.JobStatusPartial
	case job.Status == models.JobStatusPending && completed+failed == 0:
		agg.Status = models.JobStatusPending
	default:
		agg.Status = models.JobStatusGenerating
	}
	return agg
}

// newerFailure reports whether a failed later than b, breaking ties by position.
func newerFailure(a, b *models.JobItem) bool {
	if b == nil {
		return true
	}
	switch {
	case a.CompletedAt == nil && b.CompletedAt == nil:
		return a.Position > b.Position
	case a.CompletedAt == nil:
		return false
	case b.CompletedAt == nil:
		return true
	case a.CompletedAt.Equal(*b.CompletedAt):
		return a.Position > b.Position
	default:
		return a.CompletedAt.After(*b.CompletedAt)
	}
}
