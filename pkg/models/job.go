// Package models contains shared data models used across the adbatch codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Job statuses.
const (
	JobStatusPending    = "pending"
	JobStatusGenerating = "generating"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusPartial    = "partial"
	JobStatusCancelled  = "cancelled"
)

// Item statuses.
const (
	ItemStatusPending    = "pending"
	ItemStatusProcessing = "processing"
	ItemStatusCompleted  = "completed"
	ItemStatusFailed     = "failed"
)

// Quality tiers accepted for a job.
const (
	QualityStandard = "standard"
	QualityHigh     = "high"
)

// JobParams are the generation inputs shared by every item of a job.
type JobParams struct {
	SourceImageRef string `json:"source_image_ref"`
	Quality        string `json:"quality"`
	Prompt         string `json:"prompt,omitempty"`
}

// Variant describes one requested output of a job.
type Variant struct {
	StyleID     string `json:"style_id"`
	Platform    string `json:"platform"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// Job is one user-submitted advertising batch. Its counters and status are derived
// from its items by the orchestrator; only cancellation sets the status directly.
type Job struct {
	ID                 uuid.UUID  `db:"id"                  json:"id"`
	OwnerID            uuid.UUID  `db:"owner_id"            json:"owner_id"`
	Status             string     `db:"status"              json:"status"`
	TotalItems         int        `db:"total_items"         json:"total_items"`
	CompletedCount     int        `db:"completed_count"     json:"completed_count"`
	FailedCount        int        `db:"failed_count"        json:"failed_count"`
	ProgressPercentage int        `db:"progress_percentage" json:"progress_percentage"`
	Params             JobParams  `db:"params"              json:"params"`
	ErrorMessage       *string    `db:"error_message"       json:"error_message,omitempty"`
	Version            int64      `db:"version"             json:"version"`
	CreatedAt          time.Time  `db:"created_at"          json:"created_at"`
	StartedAt          *time.Time `db:"started_at"          json:"started_at,omitempty"`
	CompletedAt        *time.Time `db:"completed_at"        json:"completed_at,omitempty"`
	UpdatedAt          time.Time  `db:"updated_at"          json:"updated_at"`
}

// JobItem is one external generation call within a job.
type JobItem struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	JobID        uuid.UUID  `db:"job_id"        json:"job_id"`
	OwnerID      uuid.UUID  `db:"owner_id"      json:"owner_id"`
	Variant      Variant    `db:"-"             json:"variant"`
	Position     int        `db:"position"      json:"position"`
	Status       string     `db:"status"        json:"status"`
	TaskHandle   *string    `db:"task_handle"   json:"task_handle,omitempty"`
	ResultRef    *string    `db:"result_ref"    json:"result_ref,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int        `db:"retry_count"   json:"retry_count"`
	ClaimToken   *uuid.UUID `db:"claim_token"   json:"-"`
	Version      int64      `db:"version"       json:"version"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}

// JobAggregate is the derived job state computed from its items.
type JobAggregate struct {
	Status             string
	CompletedCount     int
	FailedCount        int
	ProgressPercentage int
	ErrorMessage       *string
}

// Terminal reports whether no further automatic transition happens to the job.
func (j *Job) Terminal() bool {
	return IsTerminalJobStatus(j.Status)
}

// Finished reports whether the job produced gallery output (completed or partial).
func (j *Job) Finished() bool {
	return IsFinishedJobStatus(j.Status)
}

// Cancellable reports whether the job may still be cancelled.
func (j *Job) Cancellable() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusGenerating
}

// Terminal reports whether the item can no longer change automatically.
func (i *JobItem) Terminal() bool {
	return i.Status == ItemStatusCompleted || i.Status == ItemStatusFailed
}

// IsTerminalJobStatus reports whether status is a terminal job status.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusPartial, JobStatusCancelled:
		return true
	}
	return false
}

// IsFinishedJobStatus reports whether status is completed or partial.
func IsFinishedJobStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusPartial
}

// ValidJobStatus reports whether status is a known job status.
func ValidJobStatus(status string) bool {
	return status == JobStatusPending || status == JobStatusGenerating || IsTerminalJobStatus(status)
}

// Progress returns round(100 * terminal / total), or 0 for an empty job.
func Progress(completed, failed, total int) int {
	if total <= 0 {
		return 0
	}
	terminal := completed + failed
	return (200*terminal + total) / (2 * total)
}
