package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/adbatch/internal/api/middleware"
	"github.com/kiranshivaraju/adbatch/internal/api/response"
	"github.com/kiranshivaraju/adbatch/internal/cache"
	"github.com/kiranshivaraju/adbatch/internal/pipeline"
	"github.com/kiranshivaraju/adbatch/internal/store"
	"github.com/kiranshivaraju/adbatch/pkg/models"
)

// IdempotencyHeader lets clients retry job submission safely.
const IdempotencyHeader = "Idempotency-Key"

const (
	maxIdempotencyKey = 128
	maxBodyBytes      = 1 << 20
)

// JobService is the slice of the orchestrator the job handlers drive.
type JobService interface {
	CreateJob(ctx context.Context, req pipeline.CreateJobRequest) (*models.Job, error)
	CancelJob(ctx context.Context, jobID, ownerID uuid.UUID) (*models.Job, error)
	DeleteJob(ctx context.Context, jobID, ownerID uuid.UUID) error
}

// JobReader is the read side of the store used by the job handlers.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
	ListItems(ctx context.Context, jobID uuid.UUID) ([]*models.JobItem, error)
}

type createJobRequest struct {
	SourceImageRef string           `json:"source_image_ref"`
	Quality        string           `json:"quality"`
	Prompt         string           `json:"prompt"`
	Variants       []models.Variant `json:"variants"`
}

type jobDetail struct {
	*models.Job
	Items []*models.JobItem `json:"items"`
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// A repeated Idempotency-Key replays the job created by the first request. A nil
// idem, or an unreachable cache, disables replay.
func NewCreateJobHandler(svc JobService, jobs JobReader, idem *cache.Idempotency) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Missing owner", nil)
			return
		}

		var req createJobRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}

		idemKey := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if len(idemKey) > maxIdempotencyKey {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
				IdempotencyHeader+" is too long", nil)
			return
		}

		reserved := false
		if idemKey != "" && idem != nil {
			prior, ok, err := idem.Reserve(r.Context(), ownerID, idemKey)
			switch {
			case errors.Is(err, cache.ErrInProgress):
				response.Error(w, http.StatusConflict, response.CodeInvalidRequest,
					"A request with this "+IdempotencyHeader+" is still in progress", nil)
				return
			case err != nil:
				slog.Warn("idempotency cache unavailable", "owner_id", ownerID, "error", err)
			case !ok:
				replayJob(w, r, jobs, ownerID, prior)
				return
			default:
				reserved = true
			}
		}

		job, err := svc.CreateJob(r.Context(), pipeline.CreateJobRequest{
			OwnerID: ownerID,
			Params: models.JobParams{
				SourceImageRef: req.SourceImageRef,
				Quality:        req.Quality,
				Prompt:         req.Prompt,
			},
			Variants: req.Variants,
		})
		if err != nil {
			if reserved {
				if err := idem.Release(context.WithoutCancel(r.Context()), ownerID, idemKey); err != nil {
					slog.Warn("releasing idempotency key", "owner_id", ownerID, "error", err)
				}
			}
			writeError(w, r, err)
			return
		}

		if reserved {
			if err := idem.Complete(context.WithoutCancel(r.Context()), ownerID, idemKey, job.ID); err != nil {
				slog.Warn("storing idempotency key", "owner_id", ownerID, "job_id", job.ID, "error", err)
			}
		}

		response.Accepted(w, job)
	}
}

func replayJob(w http.ResponseWriter, r *http.Request, jobs JobReader, ownerID, jobID uuid.UUID) {
	job, err := jobs.GetJob(r.Context(), jobID, ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Accepted(w, job)
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Missing owner", nil)
			return
		}

		q := r.URL.Query()
		status := q.Get("status")
		if status != "" && !models.ValidJobStatus(status) {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
				"status is not a known job status", nil)
			return
		}
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
					"limit must be a positive integer", nil)
				return
			}
			limit = n
		}
		limit = store.NormalizeLimit(limit)

		list, err := jobs.ListJobs(r.Context(), store.JobFilter{OwnerID: ownerID, Status: status, Limit: limit})
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []*models.Job{}
		}
		response.List(w, list, response.ListMeta{Count: len(list), Limit: limit, Status: status})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, jobID, ok := jobTarget(w, r)
		if !ok {
			return
		}

		job, err := jobs.GetJob(r.Context(), jobID, ownerID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		items, err := jobs.ListItems(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if items == nil {
			items = []*models.JobItem{}
		}
		response.JSON(w, jobDetail{Job: job, Items: items})
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, jobID, ok := jobTarget(w, r)
		if !ok {
			return
		}

		job, err := svc.CancelJob(r.Context(), jobID, ownerID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewDeleteJobHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{jobID}.
func NewDeleteJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, jobID, ok := jobTarget(w, r)
		if !ok {
			return
		}

		if err := svc.DeleteJob(r.Context(), jobID, ownerID); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

func jobTarget(w http.ResponseWriter, r *http.Request) (ownerID, jobID uuid.UUID, ok bool) {
	ownerID, ok = mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Missing owner", nil)
		return uuid.Nil, uuid.Nil, false
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "jobID must be a UUID", nil)
		return uuid.Nil, uuid.Nil, false
	}
	return ownerID, jobID, true
}
