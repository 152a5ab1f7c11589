package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/provider"
	"github.com/kiranshivaraju/adbatch/internal/store"
	"github.com/kiranshivaraju/adbatch/pkg/models"
)

// OutcomeKind tags how one item attempt ended.
type OutcomeKind int

const (
	// OutcomeSucceeded: the item completed.
	OutcomeSucceeded OutcomeKind = iota
	// OutcomeRetry: the attempt failed and the item is pending again.
	OutcomeRetry
	// OutcomeFailed: the attempt failed and the retry budget is spent.
	OutcomeFailed
	// OutcomeSkipped: this processor did not own the item, lost it, or could not
	// persist the result. The item's row decides what happens next.
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Outcome is the result of one Process call.
type Outcome struct {
	Kind    OutcomeKind
	Attempt int
	Item    *models.JobItem
	Err     error
}

// RunContext is shared read-only by every item of one scheduler run.
type RunContext struct {
	Job    *models.Job
	APIKey string
	// KeyErr, when set, fails every item terminally without calling the provider.
	KeyErr error
}

// Recomputer refreshes a job aggregate after an item settles.
type Recomputer interface {
	RecomputeJobStatus(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
}

// ProcessorConfig tunes the per-item lifecycle.
type ProcessorConfig struct {
	MaxRetries   int
	PollInterval time.Duration
	PollBudget   time.Duration
}

// Processor drives one item through submit, poll and persist. Every write after the
// claim is conditional on the claim token, so only the current owner can move the item.
type Processor struct {
	store      store.Store
	client     provider.Client
	recomputer Recomputer
	cfg        ProcessorConfig
	logger     *slog.Logger
}

// NewProcessor creates a Processor. recomputer may be nil.
func NewProcessor(st store.Store, client provider.Client, recomputer Recomputer, cfg ProcessorConfig) *Processor {
	return &Processor{
		store:      st,
		client:     client,
		recomputer: recomputer,
		cfg:        cfg,
		logger:     slog.Default().With("component", "processor"),
	}
}

// Process claims item and runs one attempt for it.
func (p *Processor) Process(ctx context.Context, run RunContext, item *models.JobItem) Outcome {
	log := p.logger.With("job_id", item.JobID, "item_id", item.ID)

	token := uuid.New()
	claimed, err := p.store.ClaimItem(ctx, item.ID, token)
	if err != nil {
		return p.lost(log, item, "claiming item", err)
	}
	log = log.With("attempt", claimed.RetryCount+1)

	if run.KeyErr != nil {
		return p.fail(ctx, log, claimed, token, run.KeyErr, true)
	}

	handle, err := p.client.Submit(ctx, provider.SubmitRequest{
		APIKey:  run.APIKey,
		ItemID:  claimed.ID,
		Attempt: claimed.RetryCount + 1,
		Params:  run.Job.Params,
		Variant: claimed.Variant,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeSkipped, Item: claimed, Err: ctx.Err()}
		}
		return p.fail(ctx, log, claimed, token, err, false)
	}

	if _, err := p.store.RecordTaskHandle(ctx, claimed.ID, token, handle); err != nil {
		if errors.Is(err, store.ErrNotClaimed) || errors.Is(err, store.ErrOrphanedItem) {
			return p.lost(log, claimed, "recording task handle", err)
		}
		log.Warn("recording task handle", "task_handle", handle, "error", err)
	}

	resultRef, err := p.poll(ctx, run.APIKey, handle)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeSkipped, Item: claimed, Err: ctx.Err()}
		}
		return p.fail(ctx, log, claimed, token, err, false)
	}

	done, err := p.store.CompleteItem(ctx, claimed.ID, token, resultRef)
	if err != nil {
		return p.lost(log, claimed, "completing item", err)
	}
	log.Info("item completed", "task_handle", handle)

	if p.recomputer != nil {
		if _, err := p.recomputer.RecomputeJobStatus(ctx, done.JobID); err != nil {
			log.Warn("recomputing job after item completion", "error", err)
		}
	}
	return Outcome{Kind: OutcomeSucceeded, Attempt: done.RetryCount + 1, Item: done}
}

// poll waits for a terminal task status within the poll budget.
func (p *Processor) poll(ctx context.Context, apiKey, handle string) (string, error) {
	budget := time.NewTimer(p.cfg.PollBudget)
	defer budget.Stop()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-budget.C:
			return "", ErrTimeout
		case <-ticker.C:
		}

		st, err := p.client.Status(ctx, apiKey, handle)
		if err != nil {
			return "", err
		}
		switch st.Status {
		case provider.StatusCompleted:
			return st.ResultRef, nil
		case provider.StatusFailed:
			msg := st.Error
			if msg == "" {
				msg = "generation failed"
			}
			return "", fmt.Errorf("%w: %s", ErrProvider, msg)
		}
	}
}

// fail records a failed attempt. The item goes back to pending unless the retry budget
// is spent or terminal is set.
func (p *Processor) fail(ctx context.Context, log *slog.Logger, item *models.JobItem, token uuid.UUID, cause error, terminal bool) Outcome {
	attempt := item.RetryCount + 1
	terminal = terminal || attempt >= p.cfg.MaxRetries

	updated, err := p.store.FailItem(ctx, item.ID, token, cause.Error(), terminal)
	if err != nil {
		return p.lost(log, item, "recording item failure", err)
	}

	if terminal {
		log.Warn("item failed", "error", cause)
		return Outcome{Kind: OutcomeFailed, Attempt: attempt, Item: updated, Err: cause}
	}
	log.Info("item attempt failed, will retry", "error", cause)
	return Outcome{Kind: OutcomeRetry, Attempt: attempt, Item: updated, Err: cause}
}

// lost maps a rejected conditional write to a skipped outcome.
func (p *Processor) lost(log *slog.Logger, item *models.JobItem, op string, err error) Outcome {
	switch {
	case errors.Is(err, store.ErrNotClaimed):
		log.Debug(op+": item owned elsewhere", "error", err)
		return Outcome{Kind: OutcomeSkipped, Item: item, Err: err}
	case errors.Is(err, store.ErrOrphanedItem):
		log.Warn(op+": discarding write for deleted item", "error", err)
		return Outcome{Kind: OutcomeSkipped, Item: item, Err: fmt.Errorf("%w: %v", ErrConsistency, err)}
	default:
		log.Error(op, "error", err)
		return Outcome{Kind: OutcomeSkipped, Item: item, Err: fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)}
	}
}
