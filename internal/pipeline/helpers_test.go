package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/pipeline"
	"github.com/kiranshivaraju/adbatch/internal/provider"
	"github.com/kiranshivaraju/adbatch/internal/queue"
	"github.com/kiranshivaraju/adbatch/internal/store"
	"github.com/kiranshivaraju/adbatch/pkg/models"
	"github.com/stretchr/testify/require"
)

type staticKeys struct {
	key string
	err error
}

func (k staticKeys) Resolve(_ context.Context, _ uuid.UUID, _ string) (string, error) {
	return k.key, k.err
}

type allowCredentials struct{ ok bool }

func (c allowCredentials) Has(_ context.Context, _ uuid.UUID, _ string) (bool, error) {
	return c.ok, nil
}

type harness struct {
	store *store.MemoryStore
	queue *queue.MemoryQueue
	orch  *pipeline.Orchestrator
	proc  *pipeline.Processor
	sched *pipeline.Scheduler
	owner uuid.UUID
}

type harnessOpts struct {
	waveSize   int
	pollBudget time.Duration
	keys       pipeline.KeyResolver
}

func newHarness(t *testing.T, client provider.Client, opts harnessOpts) *harness {
	t.Helper()
	if opts.waveSize == 0 {
		opts.waveSize = 5
	}
	if opts.pollBudget == 0 {
		opts.pollBudget = time.Second
	}
	if opts.keys == nil {
		opts.keys = staticKeys{key: "sk-test"}
	}

	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue(64)
	orch := pipeline.NewOrchestrator(st, q, allowCredentials{ok: true}, "imagegen")
	proc := pipeline.NewProcessor(st, client, orch, pipeline.ProcessorConfig{
		MaxRetries:   3,
		PollInterval: time.Millisecond,
		PollBudget:   opts.pollBudget,
	})
	sched := pipeline.NewScheduler(st, orch, proc, opts.keys, "imagegen", opts.waveSize)
	return &harness{store: st, queue: q, orch: orch, proc: proc, sched: sched, owner: uuid.New()}
}

func variants(styles ...string) []models.Variant {
	out := make([]models.Variant, len(styles))
	for i, s := range styles {
		out[i] = models.Variant{StyleID: s, Platform: "instagram", AspectRatio: "1:1"}
	}
	return out
}

func (h *harness) createJob(t *testing.T, styles ...string) *models.Job {
	t.Helper()
	job, err := h.orch.CreateJob(context.Background(), pipeline.CreateJobRequest{
		OwnerID:  h.owner,
		Params:   models.JobParams{SourceImageRef: "s3://bucket/product.png", Quality: models.QualityStandard},
		Variants: variants(styles...),
	})
	require.NoError(t, err)
	return job
}

func (h *harness) items(t *testing.T, jobID uuid.UUID) []*models.JobItem {
	t.Helper()
	items, err := h.store.ListItems(context.Background(), jobID)
	require.NoError(t, err)
	return items
}

func strPtr(s string) *string { return &s }
