// Package main is the entrypoint for the adbatch pipeline worker. It consumes job ids
// from the queue, runs each job's waves against the generation provider, and sweeps
// stale claims and expired jobs on a schedule.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/adbatch/internal/cache"
	"github.com/kiranshivaraju/adbatch/internal/config"
	"github.com/kiranshivaraju/adbatch/internal/credentials"
	"github.com/kiranshivaraju/adbatch/internal/events"
	"github.com/kiranshivaraju/adbatch/internal/pipeline"
	"github.com/kiranshivaraju/adbatch/internal/provider"
	"github.com/kiranshivaraju/adbatch/internal/queue"
	"github.com/kiranshivaraju/adbatch/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	pcfg := cfg.Pipeline.WithDefaults()
	slog.Info("config loaded",
		"provider", cfg.Provider.Name,
		"wave_size", pcfg.WaveSize,
		"concurrency", pcfg.WorkerConcurrency,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database, "adbatch-worker")
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	st := store.NewNotifyingStore(store.NewPostgresStore(pool), events.NewRedisBroker(redisCache.Client()))
	jobQueue := queue.NewRedisQueue(redisCache.Client(), cfg.Redis.QueueName)

	vault, err := credentials.NewVault(cfg.Credentials.Key)
	if err != nil {
		return fmt.Errorf("create credentials vault: %w", err)
	}
	creds := credentials.NewResolver(st, vault)

	client, err := provider.New(cfg.Provider)
	if err != nil {
		return fmt.Errorf("create provider client: %w", err)
	}

	lease := cache.NewRunLease(redisCache, cache.DefaultRunLeaseTTL)
	w := newWorker(st, jobQueue, lease, client, creds, cfg.Provider.Name, pcfg)
	if err := w.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	slog.Info("worker started", "queue", cfg.Redis.QueueName, "sweep_schedule", pcfg.SweepSchedule)

	if err := w.runner.Run(ctx); err != nil {
		return fmt.Errorf("run queue consumer: %w", err)
	}
	slog.Info("worker stopped gracefully")
	return nil
}

type worker struct {
	orch      *pipeline.Orchestrator
	scheduler *pipeline.Scheduler
	runner    *pipeline.Runner
	sweeper   *pipeline.Sweeper
}

// newWorker assembles the pipeline around a store, queue and provider client.
func newWorker(st store.Store, q queue.Queue, lease pipeline.Leaser, client provider.Client, creds *credentials.Resolver, providerName string, pcfg config.PipelineConfig) *worker {
	orch := pipeline.NewOrchestrator(st, q, creds, providerName)
	proc := pipeline.NewProcessor(st, client, orch, pipeline.ProcessorConfig{
		MaxRetries:   pcfg.MaxRetries,
		PollInterval: pcfg.PollInterval,
		PollBudget:   pcfg.PollBudget,
	})
	sched := pipeline.NewScheduler(st, orch, proc, creds, providerName, pcfg.WaveSize)
	return &worker{
		orch:      orch,
		scheduler: sched,
		runner:    pipeline.NewRunner(q, sched, pcfg.WorkerConcurrency).WithLease(lease),
		sweeper: pipeline.NewSweeper(st, q, orch, pipeline.SweepConfig{
			Schedule:     pcfg.SweepSchedule,
			StaleAfter:   pcfg.StaleAfter,
			CleanupGrace: pcfg.CleanupGrace,
		}),
	}
}
