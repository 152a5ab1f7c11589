// Package main is the entrypoint for the adbatch API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/adbatch/internal/api"
	"github.com/kiranshivaraju/adbatch/internal/api/handler"
	mw "github.com/kiranshivaraju/adbatch/internal/api/middleware"
	"github.com/kiranshivaraju/adbatch/internal/cache"
	"github.com/kiranshivaraju/adbatch/internal/config"
	"github.com/kiranshivaraju/adbatch/internal/credentials"
	"github.com/kiranshivaraju/adbatch/internal/events"
	"github.com/kiranshivaraju/adbatch/internal/pipeline"
	"github.com/kiranshivaraju/adbatch/internal/queue"
	"github.com/kiranshivaraju/adbatch/internal/store"
)

const (
	shutdownTimeout = 30 * time.Second
	eventHeartbeat  = 15 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "provider", cfg.Provider.Name, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database, "adbatch-server")
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Store with change notifications, job queue, credentials
	broker := events.NewRedisBroker(redisCache.Client())
	st := store.NewNotifyingStore(store.NewPostgresStore(pool), broker)
	jobQueue := queue.NewRedisQueue(redisCache.Client(), cfg.Redis.QueueName)

	vault, err := credentials.NewVault(cfg.Credentials.Key)
	if err != nil {
		return fmt.Errorf("create credentials vault: %w", err)
	}
	creds := credentials.NewResolver(st, vault)

	// 6. Build router
	router := newRouter(routerDeps{
		store:      st,
		cache:      redisCache,
		queue:      jobQueue,
		subscriber: broker,
		creds:      creds,
		provider:   cfg.Provider.Name,
		rateLimit:  cfg.Server.RateLimitPerMinute,
	})

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

type routerDeps struct {
	store      store.Store
	cache      cache.Cache
	queue      queue.Queue
	subscriber events.Subscriber
	creds      *credentials.Resolver
	provider   string
	rateLimit  int
}

// newRouter wires handlers onto the API router.
func newRouter(d routerDeps) http.Handler {
	orch := pipeline.NewOrchestrator(d.store, d.queue, d.creds, d.provider)

	return api.NewRouter(api.Dependencies{
		RateLimit: mw.NewRateLimit(d.cache, d.rateLimit),

		HealthHandler:    handler.NewHealthHandler(d.store, d.cache),
		CreateJobHandler: handler.NewCreateJobHandler(orch, d.store, cache.NewIdempotency(d.cache, cache.DefaultIdempotencyTTL)),
		ListJobsHandler:  handler.NewListJobsHandler(d.store),
		GetJobHandler:    handler.NewGetJobHandler(d.store),
		CancelJobHandler: handler.NewCancelJobHandler(orch),
		DeleteJobHandler: handler.NewDeleteJobHandler(orch),
		GalleryHandler:   handler.NewGalleryHandler(d.store),
		PutCredential:    handler.NewPutCredentialHandler(d.creds),
		EventsHandler:    handler.NewEventsHandler(d.subscriber, eventHeartbeat),
	})
}
