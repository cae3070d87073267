// Command coordinatord is the task engine's composition root: it wires
// persistence, task registry sync, the job queue, the cron scheduler,
// the worker subprocess pool, the execution coordinator and output
// delivery into one supervised process, plus an ambient health/metrics
// HTTP surface. Grounded on the teacher's cmd/server main.go
// initialization order (config load -> DB connect -> migrate -> build
// services -> attach HTTP -> run until signal), adapted from its
// single blockchain-oracle `app.Application` into this domain's
// several independently-ticking loops (sync, scheduler, coordinator)
// supervised by one process and one signal-driven shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	stdsync "sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/taskengine/infrastructure/logging"
	"github.com/r3e-network/taskengine/infrastructure/metrics"
	"github.com/r3e-network/taskengine/infrastructure/middleware"
	"github.com/r3e-network/taskengine/internal/config"
	"github.com/r3e-network/taskengine/internal/coordinator"
	"github.com/r3e-network/taskengine/internal/delivery"
	"github.com/r3e-network/taskengine/internal/platform/database"
	"github.com/r3e-network/taskengine/internal/platform/migrations"
	"github.com/r3e-network/taskengine/internal/queue"
	"github.com/r3e-network/taskengine/internal/registry"
	"github.com/r3e-network/taskengine/internal/scheduler"
	"github.com/r3e-network/taskengine/internal/store"
	tasksync "github.com/r3e-network/taskengine/internal/sync"
	"github.com/r3e-network/taskengine/internal/worker"
	"github.com/r3e-network/taskengine/internal/worker/engine"
)

// Exit codes per spec.md §6.
const (
	exitOK              = 0
	exitStartupFailure  = 1
	exitConfigInvalid   = 2
	exitMigrationFailed = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	taskworkerBinary := flag.String("taskworker-binary", envOr("TASKWORKER_BINARY", "taskworker"), "path to the cmd/taskworker executable")
	skipMigrate := flag.Bool("skip-migrate", false, "skip applying embedded database migrations on startup")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinatord: load config: %v\n", err)
		return exitConfigInvalid
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "coordinatord: invalid config: %v\n", err)
		return exitConfigInvalid
	}

	logger := logging.New("coordinatord", cfg.LogLevel, cfg.LogFormat)
	m := metrics.New("coordinatord")

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(rootCtx, cfg.Database.DSN)
	if err != nil {
		logger.WithError(err).Error("coordinatord: connect to database")
		return exitStartupFailure
	}
	defer db.Close()

	if !*skipMigrate {
		if err := migrations.Apply(rootCtx, db); err != nil {
			logger.WithError(err).Error("coordinatord: apply migrations")
			return exitMigrationFailed
		}
	}

	st := store.NewPostgres(db)

	// A short-lived runtime dedicated to validating discovered scripts
	// during sync. Unlike cmd/taskworker's runtime, this one never
	// executes untrusted task input, only ValidateScript's parse-only
	// check, so running it in-process alongside the coordinator does
	// not reintroduce the isolation spec.md §4.6 requires for Execute.
	validationRuntime := engine.NewGojaRuntime(nil)
	if err := validationRuntime.Initialize(rootCtx); err != nil {
		logger.WithError(err).Error("coordinatord: initialize validation runtime")
		return exitStartupFailure
	}
	defer validationRuntime.Shutdown(rootCtx)

	source, err := buildRegistrySource(cfg.Registry)
	if err != nil {
		logger.WithError(err).Error("coordinatord: build registry source")
		return exitStartupFailure
	}

	syncer := &tasksync.Syncer{
		Sources:   []registry.Source{source},
		Store:     st,
		Validator: &registry.Validator{ScriptChecker: validationRuntime.ValidateScript},
		Policy:    tasksync.ConflictPolicy(cfg.Registry.ConflictPolicy),
		Logger:    logger,
	}

	q := queue.New(st, queue.Config{
		DequeueBatchSize:  cfg.Queue.DequeueBatchSize,
		LeaseDuration:     cfg.Queue.LeaseDuration,
		DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
		RetryDelayCap:     cfg.Queue.RetryDelayCap,
	}, logger)

	sched := scheduler.New(st, q, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		BatchSize:    cfg.Queue.DequeueBatchSize,
	}, logger)

	pool, err := worker.New(rootCtx, worker.Config{
		PoolSize:         cfg.Execution.PoolSize,
		BinaryPath:       *taskworkerBinary,
		ExecutionTimeout: cfg.Execution.ExecutionTimeout,
		ShutdownGrace:    cfg.Execution.ShutdownGrace,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("coordinatord: spawn worker pool")
		return exitStartupFailure
	}
	defer pool.Shutdown()

	deliverer := delivery.NewService(st, delivery.DefaultFactories(), m, logger)

	coord := coordinator.New(st, st, q, pool, deliverer, source, coordinator.Config{
		Owner:           coordinatorOwner(),
		PollInterval:    cfg.Queue.DequeueInterval,
		DefaultTimeout:  cfg.Execution.ExecutionTimeout,
		DeliveryTimeout: cfg.Delivery.WebhookTimeout*time.Duration(cfg.Delivery.MaxAttempts) + cfg.Delivery.RetryDelay,
	}, logger, m)

	health := middleware.NewHealthChecker("coordinatord")
	health.RegisterCheck("database", func() error { return st.HealthCheck(context.Background()) })
	health.RegisterCheck("worker_pool", func() error {
		if pool.IdleCount() < 0 {
			return fmt.Errorf("worker pool reports a negative idle count")
		}
		return nil
	})

	httpServer := buildHTTPServer(cfg, health, m)

	var wg stdsync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); sched.Run(rootCtx) }()
	go func() { defer wg.Done(); coord.Run(rootCtx) }()
	go func() { defer wg.Done(); runSyncLoop(rootCtx, syncer, cfg.Registry.SyncInterval, logger) }()
	go func() {
		defer wg.Done()
		runStatsLoop(rootCtx, q, pool, cfg.Execution.PoolSize, m, time.Now(), 5*time.Second)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]any{"addr": httpServer.Addr}).Info("coordinatord: health/metrics server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-rootCtx.Done():
	case err := <-serverErr:
		logger.WithError(err).Error("coordinatord: health/metrics server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	wg.Wait()
	logger.Info("coordinatord: shutdown complete")
	return exitOK
}

// buildRegistrySource picks a registry.Source implementation from
// RegistryConfig.SourceURI's scheme, per spec.md §6's
// `registry {sources: [...]}` configuration domain.
func buildRegistrySource(cfg config.RegistryConfig) (registry.Source, error) {
	u, err := url.Parse(cfg.SourceURI)
	if err != nil {
		return nil, fmt.Errorf("parse REGISTRY_SOURCE_URI: %w", err)
	}

	switch u.Scheme {
	case "", "file":
		// net/url would split a relative "file://./tasks" into
		// Host="." and Path="/tasks", losing the leading "./"; strip
		// the scheme textually instead so relative roots survive.
		root := strings.TrimPrefix(cfg.SourceURI, "file://")
		if root == "" {
			root = cfg.SourceURI
		}
		return registry.NewFilesystemSource(root, cfg.WatchEnabled, 500*time.Millisecond), nil
	case "http", "https":
		return registry.NewHTTPSource(cfg.SourceURI, registry.HTTPAuth{}, nil), nil
	case "git", "git+https", "git+ssh":
		workingDir := filepath.Join(os.TempDir(), "taskengine-registry-git")
		return registry.NewGitSource(strings.TrimPrefix(cfg.SourceURI, "git+"), "main", 1, registry.GitAuth{}, workingDir), nil
	default:
		return nil, fmt.Errorf("unsupported registry source scheme %q", u.Scheme)
	}
}

// runSyncLoop runs one reconciliation pass immediately, then on every
// tick of interval, until ctx is cancelled.
func runSyncLoop(ctx context.Context, syncer *tasksync.Syncer, interval time.Duration, logger *logging.Logger) {
	logSyncReport(syncer.Sync(ctx), logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logSyncReport(syncer.Sync(ctx), logger)
		}
	}
}

func logSyncReport(report tasksync.Report, logger *logging.Logger) {
	if logger == nil {
		return
	}
	fields := map[string]any{
		"added":       len(report.Added),
		"updated":     len(report.Updated),
		"skipped":     len(report.Skipped),
		"unavailable": len(report.Unavailable),
		"errors":      len(report.Errors),
	}
	if len(report.Errors) > 0 {
		logger.WithFields(fields).Warn("registry sync pass completed with errors")
		return
	}
	logger.WithFields(fields).Info("registry sync pass complete")
}

// runStatsLoop mirrors queue depth and worker occupancy onto the
// teacher's pre-existing Prometheus gauges (infrastructure/metrics),
// which otherwise have no caller in this core.
func runStatsLoop(ctx context.Context, q *queue.Service, pool *worker.Pool, poolSize int, m *metrics.Metrics, startedAt time.Time, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := pool.IdleCount()
			busy := poolSize - idle
			if busy < 0 {
				busy = 0
			}
			m.SetWorkerCounts(busy, idle)
			m.UpdateUptime(startedAt)

			stats, err := q.Stats(ctx)
			if err != nil {
				continue
			}
			m.SetQueueDepth("taskengine", "queued", int(stats.Queued))
			m.SetQueueDepth("taskengine", "processing", int(stats.Processing))
			m.SetQueueDepth("taskengine", "retrying", int(stats.Retrying))
			m.SetQueueDepth("taskengine", "completed", int(stats.Completed))
			m.SetQueueDepth("taskengine", "failed", int(stats.Failed))
			m.SetQueueDepth("taskengine", "cancelled", int(stats.Cancelled))
		}
	}
}

func buildHTTPServer(cfg *config.Config, health *middleware.HealthChecker, m *metrics.Metrics) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", health.Handler())
	r.Get("/livez", middleware.LivenessHandler())
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
}

func coordinatorOwner() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return "coordinator-" + host
	}
	return "coordinator"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
