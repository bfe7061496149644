// Package main is the entrypoint for the inferencehub API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kiranshivaraju/inferencehub/internal/api"
	"github.com/kiranshivaraju/inferencehub/internal/api/handler"
	mw "github.com/kiranshivaraju/inferencehub/internal/api/middleware"
	"github.com/kiranshivaraju/inferencehub/internal/artifacts"
	"github.com/kiranshivaraju/inferencehub/internal/backend"
	"github.com/kiranshivaraju/inferencehub/internal/balancer"
	"github.com/kiranshivaraju/inferencehub/internal/bootstrap"
	"github.com/kiranshivaraju/inferencehub/internal/cache"
	"github.com/kiranshivaraju/inferencehub/internal/config"
	"github.com/kiranshivaraju/inferencehub/internal/finetune"
	"github.com/kiranshivaraju/inferencehub/internal/inference"
	"github.com/kiranshivaraju/inferencehub/internal/metrics"
	"github.com/kiranshivaraju/inferencehub/internal/respcache"
	"github.com/kiranshivaraju/inferencehub/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

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
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Store.Backend,
		"strategy", cfg.Balancer.Strategy,
		"default_model", cfg.Inference.DefaultModel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the durable store
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 4. Wire components
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(ctx, cfg, st, redisCache, backend.NewHTTPClient(&http.Client{}), registry)
	if err != nil {
		return err
	}

	// 5. Start background loops
	loops := a.startLoops(ctx)

	// 6. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Inference.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		stop()
		loops.Wait()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	loops.Wait()
	a.sched.Wait()
	a.orch.Flush()

	slog.Info("server stopped gracefully")
	return nil
}

// openStore returns the configured store and a func releasing it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Store.Backend == "memory" {
		slog.Warn("using in-memory store; state is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), pool.Close, nil
}

// app holds the wired components behind the router.
type app struct {
	cfg    *config.Config
	router http.Handler
	lb     *balancer.LoadBalancer
	rc     *respcache.ResponseCache
	orch   *inference.Orchestrator
	sched  *finetune.Scheduler
}

func newApp(ctx context.Context, cfg *config.Config, st store.Store, kv cache.Cache, client backend.Client, registry *prometheus.Registry) (*app, error) {
	if err := metrics.InitMetrics(registry); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	if cfg.Fleet.File != "" {
		fleet, err := bootstrap.Load(cfg.Fleet.File)
		if err != nil {
			return nil, fmt.Errorf("load fleet: %w", err)
		}
		if _, err := bootstrap.Apply(ctx, st, fleet); err != nil {
			return nil, fmt.Errorf("apply fleet: %w", err)
		}
	}

	art, err := artifacts.New(ctx, cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("create artifact store: %w", err)
	}

	lb := balancer.New(st, client, balancer.NewPolicy(cfg.Balancer.Strategy),
		balancer.WithProbeTimeout(cfg.Balancer.ProbeTimeout))
	if err := lb.Registry().Refresh(ctx); err != nil {
		return nil, fmt.Errorf("load fleet registry: %w", err)
	}
	slog.Info("load balancer initialized",
		"policy", lb.Policy().Name(),
		"backends", len(lb.Registry().Nodes()),
	)

	embedder, err := respcache.NewEmbedder(cfg.Cache.Embedder, cfg.Cache.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	rc := respcache.New(st, embedder, cfg.Cache)

	orch := inference.NewOrchestrator(st, lb, client, rc, kv, cfg.Inference.DefaultModel, cfg.Inference.RequestTimeout)

	trainer := finetune.SimulatedTrainer{Steps: cfg.FineTune.TrainingSteps, StepDuration: cfg.FineTune.StepDuration}
	sched := finetune.NewScheduler(st, trainer, art, kv,
		finetune.WithIntervals(cfg.FineTune.PollInterval, cfg.FineTune.ErrorBackoff))
	if err := sched.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover fine-tuning jobs: %w", err)
	}

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(kv, cfg.RateLimit.RequestsPerMinute),

		HealthHandler:  handler.NewHealthHandler(map[string]handler.Pinger{"database": st, "cache": kv}),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),

		GenerateHandler:   handler.NewGenerateHandler(orch),
		ListModelsHandler: handler.NewListModelsHandler(orch),

		SubmitJobHandler: handler.NewSubmitJobHandler(sched),
		ListJobsHandler:  handler.NewListJobsHandler(sched),
		GetJobHandler:    handler.NewGetJobHandler(sched),
		JobStatusHandler: handler.NewJobStatusHandler(sched),
		CancelJobHandler: handler.NewCancelJobHandler(sched),

		ServersHandler:    handler.NewServersHandler(lb),
		CacheStatsHandler: handler.NewCacheStatsHandler(rc),
	})

	return &app{cfg: cfg, router: router, lb: lb, rc: rc, orch: orch, sched: sched}, nil
}

// startLoops launches the health, metrics, eviction and job-polling loops.
// They stop when ctx is done; the returned WaitGroup tracks them.
func (a *app) startLoops(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	loops := []struct {
		name string
		fn   func(context.Context)
	}{
		{"health", func(ctx context.Context) { a.lb.RunHealthChecks(ctx, a.cfg.Balancer.HealthCheckInterval) }},
		{"metrics", func(ctx context.Context) { a.lb.RunMetricsCollection(ctx, a.cfg.Balancer.MetricsInterval) }},
		{"cache_eviction", func(ctx context.Context) { a.rc.RunEviction(ctx, a.cfg.Cache.EvictionInterval) }},
		{"finetune", a.sched.Run},
	}
	for _, l := range loops {
		wg.Add(1)
		go func(name string, fn func(context.Context)) {
			defer wg.Done()
			slog.Info("background loop started", "loop", name)
			fn(ctx)
			slog.Info("background loop stopped", "loop", name)
		}(l.name, l.fn)
	}
	return &wg
}
