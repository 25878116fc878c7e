// Package app is the composition root: it wires config, infrastructure
// clients, persistence adapters, the C6 engine, and the C7/C8/C9/C10
// components into the run modes (api, scheduler, seed).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/crawlcoord/internal/config"
	"github.com/wisbric/crawlcoord/internal/httpserver"
	"github.com/wisbric/crawlcoord/internal/platform"
	"github.com/wisbric/crawlcoord/internal/seed"
	"github.com/wisbric/crawlcoord/internal/store"
	"github.com/wisbric/crawlcoord/internal/telemetry"
	"github.com/wisbric/crawlcoord/internal/version"
	"github.com/wisbric/crawlcoord/pkg/autorecord"
	"github.com/wisbric/crawlcoord/pkg/botcoord"
	"github.com/wisbric/crawlcoord/pkg/jobengine"
	"github.com/wisbric/crawlcoord/pkg/pendingcache"
	"github.com/wisbric/crawlcoord/pkg/policyadmin"
	"github.com/wisbric/crawlcoord/pkg/recordqueue"
	"github.com/wisbric/crawlcoord/pkg/scheduler"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api, scheduler, or seed).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting crawlcoord", "mode", cfg.Mode, "listen", cfg.ListenAddr(), "version", version.Version)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "crawlcoord", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	deps := wire(db, rdb, logger, cfg)
	if err := deps.configProvider.Reload(ctx); err != nil {
		return fmt.Errorf("loading initial configuration: %w", err)
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, deps)
	case "scheduler":
		return runScheduler(ctx, cfg, logger, deps)
	case "seed":
		return seed.Run(ctx, deps.productURLs, deps.bots, deps.policies, deps.policySvc, logger)
	default:
		return fmt.Errorf("unknown mode: %s (want api, scheduler, or seed)", cfg.Mode)
	}
}

// dependencies holds every adapter and service the run modes share.
type dependencies struct {
	jobs        *store.JobStore
	policies    *store.PolicyStore
	productURLs *store.ProductURLStore
	bots        *store.BotStore

	configProvider *store.ConfigProvider

	cache *pendingcache.Cache
	queue *recordqueue.Queue

	engine    *jobengine.Engine
	recorder  *autorecord.Processor
	botSvc    *botcoord.Service
	policySvc *policyadmin.Service
}

func wire(pool *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger, cfg *config.Config) dependencies {
	jobs := store.NewJobStore(pool)
	policies := store.NewPolicyStore(pool)
	results := store.NewResultStore(pool)
	bots := store.NewBotStore(pool)
	productURLs := store.NewProductURLStore(pool)
	configProvider := store.NewConfigProvider(pool)

	cache := pendingcache.New(rdb)
	queue := recordqueue.New(rdb)

	engine := jobengine.New(jobs, policies)
	recorder := autorecord.New(queue, results, results, productURLs, configProvider, logger, cfg.RecordMaxRetries)
	botSvc := botcoord.New(engine, jobs, policies, results, bots, cache, queue, logger, cfg.PullCacheTTLSecs)
	policySvc := policyadmin.NewService(policies)

	return dependencies{
		jobs: jobs, policies: policies, productURLs: productURLs, bots: bots, configProvider: configProvider,
		cache: cache, queue: queue,
		engine: engine, recorder: recorder, botSvc: botSvc, policySvc: policySvc,
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, deps dependencies) error {
	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	botHandler := botcoord.NewHandler(deps.botSvc)
	adminHandler := policyadmin.NewHandler(deps.policySvc, cfg.AdminToken)

	srv.APIRouter.Mount("/", botHandler.Routes())
	srv.APIRouter.Mount("/admin/policies", adminHandler.Routes())

	if cfg.RunSchedulerInline {
		sched, err := newScheduler(cfg, logger, deps)
		if err != nil {
			return err
		}
		go func() {
			if err := sched.Run(ctx); err != nil {
				logger.Error("inline scheduler stopped", "error", err)
			}
		}()
		logger.Info("scheduler running inline within the api process")
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runScheduler(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps dependencies) error {
	sched, err := newScheduler(cfg, logger, deps)
	if err != nil {
		return err
	}
	logger.Info("scheduler started as standalone process")
	return sched.Run(ctx)
}

func newScheduler(cfg *config.Config, logger *slog.Logger, deps dependencies) (*scheduler.Scheduler, error) {
	interval, err := time.ParseDuration(cfg.SchedulerInterval)
	if err != nil {
		return nil, fmt.Errorf("parsing scheduler interval %q: %w", cfg.SchedulerInterval, err)
	}
	return scheduler.New(deps.policies, deps.productURLs, deps.jobs, deps.engine, deps.recorder, deps.cache, logger, scheduler.Config{
		Interval:                interval,
		PolicyBatchSize:         cfg.SchedulerBatchSize,
		URLPageSize:             cfg.ScheduleURLPageSize,
		SweepBatchSize:          cfg.SweepBatchSize,
		RecordBatchSize:         cfg.RecordBatchSize,
		RetryFailedEveryBatches: cfg.RetryFailedEveryBatches,
	}), nil
}
