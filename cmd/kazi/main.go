// Package main is the entry point for the kazi workflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/kazi/internal/catalog"
	"github.com/pitabwire/kazi/internal/config"
	"github.com/pitabwire/kazi/internal/definition"
	"github.com/pitabwire/kazi/internal/idempotency"
	"github.com/pitabwire/kazi/internal/notify"
	"github.com/pitabwire/kazi/internal/observability"
	"github.com/pitabwire/kazi/internal/sweep"
	"github.com/pitabwire/kazi/internal/transport"
	"github.com/pitabwire/kazi/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

const serviceName = "kazi"

// stores is the persistence chosen by configuration. The memory and
// Postgres stores both serve definitions and instances.
type stores interface {
	workflow.Store
	definition.Store
}

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	seedOnly := flag.Bool("seed-only", false, "seed the configured tenants and exit")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, serviceName, version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var (
		metrics  *observability.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Observability.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.InitMetrics(reg)
		gatherer = reg
	}

	// Step 4: Open the workflow store.
	store, closeStore, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return 1
	}
	defer closeStore()

	// Step 5: Definition registry and catalog seeding.
	regOpts := []definition.RegistryOption{definition.WithTTL(cfg.Definitions.CacheTTL)}
	seedOpts := []catalog.Option{
		catalog.WithExtraDirs(cfg.Definitions.Directories...),
		catalog.WithLogger(logger),
	}
	if metrics != nil {
		regOpts = append(regOpts, definition.WithCacheRecorder(metrics))
		seedOpts = append(seedOpts, catalog.WithRecorder(metrics))
	}
	registry := definition.NewRegistry(store, regOpts...)
	seeder := catalog.NewSeeder(store, registry, seedOpts...)

	for _, tenant := range cfg.Definitions.SeedTenants {
		report, err := seeder.SeedDefaultDefinitions(ctx, tenant)
		if err != nil {
			logger.Error("seeding failed", zap.String("tenant_id", tenant), zap.Error(err))
			return 1
		}
		logger.Info("tenant seeded",
			zap.String("tenant_id", tenant),
			zap.Int("created", len(report.Created)),
			zap.Int("updated", len(report.Updated)),
			zap.Int("unchanged", len(report.Unchanged)),
		)
	}
	if *seedOnly {
		return 0
	}

	// Step 6: Notification delivery.
	publisher, notifier, closeNotifier, err := buildPublisher(cfg.Notifications, logger)
	if err != nil {
		logger.Error("notification publisher initialization failed", zap.Error(err))
		return 1
	}
	defer closeNotifier()

	// Step 7: Idempotency store.
	idemStore, idemHealth, closeIdem := buildIdempotencyStore(cfg.Idempotency, logger)
	defer closeIdem()

	// Step 8: Workflow engine.
	engineOpts := []workflow.Option{
		workflow.WithPublisher(publisher),
		workflow.WithLogger(logger),
		workflow.WithSweepBatchSize(cfg.Sweep.BatchSize),
		workflow.WithRelayDelay(cfg.Sweep.RelayDelay),
	}
	if metrics != nil {
		engineOpts = append(engineOpts, workflow.WithRecorder(metrics))
	}
	engine := workflow.NewEngine(registry, store, engineOpts...)

	// Step 9: SLA sweep.
	var scheduler *sweep.Scheduler
	if cfg.Sweep.Enabled {
		scheduler, err = sweep.New(engine, cfg.Sweep.Schedule, cfg.Sweep.RunTimeout, logger)
		if err != nil {
			logger.Error("sweep scheduler initialization failed", zap.Error(err))
			return 1
		}
		scheduler.Start(ctx)
	}

	// Step 10: HTTP router.
	readiness := observability.ReadinessChecks{
		WorkflowStore:    store,
		Notifier:         notifier,
		IdempotencyStore: idemHealth,
	}
	if len(cfg.Definitions.SeedTenants) > 0 {
		readiness.Catalog = catalogCheck(registry, cfg.Definitions.SeedTenants)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity),
		Engine:       engine,
		Registry:     registry,
		Seeder:       seeder,
		Idempotency:  idemStore,
		Metrics:      metrics,
		Gatherer:     gatherer,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("notifications", cfg.Notifications.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Error("sweep scheduler shutdown error", zap.Error(err))
		}
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// buildStore opens the configured workflow store.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (stores, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryStore(), func() {}, nil
	case "postgres":
		dsn := cfg.DSN()
		if dsn == "" {
			return nil, nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = cfg.MaxConns
		poolCfg.MinConns = cfg.MinConns
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: ping: %w", err)
		}

		store := workflow.NewPgStore(pool,
			workflow.WithLockTimeout(cfg.LockTimeout),
			workflow.WithStoreLogger(logger),
		)
		if cfg.MigrateOnBoot {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("workflow store: migrate: %w", err)
			}
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

// buildPublisher creates the notification publisher. The returned health
// checker is nil when the driver has nothing to check.
func buildPublisher(cfg config.NotificationsConfig, logger *zap.Logger) (workflow.IntentPublisher, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "log", "":
		return notify.NewLogPublisher(logger), nil, func() {}, nil
	case "nats":
		conn, err := notify.Connect(cfg.URL(), serviceName, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("notifications: %w", err)
		}
		pub := notify.NewBreaker(
			notify.NewNATSPublisher(conn, cfg.SubjectPrefix, cfg.FlushTimeout, logger),
			cfg.BreakerThreshold, cfg.BreakerCooldown, logger,
		)
		closeConn := func() {
			if err := conn.Drain(); err != nil {
				logger.Warn("nats drain failed", zap.Error(err))
			}
		}
		return pub, pub, closeConn, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported notifications driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, observability.HealthChecker, func()) {
	if !cfg.Enabled {
		return nil, nil, func() {}
	}

	switch cfg.Store.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Store.Addr(),
			DB:   cfg.Store.DB,
		})
		logger.Info("using redis idempotency store", zap.Int("db", cfg.Store.DB))
		store := idempotency.NewRedisStore(client)
		return store, store, func() { _ = client.Close() }
	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, func() {}
	}
}

// catalogCheck reports ready once every seeded tenant has definitions.
func catalogCheck(registry *definition.Registry, tenants []string) observability.HealthCheckFunc {
	return func(ctx context.Context) error {
		for _, tenant := range tenants {
			defs, err := registry.List(ctx, tenant)
			if err != nil {
				return err
			}
			if len(defs) == 0 {
				return fmt.Errorf("tenant %q has no workflow definitions", tenant)
			}
		}
		return nil
	}
}
