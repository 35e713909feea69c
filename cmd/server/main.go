// Package main is the entrypoint for the genflow API server and workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/genflow/internal/api"
	"github.com/kiranshivaraju/genflow/internal/api/handler"
	mw "github.com/kiranshivaraju/genflow/internal/api/middleware"
	"github.com/kiranshivaraju/genflow/internal/cache"
	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/kiranshivaraju/genflow/internal/dispatch"
	"github.com/kiranshivaraju/genflow/internal/ledger"
	"github.com/kiranshivaraju/genflow/internal/media"
	"github.com/kiranshivaraju/genflow/internal/metrics"
	"github.com/kiranshivaraju/genflow/internal/provider/factory"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/internal/telemetry"
	"github.com/kiranshivaraju/genflow/internal/tracker"
	"github.com/kiranshivaraju/genflow/internal/vault"
	"github.com/kiranshivaraju/genflow/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	shutdownTimeout = 30 * time.Second
	localQueueSize  = 256
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
	// 1. Load config, failing fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel,
	})))
	slog.Info("config loaded", "env", cfg.Server.Env, "providers", cfg.Providers.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(cfg.Telemetry, os.Stderr)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracer shutdown", "error", err)
		}
	}()

	// 2. Connect to database and apply migrations
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")
	pgStore := store.NewPostgresStore(pool)

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

	// 4. Metrics on a private registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 5. Domain services
	assets, err := newMediaStore(ctx, cfg.S3)
	if err != nil {
		return fmt.Errorf("create media store: %w", err)
	}

	vaultSvc, err := newVault(pgStore, cfg.Vault, m)
	if err != nil {
		return fmt.Errorf("create vault: %w", err)
	}

	ledgerSvc := ledger.New(pgStore, ledger.WithMetrics(m))

	providers, err := factory.New(cfg.Providers, &http.Client{})
	if err != nil {
		return fmt.Errorf("create providers: %w", err)
	}
	slog.Info("providers initialized", "mode", cfg.Providers.Mode)

	dispatcher, err := newDispatcher(cfg, m)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	defer dispatcher.Close()

	engine, err := workflow.New(workflow.Deps{
		Store:     pgStore,
		Ledger:    ledgerSvc,
		Vault:     vaultSvc,
		Providers: providers,
		Publisher: dispatcher,
	},
		workflow.WithMetrics(m),
		workflow.WithMedia(assets),
		workflow.WithProviderTimeout(cfg.Providers.Timeout),
	)
	if err != nil {
		return fmt.Errorf("create workflow engine: %w", err)
	}

	statuses := tracker.New(pgStore, tracker.WithCache(redisCache), tracker.WithMedia(assets))

	// 6. Start workers
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- dispatcher.Run(ctx, engine)
	}()

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore, cfg.Auth),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMin),
		Metrics:   m,

		HealthHandler:  handler.NewHealthHandler(pgStore, redisCache),
		MetricsHandler: metrics.Handler(reg),

		StartWorkflow:    handler.NewStartWorkflowHandler(engine),
		EstimateWorkflow: handler.NewEstimateHandler(engine),
		ListWorkflows:    handler.NewListWorkflowsHandler(statuses),
		GetWorkflow:      handler.NewGetWorkflowHandler(statuses),
		CancelWorkflow:   handler.NewCancelWorkflowHandler(engine),

		GetCredits:    handler.NewGetCreditsHandler(ledgerSvc),
		DebitCredits:  handler.NewDebitHandler(ledgerSvc),
		PutCredential: handler.NewPutCredentialHandler(vaultSvc, providers),

		CreateUser:       handler.NewCreateUserHandler(pgStore),
		GrantCredits:     handler.NewGrantCreditsHandler(ledgerSvc),
		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
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

	// Wait for shutdown signal, server error or worker failure
	workersDone := false
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case err := <-workerErr:
		workersDone = true
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("workers stopped: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Workers stop taking events and finish the workflows they hold. Runs
	// still going at the timeout are left RUNNING.
	if !workersDone {
		stop()
		select {
		case <-workerErr:
		case <-shutdownCtx.Done():
			slog.Warn("workers still running at shutdown timeout")
		}
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newMediaStore uses S3 when a bucket is configured and process memory otherwise.
func newMediaStore(ctx context.Context, cfg config.S3Config) (media.Store, error) {
	if cfg.Bucket == "" {
		slog.Warn("S3_BUCKET not set, generated assets are kept in memory")
		return media.NewMemoryStore(), nil
	}
	s3, err := media.NewS3Store(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s3, nil
}

// newVault builds the credential vault. Rows still sealed with the legacy
// scheme are refused until genctl vault migrate converts them.
func newVault(st vault.CredentialStore, cfg config.VaultConfig, m *metrics.Metrics) (*vault.Service, error) {
	c, err := vault.NewCipher(cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	if cfg.LegacyKey != "" {
		slog.Info("VAULT_LEGACY_KEY is only read by genctl vault migrate")
	}
	return vault.NewService(st, c, vault.WithMetrics(m)), nil
}

// newDispatcher uses JetStream when NATS_URL is set and an in-process worker
// pool otherwise.
func newDispatcher(cfg *config.Config, m *metrics.Metrics) (dispatch.Dispatcher, error) {
	if cfg.NATS.URL == "" {
		slog.Info("NATS_URL not set, running workers in-process", "concurrency", cfg.Worker.Concurrency)
		return dispatch.NewLocal(cfg.Worker.Concurrency, localQueueSize, dispatch.WithLocalMetrics(m)), nil
	}
	js, err := dispatch.NewJetStream(cfg.NATS, cfg.Worker.Concurrency,
		dispatch.WithMetrics(m),
		dispatch.WithExecutionTimeout(executionTimeout(cfg.Providers.Timeout)),
	)
	if err != nil {
		return nil, err
	}
	slog.Info("nats connected", "subject", cfg.NATS.Subject)
	return js, nil
}

// executionTimeout bounds one workflow run: three provider calls plus
// bookkeeping.
func executionTimeout(providerTimeout time.Duration) time.Duration {
	if providerTimeout <= 0 {
		providerTimeout = 2 * time.Minute
	}
	return 4 * providerTimeout
}
