// Edward server: HTTP API, sandbox manager, agent runs, and the job
// queue workers, all in one process. Replicas coordinate through
// Postgres (queue claims, advisory locks) and Redis (sandbox state,
// slot limits), so running more than one is safe.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pragnya-works/edward/pkg/agent"
	"github.com/pragnya-works/edward/pkg/api"
	"github.com/pragnya-works/edward/pkg/build"
	"github.com/pragnya-works/edward/pkg/cleanup"
	"github.com/pragnya-works/edward/pkg/config"
	"github.com/pragnya-works/edward/pkg/database"
	"github.com/pragnya-works/edward/pkg/events"
	"github.com/pragnya-works/edward/pkg/gateway"
	"github.com/pragnya-works/edward/pkg/kv"
	"github.com/pragnya-works/edward/pkg/llm"
	"github.com/pragnya-works/edward/pkg/masking"
	"github.com/pragnya-works/edward/pkg/queue"
	"github.com/pragnya-works/edward/pkg/sandbox"
	"github.com/pragnya-works/edward/pkg/storage"
	"github.com/pragnya-works/edward/pkg/store"
	"github.com/pragnya-works/edward/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveNodeID picks the identifier used for queue claims and run
// ownership. Priority: NODE_ID env > HOSTNAME env > "local".
func resolveNodeID() string {
	if id := os.Getenv("NODE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		ReplaceAttr: masking.ReplaceAttr,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file loaded, using process environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	nodeID := resolveNodeID()
	logger.Info("starting edward",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"node_id", nodeID,
		"deployment_type", cfg.DeploymentType)

	ctx := context.Background()

	// Postgres: pooled connection plus embedded migrations.
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("error closing database", "error", err)
		}
	}()

	// Redis for sandbox state, locks, and slot limits.
	kvClient, err := kv.NewRedisClient(kv.Options{
		URL:      cfg.RedisURL,
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
	})
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() { _ = kvClient.Close() }()

	st := store.New(dbClient.DB())
	publisher := events.NewPublisher(dbClient.DB())

	// Event fan-out: a dedicated LISTEN connection feeds the hub, the
	// hub feeds the SSE handlers.
	hub := events.NewHub()
	listener := events.NewNotifyListener(dbCfg.DSN(), hub)
	if err := listener.Start(ctx); err != nil {
		logger.Error("failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)

	// Sandbox layer: docker driver, redis-backed state, S3 restore.
	driver, err := sandbox.NewDockerDriver(getEnv("SANDBOX_IMAGE", "node:20-bookworm"), logger)
	if err != nil {
		logger.Error("failed to create docker driver", "error", err)
		os.Exit(1)
	}
	states := sandbox.NewStateStore(kvClient, driver)

	objectStore, err := storage.NewS3Store(ctx, storage.Config{
		Bucket:         cfg.S3Bucket,
		Region:         cfg.S3Region,
		DistributionID: cfg.CloudfrontDistributionID,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize object storage", "error", err)
		os.Exit(1)
	}
	backupSvc := storage.NewBackupService(objectStore, driver, logger)

	manager := sandbox.NewManager(driver, states, kvClient, backupSvc, logger)
	reconcilerCtx, stopReconciler := context.WithCancel(ctx)
	defer stopReconciler()
	go manager.RunReconciler(reconcilerCtx)

	// Preview build pipeline.
	var edgeKV build.EdgeKV
	if cfg.DeploymentType == config.DeploymentSubdomain && cfg.CloudflareAPIToken != "" {
		edgeKV = build.NewCloudflareKV(cfg.CloudflareAccountID, cfg.CloudflareNamespaceID, cfg.CloudflareAPIToken)
	}
	router := build.NewRouter(build.RouterConfig{
		DeploymentType: string(cfg.DeploymentType),
		RootDomain:     cfg.PreviewRootDomain,
		CloudfrontBase: cfg.CloudfrontDistributionURL,
	}, edgeKV, logger)
	pipeline := build.NewPipeline(driver, objectStore, router, kvClient, logger)
	resolver := build.NewResolver(kvClient, logger)

	// Agent loop over the Anthropic streaming client.
	llmClient := llm.NewAnthropicClient(llm.AnthropicOptions{}, logger)
	limiter := kv.NewSlotLimiter(kvClient, config.MaxConcurrentPerUser, config.SlotTTL)
	loop := agent.NewLoop(llmClient, st, publisher, limiter, agent.Config{
		MaxToolCallsPerRun: cfg.MaxAgentToolCallsPerRun,
	}, logger)

	gw := gateway.New(sandbox.Workdir, logger)
	if cfg.ToolGatewayTimeout > 0 {
		gw = gw.WithTimeout(cfg.ToolGatewayTimeout)
	}

	// Queue workers for builds, backups, and sandbox cleanup.
	handlers := queue.Handlers(
		queue.NewBuildHandler(st, states, pipeline, publisher, logger),
		queue.NewBackupHandler(states, backupSvc, logger),
		queue.NewCleanupHandler(manager, logger),
	)
	pool := queue.NewPool(nodeID, st, st, handlers, queue.Config{
		Concurrency: cfg.WorkerConcurrency,
	}, logger)
	pool.Start(ctx)

	executor := queue.NewRunExecutor(loop, manager, st, publisher, pool, driver, gw, resolver, logger)

	retention := cleanup.NewService(st, cleanup.Config{}, logger)
	retention.Start(ctx)

	secrets, err := masking.NewEnvelope(cfg.EncryptionKey)
	if err != nil {
		logger.Error("invalid encryption key", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(cfg, api.Deps{
		Runs:      st,
		Builds:    st,
		Events:    publisher,
		Hub:       hub,
		Starter:   executor,
		Canceller: pool,
		States:    states,
		Driver:    driver,
		Gateway:   gw,
		DB:        dbClient.DB(),
		KV:        kvClient,
		Secrets:   secrets,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server error triggered shutdown", "error", err)
	}

	// Shutdown order: stop accepting requests, drain workers and cancel
	// in-flight runs, then stop the background sweeps.
	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	drained := make(chan struct{})
	go func() {
		pool.Stop()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info("worker pool drained")
	case <-time.After(30 * time.Second):
		logger.Warn("worker pool drain timed out, jobs will be orphan-requeued")
	}

	retention.Stop()
	stopReconciler()
	logger.Info("shutdown complete")
}
