package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-epp/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-epp/internal/app"
	"github.com/odyssey-erp/odyssey-epp/internal/auditlog"
	audithttp "github.com/odyssey-erp/odyssey-epp/internal/auditlog/http"
	"github.com/odyssey-erp/odyssey-epp/internal/delivery"
	"github.com/odyssey-erp/odyssey-epp/internal/inventory"
	"github.com/odyssey-erp/odyssey-epp/internal/observability"
	"github.com/odyssey-erp/odyssey-epp/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-epp/internal/platform/db"
	"github.com/odyssey-erp/odyssey-epp/internal/reconcile"
	reconcilehttp "github.com/odyssey-erp/odyssey-epp/internal/reconcile/http"
	"github.com/odyssey-erp/odyssey-epp/internal/shared"
	"github.com/odyssey-erp/odyssey-epp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobsCommand(ctx, cfg, os.Args[2:]))
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// reconciliation falls back to uncached analysis while redis is away
		logger.Warn("redis unavailable", slog.Any("error", err))
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	policy := auditlog.NewPolicyTable(cfg.AuditRetentionOverrides)
	auditRepo := auditlog.NewRepository(dbpool)
	auditWriter := auditlog.NewWriter(auditRepo, policy, cfg.AuditWriterConfig(), auditlog.WithLogger(logger))
	auditWriter.Start(ctx)
	if err := metrics.RegisterWriter(auditWriter); err != nil {
		logger.Error("register audit metrics", slog.Any("error", err))
		os.Exit(1)
	}
	auditService := auditlog.NewService(auditRepo)
	auditHandler := audithttp.NewHandler(logger, auditService, auditWriter)

	reconCache := reconcile.NewCache(redisClient, cfg.ReconCacheTTL)
	reconService := reconcile.NewService(reconcile.NewRepository(dbpool), auditWriter, reconCache, logger)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	reconHandler := reconcilehttp.NewHandler(logger, reconService, idempotencyStore)

	// ledger writes flow through the watch so cached reports never outlive them
	ledgerAudit := reconcile.NewLedgerWatch(auditWriter, reconService)
	ledgerAudit.Start(ctx)

	inventoryService := inventory.NewService(inventory.NewRepository(dbpool), ledgerAudit, inventory.ServiceConfig{
		AllowNegativeStock: cfg.AllowNegativeStock,
	})
	inventoryHandler := inventory.NewHandler(logger, inventoryService)

	deliveryService := delivery.NewService(delivery.NewRepository(dbpool), ledgerAudit)
	deliveryHandler := delivery.NewHandler(logger, deliveryService)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		InventoryHandler: inventoryHandler,
		DeliveryHandler:  deliveryHandler,
		AuditHandler:     auditHandler,
		ReconcileHandler: reconHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.AuditShutdownFlushTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	// stop after the server so in-flight requests can still log
	if err := auditWriter.Stop(shutdownCtx); err != nil {
		logger.Error("flush audit log", slog.Any("error", err), slog.Int("queued", auditWriter.QueueSize()))
	}
}

func runJobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		slog.Default().Error("init jobs cli", slog.Any("error", err))
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()
	if len(args) > 0 && args[0] == "trigger" && cfg.AuditPurgeBatch > 0 {
		args = append([]string{"trigger", "-batch", strconv.Itoa(cfg.AuditPurgeBatch)}, args[1:]...)
	}
	return jobsCLI.Run(ctx, args, os.Stdout, os.Stderr)
}
