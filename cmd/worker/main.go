package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-epp/internal/app"
	"github.com/odyssey-erp/odyssey-epp/internal/auditlog"
	jobmetrics "github.com/odyssey-erp/odyssey-epp/internal/jobs"
	"github.com/odyssey-erp/odyssey-epp/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-epp/internal/platform/db"
	"github.com/odyssey-erp/odyssey-epp/internal/reconcile"
	"github.com/odyssey-erp/odyssey-epp/internal/shared"
	"github.com/odyssey-erp/odyssey-epp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// asynq cannot run without redis either
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)

	auditRepo := auditlog.NewRepository(pool)
	purgeJob := jobs.NewAuditPurgeJob(auditlog.NewPurger(auditRepo, cfg.AuditPurgeBatch), logger, metrics)
	purgeJob.Keys = shared.NewIdempotencyStore(pool)

	// scans never remediate, so the analyzer gets no audit sink
	reconService := reconcile.NewService(reconcile.NewRepository(pool), nil, reconcile.NewCache(redisClient, cfg.ReconCacheTTL), logger)
	scanJob := jobs.NewReconcileScanJob(reconService, logger, metrics)

	purgeTask, err := jobs.NewAuditPurgeTask(time.Now().UTC(), cfg.AuditPurgeBatch)
	if err != nil {
		logger.Error("build purge task", slog.Any("error", err))
		os.Exit(1)
	}
	scanTask, err := jobs.NewReconcileScanTask(0)
	if err != nil {
		logger.Error("build scan task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuditPurge, Handler: purgeJob.Handle},
			{Type: jobs.TaskReconcileScan, Handler: scanJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AuditPurgeCron, Task: purgeTask, Options: []asynq.Option{asynq.MaxRetry(3), asynq.Unique(time.Hour)}},
			{Spec: cfg.ReconScanCron, Task: scanTask, Options: []asynq.Option{asynq.MaxRetry(3), asynq.Unique(30 * time.Minute)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
