package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-epp/internal/auditlog"
	jobmetrics "github.com/odyssey-erp/odyssey-epp/internal/jobs"
)

// Purger is the retention cleanup used by AuditPurgeJob.
type Purger interface {
	Run(ctx context.Context) (auditlog.PurgeResult, error)
}

// KeyJanitor drops stale idempotency keys alongside the audit purge.
type KeyJanitor interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// IdempotencyRetention is how long remediation keys are remembered.
const IdempotencyRetention = 72 * time.Hour

// AuditPurgeJob deletes expired audit entries. The scheduler is the single
// invoker; overlapping runs are prevented with asynq.Unique on registration.
type AuditPurgeJob struct {
	Purger  Purger
	Keys    KeyJanitor
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAuditPurgeJob initialises the purge handler.
func NewAuditPurgeJob(purger Purger, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditPurgeJob {
	return &AuditPurgeJob{Purger: purger, Logger: logger, Metrics: metrics}
}

// Handle executes one cleanup pass.
func (j *AuditPurgeJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Purger == nil {
		return errors.New("audit purge: handler not configured")
	}
	var payload AuditPurgePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	metrics := j.metrics()
	tracker := metrics.Track(TaskAuditPurge)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger()
	start := time.Now()
	result, err := j.Purger.Run(ctx)
	if err != nil {
		logger.Error("audit purge failed", slog.Int64("deleted", result.Deleted), slog.Any("error", err))
		return err
	}
	metrics.AddPurged(result.Deleted)
	if j.Keys != nil {
		if err := j.Keys.Cleanup(ctx, IdempotencyRetention); err != nil {
			logger.Warn("idempotency cleanup failed", slog.Any("error", err))
		}
	}
	attrs := []any{
		slog.Int64("deleted", result.Deleted),
		slog.Int("batches", result.Batches),
		slog.Duration("duration", time.Since(start)),
	}
	if result.Deleted > 0 {
		attrs = append(attrs,
			slog.Time("oldest_created", result.Oldest),
			slog.Time("newest_created", result.Newest))
	}
	logger.Info("completed audit purge", attrs...)
	return nil
}

func (j *AuditPurgeJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuditPurge))
	}
	return slog.Default().With(slog.String("job", TaskAuditPurge))
}

func (j *AuditPurgeJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
