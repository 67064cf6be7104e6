package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-epp/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditPurge removes audit entries past their retention.
	TaskAuditPurge = "audit:purge"
	// TaskReconcileScan runs the reconciliation engine over every warehouse.
	TaskReconcileScan = "reconcile:scan"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AuditPurgePayload carries scheduling metadata.
type AuditPurgePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	BatchSize    int       `json:"batch_size,omitempty"`
}

// NewAuditPurgeTask constructs an Asynq task for retention cleanup.
func NewAuditPurgeTask(at time.Time, batchSize int) (*asynq.Task, error) {
	body, err := json.Marshal(AuditPurgePayload{ScheduledFor: at, BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditPurge, body, asynq.Queue(QueueDefault)), nil
}

// ReconcileScanPayload selects the warehouse to scan; zero scans all.
type ReconcileScanPayload struct {
	WarehouseID int64 `json:"warehouse_id,omitempty"`
}

// NewReconcileScanTask constructs an Asynq task for a reconciliation scan.
func NewReconcileScanTask(warehouseID int64) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcileScanPayload{WarehouseID: warehouseID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileScan, body, asynq.Queue(QueueDefault)), nil
}
