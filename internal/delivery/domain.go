package delivery

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-epp/internal/platform/httpx"
)

// Batch is a lot of PPE handed out from one warehouse.
type Batch struct {
	ID          int64
	Code        string
	WarehouseID int64
	Note        string
	ActorID     int64
	CreatedAt   time.Time
}

// Snapshot renders the batch for the audit trail.
func (b Batch) Snapshot() map[string]any {
	return map[string]any{
		"id":           b.ID,
		"code":         b.Code,
		"warehouse_id": b.WarehouseID,
		"note":         b.Note,
		"created_at":   b.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Delivery is one item line of a batch.
type Delivery struct {
	ID        int64
	BatchID   int64
	EppID     int64
	WorkerID  int64
	Quantity  int64
	CreatedAt time.Time
}

// Snapshot renders the delivery for the audit trail.
func (d Delivery) Snapshot() map[string]any {
	state := map[string]any{
		"id":         d.ID,
		"batch_id":   d.BatchID,
		"epp_id":     d.EppID,
		"quantity":   d.Quantity,
		"created_at": d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if d.WorkerID > 0 {
		state["worker_id"] = d.WorkerID
	}
	return state
}

func (d Delivery) auditID() string {
	return strconv.FormatInt(d.ID, 10)
}

// ItemInput is one requested delivery line.
type ItemInput struct {
	EppID    int64 `validate:"gt=0"`
	WorkerID int64 `validate:"gte=0"`
	Quantity int64 `validate:"gt=0"`
}

// RegisterBatchInput describes a new delivery batch.
type RegisterBatchInput struct {
	Code        string      `validate:"omitempty,max=64"`
	WarehouseID int64       `validate:"gt=0"`
	Note        string      `validate:"max=500"`
	Items       []ItemInput `validate:"required,min=1,max=200,dive"`
	ActorID     int64
}

// BatchDetail bundles a batch with its lines.
type BatchDetail struct {
	Batch      Batch
	Deliveries []Delivery
}

// MovementNote is the note stamped on EXIT movements written for a batch.
// It embeds the batch code so legacy correlation keeps working.
func MovementNote(code string) string {
	return "Delivery " + code
}

var (
	// ErrBatchNotFound indicates a missing delivery batch.
	ErrBatchNotFound = fmt.Errorf("%w: delivery batch", httpx.ErrNotFound)
	// ErrDuplicateCode indicates the batch code is already taken.
	ErrDuplicateCode = fmt.Errorf("%w: delivery batch code already exists", httpx.ErrConflict)
	// ErrDuplicateItem indicates the same item appears twice in one batch.
	ErrDuplicateItem = errors.New("delivery: item listed twice in batch")
)
