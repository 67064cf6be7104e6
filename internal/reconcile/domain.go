// Package reconcile cross-checks delivery records against the stock movement
// ledger and applies operator-confirmed corrections.
package reconcile

import (
	"errors"
	"time"
)

// IssueType classifies a detected divergence.
type IssueType string

const (
	IssueMissingMovement  IssueType = "MISSING_MOVEMENT"
	IssueQuantityMismatch IssueType = "QUANTITY_MISMATCH"
	IssueOrphanMovement   IssueType = "ORPHAN_MOVEMENT"
	IssueNegativeStock    IssueType = "NEGATIVE_STOCK"
)

// Severity ranks issues.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
)

// Action names a remediation.
type Action string

const (
	ActionDeleteMovement Action = "DELETE_MOVEMENT"
	ActionUpdateDelivery Action = "UPDATE_DELIVERY"
	ActionCreateMovement Action = "CREATE_MOVEMENT"
)

// DeliveryRecord is a delivery joined with its batch and item metadata.
type DeliveryRecord struct {
	ID          int64     `json:"id"`
	BatchID     int64     `json:"batch_id"`
	BatchCode   string    `json:"batch_code"`
	WarehouseID int64     `json:"warehouse_id"`
	EppID       int64     `json:"epp_id"`
	EppName     string    `json:"epp_name,omitempty"`
	Quantity    int64     `json:"quantity"`
	CreatedAt   time.Time `json:"created_at"`
}

// MovementRecord is an EXIT movement joined with item, warehouse and actor metadata.
type MovementRecord struct {
	ID            int64     `json:"id"`
	EppID         int64     `json:"epp_id"`
	EppName       string    `json:"epp_name,omitempty"`
	WarehouseID   int64     `json:"warehouse_id"`
	WarehouseName string    `json:"warehouse_name,omitempty"`
	Quantity      int64     `json:"quantity"`
	Note          string    `json:"note"`
	Status        string    `json:"status"`
	DeliveryID    *int64    `json:"delivery_id,omitempty"`
	ActorID       int64     `json:"actor_id"`
	ActorName     string    `json:"actor_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// StockLevel is the running balance used to detect negative stock.
type StockLevel struct {
	EppID       int64     `json:"epp_id"`
	WarehouseID int64     `json:"warehouse_id"`
	Quantity    int64     `json:"quantity"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Ledger is the full input of one analysis run.
type Ledger struct {
	Deliveries []DeliveryRecord
	Movements  []MovementRecord
	Levels     []StockLevel
}

// Scope limits an analysis to one warehouse; zero means every warehouse.
type Scope struct {
	WarehouseID int64
}

// Issue is one detected divergence. It is recomputed on every run.
type Issue struct {
	ID               string    `json:"id"`
	Type             IssueType `json:"type"`
	Severity         Severity  `json:"severity"`
	DeliveryID       int64     `json:"delivery_id,omitempty"`
	BatchID          int64     `json:"batch_id,omitempty"`
	BatchCode        string    `json:"batch_code,omitempty"`
	EppID            int64     `json:"epp_id"`
	EppName          string    `json:"epp_name,omitempty"`
	WarehouseID      int64     `json:"warehouse_id"`
	MovementIDs      []int64   `json:"movement_ids,omitempty"`
	DeliveredQty     int64     `json:"delivered_quantity"`
	MovedQty         int64     `json:"moved_quantity"`
	Difference       int64     `json:"difference"`
	Cause            string    `json:"cause"`
	Impact           string    `json:"impact"`
	OccurredAt       time.Time `json:"occurred_at"`
	Ambiguous        bool      `json:"ambiguous"`
	SuggestedActions []Action  `json:"suggested_actions,omitempty"`
}

// Report is the outcome of an analysis run.
type Report struct {
	Total       int       `json:"total"`
	Critical    int       `json:"critical"`
	Warning     int       `json:"warning"`
	GeneratedAt time.Time `json:"generated_at"`
	Issues      []Issue   `json:"issues"`
}

// ErrAnalysisFailed hides ledger read failures from callers.
var ErrAnalysisFailed = errors.New("reconcile: analysis failed")
