package inventory

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-epp/internal/platform/httpx"
)

// MovementType enumerates supported stock movements.
type MovementType string

const (
	// MovementEntry represents goods received into a warehouse.
	MovementEntry MovementType = "ENTRY"
	// MovementExit represents goods handed out, typically a delivery to workers.
	MovementExit MovementType = "EXIT"
	// MovementAdjustment carries a signed correction.
	MovementAdjustment MovementType = "ADJUSTMENT"
	// MovementTransferIn is the receiving half of a transfer.
	MovementTransferIn MovementType = "TRANSFER_IN"
	// MovementTransferOut is the sending half of a transfer.
	MovementTransferOut MovementType = "TRANSFER_OUT"
)

// IsValid reports whether the type is known.
func (t MovementType) IsValid() bool {
	switch t {
	case MovementEntry, MovementExit, MovementAdjustment, MovementTransferIn, MovementTransferOut:
		return true
	}
	return false
}

// Effect returns the signed change a movement of qty units applies to the
// stock level. Adjustments carry their own sign.
func (t MovementType) Effect(qty int64) int64 {
	switch t {
	case MovementEntry, MovementTransferIn, MovementAdjustment:
		return qty
	case MovementExit, MovementTransferOut:
		return -qty
	}
	return 0
}

// StatusActive marks a movement that counts towards stock.
const StatusActive = "ACTIVE"

// Movement is one row of the stock movement ledger.
type Movement struct {
	ID          int64
	Type        MovementType
	EppID       int64
	WarehouseID int64
	Quantity    int64
	Note        string
	Status      string
	DeliveryID  *int64
	ActorID     int64
	CreatedAt   time.Time
}

// Effect returns the signed change this movement applied to its stock level.
func (m Movement) Effect() int64 {
	return m.Type.Effect(m.Quantity)
}

// Snapshot renders the movement for the audit trail.
func (m Movement) Snapshot() map[string]any {
	state := map[string]any{
		"id":           m.ID,
		"type":         string(m.Type),
		"epp_id":       m.EppID,
		"warehouse_id": m.WarehouseID,
		"quantity":     m.Quantity,
		"note":         m.Note,
		"status":       m.Status,
		"actor_id":     m.ActorID,
		"created_at":   m.CreatedAt.UTC().Format(time.RFC3339),
	}
	if m.DeliveryID != nil {
		state["delivery_id"] = *m.DeliveryID
	}
	return state
}

// AuditID is the entity id used for movement audit entries.
func (m Movement) AuditID() string {
	return strconv.FormatInt(m.ID, 10)
}

// StockLevel is the running balance of an item at a warehouse.
type StockLevel struct {
	EppID       int64
	WarehouseID int64
	Quantity    int64
	UpdatedAt   time.Time
}

// Snapshot renders the level for the audit trail.
func (l StockLevel) Snapshot() map[string]any {
	return map[string]any{
		"epp_id":       l.EppID,
		"warehouse_id": l.WarehouseID,
		"quantity":     l.Quantity,
	}
}

// AuditID is the entity id used for stock audit entries.
func (l StockLevel) AuditID() string {
	return fmt.Sprintf("%d:%d", l.EppID, l.WarehouseID)
}

// MovementInput describes a request to post a single movement.
type MovementInput struct {
	Type        MovementType `validate:"required"`
	EppID       int64        `validate:"gt=0"`
	WarehouseID int64        `validate:"gt=0"`
	Quantity    int64        `validate:"ne=0"`
	Note        string       `validate:"max=500"`
	DeliveryID  *int64
	ActorID     int64
}

// TransferInput describes a transfer between warehouses.
type TransferInput struct {
	EppID        int64  `validate:"gt=0"`
	Quantity     int64  `validate:"gt=0"`
	SrcWarehouse int64  `validate:"gt=0"`
	DstWarehouse int64  `validate:"gt=0,nefield=SrcWarehouse"`
	Note         string `validate:"max=500"`
	ActorID      int64
}

// LevelFilter narrows stock level listings.
type LevelFilter struct {
	WarehouseID int64
	EppID       int64
}

// MovementFilter narrows movement listings.
type MovementFilter struct {
	WarehouseID int64
	EppID       int64
	Type        MovementType
	Limit       int
}

// ErrNegativeStock triggered when movement would result negative qty.
var ErrNegativeStock = fmt.Errorf("%w: inventory: negative stock not allowed", httpx.ErrValidation)

// ErrInvalidQuantity indicates invalid qty.
var ErrInvalidQuantity = fmt.Errorf("%w: inventory: quantity must be positive", httpx.ErrValidation)

// ErrLevelNotFound indicates a missing stock level row.
var ErrLevelNotFound = errors.New("inventory: stock level not found")

// ErrMovementNotFound indicates a missing movement row.
var ErrMovementNotFound = errors.New("inventory: movement not found")
