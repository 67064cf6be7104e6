package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-epp/internal/auditlog"
	"github.com/odyssey-erp/odyssey-epp/internal/delivery"
	"github.com/odyssey-erp/odyssey-epp/internal/inventory"
	"github.com/odyssey-erp/odyssey-epp/internal/platform/httpx"
)

// MaxMovementIDs bounds a single DELETE_MOVEMENT command.
const MaxMovementIDs = 100

// Command is an operator-selected fix for one issue.
type Command struct {
	Action      Action  `json:"action" validate:"required,oneof=DELETE_MOVEMENT UPDATE_DELIVERY CREATE_MOVEMENT"`
	MovementIDs []int64 `json:"movementIds,omitempty" validate:"max=100,dive,gt=0"`
	DeliveryID  int64   `json:"deliveryId,omitempty" validate:"gte=0"`
	NewQuantity *int64  `json:"newQuantity,omitempty" validate:"omitempty,gt=0"`
	EppID       int64   `json:"eppId,omitempty" validate:"gte=0"`
	BatchID     int64   `json:"batchId,omitempty" validate:"gte=0"`
	ActorID     int64   `json:"-"`
}

// Result is the confirmation returned for an applied command.
type Result struct {
	Action      Action  `json:"action"`
	Message     string  `json:"message"`
	DeliveryID  int64   `json:"delivery_id,omitempty"`
	MovementIDs []int64 `json:"movement_ids,omitempty"`
	Changed     bool    `json:"changed"`
}

// TxRepository exposes the writes a remediation needs inside one transaction.
type TxRepository interface {
	GetDeliveryForUpdate(ctx context.Context, id int64) (DeliveryRecord, error)
	FindDeliveryForUpdate(ctx context.Context, batchID, eppID int64) (DeliveryRecord, error)
	UpdateDeliveryQuantity(ctx context.Context, id, quantity int64) error
	HasCorrelatedMovement(ctx context.Context, d DeliveryRecord) (bool, error)
	Inventory() inventory.TxRepository
}

// ErrDeliveryNotFound indicates a missing delivery row.
var ErrDeliveryNotFound = errors.New("reconcile: delivery not found")

// ErrAmbiguousDelivery reports a batch holding several deliveries of the same item.
var ErrAmbiguousDelivery = errors.New("reconcile: several deliveries match")

// Remediator executes corrective transactions.
type Remediator struct {
	repo      TxRunner
	audit     inventory.AuditPort
	validate  *validator.Validate
	now       func() time.Time
	onApplied func(context.Context)
}

// TxRunner opens remediation transactions.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// NewRemediator constructs a Remediator. onApplied runs after every command
// that changed data.
func NewRemediator(repo TxRunner, audit inventory.AuditPort, onApplied func(context.Context)) *Remediator {
	return &Remediator{repo: repo, audit: audit, validate: validator.New(), now: time.Now, onApplied: onApplied}
}

// Validate checks the command shape without touching storage.
func (r *Remediator) Validate(cmd Command) error {
	if err := r.validate.Struct(cmd); err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	switch cmd.Action {
	case ActionDeleteMovement:
		if len(cmd.MovementIDs) == 0 {
			return fmt.Errorf("%w: movementIds required for %s", httpx.ErrValidation, cmd.Action)
		}
	case ActionUpdateDelivery:
		if !hasDeliveryRef(cmd) {
			return fmt.Errorf("%w: deliveryId or batchId with eppId required for %s", httpx.ErrValidation, cmd.Action)
		}
		if cmd.NewQuantity == nil {
			return fmt.Errorf("%w: newQuantity required for %s", httpx.ErrValidation, cmd.Action)
		}
	case ActionCreateMovement:
		if !hasDeliveryRef(cmd) {
			return fmt.Errorf("%w: deliveryId or batchId with eppId required for %s", httpx.ErrValidation, cmd.Action)
		}
	}
	return nil
}

// Apply validates cmd and runs it as one transaction followed by audit entries.
func (r *Remediator) Apply(ctx context.Context, cmd Command) (Result, error) {
	if err := r.Validate(cmd); err != nil {
		return Result{}, err
	}
	var (
		result Result
		err    error
	)
	switch cmd.Action {
	case ActionDeleteMovement:
		result, err = r.deleteMovements(ctx, cmd)
	case ActionUpdateDelivery:
		result, err = r.updateDelivery(ctx, cmd)
	case ActionCreateMovement:
		result, err = r.createMovement(ctx, cmd)
	}
	if err != nil {
		return Result{}, err
	}
	result.Action = cmd.Action
	if result.Changed && r.onApplied != nil {
		r.onApplied(ctx)
	}
	return result, nil
}

func (r *Remediator) deleteMovements(ctx context.Context, cmd Command) (Result, error) {
	ids := uniqueSorted(cmd.MovementIDs)
	now := r.now().UTC()
	reversed := make([]inventory.Reversed, 0, len(ids))
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		reversed = reversed[:0]
		for _, id := range ids {
			rev, err := inventory.Reverse(ctx, tx.Inventory(), id, now)
			if errors.Is(err, inventory.ErrMovementNotFound) {
				return fmt.Errorf("%w: movement %d no longer exists", httpx.ErrNotFound, id)
			}
			if err != nil {
				return fmt.Errorf("reconcile: reverse movement %d: %w", id, err)
			}
			reversed = append(reversed, rev)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	meta := remediationMeta(ActionDeleteMovement)
	var restored int64
	for _, rev := range reversed {
		inventory.RecordReversed(r.audit, cmd.ActorID, rev, meta)
		restored -= rev.Movement.Effect()
	}
	return Result{
		Message:     fmt.Sprintf("Deleted %s %s; stock adjusted by %+d units", plural(len(ids), "movement"), joinIDs(ids), restored),
		MovementIDs: ids,
		Changed:     true,
	}, nil
}

func (r *Remediator) updateDelivery(ctx context.Context, cmd Command) (Result, error) {
	newQty := *cmd.NewQuantity
	now := r.now().UTC()
	var (
		before  DeliveryRecord
		posted  inventory.Posted
		changed bool
	)
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := resolveDelivery(ctx, tx, cmd)
		if err != nil {
			return err
		}
		before, changed = d, d.Quantity != newQty
		if !changed {
			return nil
		}
		if err := tx.UpdateDeliveryQuantity(ctx, d.ID, newQty); err != nil {
			return fmt.Errorf("reconcile: update delivery %d: %w", d.ID, err)
		}
		delta := newQty - d.Quantity
		posted, err = inventory.Apply(ctx, tx.Inventory(), inventory.Movement{
			Type:        inventory.MovementAdjustment,
			EppID:       d.EppID,
			WarehouseID: d.WarehouseID,
			Quantity:    -delta,
			Note:        fmt.Sprintf("Delivery adjustment %s: %d → %d", d.BatchCode, d.Quantity, newQty),
			ActorID:     cmd.ActorID,
			CreatedAt:   now,
		}, true)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if !changed {
		return Result{
			Message:    fmt.Sprintf("Delivery %d already has quantity %d; nothing changed", before.ID, newQty),
			DeliveryID: before.ID,
		}, nil
	}

	meta := remediationMeta(ActionUpdateDelivery)
	if r.audit != nil {
		r.audit.LogChange(cmd.ActorID, auditlog.ActionUpdate, auditlog.EntityDelivery, strconv.FormatInt(before.ID, 10),
			map[string]any{"quantity": before.Quantity}, map[string]any{"quantity": newQty}, meta)
	}
	inventory.RecordPosted(r.audit, cmd.ActorID, posted, meta)
	return Result{
		Message:     fmt.Sprintf("Delivery %d quantity changed from %d to %d; adjustment movement %d recorded", before.ID, before.Quantity, newQty, posted.Movement.ID),
		DeliveryID:  before.ID,
		MovementIDs: []int64{posted.Movement.ID},
		Changed:     true,
	}, nil
}

func (r *Remediator) createMovement(ctx context.Context, cmd Command) (Result, error) {
	now := r.now().UTC()
	var (
		d      DeliveryRecord
		posted inventory.Posted
	)
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		d, err = resolveDelivery(ctx, tx, cmd)
		if err != nil {
			return err
		}
		exists, err := tx.HasCorrelatedMovement(ctx, d)
		if err != nil {
			return fmt.Errorf("reconcile: check movements of delivery %d: %w", d.ID, err)
		}
		if exists {
			return fmt.Errorf("%w: delivery %d already has a stock movement", httpx.ErrConflict, d.ID)
		}
		deliveryID := d.ID
		posted, err = inventory.Apply(ctx, tx.Inventory(), inventory.Movement{
			Type:        inventory.MovementExit,
			EppID:       d.EppID,
			WarehouseID: d.WarehouseID,
			Quantity:    d.Quantity,
			Note:        delivery.MovementNote(d.BatchCode) + " (reconciliation)",
			DeliveryID:  &deliveryID,
			ActorID:     cmd.ActorID,
			CreatedAt:   now,
		}, true)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	inventory.RecordPosted(r.audit, cmd.ActorID, posted, remediationMeta(ActionCreateMovement))
	return Result{
		Message:     fmt.Sprintf("Created EXIT movement %d of %d units for delivery %d (batch %s)", posted.Movement.ID, d.Quantity, d.ID, d.BatchCode),
		DeliveryID:  d.ID,
		MovementIDs: []int64{posted.Movement.ID},
		Changed:     true,
	}, nil
}

func resolveDelivery(ctx context.Context, tx TxRepository, cmd Command) (DeliveryRecord, error) {
	var (
		d   DeliveryRecord
		err error
	)
	if cmd.DeliveryID > 0 {
		d, err = tx.GetDeliveryForUpdate(ctx, cmd.DeliveryID)
		if errors.Is(err, ErrDeliveryNotFound) {
			return DeliveryRecord{}, fmt.Errorf("%w: delivery %d no longer exists", httpx.ErrNotFound, cmd.DeliveryID)
		}
	} else {
		d, err = tx.FindDeliveryForUpdate(ctx, cmd.BatchID, cmd.EppID)
		if errors.Is(err, ErrDeliveryNotFound) {
			return DeliveryRecord{}, fmt.Errorf("%w: no delivery of item %d in batch %d", httpx.ErrNotFound, cmd.EppID, cmd.BatchID)
		}
		if errors.Is(err, ErrAmbiguousDelivery) {
			return DeliveryRecord{}, fmt.Errorf("%w: batch %d holds several deliveries of item %d; remediate by delivery id", httpx.ErrConflict, cmd.BatchID, cmd.EppID)
		}
	}
	if err != nil {
		return DeliveryRecord{}, fmt.Errorf("reconcile: load delivery: %w", err)
	}
	return d, nil
}

func hasDeliveryRef(cmd Command) bool {
	return cmd.DeliveryID > 0 || (cmd.BatchID > 0 && cmd.EppID > 0)
}

func remediationMeta(action Action) map[string]any {
	return map[string]any{"remediation": string(action)}
}

func uniqueSorted(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i, id := range out {
		if i == 0 || id != out[n-1] {
			out[n] = id
			n++
		}
	}
	return out[:n]
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

func plural(n int, noun string) string {
	if n == 1 {
		return noun
	}
	return noun + "s"
}
