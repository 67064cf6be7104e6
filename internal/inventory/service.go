package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-epp/internal/auditlog"
	"github.com/odyssey-erp/odyssey-epp/internal/platform/httpx"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListLevels(ctx context.Context, filter LevelFilter) ([]StockLevel, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	GetLevelForUpdate(ctx context.Context, eppID, warehouseID int64) (StockLevel, error)
	UpsertLevel(ctx context.Context, level StockLevel) error
	InsertMovement(ctx context.Context, m Movement) (Movement, error)
	GetMovementForUpdate(ctx context.Context, id int64) (Movement, error)
	DeleteMovement(ctx context.Context, id int64) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	LogChange(actorID int64, action auditlog.Action, entityType, entityID string, oldValues, newValues, metadata map[string]any)
}

// Service coordinates inventory operations.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	allowNeg bool
	validate *validator.Validate
	now      func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	return &Service{repo: repo, audit: audit, allowNeg: cfg.AllowNegativeStock, validate: validator.New(), now: time.Now}
}

// PostMovement records a movement and updates the stock level in one transaction.
func (s *Service) PostMovement(ctx context.Context, input MovementInput) (Movement, StockLevel, error) {
	if err := s.validate.Struct(input); err != nil {
		return Movement{}, StockLevel{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	if !input.Type.IsValid() {
		return Movement{}, StockLevel{}, fmt.Errorf("%w: unknown movement type %q", httpx.ErrValidation, input.Type)
	}
	if input.Type != MovementAdjustment && input.Quantity <= 0 {
		return Movement{}, StockLevel{}, ErrInvalidQuantity
	}
	var posted Posted
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		posted, err = Apply(ctx, tx, Movement{
			Type:        input.Type,
			EppID:       input.EppID,
			WarehouseID: input.WarehouseID,
			Quantity:    input.Quantity,
			Note:        input.Note,
			DeliveryID:  input.DeliveryID,
			ActorID:     input.ActorID,
			CreatedAt:   s.now().UTC(),
		}, s.allowNeg)
		return err
	})
	if err != nil {
		return Movement{}, StockLevel{}, err
	}
	RecordPosted(s.audit, input.ActorID, posted, nil)
	return posted.Movement, posted.After, nil
}

// PostTransfer moves stock between warehouses using TRANSFER_OUT + TRANSFER_IN.
func (s *Service) PostTransfer(ctx context.Context, input TransferInput) (Movement, Movement, error) {
	if err := s.validate.Struct(input); err != nil {
		return Movement{}, Movement{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	now := s.now().UTC()
	var out, in Posted
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = Apply(ctx, tx, Movement{
			Type: MovementTransferOut, EppID: input.EppID, WarehouseID: input.SrcWarehouse,
			Quantity: input.Quantity, Note: input.Note, ActorID: input.ActorID, CreatedAt: now,
		}, s.allowNeg)
		if err != nil {
			return err
		}
		in, err = Apply(ctx, tx, Movement{
			Type: MovementTransferIn, EppID: input.EppID, WarehouseID: input.DstWarehouse,
			Quantity: input.Quantity, Note: input.Note, ActorID: input.ActorID, CreatedAt: now,
		}, s.allowNeg)
		return err
	})
	if err != nil {
		return Movement{}, Movement{}, err
	}
	RecordPosted(s.audit, input.ActorID, out, nil)
	RecordPosted(s.audit, input.ActorID, in, nil)
	return out.Movement, in.Movement, nil
}

// Levels lists stock levels.
func (s *Service) Levels(ctx context.Context, filter LevelFilter) ([]StockLevel, error) {
	return s.repo.ListLevels(ctx, filter)
}

// Movements lists recent movements.
func (s *Service) Movements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 200
	}
	return s.repo.ListMovements(ctx, filter)
}

// Posted is the outcome of Apply.
type Posted struct {
	Movement     Movement
	Before       StockLevel
	After        StockLevel
	LevelExisted bool
}

// Apply inserts m and applies its effect to the matching stock level inside tx.
func Apply(ctx context.Context, tx TxRepository, m Movement, allowNegative bool) (Posted, error) {
	if m.Status == "" {
		m.Status = StatusActive
	}
	level, existed, err := lockLevel(ctx, tx, m.EppID, m.WarehouseID)
	if err != nil {
		return Posted{}, err
	}
	before := level
	level.Quantity += m.Effect()
	if !allowNegative && level.Quantity < 0 {
		return Posted{}, ErrNegativeStock
	}
	level.UpdatedAt = m.CreatedAt
	stored, err := tx.InsertMovement(ctx, m)
	if err != nil {
		return Posted{}, err
	}
	if err := tx.UpsertLevel(ctx, level); err != nil {
		return Posted{}, err
	}
	return Posted{Movement: stored, Before: before, After: level, LevelExisted: existed}, nil
}

// Reversed is the outcome of Reverse.
type Reversed struct {
	Movement Movement
	Before   StockLevel
	After    StockLevel
}

// Reverse deletes movement id and undoes its effect on the stock level.
func Reverse(ctx context.Context, tx TxRepository, id int64, at time.Time) (Reversed, error) {
	m, err := tx.GetMovementForUpdate(ctx, id)
	if err != nil {
		return Reversed{}, err
	}
	level, _, err := lockLevel(ctx, tx, m.EppID, m.WarehouseID)
	if err != nil {
		return Reversed{}, err
	}
	before := level
	level.Quantity -= m.Effect()
	level.UpdatedAt = at
	if err := tx.UpsertLevel(ctx, level); err != nil {
		return Reversed{}, err
	}
	if err := tx.DeleteMovement(ctx, id); err != nil {
		return Reversed{}, err
	}
	return Reversed{Movement: m, Before: before, After: level}, nil
}

func lockLevel(ctx context.Context, tx TxRepository, eppID, warehouseID int64) (StockLevel, bool, error) {
	level, err := tx.GetLevelForUpdate(ctx, eppID, warehouseID)
	if errors.Is(err, ErrLevelNotFound) {
		return StockLevel{EppID: eppID, WarehouseID: warehouseID}, false, nil
	}
	if err != nil {
		return StockLevel{}, false, err
	}
	return level, true, nil
}

// RecordPosted submits the audit entries for a posted movement.
func RecordPosted(audit AuditPort, actorID int64, p Posted, meta map[string]any) {
	if audit == nil {
		return
	}
	audit.LogChange(actorID, auditlog.ActionCreate, auditlog.EntityStockMovement, p.Movement.AuditID(), nil, p.Movement.Snapshot(), meta)
	action, before := auditlog.ActionUpdate, p.Before.Snapshot()
	if !p.LevelExisted {
		action, before = auditlog.ActionCreate, nil
	}
	audit.LogChange(actorID, action, auditlog.EntityStock, p.After.AuditID(), before, p.After.Snapshot(), meta)
}

// RecordReversed submits the audit entries for a reversed movement.
func RecordReversed(audit AuditPort, actorID int64, r Reversed, meta map[string]any) {
	if audit == nil {
		return
	}
	audit.LogChange(actorID, auditlog.ActionDelete, auditlog.EntityStockMovement, r.Movement.AuditID(), r.Movement.Snapshot(), nil, meta)
	audit.LogChange(actorID, auditlog.ActionUpdate, auditlog.EntityStock, r.After.AuditID(), r.Before.Snapshot(), r.After.Snapshot(), meta)
}
