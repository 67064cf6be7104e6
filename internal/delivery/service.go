package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-epp/internal/auditlog"
	"github.com/odyssey-erp/odyssey-epp/internal/inventory"
	"github.com/odyssey-erp/odyssey-epp/internal/platform/httpx"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBatch(ctx context.Context, id int64) (BatchDetail, error)
	ListBatches(ctx context.Context, warehouseID int64, limit int) ([]Batch, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertBatch(ctx context.Context, batch Batch) (Batch, error)
	InsertDelivery(ctx context.Context, d Delivery) (Delivery, error)
	Inventory() inventory.TxRepository
}

// Service provides business logic for delivery batches.
type Service struct {
	repo     RepositoryPort
	audit    inventory.AuditPort
	validate *validator.Validate
	now      func() time.Time
}

// NewService constructs a delivery service.
func NewService(repo RepositoryPort, audit inventory.AuditPort) *Service {
	return &Service{repo: repo, audit: audit, validate: validator.New(), now: time.Now}
}

// RegisterBatch stores the batch, its deliveries and one EXIT movement per
// delivery in a single transaction. Each movement carries the delivery id and
// a note embedding the batch code.
func (s *Service) RegisterBatch(ctx context.Context, input RegisterBatchInput) (BatchDetail, error) {
	if err := s.validate.Struct(input); err != nil {
		return BatchDetail{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	seen := make(map[[2]int64]struct{}, len(input.Items))
	for _, item := range input.Items {
		k := [2]int64{item.EppID, item.WorkerID}
		if _, dup := seen[k]; dup {
			return BatchDetail{}, fmt.Errorf("%w: %w", httpx.ErrValidation, ErrDuplicateItem)
		}
		seen[k] = struct{}{}
	}
	now := s.now().UTC()
	code := input.Code
	if code == "" {
		code = fmt.Sprintf("DEL-%d", now.UnixNano())
	}

	var (
		detail BatchDetail
		posted []inventory.Posted
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		batch, err := tx.InsertBatch(ctx, Batch{
			Code:        code,
			WarehouseID: input.WarehouseID,
			Note:        input.Note,
			ActorID:     input.ActorID,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		detail = BatchDetail{Batch: batch}
		posted = posted[:0]
		for _, item := range input.Items {
			d, err := tx.InsertDelivery(ctx, Delivery{
				BatchID:   batch.ID,
				EppID:     item.EppID,
				WorkerID:  item.WorkerID,
				Quantity:  item.Quantity,
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
			deliveryID := d.ID
			p, err := inventory.Apply(ctx, tx.Inventory(), inventory.Movement{
				Type:        inventory.MovementExit,
				EppID:       d.EppID,
				WarehouseID: batch.WarehouseID,
				Quantity:    d.Quantity,
				Note:        MovementNote(batch.Code),
				DeliveryID:  &deliveryID,
				ActorID:     input.ActorID,
				CreatedAt:   now,
			}, false)
			if err != nil {
				return fmt.Errorf("delivery: item %d: %w", d.EppID, err)
			}
			detail.Deliveries = append(detail.Deliveries, d)
			posted = append(posted, p)
		}
		return nil
	})
	if err != nil {
		return BatchDetail{}, err
	}
	s.recordBatch(input.ActorID, detail, posted)
	return detail, nil
}

// GetBatch returns a batch with its deliveries.
func (s *Service) GetBatch(ctx context.Context, id int64) (BatchDetail, error) {
	return s.repo.GetBatch(ctx, id)
}

// ListBatches lists recent batches, optionally for one warehouse.
func (s *Service) ListBatches(ctx context.Context, warehouseID int64, limit int) ([]Batch, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListBatches(ctx, warehouseID, limit)
}

func (s *Service) recordBatch(actorID int64, detail BatchDetail, posted []inventory.Posted) {
	if s.audit == nil {
		return
	}
	meta := map[string]any{"batch_code": detail.Batch.Code}
	s.audit.LogChange(actorID, auditlog.ActionCreate, auditlog.EntityDeliveryBatch, fmt.Sprint(detail.Batch.ID), nil, detail.Batch.Snapshot(), nil)
	for _, d := range detail.Deliveries {
		s.audit.LogChange(actorID, auditlog.ActionCreate, auditlog.EntityDelivery, d.auditID(), nil, d.Snapshot(), meta)
	}
	for _, p := range posted {
		inventory.RecordPosted(s.audit, actorID, p, meta)
	}
}
