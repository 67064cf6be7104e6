package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-epp/internal/inventory"
	"github.com/odyssey-erp/odyssey-epp/internal/platform/db"
)

// PgRepository reads both ledgers from PostgreSQL and runs remediation
// transactions.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

type txRepo struct {
	tx  pgx.Tx
	inv inventory.TxRepository
}

// WithTx wraps callback in repeatable-read transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, inv: inventory.NewTxRepository(tx)})
	})
}

// ============================================================================
// LEDGER READS
// ============================================================================

const deliverySelect = `SELECT d.id, d.batch_id, b.code, b.warehouse_id, d.epp_id, COALESCE(e.name, ''), d.quantity, d.created_at
FROM deliveries d
JOIN delivery_batches b ON b.id = d.batch_id
LEFT JOIN epps e ON e.id = d.epp_id`

// LoadLedger reads deliveries, EXIT movements and stock levels in one
// repeatable-read snapshot.
func (r *PgRepository) LoadLedger(ctx context.Context, scope Scope) (Ledger, error) {
	var ledger Ledger
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		var err error
		if ledger.Deliveries, err = loadDeliveries(ctx, tx, scope); err != nil {
			return fmt.Errorf("load deliveries: %w", err)
		}
		if ledger.Movements, err = loadExitMovements(ctx, tx, scope); err != nil {
			return fmt.Errorf("load movements: %w", err)
		}
		if ledger.Levels, err = loadLevels(ctx, tx, scope); err != nil {
			return fmt.Errorf("load levels: %w", err)
		}
		return nil
	})
	return ledger, err
}

func loadDeliveries(ctx context.Context, tx pgx.Tx, scope Scope) ([]DeliveryRecord, error) {
	rows, err := tx.Query(ctx, deliverySelect+`
WHERE ($1::bigint = 0 OR b.warehouse_id = $1)
ORDER BY d.id`, scope.WarehouseID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, collectDelivery)
}

func loadExitMovements(ctx context.Context, tx pgx.Tx, scope Scope) ([]MovementRecord, error) {
	rows, err := tx.Query(ctx, `SELECT m.id, m.epp_id, COALESCE(e.name, ''), m.warehouse_id, COALESCE(w.name, ''),
	m.quantity, m.note, m.status, m.delivery_id, m.actor_id, COALESCE(u.name, ''), m.created_at
FROM stock_movements m
LEFT JOIN epps e ON e.id = m.epp_id
LEFT JOIN warehouses w ON w.id = m.warehouse_id
LEFT JOIN users u ON u.id = m.actor_id
WHERE m.type = $1 AND ($2::bigint = 0 OR m.warehouse_id = $2)
ORDER BY m.id`, string(inventory.MovementExit), scope.WarehouseID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (MovementRecord, error) {
		var m MovementRecord
		err := row.Scan(&m.ID, &m.EppID, &m.EppName, &m.WarehouseID, &m.WarehouseName,
			&m.Quantity, &m.Note, &m.Status, &m.DeliveryID, &m.ActorID, &m.ActorName, &m.CreatedAt)
		return m, err
	})
}

func loadLevels(ctx context.Context, tx pgx.Tx, scope Scope) ([]StockLevel, error) {
	rows, err := tx.Query(ctx, `SELECT epp_id, warehouse_id, quantity, updated_at
FROM stock_levels
WHERE ($1::bigint = 0 OR warehouse_id = $1)
ORDER BY warehouse_id, epp_id`, scope.WarehouseID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (StockLevel, error) {
		var l StockLevel
		err := row.Scan(&l.EppID, &l.WarehouseID, &l.Quantity, &l.UpdatedAt)
		return l, err
	})
}

func collectDelivery(row pgx.CollectableRow) (DeliveryRecord, error) {
	return scanDelivery(row)
}

func scanDelivery(row pgx.Row) (DeliveryRecord, error) {
	var d DeliveryRecord
	err := row.Scan(&d.ID, &d.BatchID, &d.BatchCode, &d.WarehouseID, &d.EppID, &d.EppName, &d.Quantity, &d.CreatedAt)
	return d, err
}

// ============================================================================
// TRANSACTIONAL WRITES
// ============================================================================

func (r *txRepo) GetDeliveryForUpdate(ctx context.Context, id int64) (DeliveryRecord, error) {
	d, err := scanDelivery(r.tx.QueryRow(ctx, deliverySelect+`
WHERE d.id = $1
FOR UPDATE OF d`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return DeliveryRecord{}, fmt.Errorf("%w: id %d", ErrDeliveryNotFound, id)
	}
	return d, err
}

// FindDeliveryForUpdate locks the single delivery of eppID in batchID. Batches
// may hold several deliveries of one item, in which case the caller has to
// name the delivery id.
func (r *txRepo) FindDeliveryForUpdate(ctx context.Context, batchID, eppID int64) (DeliveryRecord, error) {
	rows, err := r.tx.Query(ctx, deliverySelect+`
WHERE d.batch_id = $1 AND d.epp_id = $2
ORDER BY d.id
LIMIT 2
FOR UPDATE OF d`, batchID, eppID)
	if err != nil {
		return DeliveryRecord{}, err
	}
	found, err := pgx.CollectRows(rows, collectDelivery)
	if err != nil {
		return DeliveryRecord{}, err
	}
	switch len(found) {
	case 0:
		return DeliveryRecord{}, fmt.Errorf("%w: batch %d item %d", ErrDeliveryNotFound, batchID, eppID)
	case 1:
		return found[0], nil
	default:
		return DeliveryRecord{}, fmt.Errorf("%w: batch %d item %d", ErrAmbiguousDelivery, batchID, eppID)
	}
}

func (r *txRepo) UpdateDeliveryQuantity(ctx context.Context, id, quantity int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE deliveries SET quantity = $2 WHERE id = $1`, id, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d", ErrDeliveryNotFound, id)
	}
	return nil
}

// HasCorrelatedMovement mirrors the engine's matching rule: an explicit
// delivery id, or a legacy row of the same item and warehouse whose note
// carries the batch code.
func (r *txRepo) HasCorrelatedMovement(ctx context.Context, d DeliveryRecord) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (
	SELECT 1 FROM stock_movements
	WHERE type = $1 AND (
		delivery_id = $2
		OR (delivery_id IS NULL AND epp_id = $3 AND warehouse_id = $4 AND $5 <> '' AND strpos(note, $5) > 0)
	)
)`, string(inventory.MovementExit), d.ID, d.EppID, d.WarehouseID, d.BatchCode).Scan(&exists)
	return exists, err
}

func (r *txRepo) Inventory() inventory.TxRepository {
	return r.inv
}
