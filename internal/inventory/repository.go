package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-epp/internal/platform/db"
)

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// NewTxRepository wraps an open transaction so other modules can post
// movements inside their own unit of work.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

const movementColumns = `id, type, epp_id, warehouse_id, quantity, note, status, delivery_id, actor_id, created_at`

// ListLevels returns stock levels ordered by warehouse and item.
func (r *Repository) ListLevels(ctx context.Context, filter LevelFilter) ([]StockLevel, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.WarehouseID > 0 {
		args = append(args, filter.WarehouseID)
		clauses = append(clauses, fmt.Sprintf("warehouse_id = $%d", len(args)))
	}
	if filter.EppID > 0 {
		args = append(args, filter.EppID)
		clauses = append(clauses, fmt.Sprintf("epp_id = $%d", len(args)))
	}
	sql := `SELECT epp_id, warehouse_id, quantity, updated_at FROM stock_levels`
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	sql += " ORDER BY warehouse_id, epp_id"
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (StockLevel, error) {
		var l StockLevel
		err := row.Scan(&l.EppID, &l.WarehouseID, &l.Quantity, &l.UpdatedAt)
		return l, err
	})
}

// ListMovements returns movements newest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.WarehouseID > 0 {
		args = append(args, filter.WarehouseID)
		clauses = append(clauses, fmt.Sprintf("warehouse_id = $%d", len(args)))
	}
	if filter.EppID > 0 {
		args = append(args, filter.EppID)
		clauses = append(clauses, fmt.Sprintf("epp_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		clauses = append(clauses, fmt.Sprintf("type = $%d", len(args)))
	}
	sql := `SELECT ` + movementColumns + ` FROM stock_movements`
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, filter.Limit)
	sql += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, collectMovement)
}

func (r *txRepo) GetLevelForUpdate(ctx context.Context, eppID, warehouseID int64) (StockLevel, error) {
	var l StockLevel
	err := r.tx.QueryRow(ctx, `SELECT epp_id, warehouse_id, quantity, updated_at
FROM stock_levels WHERE epp_id = $1 AND warehouse_id = $2 FOR UPDATE`, eppID, warehouseID).
		Scan(&l.EppID, &l.WarehouseID, &l.Quantity, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StockLevel{EppID: eppID, WarehouseID: warehouseID}, ErrLevelNotFound
	}
	return l, err
}

func (r *txRepo) UpsertLevel(ctx context.Context, level StockLevel) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_levels (epp_id, warehouse_id, quantity, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (epp_id, warehouse_id) DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at`,
		level.EppID, level.WarehouseID, level.Quantity, level.UpdatedAt)
	return err
}

func (r *txRepo) InsertMovement(ctx context.Context, m Movement) (Movement, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (type, epp_id, warehouse_id, quantity, note, status, delivery_id, actor_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+movementColumns,
		string(m.Type), m.EppID, m.WarehouseID, m.Quantity, m.Note, m.Status, m.DeliveryID, m.ActorID, m.CreatedAt)
	return scanMovement(row)
}

func (r *txRepo) GetMovementForUpdate(ctx context.Context, id int64) (Movement, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+movementColumns+` FROM stock_movements WHERE id = $1 FOR UPDATE`, id)
	m, err := scanMovement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Movement{}, fmt.Errorf("%w: movement %d", ErrMovementNotFound, id)
	}
	return m, err
}

func (r *txRepo) DeleteMovement(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM stock_movements WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: movement %d", ErrMovementNotFound, id)
	}
	return nil
}

func collectMovement(row pgx.CollectableRow) (Movement, error) {
	return scanMovement(row)
}

func scanMovement(row pgx.Row) (Movement, error) {
	var (
		m     Movement
		mType string
	)
	if err := row.Scan(&m.ID, &mType, &m.EppID, &m.WarehouseID, &m.Quantity, &m.Note, &m.Status, &m.DeliveryID, &m.ActorID, &m.CreatedAt); err != nil {
		return Movement{}, err
	}
	m.Type = MovementType(mType)
	return m, nil
}
