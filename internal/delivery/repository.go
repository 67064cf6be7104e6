package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-epp/internal/inventory"
	"github.com/odyssey-erp/odyssey-epp/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for delivery operations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx  pgx.Tx
	inv inventory.TxRepository
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, inv: inventory.NewTxRepository(tx)})
	})
}

// ============================================================================
// READS
// ============================================================================

// GetBatch loads a batch and its deliveries.
func (r *Repository) GetBatch(ctx context.Context, id int64) (BatchDetail, error) {
	var b Batch
	err := r.pool.QueryRow(ctx, `SELECT id, code, warehouse_id, note, actor_id, created_at
FROM delivery_batches WHERE id = $1`, id).
		Scan(&b.ID, &b.Code, &b.WarehouseID, &b.Note, &b.ActorID, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return BatchDetail{}, fmt.Errorf("%w %d", ErrBatchNotFound, id)
	}
	if err != nil {
		return BatchDetail{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, batch_id, epp_id, COALESCE(worker_id, 0), quantity, created_at
FROM deliveries WHERE batch_id = $1 ORDER BY id`, id)
	if err != nil {
		return BatchDetail{}, err
	}
	deliveries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Delivery, error) {
		var d Delivery
		err := row.Scan(&d.ID, &d.BatchID, &d.EppID, &d.WorkerID, &d.Quantity, &d.CreatedAt)
		return d, err
	})
	if err != nil {
		return BatchDetail{}, err
	}
	return BatchDetail{Batch: b, Deliveries: deliveries}, nil
}

// ListBatches lists batches newest first.
func (r *Repository) ListBatches(ctx context.Context, warehouseID int64, limit int) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, warehouse_id, note, actor_id, created_at
FROM delivery_batches
WHERE ($1::bigint = 0 OR warehouse_id = $1)
ORDER BY created_at DESC, id DESC
LIMIT $2`, warehouseID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Batch, error) {
		var b Batch
		err := row.Scan(&b.ID, &b.Code, &b.WarehouseID, &b.Note, &b.ActorID, &b.CreatedAt)
		return b, err
	})
}

// ============================================================================
// TRANSACTIONAL WRITES
// ============================================================================

func (r *txRepo) InsertBatch(ctx context.Context, batch Batch) (Batch, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO delivery_batches (code, warehouse_id, note, actor_id, created_at)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		batch.Code, batch.WarehouseID, batch.Note, batch.ActorID, batch.CreatedAt).Scan(&batch.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Batch{}, fmt.Errorf("%w: %s", ErrDuplicateCode, batch.Code)
		}
		return Batch{}, err
	}
	return batch, nil
}

func (r *txRepo) InsertDelivery(ctx context.Context, d Delivery) (Delivery, error) {
	var worker *int64
	if d.WorkerID > 0 {
		worker = &d.WorkerID
	}
	err := r.tx.QueryRow(ctx, `INSERT INTO deliveries (batch_id, epp_id, worker_id, quantity, created_at)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		d.BatchID, d.EppID, worker, d.Quantity, d.CreatedAt).Scan(&d.ID)
	return d, err
}

func (r *txRepo) Inventory() inventory.TxRepository {
	return r.inv
}
