package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var auditColumns = []string{
	"id", "actor_id", "action", "entity_type", "entity_id",
	"changes", "metadata", "created_at", "expires_at",
}

// Repository persists audit entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertBatch writes entries with a single COPY.
func (r *Repository) InsertBatch(ctx context.Context, entries []Entry) error {
	if r == nil || r.pool == nil {
		return ErrStoreNotConfigured
	}
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(entries))
	for _, entry := range entries {
		changes, err := json.Marshal(entry.Changes)
		if err != nil {
			return fmt.Errorf("auditlog: encode changes %s: %w", entry.ID, err)
		}
		var metadata []byte
		if len(entry.Metadata) > 0 {
			if metadata, err = json.Marshal(entry.Metadata); err != nil {
				return fmt.Errorf("auditlog: encode metadata %s: %w", entry.ID, err)
			}
		}
		rows = append(rows, []any{
			toPgUUID(entry.ID),
			entry.ActorID,
			string(entry.Action),
			entry.EntityType,
			entry.EntityID,
			changes,
			metadata,
			entry.CreatedAt,
			entry.ExpiresAt,
		})
	}
	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"audit_logs"}, auditColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("auditlog: copy batch: %w", err)
	}
	return nil
}

// Query returns filtered rows ordered newest first. limit and offset are
// applied as given; callers request one extra row to detect a next page.
func (r *Repository) Query(ctx context.Context, filters Filters, limit, offset int) ([]Record, error) {
	if r == nil || r.pool == nil {
		return nil, ErrStoreNotConfigured
	}
	where, args := buildWhere(filters)
	args = append(args, limit, offset)
	sql := fmt.Sprintf(`SELECT id, actor_id, action, entity_type, entity_id, changes, metadata, created_at, expires_at
FROM audit_logs%s
ORDER BY created_at DESC, id DESC
LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("auditlog: query: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			id       pgtype.UUID
			rec      Record
			action   string
			changes  []byte
			metadata []byte
		)
		if err := rows.Scan(&id, &rec.ActorID, &action, &rec.EntityType, &rec.EntityID, &changes, &metadata, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, err
		}
		rec.ID = uuid.UUID(id.Bytes).String()
		rec.Action = Action(action)
		rec.Changes = json.RawMessage(changes)
		if len(metadata) > 0 {
			rec.Metadata = json.RawMessage(metadata)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PurgeExpired deletes entries whose expiry is before now in batches of
// batchSize until none remain.
func (r *Repository) PurgeExpired(ctx context.Context, now time.Time, batchSize int) (PurgeResult, error) {
	if r == nil || r.pool == nil {
		return PurgeResult{}, ErrStoreNotConfigured
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	const stmt = `DELETE FROM audit_logs
WHERE id IN (
	SELECT id FROM audit_logs WHERE expires_at < $1 ORDER BY expires_at LIMIT $2
)
RETURNING created_at`

	var result PurgeResult
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		rows, err := r.pool.Query(ctx, stmt, now, batchSize)
		if err != nil {
			return result, fmt.Errorf("auditlog: purge batch %d: %w", result.Batches+1, err)
		}
		created, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
		if err != nil {
			return result, fmt.Errorf("auditlog: purge batch %d: %w", result.Batches+1, err)
		}
		if len(created) == 0 {
			return result, nil
		}
		result.Batches++
		result.Deleted += int64(len(created))
		for _, at := range created {
			if result.Oldest.IsZero() || at.Before(result.Oldest) {
				result.Oldest = at
			}
			if at.After(result.Newest) {
				result.Newest = at
			}
		}
		if len(created) < batchSize {
			return result, nil
		}
	}
}

func buildWhere(filters Filters) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filters.ActorID > 0 {
		add("actor_id = $%d", filters.ActorID)
	}
	if v := strings.TrimSpace(filters.EntityType); v != "" {
		add("entity_type = $%d", v)
	}
	if v := strings.TrimSpace(filters.EntityID); v != "" {
		add("entity_id = $%d", v)
	}
	if filters.Action != "" {
		add("action = $%d", string(filters.Action))
	}
	if !filters.From.IsZero() {
		add("created_at >= $%d", filters.From)
	}
	if !filters.To.IsZero() {
		add("created_at < $%d", filters.To)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "\nWHERE " + strings.Join(clauses, " AND "), args
}

func toPgUUID(id string) pgtype.UUID {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}
}
