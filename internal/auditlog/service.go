package auditlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-epp/internal/platform/httpx"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// QueryStore membaca entri audit yang sudah tersimpan.
type QueryStore interface {
	Query(ctx context.Context, filters Filters, limit, offset int) ([]Record, error)
}

// PurgeStore menghapus entri yang sudah kedaluwarsa.
type PurgeStore interface {
	PurgeExpired(ctx context.Context, now time.Time, batchSize int) (PurgeResult, error)
}

// Service mengoordinasikan pembacaan log audit.
type Service struct {
	store    QueryStore
	validate *validator.Validate
}

// NewService membuat service query audit baru.
func NewService(store QueryStore) *Service {
	return &Service{store: store, validate: validator.New()}
}

// Query mengambil log audit dengan paging limit+1.
func (s *Service) Query(ctx context.Context, filters Filters) (Result, error) {
	if s.store == nil {
		return Result{}, ErrStoreNotConfigured
	}
	if err := s.validate.Struct(filters); err != nil {
		return Result{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	if !filters.From.IsZero() && !filters.To.IsZero() && filters.From.After(filters.To) {
		return Result{}, fmt.Errorf("%w: from is after to", httpx.ErrValidation)
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.store.Query(ctx, filters, pageSize+1, (page-1)*pageSize)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	if rows == nil {
		rows = []Record{}
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Purger runs the retention cleanup against a PurgeStore.
type Purger struct {
	store     PurgeStore
	batchSize int
	now       func() time.Time
}

// NewPurger constructs a Purger deleting batchSize rows per statement.
func NewPurger(store PurgeStore, batchSize int) *Purger {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Purger{store: store, batchSize: batchSize, now: time.Now}
}

// Run deletes every entry whose expiry has passed.
func (p *Purger) Run(ctx context.Context) (PurgeResult, error) {
	if p == nil || p.store == nil {
		return PurgeResult{}, ErrStoreNotConfigured
	}
	result, err := p.store.PurgeExpired(ctx, p.now().UTC(), p.batchSize)
	if err != nil && !errors.Is(err, context.Canceled) {
		return result, fmt.Errorf("auditlog: purge expired: %w", err)
	}
	return result, err
}
