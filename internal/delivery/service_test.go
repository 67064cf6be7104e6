package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-epp/internal/auditlog"
	"github.com/odyssey-erp/odyssey-epp/internal/inventory"
	"github.com/odyssey-erp/odyssey-epp/internal/platform/httpx"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	batches    map[int64]Batch
	codes      map[string]bool
	deliveries map[int64][]Delivery
	levels     map[string]inventory.StockLevel
	movements  map[int64]inventory.Movement
	nextID     int64
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		batches:    map[int64]Batch{},
		codes:      map[string]bool{},
		deliveries: map[int64][]Delivery{},
		levels:     map[string]inventory.StockLevel{},
		movements:  map[int64]inventory.Movement{},
	}
}

func levelKey(eppID, warehouseID int64) string {
	return fmt.Sprintf("%d:%d", eppID, warehouseID)
}

func (r *mockRepository) stock(eppID, warehouseID, qty int64) {
	r.levels[levelKey(eppID, warehouseID)] = inventory.StockLevel{EppID: eppID, WarehouseID: warehouseID, Quantity: qty}
}

func (r *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := *r
	snapshot.batches = cloneMap(r.batches)
	snapshot.codes = cloneMap(r.codes)
	snapshot.deliveries = cloneMap(r.deliveries)
	snapshot.levels = cloneMap(r.levels)
	snapshot.movements = cloneMap(r.movements)
	if err := fn(ctx, &mockTx{repo: r}); err != nil {
		*r = snapshot
		return err
	}
	return nil
}

func (r *mockRepository) GetBatch(ctx context.Context, id int64) (BatchDetail, error) {
	b, ok := r.batches[id]
	if !ok {
		return BatchDetail{}, ErrBatchNotFound
	}
	return BatchDetail{Batch: b, Deliveries: r.deliveries[id]}, nil
}

func (r *mockRepository) ListBatches(ctx context.Context, warehouseID int64, limit int) ([]Batch, error) {
	var out []Batch
	for _, b := range r.batches {
		if warehouseID == 0 || b.WarehouseID == warehouseID {
			out = append(out, b)
		}
	}
	return out, nil
}

type mockTx struct {
	repo *mockRepository
}

func (tx *mockTx) InsertBatch(ctx context.Context, batch Batch) (Batch, error) {
	if tx.repo.codes[batch.Code] {
		return Batch{}, ErrDuplicateCode
	}
	tx.repo.nextID++
	batch.ID = tx.repo.nextID
	tx.repo.batches[batch.ID] = batch
	tx.repo.codes[batch.Code] = true
	return batch, nil
}

func (tx *mockTx) InsertDelivery(ctx context.Context, d Delivery) (Delivery, error) {
	tx.repo.nextID++
	d.ID = tx.repo.nextID
	tx.repo.deliveries[d.BatchID] = append(tx.repo.deliveries[d.BatchID], d)
	return d, nil
}

func (tx *mockTx) Inventory() inventory.TxRepository { return tx }

func (tx *mockTx) GetLevelForUpdate(ctx context.Context, eppID, warehouseID int64) (inventory.StockLevel, error) {
	if l, ok := tx.repo.levels[levelKey(eppID, warehouseID)]; ok {
		return l, nil
	}
	return inventory.StockLevel{}, inventory.ErrLevelNotFound
}

func (tx *mockTx) UpsertLevel(ctx context.Context, level inventory.StockLevel) error {
	tx.repo.levels[levelKey(level.EppID, level.WarehouseID)] = level
	return nil
}

func (tx *mockTx) InsertMovement(ctx context.Context, m inventory.Movement) (inventory.Movement, error) {
	tx.repo.nextID++
	m.ID = tx.repo.nextID
	tx.repo.movements[m.ID] = m
	return m, nil
}

func (tx *mockTx) GetMovementForUpdate(ctx context.Context, id int64) (inventory.Movement, error) {
	m, ok := tx.repo.movements[id]
	if !ok {
		return inventory.Movement{}, inventory.ErrMovementNotFound
	}
	return m, nil
}

func (tx *mockTx) DeleteMovement(ctx context.Context, id int64) error {
	delete(tx.repo.movements, id)
	return nil
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []string
}

func (a *recordingAudit) LogChange(actorID int64, action auditlog.Action, entityType, entityID string, oldValues, newValues, metadata map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, string(action)+" "+entityType)
}

func newTestService(repo *mockRepository, audit inventory.AuditPort) *Service {
	svc := NewService(repo, audit)
	svc.now = func() time.Time { return time.Date(2024, 5, 6, 8, 30, 0, 0, time.UTC) }
	return svc
}

// ============================================================================
// TESTS
// ============================================================================

func TestRegisterBatchWritesCorrelatedExits(t *testing.T) {
	repo := newMockRepository()
	repo.stock(1, 10, 500)
	repo.stock(2, 10, 50)
	audit := &recordingAudit{}
	svc := newTestService(repo, audit)

	detail, err := svc.RegisterBatch(context.Background(), RegisterBatchInput{
		Code:        "DEL-0007",
		WarehouseID: 10,
		ActorID:     4,
		Items: []ItemInput{
			{EppID: 1, WorkerID: 21, Quantity: 100},
			{EppID: 2, WorkerID: 21, Quantity: 20},
		},
	})
	require.NoError(t, err)
	require.Len(t, detail.Deliveries, 2)

	assert.EqualValues(t, 400, repo.levels[levelKey(1, 10)].Quantity)
	assert.EqualValues(t, 30, repo.levels[levelKey(2, 10)].Quantity)

	require.Len(t, repo.movements, 2)
	for _, m := range repo.movements {
		require.Equal(t, inventory.MovementExit, m.Type)
		require.NotNil(t, m.DeliveryID)
		require.True(t, strings.Contains(m.Note, "DEL-0007"))
	}

	assert.Equal(t, []string{
		"CREATE DeliveryBatch",
		"CREATE Delivery", "CREATE Delivery",
		"CREATE StockMovement", "UPDATE Stock",
		"CREATE StockMovement", "UPDATE Stock",
	}, audit.entries)
}

func TestRegisterBatchRollsBackOnInsufficientStock(t *testing.T) {
	repo := newMockRepository()
	repo.stock(1, 10, 500)
	repo.stock(2, 10, 5)
	audit := &recordingAudit{}
	svc := newTestService(repo, audit)

	_, err := svc.RegisterBatch(context.Background(), RegisterBatchInput{
		Code:        "DEL-0008",
		WarehouseID: 10,
		Items:       []ItemInput{{EppID: 1, Quantity: 100}, {EppID: 2, Quantity: 20}},
	})
	require.ErrorIs(t, err, inventory.ErrNegativeStock)
	assert.Empty(t, repo.batches)
	assert.Empty(t, repo.movements)
	assert.EqualValues(t, 500, repo.levels[levelKey(1, 10)].Quantity)
	assert.Empty(t, audit.entries)
}

func TestRegisterBatchValidation(t *testing.T) {
	svc := newTestService(newMockRepository(), nil)
	ctx := context.Background()

	_, err := svc.RegisterBatch(ctx, RegisterBatchInput{WarehouseID: 1})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.RegisterBatch(ctx, RegisterBatchInput{WarehouseID: 1, Items: []ItemInput{{EppID: 1, Quantity: 0}}})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.RegisterBatch(ctx, RegisterBatchInput{WarehouseID: 1, Items: []ItemInput{{EppID: 1, Quantity: 1}, {EppID: 1, Quantity: 2}}})
	require.ErrorIs(t, err, ErrDuplicateItem)
}

func TestRegisterBatchDuplicateCode(t *testing.T) {
	repo := newMockRepository()
	repo.stock(1, 10, 100)
	svc := newTestService(repo, nil)
	input := RegisterBatchInput{Code: "DEL-0001", WarehouseID: 10, Items: []ItemInput{{EppID: 1, Quantity: 1}}}

	_, err := svc.RegisterBatch(context.Background(), input)
	require.NoError(t, err)
	_, err = svc.RegisterBatch(context.Background(), input)
	require.ErrorIs(t, err, httpx.ErrConflict)
}

func TestRegisterBatchGeneratesCode(t *testing.T) {
	repo := newMockRepository()
	repo.stock(1, 10, 100)
	svc := newTestService(repo, nil)

	detail, err := svc.RegisterBatch(context.Background(), RegisterBatchInput{WarehouseID: 10, Items: []ItemInput{{EppID: 1, Quantity: 1}}})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(detail.Batch.Code, "DEL-"))
}
