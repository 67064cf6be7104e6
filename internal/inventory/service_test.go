package inventory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-epp/internal/auditlog"
	"github.com/odyssey-erp/odyssey-epp/internal/platform/httpx"
)

type memoryRepo struct {
	levels    map[string]StockLevel
	movements map[int64]Movement
	nextID    int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{levels: make(map[string]StockLevel), movements: make(map[int64]Movement)}
}

func key(eppID, warehouseID int64) string {
	return fmt.Sprintf("%d:%d", eppID, warehouseID)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	levels := make(map[string]StockLevel, len(r.levels))
	for k, v := range r.levels {
		levels[k] = v
	}
	movements := make(map[int64]Movement, len(r.movements))
	for k, v := range r.movements {
		movements[k] = v
	}
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.levels, r.movements = levels, movements
		return err
	}
	return nil
}

func (r *memoryRepo) ListLevels(ctx context.Context, filter LevelFilter) ([]StockLevel, error) {
	var out []StockLevel
	for _, l := range r.levels {
		out = append(out, l)
	}
	return out, nil
}

func (r *memoryRepo) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	var out []Movement
	for _, m := range r.movements {
		out = append(out, m)
	}
	return out, nil
}

func (tx *memoryTx) GetLevelForUpdate(ctx context.Context, eppID, warehouseID int64) (StockLevel, error) {
	if l, ok := tx.repo.levels[key(eppID, warehouseID)]; ok {
		return l, nil
	}
	return StockLevel{EppID: eppID, WarehouseID: warehouseID}, ErrLevelNotFound
}

func (tx *memoryTx) UpsertLevel(ctx context.Context, level StockLevel) error {
	tx.repo.levels[key(level.EppID, level.WarehouseID)] = level
	return nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m Movement) (Movement, error) {
	tx.repo.nextID++
	m.ID = tx.repo.nextID
	tx.repo.movements[m.ID] = m
	return m, nil
}

func (tx *memoryTx) GetMovementForUpdate(ctx context.Context, id int64) (Movement, error) {
	m, ok := tx.repo.movements[id]
	if !ok {
		return Movement{}, ErrMovementNotFound
	}
	return m, nil
}

func (tx *memoryTx) DeleteMovement(ctx context.Context, id int64) error {
	delete(tx.repo.movements, id)
	return nil
}

type auditCall struct {
	Action     auditlog.Action
	EntityType string
	EntityID   string
	Old, New   map[string]any
}

type recordingAudit struct {
	mu    sync.Mutex
	calls []auditCall
}

func (a *recordingAudit) LogChange(actorID int64, action auditlog.Action, entityType, entityID string, oldValues, newValues, metadata map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, auditCall{Action: action, EntityType: entityType, EntityID: entityID, Old: oldValues, New: newValues})
}

func newTestService(repo *memoryRepo, audit AuditPort) *Service {
	svc := NewService(repo, audit, ServiceConfig{})
	svc.now = func() time.Time { return time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC) }
	return svc
}

func TestPostMovementAppliesEffect(t *testing.T) {
	repo := newMemoryRepo()
	audit := &recordingAudit{}
	svc := newTestService(repo, audit)
	ctx := context.Background()

	_, level, err := svc.PostMovement(ctx, MovementInput{Type: MovementEntry, EppID: 1, WarehouseID: 2, Quantity: 100, ActorID: 9})
	require.NoError(t, err)
	require.EqualValues(t, 100, level.Quantity)

	m, level, err := svc.PostMovement(ctx, MovementInput{Type: MovementExit, EppID: 1, WarehouseID: 2, Quantity: 40, Note: "Delivery DEL-0007", ActorID: 9})
	require.NoError(t, err)
	require.EqualValues(t, 60, level.Quantity)
	require.Equal(t, StatusActive, m.Status)

	_, level, err = svc.PostMovement(ctx, MovementInput{Type: MovementAdjustment, EppID: 1, WarehouseID: 2, Quantity: -10, ActorID: 9})
	require.NoError(t, err)
	require.EqualValues(t, 50, level.Quantity)

	require.Len(t, audit.calls, 6)
	require.Equal(t, auditlog.ActionCreate, audit.calls[1].Action, "first posting creates the stock level")
	require.Equal(t, auditlog.EntityStock, audit.calls[3].EntityType)
	require.Equal(t, auditlog.ActionUpdate, audit.calls[3].Action)
	require.EqualValues(t, 100, audit.calls[3].Old["quantity"])
}

func TestNegativeStockGuard(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	_, _, err := svc.PostMovement(ctx, MovementInput{Type: MovementExit, EppID: 1, WarehouseID: 1, Quantity: 1})
	require.ErrorIs(t, err, ErrNegativeStock)
	require.ErrorIs(t, err, httpx.ErrValidation)
	require.Empty(t, repo.movements)
}

func TestPostMovementValidation(t *testing.T) {
	svc := newTestService(newMemoryRepo(), nil)
	ctx := context.Background()

	_, _, err := svc.PostMovement(ctx, MovementInput{Type: "LOAN", EppID: 1, WarehouseID: 1, Quantity: 1})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, _, err = svc.PostMovement(ctx, MovementInput{Type: MovementEntry, EppID: 1, WarehouseID: 1, Quantity: -5})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, _, err = svc.PostMovement(ctx, MovementInput{Type: MovementEntry, WarehouseID: 1, Quantity: 5})
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestTransfer(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	_, _, err := svc.PostMovement(ctx, MovementInput{Type: MovementEntry, EppID: 1, WarehouseID: 1, Quantity: 20})
	require.NoError(t, err)

	out, in, err := svc.PostTransfer(ctx, TransferInput{EppID: 1, Quantity: 5, SrcWarehouse: 1, DstWarehouse: 2})
	require.NoError(t, err)
	require.Equal(t, MovementTransferOut, out.Type)
	require.Equal(t, MovementTransferIn, in.Type)
	require.EqualValues(t, 15, repo.levels[key(1, 1)].Quantity)
	require.EqualValues(t, 5, repo.levels[key(1, 2)].Quantity)

	_, _, err = svc.PostTransfer(ctx, TransferInput{EppID: 1, Quantity: 50, SrcWarehouse: 1, DstWarehouse: 2})
	require.ErrorIs(t, err, ErrNegativeStock)
	require.EqualValues(t, 15, repo.levels[key(1, 1)].Quantity)

	_, _, err = svc.PostTransfer(ctx, TransferInput{EppID: 1, Quantity: 1, SrcWarehouse: 1, DstWarehouse: 1})
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestReverseUndoesEffect(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	_, _, err := svc.PostMovement(ctx, MovementInput{Type: MovementEntry, EppID: 3, WarehouseID: 1, Quantity: 100})
	require.NoError(t, err)
	exit, _, err := svc.PostMovement(ctx, MovementInput{Type: MovementExit, EppID: 3, WarehouseID: 1, Quantity: 40})
	require.NoError(t, err)

	var reversed Reversed
	err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		reversed, err = Reverse(ctx, tx, exit.ID, time.Now())
		return err
	})
	require.NoError(t, err)
	require.EqualValues(t, 60, reversed.Before.Quantity)
	require.EqualValues(t, 100, reversed.After.Quantity)
	require.NotContains(t, repo.movements, exit.ID)

	err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := Reverse(ctx, tx, exit.ID, time.Now())
		return err
	})
	require.ErrorIs(t, err, ErrMovementNotFound)
}

func TestMovementEffect(t *testing.T) {
	cases := map[MovementType]int64{
		MovementEntry:       7,
		MovementTransferIn:  7,
		MovementExit:        -7,
		MovementTransferOut: -7,
		MovementAdjustment:  7,
	}
	for typ, want := range cases {
		require.Equal(t, want, typ.Effect(7), typ)
	}
	require.EqualValues(t, -3, MovementAdjustment.Effect(-3))
}
