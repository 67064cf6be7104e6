package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	mu      sync.Mutex
	batches [][]Entry
	fail    int
}

func (s *fakeStore) InsertBatch(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("connection reset")
	}
	batch := make([]Entry, len(entries))
	copy(batch, entries)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeStore) persisted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, batch := range s.batches {
		total += len(batch)
	}
	return total
}

func (s *fakeStore) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func newTestWriter(store BatchStore, cfg WriterConfig, clock *fakeClock) *Writer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWriter(store, NewPolicyTable(nil), cfg, WithLogger(logger), WithClock(clock.Now))
}

func movementChange(actor int64, id int) submission {
	return submission{
		actorID:    actor,
		action:     ActionCreate,
		entityType: EntityStockMovement,
		entityID:   fmt.Sprint(id),
		newValues:  map[string]any{"id": id, "quantity": 40},
	}
}

func TestWriterRejectsBeforeQueueing(t *testing.T) {
	clock := newFakeClock()
	w := newTestWriter(&fakeStore{}, WriterConfig{BatchSize: 10, RateLimit: 5}, clock)

	require.Equal(t, OutcomeNotAuditable, w.submit(submission{actorID: 1, action: ActionCreate, entityType: EntitySession, entityID: "s", newValues: map[string]any{"a": 1}}))
	require.Equal(t, OutcomeNotAuditable, w.submit(submission{actorID: 1, action: ActionCreate, entityType: "Unknown", entityID: "u", newValues: map[string]any{"a": 1}}))
	same := map[string]any{"quantity": 1}
	require.Equal(t, OutcomeEmptyDiff, w.submit(submission{actorID: 1, action: ActionUpdate, entityType: EntityStock, entityID: "1", oldValues: same, newValues: same}))

	stats := w.Stats()
	require.Zero(t, stats.QueueSize)
	require.EqualValues(t, 3, stats.Rejected)
}

func TestWriterRateLimitsPerActor(t *testing.T) {
	clock := newFakeClock()
	w := newTestWriter(&fakeStore{}, WriterConfig{BatchSize: 100, RateLimit: 5}, clock)

	for i := 0; i < 5; i++ {
		require.Equal(t, OutcomeQueued, w.submit(movementChange(1, i)))
	}
	require.Equal(t, OutcomeRateLimited, w.submit(movementChange(1, 5)))
	require.Equal(t, 1, w.Stats().RateLimitedActors)
	require.Equal(t, OutcomeQueued, w.submit(movementChange(2, 6)))

	clock.Advance(61 * time.Second)
	require.Equal(t, OutcomeQueued, w.submit(movementChange(1, 7)))
	require.Zero(t, w.Stats().RateLimitedActors)
}

func TestWriterQueueNeverExceedsBound(t *testing.T) {
	clock := newFakeClock()
	w := newTestWriter(&fakeStore{}, WriterConfig{BatchSize: 1000, MaxQueueSize: 10}, clock)

	for i := 0; i < 35; i++ {
		w.submit(movementChange(int64(i), i))
		require.LessOrEqual(t, w.QueueSize(), 10)
	}
	stats := w.Stats()
	require.EqualValues(t, 35, stats.Accepted)
	require.EqualValues(t, 35, stats.Dropped+uint64(stats.QueueSize))

	// newest entry survives the discard
	w.mu.Lock()
	last := w.queue[len(w.queue)-1]
	w.mu.Unlock()
	require.Equal(t, "34", last.EntityID)
}

func TestWriterBatchSizeRequestsImmediateFlush(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{}
	w := newTestWriter(store, WriterConfig{BatchSize: 3}, clock)

	w.submit(movementChange(1, 1))
	w.submit(movementChange(1, 2))
	require.Len(t, w.flushCh, 0)
	w.submit(movementChange(1, 3))
	require.Len(t, w.flushCh, 1)

	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, 1, store.batchCount())
	require.Equal(t, 3, store.persisted())
	require.Zero(t, w.QueueSize())
}

func TestWriterTimeoutFlush(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{}
	w := newTestWriter(store, WriterConfig{BatchSize: 50, BatchTimeout: 5 * time.Second}, clock)
	ctx := context.Background()

	w.submit(movementChange(1, 1))
	clock.Advance(4 * time.Second)
	w.tick(ctx)
	require.Zero(t, store.batchCount())

	clock.Advance(2 * time.Second)
	w.tick(ctx)
	require.Equal(t, 1, store.batchCount())
	require.Equal(t, clock.Now(), w.Stats().LastFlush)

	// empty queue never flushes
	clock.Advance(time.Minute)
	w.tick(ctx)
	require.Equal(t, 1, store.batchCount())
}

func TestWriterRequeuesFailedBatchOnce(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{fail: 2}
	w := newTestWriter(store, WriterConfig{BatchSize: 5}, clock)
	ctx := context.Background()

	w.submit(movementChange(1, 1))
	w.submit(movementChange(1, 2))

	require.Error(t, w.Flush(ctx))
	require.Equal(t, 2, w.QueueSize())

	w.submit(movementChange(1, 3))
	require.Error(t, w.Flush(ctx))
	// the two retried entries are dropped, the fresh one is retried
	require.Equal(t, 1, w.QueueSize())
	require.EqualValues(t, 2, w.Stats().Dropped)

	require.NoError(t, w.Flush(ctx))
	require.Equal(t, 1, store.persisted())
}

func TestWriterDropsOversizedFailedBatch(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{fail: 1}
	w := newTestWriter(store, WriterConfig{BatchSize: 2, MaxQueueSize: 10}, clock)

	for i := 0; i < 4; i++ {
		w.submit(movementChange(int64(i), i))
	}
	require.Error(t, w.Flush(context.Background()))
	require.Zero(t, w.QueueSize())
	require.EqualValues(t, 4, w.Stats().Dropped)
}

type blockingStore struct {
	entered chan struct{}
	release chan struct{}
	calls   int
	mu      sync.Mutex
}

func (s *blockingStore) InsertBatch(context.Context, []Entry) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	s.entered <- struct{}{}
	<-s.release
	return nil
}

func TestWriterSingleFlushInFlight(t *testing.T) {
	clock := newFakeClock()
	store := &blockingStore{entered: make(chan struct{}, 1), release: make(chan struct{})}
	w := newTestWriter(store, WriterConfig{BatchSize: 10}, clock)
	w.submit(movementChange(1, 1))

	done := make(chan error, 1)
	go func() { done <- w.Flush(context.Background()) }()
	<-store.entered

	require.True(t, w.Stats().Processing)
	w.submit(movementChange(1, 2))
	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, 1, w.QueueSize())

	close(store.release)
	require.NoError(t, <-done)
	require.False(t, w.Stats().Processing)
	store.mu.Lock()
	require.Equal(t, 1, store.calls)
	store.mu.Unlock()
}

func TestWriterBackgroundLifecycle(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{}
	w := newTestWriter(store, WriterConfig{BatchSize: 3, PollInterval: 5 * time.Millisecond}, clock)
	ctx := context.Background()
	w.Start(ctx)

	for i := 0; i < 3; i++ {
		w.LogChange(1, ActionCreate, EntityStockMovement, fmt.Sprint(i), nil, map[string]any{"quantity": i + 1}, map[string]any{"ip": "127.0.0.1"})
	}
	require.Eventually(t, func() bool { return store.persisted() == 3 }, time.Second, 5*time.Millisecond)

	w.LogChange(1, ActionDelete, EntityStockMovement, "9", map[string]any{"quantity": 40}, nil, nil)
	require.NoError(t, w.Stop(ctx))
	require.Equal(t, 4, store.persisted())

	w.LogChange(1, ActionCreate, EntityStockMovement, "10", nil, map[string]any{"quantity": 1}, nil)
	require.Equal(t, 4, store.persisted())
	require.NoError(t, w.Stop(ctx))
}

func TestWriterOutlivesStartContext(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{}
	w := newTestWriter(store, WriterConfig{BatchSize: 50, MaxQueueSize: 1000, IngestBuffer: 256, RateLimit: 0}, clock)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	cancel()

	// more than the ingest buffer holds, submitted while the server drains
	for round := 0; round < 3; round++ {
		for i := 0; i < 100; i++ {
			id := round*100 + i
			w.LogChange(int64(id%20+1), ActionCreate, EntityStockMovement, fmt.Sprint(id), nil, map[string]any{"quantity": id + 1}, nil)
		}
		want := uint64((round + 1) * 100)
		require.Eventually(t, func() bool { return w.Stats().Accepted == want }, time.Second, 5*time.Millisecond)
	}

	require.NoError(t, w.Stop(context.Background()))
	require.Equal(t, 300, store.persisted())
	require.Zero(t, w.Stats().Dropped)
}

// encodingStore serializes entries the way the pgx repository does before COPY.
type encodingStore struct {
	fakeStore
}

func (s *encodingStore) InsertBatch(ctx context.Context, entries []Entry) error {
	for _, entry := range entries {
		if _, err := json.Marshal(entry.Changes); err != nil {
			return err
		}
		if _, err := json.Marshal(entry.Metadata); err != nil {
			return err
		}
	}
	return s.fakeStore.InsertBatch(ctx, entries)
}

func TestWriterUnencodableMetadataDoesNotPoisonBatch(t *testing.T) {
	clock := newFakeClock()
	store := &encodingStore{}
	w := newTestWriter(store, WriterConfig{BatchSize: 50, RateLimit: 0}, clock)

	for i := 0; i < 9; i++ {
		require.Equal(t, OutcomeQueued, w.submit(movementChange(1, i)))
	}
	bad := movementChange(1, 9)
	bad.metadata = map[string]any{"ratio": math.NaN(), "source": "scanner"}
	require.Equal(t, OutcomeQueued, w.submit(bad))

	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, 10, store.persisted())
	require.Zero(t, w.Stats().Dropped)
	last := store.batches[0][9]
	require.Equal(t, map[string]any{"ratio": unserializableMarker, "source": "scanner"}, last.Metadata)
}

func TestWriterLogChangeOnNilWriter(t *testing.T) {
	var w *Writer
	require.NotPanics(t, func() {
		w.LogChange(1, ActionCreate, EntityStockMovement, "1", nil, map[string]any{"a": 1}, nil)
	})
}

func TestWriterEntryCarriesExpiry(t *testing.T) {
	clock := newFakeClock()
	w := newTestWriter(&fakeStore{}, WriterConfig{}, clock)
	w.submit(movementChange(1, 1))

	w.mu.Lock()
	entry := w.queue[0]
	w.mu.Unlock()
	require.Equal(t, clock.Now(), entry.CreatedAt)
	require.Equal(t, clock.Now().AddDate(0, 0, 1825), entry.ExpiresAt)
	require.NotEmpty(t, entry.ID)
}
