package auditlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// BatchStore persists audit entries in bulk.
type BatchStore interface {
	InsertBatch(ctx context.Context, entries []Entry) error
}

// WriterConfig tunes the batched writer.
type WriterConfig struct {
	BatchSize       int
	BatchTimeout    time.Duration
	MaxQueueSize    int
	RateLimit       int
	RateWindow      time.Duration
	PollInterval    time.Duration
	CleanupInterval time.Duration
	IngestBuffer    int
}

// DefaultWriterConfig returns production defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:       50,
		BatchTimeout:    5 * time.Second,
		MaxQueueSize:    1000,
		RateLimit:       100,
		RateWindow:      time.Minute,
		PollInterval:    time.Second,
		CleanupInterval: 5 * time.Minute,
		IngestBuffer:    256,
	}
}

func (c WriterConfig) withDefaults() WriterConfig {
	def := DefaultWriterConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = def.BatchTimeout
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.IngestBuffer <= 0 {
		c.IngestBuffer = def.IngestBuffer
	}
	return c
}

// Outcome reports what happened to a single submission.
type Outcome int

const (
	// OutcomeQueued means the entry waits for the next flush.
	OutcomeQueued Outcome = iota
	// OutcomeNotAuditable means the entity type has no enabled policy.
	OutcomeNotAuditable
	// OutcomeRateLimited means the actor exceeded the per-window limit.
	OutcomeRateLimited
	// OutcomeEmptyDiff means nothing changed.
	OutcomeEmptyDiff
	// OutcomeDropped means the writer had no capacity for the submission.
	OutcomeDropped
)

// Option customises a Writer.
type Option func(*Writer)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock replaces time.Now, letting tests drive the flush timer.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// WithIDGenerator replaces the uuid entry id generator.
func WithIDGenerator(gen func() string) Option {
	return func(w *Writer) {
		if gen != nil {
			w.newID = gen
		}
	}
}

type submission struct {
	actorID    int64
	action     Action
	entityType string
	entityID   string
	oldValues  map[string]any
	newValues  map[string]any
	metadata   map[string]any
}

// Writer queues audit entries in memory and writes them in bulk. Submissions
// arrive over a buffered channel drained by an ingest goroutine; a second
// goroutine owns the flush and rate-limit cleanup timers. Both meet only at
// the queue lock.
type Writer struct {
	store  BatchStore
	policy *PolicyTable
	cfg    WriterConfig
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	limiter *actorLimiter
	ingest  chan submission
	flushCh chan struct{}

	mu         sync.Mutex
	queue      []Entry
	processing bool
	lastFlush  time.Time

	accepted  atomic.Uint64
	rejected  atomic.Uint64
	dropped   atomic.Uint64
	persisted atomic.Uint64

	lifecycle sync.Mutex
	started   bool
	stopped   atomic.Bool
	cancel    context.CancelFunc
	flushCtx  context.Context
	wg        sync.WaitGroup
}

// NewWriter constructs a writer. Call Start to launch the background tasks.
func NewWriter(store BatchStore, policy *PolicyTable, cfg WriterConfig, opts ...Option) *Writer {
	cfg = cfg.withDefaults()
	w := &Writer{
		store:    store,
		policy:   policy,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
		ingest:   make(chan submission, cfg.IngestBuffer),
		flushCh:  make(chan struct{}, 1),
		flushCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.policy == nil {
		w.policy = NewPolicyTable(nil)
	}
	w.limiter = newActorLimiter(cfg.RateLimit, cfg.RateWindow)
	w.lastFlush = w.now()
	return w
}

// Config returns the effective configuration.
func (w *Writer) Config() WriterConfig {
	return w.cfg
}

// Start launches the ingest and flush goroutines. It is a no-op when already
// started. Cancelling ctx does not stop them; only Stop does, so callers still
// draining requests after a shutdown signal keep logging.
func (w *Writer) Start(ctx context.Context) {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.started || w.stopped.Load() {
		return
	}
	w.started = true
	w.flushCtx = context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(w.flushCtx)
	w.cancel = cancel
	w.wg.Add(2)
	go w.ingestLoop(runCtx)
	go w.flushLoop(runCtx)
	w.logger.Info("audit writer started",
		slog.Int("batch_size", w.cfg.BatchSize),
		slog.Duration("batch_timeout", w.cfg.BatchTimeout),
		slog.Int("max_queue", w.cfg.MaxQueueSize))
}

// Stop halts the background tasks, drains pending submissions and performs a
// final flush.
func (w *Writer) Stop(ctx context.Context) error {
	if !w.stopped.CompareAndSwap(false, true) {
		return nil
	}
	w.lifecycle.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.lifecycle.Unlock()
	w.wg.Wait()
	w.drain()
	err := w.Flush(ctx)
	if err != nil && w.QueueSize() > 0 {
		err = w.Flush(ctx)
	}
	w.logger.Info("audit writer stopped", slog.Uint64("persisted", w.persisted.Load()))
	return err
}

// LogChange records a mutation without blocking or failing the caller. The
// submission is handed to the ingest goroutine; when the ingest buffer is full
// the submission is dropped.
func (w *Writer) LogChange(actorID int64, action Action, entityType, entityID string, oldValues, newValues, metadata map[string]any) {
	if w == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("audit log change panicked", slog.Any("panic", r))
		}
	}()
	if w.stopped.Load() {
		w.dropped.Add(1)
		return
	}
	sub := submission{
		actorID:    actorID,
		action:     action,
		entityType: entityType,
		entityID:   entityID,
		oldValues:  cloneState(oldValues),
		newValues:  cloneState(newValues),
		metadata:   cloneState(metadata),
	}
	select {
	case w.ingest <- sub:
	default:
		w.dropped.Add(1)
		w.logger.Warn("audit ingest buffer full, entry dropped",
			slog.String("entity_type", entityType),
			slog.String("entity_id", entityID))
	}
}

// submit evaluates one submission and queues it when accepted.
func (w *Writer) submit(sub submission) Outcome {
	if !w.policy.IsAuditable(sub.entityType) {
		w.rejected.Add(1)
		return OutcomeNotAuditable
	}
	now := w.now()
	if !w.limiter.Allow(sub.actorID, now) {
		w.rejected.Add(1)
		w.logger.Debug("audit rate limit exceeded", slog.Int64("actor_id", sub.actorID))
		return OutcomeRateLimited
	}
	changes := ComputeDiff(sub.oldValues, sub.newValues)
	if changes == nil {
		w.rejected.Add(1)
		return OutcomeEmptyDiff
	}
	entry := Entry{
		ID:         w.newID(),
		ActorID:    sub.actorID,
		Action:     sub.action,
		EntityType: sub.entityType,
		EntityID:   sub.entityID,
		Changes:    changes,
		Metadata:   SanitizeMetadata(sub.metadata),
		CreatedAt:  now,
		ExpiresAt:  w.policy.ExpiryFrom(sub.entityType, now),
	}

	w.mu.Lock()
	if len(w.queue) >= w.cfg.MaxQueueSize {
		discard := max(len(w.queue)/2, 1)
		w.queue = append(w.queue[:0:0], w.queue[discard:]...)
		w.dropped.Add(uint64(discard))
		w.logger.Warn("audit queue full, discarded oldest entries",
			slog.Int("discarded", discard),
			slog.Int("max_queue", w.cfg.MaxQueueSize))
	}
	w.queue = append(w.queue, entry)
	size := len(w.queue)
	w.mu.Unlock()

	w.accepted.Add(1)
	if size >= w.cfg.BatchSize {
		w.requestFlush()
	}
	return OutcomeQueued
}

func (w *Writer) safeSubmit(sub submission) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("audit submission panicked",
				slog.String("entity_type", sub.entityType),
				slog.Any("panic", r))
		}
	}()
	w.submit(sub)
}

func (w *Writer) requestFlush() {
	select {
	case w.flushCh <- struct{}{}:
	default:
	}
}

// Flush writes the current queue snapshot in one bulk insert. Concurrent calls
// return immediately while another flush is in flight. A failed batch no larger
// than BatchSize is re-queued at the front once; anything else is dropped.
func (w *Writer) Flush(ctx context.Context) error {
	if w.store == nil {
		return ErrStoreNotConfigured
	}
	w.mu.Lock()
	if w.processing || len(w.queue) == 0 {
		w.mu.Unlock()
		return nil
	}
	w.processing = true
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()

	err := w.store.InsertBatch(ctx, batch)

	w.mu.Lock()
	w.processing = false
	w.lastFlush = w.now()
	if err == nil {
		w.persisted.Add(uint64(len(batch)))
		pending := len(w.queue)
		w.mu.Unlock()
		if pending >= w.cfg.BatchSize {
			w.requestFlush()
		}
		return nil
	}
	lost := w.requeueLocked(batch)
	w.mu.Unlock()

	w.logger.Error("audit batch flush failed",
		slog.Int("batch", len(batch)),
		slog.Int("dropped", lost),
		slog.Any("error", err))
	return err
}

// requeueLocked puts retryable entries back at the front of the queue and
// returns how many entries were lost.
func (w *Writer) requeueLocked(batch []Entry) int {
	if len(batch) > w.cfg.BatchSize {
		w.dropped.Add(uint64(len(batch)))
		return len(batch)
	}
	retry := make([]Entry, 0, len(batch))
	for _, entry := range batch {
		if entry.attempts > 0 {
			continue
		}
		entry.attempts++
		retry = append(retry, entry)
	}
	lost := len(batch) - len(retry)
	w.queue = append(retry, w.queue...)
	if overflow := len(w.queue) - w.cfg.MaxQueueSize; overflow > 0 {
		w.queue = append(w.queue[:0:0], w.queue[overflow:]...)
		lost += overflow
	}
	w.dropped.Add(uint64(lost))
	return lost
}

// flushDue reports whether the time-based trigger fires at now.
func (w *Writer) flushDue(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) > 0 && !w.processing && now.Sub(w.lastFlush) > w.cfg.BatchTimeout
}

// tick runs the periodic flush check.
func (w *Writer) tick(ctx context.Context) {
	if !w.flushDue(w.now()) {
		return
	}
	_ = w.Flush(ctx)
}

func (w *Writer) ingestLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case sub := <-w.ingest:
			w.safeSubmit(sub)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Writer) flushLoop(ctx context.Context) {
	defer w.wg.Done()
	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(w.cfg.CleanupInterval)
	defer cleanup.Stop()
	for {
		select {
		case <-w.flushCh:
			_ = w.Flush(w.flushCtx)
		case <-poll.C:
			w.tick(w.flushCtx)
		case <-cleanup.C:
			w.limiter.Cleanup(w.now())
		case <-ctx.Done():
			return
		}
	}
}

// drain moves submissions still buffered in the ingest channel into the queue.
func (w *Writer) drain() {
	for {
		select {
		case sub := <-w.ingest:
			w.safeSubmit(sub)
		default:
			return
		}
	}
}

// QueueSize returns the number of queued entries.
func (w *Writer) QueueSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Stats returns a snapshot of the writer counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	queueSize := len(w.queue)
	processing := w.processing
	lastFlush := w.lastFlush
	w.mu.Unlock()
	return Stats{
		QueueSize:          queueSize,
		Processing:         processing,
		RateLimitedActors:  w.limiter.Limited(w.now()),
		LastFlush:          lastFlush,
		Accepted:           w.accepted.Load(),
		Rejected:           w.rejected.Load(),
		Dropped:            w.dropped.Load(),
		Persisted:          w.persisted.Load(),
		BatchSize:          w.cfg.BatchSize,
		BatchTimeout:       w.cfg.BatchTimeout.String(),
		MaxQueueSize:       w.cfg.MaxQueueSize,
		RateLimitPerMinute: w.cfg.RateLimit,
	}
}

func cloneState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	out := make(map[string]any, len(state))
	for key, value := range state {
		out[key] = value
	}
	return out
}
