package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-epp/internal/auditlog"
	"github.com/odyssey-erp/odyssey-epp/internal/inventory"
)

// LedgerReader loads the inputs of an analysis.
type LedgerReader interface {
	LoadLedger(ctx context.Context, scope Scope) (Ledger, error)
}

// Repository is the persistence port of the reconciliation service.
type Repository interface {
	LedgerReader
	TxRunner
}

// Service runs analyses through the report cache and executes remediations.
type Service struct {
	repo       Repository
	engine     *Engine
	cache      *Cache
	remediator *Remediator
	logger     *slog.Logger
	group      singleflight.Group
	now        func() time.Time
}

// NewService wires the reconciliation service. cache may be nil.
func NewService(repo Repository, audit inventory.AuditPort, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:   repo,
		engine: NewEngine(),
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
	s.remediator = NewRemediator(repo, audit, s.Invalidate)
	return s
}

// Analyze returns the current issue report for scope. Ledger read failures are
// logged and reported as ErrAnalysisFailed.
func (s *Service) Analyze(ctx context.Context, scope Scope) (Report, error) {
	key, err := s.cache.BuildKey(ctx, "report", scopeToken(scope))
	if err != nil {
		s.logger.Warn("reconcile cache version unavailable", slog.Any("error", err))
		return s.compute(ctx, scope)
	}
	report, err, _ := singleflightBuild(ctx, &s.group, key, func(ctx context.Context) (Report, error) {
		report, hit, err := s.cache.FetchReport(ctx, key, func(ctx context.Context) (Report, error) {
			return s.compute(ctx, scope)
		})
		if hit {
			s.logger.Debug("reconcile report served from cache", slog.String("key", key))
		}
		return report, err
	})
	return report, err
}

func (s *Service) compute(ctx context.Context, scope Scope) (Report, error) {
	ledger, err := s.repo.LoadLedger(ctx, scope)
	if err != nil {
		s.logger.Error("reconcile ledger read failed",
			slog.Int64("warehouse_id", scope.WarehouseID),
			slog.Any("error", err))
		return Report{}, ErrAnalysisFailed
	}
	return s.engine.Analyze(ledger, s.now().UTC()), nil
}

// Remediate applies cmd and invalidates cached reports when data changed.
func (s *Service) Remediate(ctx context.Context, cmd Command) (Result, error) {
	result, err := s.remediator.Apply(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("reconcile remediation applied",
		slog.String("action", string(result.Action)),
		slog.Int64("actor_id", cmd.ActorID),
		slog.Bool("changed", result.Changed))
	return result, nil
}

// ValidateCommand checks cmd without touching storage.
func (s *Service) ValidateCommand(cmd Command) error {
	return s.remediator.Validate(cmd)
}

// Invalidate drops every cached report.
func (s *Service) Invalidate(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("reconcile cache bump failed", slog.Any("error", err))
	}
}

// LedgerWatch forwards audit entries and invalidates cached reports whenever a
// ledger entity changes. Invalidation runs on the Start goroutine so callers
// never wait on redis; bumps signalled while one is pending collapse into it.
type LedgerWatch struct {
	next    inventory.AuditPort
	service *Service
	timeout time.Duration
	pending chan struct{}
	once    sync.Once
}

// NewLedgerWatch wraps next.
func NewLedgerWatch(next inventory.AuditPort, service *Service) *LedgerWatch {
	return &LedgerWatch{
		next:    next,
		service: service,
		timeout: 2 * time.Second,
		pending: make(chan struct{}, 1),
	}
}

// Start runs the invalidation loop until ctx is done. Bumps signalled before
// Start are applied once it runs.
func (w *LedgerWatch) Start(ctx context.Context) {
	if w == nil || w.service == nil {
		return
	}
	w.once.Do(func() {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-w.pending:
					bumpCtx, cancel := context.WithTimeout(ctx, w.timeout)
					w.service.Invalidate(bumpCtx)
					cancel()
				}
			}
		}()
	})
}

// LogChange implements inventory.AuditPort.
func (w *LedgerWatch) LogChange(actorID int64, action auditlog.Action, entityType, entityID string, oldValues, newValues, metadata map[string]any) {
	if w.next != nil {
		w.next.LogChange(actorID, action, entityType, entityID, oldValues, newValues, metadata)
	}
	if w.service == nil || w.service.cache == nil {
		return
	}
	switch entityType {
	case auditlog.EntityStockMovement, auditlog.EntityDelivery:
		select {
		case w.pending <- struct{}{}:
		default:
		}
	}
}
