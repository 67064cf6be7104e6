package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-epp/internal/auditlog"
	jobmetrics "github.com/odyssey-erp/odyssey-epp/internal/jobs"
	"github.com/odyssey-erp/odyssey-epp/internal/reconcile"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakePurger struct {
	result auditlog.PurgeResult
	err    error
	calls  int
}

func (f *fakePurger) Run(ctx context.Context) (auditlog.PurgeResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeKeys struct {
	olderThan time.Duration
	err       error
}

func (f *fakeKeys) Cleanup(ctx context.Context, olderThan time.Duration) error {
	f.olderThan = olderThan
	return f.err
}

type fakeAnalyzer struct {
	report reconcile.Report
	err    error
	scope  reconcile.Scope
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, scope reconcile.Scope) (reconcile.Report, error) {
	f.scope = scope
	return f.report, f.err
}

func TestAuditPurgeJobRecordsDeletions(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	purger := &fakePurger{result: auditlog.PurgeResult{Deleted: 1500, Batches: 2}}
	keys := &fakeKeys{err: errors.New("keys table locked")}
	job := NewAuditPurgeJob(purger, quiet, metrics)
	job.Keys = keys

	task, err := NewAuditPurgeTask(time.Now(), 1000)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, 1, purger.calls)
	assert.Equal(t, IdempotencyRetention, keys.olderThan)
	expected := `
# HELP odyssey_audit_purged_total Audit log entries removed by retention cleanup.
# TYPE odyssey_audit_purged_total counter
odyssey_audit_purged_total 1500
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "odyssey_audit_purged_total"))
}

func TestAuditPurgeJobPropagatesFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	purger := &fakePurger{err: errors.New("db down")}
	job := NewAuditPurgeJob(purger, quiet, jobmetrics.NewMetrics(reg))

	err := job.Handle(context.Background(), asynq.NewTask(TaskAuditPurge, nil))
	require.Error(t, err)

	expected := `
# HELP odyssey_jobs_failures_total Total failures observed for background jobs.
# TYPE odyssey_jobs_failures_total counter
odyssey_jobs_failures_total{job="audit:purge"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "odyssey_jobs_failures_total"))
}

func TestAuditPurgeJobSkipsBadPayload(t *testing.T) {
	job := NewAuditPurgeJob(&fakePurger{}, quiet, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	err := job.Handle(context.Background(), asynq.NewTask(TaskAuditPurge, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestReconcileScanJobCountsIssues(t *testing.T) {
	reg := prometheus.NewRegistry()
	analyzer := &fakeAnalyzer{report: reconcile.Report{
		Total: 3, Critical: 2, Warning: 1,
		Issues: []reconcile.Issue{
			{ID: "MISSING_MOVEMENT:1", Type: reconcile.IssueMissingMovement, Severity: reconcile.SeverityCritical},
			{ID: "QUANTITY_MISMATCH:2", Type: reconcile.IssueQuantityMismatch, Severity: reconcile.SeverityCritical},
			{ID: "ORPHAN_MOVEMENT:9", Type: reconcile.IssueOrphanMovement, Severity: reconcile.SeverityWarning},
		},
	}}
	job := NewReconcileScanJob(analyzer, quiet, jobmetrics.NewMetrics(reg))

	task, err := NewReconcileScanTask(10)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.EqualValues(t, 10, analyzer.scope.WarehouseID)

	expected := `
# HELP odyssey_reconcile_issues_total Reconciliation issues detected by scheduled scans, by severity and warehouse.
# TYPE odyssey_reconcile_issues_total counter
odyssey_reconcile_issues_total{severity="CRITICAL",warehouse="10"} 2
odyssey_reconcile_issues_total{severity="WARNING",warehouse="10"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "odyssey_reconcile_issues_total"))
}

func TestReconcileScanJobFailure(t *testing.T) {
	analyzer := &fakeAnalyzer{err: reconcile.ErrAnalysisFailed}
	job := NewReconcileScanJob(analyzer, quiet, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	err := job.Handle(context.Background(), asynq.NewTask(TaskReconcileScan, nil))
	assert.ErrorIs(t, err, reconcile.ErrAnalysisFailed)
	assert.Zero(t, analyzer.scope.WarehouseID)
}

func TestUnconfiguredJobsFail(t *testing.T) {
	var purge *AuditPurgeJob
	assert.Error(t, purge.Handle(context.Background(), asynq.NewTask(TaskAuditPurge, nil)))
	var scan *ReconcileScanJob
	assert.Error(t, scan.Handle(context.Background(), asynq.NewTask(TaskReconcileScan, nil)))
}

func TestHandlerScanUnavailableWithoutClient(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, nil, quiet).MountRoutes(r)
	req := httptest.NewRequest(http.MethodPost, "/reconcile-scan?warehouse_id=3", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
