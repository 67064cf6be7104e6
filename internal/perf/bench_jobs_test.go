package perf

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	jobmetrics "github.com/odyssey-erp/odyssey-epp/internal/jobs"
)

func TestScheduledJobThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)

	// cached scans finish fast and mostly succeed
	for i := 0; i < 60; i++ {
		tracker := metrics.Track("reconcile:scan")
		time.Sleep(12 * time.Millisecond)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending scan tracker: %v", err)
		}
	}

	// purges are slower but stay within 2s
	for i := 0; i < 15; i++ {
		tracker := metrics.Track("audit:purge")
		time.Sleep(40 * time.Millisecond)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending purge tracker: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		tracker := metrics.Track("reconcile:scan")
		time.Sleep(15 * time.Millisecond)
		if err := tracker.End(errors.New("timeout")); err == nil {
			t.Fatal("expected error to propagate")
		}
	}

	metrics.AddIssues("CRITICAL", 0, 4)
	metrics.AddIssues("CRITICAL", 0, 0)
	metrics.AddPurged(12000)
	metrics.AddPurged(-1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	success := metricValue(t, families, "odyssey_jobs_total", map[string]string{"job": "reconcile:scan", "status": "success"})
	failure := metricValue(t, families, "odyssey_jobs_total", map[string]string{"job": "reconcile:scan", "status": "failure"})
	if success+failure == 0 {
		t.Fatal("no scan executions recorded")
	}
	ratio := success / (success + failure)
	if ratio < 0.9 {
		t.Fatalf("scan success ratio too low: %f", ratio)
	}

	if got := metricValue(t, families, "odyssey_reconcile_issues_total", map[string]string{"severity": "CRITICAL", "warehouse": "all"}); got != 4 {
		t.Fatalf("issues counter = %v, want 4", got)
	}
	if got := metricValue(t, families, "odyssey_audit_purged_total", nil); got != 12000 {
		t.Fatalf("purged counter = %v, want 12000", got)
	}

	purgeDuration := histogramMean(t, families, "odyssey_job_duration_seconds", map[string]string{"job": "audit:purge"})
	if purgeDuration > 2.0 {
		t.Fatalf("purge duration above budget: %f", purgeDuration)
	}

	scanDuration := histogramMean(t, families, "odyssey_job_duration_seconds", map[string]string{"job": "reconcile:scan"})
	if scanDuration > 0.5 {
		t.Fatalf("scan duration above budget: %f", scanDuration)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
		}
	}
	for key := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
