package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/odyssey-epp/internal/auditlog"
)

// WriterStats is implemented by the audit writer.
type WriterStats interface {
	Stats() auditlog.Stats
}

// WriterCollector mengekspor penghitung audit writer saat scrape.
type WriterCollector struct {
	source      WriterStats
	queueSize   *prometheus.Desc
	processing  *prometheus.Desc
	rateLimited *prometheus.Desc
	lastFlush   *prometheus.Desc
	entries     *prometheus.Desc
}

// NewWriterCollector membuat collector untuk source.
func NewWriterCollector(source WriterStats) *WriterCollector {
	return &WriterCollector{
		source:      source,
		queueSize:   prometheus.NewDesc("odyssey_audit_queue_size", "Jumlah entri audit yang menunggu flush.", nil, nil),
		processing:  prometheus.NewDesc("odyssey_audit_flush_in_progress", "1 ketika flush sedang berjalan.", nil, nil),
		rateLimited: prometheus.NewDesc("odyssey_audit_rate_limited_actors", "Jumlah aktor yang sedang dibatasi.", nil, nil),
		lastFlush:   prometheus.NewDesc("odyssey_audit_last_flush_timestamp_seconds", "Waktu flush terakhir.", nil, nil),
		entries:     prometheus.NewDesc("odyssey_audit_entries_total", "Entri audit berdasarkan hasil.", []string{"outcome"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *WriterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueSize
	ch <- c.processing
	ch <- c.rateLimited
	ch <- c.lastFlush
	ch <- c.entries
}

// Collect implements prometheus.Collector.
func (c *WriterCollector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		return
	}
	stats := c.source.Stats()
	processing := 0.0
	if stats.Processing {
		processing = 1
	}
	lastFlush := 0.0
	if !stats.LastFlush.IsZero() {
		lastFlush = float64(stats.LastFlush.Unix())
	}
	ch <- prometheus.MustNewConstMetric(c.queueSize, prometheus.GaugeValue, float64(stats.QueueSize))
	ch <- prometheus.MustNewConstMetric(c.processing, prometheus.GaugeValue, processing)
	ch <- prometheus.MustNewConstMetric(c.rateLimited, prometheus.GaugeValue, float64(stats.RateLimitedActors))
	ch <- prometheus.MustNewConstMetric(c.lastFlush, prometheus.GaugeValue, lastFlush)
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.CounterValue, float64(stats.Accepted), "accepted")
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.CounterValue, float64(stats.Rejected), "rejected")
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.CounterValue, float64(stats.Dropped), "dropped")
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.CounterValue, float64(stats.Persisted), "persisted")
}
