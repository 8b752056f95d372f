package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector records per-report ingestion metrics on a private registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	pagesFetched   *prometheus.CounterVec
	rowsFetched    *prometheus.CounterVec
	rowsWritten    *prometheus.CounterVec
	reportsTotal   *prometheus.CounterVec
	reportDuration *prometheus.HistogramVec
	tableRows      *prometheus.GaugeVec
	lastSuccess    *prometheus.GaugeVec
}

// NewCollector creates a Collector with all metrics registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yta_pages_fetched_total",
			Help: "Query pages requested from the reporting endpoint",
		}, []string{"report"}),
		rowsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yta_rows_fetched_total",
			Help: "Rows returned by the reporting endpoint",
		}, []string{"report"}),
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yta_rows_merged_total",
			Help: "Fresh rows merged into canonical tables",
		}, []string{"report"}),
		reportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yta_reports_total",
			Help: "Report runs by outcome",
		}, []string{"report", "status"}), // status=success/failure
		reportDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "yta_report_duration_seconds",
			Help:    "Wall time of one report from window resolution to upsert",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
		}, []string{"report"}),
		tableRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "yta_canonical_rows",
			Help: "Rows in the canonical table after the last upsert",
		}, []string{"report"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "yta_last_success_timestamp_seconds",
			Help: "Unix time of the last successful upsert",
		}, []string{"report"}),
	}

	c.registry.MustRegister(
		c.pagesFetched, c.rowsFetched, c.rowsWritten, c.reportsTotal,
		c.reportDuration, c.tableRows, c.lastSuccess,
	)
	return c
}

// Registry exposes the underlying registry, e.g. for an HTTP handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// PageFetched records one page of n rows for report.
func (c *Collector) PageFetched(report string, n int) {
	if c == nil {
		return
	}
	c.pagesFetched.WithLabelValues(report).Inc()
	c.rowsFetched.WithLabelValues(report).Add(float64(n))
}

// ReportSucceeded records a completed upsert.
func (c *Collector) ReportSucceeded(report string, written, total int, took time.Duration, at time.Time) {
	if c == nil {
		return
	}
	c.reportsTotal.WithLabelValues(report, "success").Inc()
	c.rowsWritten.WithLabelValues(report).Add(float64(written))
	c.tableRows.WithLabelValues(report).Set(float64(total))
	c.reportDuration.WithLabelValues(report).Observe(took.Seconds())
	c.lastSuccess.WithLabelValues(report).Set(float64(at.Unix()))
}

// ReportFailed records a report that ended in a placeholder.
func (c *Collector) ReportFailed(report string, took time.Duration) {
	if c == nil {
		return
	}
	c.reportsTotal.WithLabelValues(report, "failure").Inc()
	c.reportDuration.WithLabelValues(report).Observe(took.Seconds())
}

// WriteTextfile writes the current metrics in the text exposition format,
// suitable for node_exporter's textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("metrics: write textfile %q: %w", path, err)
	}
	return nil
}
