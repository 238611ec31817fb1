// Package metrics provides Prometheus metrics for the Arrowport load
// pipeline. Metrics are registered on the default registry and exposed
// through the HTTP intake's /metrics endpoint for an external collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsProcessed tracks rows processed per loader invocation.
	// Labels: stream, backend, status (success/failure)
	RowsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrowport_rows_processed_total",
			Help: "Total number of rows processed",
		},
		[]string{"stream", "backend", "status"},
	)

	// LoadLatency tracks end-to-end load latency per invocation.
	LoadLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arrowport_load_latency_seconds",
			Help:    "Load latency from decode to commit in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs .. ~26s
		},
		[]string{"stream", "backend"},
	)

	// CompressionRatio observes compressed/uncompressed payload ratios.
	CompressionRatio = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arrowport_compression_ratio",
			Help:    "Compressed payload size divided by decompressed size",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"algorithm"},
	)

	// SchemaMismatches counts batches rejected for schema incompatibility.
	SchemaMismatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrowport_schema_mismatches_total",
			Help: "Total number of batches rejected due to schema mismatch",
		},
		[]string{"table", "backend"},
	)

	// DeltaTableVersion tracks the current version of each delta table.
	DeltaTableVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arrowport_delta_table_version",
			Help: "Current committed version per delta table",
		},
		[]string{"table"},
	)

	// DeltaFileCount tracks live data files per delta table.
	DeltaFileCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arrowport_delta_file_count",
			Help: "Number of live data files per delta table",
		},
		[]string{"table"},
	)

	// ActiveSessions tracks open streaming intake sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arrowport_active_flight_sessions",
			Help: "Number of open Arrow Flight ingest sessions",
		},
	)
)

// Timer measures one operation's duration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveLoad records the elapsed time on the load latency histogram.
func (t *Timer) ObserveLoad(stream, backend string) time.Duration {
	elapsed := time.Since(t.start)
	LoadLatency.WithLabelValues(stream, backend).Observe(elapsed.Seconds())
	return elapsed
}

// ObserveCompression records a payload compression ratio. Zero-size
// inputs are skipped.
func ObserveCompression(algorithm string, compressed, decompressed int) {
	if decompressed <= 0 {
		return
	}
	CompressionRatio.WithLabelValues(algorithm).
		Observe(float64(compressed) / float64(decompressed))
}
