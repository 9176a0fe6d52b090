// Package metrics exposes Prometheus instruments for engine operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for operations that did not return an engine error.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds the engine's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	records    *prometheus.CounterVec
	archived   prometheus.Counter
	swept      prometheus.Counter
}

// New creates the instruments and registers them with reg. A nil reg
// creates unregistered instruments.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evolve_operations_total",
			Help: "Engine operations by operation and outcome",
		}, []string{"operation", "outcome"}),

		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evolve_operation_duration_seconds",
			Help:    "Engine operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"operation"}),

		records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evolve_records_committed_total",
			Help: "Evolution records committed by operation",
		}, []string{"operation"}),

		archived: f.NewCounter(prometheus.CounterOpts{
			Name: "evolve_archive_writes_total",
			Help: "Artifact contents written to the archive",
		}),

		swept: f.NewCounter(prometheus.CounterOpts{
			Name: "evolve_archive_swept_total",
			Help: "Unreferenced archive objects removed by garbage collection",
		}),
	}
}

// ObserveOperation counts one operation and records its duration.
func (m *Metrics) ObserveOperation(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordCommitted counts one committed record.
func (m *Metrics) RecordCommitted(operation string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(operation).Inc()
}

// ArchiveWrite counts one archive write.
func (m *Metrics) ArchiveWrite() {
	if m == nil {
		return
	}
	m.archived.Inc()
}

// Swept counts n objects removed by garbage collection.
func (m *Metrics) Swept(n int) {
	if m == nil {
		return
	}
	m.swept.Add(float64(n))
}
