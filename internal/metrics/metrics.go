// Package metrics exposes sync counters in the Prometheus format.
//
// All methods are safe on a nil *Metrics so components can take an
// optional collector without guarding every call.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opsync"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	opsUploaded   prometheus.Counter
	opsDownloaded prometheus.Counter
	opsApplied    prometheus.Counter
	opsRejected   prometheus.Counter
	conflicts     prometheus.Counter
	repairs       prometheus.Counter
	compactions   prometheus.Counter
	compacted     prometheus.Counter
	syncErrors    *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
	pendingOps    prometheus.Gauge
}

// New creates a Metrics with its own registry. Go runtime and process
// collectors are registered too.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		opsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ops_uploaded_total",
			Help: "Operations accepted by the remote.",
		}),
		opsDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ops_downloaded_total",
			Help: "Remote operations received and not already known.",
		}),
		opsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ops_applied_total",
			Help: "Remote operations applied to the local state.",
		}),
		opsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ops_rejected_total",
			Help: "Operations rejected by the server or by conflict resolution.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "conflicts_total",
			Help: "Entity conflicts detected.",
		}),
		repairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "repairs_total",
			Help: "State repairs performed.",
		}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "compactions_total",
			Help: "Completed compactions.",
		}),
		compacted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "compacted_ops_total",
			Help: "Log entries deleted by compaction.",
		}),
		syncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_errors_total",
			Help: "Failed sync steps by direction.",
		}, []string{"direction"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sync_duration_seconds",
			Help:    "Duration of sync steps by direction.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"direction"}),
		pendingOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_ops",
			Help: "Local operations waiting for upload.",
		}),
	}

	m.registry.MustRegister(
		m.opsUploaded, m.opsDownloaded, m.opsApplied, m.opsRejected,
		m.conflicts, m.repairs, m.compactions, m.compacted,
		m.syncErrors, m.syncDuration, m.pendingOps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSync records one sync step. direction is "upload", "download" or
// "sync".
func (m *Metrics) ObserveSync(direction string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(direction).Observe(d.Seconds())
	if err != nil {
		m.syncErrors.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) AddUploaded(n int) {
	if m != nil && n > 0 {
		m.opsUploaded.Add(float64(n))
	}
}

func (m *Metrics) AddDownloaded(n int) {
	if m != nil && n > 0 {
		m.opsDownloaded.Add(float64(n))
	}
}

func (m *Metrics) AddApplied(n int) {
	if m != nil && n > 0 {
		m.opsApplied.Add(float64(n))
	}
}

func (m *Metrics) AddRejected(n int) {
	if m != nil && n > 0 {
		m.opsRejected.Add(float64(n))
	}
}

func (m *Metrics) AddConflicts(n int) {
	if m != nil && n > 0 {
		m.conflicts.Add(float64(n))
	}
}

// IncRepairs counts one repair.
func (m *Metrics) IncRepairs() {
	if m != nil {
		m.repairs.Inc()
	}
}

// ObserveCompaction counts one compaction that deleted n entries.
func (m *Metrics) ObserveCompaction(deleted int) {
	if m == nil {
		return
	}
	m.compactions.Inc()
	if deleted > 0 {
		m.compacted.Add(float64(deleted))
	}
}

// SetPending sets the number of unsynced local ops.
func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.pendingOps.Set(float64(n))
	}
}
