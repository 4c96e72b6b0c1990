package status

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for status record writes.
// All metrics use the sandboxq_status_ namespace. A nil *Metrics is a no-op.
type Metrics struct {
	WritesTotal        *prometheus.CounterVec
	WriteDuration      *prometheus.HistogramVec
	ConflictsTotal     *prometheus.CounterVec
	ExhaustedTotal     *prometheus.CounterVec
	BestEffortFailures *prometheus.CounterVec
}

// NewMetrics creates and registers status metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		WritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxq",
			Subsystem: "status",
			Name:      "writes_total",
			Help:      "Total status record writes by backend and result.",
		}, []string{"backend", "result"}),

		WriteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxq",
			Subsystem: "status",
			Name:      "write_duration_seconds",
			Help:      "Status record write duration including conflict retries.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"backend"}),

		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxq",
			Subsystem: "status",
			Name:      "conflicts_total",
			Help:      "Conditional write precondition failures that triggered a retry.",
		}, []string{"backend"}),

		ExhaustedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxq",
			Subsystem: "status",
			Name:      "retries_exhausted_total",
			Help:      "Writes that gave up after the retry bound.",
		}, []string{"backend"}),

		BestEffortFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxq",
			Subsystem: "status",
			Name:      "best_effort_failures_total",
			Help:      "Best-effort status writes that failed and were logged.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.WritesTotal,
		m.WriteDuration,
		m.ConflictsTotal,
		m.ExhaustedTotal,
		m.BestEffortFailures,
	)

	return m
}

func (m *Metrics) observeWrite(backend string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.WritesTotal.WithLabelValues(backend, result).Inc()
	m.WriteDuration.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *Metrics) observeConflict(backend string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(backend).Inc()
}

func (m *Metrics) observeExhausted(backend string) {
	if m == nil {
		return
	}
	m.ExhaustedTotal.WithLabelValues(backend).Inc()
}

func (m *Metrics) observeBestEffortFailure(op string) {
	if m == nil {
		return
	}
	m.BestEffortFailures.WithLabelValues(op).Inc()
}
