package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/sandboxq/internal/protocol"
)

// Metrics holds Prometheus metrics for the dispatcher.
// All metrics use the sandboxq_dispatch_ namespace.
type Metrics struct {
	DispatchesTotal  *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers dispatch metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxq",
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Total dispatches by action and result (success, publish_failed, trigger_failed).",
		}, []string{"action", "result"}),

		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxq",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Dispatch duration in seconds, queued write through trigger.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"action"}),
	}

	reg.MustRegister(m.DispatchesTotal, m.DispatchDuration)
	return m
}

func (m *Metrics) observe(action protocol.Action, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchesTotal.WithLabelValues(string(action), result).Inc()
	m.DispatchDuration.WithLabelValues(string(action)).Observe(d.Seconds())
}
