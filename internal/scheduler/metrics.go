package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the queue sweeper.
type Metrics struct {
	Ticks        *prometheus.CounterVec
	TicksSkipped prometheus.Counter
	Drained      prometheus.Counter
	TickDuration prometheus.Histogram
}

// NewMetrics creates and registers sweeper metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxq",
			Subsystem: "sweeper",
			Name:      "ticks_total",
			Help:      "Total sweep ticks by result.",
		}, []string{"result"}),
		TicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxq",
			Subsystem: "sweeper",
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because the previous sweep was still running.",
		}),
		Drained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxq",
			Subsystem: "sweeper",
			Name:      "messages_drained_total",
			Help:      "Messages handled by sweeps.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandboxq",
			Subsystem: "sweeper",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Ticks,
		m.TicksSkipped,
		m.Drained,
		m.TickDuration,
	)

	return m
}

func (m *Metrics) observeTick(n int, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.Ticks.WithLabelValues(result).Inc()
	m.Drained.Add(float64(n))
	m.TickDuration.Observe(d.Seconds())
}

func (m *Metrics) observeSkipped() {
	if m == nil {
		return
	}
	m.TicksSkipped.Inc()
}
