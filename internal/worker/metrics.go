package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the consumer.
// A nil *Metrics is a no-op.
type Metrics struct {
	MessagesTotal   *prometheus.CounterVec
	ExecuteDuration *prometheus.HistogramVec
	AckFailures     prometheus.Counter
	PullErrors      prometheus.Counter
}

// NewMetrics creates and registers consumer metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxq",
			Subsystem: "worker",
			Name:      "messages_total",
			Help:      "Messages consumed by action and result (succeeded, failed, poison).",
		}, []string{"action", "result"}),

		ExecuteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxq",
			Subsystem: "worker",
			Name:      "execute_duration_seconds",
			Help:      "Executor duration by action.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),

		AckFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxq",
			Subsystem: "worker",
			Name:      "ack_failures_total",
			Help:      "Acknowledgements that failed after the status was written.",
		}),

		PullErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxq",
			Subsystem: "worker",
			Name:      "pull_errors_total",
			Help:      "Failed subscription pulls.",
		}),
	}

	reg.MustRegister(m.MessagesTotal, m.ExecuteDuration, m.AckFailures, m.PullErrors)
	return m
}

func (m *Metrics) observeMessage(action, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(action, result).Inc()
	if d > 0 {
		m.ExecuteDuration.WithLabelValues(action).Observe(d.Seconds())
	}
}

func (m *Metrics) observeAckFailure() {
	if m == nil {
		return
	}
	m.AckFailures.Inc()
}

func (m *Metrics) observePullError() {
	if m == nil {
		return
	}
	m.PullErrors.Inc()
}
