package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/sandboxq/internal/protocol"
	"github.com/jkaninda/sandboxq/internal/status"
)

// Metrics holds Prometheus metrics for the sandbox facade.
// All metrics use the sandboxq_sandbox_ namespace.
type Metrics struct {
	OperationsTotal *prometheus.CounterVec
	PollsTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers facade metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxq",
			Subsystem: "sandbox",
			Name:      "operations_total",
			Help:      "Sandbox API operations by action and outcome (dispatched, dispatch_failed, unavailable, read).",
		}, []string{"action", "outcome"}),

		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxq",
			Subsystem: "sandbox",
			Name:      "status_polls_total",
			Help:      "Status polls by observed record status (none when no record exists yet).",
		}, []string{"status"}),
	}

	reg.MustRegister(m.OperationsTotal, m.PollsTotal)
	return m
}

func (m *Metrics) observeOperation(action protocol.Action, outcome string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(string(action), outcome).Inc()
}

func (m *Metrics) observePoll(rec *status.Record) {
	if m == nil {
		return
	}
	st := "none"
	if rec != nil {
		st = string(rec.Status)
	}
	m.PollsTotal.WithLabelValues(st).Inc()
}
