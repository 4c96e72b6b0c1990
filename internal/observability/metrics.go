package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector holds the process-wide Prometheus registry and the HTTP
// metrics of the operator endpoints. Component metrics (status, dispatch,
// worker, sweeper) register themselves on Registry.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge

	// BackendInfo is 1 for the queue, trigger and store drivers in use.
	BackendInfo *prometheus.GaugeVec
}

// NewMetricsCollector creates a MetricsCollector on a fresh registry with
// the Go runtime and process collectors attached.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxq",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxq",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxq",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		BackendInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sandboxq",
			Name:      "backend_info",
			Help:      "Drivers selected for the queue, trigger and status store.",
		}, []string{"queue", "trigger", "store"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.BackendInfo,
	)

	return m
}

// SetBackends records the drivers this process runs with. Nil-safe.
func (m *MetricsCollector) SetBackends(queue, trigger, store string) {
	if m == nil {
		return
	}
	m.BackendInfo.Reset()
	m.BackendInfo.WithLabelValues(queue, trigger, store).Set(1)
}
