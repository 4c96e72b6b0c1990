package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/sandboxq/internal/config"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil {
		t.Error("metrics and tracing should be disabled for nil config")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
	if obs.Registry() != nil {
		t.Error("expected nil registry when metrics are disabled")
	}
	if obs.SpanTracer() == nil {
		t.Error("expected noop tracer")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Registry() == nil {
		t.Fatal("expected registry")
	}
}

func TestObservability_NilSafe(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.Registry() != nil {
		t.Error("expected nil registry")
	}
	if obs.SpanTracer() == nil {
		t.Error("expected noop tracer from nil Observability")
	}
}

func TestNewTracerSetup_Disabled(t *testing.T) {
	ts, err := NewTracerSetup(&config.TracingConfig{Enabled: false})
	if err != nil || ts != nil {
		t.Fatalf("NewTracerSetup(disabled) = %v, %v", ts, err)
	}
	if ts.Tracer() == nil {
		t.Error("nil TracerSetup should return a noop tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil: %v", err)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"sandboxq_http_requests_total",
		"sandboxq_active_requests",
		"go_goroutines",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("status_store", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("queue", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["status_store"]; got.Status != "fail" || got.Message != "connection refused" {
		t.Errorf("status_store check = %+v", got)
	}
	if status.Checks["queue"].Status != "ok" {
		t.Errorf("queue check = %q, want ok", status.Checks["queue"].Status)
	}
}

func TestHealthChecker_Timeout(t *testing.T) {
	h := NewHealthChecker(nil)
	h.timeout = 20 * time.Millisecond
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if time.Since(start) > time.Second {
		t.Error("check was not bounded by the timeout")
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("broken", func(ctx context.Context) error { return errors.New("down") })
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	handler := HTTPMetricsMiddleware(metrics, tp.Tracer("test"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/v1/sessions/s1/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "sandboxq_http_requests_total", prometheus.Labels{"method": "GET", "path": "/v1/sessions/{id}/status", "status_code": "404"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
	if spans := recorder.Ended(); len(spans) != 1 || spans[0].Name() != "http.request" {
		t.Errorf("expected one http.request span, got %d", len(spans))
	}
}

func TestSetBackends(t *testing.T) {
	m := NewMetricsCollector()
	m.SetBackends("memory", "none", "memory")
	m.SetBackends("pubsub", "cloudrun", "firestore")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var series int
	for _, f := range families {
		if f.GetName() != "sandboxq_backend_info" {
			continue
		}
		for _, metric := range f.GetMetric() {
			series++
			lm := labelMap(metric.GetLabel())
			if lm["queue"] != "pubsub" || lm["trigger"] != "cloudrun" || lm["store"] != "firestore" {
				t.Errorf("unexpected labels %v", lm)
			}
		}
	}
	if series != 1 {
		t.Errorf("backend_info series = %d, want 1", series)
	}

	(*MetricsCollector)(nil).SetBackends("a", "b", "c")
}

func TestSampleRate(t *testing.T) {
	if got := sampleRate(&config.TracingConfig{}); got != 1.0 {
		t.Errorf("default sample rate = %v, want 1", got)
	}
	if got := sampleRate(&config.TracingConfig{SampleRate: 0.25}); got != 0.25 {
		t.Errorf("sample rate = %v, want 0.25", got)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/sessions/abc-123/status": "/v1/sessions/{id}/status",
		"/v1/sessions/abc-123/logs":   "/v1/sessions/{id}/logs",
		"/v1/sessions/abc-123":        "/v1/sessions/{id}",
		"/healthz":                    "/healthz",
	}
	for in, want := range cases {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
