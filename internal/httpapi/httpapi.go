// Package httpapi serves the operator endpoints: liveness, readiness,
// Prometheus metrics and read-only session status and logs.
//
// There is no authentication; bind the listener to an operator network.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandboxq/internal/observability"
	"github.com/jkaninda/sandboxq/internal/sandbox"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// HealthResponse is the liveness response.
type HealthResponse struct {
	Status string `json:"status"`
}

// Config configures the operator server.
type Config struct {
	ListenAddr string // e.g., ":8090"
	EnableDocs bool

	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// SessionReader is the poll path of the sandbox facade.
type SessionReader interface {
	GetInstanceStatus(ctx context.Context, instanceID string) (*sandbox.InstanceStatusResponse, error)
	GetLogs(ctx context.Context, instanceID string, reset bool) (*sandbox.LogsResponse, error)
}

// Server is the operator HTTP server.
type Server struct {
	config Config
	reader SessionReader
	logger *slog.Logger
	server *http.Server
	okapi  *okapi.Okapi
}

// NewServer creates an operator server reading sessions through reader.
func NewServer(cfg Config, reader SessionReader, logger *slog.Logger) *Server {
	return &Server{
		config: cfg,
		reader: reader,
		logger: logger,
		okapi:  okapi.New(),
	}
}

func (s *Server) routes() {
	if s.config.Metrics != nil || s.config.Tracer != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, next)
		})
	}

	s.okapi.Get("/healthz", s.handleLiveness,
		okapi.DocSummary("Liveness probe"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)
	s.okapi.Get("/readyz", s.handleReadiness,
		okapi.DocSummary("Readiness of the queue, trigger and status store"),
		okapi.DocTags("Health"),
		okapi.DocResponse(observability.HealthStatus{}),
		okapi.DocResponse(http.StatusServiceUnavailable, observability.HealthStatus{}),
	)

	v1 := s.okapi.Group("/v1")
	v1.Get("/sessions/{id}/status", s.handleStatus,
		okapi.DocSummary("Latest job status of a session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(sandbox.InstanceStatusResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	v1.Get("/sessions/{id}/logs", s.handleLogs,
		okapi.DocSummary("Log lines recorded for a session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(sandbox.LogsResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)

	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, metricsHandler(s.config.MetricsRegistry).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "sandboxq operator API",
			Version: "v1",
		})
	}
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	s.routes()

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.InfoContext(ctx, "operator api starting", slog.String("addr", s.config.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.InfoContext(ctx, "operator api stopping")
	return s.okapi.Shutdown(s.server)
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// --- Handlers ---

func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	code, body := s.readiness(c.Context())
	return c.JSON(code, body)
}

func (s *Server) handleStatus(c *okapi.Context) error {
	code, body := s.sessionStatus(c.Context(), c.Param("id"))
	return c.JSON(code, body)
}

func (s *Server) handleLogs(c *okapi.Context) error {
	code, body := s.sessionLogs(c.Context(), c.Param("id"))
	return c.JSON(code, body)
}

func (s *Server) readiness(ctx context.Context) (int, any) {
	if s.config.HealthChecker == nil {
		return http.StatusOK, &HealthResponse{Status: "ok"}
	}
	status := s.config.HealthChecker.CheckReady(ctx)
	if status.Status != "ok" {
		return http.StatusServiceUnavailable, status
	}
	return http.StatusOK, status
}

// sessionStatus answers with the facade's status mapping. A session with no
// record yet is a pending 200, never a 404.
func (s *Server) sessionStatus(ctx context.Context, id string) (int, any) {
	id = strings.TrimSpace(id)
	if id == "" {
		return http.StatusBadRequest, ErrorBody{Error: "session id is required"}
	}
	resp, err := s.reader.GetInstanceStatus(ctx, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "reading session status",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return http.StatusBadGateway, ErrorBody{Error: "status store unavailable"}
	}
	return http.StatusOK, resp
}

func (s *Server) sessionLogs(ctx context.Context, id string) (int, any) {
	id = strings.TrimSpace(id)
	if id == "" {
		return http.StatusBadRequest, ErrorBody{Error: "session id is required"}
	}
	resp, err := s.reader.GetLogs(ctx, id, false)
	if err != nil {
		s.logger.ErrorContext(ctx, "reading session logs",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return http.StatusBadGateway, ErrorBody{Error: "status store unavailable"}
	}
	return http.StatusOK, resp
}
