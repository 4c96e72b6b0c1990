package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sandboxq/internal/config"
	"github.com/jkaninda/sandboxq/internal/dispatch"
	"github.com/jkaninda/sandboxq/internal/gcp"
	"github.com/jkaninda/sandboxq/internal/observability"
	"github.com/jkaninda/sandboxq/internal/orchestrator"
	"github.com/jkaninda/sandboxq/internal/queue"
	"github.com/jkaninda/sandboxq/internal/ratelimit"
	"github.com/jkaninda/sandboxq/internal/secrets"
	"github.com/jkaninda/sandboxq/internal/status"
	"github.com/jkaninda/sandboxq/internal/storage"
	"github.com/jkaninda/sandboxq/internal/trigger"
	"github.com/jkaninda/sandboxq/internal/worker"
)

// jobQueue is what the shared components need from a queue driver.
type jobQueue interface {
	queue.Publisher
	queue.Subscriber
}

// SharedComponents holds the subsystems every command builds the same way.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Obs    *observability.Observability

	Tokens     secrets.TokenProvider // nil when auth is disabled.
	Queue      jobQueue
	Trigger    trigger.Trigger
	Store      *status.Store
	Dispatcher *dispatch.Dispatcher
	Sessions   *orchestrator.Sessions

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// Local reports whether jobs stay in this process. The memory queue cannot
// be reached by an out-of-process worker.
func (sc *SharedComponents) Local() bool {
	return sc.Config.Queue.QueueDriver() == config.QueueMemory
}

// loadConfig resolves the config path from the flag or SANDBOX_CONFIG.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("SANDBOX_CONFIG", configPath))
}

// newLogger builds the slog logger described by cfg.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// initShared performs the initialization shared by all commands.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
	)
	reg := obs.Registry()
	tracer := obs.SpanTracer()

	// Credentials.
	sc.Tokens = newTokenProvider(cfg.Auth)
	if sc.Tokens == nil {
		logger.Debug("outbound authentication disabled")
	}

	// Queue and trigger.
	sc.Queue = newQueue(cfg, sc.Tokens, logger)
	sc.Trigger = newTrigger(cfg, sc.Tokens, logger)
	logger.Debug("queue and trigger initialized",
		slog.String("queue", cfg.Queue.QueueDriver()),
		slog.String("trigger", cfg.Trigger.TriggerDriver()),
	)

	// Status store.
	opened, err := storage.Open(ctx, cfg.Storage, sc.Tokens, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.addCleanup(func() {
		if err := opened.Close(); err != nil {
			logger.Error("closing status store", slog.String("error", err.Error()))
		}
	})
	sc.Store = status.NewStore(opened.Backend, status.NewMetrics(reg), logger).
		WithRetry(cfg.Status.Attempts(), cfg.Status.Backoff()).
		WithTracer(tracer)
	logger.Debug("status store initialized", slog.String("driver", opened.Driver))
	obs.Metrics.SetBackends(cfg.Queue.QueueDriver(), cfg.Trigger.TriggerDriver(), opened.Driver)

	obs.Health.AddCheck("status_store", sc.Store.Ping)
	if ps, ok := sc.Queue.(*queue.PubSub); ok {
		obs.Health.AddCheck("queue_config", func(context.Context) error { return ps.CheckConfig() })
	}
	if run, ok := sc.Trigger.(*trigger.CloudRunJobs); ok {
		obs.Health.AddCheck("trigger_config", func(context.Context) error { return run.CheckConfig() })
	}

	// Dispatcher and sessions.
	sc.Dispatcher = dispatch.New(sc.Queue, sc.Trigger, sc.Store, dispatch.NewMetrics(reg), logger).
		WithTracer(tracer)
	if cfg.Dispatch.RequestsPerMinute > 0 {
		sc.Dispatcher.WithLimiter(ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Dispatch.RequestsPerMinute,
			BurstSize:         cfg.Dispatch.BurstSize,
		}))
		logger.Debug("dispatch rate limit enabled", slog.Int("requests_per_minute", cfg.Dispatch.RequestsPerMinute))
	}
	sc.Sessions = orchestrator.NewSessions(sc.Dispatcher, sc.Store, orchestrator.NewMetrics(reg), logger)

	return sc, nil
}

// newConsumer builds a consumer over the shared queue and store.
func (sc *SharedComponents) newConsumer(messageID string) *worker.Consumer {
	cfg := sc.Config
	exec := worker.StubExecutor{PreviewDomain: cfg.Worker.PreviewDomain}
	return worker.NewConsumer(sc.Queue, exec, sc.Store, worker.NewMetrics(sc.Obs.Registry()), sc.Logger, worker.Config{
		PollInterval: cfg.Worker.PollInterval(),
		JobTimeout:   cfg.Worker.JobTimeout(),
		MessageID:    messageID,
	}).WithTracer(sc.Obs.SpanTracer())
}

// newTokenProvider builds the credential chain: an explicit token first,
// then the environment, then the metadata server when enabled.
func newTokenProvider(cfg config.AuthConfig) secrets.TokenProvider {
	if cfg.Disabled {
		return nil
	}
	var chain []secrets.TokenProvider
	if cfg.AccessToken != "" {
		chain = append(chain, secrets.NewStaticProvider(cfg.AccessToken))
	}
	chain = append(chain, secrets.NewEnvProvider())
	if cfg.Metadata {
		chain = append(chain, secrets.NewMetadataProvider(cfg.MetadataAddress, 0))
	}
	return secrets.NewChainProvider(chain...)
}

func newQueue(cfg *config.Config, tokens secrets.TokenProvider, logger *slog.Logger) jobQueue {
	if cfg.Queue.QueueDriver() == config.QueueMemory {
		logger.Warn("using in-memory queue; jobs are only visible to this process")
		return queue.NewMemoryQueue(cfg.Queue.AckDeadline())
	}
	return queue.NewPubSub(queue.PubSubConfig{
		Project:      cfg.Project,
		Topic:        cfg.Queue.Topic,
		Subscription: cfg.Queue.Subscription,
		Endpoint:     cfg.Queue.Endpoint,
	}, tokens, gcp.WithLogger(logger))
}

func newTrigger(cfg *config.Config, tokens secrets.TokenProvider, logger *slog.Logger) trigger.Trigger {
	if cfg.Trigger.TriggerDriver() == config.TriggerNone {
		return trigger.Noop{}
	}
	return trigger.NewCloudRunJobs(trigger.CloudRunConfig{
		Project:  cfg.Project,
		Region:   cfg.Region,
		Job:      cfg.Trigger.Job,
		Endpoint: cfg.Trigger.Endpoint,
	}, tokens, gcp.WithLogger(logger))
}

// setup loads config, builds the logger and the shared components.
func setup(ctx context.Context) (*SharedComponents, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging, os.Stderr)
	return initShared(ctx, cfg, logger)
}
