// Package config handles loading and validating sandboxq configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/sandboxq/internal/scheduler"
	"github.com/jkaninda/sandboxq/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for sandboxq.
type Config struct {
	Project       string               `json:"project" yaml:"project"` // Cloud project. Override: SANDBOX_PROJECT.
	Region        string               `json:"region" yaml:"region"`   // Override: SANDBOX_REGION.
	Queue         QueueConfig          `json:"queue" yaml:"queue"`
	Trigger       TriggerConfig        `json:"trigger" yaml:"trigger"`
	Storage       storage.Config       `json:"storage" yaml:"storage"`
	Status        StatusConfig         `json:"status" yaml:"status"`
	Dispatch      DispatchConfig       `json:"dispatch" yaml:"dispatch"`
	Auth          AuthConfig           `json:"auth" yaml:"auth"`
	Worker        WorkerConfig         `json:"worker" yaml:"worker"`
	Server        ServerConfig         `json:"server" yaml:"server"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// QueueConfig configures the job queue.
type QueueConfig struct {
	Driver             string `json:"driver" yaml:"driver"`             // "pubsub" (default) or "memory".
	Topic              string `json:"topic" yaml:"topic"`               // Short name or projects/p/topics/t. Override: SANDBOX_TOPIC.
	Subscription       string `json:"subscription" yaml:"subscription"` // Override: SANDBOX_SUBSCRIPTION.
	Endpoint           string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AckDeadlineSeconds int    `json:"ack_deadline_seconds" yaml:"ack_deadline_seconds"` // memory driver only. Default: 30
}

// TriggerConfig configures the execution trigger.
type TriggerConfig struct {
	Driver   string `json:"driver" yaml:"driver"` // "cloudrun" (default) or "none".
	Job      string `json:"job" yaml:"job"`       // Short name or full job path. Override: SANDBOX_JOB.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// StatusConfig tunes the status store's conflict retry loop.
type StatusConfig struct {
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"` // Default: 5
	BackoffMS   int `json:"backoff_ms" yaml:"backoff_ms"`     // Default: 50
}

// DispatchConfig caps how fast a single agent can dispatch jobs.
type DispatchConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited. Override: SANDBOX_DISPATCH_RPM.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Default: requests_per_minute
}

// AuthConfig selects how outbound calls obtain an access token.
type AuthConfig struct {
	AccessToken     string `json:"access_token,omitempty" yaml:"access_token,omitempty"` // Override: SANDBOX_ACCESS_TOKEN.
	Metadata        bool   `json:"metadata" yaml:"metadata"`                             // Fall back to the metadata server.
	MetadataAddress string `json:"metadata_address,omitempty" yaml:"metadata_address,omitempty"`
	Disabled        bool   `json:"disabled" yaml:"disabled"` // Send no credentials (emulators).
}

// WorkerConfig configures the consumer.
type WorkerConfig struct {
	PollIntervalSeconds int    `json:"poll_interval_seconds" yaml:"poll_interval_seconds"` // Default: 5
	JobTimeoutSeconds   int    `json:"job_timeout_seconds" yaml:"job_timeout_seconds"`     // Default: 300
	Sweep               string `json:"sweep,omitempty" yaml:"sweep,omitempty"`             // Cron expression; empty disables the sweeper.
	MaxPerSweep         int    `json:"max_per_sweep" yaml:"max_per_sweep"`                 // 0 = drain everything.
	PreviewDomain       string `json:"preview_domain,omitempty" yaml:"preview_domain,omitempty"`
}

// ServerConfig configures the operator HTTP endpoints.
type ServerConfig struct {
	Address string `json:"address" yaml:"address"` // Default: ":8090"
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error
	Format string `json:"format" yaml:"format"` // json (default) or text
}

// ObservabilityConfig groups metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	Endpoint       string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol       string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName    string  `json:"service_name" yaml:"service_name"` // Default: "sandboxq"
	ServiceVersion string  `json:"service_version,omitempty" yaml:"service_version,omitempty"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate"` // 0.0–1.0. Default: 1.0
	Insecure       bool    `json:"insecure" yaml:"insecure"`
}

const (
	QueuePubSub     = "pubsub"
	QueueMemory     = "memory"
	TriggerCloudRun = "cloudrun"
	TriggerNone     = "none"
)

// QueueDriver returns the queue driver, defaulting to pubsub.
func (q QueueConfig) QueueDriver() string {
	if q.Driver == "" {
		return QueuePubSub
	}
	return q.Driver
}

// AckDeadline returns the memory queue ack deadline.
func (q QueueConfig) AckDeadline() time.Duration {
	if q.AckDeadlineSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(q.AckDeadlineSeconds) * time.Second
}

// TriggerDriver returns the trigger driver, defaulting to cloudrun.
func (t TriggerConfig) TriggerDriver() string {
	if t.Driver == "" {
		return TriggerCloudRun
	}
	return t.Driver
}

// Backoff returns the linear retry step.
func (s StatusConfig) Backoff() time.Duration {
	if s.BackoffMS <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(s.BackoffMS) * time.Millisecond
}

// Attempts returns the retry bound.
func (s StatusConfig) Attempts() int {
	if s.MaxAttempts <= 0 {
		return 5
	}
	return s.MaxAttempts
}

// PollInterval returns the wait between consumer drains.
func (w WorkerConfig) PollInterval() time.Duration {
	if w.PollIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// JobTimeout returns the per-job execution bound.
func (w WorkerConfig) JobTimeout() time.Duration {
	if w.JobTimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(w.JobTimeoutSeconds) * time.Second
}

// ListenAddress returns the operator endpoint address.
func (s ServerConfig) ListenAddress() string {
	if s.Address == "" {
		return ":8090"
	}
	return s.Address
}

// MetricsPath returns the metrics endpoint path, or "" when metrics are off.
func (c *Config) MetricsPath() string {
	if c.Observability == nil || c.Observability.Metrics == nil || !c.Observability.Metrics.Enabled {
		return ""
	}
	if c.Observability.Metrics.Path == "" {
		return "/metrics"
	}
	return c.Observability.Metrics.Path
}

// Load reads the config file at path (YAML or JSON by extension), applies
// environment overrides and validates the result. An empty path starts from
// defaults, so a deployment can be configured from the environment alone.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv(lookup)
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv lets environment variables take precedence over file values.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}

	set(&c.Project, "SANDBOX_PROJECT", "GOOGLE_CLOUD_PROJECT")
	set(&c.Region, "SANDBOX_REGION")
	set(&c.Queue.Topic, "SANDBOX_TOPIC")
	set(&c.Queue.Subscription, "SANDBOX_SUBSCRIPTION")
	set(&c.Queue.Driver, "SANDBOX_QUEUE_DRIVER")
	set(&c.Trigger.Job, "SANDBOX_JOB")
	set(&c.Trigger.Driver, "SANDBOX_TRIGGER_DRIVER")
	set(&c.Storage.Driver, "SANDBOX_STORE_DRIVER")
	set(&c.Storage.Firestore.Collection, "SANDBOX_STATUS_COLLECTION")
	set(&c.Storage.Firestore.Database, "SANDBOX_FIRESTORE_DATABASE")
	set(&c.Storage.Postgres.DSN, "SANDBOX_POSTGRES_DSN")
	set(&c.Storage.SQLite.Path, "SANDBOX_SQLITE_PATH")
	set(&c.Auth.AccessToken, "SANDBOX_ACCESS_TOKEN")
	set(&c.Worker.Sweep, "SANDBOX_SWEEP")
	set(&c.Server.Address, "SANDBOX_LISTEN_ADDRESS")
	set(&c.Logging.Level, "SANDBOX_LOG_LEVEL")

	// Emulator hosts follow the gcloud convention of a bare host:port.
	set(&c.Queue.Endpoint, "SANDBOX_PUBSUB_ENDPOINT")
	if host, ok := lookup("PUBSUB_EMULATOR_HOST"); ok && host != "" && c.Queue.Endpoint == "" {
		c.Queue.Endpoint = "http://" + host
		c.Auth.Disabled = true
	}
	set(&c.Storage.Firestore.Endpoint, "SANDBOX_FIRESTORE_ENDPOINT")
	if host, ok := lookup("FIRESTORE_EMULATOR_HOST"); ok && host != "" && c.Storage.Firestore.Endpoint == "" {
		c.Storage.Firestore.Endpoint = "http://" + host
		c.Auth.Disabled = true
	}
	set(&c.Trigger.Endpoint, "SANDBOX_RUN_ENDPOINT")

	setInt := func(dst *int, key string) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt(&c.Status.MaxAttempts, "SANDBOX_STATUS_MAX_ATTEMPTS")
	setInt(&c.Dispatch.RequestsPerMinute, "SANDBOX_DISPATCH_RPM")
}

func (c *Config) applyDefaults() {
	if c.Storage.Firestore.Project == "" {
		c.Storage.Firestore.Project = c.Project
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	// Topic, subscription and job are checked by the call that uses them.
	switch c.Queue.QueueDriver() {
	case QueuePubSub, QueueMemory:
	default:
		return fmt.Errorf("queue.driver %q is not supported (use pubsub or memory)", c.Queue.Driver)
	}
	switch c.Trigger.TriggerDriver() {
	case TriggerCloudRun, TriggerNone:
	default:
		return fmt.Errorf("trigger.driver %q is not supported (use cloudrun or none)", c.Trigger.Driver)
	}
	if c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case storage.DriverMemory, storage.DriverFirestore, storage.DriverPostgres, storage.DriverSQLite:
		default:
			return fmt.Errorf("storage.driver %q is not supported (use memory, firestore, postgres or sqlite)", c.Storage.Driver)
		}
	}
	if c.Storage.Driver == storage.DriverPostgres && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
	}
	if c.Storage.Driver == storage.DriverSQLite && c.Storage.SQLite.Path == "" {
		return fmt.Errorf("storage.sqlite.path is required for the sqlite driver")
	}
	if c.Status.MaxAttempts < 0 {
		return fmt.Errorf("status.max_attempts must not be negative")
	}
	if c.Status.BackoffMS < 0 {
		return fmt.Errorf("status.backoff_ms must not be negative")
	}
	if c.Dispatch.RequestsPerMinute < 0 || c.Dispatch.BurstSize < 0 {
		return fmt.Errorf("dispatch.requests_per_minute and dispatch.burst_size must not be negative")
	}
	if c.Worker.JobTimeoutSeconds < 0 {
		return fmt.Errorf("worker.job_timeout_seconds must not be negative")
	}
	if c.Worker.Sweep != "" {
		if _, err := scheduler.ParseSchedule(c.Worker.Sweep); err != nil {
			return fmt.Errorf("worker.sweep: %w", err)
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not supported (use json or text)", c.Logging.Format)
	}
	if t := c.tracing(); t != nil {
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}

func (c *Config) tracing() *TracingConfig {
	if c.Observability == nil || c.Observability.Tracing == nil || !c.Observability.Tracing.Enabled {
		return nil
	}
	return c.Observability.Tracing
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
