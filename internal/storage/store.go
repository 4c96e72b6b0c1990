// Package storage selects and opens the document store behind the status
// store. Four drivers are provided: in-memory (default, zero-config),
// Firestore (production), PostgreSQL and SQLite.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jkaninda/sandboxq/internal/gcp"
	"github.com/jkaninda/sandboxq/internal/secrets"
	"github.com/jkaninda/sandboxq/internal/status"
	"github.com/jkaninda/sandboxq/internal/storage/firestore"
	"github.com/jkaninda/sandboxq/internal/storage/postgres"
	"github.com/jkaninda/sandboxq/internal/storage/sqlite"
)

// Config holds storage configuration for driver selection.
type Config struct {
	Driver    string          `json:"driver" yaml:"driver"` // "memory" (default), "firestore", "postgres" or "sqlite"
	Firestore FirestoreConfig `json:"firestore" yaml:"firestore"`
	SQLite    SQLiteConfig    `json:"sqlite" yaml:"sqlite"`
	Postgres  PostgresConfig  `json:"postgres" yaml:"postgres"`
}

// FirestoreConfig holds Firestore-specific settings. Project defaults to
// the top-level project.
type FirestoreConfig struct {
	Project    string `json:"project,omitempty" yaml:"project,omitempty"`
	Database   string `json:"database,omitempty" yaml:"database,omitempty"`
	Collection string `json:"collection,omitempty" yaml:"collection,omitempty"`
	Endpoint   string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	JournalMode string `json:"journal_mode" yaml:"journal_mode"` // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

const (
	// DefaultDriver is the default storage driver.
	DefaultDriver = DriverMemory

	DriverMemory    = "memory"
	DriverFirestore = "firestore"
	DriverPostgres  = "postgres"
	DriverSQLite    = "sqlite"
)

// Opened is a ready backend plus its lifecycle hooks.
type Opened struct {
	Backend status.Backend
	Driver  string
	closer  io.Closer
}

// Close releases the backend's connections, if any.
func (o *Opened) Close() error {
	if o == nil || o.closer == nil {
		return nil
	}
	return o.closer.Close()
}

// Open creates the backend selected by cfg.Driver. tokens authenticates the
// Firestore driver and is ignored by the others.
func Open(ctx context.Context, cfg Config, tokens secrets.TokenProvider, logger *slog.Logger) (*Opened, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DefaultDriver
	}

	switch driver {
	case DriverMemory:
		logger.WarnContext(ctx, "using in-memory status store; records are lost on restart")
		return &Opened{Backend: status.NewMemoryBackend(), Driver: driver}, nil

	case DriverFirestore:
		b := firestore.New(firestore.Config{
			Project:    cfg.Firestore.Project,
			Database:   cfg.Firestore.Database,
			Collection: cfg.Firestore.Collection,
			Endpoint:   cfg.Firestore.Endpoint,
		}, tokens, gcp.WithLogger(logger))
		return &Opened{Backend: b, Driver: driver}, nil

	case DriverPostgres:
		db, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Postgres.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres status store: %w", err)
		}
		return &Opened{Backend: db.Runs(), Driver: driver, closer: db}, nil

	case DriverSQLite:
		s, err := sqlite.Open(sqlite.Config{
			Path:        cfg.SQLite.Path,
			JournalMode: cfg.SQLite.JournalMode,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite status store: %w", err)
		}
		return &Opened{Backend: s.Runs(), Driver: driver, closer: s}, nil
	}

	return nil, fmt.Errorf("unknown storage driver %q (want memory, firestore, postgres or sqlite)", driver)
}
