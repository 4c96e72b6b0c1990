package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, Config{}, nil, nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if mem.Driver != DriverMemory || mem.Backend.Name() != "memory" {
		t.Errorf("default driver = %s/%s", mem.Driver, mem.Backend.Name())
	}
	if err := mem.Close(); err != nil {
		t.Errorf("closing memory: %v", err)
	}

	fs, err := Open(ctx, Config{Driver: DriverFirestore, Firestore: FirestoreConfig{Project: "p"}}, nil, nil)
	if err != nil {
		t.Fatalf("firestore: %v", err)
	}
	if fs.Backend.Name() != "firestore" {
		t.Errorf("firestore backend = %s", fs.Backend.Name())
	}

	lite, err := Open(ctx, Config{Driver: DriverSQLite, SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "r.db")}}, nil, nil)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer lite.Close()
	if lite.Backend.Name() != "sqlite" {
		t.Errorf("sqlite backend = %s", lite.Backend.Name())
	}
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, Config{Driver: "mongo"}, nil, nil); err == nil {
		t.Error("expected error for unknown driver")
	}
	if _, err := Open(ctx, Config{Driver: DriverPostgres}, nil, nil); err == nil {
		t.Error("expected error for postgres without dsn")
	}
	if _, err := Open(ctx, Config{Driver: DriverSQLite}, nil, nil); err == nil {
		t.Error("expected error for sqlite without path")
	}
}
