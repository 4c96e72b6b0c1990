// Package status implements the per-session status record and the
// optimistic-concurrency store that the dispatcher and the consumer use to
// coordinate. The record is the only shared mutable resource between them;
// it is protected by a version-checked write, never by a lock.
package status

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/jkaninda/sandboxq/internal/protocol"
)

// Status is the lifecycle state of the most recent action for a session.
type Status string

const (
	Queued    Status = "queued"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
)

// Terminal reports whether no further transition is expected without a new dispatch.
func (s Status) Terminal() bool { return s == Succeeded || s == Failed }

// Pending reports whether the caller has no terminal result yet.
func (s Status) Pending() bool { return !s.Terminal() }

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case Queued, Running, Succeeded, Failed:
		return true
	}
	return false
}

// Record is the status document for one session. It is always written
// whole; there is no field-level merge.
type Record struct {
	SessionID string          `json:"sessionId"`
	Action    protocol.Action `json:"action"`
	Status    Status          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Logs      []string        `json:"logs,omitempty"`
	Output    map[string]any  `json:"output,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Clone returns a copy that shares no slices or maps with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Logs = slices.Clone(r.Logs)
	cp.Output = maps.Clone(r.Output)
	return &cp
}

// OutputString returns output[key] when it is a non-empty string.
func (r *Record) OutputString(key string) string {
	if r == nil || r.Output == nil {
		return ""
	}
	s, _ := r.Output[key].(string)
	return s
}

// Patch carries the optional fields of a status transition.
type Patch struct {
	Message string
	Error   string
	Logs    []string
	Output  map[string]any
}

// Document is a record as read from a backend, together with the state
// needed to make the next write conditional on it.
type Document struct {
	Record   *Record // nil when no record exists yet.
	Version  int64   // Incremented on every successful write; 0 when absent.
	Revision string  // Backend-specific precondition token (e.g. an update time).
}

// Exists reports whether the document was found.
func (d Document) Exists() bool { return d.Record != nil }

// Backend is a document store binding with conditional writes.
// Implementations: in-memory, Firestore REST, PostgreSQL, SQLite.
type Backend interface {
	// Load returns the current document. A missing document is not an error.
	Load(ctx context.Context, sessionID string) (Document, error)

	// Save writes rec as version next, provided the stored document still
	// matches prev. It returns an error wrapping protocol.ErrConflict when
	// the precondition does not hold.
	Save(ctx context.Context, rec *Record, prev Document, next int64) error

	// Name identifies the backend in logs and metrics.
	Name() string
}
