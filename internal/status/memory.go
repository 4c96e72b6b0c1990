package status

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jkaninda/sandboxq/internal/protocol"
)

type memDoc struct {
	rec     *Record
	version int64
}

// MemoryBackend keeps status documents in process memory. Each Save is an
// atomic per-key compare-and-swap on the stored version, so it exercises the
// same conflict path as the remote document stores. Used for local runs and
// tests when no document store is configured.
type MemoryBackend struct {
	docs *xsync.MapOf[string, memDoc]
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: xsync.NewMapOf[string, memDoc]()}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Load(ctx context.Context, sessionID string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	d, ok := b.docs.Load(sessionID)
	if !ok {
		return Document{}, nil
	}
	return Document{
		Record:   d.rec.Clone(),
		Version:  d.version,
		Revision: fmt.Sprintf("%d", d.version),
	}, nil
}

func (b *MemoryBackend) Save(ctx context.Context, rec *Record, prev Document, next int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conflict := false
	b.docs.Compute(rec.SessionID, func(old memDoc, loaded bool) (memDoc, bool) {
		if loaded != prev.Exists() || (loaded && old.version != prev.Version) {
			conflict = true
			return old, !loaded
		}
		return memDoc{rec: rec.Clone(), version: next}, false
	})
	if conflict {
		return fmt.Errorf("session %s at version %d: %w", rec.SessionID, prev.Version, protocol.ErrConflict)
	}
	return nil
}

// Version returns the stored version for sessionID, 0 when absent.
func (b *MemoryBackend) Version(sessionID string) int64 {
	d, _ := b.docs.Load(sessionID)
	return d.version
}
