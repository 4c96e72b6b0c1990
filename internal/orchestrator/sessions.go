package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jkaninda/sandboxq/internal/dispatch"
	"github.com/jkaninda/sandboxq/internal/sandbox"
	"github.com/jkaninda/sandboxq/internal/status"
)

// Sessions builds per-session facades over shared infrastructure.
type Sessions struct {
	dispatcher *dispatch.Dispatcher
	store      *status.Store
	metrics    *Metrics
	logger     *slog.Logger
}

// NewSessions creates a session factory. metrics and logger may be nil.
func NewSessions(d *dispatch.Dispatcher, store *status.Store, metrics *Metrics, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sessions{dispatcher: d, store: store, metrics: metrics, logger: logger}
}

// Open returns the facade for id.
func (s *Sessions) Open(id Identity) *RemoteSandbox {
	return NewRemoteSandbox(id, s.dispatcher, s.store, s.metrics, s.logger)
}

// Store returns the shared status store.
func (s *Sessions) Store() *status.Store { return s.store }

// DefaultPollInterval is used by WaitForTerminal when interval is zero.
const DefaultPollInterval = 2 * time.Second

// WaitForTerminal polls svc until the instance's latest job is no longer
// pending or ctx is done. The facade itself never blocks; this helper owns
// the caller-side timeout loop.
func WaitForTerminal(ctx context.Context, svc sandbox.Service, instanceID string, interval time.Duration) (*sandbox.InstanceStatusResponse, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		resp, err := svc.GetInstanceStatus(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if !resp.Pending {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return resp, fmt.Errorf("waiting for %s: %w", instanceID, ctx.Err())
		case <-ticker.C:
		}
	}
}
