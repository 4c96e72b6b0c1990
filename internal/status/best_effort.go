package status

import (
	"context"
	"log/slog"

	"github.com/jkaninda/sandboxq/internal/protocol"
)

// BestEffort runs fn and reports whether it succeeded. A failure is logged
// at warn level and counted under op, but never returned: status writes on
// the dispatch and consume paths must not abort the primary operation.
func BestEffort(ctx context.Context, logger *slog.Logger, m *Metrics, op string, fn func(context.Context) error, attrs ...slog.Attr) bool {
	err := fn(ctx)
	if err == nil {
		return true
	}
	m.observeBestEffortFailure(op)
	if logger != nil {
		attrs = append(attrs, slog.String("op", op), slog.String("error", err.Error()))
		logger.LogAttrs(ctx, slog.LevelWarn, "best-effort status write failed", attrs...)
	}
	return false
}

// MarkBestEffort is MarkStatus wrapped in BestEffort.
func (s *Store) MarkBestEffort(ctx context.Context, op, sessionID string, action protocol.Action, st Status, patch Patch) bool {
	return BestEffort(ctx, s.logger, s.metrics, op, func(ctx context.Context) error {
		return s.MarkStatus(ctx, sessionID, action, st, patch)
	},
		slog.String("session_id", sessionID),
		slog.String("action", string(action)),
		slog.String("status", string(st)),
	)
}
