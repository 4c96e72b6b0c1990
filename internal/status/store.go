package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/sandboxq/internal/protocol"
)

const (
	// DefaultMaxAttempts bounds the read-modify-write retry loop.
	DefaultMaxAttempts = 5
	// DefaultBackoff is multiplied by the attempt number between retries.
	DefaultBackoff = 50 * time.Millisecond
)

// Store reads and writes status records through a Backend, serializing
// concurrent writers with a version-checked read-modify-write.
type Store struct {
	backend     Backend
	metrics     *Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewStore creates a Store over backend. metrics and logger may be nil.
func NewStore(backend Backend, metrics *Metrics, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		backend:     backend,
		metrics:     metrics,
		tracer:      noop.NewTracerProvider().Tracer(""),
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       sleepContext,
	}
}

// WithTracer attaches an OTel tracer for store spans.
func (s *Store) WithTracer(t trace.Tracer) *Store {
	if t != nil {
		s.tracer = t
	}
	return s
}

// WithRetry overrides the retry bound and the linear backoff step.
func (s *Store) WithRetry(maxAttempts int, backoff time.Duration) *Store {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if backoff >= 0 {
		s.backoff = backoff
	}
	return s
}

// Backend returns the underlying document store binding.
func (s *Store) Backend() Backend { return s.backend }

// Get returns the record for sessionID, or nil when none has been written.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	doc, err := s.backend.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading status record %s: %w", sessionID, err)
	}
	return doc.Record, nil
}

// Set overwrites the record for rec.SessionID. The write is conditional on
// the version read just before it; on conflict the whole read-modify-write
// is retried up to the attempt bound with linear backoff. Any error other
// than a conflict is returned immediately.
func (s *Store) Set(ctx context.Context, rec *Record) error {
	if rec == nil || rec.SessionID == "" {
		return fmt.Errorf("status record requires a session id")
	}
	ctx, span := s.tracer.Start(ctx, "status.set", trace.WithAttributes(
		attribute.String("sandbox.session_id", rec.SessionID),
		attribute.String("sandbox.status", string(rec.Status)),
		attribute.String("status.backend", s.backend.Name()),
	))
	defer span.End()

	start := time.Now()
	err := s.set(ctx, rec)
	s.metrics.observeWrite(s.backend.Name(), err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Store) set(ctx context.Context, rec *Record) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		doc, err := s.backend.Load(ctx, rec.SessionID)
		if err != nil {
			return fmt.Errorf("reading status record %s: %w", rec.SessionID, err)
		}

		err = s.backend.Save(ctx, rec, doc, doc.Version+1)
		if err == nil {
			return nil
		}
		if !errors.Is(err, protocol.ErrConflict) {
			return fmt.Errorf("writing status record %s: %w", rec.SessionID, err)
		}

		lastErr = err
		s.metrics.observeConflict(s.backend.Name())
		s.logger.DebugContext(ctx, "status write conflict",
			slog.String("session_id", rec.SessionID),
			slog.Int("attempt", attempt),
			slog.Int64("read_version", doc.Version),
		)

		if attempt < s.maxAttempts {
			if err := s.sleep(ctx, time.Duration(attempt)*s.backoff); err != nil {
				return fmt.Errorf("writing status record %s: %w", rec.SessionID, err)
			}
		}
	}
	s.metrics.observeExhausted(s.backend.Name())
	return fmt.Errorf("writing status record %s: gave up after %d attempts: %w",
		rec.SessionID, s.maxAttempts, lastErr)
}

// MarkStatus composes a full record from the transition and writes it.
func (s *Store) MarkStatus(ctx context.Context, sessionID string, action protocol.Action, st Status, patch Patch) error {
	return s.Set(ctx, &Record{
		SessionID: sessionID,
		Action:    action,
		Status:    st,
		Message:   patch.Message,
		Error:     patch.Error,
		Logs:      patch.Logs,
		Output:    patch.Output,
		UpdatedAt: s.now(),
	})
}

// Ping checks that the backend is reachable. Reading a record that does not
// exist is enough.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.backend.Load(ctx, "__healthcheck__")
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
