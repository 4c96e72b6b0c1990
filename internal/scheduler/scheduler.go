// Package scheduler runs the queue sweep on a cron schedule so queued jobs
// are consumed even when an execution trigger was lost or never sent.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DrainFunc consumes up to max queued messages and reports how many it
// handled. max <= 0 means no limit.
type DrainFunc func(ctx context.Context, max int) (int, error)

// Config configures the sweeper.
type Config struct {
	// Schedule is a 5-field cron expression or a descriptor such as
	// "@every 30s".
	Schedule string
	// MaxPerTick bounds the messages drained by one tick. Zero means no limit.
	MaxPerTick int
	// TickTimeout bounds one tick. Zero means no bound.
	TickTimeout time.Duration
}

// Sweeper calls a DrainFunc on every tick of a cron schedule. A tick that
// fires while the previous one is still draining is skipped.
type Sweeper struct {
	drain    DrainFunc
	schedule cron.Schedule
	config   Config
	metrics  *Metrics
	logger   *slog.Logger
	running  atomic.Bool
	now      func() time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a sweep expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", expr, err)
	}
	return sched, nil
}

// New creates a Sweeper. metrics and logger may be nil.
func New(drain DrainFunc, cfg Config, metrics *Metrics, logger *slog.Logger) (*Sweeper, error) {
	if drain == nil {
		return nil, fmt.Errorf("sweeper requires a drain function")
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sweeper{
		drain:    drain,
		schedule: sched,
		config:   cfg,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Next returns the first tick strictly after t.
func (s *Sweeper) Next(t time.Time) time.Time { return s.schedule.Next(t) }

// Start begins the sweep loop. Returns a cancel function that stops it.
func (s *Sweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "queue sweeper started",
			slog.String("schedule", s.config.Schedule),
			slog.Int("max_per_tick", s.config.MaxPerTick),
		)
		for {
			wait := s.Next(s.now()).Sub(s.now())
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("queue sweeper stopped")
				return
			case <-timer.C:
				// Detached; Tick itself rejects overlap.
				go s.Tick(ctx)
			}
		}
	}()

	return cancel
}

// Tick runs one sweep. It reports false when skipped because a previous
// sweep is still in progress.
func (s *Sweeper) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.observeSkipped()
		s.logger.DebugContext(ctx, "sweep skipped, previous tick still running")
		return false
	}
	defer s.running.Store(false)

	if s.config.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.TickTimeout)
		defer cancel()
	}

	start := time.Now()
	n, err := s.drain(ctx, s.config.MaxPerTick)
	s.metrics.observeTick(n, err, time.Since(start))

	if err != nil {
		s.logger.ErrorContext(ctx, "sweep failed",
			slog.Int("handled", n),
			slog.String("error", err.Error()),
		)
		return true
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "sweep drained messages", slog.Int("handled", n))
	}
	return true
}
