// Package worker consumes job envelopes from the queue, executes them and
// records the outcome in the session's status record.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/sandboxq/internal/protocol"
	"github.com/jkaninda/sandboxq/internal/queue"
	"github.com/jkaninda/sandboxq/internal/status"
)

// RunningMessage is written to the record while the executor runs.
const RunningMessage = "running"

// Config configures the consumer.
type Config struct {
	// PollInterval is the wait between drains in Run.
	PollInterval time.Duration
	// JobTimeout bounds a single Execute call. Zero means no bound.
	JobTimeout time.Duration
	// MessageID is the message the trigger named, if any. Used for log
	// correlation only; the consumer takes whatever the queue delivers.
	MessageID string
}

// Consumer pulls one message at a time and drives its status record
// through running to a terminal state.
type Consumer struct {
	id       string
	sub      queue.Subscriber
	executor Executor
	store    *status.Store
	metrics  *Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	config   Config
}

// NewConsumer creates a consumer. metrics and logger may be nil.
func NewConsumer(sub queue.Subscriber, exec Executor, store *status.Store, metrics *Metrics, logger *slog.Logger, cfg Config) *Consumer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if exec == nil {
		exec = StubExecutor{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	id := uuid.NewString()
	return &Consumer{
		id:       id,
		sub:      sub,
		executor: exec,
		store:    store,
		metrics:  metrics,
		tracer:   noop.NewTracerProvider().Tracer(""),
		logger:   logger.With(slog.String("consumer_id", id)),
		config:   cfg,
	}
}

// WithTracer attaches an OTel tracer for consume spans.
func (c *Consumer) WithTracer(t trace.Tracer) *Consumer {
	if t != nil {
		c.tracer = t
	}
	return c
}

// ID returns the consumer's instance id.
func (c *Consumer) ID() string { return c.id }

// RunOnce pulls at most one message and processes it. It reports whether a
// message was handled. Only a failed pull is returned as an error; execution
// failures end up in the status record.
func (c *Consumer) RunOnce(ctx context.Context) (bool, error) {
	msgs, err := c.sub.Pull(ctx, 1)
	if err != nil {
		c.metrics.observePullError()
		return false, fmt.Errorf("pulling messages: %w", err)
	}
	if len(msgs) == 0 {
		return false, nil
	}
	c.handle(ctx, msgs[0])
	return true, nil
}

// Drain calls RunOnce until the queue is empty, max messages have been
// handled (max <= 0 means no limit), or ctx is done.
func (c *Consumer) Drain(ctx context.Context, max int) (int, error) {
	n := 0
	for max <= 0 || n < max {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := c.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		n++
	}
	return n, nil
}

// Run drains the subscription every poll interval. Blocks until ctx is
// canceled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "consumer started",
		slog.Duration("poll_interval", c.config.PollInterval),
	)

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		if n, err := c.Drain(ctx, 0); err != nil && ctx.Err() == nil {
			c.logger.ErrorContext(ctx, "draining subscription failed",
				slog.Int("handled", n),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "consumer stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m queue.Received) {
	ctx, span := c.tracer.Start(ctx, "consume", trace.WithAttributes(
		attribute.String("queue.message_id", m.MessageID),
		attribute.Int("queue.delivery_attempt", m.DeliveryAttempt),
	))
	defer span.End()

	log := c.logger.With(
		slog.String("message_id", m.MessageID),
		slog.Int("delivery_attempt", m.DeliveryAttempt),
	)
	if c.config.MessageID != "" && c.config.MessageID != m.MessageID {
		log = log.With(slog.String("triggered_message_id", c.config.MessageID))
	}

	env, err := protocol.Decode(m.Data)
	if err != nil {
		c.poison(ctx, span, log, m, err)
		return
	}

	span.SetAttributes(
		attribute.String("sandbox.session_id", env.SessionID),
		attribute.String("sandbox.action", string(env.Action)),
	)
	log = log.With(
		slog.String("session_id", env.SessionID),
		slog.String("action", string(env.Action)),
	)

	c.store.MarkBestEffort(ctx, "consume.running", env.SessionID, env.Action, status.Running,
		status.Patch{Message: RunningMessage})

	start := time.Now()
	out, err := c.execute(ctx, env)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.store.MarkBestEffort(ctx, "consume.failed", env.SessionID, env.Action, status.Failed,
			status.Patch{Message: out.Message, Error: err.Error(), Logs: out.Logs, Output: out.Output})
		c.metrics.observeMessage(string(env.Action), "failed", elapsed)
		log.WarnContext(ctx, "job failed",
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()),
		)
	} else {
		c.store.MarkBestEffort(ctx, "consume.succeeded", env.SessionID, env.Action, status.Succeeded,
			status.Patch{Message: out.Message, Logs: out.Logs, Output: out.Output})
		c.metrics.observeMessage(string(env.Action), "succeeded", elapsed)
		log.InfoContext(ctx, "job succeeded", slog.Duration("duration", elapsed))
	}

	c.ack(ctx, log, m)
}

// execute runs the executor under the job timeout. A panic is turned into
// an error so the job is still marked failed and acknowledged.
func (c *Consumer) execute(ctx context.Context, env *protocol.Envelope) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = Outcome{}, fmt.Errorf("executor panicked: %v", r)
		}
	}()
	if c.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.JobTimeout)
		defer cancel()
	}
	return c.executor.Execute(ctx, env)
}

// poison handles a message whose body cannot be decoded. It is acknowledged
// so it is not redelivered forever. When the attributes still name a session,
// that session's record is failed so its poller sees the problem.
func (c *Consumer) poison(ctx context.Context, span trace.Span, log *slog.Logger, m queue.Received, cause error) {
	err := fmt.Errorf("decoding envelope: %w", cause)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	action := protocol.Action(m.Attributes[protocol.AttrAction])
	if sid := m.Attributes[protocol.AttrSessionID]; sid != "" {
		c.store.MarkBestEffort(ctx, "consume.decode_failed", sid, action, status.Failed,
			status.Patch{Error: err.Error()})
		log = log.With(slog.String("session_id", sid))
	}
	c.metrics.observeMessage(string(action), "poison", 0)
	log.ErrorContext(ctx, "dropping undecodable message", slog.String("error", err.Error()))

	c.ack(ctx, log, m)
}

// ack acknowledges m. A failure only affects redelivery, so it is logged
// and counted, never returned.
func (c *Consumer) ack(ctx context.Context, log *slog.Logger, m queue.Received) {
	if err := c.sub.Acknowledge(ctx, []string{m.AckID}); err != nil {
		c.metrics.observeAckFailure()
		log.WarnContext(ctx, "acknowledging message failed",
			slog.String("error", err.Error()),
		)
	}
}
