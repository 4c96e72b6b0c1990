// Package dispatch enqueues a job envelope and triggers its execution.
//
// The stages are strictly ordered: an optional per-agent admission check,
// a configuration check on the publisher and trigger, a best-effort queued
// record, then the publish, then exactly one trigger
// attempt. A failure in any stage leaves a failed record behind, so a poller
// can observe every dispatch failure without the original call's return
// value.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/sandboxq/internal/protocol"
	"github.com/jkaninda/sandboxq/internal/queue"
	"github.com/jkaninda/sandboxq/internal/ratelimit"
	"github.com/jkaninda/sandboxq/internal/status"
	"github.com/jkaninda/sandboxq/internal/trigger"
)

// QueuedMessage is written to the status record before publishing.
const QueuedMessage = "dispatched"

// Stage names a dispatch step in errors, logs and metrics.
type Stage string

const (
	StageAdmit   Stage = "admit"
	StagePublish Stage = "publish"
	StageTrigger Stage = "trigger"
)

// ConfigChecker is implemented by publishers and triggers that can detect
// missing configuration without a network call.
type ConfigChecker interface {
	CheckConfig() error
}

// Result is the caller-visible outcome of a dispatch.
type Result struct {
	Success bool
	// RunID is the handle to poll; it is always the session id.
	RunID         string
	MessageID     string
	TriggerDetail string
	Message       string
	Error         string
}

// Error reports which stage of a dispatch failed.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("dispatch %s: %v", e.Stage, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Dispatcher runs the queued → publish → trigger sequence.
type Dispatcher struct {
	publisher queue.Publisher
	trigger   trigger.Trigger
	limiter   *ratelimit.Limiter
	store     *status.Store
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Dispatcher. metrics and logger may be nil.
func New(pub queue.Publisher, trig trigger.Trigger, store *status.Store, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if trig == nil {
		trig = trigger.Noop{}
	}
	return &Dispatcher{
		publisher: pub,
		trigger:   trig,
		store:     store,
		metrics:   metrics,
		tracer:    noop.NewTracerProvider().Tracer(""),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithTracer attaches an OTel tracer for dispatch spans.
func (d *Dispatcher) WithTracer(t trace.Tracer) *Dispatcher {
	if t != nil {
		d.tracer = t
	}
	return d
}

// WithLimiter caps dispatches per agent id. A nil limiter admits everything.
func (d *Dispatcher) WithLimiter(l *ratelimit.Limiter) *Dispatcher {
	d.limiter = l
	return d
}

// Dispatch enqueues env and triggers its execution. The returned error is
// a *Error naming the failed stage; Result is populated either way.
func (d *Dispatcher) Dispatch(ctx context.Context, env *protocol.Envelope) (Result, error) {
	env = env.Stamped(d.now())
	ctx, span := d.tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("sandbox.session_id", env.SessionID),
		attribute.String("sandbox.action", string(env.Action)),
	))
	defer span.End()

	start := time.Now()
	log := d.logger.With(
		slog.String("session_id", env.SessionID),
		slog.String("agent_id", env.AgentID),
		slog.String("action", string(env.Action)),
	)

	if err := d.limiter.Allow(env.AgentID); err != nil {
		return d.fail(ctx, span, log, env, StageAdmit, err, start)
	}

	if err := checkConfig(d.publisher); err != nil {
		return d.fail(ctx, span, log, env, StagePublish, err, start)
	}
	if err := checkConfig(d.trigger); err != nil {
		return d.fail(ctx, span, log, env, StageTrigger, err, start)
	}

	d.store.MarkBestEffort(ctx, "dispatch.queued", env.SessionID, env.Action, status.Queued,
		status.Patch{Message: QueuedMessage})

	pub, err := d.publisher.Publish(ctx, env)
	if err != nil {
		return d.fail(ctx, span, log, env, StagePublish, err, start)
	}
	span.SetAttributes(attribute.String("queue.message_id", pub.MessageID))

	trig, err := d.trigger.Trigger(ctx, env, pub.MessageID)
	if err != nil {
		res, derr := d.fail(ctx, span, log, env, StageTrigger, err, start)
		res.MessageID = pub.MessageID
		return res, derr
	}

	msg := fmt.Sprintf("queued as message %s", pub.MessageID)
	if trig.Triggered {
		msg += "; execution triggered"
		if trig.Detail != "" {
			msg += " (" + trig.Detail + ")"
		}
	} else if trig.Detail != "" {
		msg += "; " + trig.Detail
	}

	d.metrics.observe(env.Action, "success", time.Since(start))
	log.InfoContext(ctx, "job dispatched",
		slog.String("message_id", pub.MessageID),
		slog.Bool("triggered", trig.Triggered),
		slog.String("trigger_detail", trig.Detail),
	)

	return Result{
		Success:       true,
		RunID:         env.SessionID,
		MessageID:     pub.MessageID,
		TriggerDetail: trig.Detail,
		Message:       msg,
	}, nil
}

func checkConfig(v any) error {
	if c, ok := v.(ConfigChecker); ok {
		return c.CheckConfig()
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, span trace.Span, log *slog.Logger, env *protocol.Envelope,
	stage Stage, cause error, start time.Time) (Result, error) {
	err := &Error{Stage: stage, Err: cause}

	d.store.MarkBestEffort(ctx, "dispatch."+string(stage)+"_failed", env.SessionID, env.Action, status.Failed,
		status.Patch{Error: err.Error()})

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	d.metrics.observe(env.Action, string(stage)+"_failed", time.Since(start))
	log.ErrorContext(ctx, "dispatch failed",
		slog.String("stage", string(stage)),
		slog.Bool("config_error", protocol.IsConfigError(cause)),
		slog.Bool("retriable", protocol.IsRetriable(cause)),
		slog.String("error", cause.Error()),
	)

	return Result{
		Success: false,
		RunID:   env.SessionID,
		Error:   err.Error(),
	}, err
}
