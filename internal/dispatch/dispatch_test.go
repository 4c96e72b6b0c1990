package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/sandboxq/internal/protocol"
	"github.com/jkaninda/sandboxq/internal/queue"
	"github.com/jkaninda/sandboxq/internal/ratelimit"
	"github.com/jkaninda/sandboxq/internal/status"
	"github.com/jkaninda/sandboxq/internal/trigger"
)

// events records the order of side effects across the fakes.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type recordingBackend struct {
	*status.MemoryBackend
	ev      *events
	saveErr error
}

func (b *recordingBackend) Save(ctx context.Context, rec *status.Record, prev status.Document, next int64) error {
	if b.saveErr != nil {
		b.ev.add("save-error:" + string(rec.Status))
		return b.saveErr
	}
	b.ev.add("save:" + string(rec.Status))
	return b.MemoryBackend.Save(ctx, rec, prev, next)
}

type fakePublisher struct {
	ev  *events
	id  string
	err error
}

func (p *fakePublisher) Publish(ctx context.Context, env *protocol.Envelope) (queue.PublishResult, error) {
	p.ev.add("publish")
	if p.err != nil {
		return queue.PublishResult{}, p.err
	}
	return queue.PublishResult{MessageID: p.id}, nil
}

type fakeTrigger struct {
	ev    *events
	err   error
	calls atomic.Int32
	gotID string
}

func (t *fakeTrigger) Trigger(ctx context.Context, env *protocol.Envelope, messageID string) (trigger.Result, error) {
	t.ev.add("trigger")
	t.calls.Add(1)
	t.gotID = messageID
	if t.err != nil {
		return trigger.Result{}, t.err
	}
	return trigger.Result{Triggered: true, Detail: "operations/op-1"}, nil
}

type fixture struct {
	ev      *events
	backend *recordingBackend
	store   *status.Store
	pub     *fakePublisher
	trig    *fakeTrigger
	reg     *prometheus.Registry
	d       *Dispatcher
}

func newFixture() *fixture {
	ev := &events{}
	f := &fixture{
		ev:      ev,
		backend: &recordingBackend{MemoryBackend: status.NewMemoryBackend(), ev: ev},
		pub:     &fakePublisher{ev: ev, id: "m1"},
		trig:    &fakeTrigger{ev: ev},
		reg:     prometheus.NewRegistry(),
	}
	f.store = status.NewStore(f.backend, nil, nil)
	f.d = New(f.pub, f.trig, f.store, NewMetrics(f.reg), nil)
	return f
}

func createInstance(session string) *protocol.Envelope {
	return protocol.NewEnvelope(session, "agent-1", "vite-react", "demo", protocol.CreateInstanceParams{
		TemplateName: "vite-react",
		ProjectName:  "demo",
	})
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if matchLabels(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestDispatch_Success(t *testing.T) {
	f := newFixture()

	res, err := f.d.Dispatch(context.Background(), createInstance("s1"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Success || res.RunID != "s1" || res.MessageID != "m1" {
		t.Errorf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.Message, "m1") {
		t.Errorf("message should mention the message id: %q", res.Message)
	}

	want := []string{"save:queued", "publish", "trigger"}
	got := f.ev.list()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("side effects = %v, want %v", got, want)
	}
	if f.trig.gotID != "m1" {
		t.Errorf("trigger got message id %q", f.trig.gotID)
	}

	rec, _ := f.store.Get(context.Background(), "s1")
	if rec == nil || rec.Status != status.Queued || rec.Message != QueuedMessage {
		t.Errorf("record = %+v", rec)
	}
	if rec.Action != protocol.ActionCreateInstance {
		t.Errorf("action = %s", rec.Action)
	}

	if v := counterValue(t, f.reg, "sandboxq_dispatch_total", map[string]string{"action": "createInstance", "result": "success"}); v != 1 {
		t.Errorf("dispatch_total{success} = %v", v)
	}
}

func TestDispatch_PublishFailure(t *testing.T) {
	f := newFixture()
	f.pub.err = &protocol.TransportError{Op: "pubsub.publish", StatusCode: 503}

	res, err := f.d.Dispatch(context.Background(), createInstance("s1"))
	if err == nil || res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	var de *Error
	if !errors.As(err, &de) || de.Stage != StagePublish {
		t.Errorf("expected publish stage error, got %v", err)
	}
	if f.trig.calls.Load() != 0 {
		t.Error("trigger must not run after a failed publish")
	}

	rec, _ := f.store.Get(context.Background(), "s1")
	if rec.Status != status.Failed || rec.Error == "" {
		t.Errorf("expected failed record with error, got %+v", rec)
	}
	if v := counterValue(t, f.reg, "sandboxq_dispatch_total", map[string]string{"result": "publish_failed"}); v != 1 {
		t.Errorf("dispatch_total{publish_failed} = %v", v)
	}
}

func TestDispatch_NoMessageID(t *testing.T) {
	f := newFixture()
	f.pub.err = protocol.ErrNoMessageID

	_, err := f.d.Dispatch(context.Background(), createInstance("s1"))
	if !errors.Is(err, protocol.ErrNoMessageID) {
		t.Fatalf("expected ErrNoMessageID, got %v", err)
	}
	rec, _ := f.store.Get(context.Background(), "s1")
	if rec.Status != status.Failed {
		t.Errorf("status = %s", rec.Status)
	}
}

func TestDispatch_TriggerFailure(t *testing.T) {
	f := newFixture()
	f.trig.err = &protocol.TransportError{Op: "run.jobs.run", StatusCode: 500}

	res, err := f.d.Dispatch(context.Background(), createInstance("s1"))
	if err == nil || res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	var de *Error
	if !errors.As(err, &de) || de.Stage != StageTrigger {
		t.Errorf("expected trigger stage error, got %v", err)
	}
	if n := f.trig.calls.Load(); n != 1 {
		t.Errorf("trigger attempts = %d, want exactly 1", n)
	}
	if res.MessageID != "m1" {
		t.Errorf("message id should survive a trigger failure: %+v", res)
	}

	rec, _ := f.store.Get(context.Background(), "s1")
	if rec.Status != status.Failed || !strings.Contains(rec.Error, "trigger") {
		t.Errorf("expected failed record naming the trigger, got %+v", rec)
	}
	want := "save:queued,publish,trigger,save:failed"
	if got := strings.Join(f.ev.list(), ","); got != want {
		t.Errorf("side effects = %s, want %s", got, want)
	}
}

func TestDispatch_QueuedWriteFailureDoesNotAbort(t *testing.T) {
	f := newFixture()
	f.backend.saveErr = errors.New("store unavailable")

	res, err := f.d.Dispatch(context.Background(), createInstance("s1"))
	if err != nil || !res.Success {
		t.Fatalf("dispatch should succeed despite status write failure: %+v %v", res, err)
	}
	if f.trig.calls.Load() != 1 {
		t.Error("trigger should still run")
	}
}

func TestDispatch_MissingTopicMakesNoNetworkCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	store := status.NewStore(status.NewMemoryBackend(), nil, nil)
	pub := queue.NewPubSub(queue.PubSubConfig{Project: "p", Endpoint: srv.URL}, nil)
	trig := trigger.NewCloudRunJobs(trigger.CloudRunConfig{Project: "p", Region: "r", Job: "j", Endpoint: srv.URL}, nil)
	d := New(pub, trig, store, nil, nil)

	res, err := d.Dispatch(context.Background(), createInstance("s1"))
	if err == nil || res.Success {
		t.Fatal("expected failure")
	}
	if !protocol.IsConfigError(err) {
		t.Errorf("expected ConfigError, got %v", err)
	}
	if !strings.Contains(res.Error, "SANDBOX_TOPIC") {
		t.Errorf("error should mention SANDBOX_TOPIC: %q", res.Error)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no network calls, got %d", calls.Load())
	}

	rec, _ := store.Get(context.Background(), "s1")
	if rec.Status != status.Failed || !strings.Contains(rec.Error, "SANDBOX_TOPIC") {
		t.Errorf("record = %+v", rec)
	}
}

func TestDispatch_MissingJobFailsBeforePublish(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	store := status.NewStore(status.NewMemoryBackend(), nil, nil)
	pub := queue.NewPubSub(queue.PubSubConfig{Project: "p", Topic: "t", Endpoint: srv.URL}, nil)
	trig := trigger.NewCloudRunJobs(trigger.CloudRunConfig{Project: "p", Region: "r", Endpoint: srv.URL}, nil)
	d := New(pub, trig, store, nil, nil)

	res, err := d.Dispatch(context.Background(), createInstance("s1"))
	if err == nil || res.Success {
		t.Fatal("expected failure")
	}
	var de *Error
	if !errors.As(err, &de) || de.Stage != StageTrigger || !protocol.IsConfigError(err) {
		t.Errorf("expected trigger stage ConfigError, got %v", err)
	}
	if !strings.Contains(res.Error, "SANDBOX_JOB") || res.MessageID != "" {
		t.Errorf("unexpected result: %+v", res)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no network calls, got %d", calls.Load())
	}

	rec, _ := store.Get(context.Background(), "s1")
	if rec.Status != status.Failed || !strings.Contains(rec.Error, "SANDBOX_JOB") {
		t.Errorf("record = %+v", rec)
	}
}

func TestDispatch_MissingJobLeavesQueueEmpty(t *testing.T) {
	store := status.NewStore(status.NewMemoryBackend(), nil, nil)
	q := queue.NewMemoryQueue(0)
	trig := trigger.NewCloudRunJobs(trigger.CloudRunConfig{Project: "p", Region: "r"}, nil)
	d := New(q, trig, store, nil, nil)

	if _, err := d.Dispatch(context.Background(), createInstance("s1")); !protocol.IsConfigError(err) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0", q.Len())
	}
}

func TestDispatch_NilTriggerIsNoop(t *testing.T) {
	store := status.NewStore(status.NewMemoryBackend(), nil, nil)
	q := queue.NewMemoryQueue(0)
	d := New(q, nil, store, nil, nil)

	res, err := d.Dispatch(context.Background(), createInstance("s1"))
	if err != nil || !res.Success {
		t.Fatalf("Dispatch: %+v %v", res, err)
	}
	if q.Len() != 1 {
		t.Errorf("queue length = %d", q.Len())
	}
}

func TestDispatch_RateLimitedAgent(t *testing.T) {
	f := newFixture()
	f.d.WithLimiter(ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1}))

	if _, err := f.d.Dispatch(context.Background(), createInstance("s1")); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	res, err := f.d.Dispatch(context.Background(), createInstance("s2"))
	var de *Error
	if !errors.As(err, &de) || de.Stage != StageAdmit {
		t.Fatalf("expected admit stage error, got %v", err)
	}
	if !errors.Is(err, ratelimit.ErrRateLimited) || res.Success {
		t.Errorf("expected ErrRateLimited, got %+v %v", res, err)
	}
	if n := f.trig.calls.Load(); n != 1 {
		t.Errorf("trigger calls = %d, want 1", n)
	}

	rec, _ := f.store.Get(context.Background(), "s2")
	if rec == nil || rec.Status != status.Failed || !strings.Contains(rec.Error, "rate limit") {
		t.Errorf("expected failed record for the rejected session, got %+v", rec)
	}
	if v := counterValue(t, f.reg, "sandboxq_dispatch_total", map[string]string{"result": "admit_failed"}); v != 1 {
		t.Errorf("dispatch_total{admit_failed} = %v", v)
	}
}
