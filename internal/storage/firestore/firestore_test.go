package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/sandboxq/internal/protocol"
	"github.com/jkaninda/sandboxq/internal/secrets"
	"github.com/jkaninda/sandboxq/internal/status"
)

// fakeFirestore serves documents.get and documents:commit with the
// exists/updateTime preconditions the backend relies on.
type fakeFirestore struct {
	mu      sync.Mutex
	docs    map[string]document
	clock   int
	commits int
	// raceOnce, when set, bumps the stored document before the next commit.
	raceOnce bool
}

func newFakeFirestore(t *testing.T) (*fakeFirestore, *httptest.Server) {
	t.Helper()
	f := &fakeFirestore{docs: map[string]document{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func apiErr(w http.ResponseWriter, code int, st, msg string) {
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q,"status":%q}}`, code, msg, st)
}

func (f *fakeFirestore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer tok" {
		apiErr(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing token")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch {
	case r.Method == http.MethodGet:
		doc, ok := f.docs[path]
		if !ok {
			apiErr(w, http.StatusNotFound, "NOT_FOUND", "no such document")
			return
		}
		json.NewEncoder(w).Encode(doc)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/documents:commit"):
		f.commits++
		var req struct {
			Writes []write `json:"writes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Writes) != 1 {
			apiErr(w, http.StatusBadRequest, "INVALID_ARGUMENT", "bad commit")
			return
		}
		wr := req.Writes[0]
		if f.raceOnce {
			f.raceOnce = false
			if cur, ok := f.docs[wr.Update.Name]; ok {
				f.clock++
				cur.UpdateTime = f.stamp()
				f.docs[wr.Update.Name] = cur
			}
		}
		cur, exists := f.docs[wr.Update.Name]
		pre := wr.CurrentDocument
		if pre.Exists != nil && *pre.Exists != exists {
			if exists {
				apiErr(w, http.StatusConflict, "ALREADY_EXISTS", "document already exists")
			} else {
				apiErr(w, http.StatusNotFound, "NOT_FOUND", "no such document")
			}
			return
		}
		if pre.UpdateTime != "" && (!exists || cur.UpdateTime != pre.UpdateTime) {
			apiErr(w, http.StatusBadRequest, "FAILED_PRECONDITION", "the stored version does not match the required base version")
			return
		}
		f.clock++
		doc := wr.Update
		doc.UpdateTime = f.stamp()
		f.docs[doc.Name] = doc
		fmt.Fprintf(w, `{"writeResults":[{"updateTime":%q}],"commitTime":%q}`, doc.UpdateTime, doc.UpdateTime)

	default:
		apiErr(w, http.StatusNotFound, "NOT_FOUND", "unknown route")
	}
}

func (f *fakeFirestore) stamp() string {
	return time.Date(2026, 1, 1, 0, 0, f.clock, 0, time.UTC).Format(time.RFC3339Nano)
}

func newTestBackend(srv *httptest.Server) *Backend {
	return New(Config{Project: "p", Endpoint: srv.URL}, secrets.NewStaticProvider("tok"))
}

func TestBackend_LoadMissing(t *testing.T) {
	_, srv := newFakeFirestore(t)
	doc, err := newTestBackend(srv).Load(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Exists() {
		t.Errorf("expected no document")
	}
}

func TestBackend_StoreRoundTrip(t *testing.T) {
	f, srv := newFakeFirestore(t)
	b := newTestBackend(srv)
	store := status.NewStore(b, nil, nil)
	ctx := context.Background()

	if err := store.MarkStatus(ctx, "s1", protocol.ActionCreateInstance, status.Queued, status.Patch{Message: "dispatched"}); err != nil {
		t.Fatalf("queued: %v", err)
	}
	err := store.MarkStatus(ctx, "s1", protocol.ActionCreateInstance, status.Succeeded, status.Patch{
		Message: "ready",
		Logs:    []string{"npm install", "vite ready"},
		Output: map[string]any{
			"previewURL": "https://preview.example",
			"port":       5173,
			"nested":     map[string]any{"ok": true},
		},
	})
	if err != nil {
		t.Fatalf("succeeded: %v", err)
	}

	name := "projects/p/databases/(default)/documents/sandboxRuns/s1"
	if _, ok := f.docs[name]; !ok {
		t.Fatalf("document not stored at %s; have %v", name, f.docs)
	}

	rec, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != status.Succeeded || rec.Message != "ready" || rec.Action != protocol.ActionCreateInstance {
		t.Errorf("unexpected record: %+v", rec)
	}
	if len(rec.Logs) != 2 || rec.Logs[1] != "vite ready" {
		t.Errorf("logs = %v", rec.Logs)
	}
	if rec.OutputString("previewURL") != "https://preview.example" {
		t.Errorf("output = %v", rec.Output)
	}
	if port, _ := rec.Output["port"].(int64); port != 5173 {
		t.Errorf("port = %v (%T)", rec.Output["port"], rec.Output["port"])
	}
	if nested, _ := rec.Output["nested"].(map[string]any); nested["ok"] != true {
		t.Errorf("nested = %v", rec.Output["nested"])
	}

	doc, _ := b.Load(ctx, "s1")
	if doc.Version != 2 {
		t.Errorf("version = %d, want 2", doc.Version)
	}
	if doc.Revision == "" {
		t.Error("expected update time as revision")
	}
}

func TestBackend_StaleUpdateIsConflict(t *testing.T) {
	_, srv := newFakeFirestore(t)
	b := newTestBackend(srv)
	ctx := context.Background()
	rec := &status.Record{SessionID: "s1", Status: status.Queued, UpdatedAt: time.Now()}

	if err := b.Save(ctx, rec, status.Document{}, 1); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.Save(ctx, rec, status.Document{}, 1); !errors.Is(err, protocol.ErrConflict) {
		t.Errorf("duplicate create: expected ErrConflict, got %v", err)
	}

	doc, _ := b.Load(ctx, "s1")
	if err := b.Save(ctx, rec, doc, doc.Version+1); err != nil {
		t.Fatalf("update: %v", err)
	}
	err := b.Save(ctx, rec, doc, doc.Version+1)
	if !errors.Is(err, protocol.ErrConflict) {
		t.Errorf("stale update: expected ErrConflict, got %v", err)
	}
	var te *protocol.TransportError
	if !errors.As(err, &te) || te.Status != "FAILED_PRECONDITION" {
		t.Errorf("expected the transport error to stay inspectable, got %v", err)
	}
}

func TestBackend_StoreRetriesThroughRace(t *testing.T) {
	f, srv := newFakeFirestore(t)
	store := status.NewStore(newTestBackend(srv), nil, nil).WithRetry(5, 0)
	ctx := context.Background()

	if err := store.MarkStatus(ctx, "s1", protocol.ActionDeployInstance, status.Queued, status.Patch{}); err != nil {
		t.Fatal(err)
	}
	f.raceOnce = true
	if err := store.MarkStatus(ctx, "s1", protocol.ActionDeployInstance, status.Running, status.Patch{}); err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}
	if f.commits != 3 {
		t.Errorf("commits = %d, want 3 (one retry)", f.commits)
	}
	rec, _ := store.Get(ctx, "s1")
	if rec.Status != status.Running {
		t.Errorf("status = %s", rec.Status)
	}
}

func TestBackend_TransportErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiErr(w, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "quota")
	}))
	defer srv.Close()

	store := status.NewStore(New(Config{Project: "p", Endpoint: srv.URL}, nil), nil, nil)
	err := store.MarkStatus(context.Background(), "s1", protocol.ActionInitialize, status.Queued, status.Patch{})
	var te *protocol.TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 TransportError, got %v", err)
	}
	if errors.Is(err, protocol.ErrConflict) {
		t.Error("429 must not be treated as a conflict")
	}
}

func TestBackend_MissingProject(t *testing.T) {
	_, err := New(Config{}, nil).Load(context.Background(), "s1")
	if !protocol.IsConfigError(err) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}

func TestValueCodec(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	in := map[string]any{
		"s":   "x",
		"i":   int64(3),
		"f":   1.5,
		"b":   false,
		"n":   nil,
		"t":   ts,
		"arr": []any{"a", int64(1)},
	}
	fields, err := encodeFields(in)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(fields)
	var back map[string]value
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	out, err := decodeFields(back)
	if err != nil {
		t.Fatal(err)
	}
	if out["s"] != "x" || out["i"] != int64(3) || out["f"] != 1.5 || out["b"] != false || out["n"] != nil {
		t.Errorf("scalar mismatch: %v", out)
	}
	if got, _ := out["t"].(time.Time); !got.Equal(ts) {
		t.Errorf("timestamp = %v", out["t"])
	}
	if arr, _ := out["arr"].([]any); len(arr) != 2 || arr[1] != int64(1) {
		t.Errorf("array = %v", out["arr"])
	}
	if !strings.Contains(string(raw), `"integerValue":"3"`) {
		t.Errorf("integers must be encoded as strings: %s", raw)
	}
}
