package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jkaninda/sandboxq/internal/protocol"
	"github.com/jkaninda/sandboxq/internal/secrets"
)

func testEnvelope() *protocol.Envelope {
	return protocol.NewEnvelope("s1", "a1", "vite-react", "demo", protocol.DeployInstanceParams{})
}

func TestCloudRunJobs_Trigger(t *testing.T) {
	var gotPath string
	var got runRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"name":"projects/p/locations/us-central1/operations/op-1"}`))
	}))
	defer srv.Close()

	tr := NewCloudRunJobs(CloudRunConfig{Project: "p", Region: "us-central1", Job: "sandbox-runner", Endpoint: srv.URL},
		secrets.NewStaticProvider("tok"))
	res, err := tr.Trigger(context.Background(), testEnvelope(), "m-1")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !res.Triggered || res.Detail != "projects/p/locations/us-central1/operations/op-1" {
		t.Errorf("unexpected result: %+v", res)
	}
	if gotPath != "/v2/projects/p/locations/us-central1/jobs/sandbox-runner:run" {
		t.Errorf("path = %q", gotPath)
	}

	if len(got.Overrides.ContainerOverrides) != 1 {
		t.Fatalf("expected one container override")
	}
	env := map[string]string{}
	for _, e := range got.Overrides.ContainerOverrides[0].Env {
		env[e.Name] = e.Value
	}
	want := map[string]string{
		"SANDBOX_MESSAGE_ID":    "m-1",
		"SANDBOX_SESSION_ID":    "s1",
		"SANDBOX_AGENT_ID":      "a1",
		"SANDBOX_ACTION":        "deployInstance",
		"SANDBOX_TEMPLATE_NAME": "vite-react",
		"SANDBOX_PROJECT_NAME":  "demo",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
}

func TestCloudRunJobs_MissingConfig(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	tests := []struct {
		cfg CloudRunConfig
		key string
	}{
		{CloudRunConfig{Project: "p", Region: "r"}, "SANDBOX_JOB"},
		{CloudRunConfig{Project: "p", Job: "j"}, "SANDBOX_REGION"},
		{CloudRunConfig{Region: "r", Job: "j"}, "SANDBOX_PROJECT"},
	}
	for _, tt := range tests {
		tt.cfg.Endpoint = srv.URL
		_, err := NewCloudRunJobs(tt.cfg, nil).Trigger(context.Background(), testEnvelope(), "m")
		var ce *protocol.ConfigError
		if !errors.As(err, &ce) || ce.Key != tt.key {
			t.Errorf("cfg %+v: expected ConfigError on %s, got %v", tt.cfg, tt.key, err)
		}
	}
	if calls.Load() != 0 {
		t.Errorf("expected no network calls, got %d", calls.Load())
	}
}

func TestCloudRunJobs_FullJobPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"name":"op"}`))
	}))
	defer srv.Close()

	tr := NewCloudRunJobs(CloudRunConfig{Job: "projects/x/locations/eu/jobs/j", Endpoint: srv.URL}, nil)
	if _, err := tr.Trigger(context.Background(), testEnvelope(), "m"); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/v2/projects/x/locations/eu/jobs/j:run" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestCloudRunJobs_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"code":503,"message":"try later","status":"UNAVAILABLE"}}`))
	}))
	defer srv.Close()

	tr := NewCloudRunJobs(CloudRunConfig{Project: "p", Region: "r", Job: "j", Endpoint: srv.URL}, nil)
	_, err := tr.Trigger(context.Background(), testEnvelope(), "m")
	var te *protocol.TransportError
	if !errors.As(err, &te) || te.Status != "UNAVAILABLE" {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !strings.Contains(err.Error(), "run.jobs.run") {
		t.Errorf("error should name the operation: %v", err)
	}
}

func TestNoop(t *testing.T) {
	res, err := Noop{}.Trigger(context.Background(), testEnvelope(), "m")
	if err != nil || res.Triggered {
		t.Errorf("unexpected: %+v %v", res, err)
	}
}
