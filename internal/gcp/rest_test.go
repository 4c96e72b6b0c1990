package gcp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/sandboxq/internal/protocol"
	"github.com/jkaninda/sandboxq/internal/secrets"
)

func TestClient_DoAttachesTokenAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"name":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, secrets.NewStaticProvider("tok"))
	var out struct {
		Name string `json:"name"`
	}
	code, err := c.Do(context.Background(), "test.op", http.MethodPost, "/v1/x", map[string]string{"a": "b"}, &out)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if code != http.StatusOK || out.Name != "ok" {
		t.Errorf("code=%d out=%+v", code, out)
	}
}

func TestClient_DoTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":409,"message":"too much contention","status":"ABORTED"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).Do(context.Background(), "firestore.commit", http.MethodPost, "/", nil, nil)
	var te *protocol.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.StatusCode != 409 || te.Status != "ABORTED" || te.Body != "too much contention" {
		t.Errorf("unexpected error fields: %+v", te)
	}
	if te.Op != "firestore.commit" {
		t.Errorf("op = %q", te.Op)
	}
}

func TestClient_DoPlainErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).Do(context.Background(), "op", http.MethodGet, "/", nil, nil)
	var te *protocol.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.Body != "bad gateway" {
		t.Errorf("body = %q", te.Body)
	}
	if !protocol.IsRetriable(err) {
		t.Error("502 should be retriable")
	}
}

func TestClient_DoTokenFailure(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, secrets.NewStaticProvider("")).Do(context.Background(), "op", http.MethodGet, "/", nil, nil)
	if !errors.Is(err, secrets.ErrNoToken) {
		t.Errorf("expected ErrNoToken, got %v", err)
	}
	if called {
		t.Error("request should not be sent without a token")
	}
}

func TestResourceName(t *testing.T) {
	tests := []struct {
		project, name, want string
	}{
		{"p", "t", "projects/p/topics/t"},
		{"", "projects/x/topics/t", "projects/x/topics/t"},
		{"p", "projects/x/topics/t", "projects/x/topics/t"},
	}
	for _, tt := range tests {
		got, err := ResourceName(tt.project, "SANDBOX_PROJECT", "topics", tt.name)
		if err != nil {
			t.Fatalf("ResourceName(%q, %q): %v", tt.project, tt.name, err)
		}
		if got != tt.want {
			t.Errorf("ResourceName(%q, %q) = %q, want %q", tt.project, tt.name, got, tt.want)
		}
	}

	_, err := ResourceName("", "SANDBOX_PROJECT", "topics", "t")
	var ce *protocol.ConfigError
	if !errors.As(err, &ce) || ce.Key != "SANDBOX_PROJECT" {
		t.Errorf("expected ConfigError on SANDBOX_PROJECT, got %v", err)
	}
}
