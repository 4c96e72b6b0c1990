package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestMetadataServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestMetadataProvider_FetchesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := newTestMetadataServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/computeMetadata/v1/"+metadataTokenSuffix {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Metadata-Flavor") != "Google" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		calls.Add(1)
		w.Write([]byte(`{"access_token":"ya29.test","expires_in":3600,"token_type":"Bearer"}`))
	})

	p := NewMetadataProvider(srv.URL, time.Second)
	for i := 0; i < 3; i++ {
		tok, err := p.Token(context.Background())
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if tok != "ya29.test" {
			t.Errorf("got %q, want %q", tok, "ya29.test")
		}
	}
	if calls.Load() != 1 {
		t.Errorf("metadata server called %d times, want 1", calls.Load())
	}
}

func TestMetadataProvider_RefreshesExpired(t *testing.T) {
	var calls atomic.Int32
	srv := newTestMetadataServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Inside the refresh skew, so every call fetches again.
		w.Write([]byte(`{"access_token":"tok","expires_in":30}`))
	})

	p := NewMetadataProvider(srv.URL, time.Second)
	for i := 0; i < 2; i++ {
		if _, err := p.Token(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestMetadataProvider_HostWithoutScheme(t *testing.T) {
	srv := newTestMetadataServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"bare","expires_in":3600}`))
	})

	tok, err := NewMetadataProvider(srv.Listener.Addr().String(), time.Second).Token(context.Background())
	if err != nil || tok != "bare" {
		t.Errorf("token = %q, err = %v", tok, err)
	}
}

func TestMetadataProvider_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMetadataProvider("127.0.0.1:1", time.Second).Token(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMetadataProvider_NotFound(t *testing.T) {
	srv := newTestMetadataServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := NewMetadataProvider(srv.URL, time.Second).Token(context.Background())
	if !errors.Is(err, ErrNoToken) {
		t.Errorf("expected ErrNoToken, got %v", err)
	}
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("SANDBOX_ACCESS_TOKEN", "")
	t.Setenv("GOOGLE_OAUTH_ACCESS_TOKEN", "  from-gcloud ")

	tok, err := NewEnvProvider().Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "from-gcloud" {
		t.Errorf("got %q", tok)
	}

	t.Setenv("SANDBOX_ACCESS_TOKEN", "explicit")
	tok, _ = NewEnvProvider().Token(context.Background())
	if tok != "explicit" {
		t.Errorf("SANDBOX_ACCESS_TOKEN should win, got %q", tok)
	}
}

func TestEnvProvider_Missing(t *testing.T) {
	t.Setenv("SANDBOX_TEST_TOKEN_UNSET", "")
	_, err := NewEnvProvider("SANDBOX_TEST_TOKEN_UNSET").Token(context.Background())
	if !errors.Is(err, ErrNoToken) {
		t.Errorf("expected ErrNoToken, got %v", err)
	}
}

func TestChainProvider_FirstSuccessWins(t *testing.T) {
	c := NewChainProvider(NewStaticProvider(""), nil, NewStaticProvider("second"), NewStaticProvider("third"))
	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "second" {
		t.Errorf("got %q, want second", tok)
	}
}

func TestChainProvider_Empty(t *testing.T) {
	_, err := NewChainProvider().Token(context.Background())
	if !errors.Is(err, ErrNoToken) {
		t.Errorf("expected ErrNoToken, got %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := Authorize(context.Background(), NewStaticProvider("abc"), req); err != nil {
		t.Fatal(err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer abc" {
		t.Errorf("Authorization = %q", got)
	}

	if err := Authorize(context.Background(), nil, req); !errors.Is(err, ErrNoToken) {
		t.Errorf("expected ErrNoToken for nil provider, got %v", err)
	}
}
