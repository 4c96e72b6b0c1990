// Package gcp is the thin JSON-over-HTTPS client shared by the Pub/Sub,
// Cloud Run Jobs and Firestore bindings. It attaches the bearer token,
// encodes request bodies and turns non-2xx responses into
// protocol.TransportError values carrying the upstream status string.
package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/sandboxq/internal/protocol"
	"github.com/jkaninda/sandboxq/internal/secrets"
)

const (
	maxResponseBody = 4 << 20
	maxErrorBody    = 2048
)

// Client issues authenticated JSON requests against one API base URL.
type Client struct {
	baseURL    string
	tokens     secrets.TokenProvider
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger for request-level debug output.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for baseURL. A nil token provider sends
// unauthenticated requests, which is what the local emulators expect.
func NewClient(baseURL string, tokens secrets.TokenProvider, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Do sends in (if non-nil) as JSON to path and decodes a 2xx response into
// out (if non-nil). op names the call in errors, e.g. "pubsub.publish".
// It returns the HTTP status code alongside any error.
func (c *Client) Do(ctx context.Context, op, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%s: marshaling request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("%s: creating HTTP request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if err := secrets.Authorize(ctx, c.tokens, req); err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: sending request: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s: reading response body: %w", op, err)
	}

	c.logger.DebugContext(ctx, "api request completed",
		slog.String("op", op),
		slog.String("method", method),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, NewTransportError(op, resp.StatusCode, respBody)
	}
	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s: parsing response: %w", op, err)
		}
	}
	return resp.StatusCode, nil
}

// apiError is the error body shape of Google JSON APIs.
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// NewTransportError builds a TransportError from a raw error response,
// lifting the canonical status string (e.g. ABORTED) when present.
func NewTransportError(op string, statusCode int, body []byte) *protocol.TransportError {
	te := &protocol.TransportError{Op: op, StatusCode: statusCode}

	var ae apiError
	if json.Unmarshal(body, &ae) == nil && (ae.Error.Status != "" || ae.Error.Message != "") {
		te.Status = ae.Error.Status
		te.Body = ae.Error.Message
	} else {
		te.Body = strings.TrimSpace(string(body))
	}
	if len(te.Body) > maxErrorBody {
		te.Body = te.Body[:maxErrorBody]
	}
	return te
}

// ResourceName returns name unchanged when it is already a full resource
// path (projects/...), otherwise projects/{project}/{collection}/{name}.
// A short name with no project is a configuration error on projectKey.
func ResourceName(project, projectKey, collection, name string) (string, error) {
	if strings.HasPrefix(name, "projects/") {
		return name, nil
	}
	if project == "" {
		return "", protocol.MissingConfig(projectKey)
	}
	return fmt.Sprintf("projects/%s/%s/%s", project, collection, name), nil
}
