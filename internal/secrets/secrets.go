// Package secrets resolves the bearer token attached to every outbound call
// to the queue, the compute trigger and the document store. Token material
// is never logged; providers identify themselves by Name only.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// TokenProvider returns a short-lived access token.
// Implementations must be safe for concurrent use.
type TokenProvider interface {
	// Token returns the current access token. Returns an error wrapping
	// ErrNoToken when the provider has nothing to offer.
	Token(ctx context.Context) (string, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// ErrNoToken is returned when a provider cannot supply a token.
var ErrNoToken = errors.New("no access token available")

// StaticProvider returns a fixed token. Used for explicit overrides.
type StaticProvider struct {
	token string
}

// NewStaticProvider creates a provider that always returns token.
func NewStaticProvider(token string) *StaticProvider { return &StaticProvider{token: token} }

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) Token(context.Context) (string, error) {
	if p.token == "" {
		return "", fmt.Errorf("%w: static token is empty", ErrNoToken)
	}
	return p.token, nil
}

// Authorize sets the Authorization header on req from p.
func Authorize(ctx context.Context, p TokenProvider, req *http.Request) error {
	if p == nil {
		return fmt.Errorf("%w: no token provider configured", ErrNoToken)
	}
	tok, err := p.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolving access token (%s): %w", p.Name(), err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}
