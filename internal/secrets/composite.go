package secrets

import (
	"context"
	"fmt"
)

// ChainProvider tries each provider in order.
// The first provider that returns a token wins.
type ChainProvider struct {
	providers []TokenProvider
}

// NewChainProvider creates a provider that delegates to the given providers in order.
// Nil providers are skipped.
func NewChainProvider(providers ...TokenProvider) *ChainProvider {
	c := &ChainProvider{}
	for _, p := range providers {
		if p != nil {
			c.providers = append(c.providers, p)
		}
	}
	return c
}

func (p *ChainProvider) Name() string { return "chain" }

func (p *ChainProvider) Token(ctx context.Context) (string, error) {
	var lastErr error
	for _, provider := range p.providers {
		tok, err := provider.Token(ctx)
		if err == nil {
			return tok, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", fmt.Errorf("%w: no providers configured", ErrNoToken)
}
