package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// DefaultTokenEnv lists the variables EnvProvider reads when none are given.
var DefaultTokenEnv = []string{"SANDBOX_ACCESS_TOKEN", "GOOGLE_OAUTH_ACCESS_TOKEN"}

// EnvProvider reads a token from the first non-empty environment variable.
type EnvProvider struct {
	vars   []string
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an environment variable-based token provider.
func NewEnvProvider(vars ...string) *EnvProvider {
	if len(vars) == 0 {
		vars = DefaultTokenEnv
	}
	return &EnvProvider{vars: vars, lookup: os.LookupEnv}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Token(context.Context) (string, error) {
	for _, v := range p.vars {
		if val, ok := p.lookup(v); ok && strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val), nil
		}
	}
	return "", fmt.Errorf("%w: none of %s is set", ErrNoToken, strings.Join(p.vars, ", "))
}
