// Package credentials supplies the API keys used to open remote generation connections.
package credentials

import (
	"context"
	"errors"
	"os"
	"strings"
)

var ErrNoCredentials = errors.New("no credentials available")

// Credentials identify the caller to a remote generation service.
type Credentials struct {
	Provider string
	APIKey   string
	BaseURL  string
}

// Provider resolves credentials on demand. Implementations must be safe for
// concurrent use.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// EnvProvider reads the API key for a provider from its conventional
// environment variable, falling back to a configured key.
type EnvProvider struct {
	provider    string
	fallbackKey string
	baseURL     string
	getenv      func(string) string
}

// NewEnvProvider returns a provider for the named service ("anthropic" or "openai").
func NewEnvProvider(provider, fallbackKey, baseURL string) *EnvProvider {
	return &EnvProvider{
		provider:    provider,
		fallbackKey: fallbackKey,
		baseURL:     baseURL,
		getenv:      os.Getenv,
	}
}

// EnvVar returns the environment variable consulted for the given provider.
func EnvVar(provider string) string {
	return strings.ToUpper(provider) + "_API_KEY"
}

func (p *EnvProvider) Credentials(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}

	key := strings.TrimSpace(p.getenv(EnvVar(p.provider)))
	if key == "" {
		key = strings.TrimSpace(p.fallbackKey)
	}
	if key == "" {
		return Credentials{}, ErrNoCredentials
	}

	return Credentials{Provider: p.provider, APIKey: key, BaseURL: p.baseURL}, nil
}

// Static always returns the same credentials.
type Static Credentials

func (s Static) Credentials(ctx context.Context) (Credentials, error) {
	if s.APIKey == "" {
		return Credentials{}, ErrNoCredentials
	}
	return Credentials(s), nil
}
