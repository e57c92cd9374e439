// Package settings provides server-side settings management.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Provider names the remote generation service.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

func (p Provider) IsValid() bool {
	switch p {
	case ProviderAnthropic, ProviderOpenAI:
		return true
	default:
		return false
	}
}

// ClientSection is the key under which clients nest our settings in
// workspace/didChangeConfiguration.
const ClientSection = "tabchat"

var ErrInvalidSettings = errors.New("invalid settings")

type Settings struct {
	Provider     Provider `json:"provider" yaml:"provider"`
	Model        string   `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens    int      `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	// ContextTokenBudget bounds the document text attached to a prompt.
	ContextTokenBudget int    `json:"contextTokenBudget,omitempty" yaml:"contextTokenBudget,omitempty"`
	BaseURL            string `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`
	// APIKey is used when the provider's environment variable is unset.
	APIKey string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
}

func Default() Settings {
	return Settings{
		Provider:           ProviderAnthropic,
		MaxTokens:          4096,
		ContextTokenBudget: 2000,
	}
}

func (s Settings) Validate() error {
	if !s.Provider.IsValid() {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidSettings, s.Provider)
	}
	if s.MaxTokens < 0 {
		return fmt.Errorf("%w: maxTokens must not be negative", ErrInvalidSettings)
	}
	if s.ContextTokenBudget < 0 {
		return fmt.Errorf("%w: contextTokenBudget must not be negative", ErrInvalidSettings)
	}
	return nil
}

// Merge overlays the fields present in raw onto s. raw is either the
// settings object itself or an object holding it under ClientSection.
func (s Settings) Merge(raw json.RawMessage) (Settings, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return s, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if section, ok := wrapped[ClientSection]; ok {
		raw = section
	}

	merged := s
	if err := json.Unmarshal(raw, &merged); err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if err := merged.Validate(); err != nil {
		return s, err
	}
	return merged, nil
}
