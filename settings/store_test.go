package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type mockListener struct {
	mu      sync.Mutex
	changes []Settings
}

func (l *mockListener) OnSettingsChange(s Settings) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, s)
}

func (l *mockListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.changes)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestNewStore_DefaultsWhenNoFile(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if got := store.Get(); got != Default() {
		t.Errorf("expected defaults, got %+v", got)
	}
}

func TestNewStore_LoadsExistingFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"json", "settings.json", `{"provider":"openai","model":"gpt-4o-mini"}`},
		{"yaml", "settings.yaml", "provider: openai\nmodel: gpt-4o-mini\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, tt.file), tt.content)

			store, err := NewStore(dir)
			if err != nil {
				t.Fatalf("NewStore failed: %v", err)
			}

			got := store.Get()
			if got.Provider != ProviderOpenAI || got.Model != "gpt-4o-mini" {
				t.Errorf("unexpected settings: %+v", got)
			}
			if got.MaxTokens != Default().MaxTokens {
				t.Errorf("expected default maxTokens to survive, got %d", got.MaxTokens)
			}
		})
	}
}

func TestNewStore_YAMLTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "settings.json"), `{"provider":"anthropic"}`)
	writeFile(t, filepath.Join(dir, "settings.yaml"), "provider: openai\n")

	store, _ := NewStore(dir)
	if store.Get().Provider != ProviderOpenAI {
		t.Errorf("expected yaml settings, got %+v", store.Get())
	}
	if filepath.Base(store.Path()) != "settings.yaml" {
		t.Errorf("expected settings.yaml path, got %s", store.Path())
	}
}

func TestNewStore_FallsBackOnBadFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"corrupted", `{invalid json`},
		{"invalid provider", `{"provider":"nope"}`},
		{"negative tokens", `{"provider":"openai","maxTokens":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "settings.json"), tt.content)

			store, err := NewStore(dir)
			if err != nil {
				t.Fatalf("NewStore failed: %v", err)
			}
			if got := store.Get(); got != Default() {
				t.Errorf("expected defaults, got %+v", got)
			}
		})
	}
}

func TestStore_Update(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	l := &mockListener{}
	store.SetOnChangeListener(l)

	next := Default()
	next.Model = "claude-x"
	if err := store.Update(next); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if store.Get().Model != "claude-x" {
		t.Errorf("expected model claude-x, got %q", store.Get().Model)
	}
	if l.count() != 1 {
		t.Errorf("expected 1 change notification, got %d", l.count())
	}

	// Same value again is not a change.
	store.Update(next)
	if l.count() != 1 {
		t.Errorf("expected no notification for identical settings, got %d", l.count())
	}
}

func TestStore_Update_RejectsInvalidValue(t *testing.T) {
	store, _ := NewStore(t.TempDir())

	err := store.Update(Settings{Provider: "invalid"})
	if !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("expected ErrInvalidSettings, got %v", err)
	}
	if store.Get() != Default() {
		t.Error("expected original settings retained")
	}
}

func TestStore_Update_PersistsToDisk(t *testing.T) {
	dir := t.TempDir()

	store1, _ := NewStore(dir)
	store1.Update(Settings{Provider: ProviderOpenAI, MaxTokens: 100})

	store2, _ := NewStore(dir)
	got := store2.Get()
	if got.Provider != ProviderOpenAI || got.MaxTokens != 100 {
		t.Errorf("expected persisted settings, got %+v", got)
	}
}

func TestStore_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	writeFile(t, path, `{"provider":"anthropic"}`)

	store, _ := NewStore(dir)
	l := &mockListener{}
	store.SetOnChangeListener(l)

	writeFile(t, path, `{"provider":"openai"}`)
	got, err := store.Reload()
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got.Provider != ProviderOpenAI {
		t.Errorf("expected reloaded provider openai, got %q", got.Provider)
	}
	if l.count() != 1 {
		t.Errorf("expected 1 notification, got %d", l.count())
	}

	writeFile(t, path, `{broken`)
	if _, err := store.Reload(); err == nil {
		t.Error("expected error for corrupted file")
	}
	if store.Get().Provider != ProviderOpenAI {
		t.Error("expected settings kept after failed reload")
	}
}

func TestStore_Apply(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)

	got, err := store.Apply(json.RawMessage(`{"tabchat":{"model":"m1","systemPrompt":"be terse"}}`))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got.Model != "m1" || got.SystemPrompt != "be terse" || got.Provider != ProviderAnthropic {
		t.Errorf("unexpected merged settings: %+v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "settings.json")); !errors.Is(err, os.ErrNotExist) {
		t.Error("expected Apply not to persist")
	}

	if _, err := store.Apply(json.RawMessage(`{"provider":"bogus"}`)); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("expected ErrInvalidSettings, got %v", err)
	}
	if store.Get().Model != "m1" {
		t.Error("expected invalid apply to be ignored")
	}

	if _, err := store.Apply(nil); err != nil {
		t.Errorf("expected empty apply to succeed, got %v", err)
	}
}

func TestProvider_IsValid(t *testing.T) {
	tests := []struct {
		provider Provider
		valid    bool
	}{
		{ProviderAnthropic, true},
		{ProviderOpenAI, true},
		{"invalid", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := tt.provider.IsValid(); got != tt.valid {
			t.Errorf("Provider(%q).IsValid() = %v, want %v", tt.provider, got, tt.valid)
		}
	}
}
