package models

import (
	"context"
	"testing"

	"github.com/scribehq/scribed/internal/config"
)

func newTestRegistry() *Registry {
	return NewRegistry(config.ModelsConfig{
		Default: "claude",
		Providers: map[string]config.ProviderConfig{
			"claude": {Driver: "anthropic", Model: "claude-sonnet-4-5", APIKey: "sk-test"},
			"local":  {Driver: "ollama", Model: "llama3.1"},
		},
	}, nil)
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := newTestRegistry()

	if _, err := r.Get(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestRegistryDefaultName(t *testing.T) {
	r := newTestRegistry()

	if r.DefaultName() != "claude" {
		t.Errorf("default name: got %q, want claude", r.DefaultName())
	}
}

func TestRegistryNoDefault(t *testing.T) {
	r := NewRegistry(config.ModelsConfig{}, nil)

	if _, err := r.Default(context.Background()); err == nil {
		t.Fatal("expected error when no default is configured")
	}
}

func TestRegistryModelID(t *testing.T) {
	r := newTestRegistry()

	if got := r.ModelID("claude"); got != "claude-sonnet-4-5" {
		t.Errorf("model id: got %q", got)
	}
	// Empty name resolves through the default provider.
	if got := r.ModelID(""); got != "claude-sonnet-4-5" {
		t.Errorf("default model id: got %q", got)
	}
	// Unknown provider falls back to the name itself.
	if got := r.ModelID("ghost"); got != "ghost" {
		t.Errorf("fallback model id: got %q", got)
	}
}

func TestRegistryKeyResolverError(t *testing.T) {
	r := NewRegistry(config.ModelsConfig{
		Default: "claude",
		Providers: map[string]config.ProviderConfig{
			"claude": {Driver: "anthropic", APIKey: "ENC[age:bogus]"},
		},
	}, func(s string) (string, error) {
		return "", context.DeadlineExceeded
	})

	if _, err := r.Get(context.Background(), "claude"); err == nil {
		t.Fatal("expected key resolver error to propagate")
	}
}

func TestCreateModelUnknownDriver(t *testing.T) {
	_, err := CreateModel(context.Background(), config.ProviderConfig{Driver: "cobol"})
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestRegistryNames(t *testing.T) {
	r := newTestRegistry()

	names := r.Names()
	if len(names) != 2 {
		t.Errorf("names: got %d, want 2", len(names))
	}
}
