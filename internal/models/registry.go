// Package models manages named LLM providers with lazy initialization.
package models

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/components/model"

	"github.com/scribehq/scribed/internal/config"
)

// KeyResolver maps a configured API key value to its usable form,
// e.g. decrypting ENC[age:...] wrapped keys. nil means identity.
type KeyResolver func(string) (string, error)

// ProviderEntry holds a lazily-initialized model instance.
type ProviderEntry struct {
	Config config.ProviderConfig
	model  model.ToolCallingChatModel
	once   sync.Once
	err    error
}

// Registry manages named model providers.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]*ProviderEntry
	defaultName string
	resolveKey  KeyResolver
}

// NewRegistry creates a model registry from config.
func NewRegistry(cfg config.ModelsConfig, resolveKey KeyResolver) *Registry {
	if resolveKey == nil {
		resolveKey = func(s string) (string, error) { return s, nil }
	}

	r := &Registry{
		providers:   make(map[string]*ProviderEntry),
		defaultName: cfg.Default,
		resolveKey:  resolveKey,
	}

	for name, provCfg := range cfg.Providers {
		r.providers[name] = &ProviderEntry{Config: provCfg}
	}

	return r
}

// Get returns the named model, initializing it lazily.
func (r *Registry) Get(ctx context.Context, name string) (model.ToolCallingChatModel, error) {
	if name == "" {
		name = r.defaultName
	}

	r.mu.RLock()
	entry, ok := r.providers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("model provider %q not found", name)
	}

	entry.once.Do(func() {
		cfg := entry.Config
		key, err := r.resolveKey(cfg.APIKey)
		if err != nil {
			entry.err = fmt.Errorf("resolve api key: %w", err)
			return
		}
		cfg.APIKey = key
		entry.model, entry.err = CreateModel(ctx, cfg)
	})

	return entry.model, entry.err
}

// Default returns the default model.
func (r *Registry) Default(ctx context.Context) (model.ToolCallingChatModel, error) {
	if r.defaultName == "" {
		return nil, fmt.Errorf("no default model configured")
	}
	return r.Get(ctx, r.defaultName)
}

// DefaultName returns the name of the default provider.
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// ModelID returns the configured model identifier for a provider, used in
// cache fingerprints. Falls back to the provider name if unset.
func (r *Registry) ModelID(name string) string {
	if name == "" {
		name = r.defaultName
	}

	r.mu.RLock()
	entry, ok := r.providers[name]
	r.mu.RUnlock()

	if !ok || entry.Config.Model == "" {
		return name
	}
	return entry.Config.Model
}

// Names returns all configured provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
