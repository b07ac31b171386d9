package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"

	einoclaude "github.com/cloudwego/eino-ext/components/model/claude"
	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"

	"github.com/scribehq/scribed/internal/config"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultOpenAIModel    = "gpt-4o"
	defaultOllamaModel    = "llama3.1"
	defaultMaxTokens      = 4096
	defaultTimeout        = 60 * time.Second
)

// CreateModel creates a model.ToolCallingChatModel from a provider config.
func CreateModel(ctx context.Context, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	switch strings.ToLower(cfg.Driver) {
	case "anthropic":
		return newAnthropic(ctx, cfg)
	case "openai":
		return newOpenAI(ctx, cfg)
	case "ollama":
		return newOllama(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown driver: %s", cfg.Driver)
	}
}

func newAnthropic(ctx context.Context, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic provider requires an api key")
	}

	mc := &einoclaude.Config{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
	}
	if mc.Model == "" {
		mc.Model = defaultAnthropicModel
	}
	if mc.MaxTokens == 0 {
		mc.MaxTokens = defaultMaxTokens
	}
	if cfg.BaseURL != "" {
		mc.BaseURL = &cfg.BaseURL
	}

	return einoclaude.NewChatModel(ctx, mc)
}

func newOpenAI(ctx context.Context, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai provider requires an api key")
	}

	mc := &einoopenai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout.Duration(),
	}
	if mc.Model == "" {
		mc.Model = defaultOpenAIModel
	}
	if mc.Timeout <= 0 {
		mc.Timeout = defaultTimeout
	}
	if cfg.MaxTokens > 0 {
		mt := cfg.MaxTokens
		mc.MaxTokens = &mt
	}

	return einoopenai.NewChatModel(ctx, mc)
}

func newOllama(ctx context.Context, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	mc := &einoollama.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout.Duration(),
	}
	if mc.BaseURL == "" {
		mc.BaseURL = "http://localhost:11434"
	}
	if mc.Model == "" {
		mc.Model = defaultOllamaModel
	}
	if mc.Timeout <= 0 {
		mc.Timeout = defaultTimeout
	}

	return einoollama.NewChatModel(ctx, mc)
}
