// Package config holds the scribed configuration model and loader.
package config

import "time"

// Config is the root configuration for scribed.
type Config struct {
	Server    ServerConfig     `json:"server"`
	DataDir   string           `json:"data_dir"`
	Models    ModelsConfig     `json:"models"`
	Pool      PoolConfig       `json:"pool"`
	Queue     QueueConfig      `json:"queue"`
	Pipeline  PipelineConfig   `json:"pipeline"`
	Rebuild   RebuildConfig    `json:"rebuild"`
	Events    EventsConfig     `json:"events"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"` // 0 = OS-assigned
}

// ModelsConfig holds model provider configuration.
type ModelsConfig struct {
	Default   string                    `json:"default"`
	Providers map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Driver    string   `json:"driver"` // "anthropic", "openai", "ollama"
	Model     string   `json:"model"`
	BaseURL   string   `json:"base_url,omitempty"`
	APIKey    string   `json:"api_key,omitempty"` // plain, ${{ .Env.VAR }}, or ENC[age:...]
	MaxTokens int      `json:"max_tokens,omitempty"`
	Timeout   Duration `json:"timeout,omitempty"`
}

// PoolConfig bounds the AI session pool.
type PoolConfig struct {
	MaxSessions     int      `json:"max_sessions"`
	MinSessions     int      `json:"min_sessions"`
	IdleTimeout     Duration `json:"idle_timeout"`
	CleanupInterval Duration `json:"cleanup_interval"`
	AcquireTimeout  Duration `json:"acquire_timeout"`
}

// QueueConfig configures the task queue.
type QueueConfig struct {
	HistorySize    int  `json:"history_size"`
	PersistHistory bool `json:"persist_history"`
}

// PipelineConfig configures the generator pipeline.
type PipelineConfig struct {
	Phases map[string]PhaseOverride `json:"phases,omitempty"`
}

// PhaseOverride tunes a single pipeline phase.
type PhaseOverride struct {
	Model   string   `json:"model,omitempty"`
	Timeout Duration `json:"timeout,omitempty"`
	SkipAI  bool     `json:"skip_ai,omitempty"`
}

// RebuildConfig configures the change-driven rebuild controller.
type RebuildConfig struct {
	Debounce Duration `json:"debounce"`
	Ignore   []string `json:"ignore,omitempty"` // doublestar patterns, merged with defaults
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	SubscriberBuffer int  `json:"subscriber_buffer"`
	PersistLog       bool `json:"persist_log"`
}

// ScheduleConfig declares a cron-driven full regeneration of a workspace.
type ScheduleConfig struct {
	WorkspaceID string `json:"workspace_id"`
	Cron        string `json:"cron"`
	MaxRuns     int    `json:"max_runs,omitempty"`
	Disabled    bool   `json:"disabled,omitempty"`
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
