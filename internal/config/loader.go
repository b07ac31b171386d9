package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates before stripping comments,
	// since templates live inside string values.
	expanded := expandEnvTemplates(string(data))

	standardized, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DataPath()
	}
	if cfg.Pool.MaxSessions <= 0 {
		cfg.Pool.MaxSessions = 5
	}
	if cfg.Pool.MinSessions < 0 {
		cfg.Pool.MinSessions = 0
	}
	if cfg.Pool.MinSessions > cfg.Pool.MaxSessions {
		cfg.Pool.MinSessions = cfg.Pool.MaxSessions
	}
	if cfg.Pool.IdleTimeout.Duration() <= 0 {
		cfg.Pool.IdleTimeout = Duration(5 * time.Minute)
	}
	if cfg.Pool.CleanupInterval.Duration() <= 0 {
		cfg.Pool.CleanupInterval = Duration(time.Minute)
	}
	if cfg.Pool.AcquireTimeout.Duration() <= 0 {
		cfg.Pool.AcquireTimeout = Duration(30 * time.Second)
	}
	if cfg.Queue.HistorySize <= 0 {
		cfg.Queue.HistorySize = 100
	}
	if cfg.Rebuild.Debounce.Duration() <= 0 {
		cfg.Rebuild.Debounce = Duration(2 * time.Second)
	}
	if cfg.Events.SubscriberBuffer <= 0 {
		cfg.Events.SubscriberBuffer = 256
	}
}
