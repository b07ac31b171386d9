package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSONCWithComments(t *testing.T) {
	path := writeConfig(t, `{
		// server block
		"server": { "host": "0.0.0.0", "port": 9100 },
		"data_dir": "/tmp/scribed-test",
		"pool": { "max_sessions": 3, "idle_timeout": "1m" },
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host: got %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port: got %d, want 9100", cfg.Server.Port)
	}
	if cfg.Pool.MaxSessions != 3 {
		t.Errorf("max_sessions: got %d, want 3", cfg.Pool.MaxSessions)
	}
	if cfg.Pool.IdleTimeout.Duration() != time.Minute {
		t.Errorf("idle_timeout: got %v, want 1m", cfg.Pool.IdleTimeout.Duration())
	}
}

func TestLoadExpandsEnvTemplates(t *testing.T) {
	t.Setenv("SCRIBED_TEST_KEY", "sk-test-123")

	path := writeConfig(t, `{
		"models": {
			"default": "claude",
			"providers": {
				"claude": { "driver": "anthropic", "api_key": "${{ .Env.SCRIBED_TEST_KEY }}" }
			}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Models.Providers["claude"].APIKey; got != "sk-test-123" {
		t.Errorf("api_key: got %q, want sk-test-123", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.jsonc")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host default: got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 0 {
		t.Errorf("port default should stay 0 (OS-assigned), got %d", cfg.Server.Port)
	}
	if cfg.Pool.MaxSessions != 5 {
		t.Errorf("max_sessions default: got %d, want 5", cfg.Pool.MaxSessions)
	}
	if cfg.Pool.IdleTimeout.Duration() != 5*time.Minute {
		t.Errorf("idle_timeout default: got %v", cfg.Pool.IdleTimeout.Duration())
	}
	if cfg.Pool.AcquireTimeout.Duration() != 30*time.Second {
		t.Errorf("acquire_timeout default: got %v", cfg.Pool.AcquireTimeout.Duration())
	}
	if cfg.Queue.HistorySize != 100 {
		t.Errorf("history_size default: got %d, want 100", cfg.Queue.HistorySize)
	}
	if cfg.Rebuild.Debounce.Duration() != 2*time.Second {
		t.Errorf("debounce default: got %v", cfg.Rebuild.Debounce.Duration())
	}
}

func TestApplyDefaultsClampsMinSessions(t *testing.T) {
	cfg := &Config{}
	cfg.Pool.MaxSessions = 2
	cfg.Pool.MinSessions = 7
	ApplyDefaults(cfg)

	if cfg.Pool.MinSessions != 2 {
		t.Errorf("min_sessions: got %d, want clamped to 2", cfg.Pool.MinSessions)
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	data, err := d.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"1m30s"` {
		t.Errorf("marshal: got %s", data)
	}

	var back Duration
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Duration() != 90*time.Second {
		t.Errorf("round trip: got %v", back.Duration())
	}
}
