package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.History.Backend != HistoryMemory {
		t.Fatalf("History.Backend = %q, want memory", cfg.History.Backend)
	}
	if cfg.Metrics.ListenAddr != "" {
		t.Fatal("metrics should be disabled by default")
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CommandQueueCapacity != 64 {
		t.Fatalf("CommandQueueCapacity = %d, want 64", cfg.CommandQueueCapacity)
	}
	if cfg.Cast.PollInterval != 4*time.Second {
		t.Fatalf("Cast.PollInterval = %s, want 4s", cfg.Cast.PollInterval)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	body := `
log_level: debug
max_sessions: 8
history:
  backend: redis
  capacity: 250
  redis_url: redis://cache:6379/2
discovery:
  interval: 30s
cast:
  poll_interval: 1500ms
metrics:
  listen_addr: 127.0.0.1:9464
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.MaxSessions != 8 {
		t.Fatalf("unexpected top level values: %+v", cfg)
	}
	if cfg.History.Backend != HistoryRedis || cfg.History.Capacity != 250 || cfg.History.RedisURL != "redis://cache:6379/2" {
		t.Fatalf("unexpected history config: %+v", cfg.History)
	}
	if cfg.History.RedisKey != "avsession:history" {
		t.Fatalf("History.RedisKey = %q, want default", cfg.History.RedisKey)
	}
	if cfg.Discovery.Interval != 30*time.Second || cfg.Discovery.TimeoutMS != 2500 {
		t.Fatalf("unexpected discovery config: %+v", cfg.Discovery)
	}
	if cfg.Cast.PollInterval != 1500*time.Millisecond {
		t.Fatalf("Cast.PollInterval = %s, want 1.5s", cfg.Cast.PollInterval)
	}
	if cfg.Metrics.ListenAddr != "127.0.0.1:9464" {
		t.Fatalf("Metrics.ListenAddr = %q", cfg.Metrics.ListenAddr)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	if err := os.WriteFile(path, []byte("command_queue_capacity: 16\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AVSESSION_COMMAND_QUEUE_CAPACITY", "32")
	t.Setenv("AVSESSION_CAST_CONNECT_ATTEMPTS", "5")
	t.Setenv("AVSESSION_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CommandQueueCapacity != 32 {
		t.Fatalf("CommandQueueCapacity = %d, want 32", cfg.CommandQueueCapacity)
	}
	if cfg.Cast.ConnectAttempts != 5 {
		t.Fatalf("Cast.ConnectAttempts = %d, want 5", cfg.Cast.ConnectAttempts)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit config file")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	if err := os.WriteFile(path, []byte("history:\n  backend: sqlite\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "history.backend") {
		t.Fatalf("expected history.backend error, got %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"queue capacity", func(c *Config) { c.CommandQueueCapacity = 0 }, "command_queue_capacity"},
		{"max sessions", func(c *Config) { c.MaxSessions = -1 }, "max_sessions"},
		{"history capacity", func(c *Config) { c.History.Capacity = 0 }, "history.capacity"},
		{"redis url", func(c *Config) { c.History.Backend = HistoryRedis; c.History.RedisURL = "" }, "history.redis_url"},
		{"discovery interval", func(c *Config) { c.Discovery.Interval = 0 }, "discovery.interval"},
		{"discovery timeout", func(c *Config) { c.Discovery.TimeoutMS = 0 }, "discovery.timeout_ms"},
		{"poll interval", func(c *Config) { c.Cast.PollInterval = -time.Second }, "cast.poll_interval"},
		{"connect attempts", func(c *Config) { c.Cast.ConnectAttempts = 0 }, "cast.connect_attempts"},
		{"backoff order", func(c *Config) { c.Cast.RetryMaxBackoff = time.Millisecond }, "backoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}

	cfg := Default()
	cfg.LogLevel = "loud"
	cfg.CommandQueueCapacity = 0
	if err := cfg.Validate(); err == nil || strings.Count(err.Error(), "\n") != 1 {
		t.Fatalf("expected two joined errors, got %v", err)
	}
}
