package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "AVSESSION"

const (
	HistoryMemory = "memory"
	HistoryRedis  = "redis"
)

type Config struct {
	LogLevel             string          `mapstructure:"log_level"`
	CommandQueueCapacity int             `mapstructure:"command_queue_capacity"`
	MaxSessions          int             `mapstructure:"max_sessions"`
	History              HistoryConfig   `mapstructure:"history"`
	Discovery            DiscoveryConfig `mapstructure:"discovery"`
	Cast                 CastConfig      `mapstructure:"cast"`
	Metrics              MetricsConfig   `mapstructure:"metrics"`
}

type HistoryConfig struct {
	Backend  string `mapstructure:"backend"`
	Capacity int    `mapstructure:"capacity"`
	RedisURL string `mapstructure:"redis_url"`
	RedisKey string `mapstructure:"redis_key"`
}

type DiscoveryConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	TimeoutMS int           `mapstructure:"timeout_ms"`
}

type CastConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	ConnectAttempts  int           `mapstructure:"connect_attempts"`
	RetryBaseBackoff time.Duration `mapstructure:"retry_base_backoff"`
	RetryMaxBackoff  time.Duration `mapstructure:"retry_max_backoff"`
}

type MetricsConfig struct {
	// ListenAddr serves /metrics when set.
	ListenAddr string `mapstructure:"listen_addr"`
}

func Default() *Config {
	return &Config{
		LogLevel:             "info",
		CommandQueueCapacity: 64,
		History: HistoryConfig{
			Backend:  HistoryMemory,
			Capacity: 100,
			RedisURL: "redis://localhost:6379/0",
			RedisKey: "avsession:history",
		},
		Discovery: DiscoveryConfig{
			Interval:  5 * time.Second,
			TimeoutMS: 2500,
		},
		Cast: CastConfig{
			PollInterval:     4 * time.Second,
			ConnectAttempts:  3,
			RetryBaseBackoff: 120 * time.Millisecond,
			RetryMaxBackoff:  800 * time.Millisecond,
		},
	}
}

// Load reads cfgFile, or avsession.yaml from the usual places when cfgFile
// is empty, and applies AVSESSION_* environment overrides on top of the
// defaults. A missing default file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("avsession")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so that environment overrides apply even
// when no file mentions them.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("command_queue_capacity", cfg.CommandQueueCapacity)
	v.SetDefault("max_sessions", cfg.MaxSessions)
	v.SetDefault("history.backend", cfg.History.Backend)
	v.SetDefault("history.capacity", cfg.History.Capacity)
	v.SetDefault("history.redis_url", cfg.History.RedisURL)
	v.SetDefault("history.redis_key", cfg.History.RedisKey)
	v.SetDefault("discovery.interval", cfg.Discovery.Interval)
	v.SetDefault("discovery.timeout_ms", cfg.Discovery.TimeoutMS)
	v.SetDefault("cast.poll_interval", cfg.Cast.PollInterval)
	v.SetDefault("cast.connect_attempts", cfg.Cast.ConnectAttempts)
	v.SetDefault("cast.retry_base_backoff", cfg.Cast.RetryBaseBackoff)
	v.SetDefault("cast.retry_max_backoff", cfg.Cast.RetryMaxBackoff)
	v.SetDefault("metrics.listen_addr", cfg.Metrics.ListenAddr)
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.CommandQueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("command_queue_capacity %d must be positive", c.CommandQueueCapacity))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("max_sessions %d must not be negative", c.MaxSessions))
	}

	switch c.History.Backend {
	case HistoryMemory:
	case HistoryRedis:
		if strings.TrimSpace(c.History.RedisURL) == "" {
			errs = append(errs, errors.New("history.redis_url is required for the redis backend"))
		}
		if strings.TrimSpace(c.History.RedisKey) == "" {
			errs = append(errs, errors.New("history.redis_key is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("history.backend %q is not valid (use memory or redis)", c.History.Backend))
	}
	if c.History.Capacity < 1 {
		errs = append(errs, fmt.Errorf("history.capacity %d must be positive", c.History.Capacity))
	}

	if c.Discovery.Interval <= 0 {
		errs = append(errs, fmt.Errorf("discovery.interval %s must be positive", c.Discovery.Interval))
	}
	if c.Discovery.TimeoutMS < 1 {
		errs = append(errs, fmt.Errorf("discovery.timeout_ms %d must be positive", c.Discovery.TimeoutMS))
	}

	if c.Cast.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("cast.poll_interval %s must be positive", c.Cast.PollInterval))
	}
	if c.Cast.ConnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("cast.connect_attempts %d must be positive", c.Cast.ConnectAttempts))
	}
	if c.Cast.RetryBaseBackoff <= 0 || c.Cast.RetryMaxBackoff < c.Cast.RetryBaseBackoff {
		errs = append(errs, fmt.Errorf("cast retry backoff must satisfy 0 < base (%s) <= max (%s)",
			c.Cast.RetryBaseBackoff, c.Cast.RetryMaxBackoff))
	}

	return errors.Join(errs...)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "avsession")
	case "darwin":
		return "/Library/Application Support/avsession"
	default:
		return "/etc/avsession"
	}
}
