// Package config resolves the runtime's configuration: single keys through
// GetFromEnv, and the process-wide RuntimeConfig from YAML overlaid with
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Provider kinds.
const (
	ProviderMemory   = "memory"
	ProviderSupabase = "supabase"
	ProviderPostgres = "postgres"
)

// Cache kinds.
const (
	CacheNone  = "none"
	CacheFile  = "file"
	CacheRedis = "redis"
)

// RuntimeConfig is the configuration of one runtime process.
type RuntimeConfig struct {
	Logging    LoggingConfig    `yaml:"logging"`
	HTTP       HTTPConfig       `yaml:"http"`
	Events     EventsConfig     `yaml:"events"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Sync       SyncConfig       `yaml:"sync"`
	Provider   ProviderConfig   `yaml:"provider"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

type HTTPConfig struct {
	// Addr of the admin server. Empty disables it.
	Addr string `yaml:"addr" env:"ADMIN_ADDR"`

	AuditSize         int    `yaml:"audit_size" env:"ADMIN_AUDIT_SIZE"`
	AuditFile         string `yaml:"audit_file" env:"ADMIN_AUDIT_FILE"`
	RequestsPerSecond int    `yaml:"requests_per_second" env:"ADMIN_RATE_LIMIT"`
	Burst             int    `yaml:"burst" env:"ADMIN_RATE_BURST"`
}

type EventsConfig struct {
	HistorySize int `yaml:"history_size" env:"EVENT_HISTORY_SIZE"`
	DebounceMS  int `yaml:"debounce_ms" env:"CHANGE_EVENT_DEBOUNCE_MS"`
}

type DispatcherConfig struct {
	Mode          string `yaml:"mode" env:"DISPATCH_MODE"`
	MaxConcurrent int    `yaml:"max_concurrent" env:"DISPATCH_MAX_CONCURRENT"`
}

type SyncConfig struct {
	// Schedule is a cron spec for periodic reconciliation. Empty disables it.
	Schedule        string  `yaml:"schedule" env:"SYNC_SCHEDULE"`
	WritesPerSecond float64 `yaml:"writes_per_second" env:"SYNC_WRITES_PER_SECOND"`
	Burst           int     `yaml:"burst" env:"SYNC_BURST"`
	Realtime        bool    `yaml:"realtime" env:"SYNC_REALTIME"`
	Cache           string  `yaml:"cache" env:"SYNC_CACHE"`
	CacheDir        string  `yaml:"cache_dir" env:"SYNC_CACHE_DIR"`
	RedisAddr       string  `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPrefix     string  `yaml:"redis_prefix" env:"REDIS_PREFIX"`
}

type ProviderConfig struct {
	Kind            string `yaml:"kind" env:"DATA_PROVIDER"`
	SupabaseURL     string `yaml:"supabase_url" env:"SUPABASE_URL"`
	SupabaseAnonKey string `yaml:"supabase_anon_key" env:"SUPABASE_ANON_KEY"`
	DatabaseURL     string `yaml:"database_url" env:"DATABASE_URL"`

	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig controls retries of Supabase REST calls. Zero MaxRetries
// disables them.
type RetryConfig struct {
	MaxRetries       int `yaml:"max_retries" env:"SUPABASE_MAX_RETRIES"`
	InitialBackoffMS int `yaml:"initial_backoff_ms" env:"SUPABASE_RETRY_BACKOFF_MS"`
	MaxBackoffMS     int `yaml:"max_backoff_ms" env:"SUPABASE_RETRY_MAX_BACKOFF_MS"`
}

// CircuitBreakerConfig controls the breaker in front of Supabase REST
// calls. Zero FailureThreshold disables it.
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" env:"SUPABASE_BREAKER_FAILURES"`
	SuccessThreshold int `yaml:"success_threshold" env:"SUPABASE_BREAKER_SUCCESSES"`
	TimeoutMS        int `yaml:"timeout_ms" env:"SUPABASE_BREAKER_TIMEOUT_MS"`
}

// Default returns the configuration used when nothing is set.
func Default() RuntimeConfig {
	return RuntimeConfig{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		HTTP:    HTTPConfig{Addr: ":8090"},
		Events:  EventsConfig{HistorySize: 256},
		Dispatcher: DispatcherConfig{
			Mode:          "sequential",
			MaxConcurrent: 4,
		},
		Sync: SyncConfig{
			WritesPerSecond: 5,
			Burst:           10,
			Cache:           CacheNone,
			RedisPrefix:     "insight:sync:",
		},
		Provider: ProviderConfig{
			Kind:           ProviderMemory,
			Retry:          RetryConfig{MaxRetries: 3, InitialBackoffMS: 100, MaxBackoffMS: 10000},
			CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, TimeoutMS: 30000},
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment variables. A missing file is not an error.
func Load(path string) (RuntimeConfig, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// FromEnv builds the configuration from defaults and the environment only.
func FromEnv() (RuntimeConfig, error) {
	cfg := Default()
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *RuntimeConfig) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode env: %w", err)
	}
	return nil
}

// Validate checks the enumerated fields.
func (c RuntimeConfig) Validate() error {
	switch c.Provider.Kind {
	case ProviderMemory, ProviderSupabase, ProviderPostgres:
	default:
		return fmt.Errorf("provider.kind %q: must be memory, supabase or postgres", c.Provider.Kind)
	}
	switch c.Dispatcher.Mode {
	case "sequential", "parallel":
	default:
		return fmt.Errorf("dispatcher.mode %q: must be sequential or parallel", c.Dispatcher.Mode)
	}
	switch c.Sync.Cache {
	case "", CacheNone, CacheFile, CacheRedis:
	default:
		return fmt.Errorf("sync.cache %q: must be none, file or redis", c.Sync.Cache)
	}
	if c.Sync.Cache == CacheFile && c.Sync.CacheDir == "" {
		return errors.New("sync.cache_dir is required for the file cache")
	}
	if c.Sync.Cache == CacheRedis && c.Sync.RedisAddr == "" {
		return errors.New("sync.redis_addr is required for the redis cache")
	}
	r, cb := c.Provider.Retry, c.Provider.CircuitBreaker
	if r.MaxRetries < 0 || r.InitialBackoffMS < 0 || r.MaxBackoffMS < 0 {
		return errors.New("provider.retry values must not be negative")
	}
	if cb.FailureThreshold < 0 || cb.SuccessThreshold < 0 || cb.TimeoutMS < 0 {
		return errors.New("provider.circuit_breaker values must not be negative")
	}
	return nil
}
