// Package config loads and validates the daemon configuration from
// defaults, an optional TOML file, and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kobopay/kobod/internal/storage/kv"
	"github.com/kobopay/kobod/internal/storage/relational"
)

// Config is the complete kobod configuration.
type Config struct {
	// HTTP API server
	Server ServerConfig `toml:"server" mapstructure:"server"`

	// gRPC health probe
	Probe ProbeConfig `toml:"probe" mapstructure:"probe"`

	// Relational store
	Database DatabaseConfig `toml:"database" mapstructure:"database"`

	// KV store (dispatcher cursor and other small durable state)
	KV KVConfig `toml:"kv" mapstructure:"kv"`

	// Outbox dispatch
	Events EventsConfig `toml:"events" mapstructure:"events"`

	// Posting engine
	Posting PostingConfig `toml:"posting" mapstructure:"posting"`

	// Approval sweeper
	Approval ApprovalConfig `toml:"approval" mapstructure:"approval"`

	// PIN hashing
	PIN PINConfig `toml:"pin" mapstructure:"pin"`

	// Logging
	Log LogConfig `toml:"log" mapstructure:"log"`

	// Platform bookkeeping identity
	Platform PlatformConfig `toml:"platform" mapstructure:"platform"`

	// Internal fields for configuration management
	configPath string `toml:"-" mapstructure:"-"`
}

// GetConfigPath returns the path of the file the configuration was loaded
// from, or an empty string when only defaults and environment applied.
func (c *Config) GetConfigPath() string {
	return c.configPath
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	// Address to listen on, host:port.
	Address string `toml:"address" mapstructure:"address"`

	// RequestTimeout bounds one request end to end. The event stream is
	// exempt.
	RequestTimeout time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
}

// ProbeConfig configures the gRPC health probe. Disabled by default;
// orchestrated deployments turn it on.
type ProbeConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Address string `toml:"address" mapstructure:"address"`
}

// DatabaseConfig points at the relational store. URL decides the backend:
// postgres:// connects to PostgreSQL, anything else is treated as a SQLite
// file path (an optional sqlite:// prefix is stripped).
type DatabaseConfig struct {
	URL string `toml:"url" mapstructure:"url"`

	// Pool overrides; zero keeps the driver-specific default.
	MaxOpenConns int           `toml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns int           `toml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnLifetime time.Duration `toml:"conn_lifetime" mapstructure:"conn_lifetime"`
}

// StoreConfig maps the URL onto a relational store configuration.
func (c DatabaseConfig) StoreConfig() (*relational.Config, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}

	var cfg *relational.Config
	switch {
	case strings.HasPrefix(c.URL, "postgres://"), strings.HasPrefix(c.URL, "postgresql://"):
		cfg = relational.PostgresConfig().WithConnectionString(c.URL)
	case strings.HasPrefix(c.URL, "sqlite://"):
		cfg = relational.SQLiteConfig(strings.TrimPrefix(c.URL, "sqlite://"))
	default:
		cfg = relational.SQLiteConfig(c.URL)
	}

	if c.MaxOpenConns > 0 {
		cfg.MaxOpenConns = c.MaxOpenConns
	}
	if c.MaxIdleConns > 0 {
		cfg.MaxIdleConns = c.MaxIdleConns
	}
	if c.ConnLifetime > 0 {
		cfg.ConnMaxLifetime = c.ConnLifetime
	}
	return cfg, nil
}

// KVConfig selects the embedded KV engine holding the dispatch cursor.
type KVConfig struct {
	Engine string `toml:"engine" mapstructure:"engine"`
	Path   string `toml:"path" mapstructure:"path"`
}

// EngineName returns the engine as the typed name the KV registry uses.
func (c KVConfig) EngineName() kv.Engine {
	return kv.Engine(c.Engine)
}

// EventsConfig configures the outbox dispatcher. An empty QueueURL
// disables the AMQP publisher; the WebSocket stream still runs.
type EventsConfig struct {
	QueueURL         string        `toml:"queue_url" mapstructure:"queue_url"`
	Exchange         string        `toml:"exchange" mapstructure:"exchange"`
	DispatchInterval time.Duration `toml:"dispatch_interval" mapstructure:"dispatch_interval"`
	BatchSize        int           `toml:"batch_size" mapstructure:"batch_size"`
}

// PostingConfig tunes the posting engine.
type PostingConfig struct {
	// RetryLimit bounds CAS retries per post.
	RetryLimit int `toml:"retry_limit" mapstructure:"retry_limit"`

	// IdempotencyTTLHours is how long idempotency rows are replayable.
	IdempotencyTTLHours int `toml:"idempotency_ttl_hours" mapstructure:"idempotency_ttl_hours"`
}

// IdempotencyTTL returns the TTL as a duration.
func (c PostingConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

// ApprovalConfig tunes the approval sweeper.
type ApprovalConfig struct {
	SweepIntervalSeconds int `toml:"sweep_interval_seconds" mapstructure:"sweep_interval_seconds"`
	SweepBatch           int `toml:"sweep_batch" mapstructure:"sweep_batch"`
}

// SweepInterval returns the interval as a duration.
func (c ApprovalConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// PINConfig carries the PIN hashing secret. The pepper never has a file
// default; it arrives through the environment.
type PINConfig struct {
	Pepper string `toml:"pepper" mapstructure:"pepper"`
}

// PlatformConfig names the SYSTEM actor that owns the platform's suspense,
// fee, tax and bank mirror accounts.
type PlatformConfig struct {
	ActorID string `toml:"actor_id" mapstructure:"actor_id"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `toml:"level" mapstructure:"level"`

	// Format is "json" or "console".
	Format string `toml:"format" mapstructure:"format"`
}

// BuildLogger constructs the process logger from the section.
func (c LogConfig) BuildLogger() (*zap.Logger, error) {
	var zc zap.Config
	switch c.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "json", "":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format: %s", c.Format)
	}

	if c.Level != "" {
		level, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}
