package config

import (
	"fmt"
	"net"

	"go.uber.org/zap/zapcore"

	"github.com/kobopay/kobod/internal/storage/kv"
)

// ValidateConfig validates the complete configuration.
func ValidateConfig(config *Config) error {
	if err := validateServer(&config.Server); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := validateProbe(&config.Probe); err != nil {
		return fmt.Errorf("probe validation failed: %w", err)
	}
	if err := validateDatabase(&config.Database); err != nil {
		return fmt.Errorf("database validation failed: %w", err)
	}
	if err := validateKV(&config.KV); err != nil {
		return fmt.Errorf("kv validation failed: %w", err)
	}
	if err := validateEvents(&config.Events); err != nil {
		return fmt.Errorf("events validation failed: %w", err)
	}
	if err := validatePosting(&config.Posting); err != nil {
		return fmt.Errorf("posting validation failed: %w", err)
	}
	if err := validateApproval(&config.Approval); err != nil {
		return fmt.Errorf("approval validation failed: %w", err)
	}
	if err := validateLog(&config.Log); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}
	if config.Platform.ActorID == "" {
		return fmt.Errorf("platform validation failed: actor_id is required")
	}
	return nil
}

func validateServer(c *ServerConfig) error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	return nil
}

func validateProbe(c *ProbeConfig) error {
	if !c.Enabled {
		return nil
	}
	if c.Address == "" {
		return fmt.Errorf("address is required when the probe is enabled")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}
	return nil
}

func validateDatabase(c *DatabaseConfig) error {
	storeCfg, err := c.StoreConfig()
	if err != nil {
		return err
	}
	return storeCfg.Validate()
}

func validateKV(c *KVConfig) error {
	switch c.EngineName() {
	case kv.EnginePebble, kv.EngineBBolt, kv.EngineLevelDB:
	case "":
		return fmt.Errorf("engine is required")
	default:
		return fmt.Errorf("unknown engine %q", c.Engine)
	}
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

func validateEvents(c *EventsConfig) error {
	if c.QueueURL != "" && c.Exchange == "" {
		return fmt.Errorf("exchange is required when queue_url is set")
	}
	if c.DispatchInterval <= 0 {
		return fmt.Errorf("dispatch_interval must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	return nil
}

func validatePosting(c *PostingConfig) error {
	if c.RetryLimit < 1 {
		return fmt.Errorf("retry_limit must be at least 1")
	}
	if c.IdempotencyTTLHours < 1 {
		return fmt.Errorf("idempotency_ttl_hours must be at least 1")
	}
	return nil
}

func validateApproval(c *ApprovalConfig) error {
	if c.SweepIntervalSeconds < 1 {
		return fmt.Errorf("sweep_interval_seconds must be at least 1")
	}
	if c.SweepBatch < 1 {
		return fmt.Errorf("sweep_batch must be at least 1")
	}
	return nil
}

func validateLog(c *LogConfig) error {
	switch c.Format {
	case "json", "console", "":
	default:
		return fmt.Errorf("unknown log format: %s", c.Format)
	}
	if c.Level != "" {
		if _, err := zapcore.ParseLevel(c.Level); err != nil {
			return fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
	}
	return nil
}
