package config

import "github.com/spf13/viper"

// setDefaults sets every default value. File and environment only override.
func setDefaults(v *viper.Viper) {
	// HTTP API
	v.SetDefault("server.address", "0.0.0.0:8080")
	v.SetDefault("server.request_timeout", "30s")

	// gRPC health probe
	v.SetDefault("probe.enabled", false)
	v.SetDefault("probe.address", "127.0.0.1:50051")

	// Relational store
	v.SetDefault("database.url", "/var/lib/kobod/kobod.db")
	v.SetDefault("database.max_open_conns", 0) // 0 keeps the driver default
	v.SetDefault("database.max_idle_conns", 0)
	v.SetDefault("database.conn_lifetime", "0s")

	// KV store
	v.SetDefault("kv.engine", "pebble")
	v.SetDefault("kv.path", "/var/lib/kobod/kv")

	// Outbox dispatch
	v.SetDefault("events.queue_url", "") // empty disables AMQP
	v.SetDefault("events.exchange", "kobod.events")
	v.SetDefault("events.dispatch_interval", "1s")
	v.SetDefault("events.batch_size", 256)

	// Posting engine
	v.SetDefault("posting.retry_limit", 5)
	v.SetDefault("posting.idempotency_ttl_hours", 24)

	// Approval sweeper
	v.SetDefault("approval.sweep_interval_seconds", 60)
	v.SetDefault("approval.sweep_batch", 256)

	// PIN pepper has no default; it comes from PIN_PEPPER.
	v.SetDefault("pin.pepper", "")

	// Platform identity
	v.SetDefault("platform.actor_id", "platform")

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// bindEnvAliases binds the bare, historically named environment variables
// next to the KOBOD_-prefixed forms AutomaticEnv already resolves. The
// prefixed form wins when both are set.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string][]string{
		"database.url":                    {"POSTING_DB_URL"},
		"events.queue_url":                {"EVENTS_QUEUE_URL"},
		"pin.pepper":                      {"PIN_PEPPER"},
		"posting.retry_limit":             {"RETRY_LIMIT"},
		"posting.idempotency_ttl_hours":   {"IDEMPOTENCY_TTL_HOURS"},
		"approval.sweep_interval_seconds": {"APPROVAL_SWEEPER_INTERVAL_SECONDS"},
	}
	for key, names := range aliases {
		// BindEnv(key, prefixed, bare...) — earlier names take priority.
		args := append([]string{key, envName(key)}, names...)
		_ = v.BindEnv(args...)
	}
}

// envName renders a viper key as its KOBOD_-prefixed environment form.
func envName(key string) string {
	out := make([]byte, 0, len(key)+6)
	out = append(out, "KOBOD_"...)
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c == '.':
			out = append(out, '_')
		case 'a' <= c && c <= 'z':
			out = append(out, c-'a'+'A')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
