package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

// keySpec binds a flat backend key to a Config field. env mirrors the field's
// env tag for display.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PAYGATE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PAYGATE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "network.base_url", typ: kString, env: "PAYGATE_NETWORK_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Network.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Network.BaseURL },
	},
	{
		key: "network.config_retries", typ: kInt, env: "PAYGATE_NETWORK_CONFIG_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Network.ConfigRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Network.ConfigRetries },
	},
	{
		key: "network.api_key", typ: kString, env: "PAYGATE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Network.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Network.APIKey },
	},
	{
		key: "telemetry.environment", typ: kString, env: "PAYGATE_TELEMETRY_ENVIRONMENT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Environment = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.Environment },
	},
	{
		key: "telemetry.flush_interval", typ: kDuration, env: "PAYGATE_TELEMETRY_FLUSH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.FlushInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Telemetry.FlushInterval },
	},
	{
		key: "telemetry.max_event_count", typ: kInt, env: "PAYGATE_TELEMETRY_MAX_EVENT_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.MaxEventCount = v.(int) },
		extract: func(cfg Config) any { return cfg.Telemetry.MaxEventCount },
	},
	{
		key: "telemetry.max_flush_depth", typ: kInt, env: "PAYGATE_TELEMETRY_MAX_FLUSH_DEPTH",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.MaxFlushDepth = v.(int) },
		extract: func(cfg Config) any { return cfg.Telemetry.MaxFlushDepth },
	},
	{
		key: "telemetry.snapshot_size", typ: kInt, env: "PAYGATE_TELEMETRY_SNAPSHOT_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.SnapshotSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Telemetry.SnapshotSize },
	},
	{
		key: "config.refresh_interval", typ: kDuration, env: "PAYGATE_CONFIG_REFRESH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Remote.RefreshInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Remote.RefreshInterval },
	},
	{
		key: "content.debug_mode", typ: kBool, env: "PAYGATE_CONTENT_DEBUG_MODE",
		apply:   func(cfg *Config, v any) { cfg.Content.DebugMode = v.(bool) },
		extract: func(cfg Config) any { return cfg.Content.DebugMode },
	},
	{
		key: "log.level", typ: kString, env: "PAYGATE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "otel.endpoint", typ: kString, env: "PAYGATE_OTEL_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.OTel.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.OTel.Endpoint },
	},
	{
		key: "postback.poll_interval", typ: kDuration, env: "PAYGATE_POSTBACK_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Postback.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Postback.PollInterval },
	},
	{
		key: "locale", typ: kString, env: "PAYGATE_LOCALE",
		apply:   func(cfg *Config, v any) { cfg.Locale = v.(string) },
		extract: func(cfg Config) any { return cfg.Locale },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Get(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			if s.typ == kInt {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			slog.Warn("ignoring invalid config value, using default", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

// parse converts a raw backend string to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

// format normalizes raw to the canonical string stored for the key.
func (s keySpec) format(raw string) (string, error) {
	v, err := s.parse(raw)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}
