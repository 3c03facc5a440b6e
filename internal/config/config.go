package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const secretService = "paygate"

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Network   NetworkConfig
	Telemetry TelemetryConfig
	Remote    RemoteConfig
	Content   ContentConfig
	Log       LogConfig
	OTel      OTelConfig
	Postback  PostbackConfig
	Locale    string `env:"PAYGATE_LOCALE"`
}

type ServerConfig struct {
	Port int `env:"PAYGATE_SERVER_PORT"`
}

type StorageConfig struct {
	DataDir string `env:"PAYGATE_STORAGE_DATA_DIR"`
}

type NetworkConfig struct {
	BaseURL       string `env:"PAYGATE_NETWORK_BASE_URL"`
	ConfigRetries int    `env:"PAYGATE_NETWORK_CONFIG_RETRIES"`
	APIKey        string `env:"PAYGATE_API_KEY"`
}

type TelemetryConfig struct {
	Environment string `env:"PAYGATE_TELEMETRY_ENVIRONMENT"`
	// FlushInterval of zero derives the interval from Environment.
	FlushInterval time.Duration `env:"PAYGATE_TELEMETRY_FLUSH_INTERVAL"`
	MaxEventCount int           `env:"PAYGATE_TELEMETRY_MAX_EVENT_COUNT"`
	MaxFlushDepth int           `env:"PAYGATE_TELEMETRY_MAX_FLUSH_DEPTH"`
	SnapshotSize  int           `env:"PAYGATE_TELEMETRY_SNAPSHOT_SIZE"`
}

type RemoteConfig struct {
	RefreshInterval time.Duration `env:"PAYGATE_CONFIG_REFRESH_INTERVAL"`
}

type ContentConfig struct {
	DebugMode bool `env:"PAYGATE_CONTENT_DEBUG_MODE"`
}

type LogConfig struct {
	Level string `env:"PAYGATE_LOG_LEVEL"`
}

type OTelConfig struct {
	Endpoint string `env:"PAYGATE_OTEL_ENDPOINT"`
}

type PostbackConfig struct {
	PollInterval time.Duration `env:"PAYGATE_POSTBACK_POLL_INTERVAL"`
}

var (
	environments = []string{"production", "sandbox", "developer"}
	logLevels    = []string{"debug", "info", "warn", "error"}
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Network: NetworkConfig{
			BaseURL:       "https://api.paygate.dev/v1",
			ConfigRetries: 6,
		},
		Telemetry: TelemetryConfig{
			Environment:   "production",
			MaxEventCount: 50,
			MaxFlushDepth: 10,
			SnapshotSize:  20,
		},
		Remote: RemoteConfig{
			RefreshInterval: 15 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
		Postback: PostbackConfig{
			PollInterval: 2 * time.Second,
		},
		Locale: "en_US",
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: dev.paygate.daemon) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/paygate/config.json
// and secrets fall back to $XDG_DATA_HOME/paygate/secrets.json.
//
// Environment variables (PAYGATE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if cfg.Network.APIKey == "" {
		if key, err := kc.Get(secretService, "api_key"); err == nil && key != "" {
			cfg.Network.APIKey = key
		}
	}

	if cfg.Network.APIKey == "" {
		msg := "missing required config: remote service API key. " +
			"Set it via environment variable PAYGATE_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated and numeric settings.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains(environments, c.Telemetry.Environment) {
		errs = append(errs, fmt.Errorf("telemetry.environment must be one of %s, got %q",
			strings.Join(environments, ", "), c.Telemetry.Environment))
	}
	if !slices.Contains(logLevels, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("log.level must be one of %s, got %q",
			strings.Join(logLevels, ", "), c.Log.Level))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	for key, n := range map[string]int{
		"network.config_retries":    c.Network.ConfigRetries,
		"telemetry.max_event_count": c.Telemetry.MaxEventCount,
		"telemetry.max_flush_depth": c.Telemetry.MaxFlushDepth,
		"telemetry.snapshot_size":   c.Telemetry.SnapshotSize,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, n))
		}
	}
	if c.Remote.RefreshInterval < time.Second {
		errs = append(errs, fmt.Errorf("config.refresh_interval must be at least 1s, got %s", c.Remote.RefreshInterval))
	}
	return errors.Join(errs...)
}
