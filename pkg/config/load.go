package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "CARAPACE_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// The configuration is not modified by environment variables; use LoadConfigWithEnvOverrides
// for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("configuration file %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention CARAPACE_SECTION_FIELD (e.g., CARAPACE_BALANCER_STRATEGY).
// Environment variables always take precedence over file-based configuration.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Malformed numeric or duration values are ignored.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(EnvPrefix + "ADMIN_LISTEN_ADDRESS"); val != "" {
		cfg.Admin.ListenAddress = val
	}
	if val := os.Getenv(EnvPrefix + "SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.ShutdownTimeout = d
		}
	}

	// Balancer overrides
	if val := os.Getenv(EnvPrefix + "BALANCER_STRATEGY"); val != "" {
		cfg.Balancer.Strategy = val
	}
	if val := os.Getenv(EnvPrefix + "BALANCER_MAX_ATTEMPTS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Balancer.MaxAttempts = i
		}
	}

	// Health overrides
	if val := os.Getenv(EnvPrefix + "HEALTH_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Health.Interval = d
		}
	}
	if val := os.Getenv(EnvPrefix + "HEALTH_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Health.Timeout = d
		}
	}
	if val := os.Getenv(EnvPrefix + "HEALTH_FAILURE_THRESHOLD"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Health.FailureThreshold = i
		}
	}
	if val := os.Getenv(EnvPrefix + "HEALTH_TOLERANT"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Health.Tolerant = b
		}
	}

	// Pool overrides
	if val := os.Getenv(EnvPrefix + "POOL_MAX_PER_BACKEND"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Pool.MaxPerBackend = i
		}
	}
	if val := os.Getenv(EnvPrefix + "POOL_MAX_TOTAL"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Pool.MaxTotal = i
		}
	}
	if val := os.Getenv(EnvPrefix + "POOL_ACQUIRE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Pool.AcquireTimeout = d
		}
	}
	if val := os.Getenv(EnvPrefix + "POOL_IDLE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Pool.IdleTimeout = d
		}
	}

	// Events overrides
	if val := os.Getenv(EnvPrefix + "EVENTS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Events.Enabled = b
		}
	}
	if val := os.Getenv(EnvPrefix + "EVENTS_BACKEND"); val != "" {
		cfg.Events.Backend = val
	}
	if val := os.Getenv(EnvPrefix + "EVENTS_SQLITE_PATH"); val != "" {
		cfg.Events.SQLite.Path = val
	}

	// Telemetry overrides
	if val := os.Getenv(EnvPrefix + "TELEMETRY_LOGGING_LEVEL"); val != "" {
		cfg.Telemetry.Logging.Level = val
	}
	if val := os.Getenv(EnvPrefix + "TELEMETRY_LOGGING_FORMAT"); val != "" {
		cfg.Telemetry.Logging.Format = val
	}
	if val := os.Getenv(EnvPrefix + "TELEMETRY_TRACING_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Telemetry.Tracing.Enabled = b
		}
	}
	if val := os.Getenv(EnvPrefix + "TELEMETRY_TRACING_ENDPOINT"); val != "" {
		cfg.Telemetry.Tracing.Endpoint = val
	}
}

// Marshal renders the configuration back to YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
