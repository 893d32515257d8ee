package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "routes[0].director").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	if cfg.ShutdownTimeout < 0 {
		errs = append(errs, FieldError{Field: "shutdown_timeout", Message: "shutdown timeout must be positive"})
	}

	errs = append(errs, validateListeners(cfg.Listeners)...)
	errs = append(errs, validateCertificates(&cfg.Certificates, cfg.Listeners)...)

	backendIDs, backendErrs := validateBackends(cfg.Backends)
	errs = append(errs, backendErrs...)

	directorIDs, directorErrs := validateDirectors(cfg.Directors, backendIDs)
	errs = append(errs, directorErrs...)

	errs = append(errs, validateRoutes(cfg.Routes, directorIDs)...)
	errs = append(errs, validateBalancer(&cfg.Balancer)...)
	errs = append(errs, validateHealth(&cfg.Health)...)
	errs = append(errs, validatePool(&cfg.Pool)...)
	errs = append(errs, validateAdmin(&cfg.Admin)...)
	errs = append(errs, validateEvents(&cfg.Events)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

func validateListeners(listeners []ListenerConfig) []FieldError {
	var errs []FieldError
	seen := make(map[string]bool)

	for i, l := range listeners {
		prefix := fmt.Sprintf("listeners[%d]", i)

		if l.Port <= 0 || l.Port > 65535 {
			errs = append(errs, FieldError{
				Field:   prefix + ".port",
				Message: fmt.Sprintf("port %d out of range 1-65535", l.Port),
			})
		}

		addr := l.Address()
		if seen[addr] {
			errs = append(errs, FieldError{
				Field:   prefix,
				Message: fmt.Sprintf("listener %s is already configured", addr),
			})
		}
		seen[addr] = true

		if l.TLS && l.MinTLSVersion != "1.2" && l.MinTLSVersion != "1.3" {
			errs = append(errs, FieldError{
				Field:   prefix + ".min_tls_version",
				Message: fmt.Sprintf("invalid TLS version %q: must be '1.2' or '1.3'", l.MinTLSVersion),
			})
		}
		if l.MaxConnections < 0 {
			errs = append(errs, FieldError{Field: prefix + ".max_connections", Message: "max connections must be positive"})
		}
		if l.MaxHeaderBytes < 0 {
			errs = append(errs, FieldError{Field: prefix + ".max_header_bytes", Message: "max header bytes must be non-negative"})
		}
		if l.MaxHeaderBytes > 10*1024*1024 {
			errs = append(errs, FieldError{Field: prefix + ".max_header_bytes", Message: "max header bytes exceeds reasonable limit (10MB)"})
		}
		if l.MaxKeepAliveRequests != -1 && l.MaxKeepAliveRequests <= 0 {
			errs = append(errs, FieldError{Field: prefix + ".max_keep_alive_requests", Message: "max keep alive requests must be positive or -1"})
		}
		if l.KeepAliveCount < 0 {
			errs = append(errs, FieldError{Field: prefix + ".keep_alive_count", Message: "keep alive count must be non-negative"})
		}
		errs = appendNegativeDuration(errs, prefix+".read_header_timeout", l.ReadHeaderTimeout)
		errs = appendNegativeDuration(errs, prefix+".idle_timeout", l.IdleTimeout)
		errs = appendNegativeDuration(errs, prefix+".keep_alive_idle", l.KeepAliveIdle)
		errs = appendNegativeDuration(errs, prefix+".keep_alive_interval", l.KeepAliveInterval)
	}

	return errs
}

func validateCertificates(cfg *CertificatesConfig, listeners []ListenerConfig) []FieldError {
	var errs []FieldError
	hosts := make(map[string]bool)

	for i, c := range cfg.Entries {
		prefix := fmt.Sprintf("certificates.entries[%d]", i)
		host := strings.ToLower(c.Hostname)
		if host == "" {
			errs = append(errs, FieldError{Field: prefix + ".hostname", Message: "hostname is required"})
		} else if hosts[host] {
			errs = append(errs, FieldError{Field: prefix + ".hostname", Message: fmt.Sprintf("certificate %s is already configured", c.Hostname)})
		}
		hosts[host] = true

		if c.CertFile == "" {
			errs = append(errs, FieldError{Field: prefix + ".cert_file", Message: "certificate file is required"})
		}
		if c.KeyFile == "" {
			errs = append(errs, FieldError{Field: prefix + ".key_file", Message: "key file is required"})
		}
	}

	for i, l := range listeners {
		if l.TLS && len(cfg.Entries) == 0 {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("listeners[%d].tls", i),
				Message: "TLS listener requires at least one certificate entry",
			})
		}
	}

	errs = appendNegativeDuration(errs, "certificates.reload_interval", cfg.ReloadInterval)
	return errs
}

func validateBackends(backends []BackendConfig) (map[string]bool, []FieldError) {
	var errs []FieldError
	ids := make(map[string]bool)

	for i, b := range backends {
		prefix := fmt.Sprintf("backends[%d]", i)

		if b.ID == "" {
			errs = append(errs, FieldError{Field: prefix + ".id", Message: "backend id is required"})
		} else if b.ID == DefaultDirector {
			errs = append(errs, FieldError{Field: prefix + ".id", Message: "backend id \"*\" is reserved"})
		} else if ids[b.ID] {
			errs = append(errs, FieldError{Field: prefix + ".id", Message: fmt.Sprintf("backend %s is already configured", b.ID)})
		}
		ids[b.ID] = true

		if b.Host == "" {
			errs = append(errs, FieldError{Field: prefix + ".host", Message: "backend host is required"})
		}
		if b.Port <= 0 || b.Port > 65535 {
			errs = append(errs, FieldError{Field: prefix + ".port", Message: fmt.Sprintf("port %d out of range 1-65535", b.Port)})
		}
		if b.Weight < 0 {
			errs = append(errs, FieldError{Field: prefix + ".weight", Message: "weight must be non-negative"})
		}
		if b.ProbePath != "" && !strings.HasPrefix(b.ProbePath, "/") {
			errs = append(errs, FieldError{Field: prefix + ".probe_path", Message: "probe path must start with /"})
		}
	}

	return ids, errs
}

func validateDirectors(directors []DirectorConfig, backendIDs map[string]bool) (map[string]bool, []FieldError) {
	var errs []FieldError
	ids := map[string]bool{DefaultDirector: true}

	for i, d := range directors {
		prefix := fmt.Sprintf("directors[%d]", i)

		if d.ID == "" {
			errs = append(errs, FieldError{Field: prefix + ".id", Message: "director id is required"})
		} else if ids[d.ID] {
			errs = append(errs, FieldError{Field: prefix + ".id", Message: fmt.Sprintf("director %s is already configured", d.ID)})
		}
		ids[d.ID] = true

		if len(d.Backends) == 0 {
			errs = append(errs, FieldError{Field: prefix + ".backends", Message: "director requires at least one backend"})
		}
		for j, b := range d.Backends {
			if b == DefaultDirector {
				continue
			}
			if !backendIDs[b] {
				errs = append(errs, FieldError{
					Field:   fmt.Sprintf("%s.backends[%d]", prefix, j),
					Message: fmt.Sprintf("unknown backend %q", b),
				})
			}
		}
	}

	return ids, errs
}

func validateRoutes(routes []RouteConfig, directorIDs map[string]bool) []FieldError {
	var errs []FieldError
	ids := make(map[string]bool)

	for i, r := range routes {
		prefix := fmt.Sprintf("routes[%d]", i)

		id := strings.ToLower(r.ID)
		if id == "" {
			errs = append(errs, FieldError{Field: prefix + ".id", Message: "route id is required"})
		} else if ids[id] {
			errs = append(errs, FieldError{Field: prefix + ".id", Message: fmt.Sprintf("route %s is already configured", r.ID)})
		}
		ids[id] = true

		if !strings.HasPrefix(r.Path, "/") {
			errs = append(errs, FieldError{Field: prefix + ".path", Message: "path must start with /"})
		}
		if strings.Count(r.Path, "*") > 1 || (strings.Contains(r.Path, "*") && !strings.HasSuffix(r.Path, "/*")) {
			errs = append(errs, FieldError{Field: prefix + ".path", Message: "wildcard is only allowed as a trailing /*"})
		}
		if strings.Contains(r.Host, "*") && !strings.HasPrefix(r.Host, "*.") {
			errs = append(errs, FieldError{Field: prefix + ".host", Message: "host wildcard must be a leading *."})
		}

		switch r.Action {
		case ActionProxy:
			if !directorIDs[r.Director] {
				errs = append(errs, FieldError{Field: prefix + ".director", Message: fmt.Sprintf("unknown director %q", r.Director)})
			}
		case ActionStatic:
			if r.StaticStatus < 100 || r.StaticStatus > 599 {
				errs = append(errs, FieldError{Field: prefix + ".static_status", Message: fmt.Sprintf("invalid status code %d", r.StaticStatus)})
			}
		default:
			errs = append(errs, FieldError{
				Field:   prefix + ".action",
				Message: fmt.Sprintf("invalid action %q: must be 'proxy' or 'static'", r.Action),
			})
		}

		errs = appendNegativeDuration(errs, prefix+".timeout", r.Timeout)
		if r.Retries != nil && *r.Retries < 0 {
			errs = append(errs, FieldError{Field: prefix + ".retries", Message: "retries must be non-negative"})
		}
	}

	return errs
}

func validateBalancer(cfg *BalancerConfig) []FieldError {
	var errs []FieldError

	validStrategies := map[string]bool{
		StrategyRoundRobin:       true,
		StrategyWeighted:         true,
		StrategyRandom:           true,
		StrategyLeastConnections: true,
	}
	if !validStrategies[cfg.Strategy] {
		errs = append(errs, FieldError{
			Field:   "balancer.strategy",
			Message: fmt.Sprintf("invalid strategy %q: must be 'round-robin', 'weighted', 'random', or 'least-connections'", cfg.Strategy),
		})
	}
	if cfg.MaxAttempts < 0 {
		errs = append(errs, FieldError{Field: "balancer.max_attempts", Message: "max attempts cannot be negative"})
	}

	return errs
}

func validateHealth(cfg *HealthCheckConfig) []FieldError {
	var errs []FieldError

	if cfg.Interval <= 0 {
		errs = append(errs, FieldError{Field: "health.interval", Message: "interval must be positive"})
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, FieldError{Field: "health.timeout", Message: "timeout must be positive"})
	}
	if cfg.Interval > 0 && cfg.Timeout > cfg.Interval {
		errs = append(errs, FieldError{Field: "health.timeout", Message: "timeout must not exceed interval"})
	}
	if cfg.FailureThreshold < 1 {
		errs = append(errs, FieldError{Field: "health.failure_threshold", Message: "failure threshold must be at least 1"})
	}

	return errs
}

func validatePool(cfg *PoolConfig) []FieldError {
	var errs []FieldError

	if cfg.MaxPerBackend < 1 {
		errs = append(errs, FieldError{Field: "pool.max_per_backend", Message: "max per backend must be at least 1"})
	}
	if cfg.MaxTotal < 1 {
		errs = append(errs, FieldError{Field: "pool.max_total", Message: "max total must be at least 1"})
	}
	if cfg.MaxTotal > 0 && cfg.MaxPerBackend > cfg.MaxTotal {
		errs = append(errs, FieldError{Field: "pool.max_per_backend", Message: "max per backend must not exceed max total"})
	}
	if cfg.BufferSize < 512 {
		errs = append(errs, FieldError{Field: "pool.buffer_size", Message: "buffer size must be at least 512 bytes"})
	}
	errs = appendNegativeDuration(errs, "pool.idle_timeout", cfg.IdleTimeout)
	errs = appendNegativeDuration(errs, "pool.acquire_timeout", cfg.AcquireTimeout)
	errs = appendNegativeDuration(errs, "pool.dial_timeout", cfg.DialTimeout)

	return errs
}

func validateAdmin(cfg *AdminConfig) []FieldError {
	if cfg.Disabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		return []FieldError{{
			Field:   "admin.listen_address",
			Message: fmt.Sprintf("invalid listen address %q: %v", cfg.ListenAddress, err),
		}}
	}
	return nil
}

func validateEvents(cfg *EventsConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case EventsBackendMemory:
	case EventsBackendSQLite:
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{Field: "events.sqlite.path", Message: "sqlite path is required"})
		}
		if cfg.SQLite.Driver != "sqlite3" && cfg.SQLite.Driver != "sqlite" {
			errs = append(errs, FieldError{
				Field:   "events.sqlite.driver",
				Message: fmt.Sprintf("invalid driver %q: must be 'sqlite3' or 'sqlite'", cfg.SQLite.Driver),
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "events.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory' or 'sqlite'", cfg.Backend),
		})
	}

	if cfg.BufferSize < 1 {
		errs = append(errs, FieldError{Field: "events.buffer_size", Message: "buffer size must be at least 1"})
	}
	if cfg.Retention.Days < 0 {
		errs = append(errs, FieldError{Field: "events.retention.days", Message: "retention days must be non-negative"})
	}
	if cfg.Retention.MaxEvents < 0 {
		errs = append(errs, FieldError{Field: "events.retention.max_events", Message: "max events must be non-negative"})
	}
	if cfg.Enabled && cfg.Retention.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Retention.Schedule); err != nil {
			errs = append(errs, FieldError{
				Field:   "events.retention.schedule",
				Message: fmt.Sprintf("invalid cron expression: %v", err),
			})
		}
	}

	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json' or 'text'", cfg.Logging.Format),
		})
	}

	if !cfg.Metrics.Disabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "metrics path must start with /"})
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.endpoint",
			Message: "tracing endpoint is required when tracing is enabled",
		})
	}
	validSamplers := map[string]bool{"always": true, "never": true, "ratio": true, "parent": true}
	if !validSamplers[cfg.Tracing.Sampler] {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sampler",
			Message: fmt.Sprintf("invalid sampler %q", cfg.Tracing.Sampler),
		})
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1.0 {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sample_ratio",
			Message: "sample ratio must be between 0.0 and 1.0",
		})
	}

	if cfg.Health.MinHealthyBackends < 0 {
		errs = append(errs, FieldError{Field: "telemetry.health.min_healthy_backends", Message: "must be non-negative"})
	}

	return errs
}

func appendNegativeDuration(errs []FieldError, field string, d time.Duration) []FieldError {
	if d < 0 {
		return append(errs, FieldError{Field: field, Message: "duration must be positive"})
	}
	return errs
}
