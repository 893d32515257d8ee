package config

import (
	"net"
	"strconv"
	"time"
)

// Config is the root configuration structure for the carapace proxy.
// It contains the listeners, the backend and route definitions consumed by
// the routing core, and the settings of the supporting subsystems.
type Config struct {
	// Listeners are the inbound endpoints accepting client connections.
	Listeners []ListenerConfig `yaml:"listeners"`

	// Certificates maps hostnames to TLS certificate material.
	Certificates CertificatesConfig `yaml:"certificates"`

	// Backends lists every upstream server the proxy may forward to.
	Backends []BackendConfig `yaml:"backends"`

	// Directors are named backend groups referenced by routes.
	// The reserved director "*" always contains every enabled backend.
	Directors []DirectorConfig `yaml:"directors"`

	// Routes is the ordered routing rule list.
	Routes []RouteConfig `yaml:"routes"`

	// Balancer selects the backend selection policy.
	Balancer BalancerConfig `yaml:"balancer"`

	// Health configures active backend probing and failure thresholds.
	Health HealthCheckConfig `yaml:"health"`

	// Pool configures the backend connection pool.
	Pool PoolConfig `yaml:"pool"`

	// Admin configures the administrative HTTP interface.
	Admin AdminConfig `yaml:"admin"`

	// Events configures the observability event sink.
	Events EventsConfig `yaml:"events"`

	// Telemetry contains logging, metrics and tracing configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// ShutdownTimeout bounds graceful shutdown of listeners.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ListenerConfig describes one inbound listener.
type ListenerConfig struct {
	// Name identifies the listener in logs and metrics. Defaults to host:port.
	Name string `yaml:"name"`

	// Host is the interface to bind. Default: "0.0.0.0"
	Host string `yaml:"host"`

	// Port is the TCP port to bind.
	Port int `yaml:"port"`

	// TLS enables TLS termination using the certificate store.
	TLS bool `yaml:"tls"`

	// DefaultCertificate is the hostname entry used when SNI matches nothing.
	// Default: "*"
	DefaultCertificate string `yaml:"default_certificate"`

	// MinTLSVersion is "1.2" or "1.3". Default: "1.2"
	MinTLSVersion string `yaml:"min_tls_version"`

	// CipherSuites restricts TLS 1.2 cipher suites by name.
	CipherSuites []string `yaml:"cipher_suites"`

	// MaxConnections bounds concurrently accepted connections.
	// Default: 10000
	MaxConnections int `yaml:"max_connections"`

	// MaxHeaderBytes bounds request header size; larger headers get 431.
	// Default: 8192
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// ReadHeaderTimeout bounds reading request headers (and the TLS handshake).
	// Default: 10s
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// IdleTimeout is how long a keep-alive client connection may sit idle.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// KeepAlive enables TCP keep-alive probes on accepted sockets.
	// Default: true
	KeepAlive *bool `yaml:"keep_alive"`

	// SoBacklog is recorded for compatibility; the kernel backlog is used.
	// Default: 128
	SoBacklog int `yaml:"so_backlog"`

	// KeepAliveIdle is the idle time before the first TCP keep-alive probe.
	// Default: 300s
	KeepAliveIdle time.Duration `yaml:"keep_alive_idle"`

	// KeepAliveInterval is the interval between TCP keep-alive probes.
	// Default: 60s
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// KeepAliveCount is the number of unanswered probes before the socket is dropped.
	// Default: 8
	KeepAliveCount int `yaml:"keep_alive_count"`

	// MaxKeepAliveRequests caps requests served per client connection.
	// -1 means unlimited. Default: 1000
	MaxKeepAliveRequests int `yaml:"max_keep_alive_requests"`

	// ProxyProtocol expects a PROXY protocol header on accepted connections.
	ProxyProtocol bool `yaml:"proxy_protocol"`
}

// Address returns the host:port the listener binds.
func (l ListenerConfig) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// KeepAliveEnabled reports whether TCP keep-alive is on, defaulting to true.
func (l ListenerConfig) KeepAliveEnabled() bool {
	return l.KeepAlive == nil || *l.KeepAlive
}

// CertificatesConfig holds per-hostname certificates.
type CertificatesConfig struct {
	// Entries lists certificate files per hostname. Hostname "*" is the
	// default certificate; "*.example.com" matches one subdomain level.
	Entries []CertificateConfig `yaml:"entries"`

	// ReloadInterval is how often certificate files are checked for changes.
	// Default: 1m
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// CertificateConfig is one hostname certificate entry.
type CertificateConfig struct {
	Hostname string `yaml:"hostname"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// BackendConfig describes one upstream server.
type BackendConfig struct {
	// ID uniquely identifies the backend.
	ID string `yaml:"id"`

	// Host and Port address the backend.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Weight is used by the weighted strategy. Default: 1
	Weight int `yaml:"weight"`

	// Enabled removes the backend from every director when false.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// ProbePath is the HTTP path used by the health prober. When empty the
	// prober only checks that a TCP connection can be opened.
	ProbePath string `yaml:"probe_path"`
}

// IsEnabled reports whether the backend is enabled, defaulting to true.
func (b BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// Address returns host:port.
func (b BackendConfig) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// DirectorConfig is a named backend group.
type DirectorConfig struct {
	ID       string   `yaml:"id"`
	Backends []string `yaml:"backends"`
}

// RouteConfig is one routing rule.
type RouteConfig struct {
	// ID uniquely identifies the route (case-insensitive).
	ID string `yaml:"id"`

	// Enabled skips the route when false. Default: true
	Enabled *bool `yaml:"enabled"`

	// Host matches the request host: exact name, "*.domain" wildcard, or
	// empty for any host.
	Host string `yaml:"host"`

	// Path is the path prefix, written as "/api/*" or "/api". Default: "/"
	Path string `yaml:"path"`

	// Action is "proxy" or "static". Default: "proxy"
	Action string `yaml:"action"`

	// Director names the backend group for proxy actions. Default: "*"
	Director string `yaml:"director"`

	// Timeout is the per-request deadline. Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// Retries is the number of failover attempts after the first one.
	// When unset, attempts are bounded by balancer.max_attempts only.
	Retries *int `yaml:"retries"`

	// Static response settings, used when Action is "static".
	StaticStatus      int    `yaml:"static_status"`
	StaticBody        string `yaml:"static_body"`
	StaticContentType string `yaml:"static_content_type"`
}

// IsEnabled reports whether the route is enabled, defaulting to true.
func (r RouteConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RetryCount returns the configured retries, or DefaultRouteRetries (-1)
// when unset.
func (r RouteConfig) RetryCount() int {
	if r.Retries == nil {
		return DefaultRouteRetries
	}
	return *r.Retries
}

// BalancerConfig selects the backend selection policy.
type BalancerConfig struct {
	// Strategy is one of "round-robin", "weighted", "random",
	// "least-connections". Default: "round-robin"
	Strategy string `yaml:"strategy"`

	// MaxAttempts caps attempts per request for routes without their own
	// retries. Default: 0, every backend of the director once.
	MaxAttempts int `yaml:"max_attempts"`
}

// HealthCheckConfig configures active probing of backends.
type HealthCheckConfig struct {
	// Interval between probes of one backend. Default: 10s
	Interval time.Duration `yaml:"interval"`

	// Timeout bounds a single probe. Default: 2s
	Timeout time.Duration `yaml:"timeout"`

	// FailureThreshold is the number of consecutive failures that mark a
	// backend DOWN. Default: 3
	FailureThreshold int `yaml:"failure_threshold"`

	// Tolerant offers DOWN backends for selection when no backend is UP.
	Tolerant bool `yaml:"tolerant"`

	// Disabled turns off active probing; outcomes still drive health.
	Disabled bool `yaml:"disabled"`
}

// PoolConfig configures backend connection pooling.
type PoolConfig struct {
	// MaxPerBackend bounds open connections per backend. Default: 64
	MaxPerBackend int `yaml:"max_per_backend"`

	// MaxTotal bounds open connections across backends. Default: 1024
	MaxTotal int `yaml:"max_total"`

	// IdleTimeout closes idle pooled connections older than this. Default: 60s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// AcquireTimeout bounds waiting for a free slot. Default: 5s
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// DialTimeout bounds connecting to a backend. Default: 3s
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// BufferSize is the streaming copy buffer size in bytes. Default: 32768
	BufferSize int `yaml:"buffer_size"`
}

// AdminConfig configures the admin HTTP interface.
type AdminConfig struct {
	// ListenAddress is where the admin interface listens.
	// Default: "127.0.0.1:8001"
	ListenAddress string `yaml:"listen_address"`

	// Disabled turns the admin interface off.
	Disabled bool `yaml:"disabled"`
}

// EventsConfig configures the observability event sink.
type EventsConfig struct {
	// Enabled turns on event recording to storage.
	Enabled bool `yaml:"enabled"`

	// Backend is "memory" or "sqlite". Default: "memory"
	Backend string `yaml:"backend"`

	// BufferSize is the recorder channel capacity. Default: 1000
	BufferSize int `yaml:"buffer_size"`

	// WriteTimeout bounds one storage write. Default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MemoryMaxEvents bounds the memory backend. Default: 10000
	MemoryMaxEvents int `yaml:"memory_max_events"`

	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Retention RetentionConfig `yaml:"retention"`
}

// SQLiteConfig configures the SQLite event store.
type SQLiteConfig struct {
	// Path to the database file. Default: "data/events.db"
	Path string `yaml:"path"`

	// Driver is "sqlite3" (cgo) or "sqlite" (pure Go). Default: "sqlite3"
	Driver string `yaml:"driver"`

	// MaxOpenConns. Default: 10
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns. Default: 5
	MaxIdleConns int `yaml:"max_idle_conns"`

	// BusyTimeout. Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// RetentionConfig controls pruning of stored events.
type RetentionConfig struct {
	// Days keeps events newer than this many days. 0 keeps everything.
	// Default: 7
	Days int `yaml:"days"`

	// MaxEvents caps stored events. 0 is unlimited.
	MaxEvents int64 `yaml:"max_events"`

	// Schedule is a standard cron expression. Default: "0 3 * * *"
	Schedule string `yaml:"schedule"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	Logging LoggingConfig        `yaml:"logging"`
	Metrics MetricsConfig        `yaml:"metrics"`
	Tracing TracingConfig        `yaml:"tracing"`
	Health  HealthEndpointConfig `yaml:"health"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error". Default: "info"
	Level string `yaml:"level"`

	// Format is "json" or "text". Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	AddSource bool `yaml:"add_source"`

	// RedactHeaders lists extra header names masked in debug logs.
	RedactHeaders []string `yaml:"redact_headers"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Disabled turns Prometheus metrics off.
	Disabled bool `yaml:"disabled"`

	// Path served on the admin interface. Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix. Default: "carapace"
	Namespace string `yaml:"namespace"`

	// Subsystem is the metric subsystem name. Default: "proxy"
	Subsystem string `yaml:"subsystem"`

	// RequestDurationBuckets are histogram buckets in seconds.
	RequestDurationBuckets []float64 `yaml:"request_duration_buckets"`

	// MaxBackendLabels bounds the number of distinct backend label values.
	// Default: 1000
	MaxBackendLabels int `yaml:"max_backend_labels"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether spans are exported.
	Enabled bool `yaml:"enabled"`

	// Sampler is "always", "never", "ratio" or "parent". Default: "parent"
	Sampler string `yaml:"sampler"`

	// SampleRatio is used by the ratio sampler. Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint"`

	// ServiceName in exported resources. Default: "carapace"
	ServiceName string `yaml:"service_name"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure"`

	// Timeout for exports. Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// HealthEndpointConfig configures the admin health endpoints.
type HealthEndpointConfig struct {
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
	VersionPath   string `yaml:"version_path"`

	// CheckTimeout bounds each readiness check. Default: 5s
	CheckTimeout time.Duration `yaml:"check_timeout"`

	// MinHealthyBackends is the number of UP backends required for
	// readiness. Default: 1
	MinHealthyBackends int `yaml:"min_healthy_backends"`
}
