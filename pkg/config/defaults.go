package config

import "time"

// Default values for configuration fields.
const (
	DefaultShutdownTimeout = 30 * time.Second

	// Listener defaults
	DefaultListenerHost          = "0.0.0.0"
	DefaultDefaultCertificate    = "*"
	DefaultMinTLSVersion         = "1.2"
	DefaultMaxConnections        = 10000
	DefaultMaxHeaderBytes        = 8192
	DefaultReadHeaderTimeout     = 10 * time.Second
	DefaultListenerIdleTimeout   = 120 * time.Second
	DefaultSoBacklog             = 128
	DefaultKeepAliveIdle         = 300 * time.Second
	DefaultKeepAliveInterval     = 60 * time.Second
	DefaultKeepAliveCount        = 8
	DefaultMaxKeepAliveRequests  = 1000
	DefaultCertificateReloadTime = time.Minute

	// Backend and route defaults
	DefaultBackendWeight = 1
	DefaultDirector      = "*"
	DefaultRoutePath     = "/"
	DefaultRouteAction   = ActionProxy
	DefaultRouteTimeout  = 30 * time.Second
	DefaultRouteRetries  = -1
	DefaultStaticStatus  = 200

	// Balancer defaults
	DefaultBalancerStrategy = StrategyRoundRobin

	// Health defaults
	DefaultHealthInterval         = 10 * time.Second
	DefaultHealthTimeout          = 2 * time.Second
	DefaultHealthFailureThreshold = 3

	// Pool defaults
	DefaultPoolMaxPerBackend  = 64
	DefaultPoolMaxTotal       = 1024
	DefaultPoolIdleTimeout    = 60 * time.Second
	DefaultPoolAcquireTimeout = 5 * time.Second
	DefaultPoolDialTimeout    = 3 * time.Second
	DefaultPoolBufferSize     = 32 * 1024

	// Admin defaults
	DefaultAdminListenAddress = "127.0.0.1:8001"

	// Events defaults
	DefaultEventsBackend         = EventsBackendMemory
	DefaultEventsBufferSize      = 1000
	DefaultEventsWriteTimeout    = 5 * time.Second
	DefaultEventsMemoryMax       = 10000
	DefaultEventsSQLitePath      = "data/events.db"
	DefaultEventsSQLiteDriver    = "sqlite3"
	DefaultEventsSQLiteMaxOpen   = 10
	DefaultEventsSQLiteMaxIdle   = 5
	DefaultEventsSQLiteBusy      = 5 * time.Second
	DefaultEventsRetentionDays   = 7
	DefaultEventsRetentionPeriod = "0 3 * * *"

	// Telemetry defaults
	DefaultLoggingLevel       = "info"
	DefaultLoggingFormat      = "json"
	DefaultMetricsPath        = "/metrics"
	DefaultMetricsNamespace   = "carapace"
	DefaultMetricsSubsystem   = "proxy"
	DefaultMaxBackendLabels   = 1000
	DefaultTracingSampler     = "parent"
	DefaultTracingSampleRatio = 0.1
	DefaultTracingServiceName = "carapace"
	DefaultTracingTimeout     = 10 * time.Second
	DefaultLivenessPath       = "/health"
	DefaultReadinessPath      = "/ready"
	DefaultVersionPath        = "/version"
	DefaultHealthCheckTimeout = 5 * time.Second
	DefaultMinHealthyBackends = 1
)

// Route actions.
const (
	ActionProxy  = "proxy"
	ActionStatic = "static"
)

// Balancer strategies.
const (
	StrategyRoundRobin       = "round-robin"
	StrategyWeighted         = "weighted"
	StrategyRandom           = "random"
	StrategyLeastConnections = "least-connections"
)

// Event storage backends.
const (
	EventsBackendMemory = "memory"
	EventsBackendSQLite = "sqlite"
)

// DefaultRequestDurationBuckets are the histogram buckets for request latency.
var DefaultRequestDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	for i := range cfg.Listeners {
		applyListenerDefaults(&cfg.Listeners[i])
	}

	if cfg.Certificates.ReloadInterval == 0 {
		cfg.Certificates.ReloadInterval = DefaultCertificateReloadTime
	}

	for i := range cfg.Backends {
		if cfg.Backends[i].Weight == 0 {
			cfg.Backends[i].Weight = DefaultBackendWeight
		}
	}

	for i := range cfg.Routes {
		applyRouteDefaults(&cfg.Routes[i])
	}

	// Balancer defaults
	if cfg.Balancer.Strategy == "" {
		cfg.Balancer.Strategy = DefaultBalancerStrategy
	}

	// Health defaults
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = DefaultHealthInterval
	}
	if cfg.Health.Timeout == 0 {
		cfg.Health.Timeout = DefaultHealthTimeout
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = DefaultHealthFailureThreshold
	}

	// Pool defaults
	if cfg.Pool.MaxPerBackend == 0 {
		cfg.Pool.MaxPerBackend = DefaultPoolMaxPerBackend
	}
	if cfg.Pool.MaxTotal == 0 {
		cfg.Pool.MaxTotal = DefaultPoolMaxTotal
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = DefaultPoolIdleTimeout
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = DefaultPoolAcquireTimeout
	}
	if cfg.Pool.DialTimeout == 0 {
		cfg.Pool.DialTimeout = DefaultPoolDialTimeout
	}
	if cfg.Pool.BufferSize == 0 {
		cfg.Pool.BufferSize = DefaultPoolBufferSize
	}

	if cfg.Admin.ListenAddress == "" {
		cfg.Admin.ListenAddress = DefaultAdminListenAddress
	}

	applyEventsDefaults(&cfg.Events)
	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyListenerDefaults(l *ListenerConfig) {
	if l.Host == "" {
		l.Host = DefaultListenerHost
	}
	if l.Name == "" {
		l.Name = l.Address()
	}
	if l.DefaultCertificate == "" {
		l.DefaultCertificate = DefaultDefaultCertificate
	}
	if l.MinTLSVersion == "" {
		l.MinTLSVersion = DefaultMinTLSVersion
	}
	if l.MaxConnections == 0 {
		l.MaxConnections = DefaultMaxConnections
	}
	if l.MaxHeaderBytes == 0 {
		l.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if l.ReadHeaderTimeout == 0 {
		l.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if l.IdleTimeout == 0 {
		l.IdleTimeout = DefaultListenerIdleTimeout
	}
	if l.SoBacklog == 0 {
		l.SoBacklog = DefaultSoBacklog
	}
	if l.KeepAliveIdle == 0 {
		l.KeepAliveIdle = DefaultKeepAliveIdle
	}
	if l.KeepAliveInterval == 0 {
		l.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if l.KeepAliveCount == 0 {
		l.KeepAliveCount = DefaultKeepAliveCount
	}
	if l.MaxKeepAliveRequests == 0 {
		l.MaxKeepAliveRequests = DefaultMaxKeepAliveRequests
	}
}

func applyRouteDefaults(r *RouteConfig) {
	if r.Path == "" {
		r.Path = DefaultRoutePath
	}
	if r.Action == "" {
		r.Action = DefaultRouteAction
	}
	if r.Director == "" {
		r.Director = DefaultDirector
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultRouteTimeout
	}
	if r.Action == ActionStatic && r.StaticStatus == 0 {
		r.StaticStatus = DefaultStaticStatus
	}
}

func applyEventsDefaults(e *EventsConfig) {
	if e.Backend == "" {
		e.Backend = DefaultEventsBackend
	}
	if e.BufferSize == 0 {
		e.BufferSize = DefaultEventsBufferSize
	}
	if e.WriteTimeout == 0 {
		e.WriteTimeout = DefaultEventsWriteTimeout
	}
	if e.MemoryMaxEvents == 0 {
		e.MemoryMaxEvents = DefaultEventsMemoryMax
	}
	if e.SQLite.Path == "" {
		e.SQLite.Path = DefaultEventsSQLitePath
	}
	if e.SQLite.Driver == "" {
		e.SQLite.Driver = DefaultEventsSQLiteDriver
	}
	if e.SQLite.MaxOpenConns == 0 {
		e.SQLite.MaxOpenConns = DefaultEventsSQLiteMaxOpen
	}
	if e.SQLite.MaxIdleConns == 0 {
		e.SQLite.MaxIdleConns = DefaultEventsSQLiteMaxIdle
	}
	if e.SQLite.BusyTimeout == 0 {
		e.SQLite.BusyTimeout = DefaultEventsSQLiteBusy
	}
	if e.Retention.Days == 0 {
		e.Retention.Days = DefaultEventsRetentionDays
	}
	if e.Retention.Schedule == "" {
		e.Retention.Schedule = DefaultEventsRetentionPeriod
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLoggingLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLoggingFormat
	}

	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultMetricsPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if t.Metrics.Subsystem == "" {
		t.Metrics.Subsystem = DefaultMetricsSubsystem
	}
	if len(t.Metrics.RequestDurationBuckets) == 0 {
		t.Metrics.RequestDurationBuckets = append([]float64(nil), DefaultRequestDurationBuckets...)
	}
	if t.Metrics.MaxBackendLabels == 0 {
		t.Metrics.MaxBackendLabels = DefaultMaxBackendLabels
	}

	if t.Tracing.Sampler == "" {
		t.Tracing.Sampler = DefaultTracingSampler
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingServiceName
	}
	if t.Tracing.Timeout == 0 {
		t.Tracing.Timeout = DefaultTracingTimeout
	}

	if t.Health.LivenessPath == "" {
		t.Health.LivenessPath = DefaultLivenessPath
	}
	if t.Health.ReadinessPath == "" {
		t.Health.ReadinessPath = DefaultReadinessPath
	}
	if t.Health.VersionPath == "" {
		t.Health.VersionPath = DefaultVersionPath
	}
	if t.Health.CheckTimeout == 0 {
		t.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
	if t.Health.MinHealthyBackends == 0 {
		t.Health.MinHealthyBackends = DefaultMinHealthyBackends
	}
}
