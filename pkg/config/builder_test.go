package config

import "time"

// ConfigBuilder provides a fluent API for building Config instances in tests.
// It starts from a valid two-backend configuration.
type ConfigBuilder struct {
	cfg Config
}

// NewTestConfig creates a ConfigBuilder holding a valid configuration with
// backends a and b in director "api" and a catch-all static route.
func NewTestConfig() *ConfigBuilder {
	cfg := Config{
		Listeners: []ListenerConfig{{Host: "127.0.0.1", Port: 8080}},
		Backends: []BackendConfig{
			{ID: "a", Host: "127.0.0.1", Port: 9001},
			{ID: "b", Host: "127.0.0.1", Port: 9002},
		},
		Directors: []DirectorConfig{{ID: "api", Backends: []string{"a", "b"}}},
		Routes: []RouteConfig{
			{ID: "api", Path: "/api/*", Director: "api"},
			{ID: "default", Path: "/", Action: ActionStatic, StaticStatus: 404},
		},
	}
	ApplyDefaults(&cfg)
	return &ConfigBuilder{cfg: cfg}
}

// Build returns the built Config instance.
func (b *ConfigBuilder) Build() *Config {
	return &b.cfg
}

func (b *ConfigBuilder) WithBackend(backend BackendConfig) *ConfigBuilder {
	if backend.Weight == 0 {
		backend.Weight = DefaultBackendWeight
	}
	b.cfg.Backends = append(b.cfg.Backends, backend)
	return b
}

func (b *ConfigBuilder) WithRoute(route RouteConfig) *ConfigBuilder {
	applyRouteDefaults(&route)
	b.cfg.Routes = append(b.cfg.Routes, route)
	return b
}

func (b *ConfigBuilder) WithStrategy(strategy string) *ConfigBuilder {
	b.cfg.Balancer.Strategy = strategy
	return b
}

func (b *ConfigBuilder) WithHealthInterval(d time.Duration) *ConfigBuilder {
	b.cfg.Health.Interval = d
	return b
}

func (b *ConfigBuilder) WithPoolLimits(perBackend, total int) *ConfigBuilder {
	b.cfg.Pool.MaxPerBackend = perBackend
	b.cfg.Pool.MaxTotal = total
	return b
}
