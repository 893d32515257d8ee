package testutil

import (
	"carapaceproxy/carapace/pkg/config"
)

// Config returns a valid configuration with defaults applied: backends a
// and b in director "api", route "api" on /api/* and a static 404 default.
func Config() *config.Config {
	cfg := &config.Config{
		Listeners: []config.ListenerConfig{{Host: "127.0.0.1", Port: 8080}},
		Backends: []config.BackendConfig{
			{ID: "a", Host: "127.0.0.1", Port: 9001},
			{ID: "b", Host: "127.0.0.1", Port: 9002},
		},
		Directors: []config.DirectorConfig{{ID: "api", Backends: []string{"a", "b"}}},
		Routes: []config.RouteConfig{
			{ID: "api", Path: "/api/*", Director: "api"},
			{ID: "default", Path: "/", Action: config.ActionStatic, StaticStatus: 404, StaticBody: "not found"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// ConfigFor returns Config with backends replaced by defs, all placed in
// director "api".
func ConfigFor(defs ...BackendAddr) *config.Config {
	cfg := Config()
	cfg.Backends = nil
	cfg.Directors[0].Backends = nil
	for _, d := range defs {
		cfg.Backends = append(cfg.Backends, config.BackendConfig{
			ID:     d.ID,
			Host:   d.Host,
			Port:   d.Port,
			Weight: config.DefaultBackendWeight,
		})
		cfg.Directors[0].Backends = append(cfg.Directors[0].Backends, d.ID)
	}
	return cfg
}

// BackendAddr names a backend and where it listens.
type BackendAddr struct {
	ID   string
	Host string
	Port int
}

// BackendAddr returns where the mock backend listens.
func (mb *MockBackend) BackendAddr() BackendAddr {
	host, port := SplitAddr(mb.Addr())
	return BackendAddr{ID: mb.ID, Host: host, Port: port}
}
