package config

import (
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// current holds the process-wide configuration snapshot.
	current atomic.Pointer[Config]

	// initOnce guards Initialize.
	initOnce sync.Once

	// reloadMu serializes ReloadConfig so two reloads cannot interleave
	// their load and publish steps.
	reloadMu sync.Mutex
)

// Initialize loads configuration from path with environment overrides and
// publishes it as the process-wide snapshot. Only the first call has effect.
func Initialize(path string) error {
	var initErr error

	initOnce.Do(func() {
		cfg, err := LoadConfigWithEnvOverrides(path)
		if err != nil {
			initErr = err
			return
		}
		current.Store(cfg)
	})

	return initErr
}

// GetConfig returns the current configuration snapshot, or nil before
// Initialize or SetConfig. Callers must treat the result as read-only.
func GetConfig() *Config {
	return current.Load()
}

// SetConfig publishes cfg as the current snapshot.
func SetConfig(cfg *Config) {
	current.Store(cfg)
}

// ReloadConfig loads path again and publishes the result. On failure the
// previous snapshot stays in place and the error is returned.
func ReloadConfig(path string) (*Config, error) {
	reloadMu.Lock()
	defer reloadMu.Unlock()

	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return nil, fmt.Errorf("failed to reload configuration: %w", err)
	}

	current.Store(cfg)
	return cfg, nil
}

// MustGetConfig is GetConfig that panics when nothing was published.
func MustGetConfig() *Config {
	cfg := GetConfig()
	if cfg == nil {
		panic("configuration not initialized: call Initialize first")
	}
	return cfg
}

// resetForTesting clears the singleton state.
func resetForTesting() {
	current.Store(nil)
	initOnce = sync.Once{}
}
