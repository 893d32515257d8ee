// Package config loads, validates and publishes the proxy configuration.
//
// Configuration is read from YAML, completed with defaults (defaults.go),
// optionally overridden from CARAPACE_* environment variables and validated
// as a whole. Validation collects every problem into a ValidationError:
//
//	configuration validation failed with 2 errors:
//	  - routes[1].director: unknown director "api"
//	  - backends[2].id: backend b1 is already configured
//
// A minimal configuration:
//
//	listeners:
//	  - port: 8080
//	backends:
//	  - {id: a, host: 10.0.0.1, port: 8080}
//	  - {id: b, host: 10.0.0.2, port: 8080}
//	directors:
//	  - {id: api, backends: [a, b]}
//	routes:
//	  - {id: api, path: "/api/*", director: api}
//	  - {id: default, path: "/", action: static, static_status: 404}
//
// The process-wide snapshot (Initialize, GetConfig, ReloadConfig) is
// replaced wholesale and never mutated after publication. Watcher triggers
// reloads when the file changes on disk.
package config
