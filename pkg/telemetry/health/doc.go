// Package health serves the liveness, readiness and version endpoints of
// the admin interface.
//
// Liveness answers 200 as long as the process serves HTTP. Readiness runs
// the registered checks concurrently, each bounded by the check timeout,
// and answers 503 when any fails or once shutdown started:
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.RegisterCheck("backends", health.MinHealthyBackends(manager, cfg.Telemetry.Health.MinHealthyBackends))
//	health.Register(mux, cfg.Telemetry.Health, checker, health.NewVersionInfo(version, commit, buildTime))
package health
