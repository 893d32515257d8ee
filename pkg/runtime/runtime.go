package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"carapaceproxy/carapace/pkg/backends"
	"carapaceproxy/carapace/pkg/config"
	"carapaceproxy/carapace/pkg/events"
	"carapaceproxy/carapace/pkg/events/recorder"
	"carapaceproxy/carapace/pkg/events/retention"
	"carapaceproxy/carapace/pkg/events/storage"
	"carapaceproxy/carapace/pkg/pool"
	"carapaceproxy/carapace/pkg/proxy"
	"carapaceproxy/carapace/pkg/routing"
	"carapaceproxy/carapace/pkg/routing/strategies"
	tlsstore "carapaceproxy/carapace/pkg/security/tls"
	"carapaceproxy/carapace/pkg/telemetry/health"
	"carapaceproxy/carapace/pkg/telemetry/metrics"
	"carapaceproxy/carapace/pkg/telemetry/tracing"
)

// Runtime owns every long-lived component of a running proxy and applies
// configuration snapshots to them.
type Runtime struct {
	Backends     *backends.Manager
	Prober       *backends.Prober
	Pool         *pool.Pool
	Router       *routing.Router
	Selector     *routing.Selector
	Certificates *tlsstore.Store
	Metrics      *metrics.Collector
	Health       *health.Checker
	Tracer       *tracing.Tracer
	Handler      *proxy.Handler

	// Events is the queryable event store. Nil when recording is disabled.
	Events events.Storage

	stats     *routing.AtomicRoutingStats
	recorder  *recorder.Recorder
	scheduler *retention.Scheduler
	logger    *slog.Logger

	unsubscribe func()
	watchDone   chan struct{}

	// mu serializes Apply; config is the last applied snapshot.
	mu      sync.Mutex
	config  *config.Config
	applied time.Time

	startOnce sync.Once
	closeOnce sync.Once
}

// New builds a runtime for cfg. cfg must already carry defaults; it is
// validated again here. version is reported in traces.
func New(cfg *config.Config, version string) (*Runtime, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	r := &Runtime{
		stats:  routing.NewAtomicRoutingStats(),
		logger: slog.Default().With("component", "runtime"),
	}

	tracer, err := tracing.New(&cfg.Telemetry.Tracing, version)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	r.Tracer = tracer

	certs, err := tlsstore.NewStore(cfg.Certificates)
	if err != nil {
		r.Tracer.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to load certificates: %w", err)
	}
	r.Certificates = certs

	if err := r.openEvents(&cfg.Events); err != nil {
		r.Tracer.Shutdown(context.Background())
		return nil, err
	}

	r.Metrics = metrics.NewCollector(&cfg.Telemetry.Metrics, prometheus.NewRegistry())
	sinks := []events.Sink{r.Metrics}
	if r.recorder != nil {
		sinks = append(sinks, r.recorder)
	}
	sink := events.Multi(sinks...)

	r.Backends = backends.NewManager(backends.ManagerConfig{
		FailureThreshold: cfg.Health.FailureThreshold,
	}, sink)
	r.Prober = backends.NewProber(r.Backends, proberConfig(cfg))
	r.Pool = pool.New(poolConfig(cfg), &net.Dialer{KeepAlive: 30 * time.Second}, sink)
	r.Metrics.RegisterPool(r.Pool)
	r.Metrics.RegisterBackends(r.Backends)

	table, err := routing.BuildTable(cfg)
	if err != nil {
		r.Close(context.Background())
		return nil, fmt.Errorf("failed to build route table: %w", err)
	}
	r.Router = routing.NewRouter(table, r.stats)

	selectorCfg, err := r.selectorConfig(cfg)
	if err != nil {
		r.Close(context.Background())
		return nil, err
	}
	r.Selector = routing.NewSelector(selectorCfg, r.stats)

	defs, groups := definitions(cfg)
	r.Backends.Load(defs, groups)

	handler, err := proxy.NewHandler(proxy.Options{
		Router:         r.Router,
		Backends:       r.Backends,
		Selector:       r.Selector,
		Pool:           r.Pool,
		Sink:           sink,
		Tracer:         r.Tracer,
		BufferSize:     cfg.Pool.BufferSize,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
	})
	if err != nil {
		r.Close(context.Background())
		return nil, err
	}
	r.Handler = handler

	r.Health = health.New(cfg.Telemetry.Health.CheckTimeout)
	r.Health.RegisterCheck("backends", health.MinHealthyBackends(r.Backends, cfg.Telemetry.Health.MinHealthyBackends))

	r.config = cfg
	r.applied = time.Now()
	return r, nil
}

func (r *Runtime) openEvents(cfg *config.EventsConfig) error {
	if !cfg.Enabled {
		return nil
	}

	var store events.Storage
	switch cfg.Backend {
	case config.EventsBackendSQLite:
		s, err := storage.NewSQLiteStorage(storage.SQLiteConfig{
			Path:         cfg.SQLite.Path,
			Driver:       cfg.SQLite.Driver,
			MaxOpenConns: cfg.SQLite.MaxOpenConns,
			MaxIdleConns: cfg.SQLite.MaxIdleConns,
			BusyTimeout:  cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to open event store: %w", err)
		}
		store = s
	default:
		store = storage.NewMemoryStorage(cfg.MemoryMaxEvents)
	}

	r.Events = store
	r.recorder = recorder.New(store, &recorder.Config{
		BufferSize:   cfg.BufferSize,
		WriteTimeout: cfg.WriteTimeout,
	})
	r.scheduler = retention.NewScheduler(retention.NewPruner(store, retention.Config{
		RetentionDays: cfg.Retention.Days,
		MaxEvents:     cfg.Retention.MaxEvents,
		Schedule:      cfg.Retention.Schedule,
	}))
	return nil
}

// Start launches background work: health probing, the health watcher,
// certificate reloads and event retention. Work stops when ctx is
// cancelled or Close is called.
func (r *Runtime) Start(ctx context.Context) error {
	var err error
	r.startOnce.Do(func() {
		cfg := r.Config()
		if !cfg.Health.Disabled {
			r.Prober.Start(ctx)
		}
		changes, unsubscribe := r.Backends.Subscribe(64)
		r.unsubscribe = unsubscribe
		r.watchDone = make(chan struct{})
		go r.watchHealth(ctx, changes)

		r.Certificates.Start(ctx)
		if r.scheduler != nil {
			err = r.scheduler.Start(ctx)
		}
		r.logger.Info("runtime started",
			"backends", len(cfg.Backends),
			"routes", len(cfg.Routes),
			"probing", !cfg.Health.Disabled,
		)
	})
	return err
}

// watchHealth closes idle connections to backends that went DOWN: they
// most likely point at a dead peer.
func (r *Runtime) watchHealth(ctx context.Context, changes <-chan backends.HealthChange) {
	defer close(r.watchDone)
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.To != backends.StateDown {
				continue
			}
			if n := r.Pool.CloseIdle(c.Backend); n > 0 {
				r.logger.Info("closed idle connections to down backend", "backend", c.Backend, "count", n)
			}
		}
	}
}

// Apply replaces the running configuration. Every fallible step runs
// before anything is swapped, so a rejected snapshot leaves the previous
// one fully in place. In-flight sessions finish on the table they matched.
func (r *Runtime) Apply(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	table, err := routing.BuildTable(cfg)
	if err != nil {
		return fmt.Errorf("failed to build route table: %w", err)
	}
	selectorCfg, err := r.selectorConfig(cfg)
	if err != nil {
		return err
	}
	if err := r.Certificates.Update(cfg.Certificates.Entries); err != nil {
		return fmt.Errorf("failed to load certificates: %w", err)
	}

	defs, groups := definitions(cfg)
	removed := removedBackends(r.config, defs)

	r.Backends.SetFailureThreshold(cfg.Health.FailureThreshold)
	r.Backends.Load(defs, groups)
	for _, id := range removed {
		r.Pool.CloseBackend(id)
	}
	r.Prober.SetConfig(proberConfig(cfg))
	r.Prober.Refresh()
	r.Selector.Update(selectorCfg)
	r.Pool.UpdateConfig(poolConfig(cfg))
	r.Router.Reload(table)

	r.config = cfg
	r.applied = time.Now()
	r.logger.Info("configuration applied",
		"backends", len(defs),
		"routes", table.Len(),
		"removed_backends", len(removed),
		"strategy", selectorCfg.Strategy.Name(),
	)
	return nil
}

// Config returns the last applied configuration. Callers must not modify it.
func (r *Runtime) Config() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// AppliedAt returns when the current configuration was applied.
func (r *Runtime) AppliedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied
}

// Stats returns routing counters.
func (r *Runtime) Stats() *routing.RoutingStats {
	return r.stats.Snapshot()
}

// Close stops background work and releases resources. Pending events are
// flushed before the event store is closed.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	r.closeOnce.Do(func() {
		if r.Prober != nil {
			r.Prober.Stop()
		}
		if r.unsubscribe != nil {
			r.unsubscribe()
			<-r.watchDone
		}
		if r.Pool != nil {
			if err := r.Pool.Close(); err != nil {
				errs = append(errs, fmt.Errorf("pool: %w", err))
			}
		}
		if r.scheduler != nil {
			r.scheduler.Stop()
		}
		if r.recorder != nil {
			if err := r.recorder.Close(); err != nil {
				errs = append(errs, fmt.Errorf("event recorder: %w", err))
			}
		}
		if r.Events != nil {
			if err := r.Events.Close(); err != nil {
				errs = append(errs, fmt.Errorf("event store: %w", err))
			}
		}
		if r.Tracer != nil {
			if err := r.Tracer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

func (r *Runtime) selectorConfig(cfg *config.Config) (routing.SelectorConfig, error) {
	strategy, err := strategies.New(cfg.Balancer.Strategy, r.Pool)
	if err != nil {
		return routing.SelectorConfig{}, err
	}
	return routing.SelectorConfig{
		Strategy:    strategy,
		MaxAttempts: cfg.Balancer.MaxAttempts,
		Tolerant:    cfg.Health.Tolerant,
	}, nil
}

// definitions converts enabled backends and directors. Disabled backends
// are dropped from every group; a "*" member expands to every enabled
// backend.
func definitions(cfg *config.Config) ([]backends.Definition, map[string][]string) {
	defs := make([]backends.Definition, 0, len(cfg.Backends))
	enabled := make(map[string]bool, len(cfg.Backends))
	for _, b := range cfg.Backends {
		if !b.IsEnabled() {
			continue
		}
		enabled[b.ID] = true
		defs = append(defs, backends.Definition{
			ID:        b.ID,
			Host:      b.Host,
			Port:      b.Port,
			Weight:    b.Weight,
			ProbePath: b.ProbePath,
		})
	}

	groups := make(map[string][]string, len(cfg.Directors))
	for _, d := range cfg.Directors {
		members := make([]string, 0, len(d.Backends))
		for _, id := range d.Backends {
			if id == config.DefaultDirector {
				for _, def := range defs {
					members = append(members, def.ID)
				}
				continue
			}
			if enabled[id] {
				members = append(members, id)
			}
		}
		groups[d.ID] = members
	}
	return defs, groups
}

func removedBackends(prev *config.Config, next []backends.Definition) []string {
	if prev == nil {
		return nil
	}
	keep := make(map[string]string, len(next))
	for _, d := range next {
		keep[d.ID] = d.Address()
	}
	var removed []string
	for _, b := range prev.Backends {
		addr, ok := keep[b.ID]
		if !ok || addr != b.Address() {
			removed = append(removed, b.ID)
		}
	}
	return removed
}

func proberConfig(cfg *config.Config) backends.ProberConfig {
	return backends.ProberConfig{
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
	}
}

func poolConfig(cfg *config.Config) pool.Config {
	return pool.Config{
		MaxPerBackend:  cfg.Pool.MaxPerBackend,
		MaxTotal:       cfg.Pool.MaxTotal,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		DialTimeout:    cfg.Pool.DialTimeout,
	}
}
