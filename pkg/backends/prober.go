package backends

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Prober defaults.
const (
	DefaultProbeInterval = 10 * time.Second
	DefaultProbeTimeout  = 2 * time.Second
	maxProbeBackoff      = 5 * time.Minute
)

// ProberConfig configures active health checks.
type ProberConfig struct {
	// Interval between probes of one healthy backend.
	Interval time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration
}

// Prober runs one probe goroutine per backend. Results flow into the
// Manager through RecordProbe; probe failures are never returned to callers.
type Prober struct {
	manager *Manager
	config  ProberConfig
	client  *http.Client
	dialer  *net.Dialer
	logger  *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers map[string]*probeWorker
	wg      sync.WaitGroup
}

type probeWorker struct {
	def    Definition
	cancel context.CancelFunc
}

// NewProber creates a prober feeding m.
func NewProber(m *Manager, config ProberConfig) *Prober {
	if config.Interval <= 0 {
		config.Interval = DefaultProbeInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultProbeTimeout
	}

	// Probe deadlines come from the per-check context.
	dialer := &net.Dialer{}
	transport := &http.Transport{
		DialContext:       dialer.DialContext,
		DisableKeepAlives: true,
	}

	return &Prober{
		manager: m,
		config:  config,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer:  dialer,
		logger:  slog.Default().With("component", "backends.prober"),
		workers: make(map[string]*probeWorker),
	}
}

// SetConfig changes interval and timeout for workers started afterwards.
// Call Refresh to apply it to running workers.
func (p *Prober) SetConfig(config ProberConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if config.Interval > 0 {
		p.config.Interval = config.Interval
	}
	if config.Timeout > 0 {
		p.config.Timeout = config.Timeout
	}
	// Restart every worker on the next Refresh.
	for id, w := range p.workers {
		w.cancel()
		delete(p.workers, id)
	}
}

// Start launches probe workers for the current backend set. Workers stop
// when ctx is cancelled or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.Refresh()
	p.logger.Info("health prober started")
}

// Refresh reconciles workers with the manager's backend set: workers for
// removed or re-addressed backends stop, new backends get a worker.
func (p *Prober) Refresh() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil || p.ctx.Err() != nil {
		return
	}

	current := make(map[string]Definition)
	for _, b := range p.manager.Snapshot() {
		current[b.ID] = b.Definition
	}

	for id, w := range p.workers {
		if def, ok := current[id]; !ok || def != w.def {
			w.cancel()
			delete(p.workers, id)
		}
	}

	for id, def := range current {
		if _, ok := p.workers[id]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(p.ctx)
		p.workers[id] = &probeWorker{def: def, cancel: cancel}
		p.wg.Add(1)
		go p.run(ctx, def, p.config)
	}
}

// Stop stops every worker and waits for them to exit. The prober may be
// started again afterwards.
func (p *Prober) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.ctx, p.cancel = nil, nil
	p.workers = make(map[string]*probeWorker)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("health prober stopped")
}

func (p *Prober) run(ctx context.Context, def Definition, config ProberConfig) {
	defer p.wg.Done()

	// Probe immediately so a dead backend is marked DOWN before traffic
	// reaches it.
	p.probe(ctx, def, config.Timeout)

	timer := time.NewTimer(p.nextDelay(def.ID, config.Interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.probe(ctx, def, config.Timeout)
			timer.Reset(p.nextDelay(def.ID, config.Interval))
		}
	}
}

// nextDelay returns the base interval while the backend is not DOWN, and an
// exponential backoff once it is.
func (p *Prober) nextDelay(id string, interval time.Duration) time.Duration {
	b, ok := p.manager.Get(id)
	if !ok || b.Health != StateDown {
		return interval
	}
	return calculateBackoff(b.ConsecutiveFailures-p.manager.failureThreshold()+1, interval)
}

func (p *Prober) probe(ctx context.Context, def Definition, timeout time.Duration) {
	if ctx.Err() != nil {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := p.Check(checkCtx, def)
	if ctx.Err() != nil {
		// Shutdown, not a backend failure.
		return
	}

	p.manager.RecordProbe(def.ID, err)
	if err != nil {
		p.logger.Debug("health probe failed",
			"backend", def.ID,
			"address", def.Address(),
			"error", err,
			"latency", time.Since(start),
		)
	}
}

// Check performs one probe of def: an HTTP GET of ProbePath when set
// (any status below 400 passes), otherwise a TCP connect.
func (p *Prober) Check(ctx context.Context, def Definition) error {
	if def.ProbePath == "" {
		conn, err := p.dialer.DialContext(ctx, "tcp", def.Address())
		if err != nil {
			return err
		}
		return conn.Close()
	}

	url := "http://" + def.Address() + def.ProbePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "carapace-health-probe")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe %s returned status %d", def.ProbePath, resp.StatusCode)
	}
	return nil
}

// calculateBackoff returns base * 2^steps, capped at 10x base and 5 minutes.
func calculateBackoff(steps int, base time.Duration) time.Duration {
	if steps <= 0 {
		return base
	}

	multiplier := 10
	if steps < 4 {
		multiplier = 1 << uint(steps)
	}

	backoff := base * time.Duration(multiplier)
	if backoff > maxProbeBackoff {
		backoff = maxProbeBackoff
	}
	return backoff
}
