package pool

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"carapaceproxy/carapace/pkg/events"
)

// Pool defaults.
const (
	DefaultMaxPerBackend  = 64
	DefaultMaxTotal       = 1024
	DefaultIdleTimeout    = 60 * time.Second
	DefaultAcquireTimeout = 5 * time.Second
	DefaultDialTimeout    = 3 * time.Second
)

// Config bounds a Pool.
type Config struct {
	// MaxPerBackend bounds open connections (idle and borrowed) per backend.
	MaxPerBackend int

	// MaxTotal bounds open connections across all backends.
	MaxTotal int

	// IdleTimeout is how long an idle connection may wait for reuse.
	IdleTimeout time.Duration

	// AcquireTimeout is used when Acquire is called with a zero timeout.
	AcquireTimeout time.Duration

	// DialTimeout bounds establishing one connection.
	DialTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPerBackend <= 0 {
		c.MaxPerBackend = DefaultMaxPerBackend
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = DefaultMaxTotal
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
}

// Dialer establishes backend connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Target identifies the backend to connect to.
type Target struct {
	ID      string
	Address string
}

type backendPool struct {
	id      string
	idle    []*Conn
	open    int
	inUse   int
	waiters int
	dials   int64
	reuses  int64
	retired bool
}

// Pool is a bounded set of backend connections. It is safe for concurrent
// use.
type Pool struct {
	dialer Dialer
	sink   events.Sink
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	config   Config
	backends map[string]*backendPool
	total    int
	waiters  int
	// wake is closed and replaced whenever a slot or idle connection frees.
	wake   chan struct{}
	closed bool

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// New creates a pool and starts its idle reaper. A nil dialer uses a
// net.Dialer with TCP keep-alive; a nil sink discards events.
func New(config Config, dialer Dialer, sink events.Sink) *Pool {
	config.applyDefaults()
	if dialer == nil {
		dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	if sink == nil {
		sink = events.Discard
	}

	p := &Pool{
		dialer:     dialer,
		sink:       sink,
		logger:     slog.Default().With("component", "pool"),
		now:        time.Now,
		config:     config,
		backends:   make(map[string]*backendPool),
		wake:       make(chan struct{}),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// UpdateConfig changes limits and timeouts. Lowering a limit does not close
// borrowed connections; the pool shrinks as they are returned.
func (p *Pool) UpdateConfig(config Config) {
	config.applyDefaults()

	p.mu.Lock()
	p.config = config
	p.trimIdleLocked()
	p.broadcastLocked()
	p.mu.Unlock()
}

// Acquire borrows a connection to target. It reuses the most recently
// released idle connection, dials when both the per-backend and global
// limits allow, and otherwise waits. A wait that outlives timeout (or
// Config.AcquireTimeout when timeout is zero) or ctx returns a
// *TimeoutError. A failed dial returns a *DialError.
func (p *Pool) Acquire(ctx context.Context, target Target, timeout time.Duration) (*Conn, error) {
	p.mu.Lock()
	if timeout <= 0 {
		timeout = p.config.AcquireTimeout
	}
	p.mu.Unlock()

	start := p.now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	saturated := false
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		bp := p.backendLocked(target.ID)

		if c := p.takeIdleLocked(bp); c != nil {
			p.mu.Unlock()
			if c.stale() {
				p.Discard(c)
				continue
			}
			return c, nil
		}

		if bp.open < p.config.MaxPerBackend && p.total >= p.config.MaxTotal {
			// Global limit reached: close another backend's idle
			// connection to make room.
			p.evictIdleLocked(bp)
		}

		if bp.open < p.config.MaxPerBackend && p.total < p.config.MaxTotal {
			bp.open++
			bp.inUse++
			bp.dials++
			p.total++
			dialTimeout := p.config.DialTimeout
			p.mu.Unlock()
			return p.dial(waitCtx, target, bp, dialTimeout)
		}

		wake := p.wake
		bp.waiters++
		p.waiters++
		event := events.Event{
			Kind:     events.KindPoolSaturated,
			Backend:  target.ID,
			InUse:    bp.inUse,
			Capacity: p.config.MaxPerBackend,
			Waiters:  bp.waiters,
		}
		if bp.open < p.config.MaxPerBackend {
			// Blocked on the global limit.
			event.InUse = p.total
			event.Capacity = p.config.MaxTotal
		}
		p.mu.Unlock()

		if !saturated {
			saturated = true
			p.sink.Emit(event)
			p.logger.Debug("pool saturated, waiting",
				"backend", target.ID,
				"in_use", event.InUse,
				"waiters", event.Waiters,
			)
		}

		var waitErr error
		select {
		case <-wake:
		case <-waitCtx.Done():
			waitErr = waitCtx.Err()
		}

		p.mu.Lock()
		bp.waiters--
		p.waiters--
		p.mu.Unlock()

		if waitErr != nil {
			if err := ctx.Err(); err != nil {
				waitErr = err
			}
			return nil, &TimeoutError{Backend: target.ID, Waited: p.now().Sub(start), Cause: waitErr}
		}
	}
}

func (p *Pool) dial(ctx context.Context, target Target, bp *backendPool, timeout time.Duration) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nc, err := p.dialer.DialContext(dialCtx, "tcp", target.Address)
	if err != nil {
		p.mu.Lock()
		bp.open--
		bp.inUse--
		p.total--
		p.broadcastLocked()
		p.mu.Unlock()
		return nil, &DialError{Backend: target.ID, Addr: target.Address, Err: err}
	}

	p.mu.Lock()
	c := newConn(nc, target.ID, bp, p.now())
	p.mu.Unlock()
	return c, nil
}

func (p *Pool) backendLocked(id string) *backendPool {
	bp, ok := p.backends[id]
	if !ok {
		bp = &backendPool{id: id}
		p.backends[id] = bp
	}
	return bp
}

// takeIdleLocked pops the most recently used idle connection that is still
// usable, closing expired or dirty ones along the way.
func (p *Pool) takeIdleLocked(bp *backendPool) *Conn {
	now := p.now()
	for len(bp.idle) > 0 {
		c := bp.idle[len(bp.idle)-1]
		bp.idle[len(bp.idle)-1] = nil
		bp.idle = bp.idle[:len(bp.idle)-1]

		// Unread bytes on an idle connection mean the backend sent
		// something outside an exchange; the stream is unusable.
		if now.Sub(c.lastUsed) > p.config.IdleTimeout || c.reader.Buffered() > 0 {
			p.closeLocked(c)
			continue
		}

		c.state = stateBorrowed
		c.lastUsed = now
		c.uses++
		bp.inUse++
		bp.reuses++
		return c
	}
	return nil
}

// evictIdleLocked closes the least recently used idle connection of a
// backend other than except.
func (p *Pool) evictIdleLocked(except *backendPool) bool {
	var victim *Conn
	for _, bp := range p.backends {
		if bp == except || len(bp.idle) == 0 {
			continue
		}
		if c := bp.idle[0]; victim == nil || c.lastUsed.Before(victim.lastUsed) {
			victim = c
		}
	}
	if victim == nil {
		return false
	}
	removeIdle(victim.bp, victim)
	p.closeLocked(victim)
	return true
}

// Release returns a borrowed connection for reuse. Releasing a connection
// that is not borrowed is a no-op.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c.state != stateBorrowed {
		return
	}
	bp := c.bp
	bp.inUse--

	if p.closed || bp.retired || bp.open > p.config.MaxPerBackend || p.total > p.config.MaxTotal {
		p.closeLocked(c)
	} else {
		c.state = stateIdle
		c.lastUsed = p.now()
		bp.idle = append(bp.idle, c)
	}
	p.broadcastLocked()
}

// Discard closes a borrowed connection and frees its slot. The connection
// is never handed out again. Discarding twice is a no-op.
func (p *Pool) Discard(c *Conn) {
	if c == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c.state != stateBorrowed {
		return
	}
	c.bp.inUse--
	p.closeLocked(c)
	p.broadcastLocked()
}

// closeLocked closes c and frees its slot. c must not be in an idle list.
func (p *Pool) closeLocked(c *Conn) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.bp.open--
	p.total--
	_ = c.conn.Close()
}

func removeIdle(bp *backendPool, c *Conn) {
	for i, ic := range bp.idle {
		if ic == c {
			copy(bp.idle[i:], bp.idle[i+1:])
			bp.idle[len(bp.idle)-1] = nil
			bp.idle = bp.idle[:len(bp.idle)-1]
			return
		}
	}
}

func (p *Pool) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// trimIdleLocked closes idle connections above the current limits.
func (p *Pool) trimIdleLocked() {
	for _, bp := range p.backends {
		for bp.open > p.config.MaxPerBackend && len(bp.idle) > 0 {
			c := bp.idle[0]
			removeIdle(bp, c)
			p.closeLocked(c)
		}
	}
	for p.total > p.config.MaxTotal && p.evictIdleLocked(nil) {
	}
}

// InUse returns the number of borrowed connections to a backend.
func (p *Pool) InUse(backendID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bp, ok := p.backends[backendID]; ok {
		return bp.inUse
	}
	return 0
}

// CloseBackend closes idle connections to a backend and arranges for its
// borrowed connections to be closed when returned. Used when a backend is
// removed or re-addressed.
func (p *Pool) CloseBackend(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bp, ok := p.backends[id]
	if !ok {
		return
	}
	delete(p.backends, id)
	bp.retired = true
	for len(bp.idle) > 0 {
		c := bp.idle[len(bp.idle)-1]
		bp.idle = bp.idle[:len(bp.idle)-1]
		p.closeLocked(c)
	}
	p.broadcastLocked()
	p.logger.Debug("backend connections closed", "backend", id, "borrowed", bp.inUse)
}

// CloseIdle closes the idle connections to a backend and returns how many
// it closed. Borrowed connections are untouched.
func (p *Pool) CloseIdle(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	bp, ok := p.backends[id]
	if !ok {
		return 0
	}
	n := len(bp.idle)
	for len(bp.idle) > 0 {
		c := bp.idle[len(bp.idle)-1]
		bp.idle = bp.idle[:len(bp.idle)-1]
		p.closeLocked(c)
	}
	if n > 0 {
		p.broadcastLocked()
	}
	return n
}

// Close closes idle connections, stops the reaper and fails waiting and
// future Acquire calls. Borrowed connections are closed when returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, bp := range p.backends {
		for len(bp.idle) > 0 {
			c := bp.idle[len(bp.idle)-1]
			bp.idle = bp.idle[:len(bp.idle)-1]
			p.closeLocked(c)
		}
	}
	p.broadcastLocked()
	p.mu.Unlock()

	close(p.stopReaper)
	<-p.reaperDone
	return nil
}

func (p *Pool) reapLoop() {
	defer close(p.reaperDone)

	p.mu.Lock()
	interval := p.config.IdleTimeout / 2
	p.mu.Unlock()
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			if n := p.ReapIdle(); n > 0 {
				p.logger.Debug("closed idle connections", "count", n)
			}
		}
	}
}

// ReapIdle closes idle connections unused for longer than the idle timeout
// and returns how many it closed.
func (p *Pool) ReapIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	closed := 0
	for _, bp := range p.backends {
		kept := bp.idle[:0]
		var expired []*Conn
		for _, c := range bp.idle {
			if now.Sub(c.lastUsed) > p.config.IdleTimeout {
				expired = append(expired, c)
			} else {
				kept = append(kept, c)
			}
		}
		for i := len(kept); i < len(bp.idle); i++ {
			bp.idle[i] = nil
		}
		bp.idle = kept
		for _, c := range expired {
			p.closeLocked(c)
			closed++
		}
	}
	if closed > 0 {
		p.broadcastLocked()
	}
	return closed
}
