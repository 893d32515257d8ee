package backends

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"carapaceproxy/carapace/pkg/events"
)

// AllBackends is the reserved group name that lists every backend.
const AllBackends = "*"

// DefaultFailureThreshold is used when ManagerConfig.FailureThreshold is unset.
const DefaultFailureThreshold = 3

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// FailureThreshold is the number of consecutive failures that flip an
	// UP backend to DOWN.
	FailureThreshold int
}

// Manager owns the set of known backends and their health. It is the only
// place backend health is mutated; every read returns a copy taken under the
// lock, so callers never observe a partial update.
type Manager struct {
	mu       sync.RWMutex
	config   ManagerConfig
	order    []string
	backends map[string]*Backend
	groups   map[string][]string

	sink   events.Sink
	now    func() time.Time
	logger *slog.Logger

	subsMu  sync.Mutex
	subs    map[int]chan HealthChange
	nextSub int
}

// NewManager creates an empty manager. A nil sink discards events.
func NewManager(config ManagerConfig, sink events.Sink) *Manager {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if sink == nil {
		sink = events.Discard
	}
	return &Manager{
		config:   config,
		backends: make(map[string]*Backend),
		groups:   make(map[string][]string),
		sink:     sink,
		now:      time.Now,
		logger:   slog.Default().With("component", "backends.manager"),
		subs:     make(map[int]chan HealthChange),
	}
}

// SetFailureThreshold changes the threshold used for later failures.
func (m *Manager) SetFailureThreshold(n int) {
	if n <= 0 {
		n = DefaultFailureThreshold
	}
	m.mu.Lock()
	m.config.FailureThreshold = n
	m.mu.Unlock()
}

func (m *Manager) failureThreshold() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.FailureThreshold
}

// Load replaces the backend set and group definitions. Backends whose ID and
// address are unchanged keep their health; new backends start UP.
func (m *Manager) Load(defs []Definition, groups map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	next := make(map[string]*Backend, len(defs))
	order := make([]string, 0, len(defs))

	for _, d := range defs {
		if old, ok := m.backends[d.ID]; ok && old.Address() == d.Address() {
			b := *old
			b.Definition = d
			next[d.ID] = &b
		} else {
			next[d.ID] = &Backend{Definition: d, Health: StateUp, LastChange: now}
		}
		order = append(order, d.ID)
	}

	g := make(map[string][]string, len(groups))
	for name, members := range groups {
		g[name] = append([]string(nil), members...)
	}

	m.backends = next
	m.order = order
	m.groups = g

	m.logger.Info("backend set loaded", "backends", len(order), "groups", len(g))
}

// ListBackends returns the members of group in definition order. The group
// AllBackends ("*") lists every backend; an unknown group yields nil.
func (m *Manager) ListBackends(group string) []Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if group == AllBackends {
		return m.snapshotLocked()
	}

	members, ok := m.groups[group]
	if !ok {
		return nil
	}

	out := make([]Backend, 0, len(members))
	seen := make(map[string]bool, len(members))
	for _, id := range members {
		if id == AllBackends {
			for _, all := range m.order {
				if !seen[all] {
					seen[all] = true
					out = append(out, *m.backends[all])
				}
			}
			continue
		}
		if b, ok := m.backends[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, *b)
		}
	}
	return out
}

// Get returns a copy of one backend.
func (m *Manager) Get(id string) (Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.backends[id]
	if !ok {
		return Backend{}, false
	}
	return *b, true
}

// Snapshot returns every backend in definition order.
func (m *Manager) Snapshot() []Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() []Backend {
	out := make([]Backend, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.backends[id])
	}
	return out
}

// Groups returns the configured group names and members.
func (m *Manager) Groups() map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]string, len(m.groups))
	for k, v := range m.groups {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// CountByState returns how many backends are in each state.
func (m *Manager) CountByState() map[State]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := map[State]int{StateUp: 0, StateDown: 0, StateDraining: 0}
	for _, b := range m.backends {
		counts[b.Health]++
	}
	return counts
}

// ReportOutcome records the result of using a backend. Success resets the
// failure counter; failure increments it and flips an UP backend to DOWN
// once the threshold is reached. Success alone never lifts DOWN: that takes
// a successful probe. Unknown IDs are ignored.
func (m *Manager) ReportOutcome(id string, success bool, err error) {
	var change *HealthChange

	m.mu.Lock()
	b, ok := m.backends[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if success {
		b.ConsecutiveFailures = 0
	} else {
		change = m.recordFailureLocked(b, err, "request failures")
	}
	m.mu.Unlock()

	m.publish(change)
}

// RecordProbe records the result of an active health probe. A successful
// probe resets the failure counter and returns a DOWN backend to UP.
// DRAINING backends keep their state.
func (m *Manager) RecordProbe(id string, err error) {
	var change *HealthChange

	m.mu.Lock()
	b, ok := m.backends[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	b.LastProbe = m.now()
	if err == nil {
		b.ConsecutiveFailures = 0
		b.LastError = ""
		if b.Health == StateDown {
			change = m.transitionLocked(b, StateUp, "probe succeeded")
		}
	} else {
		change = m.recordFailureLocked(b, err, "probe failures")
	}
	m.mu.Unlock()

	m.publish(change)
}

func (m *Manager) recordFailureLocked(b *Backend, err error, reason string) *HealthChange {
	b.ConsecutiveFailures++
	if err != nil {
		b.LastError = err.Error()
	}
	if b.Health == StateUp && b.ConsecutiveFailures >= m.config.FailureThreshold {
		return m.transitionLocked(b, StateDown, reason)
	}
	return nil
}

// SetHealth forces a backend into state.
func (m *Manager) SetHealth(id string, state State) error {
	return m.set(id, state, "set")
}

// Drain moves a backend to DRAINING: no new sessions are routed to it.
func (m *Manager) Drain(id string) error {
	return m.set(id, StateDraining, "drain")
}

// Undrain returns a DRAINING backend to UP. Other states are unchanged.
func (m *Manager) Undrain(id string) error {
	var change *HealthChange

	m.mu.Lock()
	b, ok := m.backends[id]
	if !ok {
		m.mu.Unlock()
		return unknown(id, "undrain")
	}
	if b.Health == StateDraining {
		b.ConsecutiveFailures = 0
		change = m.transitionLocked(b, StateUp, "undrain")
	}
	m.mu.Unlock()

	m.publish(change)
	return nil
}

func (m *Manager) set(id string, state State, reason string) error {
	var change *HealthChange

	m.mu.Lock()
	b, ok := m.backends[id]
	if !ok {
		m.mu.Unlock()
		return unknown(id, reason)
	}
	if state == StateUp {
		b.ConsecutiveFailures = 0
	}
	change = m.transitionLocked(b, state, reason)
	m.mu.Unlock()

	m.publish(change)
	return nil
}

func (m *Manager) transitionLocked(b *Backend, to State, reason string) *HealthChange {
	if b.Health == to {
		return nil
	}
	change := &HealthChange{
		Backend: b.ID,
		From:    b.Health,
		To:      to,
		Reason:  reason,
		At:      m.now(),
	}
	b.Health = to
	b.LastChange = change.At
	return change
}

// publish logs the change, emits it to the sink and fans it out to
// subscribers. It must be called without m.mu held.
func (m *Manager) publish(c *HealthChange) {
	if c == nil {
		return
	}

	level := slog.LevelInfo
	if c.To == StateDown {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "backend health changed",
		"backend", c.Backend,
		"from", c.From.String(),
		"to", c.To.String(),
		"reason", c.Reason,
	)

	m.sink.Emit(events.Event{
		Kind:      events.KindHealthTransition,
		Timestamp: c.At,
		Backend:   c.Backend,
		FromState: c.From.String(),
		ToState:   c.To.String(),
		Error:     c.Reason,
	})

	m.subsMu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- *c:
		default:
		}
	}
	m.subsMu.Unlock()
}

// Subscribe returns a channel of health changes and a function that cancels
// the subscription. Changes are dropped for a subscriber whose buffer is full.
func (m *Manager) Subscribe(buffer int) (<-chan HealthChange, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan HealthChange, buffer)

	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}
