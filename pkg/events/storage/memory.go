package storage

import (
	"context"
	"sync"
	"time"

	"carapaceproxy/carapace/pkg/events"
)

// MemoryStorage keeps events in memory, oldest first, dropping the oldest
// once MaxEvents is reached. It is the default backend and the one used in
// tests.
type MemoryStorage struct {
	mu        sync.RWMutex
	events    []*events.Event
	maxEvents int
	closed    bool
}

// NewMemoryStorage creates a memory store holding at most maxEvents events
// (unbounded when maxEvents <= 0).
func NewMemoryStorage(maxEvents int) *MemoryStorage {
	return &MemoryStorage{maxEvents: maxEvents}
}

// Store appends a copy of e.
func (m *MemoryStorage) Store(ctx context.Context, e *events.Event) error {
	if err := ctx.Err(); err != nil {
		return events.NewStorageError("memory", "store", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return events.NewStorageError("memory", "store", events.ErrClosed)
	}

	cp := *e
	m.events = append(m.events, &cp)
	// Compact once the backing slice holds twice the bound so the copy
	// cost is amortized across stores.
	if m.maxEvents > 0 && len(m.events) >= 2*m.maxEvents {
		m.events = append(m.events[:0:0], m.visible()...)
	}
	return nil
}

// visible returns the newest maxEvents events. Callers hold m.mu.
func (m *MemoryStorage) visible() []*events.Event {
	if m.maxEvents > 0 && len(m.events) > m.maxEvents {
		return m.events[len(m.events)-m.maxEvents:]
	}
	return m.events
}

// Query returns matching events, newest first.
func (m *MemoryStorage) Query(ctx context.Context, q *events.Query) ([]*events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, events.NewStorageError("memory", "query", events.ErrClosed)
	}

	all := m.visible()
	var out []*events.Event
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if !matches(e, q) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if q != nil && q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of matching events.
func (m *MemoryStorage) Count(ctx context.Context, q *events.Query) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, e := range m.visible() {
		if matches(e, q) {
			n++
		}
	}
	return n, nil
}

// DeleteBefore removes events older than t.
func (m *MemoryStorage) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = m.visible()
	kept := m.events[:0]
	var deleted int64
	for _, e := range m.events {
		if e.Timestamp.Before(t) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return deleted, nil
}

// TrimTo keeps only the newest keep events.
func (m *MemoryStorage) TrimTo(ctx context.Context, keep int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = m.visible()
	excess := int64(len(m.events)) - keep
	if keep < 0 || excess <= 0 {
		return 0, nil
	}
	m.events = append(m.events[:0:0], m.events[excess:]...)
	return excess, nil
}

// Close marks the store closed.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.events = nil
	return nil
}

func matches(e *events.Event, q *events.Query) bool {
	if q == nil {
		return true
	}
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if q.Backend != "" && e.Backend != q.Backend {
		return false
	}
	if q.Route != "" && e.Route != q.Route {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	return true
}
