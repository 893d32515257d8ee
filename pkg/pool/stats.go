package pool

import "sort"

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Open          int            `json:"open"`
	Idle          int            `json:"idle"`
	InUse         int            `json:"in_use"`
	Waiters       int            `json:"waiters"`
	MaxTotal      int            `json:"max_total"`
	MaxPerBackend int            `json:"max_per_backend"`
	Backends      []BackendStats `json:"backends"`
}

// BackendStats is the occupancy of one backend's connections.
type BackendStats struct {
	Backend string `json:"backend"`
	Open    int    `json:"open"`
	Idle    int    `json:"idle"`
	InUse   int    `json:"in_use"`
	Waiters int    `json:"waiters"`
	Dials   int64  `json:"dials"`
	Reuses  int64  `json:"reuses"`
}

// Stats returns current occupancy, backends sorted by ID.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Open:          p.total,
		Waiters:       p.waiters,
		MaxTotal:      p.config.MaxTotal,
		MaxPerBackend: p.config.MaxPerBackend,
		Backends:      make([]BackendStats, 0, len(p.backends)),
	}
	for _, bp := range p.backends {
		s.Idle += len(bp.idle)
		s.InUse += bp.inUse
		s.Backends = append(s.Backends, BackendStats{
			Backend: bp.id,
			Open:    bp.open,
			Idle:    len(bp.idle),
			InUse:   bp.inUse,
			Waiters: bp.waiters,
			Dials:   bp.dials,
			Reuses:  bp.reuses,
		})
	}
	sort.Slice(s.Backends, func(i, j int) bool {
		return s.Backends[i].Backend < s.Backends[j].Backend
	})
	return s
}
