package recorder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"carapaceproxy/carapace/pkg/events"
)

// Config contains configuration for the event recorder.
type Config struct {
	// BufferSize is the capacity of the async channel. Events emitted while
	// it is full are dropped.
	// Default: 1000
	BufferSize int

	// WriteTimeout bounds one storage write.
	// Default: 5 seconds
	WriteTimeout time.Duration
}

// DefaultConfig returns the default recorder configuration.
func DefaultConfig() *Config {
	return &Config{
		BufferSize:   1000,
		WriteTimeout: 5 * time.Second,
	}
}

// Recorder is an events.Sink that persists events asynchronously.
// Emit never blocks: a background worker drains a buffered channel into
// storage.
type Recorder struct {
	storage events.Storage
	config  *Config
	ch      chan events.Event
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger

	closeOnce sync.Once
	closing   atomic.Bool
	dropped   atomic.Int64
	written   atomic.Int64
	failed    atomic.Int64
}

// New creates a recorder writing to storage and starts its worker.
func New(storage events.Storage, config *Config) *Recorder {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	r := &Recorder{
		storage: storage,
		config:  config,
		ch:      make(chan events.Event, config.BufferSize),
		done:    make(chan struct{}),
		logger:  slog.Default().With("component", "events.recorder"),
	}

	r.wg.Add(1)
	go r.worker()

	r.logger.Info("event recorder initialized",
		"buffer_size", config.BufferSize,
		"write_timeout", config.WriteTimeout,
	)
	return r
}

// Emit enqueues e, assigning an ID and timestamp when missing.
func (r *Recorder) Emit(e events.Event) {
	if r.closing.Load() {
		r.dropped.Add(1)
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	select {
	case r.ch <- e:
	default:
		if n := r.dropped.Add(1); n&(n-1) == 0 {
			// Logged at powers of two to keep a saturated recorder quiet.
			r.logger.Warn("event buffer full, dropping events",
				"kind", e.Kind,
				"dropped_total", n,
				"capacity", r.config.BufferSize,
			)
		}
	}
}

// Stats reports recorder counters.
type Stats struct {
	Pending int   `json:"pending"`
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// Stats returns a snapshot of the recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Pending: len(r.ch),
		Written: r.written.Load(),
		Failed:  r.failed.Load(),
		Dropped: r.dropped.Load(),
	}
}

// Close stops accepting events, drains the buffer into storage and waits
// for the worker. It does not close the storage.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.closing.Store(true)
		close(r.done)
		r.wg.Wait()
		r.logger.Info("event recorder stopped",
			"written", r.written.Load(),
			"dropped", r.dropped.Load(),
		)
	})
	return nil
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	for {
		select {
		case e := <-r.ch:
			r.write(e)
		case <-r.done:
			for {
				select {
				case e := <-r.ch:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	start := time.Now()
	if err := r.storage.Store(ctx, &e); err != nil {
		r.failed.Add(1)
		r.logger.Error("failed to store event",
			"event_id", e.ID,
			"kind", e.Kind,
			"error", err,
		)
		return
	}
	r.written.Add(1)

	if d := time.Since(start); d > r.config.WriteTimeout/2 {
		r.logger.Warn("slow event write",
			"event_id", e.ID,
			"duration_ms", d.Milliseconds(),
		)
	}
}
