package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"carapaceproxy/carapace/pkg/events"
)

// Config controls what the pruner removes.
type Config struct {
	// RetentionDays removes events older than this many days. 0 disables.
	RetentionDays int

	// MaxEvents keeps at most this many events. 0 disables.
	MaxEvents int64

	// Schedule is the cron expression used by Scheduler.
	Schedule string
}

// Pruner removes old events from storage.
type Pruner struct {
	storage events.Storage
	config  Config
	now     func() time.Time
	logger  *slog.Logger
}

// NewPruner creates a pruner over storage.
func NewPruner(storage events.Storage, config Config) *Pruner {
	return &Pruner{
		storage: storage,
		config:  config,
		now:     time.Now,
		logger:  slog.Default().With("component", "events.retention"),
	}
}

// Prune applies the age rule, then the count rule, and returns the number
// of events removed.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	var total int64

	if p.config.RetentionDays > 0 {
		cutoff := p.now().AddDate(0, 0, -p.config.RetentionDays)
		deleted, err := p.storage.DeleteBefore(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune by age failed: %w", err)
		}
		total += deleted
	}

	if p.config.MaxEvents > 0 {
		deleted, err := p.storage.TrimTo(ctx, p.config.MaxEvents)
		if err != nil {
			return total, fmt.Errorf("prune by count failed: %w", err)
		}
		total += deleted
	}

	if total > 0 {
		p.logger.Info("event pruning completed",
			"deleted", total,
			"retention_days", p.config.RetentionDays,
			"max_events", p.config.MaxEvents,
		)
	}
	return total, nil
}
