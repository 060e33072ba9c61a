package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pruner drops cached records older than a lifetime.
// Implemented by cacheindex.Index.
type Pruner interface {
	PruneRecordsFrom(ctx context.Context, lifetime time.Duration) (int, error)
}

// PruneCoordinator periodically removes expired cache records.
type PruneCoordinator struct {
	pruner   Pruner
	interval time.Duration
	lifetime time.Duration

	mu        sync.Mutex
	lastPrune time.Time
	lastCount int
}

// NewPruneCoordinator creates a coordinator that prunes records older than
// lifetime every interval.
func NewPruneCoordinator(pruner Pruner, interval, lifetime time.Duration) *PruneCoordinator {
	return &PruneCoordinator{
		pruner:   pruner,
		interval: interval,
		lifetime: lifetime,
	}
}

// Run starts the prune loop. It blocks until ctx is cancelled.
//
// The first prune runs immediately so records that expired while the
// process was down are dropped on startup.
func (c *PruneCoordinator) Run(ctx context.Context) {
	slog.Info("prune coordinator started",
		"component", "worker",
		"worker", "prune-coordinator",
		"interval", c.interval.String(),
		"lifetime", c.lifetime.String(),
	)

	c.prune(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("prune coordinator stopped",
				"component", "worker",
				"worker", "prune-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.prune(ctx)
		}
	}
}

// LastPrune returns when the last successful prune finished and how many
// records it removed.
func (c *PruneCoordinator) LastPrune() (time.Time, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPrune, c.lastCount
}

func (c *PruneCoordinator) prune(ctx context.Context) bool {
	start := time.Now()

	removed, err := c.pruner.PruneRecordsFrom(ctx, c.lifetime)
	if err != nil {
		if ctx.Err() != nil {
			return false // Graceful shutdown
		}
		slog.Error("prune failed",
			"component", "worker",
			"worker", "prune-coordinator",
			"error", err,
		)
		return false
	}

	c.mu.Lock()
	c.lastPrune = time.Now().UTC()
	c.lastCount = removed
	c.mu.Unlock()

	slog.Info("prune completed",
		"component", "worker",
		"worker", "prune-coordinator",
		"records_removed", removed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}
