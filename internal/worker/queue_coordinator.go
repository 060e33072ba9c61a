package worker

import (
	"context"
	"log/slog"
	"time"
)

// PendingSyncer retries queued post syncs.
// Implemented by postsync.Syncer and synchandler.Handler.
type PendingSyncer interface {
	SyncPending(ctx context.Context) (int, error)
}

// QueueCoordinator drains the offline queue on startup, on every interval
// tick, and whenever Trigger is called.
type QueueCoordinator struct {
	syncer   PendingSyncer
	interval time.Duration
	trigger  chan struct{}
}

// NewQueueCoordinator creates a coordinator for the offline queue.
func NewQueueCoordinator(syncer PendingSyncer, interval time.Duration) *QueueCoordinator {
	return &QueueCoordinator{
		syncer:   syncer,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a drain as soon as possible. Requests made while one
// is already pending are merged.
func (c *QueueCoordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run starts the queue loop. It blocks until ctx is cancelled.
func (c *QueueCoordinator) Run(ctx context.Context) {
	slog.Info("queue coordinator started",
		"component", "worker",
		"worker", "queue-coordinator",
		"interval", c.interval.String(),
	)

	c.drain(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue coordinator stopped",
				"component", "worker",
				"worker", "queue-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.drain(ctx)
		case <-c.trigger:
			c.drain(ctx)
		}
	}
}

func (c *QueueCoordinator) drain(ctx context.Context) {
	start := time.Now()

	attempted, err := c.syncer.SyncPending(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Individual failures stay queued for the next tick.
		slog.Warn("queue drain had failures",
			"component", "worker",
			"worker", "queue-coordinator",
			"attempted", attempted,
			"error", err,
		)
		return
	}
	if attempted == 0 {
		return
	}

	slog.Info("queue drained",
		"component", "worker",
		"worker", "queue-coordinator",
		"attempted", attempted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
