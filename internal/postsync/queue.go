package postsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hyperengineering/restsync/internal/store"
)

// QueueKey is the RecordStore key holding the offline queue.
const QueueKey = "sync-queue"

// Queue is the persisted list of record keys awaiting a background sync,
// newest first and without duplicates.
type Queue struct {
	store store.RecordStore
	mu    sync.Mutex
}

// NewQueue creates a Queue stored in s.
func NewQueue(s store.RecordStore) *Queue {
	return &Queue{store: s}
}

// List returns the queued keys, newest first.
func (q *Queue) List(ctx context.Context) ([]string, error) {
	data, err := q.store.Get(ctx, QueueKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return keys, nil
}

// Add puts key at the head of the queue unless it is already queued.
func (q *Queue) Add(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys, err := q.List(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(keys, key) {
		slog.Debug("task already queued", "component", "postsync", "key", key)
		return nil
	}
	keys = append([]string{key}, keys...)
	slog.Debug("task queued", "component", "postsync", "key", key, "count", len(keys))
	return q.write(ctx, keys)
}

// Remove drops key from the queue. Removing an absent key is a no-op.
func (q *Queue) Remove(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys, err := q.List(ctx)
	if err != nil {
		return err
	}
	i := slices.Index(keys, key)
	if i < 0 {
		return nil
	}
	keys = slices.Delete(keys, i, i+1)
	slog.Debug("task dequeued", "component", "postsync", "key", key, "position", i, "count", len(keys))
	return q.write(ctx, keys)
}

func (q *Queue) write(ctx context.Context, keys []string) error {
	if keys == nil {
		keys = []string{}
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.store.Set(ctx, QueueKey, data); err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	return nil
}
