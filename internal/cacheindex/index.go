// Package cacheindex maintains the manifest of cached records: one entry per
// record key with the time it was stored and, for paginated listings, the
// page series it belongs to.
package cacheindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/restsync/internal/keygen"
	"github.com/hyperengineering/restsync/internal/store"
	"github.com/hyperengineering/restsync/internal/types"
)

// RecordsListKey is the RecordStore key holding the manifest.
const RecordsListKey = "records-list"

// maxConcurrentRemovals bounds the fan-out of record removals.
const maxConcurrentRemovals = 8

// Index is the manifest of cached records. It owns only the manifest; the
// record bodies belong to the RecordStore.
type Index struct {
	store       store.RecordStore
	now         func() time.Time
	cursorParam string

	// mu serializes manifest read-modify-write cycles within this process.
	mu sync.Mutex
}

// Option configures an Index.
type Option func(*Index)

// WithClock overrides the time source used for timestamps and ages.
func WithClock(now func() time.Time) Option {
	return func(i *Index) { i.now = now }
}

// WithPageCursor sets the query parameter stripped to form page series keys.
func WithPageCursor(param string) Option {
	return func(i *Index) {
		if param != "" {
			i.cursorParam = param
		}
	}
}

// New creates an Index over s.
func New(s store.RecordStore, opts ...Option) *Index {
	i := &Index{
		store:       s,
		now:         time.Now,
		cursorParam: keygen.DefaultPageCursor,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// GetAll returns the manifest. It returns nil when no manifest has been
// written yet.
func (i *Index) GetAll(ctx context.Context) ([]types.IndexEntry, error) {
	data, err := i.store.Get(ctx, RecordsListKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read records list: %w", err)
	}

	var entries []types.IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode records list: %w", err)
	}
	return entries, nil
}

// GetAllExcluding returns every manifest entry except the one for key.
func (i *Index) GetAllExcluding(ctx context.Context, key string) ([]types.IndexEntry, error) {
	entries, err := i.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return exclude(entries, key), nil
}

// AddItem upserts the entry for key with the current time. Any previous
// entry for key is replaced, so the manifest holds at most one entry per key.
func (i *Index) AddItem(ctx context.Context, key, pageSeriesKey string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	entries, err := i.GetAllExcluding(ctx, key)
	if err != nil {
		return err
	}

	slog.Debug("adding record to index",
		"component", "cacheindex",
		"key", key,
		"page_series_key", pageSeriesKey,
	)
	entries = append(entries, types.IndexEntry{
		Key:           key,
		Timestamp:     i.now(),
		PageSeriesKey: pageSeriesKey,
	})
	return i.write(ctx, entries)
}

// RemoveItem deletes the entry for key. Removing an absent key is a no-op
// apart from rewriting the manifest.
func (i *Index) RemoveItem(ctx context.Context, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	entries, err := i.GetAllExcluding(ctx, key)
	if err != nil {
		return err
	}

	slog.Debug("removing record from index", "component", "cacheindex", "key", key)
	return i.write(ctx, entries)
}

// DropOlderThan partitions the manifest into entries older than maxAge and
// the rest. Storage is not modified.
func (i *Index) DropOlderThan(ctx context.Context, maxAge time.Duration) (types.Partition, error) {
	entries, err := i.GetAll(ctx)
	if err != nil {
		return types.Partition{}, err
	}
	return i.partitionByAge(entries, maxAge), nil
}

func (i *Index) partitionByAge(entries []types.IndexEntry, maxAge time.Duration) types.Partition {
	now := i.now()
	var p types.Partition
	for _, e := range entries {
		if now.Sub(e.Timestamp) > maxAge {
			p.Remove = append(p.Remove, e)
		} else {
			p.Retain = append(p.Retain, e)
		}
	}
	return p
}

// PruneRecordsFrom removes every record older than lifetime together with
// its manifest entry. A zero lifetime means DefaultLifetime. It returns the
// number of records removed.
func (i *Index) PruneRecordsFrom(ctx context.Context, lifetime time.Duration) (int, error) {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	slog.Debug("pruning records",
		"component", "cacheindex",
		"lifetime", lifetime.String(),
		"cutoff", humanize.Time(i.now().Add(-lifetime)),
	)

	entries, err := i.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	p := i.partitionByAge(entries, lifetime)
	if err := i.removeRecordsByList(ctx, p); err != nil {
		return 0, err
	}
	return len(p.Remove), nil
}

// PruneRecordsFromString is PruneRecordsFrom with a lifetime string such as
// "2 days" or "90m". An empty string means DefaultLifetime.
func (i *Index) PruneRecordsFromString(ctx context.Context, lifetime string) (int, error) {
	if lifetime == "" {
		return i.PruneRecordsFrom(ctx, DefaultLifetime)
	}
	d, err := ParseLifetime(lifetime)
	if err != nil {
		return 0, err
	}
	return i.PruneRecordsFrom(ctx, d)
}

// RemoveRecordsByList deletes the records listed in p.Remove and rewrites
// the manifest to p.Retain. It does nothing when p.Remove is empty.
func (i *Index) RemoveRecordsByList(ctx context.Context, p types.Partition) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.removeRecordsByList(ctx, p)
}

func (i *Index) removeRecordsByList(ctx context.Context, p types.Partition) error {
	if len(p.Remove) == 0 {
		slog.Debug("no records to remove", "component", "cacheindex")
		return nil
	}

	keys := make([]string, len(p.Remove))
	for n, e := range p.Remove {
		keys[n] = e.Key
	}
	if err := i.removeKeys(ctx, keys); err != nil {
		return err
	}
	if err := i.write(ctx, p.Retain); err != nil {
		return err
	}

	slog.Debug("records removed", "component", "cacheindex", "count", len(p.Remove))
	return nil
}

// ClearAll removes every namespaced sync record plus the manifest itself,
// leaving unrelated keys untouched. It returns the number of keys removed.
func (i *Index) ClearAll(ctx context.Context) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	keys, err := i.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}

	targets := []string{RecordsListKey}
	for _, k := range keys {
		if keygen.IsRecordKey(k) {
			targets = append(targets, k)
		}
	}
	if err := i.removeKeys(ctx, targets); err != nil {
		return 0, err
	}

	slog.Info("sync records cleared", "component", "cacheindex", "count", len(targets))
	return len(targets), nil
}

// ClearPageSeries removes every record belonging to the same paginated
// listing as req. The page cursor parameter of req is ignored, so any page
// of the listing identifies the whole series. It returns the number of
// records removed.
func (i *Index) ClearPageSeries(ctx context.Context, req *types.Request) (int, error) {
	series := keygen.PageSeriesKey(req, i.cursorParam)

	i.mu.Lock()
	defer i.mu.Unlock()

	entries, err := i.GetAll(ctx)
	if err != nil {
		return 0, err
	}

	var p types.Partition
	for _, e := range entries {
		if e.PageSeriesKey != "" && e.PageSeriesKey == series {
			p.Remove = append(p.Remove, e)
		} else {
			p.Retain = append(p.Retain, e)
		}
	}

	if len(p.Remove) > 0 {
		slog.Info("clearing page series",
			"component", "cacheindex",
			"page_series_key", series,
			"count", len(p.Remove),
		)
	}
	if err := i.removeRecordsByList(ctx, p); err != nil {
		return 0, err
	}
	return len(p.Remove), nil
}

// PageSeriesKey returns the series key used for req by this index.
func (i *Index) PageSeriesKey(req *types.Request) string {
	return keygen.PageSeriesKey(req, i.cursorParam)
}

func (i *Index) removeKeys(ctx context.Context, keys []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRemovals)
	for _, k := range keys {
		g.Go(func() error {
			if err := i.store.Remove(gctx, k); err != nil {
				return fmt.Errorf("remove %s: %w", k, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (i *Index) write(ctx context.Context, entries []types.IndexEntry) error {
	if entries == nil {
		entries = []types.IndexEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode records list: %w", err)
	}
	if err := i.store.Set(ctx, RecordsListKey, data); err != nil {
		return fmt.Errorf("write records list: %w", err)
	}
	return nil
}

func exclude(entries []types.IndexEntry, key string) []types.IndexEntry {
	out := make([]types.IndexEntry, 0, len(entries))
	for _, e := range entries {
		if e.Key != key {
			out = append(out, e)
		}
	}
	return out
}
