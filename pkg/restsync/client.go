// Package restsync is an offline-first layer for REST APIs. Responses are
// cached in a local record store and served at once on later calls while
// the network refreshes them; post edits are applied locally and synced in
// the background.
package restsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/restsync/internal/api"
	"github.com/hyperengineering/restsync/internal/cacheindex"
	"github.com/hyperengineering/restsync/internal/keygen"
	"github.com/hyperengineering/restsync/internal/postsync"
	"github.com/hyperengineering/restsync/internal/store"
	"github.com/hyperengineering/restsync/internal/synchandler"
	"github.com/hyperengineering/restsync/internal/transport"
	"github.com/hyperengineering/restsync/internal/types"
	"github.com/hyperengineering/restsync/internal/worker"
)

// Re-exported request types.
type (
	Request     = types.Request
	Body        = types.Body
	Callback    = types.Callback
	RequestFunc = types.RequestFunc
	Record      = types.Record
	IndexEntry  = types.IndexEntry
	Source      = synchandler.Source
)

// Request kinds.
const (
	KindAuto   = types.KindAuto
	KindSingle = types.KindSingle
	KindList   = types.KindList
)

// Response sources.
const (
	SourceNetwork = synchandler.SourceNetwork
	SourceCache   = synchandler.SourceCache
	SourceLocal   = synchandler.SourceLocal
)

// ErrClosed is returned by every method once Close was called.
var ErrClosed = errors.New("client is closed")

// Config configures a Client. Start from DefaultConfig.
type Config struct {
	// BaseURL and Token address the REST API. Ignored when Transport is set.
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int

	// Transport replaces the HTTP client as the network RequestFunc.
	Transport RequestFunc

	Driver       string
	StorePath    string
	StoreName    string
	StoreVersion int
	Compress     bool

	Lifetime     string
	PageCursor   string
	ListPatterns []string
	DeliverFresh bool
	Coalesce     bool
	StaleAfter   time.Duration

	PruneInterval time.Duration
	QueueInterval time.Duration
}

// DefaultConfig returns the default configuration with an in-memory store.
func DefaultConfig() Config {
	return Config{
		BaseURL:       "https://public-api.wordpress.com",
		Timeout:       30 * time.Second,
		RateBurst:     10,
		Driver:        store.DriverMemory,
		StoreName:     "restsync",
		StoreVersion:  1,
		Lifetime:      "2 days",
		PageCursor:    keygen.DefaultPageCursor,
		ListPatterns:  synchandler.DefaultListPatterns,
		DeliverFresh:  true,
		StaleAfter:    postsync.DefaultStaleAfter,
		PruneInterval: time.Hour,
		QueueInterval: time.Minute,
	}
}

// Client is the offline-first REST client.
type Client struct {
	config   Config
	lifetime time.Duration
	store    store.RecordStore
	index    *cacheindex.Index
	handler  *synchandler.Handler
	prune    *worker.PruneCoordinator
	queue    *worker.QueueCoordinator

	mu      sync.RWMutex
	closed  bool
	cancel  context.CancelFunc
	workers *errgroup.Group
	servers []*api.Handler
}

// New opens the record store and assembles the sync layer. Records are
// cleared when the store reports a schema version change.
func New(config Config) (*Client, error) {
	if config.Transport == nil && config.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	if config.Lifetime == "" {
		config.Lifetime = "2 days"
	}
	lifetime, err := cacheindex.ParseLifetime(config.Lifetime)
	if err != nil {
		return nil, err
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = time.Hour
	}
	if config.QueueInterval <= 0 {
		config.QueueInterval = time.Minute
	}

	s, err := store.Open(store.Config{
		Driver:   config.Driver,
		Path:     config.StorePath,
		Name:     config.StoreName,
		Version:  config.StoreVersion,
		Compress: config.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var idxOpts []cacheindex.Option
	if config.PageCursor != "" {
		idxOpts = append(idxOpts, cacheindex.WithPageCursor(config.PageCursor))
	}
	idx := cacheindex.New(s, idxOpts...)

	if v, ok := s.(store.Versioned); ok && v.VersionChanged() {
		n, err := idx.ClearAll(context.Background())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("clear records after version change: %w", err)
		}
		slog.Info("store version changed, records cleared",
			"component", "restsync",
			"version", config.StoreVersion,
			"removed", n,
		)
	}

	next := config.Transport
	if next == nil {
		tOpts := []transport.Option{
			transport.WithTimeout(config.Timeout),
			transport.WithRateLimit(config.RateLimit, config.RateBurst),
		}
		if config.UserAgent != "" {
			tOpts = append(tOpts, transport.WithUserAgent(config.UserAgent))
		}
		next = transport.New(config.BaseURL, config.Token, tOpts...).Do
	}

	var hOpts []synchandler.Option
	if config.StaleAfter > 0 {
		hOpts = append(hOpts, synchandler.WithPostSyncOptions(postsync.WithStaleAfter(config.StaleAfter)))
	}
	h, err := synchandler.New(synchandler.Config{
		ListPatterns: config.ListPatterns,
		DeliverFresh: config.DeliverFresh,
		Coalesce:     config.Coalesce,
	}, s, idx, next, hOpts...)
	if err != nil {
		s.Close()
		return nil, err
	}

	return &Client{
		config:   config,
		lifetime: lifetime,
		store:    s,
		index:    idx,
		handler:  h,
		prune:    worker.NewPruneCoordinator(idx, config.PruneInterval, lifetime),
		queue:    worker.NewQueueCoordinator(h, config.QueueInterval),
	}, nil
}

// Start launches the prune and queue workers. They stop on Close or when
// ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.workers != nil {
		return errors.New("client already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.workers, _ = errgroup.WithContext(ctx)
	c.workers.Go(func() error {
		c.prune.Run(ctx)
		return nil
	})
	c.workers.Go(func() error {
		c.queue.Run(ctx)
		return nil
	})
	return nil
}

// Reconnected asks the queue worker to retry pending post syncs now.
func (c *Client) Reconnected() {
	c.queue.Trigger()
}

// Do sends req through the sync layer. fn may be called twice: with the
// cached or local body first, then with a differing network body.
func (c *Client) Do(ctx context.Context, req *Request, fn Callback) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		fn(nil, ErrClosed)
		return
	}
	c.handler.Do(ctx, req, fn)
}

// DoSource is Do with the origin of each delivered body.
func (c *Client) DoSource(ctx context.Context, req *Request, fn func(Body, Source, error)) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		fn(nil, SourceNetwork, ErrClosed)
		return
	}
	c.handler.DoSource(ctx, req, fn)
}

// Get returns the first body available for a GET of path: the cached copy
// when there is one, the network response otherwise.
func (c *Client) Get(ctx context.Context, path, query string) (Body, error) {
	return types.Call(ctx, c.Do, &Request{
		APIVersion: transport.DefaultAPIVersion,
		Method:     http.MethodGet,
		Path:       path,
		Query:      query,
	})
}

// Post returns the stored copy of the post at path, following the alias
// of a local post that has since been synced.
func (c *Client) Post(ctx context.Context, path string) (*Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.handler.Posts().Post(ctx, path)
}

// Records returns the cache manifest.
func (c *Client) Records(ctx context.Context) ([]IndexEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.index.GetAll(ctx)
}

// Record returns the stored record under key.
func (c *Client) Record(ctx context.Context, key string) (*Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	if !keygen.IsRecordKey(key) {
		return nil, fmt.Errorf("%q: %w", key, store.ErrNotFound)
	}
	data, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &rec, nil
}

// KeyInfo describes how a request is cached.
type KeyInfo struct {
	Key           string `json:"key"`
	Raw           string `json:"raw"`
	List          bool   `json:"list"`
	PageSeriesKey string `json:"page_series_key,omitempty"`
}

// Key reports the record key req is cached under and, for listings, the
// page series it belongs to.
func (c *Client) Key(req *Request) KeyInfo {
	info := KeyInfo{
		Key:  keygen.GenerateKey(req),
		Raw:  keygen.GenerateRawKey(req),
		List: c.handler.IsList(req),
	}
	if info.List {
		info.PageSeriesKey = c.index.PageSeriesKey(req)
	}
	return info
}

// Queue returns the keys of posts awaiting a background sync.
func (c *Client) Queue(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.handler.Posts().Queue().List(ctx)
}

// Prune removes records older than lifetime, or than the configured
// lifetime when it is empty.
func (c *Client) Prune(ctx context.Context, lifetime string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return 0, ErrClosed
	}
	if lifetime == "" {
		return c.index.PruneRecordsFrom(ctx, c.lifetime)
	}
	return c.index.PruneRecordsFromString(ctx, lifetime)
}

// Clear removes every cached record.
func (c *Client) Clear(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return 0, ErrClosed
	}
	return c.index.ClearAll(ctx)
}

// SyncPending retries every queued post sync and returns how many were
// attempted.
func (c *Client) SyncPending(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return 0, ErrClosed
	}
	return c.handler.SyncPending(ctx)
}

// HTTPHandler returns the HTTP surface: the admin API under /api/v1 and
// the caching REST proxy under /rest/v{version}/.
func (c *Client) HTTPHandler(apiKey, version string) http.Handler {
	h := api.NewHandler(c.handler, c.store, c.index, api.HandlerConfig{
		APIKey:   apiKey,
		Version:  version,
		Lifetime: c.config.Lifetime,
	})

	c.mu.Lock()
	c.servers = append(c.servers, h)
	c.mu.Unlock()

	return api.NewRouter(h)
}

// Close stops the workers, waits for background syncs and closes the
// store.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, workers, servers := c.cancel, c.workers, c.servers
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		_ = workers.Wait()
	}
	for _, s := range servers {
		s.Wait()
	}
	c.handler.Wait()

	return c.store.Close()
}
