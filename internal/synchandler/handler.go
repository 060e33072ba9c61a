// Package synchandler wraps a REST request function with an offline-first
// policy: a cached response is delivered at once, the network request is
// still issued, and its result refreshes the cache.
package synchandler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/singleflight"

	"github.com/hyperengineering/restsync/internal/cacheindex"
	"github.com/hyperengineering/restsync/internal/keygen"
	"github.com/hyperengineering/restsync/internal/postsync"
	"github.com/hyperengineering/restsync/internal/store"
	"github.com/hyperengineering/restsync/internal/types"
)

// NextPageField is the response field holding the cursor of the next page.
const NextPageField = "meta.next_page"

// DefaultListPatterns match the listing endpoints whose responses are
// grouped into page series.
var DefaultListPatterns = []string{
	`^/sites/[^/]+/(posts|pages|comments|media)/?$`,
	`^/read/`,
}

// Config controls the caching policy.
type Config struct {
	// ListPatterns are regular expressions matched against the path of
	// requests tagged KindAuto to decide whether they are listings.
	ListPatterns []string
	// DeliverFresh delivers the network body as a second callback when it
	// differs from the cached body already delivered.
	DeliverFresh bool
	// Coalesce shares one network call between concurrent identical reads.
	Coalesce bool
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		ListPatterns: DefaultListPatterns,
		DeliverFresh: true,
	}
}

// Source tells where a delivered body came from.
type Source int

const (
	// SourceNetwork is a body returned by the server.
	SourceNetwork Source = iota
	// SourceCache is a stored copy of an earlier response.
	SourceCache
	// SourceLocal is a post body produced locally before any sync.
	SourceLocal
)

// String returns the lowercase name of the source.
func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceLocal:
		return "local"
	default:
		return "network"
	}
}

// SourceCallback is a Callback that is also told where the body came from.
type SourceCallback func(body types.Body, src Source, err error)

// delivery tracks what a single call has handed to its callback so far.
type delivery int

const (
	deliveredNone delivery = iota
	deliveredCached
	deliveredFresh
)

// Handler is the offline-first request interceptor.
type Handler struct {
	cfg   Config
	store store.RecordStore
	index *cacheindex.Index
	next  types.RequestFunc
	posts *postsync.Syncer
	lists []*regexp.Regexp
	now   func() time.Time

	group singleflight.Group
}

// Option configures a Handler.
type Option func(*handlerOptions)

type handlerOptions struct {
	now       func() time.Time
	postsOpts []postsync.Option
}

// WithClock overrides the time source used for sync timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *handlerOptions) {
		o.now = now
		o.postsOpts = append(o.postsOpts, postsync.WithClock(now))
	}
}

// WithPostSyncOptions passes options to the post syncer.
func WithPostSyncOptions(opts ...postsync.Option) Option {
	return func(o *handlerOptions) {
		o.postsOpts = append(o.postsOpts, opts...)
	}
}

// New creates a Handler that sends network requests through next.
func New(cfg Config, s store.RecordStore, idx *cacheindex.Index, next types.RequestFunc, opts ...Option) (*Handler, error) {
	if s == nil || idx == nil || next == nil {
		return nil, errors.New("synchandler: store, index and request function are required")
	}

	o := handlerOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	lists := make([]*regexp.Regexp, 0, len(cfg.ListPatterns))
	for _, p := range cfg.ListPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile list pattern %q: %w", p, err)
		}
		lists = append(lists, re)
	}

	return &Handler{
		cfg:   cfg,
		store: s,
		index: idx,
		next:  next,
		posts: postsync.New(s, idx, next, o.postsOpts...),
		lists: lists,
		now:   o.now,
	}, nil
}

// Posts returns the post syncer used for post edition requests.
func (h *Handler) Posts() *postsync.Syncer {
	return h.posts
}

// Wait blocks until background post syncs finish.
func (h *Handler) Wait() {
	h.posts.Wait()
}

// Wrap returns the handler as a RequestFunc.
func (h *Handler) Wrap() types.RequestFunc {
	return h.Do
}

// Do runs req through the sync layer. fn is called with the cached body
// first when one exists, and with the network body when nothing was
// delivered yet or, with DeliverFresh, when the network body differs.
func (h *Handler) Do(ctx context.Context, req *types.Request, fn types.Callback) {
	h.DoSource(ctx, req, func(body types.Body, _ Source, err error) {
		fn(body, err)
	})
}

// DoSource is Do with the origin of each delivered body.
func (h *Handler) DoSource(ctx context.Context, req *types.Request, fn SourceCallback) {
	if req.BypassesSync() {
		slog.Debug("bypassing sync", "component", "synchandler", "path", req.Path)
		h.next(ctx, req, func(body types.Body, err error) {
			fn(body, SourceNetwork, err)
		})
		return
	}

	req = req.Clone()
	if h.posts.Handle(ctx, req, func(body types.Body, err error) {
		fn(body, SourceLocal, err)
	}) {
		return
	}

	key := keygen.GenerateKey(req)
	state := deliveredNone

	cached, err := h.loadRecord(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("failed to read cached record", "component", "synchandler", "key", key, "error", err)
	}
	if cached != nil {
		slog.Debug("serving cached record", "component", "synchandler", "path", req.Path, "key", key)
		fn(cached.Body, SourceCache, nil)
		state = deliveredCached
	}

	body, err := h.fetch(ctx, key, req)
	if err != nil {
		if state == deliveredNone {
			fn(nil, SourceNetwork, err)
			return
		}
		slog.Debug("network request failed, cached copy served",
			"component", "synchandler",
			"path", req.Path,
			"error", err,
		)
		return
	}

	if req.IsMutating() {
		slog.Debug("skip storing mutating request", "component", "synchandler", "method", req.Method, "path", req.Path)
	} else {
		body = h.storeResponse(ctx, key, req, cached, body)
	}

	switch {
	case state == deliveredNone:
		fn(body, SourceNetwork, nil)
	case h.cfg.DeliverFresh && !jsonEqual(cached.Body, body):
		fn(body, SourceNetwork, nil)
	}
}

// fetch issues the network request, sharing it between concurrent
// identical reads when coalescing is enabled.
func (h *Handler) fetch(ctx context.Context, key string, req *types.Request) (types.Body, error) {
	if !h.cfg.Coalesce || req.IsMutating() {
		return types.Call(ctx, h.next, req)
	}
	v, err, shared := h.group.Do(key, func() (any, error) {
		return types.Call(ctx, h.next, req)
	})
	if shared {
		slog.Debug("coalesced request", "component", "synchandler", "key", key)
	}
	if err != nil {
		return nil, err
	}
	return v.(types.Body), nil
}

// storeResponse caches a fresh response body and returns it as stored.
// Storage errors are logged; they never fail the request.
func (h *Handler) storeResponse(ctx context.Context, key string, req *types.Request, cached *types.Record, body types.Body) types.Body {
	if gjson.GetBytes(body, "_headers").Exists() {
		if stripped, err := sjson.DeleteBytes(body, "_headers"); err == nil {
			body = stripped
		}
	}

	list := h.IsList(req)
	var series string
	if list {
		series = h.index.PageSeriesKey(req)
		if cached != nil && HasPaginationChanged(body, cached.Body) {
			n, err := h.index.ClearPageSeries(ctx, req)
			if err != nil {
				slog.Error("failed to clear page series", "component", "synchandler", "path", req.Path, "error", err)
			} else {
				slog.Info("pagination changed, page series cleared",
					"component", "synchandler",
					"path", req.Path,
					"removed", n,
				)
			}
		}
	}

	synced := h.now()
	params := req.Clone()
	params.Body = nil
	rec := types.Record{
		Body:   body,
		Sync:   types.SyncMeta{Key: key, Type: types.RecordTypeResponse, Synced: &synced},
		Params: params,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		// Not valid JSON: deliver it, but do not cache it.
		slog.Warn("response is not cacheable", "component", "synchandler", "path", req.Path, "error", err)
		return body
	}
	if err := h.store.Set(ctx, key, data); err != nil {
		slog.Error("failed to store record", "component", "synchandler", "key", key, "error", err)
		return body
	}
	if err := h.index.AddItem(ctx, key, series); err != nil {
		slog.Error("failed to index record", "component", "synchandler", "key", key, "error", err)
	}
	return body
}

// IsList reports whether req is a paginated listing request.
func (h *Handler) IsList(req *types.Request) bool {
	switch req.Kind {
	case types.KindList:
		return true
	case types.KindSingle:
		return false
	}
	if !strings.EqualFold(req.Method, http.MethodGet) {
		return false
	}
	for _, re := range h.lists {
		if re.MatchString(req.Path) {
			return true
		}
	}
	return false
}

// SyncPending retries queued post syncs.
func (h *Handler) SyncPending(ctx context.Context) (int, error) {
	return h.posts.SyncPending(ctx)
}

func (h *Handler) loadRecord(ctx context.Context, key string) (*types.Record, error) {
	data, err := h.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &rec, nil
}

// HasPaginationChanged reports whether a fresh listing page carries a
// different next-page cursor than the cached one. It is false when either
// body has no cursor.
func HasPaginationChanged(fresh, cached types.Body) bool {
	if len(fresh) == 0 || len(cached) == 0 {
		return false
	}
	a := gjson.GetBytes(fresh, NextPageField)
	b := gjson.GetBytes(cached, NextPageField)
	if !a.Exists() || !b.Exists() {
		return false
	}
	return a.Raw != b.Raw
}

func jsonEqual(a, b types.Body) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
