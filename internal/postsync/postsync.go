// Package postsync creates and edits posts optimistically. A new post is
// stored locally under a temporary identifier and returned at once; a
// background sync sends it to the server and, once the server assigns a
// permanent identifier, re-keys the record under that identifier.
package postsync

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
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/restsync/internal/cacheindex"
	"github.com/hyperengineering/restsync/internal/keygen"
	"github.com/hyperengineering/restsync/internal/store"
	"github.com/hyperengineering/restsync/internal/types"
)

var (
	// ErrUnsupportedPath is returned for a path or method the Syncer does
	// not handle.
	ErrUnsupportedPath = errors.New("path is not a post path")

	// ErrUnknownLocalPost is returned when a temporary identifier has no
	// record and no permanent alias.
	ErrUnknownLocalPost = errors.New("unknown local post")

	// ErrNoPostID is returned when a sync response lacks the post ID.
	ErrNoPostID = errors.New("server response carries no post ID")

	// ErrPostDeleted is returned when a post is read or edited after a
	// delete that has not reached the server yet.
	ErrPostDeleted = errors.New("post is deleted")
)

// LocalPrefix marks temporary post identifiers.
const LocalPrefix = "local."

// DefaultStaleAfter is how long a persisted syncing flag is honoured when
// no sync for the record is running in this process.
const DefaultStaleAfter = 5 * time.Minute

var postPathRE = regexp.MustCompile(`^/sites/([^/]+)/posts/(\d+|local\.[0-9A-Za-z]+|new)$`)

// ParsePath extracts the site and post identifier from a post path.
// The identifier is a numeric ID, a local ID or "new".
func ParsePath(path string) (site, id string, ok bool) {
	m := postPathRE.FindStringSubmatch(path)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// IsLocalID reports whether id is a temporary identifier.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalPrefix)
}

// PostKey is the record key of a post: the key of the edit-context GET
// request for that post.
func PostKey(site, id string) string {
	return keygen.GenerateKey(&types.Request{
		APIVersion: "1.1",
		Method:     http.MethodGet,
		Path:       postPath(site, id),
		Query:      "context=edit&meta=autosave",
	})
}

// aliasKey holds the permanent ID assigned to a local ID. It lives in the
// record namespace so a full clear drops it too.
func aliasKey(localID string) string {
	return keygen.Namespace + "alias_" + strings.ReplaceAll(localID, ".", "_")
}

func postPath(site, id string) string {
	return "/sites/" + site + "/posts/" + id
}

// Syncer handles post edition requests.
type Syncer struct {
	store      store.RecordStore
	index      *cacheindex.Index
	queue      *Queue
	next       types.RequestFunc
	locks      *keyLock
	now        func() time.Time
	newID      func() string
	staleAfter time.Duration

	// mu serializes read-modify-write of post records. It is never held
	// across a network call.
	mu sync.Mutex
	wg sync.WaitGroup
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// WithIDGenerator overrides the random suffix of temporary identifiers.
// Generated values must be alphanumeric.
func WithIDGenerator(fn func() string) Option {
	return func(s *Syncer) { s.newID = fn }
}

// WithStaleAfter sets how long a persisted syncing flag blocks a new sync.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Syncer) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// New creates a Syncer that sends requests through next.
func New(s store.RecordStore, idx *cacheindex.Index, next types.RequestFunc, opts ...Option) *Syncer {
	sy := &Syncer{
		store:      s,
		index:      idx,
		queue:      NewQueue(s),
		next:       next,
		locks:      newKeyLock(),
		now:        time.Now,
		newID:      func() string { return ulid.Make().String() },
		staleAfter: DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(sy)
	}
	return sy
}

// Queue returns the offline queue used by the Syncer.
func (s *Syncer) Queue() *Queue {
	return s.queue
}

// Match reports whether req is a post edition request handled by the Syncer.
func (s *Syncer) Match(req *types.Request) bool {
	if strings.EqualFold(req.Method, http.MethodGet) {
		return false
	}
	_, _, ok := ParsePath(req.Path)
	return ok
}

// Handle processes a post edition request. It reports false, without
// calling fn, when req is not a post edition request.
func (s *Syncer) Handle(ctx context.Context, req *types.Request, fn types.Callback) bool {
	if !s.Match(req) {
		return false
	}
	site, id, _ := ParsePath(req.Path)

	switch {
	case strings.EqualFold(req.Method, http.MethodDelete):
		if id == "new" {
			fn(nil, fmt.Errorf("%w: DELETE %s", ErrUnsupportedPath, req.Path))
			return true
		}
		s.remove(ctx, req, site, id, fn)
	case id == "new":
		slog.Debug("new post request", "component", "postsync", "site", site)
		s.create(ctx, req, site, fn)
	default:
		slog.Debug("edit post request", "component", "postsync", "site", site, "id", id)
		s.edit(ctx, req, site, id, fn)
	}
	return true
}

// Wait blocks until every background sync started by the Syncer finishes.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

// Post returns the stored record of the post addressed by path. A local
// ID that has since been synced resolves to the permanent record.
func (s *Syncer) Post(ctx context.Context, path string) (*types.Record, error) {
	site, id, ok := ParsePath(path)
	if !ok || id == "new" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPath, path)
	}
	rec, err := s.loadRecord(ctx, PostKey(site, id))
	if errors.Is(err, store.ErrNotFound) && IsLocalID(id) {
		remoteID, aliasErr := s.resolveAlias(ctx, id)
		if aliasErr != nil {
			return nil, aliasErr
		}
		rec, err = s.loadRecord(ctx, PostKey(site, remoteID))
	}
	if err == nil && rec.Sync.IsDeleted() {
		return nil, fmt.Errorf("%w: %s", ErrPostDeleted, path)
	}
	return rec, err
}

func (s *Syncer) create(ctx context.Context, req *types.Request, site string, fn types.Callback) {
	localID := LocalPrefix + s.newID()
	globalID := "global." + localID
	key := PostKey(site, localID)

	body, err := markLocal(req.Body, localID, globalID)
	if err != nil {
		fn(nil, fmt.Errorf("build local post: %w", err))
		return
	}

	rec := &types.Record{
		Body: body,
		Sync: types.SyncMeta{Key: key, Type: types.RecordTypePost},
		Params: &types.Request{
			APIVersion: req.APIVersion,
			Method:     http.MethodPost,
			Path:       postPath(site, "new"),
			Query:      req.Query,
		},
	}
	if err := s.saveRecord(ctx, key, rec); err != nil {
		fn(nil, err)
		return
	}
	if err := s.queue.Add(ctx, key); err != nil {
		// An unqueued local record would never be retried.
		if rmErr := s.store.Remove(ctx, key); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
		fn(nil, err)
		return
	}

	slog.Info("local post created", "component", "postsync", "site", site, "local_id", localID)
	fn(body, nil)

	s.syncInBackground(ctx, key)
}

func (s *Syncer) edit(ctx context.Context, req *types.Request, site, id string, fn types.Callback) {
	s.mu.Lock()
	key, rec, err := s.applyEdit(ctx, req, site, id)
	s.mu.Unlock()
	if err != nil {
		fn(nil, err)
		return
	}

	fn(rec.Body, nil)
	s.syncInBackground(ctx, key)
}

// applyEdit merges the request body into the stored post and returns the
// key the post now lives under. Callers hold s.mu.
func (s *Syncer) applyEdit(ctx context.Context, req *types.Request, site, id string) (string, *types.Record, error) {
	key := PostKey(site, id)
	rec, err := s.loadRecord(ctx, key)
	if errors.Is(err, store.ErrNotFound) && IsLocalID(id) {
		// The local record is gone once the server confirmed it; follow the alias.
		remoteID, aliasErr := s.resolveAlias(ctx, id)
		if aliasErr != nil {
			return "", nil, aliasErr
		}
		key = PostKey(site, remoteID)
		rec, err = s.loadRecord(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			rec, err = blankPost(key, remoteID), nil
		}
	} else if errors.Is(err, store.ErrNotFound) {
		// Not cached yet: start from the identifier alone.
		rec, err = blankPost(key, id), nil
	}
	if err != nil {
		return "", nil, err
	}
	if rec.Sync.IsDeleted() {
		return "", nil, fmt.Errorf("%w: %s", ErrPostDeleted, id)
	}

	changes, err := stripFields(req.Body, localFields...)
	if err != nil {
		return "", nil, fmt.Errorf("read post changes: %w", err)
	}
	if rec.Body, err = mergeBody(rec.Body, changes); err != nil {
		return "", nil, fmt.Errorf("merge post changes: %w", err)
	}

	currentID := bodyID(rec.Body)
	if IsLocalID(currentID) {
		slog.Debug("still working locally", "component", "postsync", "local_id", currentID)
		if err := s.saveRecord(ctx, key, rec); err != nil {
			return "", nil, err
		}
		return key, rec, s.queue.Add(ctx, key)
	}

	newKey := PostKey(site, currentID)
	if newKey != key {
		// A local record whose body already carries the server ID.
		if err := s.dropRecord(ctx, key); err != nil {
			return "", nil, err
		}
	}
	rec.Sync.Key = newKey
	rec.Params = &types.Request{
		APIVersion: req.APIVersion,
		Method:     req.Method,
		Path:       postPath(site, currentID),
		Query:      req.Query,
	}
	if err := s.saveRecord(ctx, newKey, rec); err != nil {
		return "", nil, err
	}
	if err := s.index.AddItem(ctx, newKey, ""); err != nil {
		slog.Error("failed to index post record", "component", "postsync", "key", newKey, "error", err)
	}
	return newKey, rec, s.queue.Add(ctx, newKey)
}

func blankPost(key, id string) *types.Record {
	return &types.Record{
		Body: types.Body(fmt.Sprintf(`{"ID":%s}`, id)),
		Sync: types.SyncMeta{Key: key, Type: types.RecordTypePost},
	}
}

// remove discards a post that never reached the server, or marks it deleted
// when its create is in flight. Deleting a server post goes straight to the
// network and drops the cached copy.
func (s *Syncer) remove(ctx context.Context, req *types.Request, site, id string, fn types.Callback) {
	key := PostKey(site, id)

	if !IsLocalID(id) {
		body, err := types.Call(ctx, s.next, req)
		if err != nil {
			fn(nil, err)
			return
		}
		s.mu.Lock()
		err = s.dropRecord(ctx, key)
		s.mu.Unlock()
		if err != nil {
			slog.Error("failed to drop deleted post", "component", "postsync", "key", key, "error", err)
		}
		fn(body, nil)
		return
	}

	// A held lock means the create is in flight; the sync sends the delete
	// once the server has assigned the permanent ID.
	release, idle := s.locks.TryLock(key)
	if idle {
		defer release()
	}

	s.mu.Lock()
	rec, err := s.loadRecord(ctx, key)
	if err == nil {
		switch {
		case rec.Sync.IsDeleted():
		case idle:
			err = s.dropRecord(ctx, key)
		default:
			deleted := s.now()
			rec.Sync.Deleted = &deleted
			err = s.saveRecord(ctx, key, rec)
		}
	}
	s.mu.Unlock()

	if errors.Is(err, store.ErrNotFound) {
		remoteID, aliasErr := s.resolveAlias(ctx, id)
		if aliasErr != nil {
			fn(nil, aliasErr)
			return
		}
		// Already on the server: delete it there.
		out := req.Clone()
		out.Path = postPath(site, remoteID)
		s.remove(ctx, out, site, remoteID, fn)
		if err := s.store.Remove(ctx, aliasKey(id)); err != nil {
			slog.Error("failed to drop post alias", "component", "postsync", "local_id", id, "error", err)
		}
		return
	}
	if err != nil {
		fn(nil, err)
		return
	}
	if idle {
		slog.Info("local post discarded", "component", "postsync", "local_id", id)
	} else {
		slog.Info("local post deleted during sync", "component", "postsync", "local_id", id)
	}
	fn(rec.Body, nil)
}

func (s *Syncer) syncInBackground(ctx context.Context, key string) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.SyncRecord(ctx, key); err != nil {
			slog.Warn("background post sync failed",
				"component", "postsync",
				"key", key,
				"error", err,
			)
		}
	}()
}

// SyncRecord sends the record stored under key to the server. At most one
// sync per key runs at a time; a concurrent attempt returns nil without
// doing anything. Edits made while the request was in flight are sent by a
// follow-up request.
func (s *Syncer) SyncRecord(ctx context.Context, key string) error {
	for {
		next, err := s.syncOnce(ctx, key)
		if err != nil || next == "" {
			return err
		}
		key = next
	}
}

// syncOnce returns the key to sync again when the record changed while
// the request was in flight.
func (s *Syncer) syncOnce(ctx context.Context, key string) (string, error) {
	release, ok := s.locks.TryLock(key)
	if !ok {
		slog.Debug("post is syncing, skipping", "component", "postsync", "key", key)
		return "", nil
	}
	defer release()

	out, sent, err := s.beginSync(ctx, key)
	if err != nil || out == nil {
		return "", err
	}

	deleting := strings.EqualFold(out.Method, http.MethodDelete)
	data, err := types.Call(ctx, s.next, out)
	if err == nil && !deleting && bodyID(data) == "" {
		err = ErrNoPostID
	}
	if err != nil {
		return "", s.syncFailed(ctx, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if deleting {
		if err := s.dropRecord(ctx, key); err != nil {
			return "", err
		}
		slog.Info("post deleted", "component", "postsync", "path", out.Path)
		return "", nil
	}
	return s.finishSync(ctx, key, sent, data)
}

// beginSync marks the record as syncing and builds the request to send.
// It returns a nil request when there is nothing to do.
func (s *Syncer) beginSync(ctx context.Context, key string) (*types.Request, types.Body, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadRecord(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, s.queue.Remove(ctx, key)
	}
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	if rec.Sync.IsSyncing() && now.Sub(*rec.Sync.Syncing) < s.staleAfter {
		slog.Debug("post is marked syncing, skipping", "component", "postsync", "key", key)
		return nil, nil, nil
	}
	if rec.Sync.IsDeleted() && IsLocalID(bodyID(rec.Body)) {
		// Deleted before the server ever saw it.
		return nil, nil, s.dropRecord(ctx, key)
	}
	if rec.Params == nil {
		return nil, nil, fmt.Errorf("record %s has no request to replay", key)
	}

	out := rec.Params.Clone()
	out.Body = rec.Body
	switch {
	case rec.Sync.IsDeleted():
		out.Method = http.MethodDelete
		out.Body = nil
	case IsLocalID(bodyID(rec.Body)):
		site, _, _ := ParsePath(out.Path)
		out.Path = postPath(site, "new")
		out.Method = http.MethodPost
		if out.Body, err = stripFields(rec.Body, localFields...); err != nil {
			return nil, nil, fmt.Errorf("prepare local post: %w", err)
		}
	}

	rec.Sync.Syncing = &now
	if err := s.saveRecord(ctx, key, rec); err != nil {
		return nil, nil, err
	}
	return out, rec.Body, nil
}

// finishSync stores the server's copy of the post, keeping edits made
// while the request was in flight. Callers hold s.mu.
func (s *Syncer) finishSync(ctx context.Context, key string, sent, data types.Body) (string, error) {
	current, err := s.loadRecord(ctx, key)
	if err != nil {
		return "", err
	}
	dirty := !bytes.Equal(current.Body, sent)
	body := data
	if dirty {
		changes, err := stripFields(current.Body, localFields...)
		if err == nil {
			body, err = mergeBody(data, changes)
		}
		if err != nil {
			return "", fmt.Errorf("merge post changes: %w", err)
		}
	}

	localID := bodyID(sent)
	remoteID := bodyID(data)
	site, _, _ := ParsePath(current.Params.Path)
	isLocal := IsLocalID(localID)
	newKey := key
	if isLocal {
		newKey = PostKey(site, remoteID)
	}

	if current.Sync.IsDeleted() {
		// Deleted while the create was in flight. The tombstone stays under
		// the local key, now aimed at the permanent post, and the delete is
		// sent next.
		current.Body = data
		current.Sync.Syncing = nil
		current.Params.Path = postPath(site, remoteID)
		if err := s.saveRecord(ctx, key, current); err != nil {
			return "", err
		}
		if err := s.queue.Add(ctx, key); err != nil {
			return "", err
		}
		slog.Info("deleted local post synced, deleting on server",
			"component", "postsync",
			"local_id", localID,
			"id", remoteID,
		)
		return key, nil
	}

	synced := s.now()
	rec := &types.Record{
		Body: body,
		Sync: types.SyncMeta{Key: newKey, Type: types.RecordTypePost, Synced: &synced},
		Params: &types.Request{
			APIVersion: current.Params.APIVersion,
			Method:     http.MethodPost,
			Path:       postPath(site, remoteID),
			Query:      current.Params.Query,
		},
	}
	if err := s.saveRecord(ctx, newKey, rec); err != nil {
		return "", err
	}
	if err := s.index.AddItem(ctx, newKey, ""); err != nil {
		slog.Error("failed to index post record", "component", "postsync", "key", newKey, "error", err)
	}

	if isLocal {
		if err := s.store.Set(ctx, aliasKey(localID), []byte(remoteID)); err != nil {
			return "", fmt.Errorf("store alias: %w", err)
		}
		if err := s.dropRecord(ctx, key); err != nil {
			return "", err
		}
		slog.Info("local post synced",
			"component", "postsync",
			"local_id", localID,
			"id", remoteID,
		)
	} else {
		slog.Info("post synced", "component", "postsync", "id", remoteID)
	}

	if !dirty {
		return "", s.queue.Remove(ctx, newKey)
	}
	if err := s.queue.Add(ctx, newKey); err != nil {
		return "", err
	}
	slog.Debug("post edited during sync, resending", "component", "postsync", "key", newKey)
	return newKey, nil
}

// syncFailed clears the syncing flag so a later attempt can retry, and
// records the failure on the record.
func (s *Syncer) syncFailed(ctx context.Context, key string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadRecord(ctx, key)
	if err != nil {
		return errors.Join(cause, err)
	}
	if rec.Sync.IsDeleted() && IsLocalID(bodyID(rec.Body)) {
		slog.Debug("create of deleted local post failed, dropping",
			"component", "postsync",
			"key", key,
			"error", cause,
		)
		return s.dropRecord(ctx, key)
	}
	rec.Sync.Syncing = nil
	rec.Sync.Attempts++
	rec.Sync.LastError = cause.Error()
	if err := s.saveRecord(ctx, key, rec); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// SyncPending retries every queued record and returns how many were
// attempted. Failures are joined into the returned error.
func (s *Syncer) SyncPending(ctx context.Context) (int, error) {
	keys, err := s.queue.List(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		if err := s.SyncRecord(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return len(keys), errors.Join(errs...)
}

func (s *Syncer) resolveAlias(ctx context.Context, localID string) (string, error) {
	data, err := s.store.Get(ctx, aliasKey(localID))
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUnknownLocalPost, localID)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// dropRecord removes a post record with its manifest and queue entries.
func (s *Syncer) dropRecord(ctx context.Context, key string) error {
	if err := s.store.Remove(ctx, key); err != nil {
		return fmt.Errorf("remove post record: %w", err)
	}
	if err := s.index.RemoveItem(ctx, key); err != nil {
		return err
	}
	return s.queue.Remove(ctx, key)
}

func (s *Syncer) loadRecord(ctx context.Context, key string) (*types.Record, error) {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode post record %s: %w", key, err)
	}
	return &rec, nil
}

func (s *Syncer) saveRecord(ctx context.Context, key string, rec *types.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode post record: %w", err)
	}
	if err := s.store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("store post record: %w", err)
	}
	return nil
}
