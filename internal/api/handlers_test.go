package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hyperengineering/restsync/internal/cacheindex"
	"github.com/hyperengineering/restsync/internal/keygen"
	"github.com/hyperengineering/restsync/internal/store"
	"github.com/hyperengineering/restsync/internal/synchandler"
	"github.com/hyperengineering/restsync/internal/transport"
	"github.com/hyperengineering/restsync/internal/types"
)

// --- Mock Implementations for Testing ---

// mockNetwork answers every REST call with a fixed body or error.
type mockNetwork struct {
	mu    sync.Mutex
	body  string
	err   error
	calls []*types.Request
}

func (m *mockNetwork) respond(body string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.body, m.err = body, err
}

func (m *mockNetwork) Calls() []*types.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Request(nil), m.calls...)
}

func (m *mockNetwork) Do(ctx context.Context, req *types.Request, fn types.Callback) {
	m.mu.Lock()
	m.calls = append(m.calls, req.Clone())
	body, err := m.body, m.err
	m.mu.Unlock()
	if err != nil {
		fn(nil, err)
		return
	}
	fn(types.Body(body), nil)
}

type apiFixture struct {
	handler *Handler
	router  http.Handler
	store   *store.MemoryStore
	index   *cacheindex.Index
	net     *mockNetwork
}

func newAPIFixture(t *testing.T, apiKey string) *apiFixture {
	t.Helper()
	s := store.NewMemoryStore()
	idx := cacheindex.New(s)
	net := &mockNetwork{body: `{"ID":42,"title":"hello"}`}
	sh, err := synchandler.New(synchandler.DefaultConfig(), s, idx, net.Do)
	if err != nil {
		t.Fatalf("synchandler.New failed: %v", err)
	}
	h := NewHandler(sh, s, idx, HandlerConfig{APIKey: apiKey, Version: "test"})
	return &apiFixture{handler: h, router: NewRouter(h), store: s, index: idx, net: net}
}

func (f *apiFixture) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	// Let the background cache refresh settle before assertions.
	f.handler.Wait()
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", w.Body.String(), err)
	}
	return v
}

// --- Health ---

func TestHealth_PublicAndCounts(t *testing.T) {
	f := newAPIFixture(t, testAPIKey)

	w := f.do(t, http.MethodGet, "/api/v1/health", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode[HealthResponse](t, w)
	if resp.Status != "healthy" || resp.Version != "test" {
		t.Errorf("health = %+v", resp)
	}
	if resp.Records != 0 || resp.Queued != 0 {
		t.Errorf("records/queued = %d/%d, want 0/0", resp.Records, resp.Queued)
	}
}

func TestProtectedRoutes_RequireAuth(t *testing.T) {
	f := newAPIFixture(t, testAPIKey)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/records"},
		{http.MethodDelete, "/api/v1/records"},
		{http.MethodPost, "/api/v1/queue/sync"},
		{http.MethodGet, "/rest/v1.1/me"},
	} {
		w := f.do(t, tc.method, tc.path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", tc.method, tc.path, w.Code)
		}
	}
	if n := len(f.net.Calls()); n != 0 {
		t.Errorf("network called %d times without auth", n)
	}

	w := f.do(t, http.MethodGet, "/api/v1/records", "", map[string]string{"Authorization": "Bearer " + testAPIKey})
	if w.Code != http.StatusOK {
		t.Errorf("with auth: status = %d, want 200", w.Code)
	}
}

// --- Proxy ---

func TestProxy_NetworkThenCache(t *testing.T) {
	// Given: an empty cache
	f := newAPIFixture(t, "")
	f.net.respond(`{"ID":1,"login":"first"}`, nil)

	// When: the same resource is requested twice while the server changes
	w := f.do(t, http.MethodGet, "/rest/v1.1/me?fields=ID", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("first: status = %d, body %s", w.Code, w.Body.String())
	}
	if src := w.Header().Get(SourceHeader); src != "network" {
		t.Errorf("first: source = %q, want network", src)
	}

	f.net.respond(`{"ID":1,"login":"second"}`, nil)
	w = f.do(t, http.MethodGet, "/rest/v1.1/me?fields=ID", "", nil)

	// Then: the cached body answers, and the refresh updates the store
	if src := w.Header().Get(SourceHeader); src != "cache" {
		t.Errorf("second: source = %q, want cache", src)
	}
	if got := gjson.Get(w.Body.String(), "login").String(); got != "first" {
		t.Errorf("second: login = %q, want first", got)
	}

	calls := f.net.Calls()
	if len(calls) != 2 {
		t.Fatalf("network calls = %d, want 2", len(calls))
	}
	if calls[0].APIVersion != "1.1" || calls[0].Path != "/me" || calls[0].Query != "fields=ID" {
		t.Errorf("forwarded request = %+v", calls[0])
	}

	key := keygen.GenerateKey(&types.Request{APIVersion: "1.1", Method: "GET", Path: "/me", Query: "fields=ID"})
	data, err := f.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("record not stored: %v", err)
	}
	if got := gjson.GetBytes(data, "body.login").String(); got != "second" {
		t.Errorf("stored login = %q, want second", got)
	}
}

func TestProxy_UpstreamErrorPassedThrough(t *testing.T) {
	f := newAPIFixture(t, "")
	f.net.respond("", &transport.APIError{StatusCode: 404, Code: "unknown_blog", Message: "Unknown blog"})

	w := f.do(t, http.MethodGet, "/rest/v1.1/sites/nope", "", nil)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	p := decode[Problem](t, w)
	if p.Detail != "Unknown blog" {
		t.Errorf("detail = %q, want Unknown blog", p.Detail)
	}
}

func TestProxy_NetworkErrorWithoutCache(t *testing.T) {
	f := newAPIFixture(t, "")
	f.net.respond("", errors.New("dial tcp: connection refused"))

	w := f.do(t, http.MethodGet, "/rest/v1.1/me", "", nil)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Error("internal error detail leaked to client")
	}
}

func TestProxy_RejectsBadInput(t *testing.T) {
	f := newAPIFixture(t, "")

	tests := []struct {
		name    string
		body    string
		headers map[string]string
	}{
		{"invalid json", "{not json", nil},
		{"bad kind", "", map[string]string{KindHeader: "bundle"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/rest/v1.1/me/settings", tt.body, tt.headers)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
	if n := len(f.net.Calls()); n != 0 {
		t.Errorf("network called %d times for rejected input", n)
	}
}

func TestProxy_BypassSkipsCache(t *testing.T) {
	f := newAPIFixture(t, "")

	w := f.do(t, http.MethodGet, "/rest/v1.1/me/sites", "", map[string]string{BypassHeader: "true"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if calls := f.net.Calls(); len(calls) != 1 || !calls[0].BypassesSync() {
		t.Errorf("calls = %+v, want one bypassing call", calls)
	}
	if f.store.Len() != 0 {
		t.Errorf("store has %d entries, want 0", f.store.Len())
	}
}

func TestProxy_NewPostAnsweredLocally(t *testing.T) {
	// Given: a server that accepts posts
	f := newAPIFixture(t, "")
	f.net.respond(`{"ID":42,"title":"hello"}`, nil)

	// When: a post is created through the proxy
	w := f.do(t, http.MethodPost, "/rest/v1.1/sites/example.com/posts/new", `{"title":"hello"}`, nil)

	// Then: the answer carries a local ID and the post syncs in the background
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if src := w.Header().Get(SourceHeader); src != "local" {
		t.Errorf("source = %q, want local", src)
	}
	if id := gjson.Get(w.Body.String(), "ID").String(); !strings.HasPrefix(id, "local.") {
		t.Errorf("ID = %q, want a local ID", id)
	}

	calls := f.net.Calls()
	if len(calls) != 1 || calls[0].Path != "/sites/example.com/posts/new" {
		t.Fatalf("calls = %+v, want one post to /new", calls)
	}

	w = f.do(t, http.MethodGet, "/api/v1/queue", "", nil)
	if resp := decode[QueueResponse](t, w); len(resp.Keys) != 0 {
		t.Errorf("queue = %v, want empty after sync", resp.Keys)
	}
}

// --- Records ---

func TestRecords_ListGetDelete(t *testing.T) {
	f := newAPIFixture(t, "")
	f.do(t, http.MethodGet, "/rest/v1.1/me", "", nil)
	f.do(t, http.MethodGet, "/rest/v1.1/sites/example.com", "", nil)

	w := f.do(t, http.MethodGet, "/api/v1/records", "", nil)
	list := decode[RecordsResponse](t, w)
	if list.Count != 2 {
		t.Fatalf("count = %d, want 2", list.Count)
	}

	key := keygen.GenerateKey(&types.Request{APIVersion: "1.1", Method: "GET", Path: "/me"})
	w = f.do(t, http.MethodGet, "/api/v1/records/"+key, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "__sync.key").String(); got != key {
		t.Errorf("__sync.key = %q, want %q", got, key)
	}

	w = f.do(t, http.MethodDelete, "/api/v1/records/"+key, "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/api/v1/records/"+key, "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", w.Code)
	}
	w = f.do(t, http.MethodDelete, "/api/v1/records/"+key, "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/v1/records", "", nil)
	if list := decode[RecordsResponse](t, w); list.Count != 1 {
		t.Errorf("count after delete = %d, want 1", list.Count)
	}
}

func TestRecords_NonRecordKeyHidden(t *testing.T) {
	f := newAPIFixture(t, "")
	if err := f.store.Set(context.Background(), "sync-queue", []byte(`[]`)); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodGet, "/api/v1/records/sync-queue", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRecords_Clear(t *testing.T) {
	f := newAPIFixture(t, "")
	f.do(t, http.MethodGet, "/rest/v1.1/me", "", nil)
	f.do(t, http.MethodGet, "/rest/v1.1/me/settings", "", nil)

	w := f.do(t, http.MethodDelete, "/api/v1/records", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	// Two records plus the manifest.
	if resp := decode[RemovedResponse](t, w); resp.Removed != 3 {
		t.Errorf("removed = %d, want 3", resp.Removed)
	}
	if entries, _ := f.index.GetAll(context.Background()); len(entries) != 0 {
		t.Errorf("index still has %d entries", len(entries))
	}
}

func TestRecords_Prune(t *testing.T) {
	f := newAPIFixture(t, "")
	f.do(t, http.MethodGet, "/rest/v1.1/me", "", nil)

	w := f.do(t, http.MethodPost, "/api/v1/records/prune?lifetime=1+day", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if resp := decode[RemovedResponse](t, w); resp.Removed != 0 {
		t.Errorf("removed = %d, want 0 for a fresh record", resp.Removed)
	}

	w = f.do(t, http.MethodPost, "/api/v1/records/prune?lifetime=whenever", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid lifetime: status = %d, want 400", w.Code)
	}
}

// --- Queue ---

func TestQueue_SyncRetriesFailedPosts(t *testing.T) {
	// Given: a post created while offline
	f := newAPIFixture(t, "")
	f.net.respond("", errors.New("offline"))
	w := f.do(t, http.MethodPost, "/rest/v1.1/sites/example.com/posts/new", `{"title":"draft"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("create: status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/v1/queue", "", nil)
	if resp := decode[QueueResponse](t, w); len(resp.Keys) != 1 {
		t.Fatalf("queue = %v, want one key", resp.Keys)
	}

	// When: the connection is back and the queue is drained
	f.net.respond(`{"ID":42,"title":"draft"}`, nil)
	w = f.do(t, http.MethodPost, "/api/v1/queue/sync", "", nil)

	// Then: the post is synced and dequeued
	resp := decode[SyncQueueResponse](t, w)
	if resp.Attempted != 1 || resp.Error != "" {
		t.Errorf("sync = %+v, want one clean attempt", resp)
	}
	w = f.do(t, http.MethodGet, "/api/v1/queue", "", nil)
	if resp := decode[QueueResponse](t, w); len(resp.Keys) != 0 {
		t.Errorf("queue = %v, want empty", resp.Keys)
	}
}

func TestQueue_SyncReportsFailures(t *testing.T) {
	f := newAPIFixture(t, "")
	f.net.respond("", errors.New("offline"))
	f.do(t, http.MethodPost, "/rest/v1.1/sites/example.com/posts/new", `{"title":"draft"}`, nil)

	w := f.do(t, http.MethodPost, "/api/v1/queue/sync", "", nil)

	resp := decode[SyncQueueResponse](t, w)
	if resp.Attempted != 1 || resp.Error == "" {
		t.Errorf("sync = %+v, want one failed attempt", resp)
	}
}

// --- Keys ---

func TestKey_ListRequest(t *testing.T) {
	f := newAPIFixture(t, "")
	body := `{"apiVersion":"1.1","method":"GET","path":"/sites/x/posts","query":"number=20&page_handle=abc"}`

	w := f.do(t, http.MethodPost, "/api/v1/keys", body, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode[KeyResponse](t, w)
	req := &types.Request{APIVersion: "1.1", Method: "GET", Path: "/sites/x/posts", Query: "number=20&page_handle=abc"}
	if resp.Key != keygen.GenerateKey(req) {
		t.Errorf("key = %q, want %q", resp.Key, keygen.GenerateKey(req))
	}
	if !resp.List || resp.PageSeriesKey == "" {
		t.Errorf("list = %v, series = %q; want a listing with a series key", resp.List, resp.PageSeriesKey)
	}
	if resp.PageSeriesKey != keygen.PageSeriesKey(req, keygen.DefaultPageCursor) {
		t.Errorf("series = %q, want cursor-free key", resp.PageSeriesKey)
	}
}

func TestKey_Invalid(t *testing.T) {
	f := newAPIFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/v1/keys", `{"method":"TRACE"}`, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
	p := decode[ProblemWithErrors](t, w)
	if len(p.Errors) < 2 {
		t.Errorf("errors = %+v, want method and path errors", p.Errors)
	}

	w = f.do(t, http.MethodPost, "/api/v1/keys", `nope`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d, want 400", w.Code)
	}
}

func TestHandler_WaitReturns(t *testing.T) {
	f := newAPIFixture(t, "")
	f.do(t, http.MethodGet, "/rest/v1.1/me", "", nil)

	done := make(chan struct{})
	go func() {
		f.handler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
}
