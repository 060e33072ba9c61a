package types

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Body is an opaque REST API response or request payload.
type Body = json.RawMessage

// Callback receives the result of a request. It may be invoked more than
// once for a single request: first with an optimistic (cached or local)
// body, then with the fresh network body.
type Callback func(body Body, err error)

// RequestFunc sends a request and reports the outcome through fn.
// The SyncHandler both consumes and returns values of this type.
type RequestFunc func(ctx context.Context, req *Request, fn Callback)

// Kind declares how a request's response should be treated by the cache.
type Kind int

const (
	// KindAuto classifies the request using the configured listing patterns.
	KindAuto Kind = iota
	// KindSingle is a request for a single resource.
	KindSingle
	// KindList is a paginated listing request.
	KindList
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindList:
		return "list"
	default:
		return "auto"
	}
}

// MetaAPI carries administrative flags that are not part of the REST call.
type MetaAPI struct {
	AccessAllUsersBlogs bool `json:"accessAllUsersBlogs,omitempty"`
}

// Request identifies a REST call.
type Request struct {
	APIVersion string   `json:"apiVersion,omitempty"`
	Method     string   `json:"method"`
	Path       string   `json:"path"`
	Query      string   `json:"query,omitempty"`
	Body       Body     `json:"body,omitempty"`
	MetaAPI    *MetaAPI `json:"metaAPI,omitempty"`
	Kind       Kind     `json:"kind,omitempty"`
}

// Clone returns a copy of the request that shares no mutable state with r.
func (r *Request) Clone() *Request {
	c := *r
	if r.Body != nil {
		c.Body = append(Body(nil), r.Body...)
	}
	if r.MetaAPI != nil {
		m := *r.MetaAPI
		c.MetaAPI = &m
	}
	return &c
}

// IsMutating reports whether the request method writes on the server.
func (r *Request) IsMutating() bool {
	switch strings.ToUpper(r.Method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// BypassesSync reports whether the request must skip the sync layer entirely.
func (r *Request) BypassesSync() bool {
	return r.MetaAPI != nil && r.MetaAPI.AccessAllUsersBlogs
}

// SyncMeta tracks the synchronization state of a cached record.
// A nil timestamp means false.
type SyncMeta struct {
	Key       string     `json:"key"`
	Type      string     `json:"type,omitempty"`
	Synced    *time.Time `json:"synced,omitempty"`
	Syncing   *time.Time `json:"syncing,omitempty"`
	Deleted   *time.Time `json:"deleted,omitempty"`
	Attempts  int        `json:"attempts,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// IsSyncing reports whether a background sync is marked in flight.
func (m SyncMeta) IsSyncing() bool {
	return m.Syncing != nil
}

// IsDeleted reports whether the post was deleted locally and the delete
// has yet to reach the server.
func (m SyncMeta) IsDeleted() bool {
	return m.Deleted != nil
}

// IsSynced reports whether the record has been confirmed by the server.
func (m SyncMeta) IsSynced() bool {
	return m.Synced != nil
}

// Record is a cached API response.
type Record struct {
	Body   Body     `json:"body"`
	Sync   SyncMeta `json:"__sync"`
	Params *Request `json:"params,omitempty"`
}

// IndexEntry is one manifest entry describing a cached record.
type IndexEntry struct {
	Key           string    `json:"key"`
	Timestamp     time.Time `json:"timestamp"`
	PageSeriesKey string    `json:"pageSeriesKey,omitempty"`
}

// Partition splits manifest entries into those to drop and those to keep.
type Partition struct {
	Remove []IndexEntry
	Retain []IndexEntry
}

// Record type markers stored in SyncMeta.Type.
const (
	RecordTypeResponse = "response"
	RecordTypePost     = "post"
)

// Call sends req through fn and returns the first result it reports.
// RequestFunc implementations invoke their callback before returning.
func Call(ctx context.Context, fn RequestFunc, req *Request) (Body, error) {
	var (
		once sync.Once
		body Body
		err  error
		got  bool
	)
	fn(ctx, req, func(b Body, e error) {
		once.Do(func() {
			body, err, got = b, e, true
		})
	})
	if !got {
		return nil, ErrNoResponse
	}
	return body, err
}

// ErrNoResponse is returned by Call when the RequestFunc returned without
// invoking its callback.
var ErrNoResponse = errors.New("request function returned without a response")
