package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/restsync/internal/cacheindex"
	"github.com/hyperengineering/restsync/internal/keygen"
	"github.com/hyperengineering/restsync/internal/store"
	"github.com/hyperengineering/restsync/internal/synchandler"
	"github.com/hyperengineering/restsync/internal/types"
	"github.com/hyperengineering/restsync/internal/validation"
)

// Headers understood or set by the REST proxy.
const (
	// SourceHeader reports whether the body came from the cache, a local
	// post, or the network.
	SourceHeader = "X-Restsync-Source"
	// KindHeader overrides list detection with "list" or "single".
	KindHeader = "X-Restsync-Kind"
	// BypassHeader set to "true" sends the request straight to the network.
	BypassHeader = "X-Restsync-Bypass"
)

// maxBodyBytes bounds proxied request bodies.
const maxBodyBytes = 10 << 20

// HandlerConfig holds the settings of the HTTP surface.
type HandlerConfig struct {
	APIKey   string
	Version  string
	Lifetime string
}

// Handler implements the API handlers
type Handler struct {
	sync    *synchandler.Handler
	store   store.RecordStore
	index   *cacheindex.Index
	cfg     HandlerConfig
	started time.Time

	inflight sync.WaitGroup
}

// NewHandler creates a Handler serving the records held by s and idx and
// proxying REST calls through sh.
func NewHandler(sh *synchandler.Handler, s store.RecordStore, idx *cacheindex.Index, cfg HandlerConfig) *Handler {
	if cfg.Lifetime == "" {
		cfg.Lifetime = "2 days"
	}
	return &Handler{
		sync:    sh,
		store:   s,
		index:   idx,
		cfg:     cfg,
		started: time.Now(),
	}
}

// Wait blocks until proxied requests still refreshing the cache and
// background post syncs finish.
func (h *Handler) Wait() {
	h.inflight.Wait()
	h.sync.Wait()
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Records       int    `json:"records"`
	Queued        int    `json:"queued"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	entries, err := h.index.GetAll(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Record store unavailable")
		return
	}
	queued, err := h.sync.Posts().Queue().List(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Record store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		Version:       h.cfg.Version,
		Records:       len(entries),
		Queued:        len(queued),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

// RecordsResponse lists the cache manifest.
type RecordsResponse struct {
	Count   int                `json:"count"`
	Records []types.IndexEntry `json:"records"`
}

// ListRecords handles GET /api/v1/records
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	entries, err := h.index.GetAll(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.IndexEntry{}
	}
	writeJSON(w, http.StatusOK, RecordsResponse{Count: len(entries), Records: entries})
}

// GetRecord handles GET /api/v1/records/{key}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !keygen.IsRecordKey(key) {
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
		return
	}

	data, err := h.store.Get(r.Context(), key)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// DeleteRecord handles DELETE /api/v1/records/{key}
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !keygen.IsRecordKey(key) {
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
		return
	}

	ctx := r.Context()
	if _, err := h.store.Get(ctx, key); err != nil {
		MapStoreError(w, r, err)
		return
	}
	if err := h.store.Remove(ctx, key); err != nil {
		MapStoreError(w, r, err)
		return
	}
	if err := h.index.RemoveItem(ctx, key); err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("record deleted", "component", "api", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

// RemovedResponse reports how many records an operation removed.
type RemovedResponse struct {
	Removed int `json:"removed"`
}

// ClearRecords handles DELETE /api/v1/records
func (h *Handler) ClearRecords(w http.ResponseWriter, r *http.Request) {
	n, err := h.index.ClearAll(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	slog.Info("records cleared", "component", "api", "removed", n)
	writeJSON(w, http.StatusOK, RemovedResponse{Removed: n})
}

// PruneRecords handles POST /api/v1/records/prune?lifetime=...
func (h *Handler) PruneRecords(w http.ResponseWriter, r *http.Request) {
	lifetime := r.URL.Query().Get("lifetime")
	if lifetime == "" {
		lifetime = h.cfg.Lifetime
	}

	n, err := h.index.PruneRecordsFromString(r.Context(), lifetime)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RemovedResponse{Removed: n})
}

// QueueResponse lists the record keys awaiting a background sync.
type QueueResponse struct {
	Keys []string `json:"keys"`
}

// ListQueue handles GET /api/v1/queue
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	keys, err := h.sync.Posts().Queue().List(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, QueueResponse{Keys: keys})
}

// SyncQueueResponse is the outcome of a queue drain.
type SyncQueueResponse struct {
	Attempted int    `json:"attempted"`
	Error     string `json:"error,omitempty"`
}

// SyncQueue handles POST /api/v1/queue/sync. Failed posts stay queued and
// the failures are reported in the body.
func (h *Handler) SyncQueue(w http.ResponseWriter, r *http.Request) {
	n, err := h.sync.SyncPending(r.Context())
	resp := SyncQueueResponse{Attempted: n}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// KeyResponse describes the storage keys derived from a request.
type KeyResponse struct {
	Key           string `json:"key"`
	Raw           string `json:"raw"`
	List          bool   `json:"list"`
	PageSeriesKey string `json:"page_series_key,omitempty"`
}

// Key handles POST /api/v1/keys
func (h *Handler) Key(w http.ResponseWriter, r *http.Request) {
	var req types.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if errs := validation.ValidateRequest(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	resp := KeyResponse{
		Key:  keygen.GenerateKey(&req),
		Raw:  keygen.GenerateRawKey(&req),
		List: h.sync.IsList(&req),
	}
	if resp.List {
		resp.PageSeriesKey = h.index.PageSeriesKey(&req)
	}
	writeJSON(w, http.StatusOK, resp)
}

type proxyResult struct {
	body types.Body
	src  synchandler.Source
	err  error
}

// Proxy handles /rest/v{version}/* by running the call through the sync
// layer. The first body delivered is written to the client; the network
// refresh that may follow a cached answer completes in the background.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	req, err := h.proxyRequest(w, r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if errs := validation.ValidateRequest(*req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	results := make(chan proxyResult, 1)
	var once sync.Once
	deliver := func(res proxyResult) {
		once.Do(func() { results <- res })
	}

	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		h.sync.DoSource(context.WithoutCancel(r.Context()), req, func(body types.Body, src synchandler.Source, err error) {
			deliver(proxyResult{body: body, src: src, err: err})
		})
		deliver(proxyResult{err: types.ErrNoResponse})
	}()

	var res proxyResult
	select {
	case res = <-results:
	case <-r.Context().Done():
		return
	}

	if res.err != nil {
		slog.Debug("proxied request failed",
			"component", "api",
			"method", req.Method,
			"path", req.Path,
			"error", res.err,
		)
		MapStoreError(w, r, res.err)
		return
	}

	w.Header().Set(SourceHeader, res.src.String())
	if len(res.body) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(res.body)
}

// proxyRequest builds the REST request described by r.
func (h *Handler) proxyRequest(w http.ResponseWriter, r *http.Request) (*types.Request, error) {
	req := &types.Request{
		APIVersion: chi.URLParam(r, "version"),
		Method:     r.Method,
		Path:       "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/"),
		Query:      r.URL.RawQuery,
	}

	switch strings.ToLower(r.Header.Get(KindHeader)) {
	case "":
	case "list":
		req.Kind = types.KindList
	case "single":
		req.Kind = types.KindSingle
	default:
		return nil, fmt.Errorf("%s must be list or single", KindHeader)
	}

	if strings.EqualFold(r.Header.Get(BypassHeader), "true") {
		req.MetaAPI = &types.MetaAPI{AccessAllUsersBlogs: true}
	}

	if r.Body != nil {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
			}
			return nil, fmt.Errorf("read body: %w", err)
		}
		if len(data) > 0 {
			if !json.Valid(data) {
				return nil, errors.New("request body must be JSON")
			}
			req.Body = data
		}
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
