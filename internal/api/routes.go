package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	// Rate limiter for DELETE operations: 100 deletes max, refill 1 per 100ms
	deleteRateLimiter := NewDeleteRateLimiter(100, 100*time.Millisecond)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.cfg.APIKey))
			r.Get("/records", h.ListRecords)
			r.Get("/records/{key}", h.GetRecord)
			r.Post("/records/prune", h.PruneRecords)
			r.With(deleteRateLimiter.Middleware).Delete("/records", h.ClearRecords)
			r.With(deleteRateLimiter.Middleware).Delete("/records/{key}", h.DeleteRecord)
			r.Get("/queue", h.ListQueue)
			r.Post("/queue/sync", h.SyncQueue)
			r.Post("/keys", h.Key)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.cfg.APIKey))
		r.HandleFunc("/rest/v{version}/*", h.Proxy)
	})

	return r
}
