// Package api serves the read-only boss catalogue and the admin surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/bosswiki/internal/model"
	"github.com/sells-group/bosswiki/internal/store"
)

// AdminHeader carries the shared admin secret.
const AdminHeader = "X-Admin-Token"

// Pinger reports storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunLister reads the sync run history.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]model.SyncRun, error)
}

// LockInspector reads the scraper lock.
type LockInspector interface {
	Status(ctx context.Context) (*model.LockState, error)
}

// SyncTrigger starts a background sync. It reports false when no run
// could be scheduled.
type SyncTrigger interface {
	Trigger(trigger string) bool
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Bosses store.BossStore
	Health Pinger
	Runs   RunLister
	Lock   LockInspector
	Sync   SyncTrigger

	AdminToken     string
	RequestTimeout time.Duration
	CORSOrigins    []string
}

// Handler holds route dependencies.
type Handler struct {
	deps Deps
}

// NewRouter builds the HTTP handler with middleware applied.
func NewRouter(d Deps) http.Handler {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 15 * time.Second
	}
	h := &Handler{deps: d}
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(d.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", AdminHeader},
		MaxAge:         600,
	}))

	r.Get("/", h.root)
	r.Get("/health", h.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/bosses", h.listBosses)
		r.Get("/bosses/search", h.searchBosses)
		r.Get("/bosses/{slug}", h.getBoss)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Post("/sync", h.triggerSync)
			r.Get("/lock", h.lockStatus)
			r.Get("/runs", h.listRuns)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// requestLogger logs one line per request through the global zap logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("component", "api"),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
