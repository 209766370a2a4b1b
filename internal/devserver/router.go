// Package devserver is the HTTP surface of develop mode: health checks,
// graph inspection, live events, page data and metrics.
package devserver

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config wires the router.
type Config struct {
	AuthEnabled bool
	Token       string
	// PublicDir holds the built site; /page-data/* is served from it.
	PublicDir string
	// Events streams live events; mounted at GET /api/events when set.
	Events http.Handler
	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler
	// Ready gates /health/ready. Nil means always ready.
	Ready func() bool
}

// NewRouter creates the dev server router.
func NewRouter(g Graph, cfg Config) chi.Router {
	h := NewHandler(g)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		if cfg.Ready != nil && !cfg.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "sourcing"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "nodes": g.Len()})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(AuthMiddleware(cfg.AuthEnabled, cfg.Token))
		api.Get("/nodes", h.ListNodes)
		api.Get("/nodes/{id}", h.GetNode)
		api.Get("/types", h.ListTypes)
		if cfg.Events != nil {
			api.Get("/events", cfg.Events.ServeHTTP)
		}
	})

	if cfg.PublicDir != "" {
		pageData := http.Dir(filepath.Join(cfg.PublicDir, "page-data"))
		r.Handle("/page-data/*", http.StripPrefix("/page-data", http.FileServer(pageData)))
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	return r
}
