package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new HTTP router with configured routes, middleware, and handlers.
// It sets up job routes, logs, history, stats, health check, and the Prometheus metrics endpoint.
func NewRouter(jobs JobServiceI, history HistoryReader, opts HandlerOptions, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	jobHandler := NewJobHandler(jobs, history, opts, logger)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", jobHandler.Submit)
		r.Get("/", jobHandler.List)
		r.Post("/cancel-all", jobHandler.CancelAll)
		r.Post("/purge", jobHandler.Purge)
		r.Get("/{jobID}", jobHandler.Get)
		r.Delete("/{jobID}", jobHandler.Remove)
		r.Post("/{jobID}/cancel", jobHandler.Cancel)
	})

	r.Get("/logs", jobHandler.Logs)
	r.Get("/history", jobHandler.History)
	r.Get("/stats", jobHandler.Stats)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
