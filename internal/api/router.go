package api

import (
	"encoding/json"
	"net/http"

	"github.com/golemlab/golem/internal/api/handlers"
	"github.com/golemlab/golem/internal/api/middleware"
	"github.com/golemlab/golem/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Blueprints
		r.Route("/blueprints", func(r chi.Router) {
			r.Get("/", h.ListBlueprints)
			r.Post("/", h.CreateBlueprint)
			r.Route("/{blueprintID}", func(r chi.Router) {
				r.Get("/", h.GetBlueprint)
				r.Put("/", h.UpdateBlueprint)
				r.Delete("/", h.DeleteBlueprint)
				r.Post("/execute", h.ExecuteBlueprint)
				r.Post("/compile", h.CompileBlueprint)

				// Version history
				r.Get("/versions", h.ListBlueprintVersions)
			})
		})

		// Executions
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", h.ListExecutions)
			r.Get("/{executionID}", h.GetExecution)
		})

		// Sessions
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.DeleteSession)
			})
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "golem-engine",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "golem-engine",
		})
	}
}
