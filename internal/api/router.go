package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/synapsehq/synapse/internal/config"
	"github.com/synapsehq/synapse/internal/metrics"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/query", h.SubmitQuery)
		r.Get("/events", h.StreamEvents)

		r.Route("/models", func(r chi.Router) {
			r.Get("/", h.ListModels)
			r.Post("/rescan", h.RescanModels)
			r.Route("/{modelID}", func(r chi.Router) {
				r.Get("/", h.GetModel)
				r.Post("/start", h.StartModel)
				r.Post("/stop", h.StopModel)
				r.Post("/restart", h.RestartModel)
				r.Post("/enable", h.EnableModel)
				r.Post("/disable", h.DisableModel)
				r.Put("/tier", h.SetModelTier)
				r.Put("/overrides", h.SetModelOverrides)
			})
		})

		r.Route("/index", func(r chi.Router) {
			r.Get("/", h.IndexStatus)
			r.Post("/rebuild", h.RebuildIndex)
			r.Post("/append", h.AppendIndex)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "synapse-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "synapse-control-plane",
			"profile": cfg.Profile,
		})
	}
}
