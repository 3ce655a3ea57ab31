package api

import (
	"net/http"
	"strings"

	"github.com/bobarin/adreel/internal/auth"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router.
// Passed from main.go so the router can configure CORS and auth from env vars.
type RouterConfig struct {
	// BackendAPIKey guards /internal. If empty, operator routes are not mounted.
	BackendAPIKey string

	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// If empty, defaults to "*" (development mode).
	CorsAllowedOrigins string

	// Verifier checks user bearer tokens on /v1.
	Verifier *auth.JWT

	// Callback serves the merge worker's POST /callbacks/merge.
	Callback http.Handler
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (applied to all routes including /health)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(metrics.Middleware)

	// CORS: restrict origins when configured, otherwise allow all (dev mode)
	allowedOrigins := []string{"*"}
	if cfg.CorsAllowedOrigins != "" {
		origins := strings.Split(cfg.CorsAllowedOrigins, ",")
		trimmed := make([]string, 0, len(origins))
		for _, o := range origins {
			if s := strings.TrimSpace(o); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			allowedOrigins = trimmed
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public
	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	// Merge worker callback, authenticated by the shared secret in the body
	if cfg.Callback != nil {
		r.Method(http.MethodPost, "/callbacks/merge", cfg.Callback)
	}

	// User routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(UserAuth(cfg.Verifier))

		r.Post("/jobs", h.CreateJob)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)

		r.Get("/videos", h.ListVideos)
		r.Get("/videos/{jobId}", h.GetVideo)
		r.Get("/videos/{jobId}/playback", h.GetPlayback)

		r.Get("/credits", h.GetCredits)
		r.Post("/billing/eligibility", h.CheckEligibility)
	})

	// Operator routes
	if cfg.BackendAPIKey != "" {
		r.Route("/internal", func(r chi.Router) {
			r.Use(APIKeyAuth(cfg.BackendAPIKey))

			r.Post("/jobs/{id}/fail", h.FailJob)
			r.Post("/users/{id}/credits/reset", h.ResetCredits)
		})
	}

	return r
}
