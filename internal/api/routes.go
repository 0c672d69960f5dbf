package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"secret.vault/config"
	"secret.vault/internal/stats"
	"secret.vault/web"
)

func SetupRouter(v Vault, rec stats.Recorder, cfg *config.Config, log zerolog.Logger) *chi.Mux {
	h := NewHandler(v, rec)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(RequestID(log))
	r.Use(Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS
	r.Use(CORS(CORSConfig{
		AllowedOrigins: []string{cfg.LinkBase()},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		MaxAge:         86400,
	}))

	// Health
	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(MaxBody(cfg.BodyLimit()))
		r.Use(JSONOnly)

		reveal := chi.Chain()
		if cfg.RateLimit.Enabled {
			r.Use(NewRateLimiter(cfg.RateLimit.RequestsPerMin, time.Minute).Middleware)
			reveal = chi.Chain(NewRateLimiter(cfg.RateLimit.RevealPerMin, time.Minute).Middleware)
		}

		r.Route("/secrets", func(r chi.Router) {
			r.Post("/", h.CreateSecret)
			r.Get("/{id}", h.GetStatus)
			r.With(reveal...).Post("/{id}/reveal", h.RevealSecret)
		})

		r.Get("/stats", h.Stats)
	})

	// Frontend
	r.Get("/", h.Index)
	r.Get("/s/{id}", h.RevealPage)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(web.StaticFS())))

	return r
}
