package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
	"github.com/eldtechnologies/chatrelay/internal/chat"
	"github.com/eldtechnologies/chatrelay/internal/handlers"
	"github.com/eldtechnologies/chatrelay/internal/queue"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

// Deps are the collaborators the HTTP layer is built on.
type Deps struct {
	Chat   *chat.Service
	Store  store.MessageStore
	Queue  queue.Queue
	Redis  *redis.Client
	Logger zerolog.Logger

	JWTSecret          string
	RateLimitWhitelist []string
	AutoBlockEnabled   bool
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(16 * 1024)) // 16KB max body
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(d.Logger))
	r.Use(chimw.Recoverer)

	// Identity before rate limiting so senders are limited per user
	auth := middleware.NewAuthMiddleware(d.JWTSecret, d.Logger)
	r.Use(auth.Identify)

	if d.Redis != nil {
		limiter := middleware.NewRateLimiter(d.Redis, d.Logger, middleware.RateLimiterConfig{
			Whitelist:        d.RateLimitWhitelist,
			AutoBlockEnabled: d.AutoBlockEnabled,
		})
		r.Use(limiter.Middleware)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(d.Chat, d.Store, d.Queue, d.Redis, d.Logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Get("/rooms/{roomID}/messages", h.GetRoomMessages)
	r.Get("/rooms/{roomID}/live", h.LiveMessages)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Post("/rooms/{roomID}/messages", h.PostMessage)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireAdmin)

		r.Get("/dead-letters", h.ListDeadLetters)
		r.Post("/dead-letters/{id}/retry", h.RetryDeadLetter)
		r.Get("/messages/{key}", h.GetMessageByKey)
	})

	return r
}
