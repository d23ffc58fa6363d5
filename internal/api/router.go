package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/leasehold/internal/api/middleware"
	"github.com/eldtechnologies/leasehold/internal/handlers"
)

// RouterConfig carries the pieces the router wires around the handlers.
// Limiter may be nil when Redis is not configured.
type RouterConfig struct {
	Logger         zerolog.Logger
	Handler        *handlers.Handler
	Gateway        *middleware.Gateway
	Limiter        *middleware.RateLimiter
	Realtime       http.Handler
	InternalSecret string
	AdminTokenHash string
	AllowedOrigins []string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()
	h := cfg.Handler

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(1 << 20))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(chimw.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Failed credentials are budgeted per IP ahead of the Gateway; request
	// rate limits run after it so they can key on the user.
	if cfg.Limiter != nil {
		r.Use(middleware.NewAuthGuard(cfg.Limiter).Middleware)
	}
	r.Use(cfg.Gateway.Middleware)
	if cfg.Limiter != nil {
		r.Use(cfg.Limiter.Middleware)
	}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/", h.Root)
	r.Get("/health", h.Health)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/", h.ListSessions)
		r.Get("/{id}", h.GetSession)
		r.Delete("/{id}", h.DeleteSession)
		r.Post("/{id}/start", h.StartSession)
		r.Post("/{id}/realtime-token", h.RealtimeToken)
	})

	r.Get("/billing/balance", h.GetBalance)
	r.Get("/billing/transactions", h.ListTransactions)

	r.Route("/keys", func(r chi.Router) {
		r.Post("/", h.CreateKey)
		r.Get("/", h.ListKeys)
		r.Delete("/{id}", h.DeleteKey)
	})

	// Engine-to-core calls
	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.RequireInternalSecret(cfg.InternalSecret, cfg.Logger))
		r.Post("/sessions/{id}/events", h.IngestEvents)
		r.Post("/usage", h.ReportUsage)
		r.Post("/token-usage", h.ReportTokenUsage)
	})

	// Signature verified in the handler
	r.Post("/webhooks/payments", h.PaymentWebhook)

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireAdminToken(cfg.AdminTokenHash, cfg.Logger))
		r.Post("/credits", h.AdjustCredits)
		r.Get("/users/{id}/balance", h.UserBalance)
		r.Post("/keys/{id}/revoke", h.RevokeKey)
		r.Delete("/blocks/{ip}", h.UnblockIP)
		r.Get("/stats", h.Stats)
	})

	// Session-scoped token checked by the relay itself
	r.Handle("/realtime", cfg.Realtime)

	return r
}
