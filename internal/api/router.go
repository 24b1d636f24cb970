package api

import (
	"net/http"

	"github.com/Rrens/social-inbox/internal/api/handler"
	customMiddleware "github.com/Rrens/social-inbox/internal/api/middleware"
	"github.com/Rrens/social-inbox/internal/config"
	"github.com/Rrens/social-inbox/internal/llm"
	"github.com/Rrens/social-inbox/internal/security"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies are the services the HTTP surface is wired to
type Dependencies struct {
	Tokens        *security.JWTManager
	Conversations handler.ConversationService
	Ingester      handler.Ingester
	Access        handler.AccessChecker
	Webhooks      handler.WebhookReceiver
	Sessions      handler.SessionServer
	LLM           *llm.Router

	APILimiter     customMiddleware.Limiter
	WebhookLimiter customMiddleware.Limiter
	ConnectLimiter handler.Limiter

	Ready map[string]handler.Pinger
}

// NewRouter creates and configures the HTTP router
func NewRouter(cfg *config.Config, deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Workspace-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	authMiddleware := customMiddleware.NewAuthMiddleware(deps.Tokens)
	conversationHandler := handler.NewConversationHandler(deps.Conversations)
	ingestHandler := handler.NewIngestHandler(deps.Ingester, deps.Access)
	webhookHandler := handler.NewWebhookHandler(deps.Webhooks, cfg.Webhook)
	liveHandler := handler.NewLiveHandler(deps.Tokens, deps.ConnectLimiter, deps.Sessions)

	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	// Live channel; long lived, so no request timeout
	r.Get("/ws", liveHandler.Connect)

	r.Route("/webhooks/{platform}", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.MiddlewareTimeout))
		r.Get("/", webhookHandler.Verify)
		r.With(limit(customMiddleware.NewPlatformRateLimitMiddleware, deps.WebhookLimiter)...).
			Post("/", webhookHandler.Receive)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.MiddlewareTimeout))

		// Health check
		r.Get("/health", handler.HealthCheck)
		r.Get("/ready", handler.ReadyCheck(deps.Ready))

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)
			r.Use(limit(customMiddleware.NewRateLimitMiddleware, deps.APILimiter)...)

			if deps.LLM != nil {
				r.Get("/llm-providers", handler.ListLLMProviders(deps.LLM))
			}

			r.Route("/conversations/{key}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Get("/responder", conversationHandler.Responder)
				r.Get("/enrollment", conversationHandler.Enrollment)
				r.Put("/ai-settings", conversationHandler.UpdateAISettings)
				r.Delete("/takeover", conversationHandler.ClearTakeover)
			})

			r.Route("/workspaces/{workspaceID}", func(r chi.Router) {
				r.Use(customMiddleware.WorkspaceContext)
				r.Post("/ingest", ingestHandler.Ingest)
			})
		})
	})

	return r
}

func limit(build func(customMiddleware.Limiter) *customMiddleware.RateLimitMiddleware, limiter customMiddleware.Limiter) []func(http.Handler) http.Handler {
	if limiter == nil {
		return nil
	}
	return []func(http.Handler) http.Handler{build(limiter).Limit}
}
