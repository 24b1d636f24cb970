package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Rrens/social-inbox/internal/api"
	"github.com/Rrens/social-inbox/internal/api/handler"
	"github.com/Rrens/social-inbox/internal/config"
	"github.com/Rrens/social-inbox/internal/llm"
	"github.com/Rrens/social-inbox/internal/llm/anthropic"
	"github.com/Rrens/social-inbox/internal/llm/deepseek"
	"github.com/Rrens/social-inbox/internal/llm/gemini"
	"github.com/Rrens/social-inbox/internal/llm/ollama"
	"github.com/Rrens/social-inbox/internal/llm/openai"
	"github.com/Rrens/social-inbox/internal/logger"
	"github.com/Rrens/social-inbox/internal/realtime"
	"github.com/Rrens/social-inbox/internal/repository/postgres"
	"github.com/Rrens/social-inbox/internal/repository/redis"
	"github.com/Rrens/social-inbox/internal/security"
	"github.com/Rrens/social-inbox/internal/service"
	"github.com/Rrens/social-inbox/internal/webhook"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file - try multiple locations
	envPaths := []string{".env", "../.env", "../../.env"}
	envLoaded := ""
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			envLoaded = p
			break
		}
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logCloser, err := logger.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if envLoaded != "" {
		log.Debug().Str("path", envLoaded).Msg("Loaded .env")
	} else {
		log.Warn().Msg(".env file not found in any standard location")
	}

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Msg("Starting social inbox server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := postgres.RunMigrations(cfg.Database.DSN(), cfg.Database.MigrationsSource); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
	}

	// Initialize Redis
	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	encryptor, err := security.NewEncryptorFromSecret(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize encryptor")
	}
	jwtManager := security.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL)

	// Repositories
	workspaceRepo := postgres.NewWorkspaceRepository(db)
	accountRepo := postgres.NewAccountRepository(db)
	participantRepo := postgres.NewParticipantRepository(db)
	messageRepo := postgres.NewMessageRepository(db)
	funnelRepo := postgres.NewFunnelRepository(db)
	enrollmentRepo := postgres.NewEnrollmentRepository(db)
	botRepo := postgres.NewBotRepository(db)
	settingsRepo := postgres.NewSettingsRepository(db)
	tagRepo := postgres.NewTagRepository(db)

	llmRouter := newLLMRouter(cfg.LLM)
	responder := llm.NewResponder(llmRouter, encryptor, cfg.LLM.ResponderTimeout)

	// Live channel
	registry := realtime.NewRegistry(cfg.Realtime)
	registry.OnOffline(func(userID uuid.UUID) {
		log.Debug().Str("user_id", userID.String()).Msg("User went offline")
	})

	// Services
	workspaceService := service.NewWorkspaceService(workspaceRepo, accountRepo, participantRepo)
	owners := redis.NewOwnerCache(redisClient, workspaceService)
	dispatcher := service.NewDispatcher(messageRepo, service.LogSender{}, registry, owners)
	locks := service.NewKeyLocker()

	engine := service.NewFunnelEngine(participantRepo, funnelRepo, enrollmentRepo, settingsRepo, tagRepo, dispatcher, cfg.Automation)
	resolver := service.NewAutomationResolver(participantRepo, messageRepo, settingsRepo, botRepo, funnelRepo, enrollmentRepo, tagRepo)
	pipeline := service.NewPipeline(
		service.NewIdentityResolver(participantRepo),
		messageRepo,
		tagRepo,
		engine,
		resolver,
		responder,
		dispatcher,
		locks,
		cfg.Automation,
	)
	conversations := service.NewConversationService(participantRepo, settingsRepo, botRepo, workspaceService, resolver, engine)

	scheduler := service.NewScheduler(engine, enrollmentRepo, locks, cfg.Automation)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start funnel scheduler")
	}

	router := api.NewRouter(cfg, api.Dependencies{
		Tokens:         jwtManager,
		Conversations:  conversations,
		Ingester:       pipeline,
		Access:         workspaceService,
		Webhooks:       webhook.NewReceiver(workspaceService, pipeline, cfg.Webhook.EventTimeout),
		Sessions:       registry,
		LLM:            llmRouter,
		APILimiter:     redis.NewRateLimiter(redisClient, "api", cfg.Security.RateLimit.RequestsPerMinute, cfg.Security.RateLimit.Burst),
		WebhookLimiter: redis.NewRateLimiter(redisClient, "webhook", cfg.Webhook.RequestsPerMinute, 0),
		ConnectLimiter: redis.NewRateLimiter(redisClient, "connect", cfg.Realtime.ConnectRatePerMinute, 0),
		Ready: map[string]handler.Pinger{
			"database": db,
			"redis":    redisClient,
		},
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	scheduler.Stop()
	registry.Shutdown()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

// newLLMRouter registers the shared providers and the per-bot key factories
func newLLMRouter(cfg config.LLMConfig) *llm.Router {
	router := llm.NewRouter(cfg.DefaultProvider)

	log.Info().Msgf("Initializing LLM providers. Default: %s", cfg.DefaultProvider)

	if cfg.Ollama.Host != "" {
		log.Info().Str("host", cfg.Ollama.Host).Msg("Registering Ollama provider")
		router.RegisterProvider(ollama.NewProvider(cfg.Ollama.Host, cfg.Ollama.DefaultModel))
	}
	if cfg.OpenAI.APIKey != "" {
		router.RegisterProvider(openai.NewProvider(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL))
	}
	if cfg.Anthropic.APIKey != "" {
		router.RegisterProvider(anthropic.NewProvider(cfg.Anthropic.APIKey, cfg.Anthropic.Model))
	}
	if cfg.DeepSeek.APIKey != "" {
		router.RegisterProvider(deepseek.NewProvider(cfg.DeepSeek.APIKey, cfg.DeepSeek.Model))
	}
	if cfg.Gemini.APIKey != "" {
		router.RegisterProvider(gemini.NewProvider(cfg.Gemini))
	} else {
		log.Warn().Msg("Gemini API Key is empty, skipping registration")
	}

	// Bots may carry their own encrypted key for these providers
	router.RegisterFactory("openai", openai.NewFactory(cfg.OpenAI.Model, cfg.OpenAI.BaseURL))
	router.RegisterFactory("anthropic", anthropic.NewFactory(cfg.Anthropic.Model))
	router.RegisterFactory("deepseek", deepseek.NewFactory(cfg.DeepSeek.Model))
	router.RegisterFactory("gemini", gemini.NewFactory(cfg.Gemini.Model))

	return router
}
