package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aitutor-platform/aitutor/internal/api"
	"github.com/aitutor-platform/aitutor/internal/auth"
	"github.com/aitutor-platform/aitutor/internal/chat"
	"github.com/aitutor-platform/aitutor/internal/config"
	"github.com/aitutor-platform/aitutor/internal/conversations"
	"github.com/aitutor-platform/aitutor/internal/database"
	"github.com/aitutor-platform/aitutor/internal/events"
	"github.com/aitutor-platform/aitutor/internal/history"
	"github.com/aitutor-platform/aitutor/internal/ledger"
	"github.com/aitutor-platform/aitutor/internal/middleware"
	"github.com/aitutor-platform/aitutor/internal/quota"
	iredis "github.com/aitutor-platform/aitutor/internal/redis"
	"github.com/aitutor-platform/aitutor/internal/relay"
	"github.com/aitutor-platform/aitutor/internal/server"
	"github.com/aitutor-platform/aitutor/internal/users"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Migrations
	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS JetStream (optional)
	var eventsClient *events.Client
	if cfg.NATS.URL != "" {
		eventsClient, err = events.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to nats", "error", err)
			os.Exit(1)
		}
		defer eventsClient.Close()
	} else {
		slog.Warn("nats url not configured, events disabled")
	}
	var publisher *events.Publisher
	if eventsClient != nil {
		publisher = events.NewPublisher(eventsClient.JetStream())
	}

	// Auth
	jwtManager := auth.NewJWTManager(
		cfg.JWT.AccessSecret,
		cfg.JWT.RefreshSecret,
		cfg.JWT.AccessExpiry,
		cfg.JWT.RefreshExpiry,
	)
	authSvc := auth.NewService(jwtManager, redisClient)
	userRepo := users.NewRepository(pool)
	userSvc := users.NewService(userRepo)
	authHandler := auth.NewHandler(authSvc, userSvc)

	// Conversations
	histCache := history.NewCache(redisClient, cfg.Chat.HistoryWindow, cfg.Chat.CacheTTL)
	convRepo := conversations.NewRepository(pool)
	convSvc := conversations.NewService(convRepo, histCache)
	convHandler := conversations.NewHandler(convSvc)

	// Quota
	ledgerRepo := ledger.NewRepository(pool, cfg.Quota.Location)
	burst := quota.NewBurst(redisClient, cfg.Quota.BurstPerMinute)
	admission := quota.NewAdmission(authSvc, ledgerRepo, burst, cfg.Quota, publisher)
	usageHandler := quota.NewHandler(ledgerRepo, cfg.Quota)

	// Relay and chat
	llmClient := relay.NewClient(cfg.LLM)
	relaySvc := relay.NewService(llmClient, ledgerRepo, publisher)
	chatHandler := chat.NewHandler(convSvc, relaySvc, ledgerRepo, publisher, cfg.Quota, cfg.Chat)

	// Router
	authLimiter := middleware.NewRateLimiter(redisClient, cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowSeconds)
	router := api.NewRouter(pool, eventsClient, api.RouterConfig{
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		AuthRateLimiter:    authLimiter.Middleware,
	}, api.HandlerSet{
		Register: authHandler.Register,
		Login:    authHandler.Login,
		Refresh:  authHandler.Refresh,
		Logout:   authHandler.Logout,
		Me:       authHandler.Me,

		CreateConversation:  convHandler.Create,
		ListConversations:   convHandler.List,
		GetConversation:     convHandler.Get,
		CreateMessage:       convHandler.CreateMessage,
		ListMessages:        convHandler.ListMessages,
		OwnershipMiddleware: convHandler.OwnershipMiddleware,

		Chat:  chatHandler.Chat,
		Usage: usageHandler.Usage,

		AuthMiddleware:      auth.Middleware(authSvc),
		AdmissionMiddleware: admission.Middleware,
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
