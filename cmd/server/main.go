package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/joho/godotenv"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/xaenox/mentor-bot/internal/api"
	"github.com/xaenox/mentor-bot/internal/assistant"
	"github.com/xaenox/mentor-bot/internal/chat"
	"github.com/xaenox/mentor-bot/internal/functions"
	"github.com/xaenox/mentor-bot/internal/identity"
	"github.com/xaenox/mentor-bot/internal/ratelimit"
	"github.com/xaenox/mentor-bot/internal/retention"
	"github.com/xaenox/mentor-bot/internal/storage"
	"github.com/xaenox/mentor-bot/internal/threads"
	"github.com/xaenox/mentor-bot/pkg/config"
)

const configPath = "config.yaml"

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.Debug)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Firebase
	var fbOpts []option.ClientOption
	if cfg.Firebase.CredentialsFile != "" {
		fbOpts = append(fbOpts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.Firebase.ProjectID}, fbOpts...)
	if err != nil {
		logger.Fatal("Failed to initialize Firebase", zap.Error(err))
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		logger.Fatal("Failed to initialize Firebase Auth", zap.Error(err))
	}

	// Initialize storage
	var store storage.HistoryStore
	switch cfg.Storage.Backend {
	case "firestore":
		logger.Info("Using Firestore storage")
		fsClient, err := app.Firestore(ctx)
		if err != nil {
			logger.Fatal("Failed to initialize Firestore", zap.Error(err))
		}
		store = storage.NewFirestoreStorage(fsClient, logger)
	case "postgres":
		logger.Info("Using PostgreSQL storage")
		store, err = storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	default:
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	}
	defer store.Close()

	// Initialize the assistant and its functions
	oaClient := openai.NewClient(cfg.OpenAI.APIKey)
	dispatcher := functions.NewDispatcher(
		functions.NewHTTPPriceFeed(cfg.Market.CoinGeckoURL, cfg.Market.ExchangeRateURL, cfg.Market.Timeout),
		functions.NewGPTImageAnalyzer(oaClient, cfg.OpenAI.VisionModel, cfg.OpenAI.MaxTokens, cfg.OpenAI.Temperature, logger),
		functions.NewCalendar(time.Now),
		logger,
	)

	instructions := cfg.OpenAI.Instructions
	if instructions == "" {
		instructions = assistant.DefaultInstructions
	}
	assistantClient := assistant.NewClient(
		assistant.NewOpenAIProvider(oaClient, cfg.OpenAI.AssistantID, logger),
		dispatcher,
		assistant.Config{
			RunTimeout:   cfg.Assistant.RunTimeout,
			PollInterval: cfg.Assistant.PollInterval,
			Instructions: instructions,
		},
		logger,
	)
	if cfg.Assistant.SyncOnStart {
		syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := assistantClient.EnsureDefinition(syncCtx); err != nil {
			logger.Warn("Failed to sync assistant definition", zap.Error(err))
		}
		cancel()
	}

	// Initialize rate limiting
	var limiter ratelimit.Limiter
	checks := []api.HealthCheck{
		{Name: "store", Check: store.Ping},
		{Name: "assistant", Check: assistantClient.Ping},
	}
	if cfg.RateLimit.RedisURL != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RateLimit.RedisURL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisLimiter.Close()
		limiter = redisLimiter
		checks = append(checks, api.HealthCheck{Name: "redis", Check: redisLimiter.Ping})
		logger.Info("Using Redis rate limiter")
	} else {
		limiter = ratelimit.NewMemoryLimiter()
		logger.Info("Using in-memory rate limiter")
	}

	svc := chat.NewService(
		identity.NewGateway(
			identity.NewFirebaseVerifier(authClient),
			identity.NewStoreRoles(store),
			cfg.Identity.ClockSkewRetryDelay,
			logger,
		),
		store,
		threads.NewRegistry(store, assistantClient, logger),
		assistantClient,
		dispatcher,
		retention.NewManager(store, retention.Config{
			MaxSessions:     cfg.Chat.MaxSessions,
			EmptySessionTTL: cfg.Chat.EmptySessionTTL,
		}, logger),
		identity.NewFirebasePasswords(authClient),
		chat.Config{
			MaxMessageLength:   cfg.Chat.MaxMessageLength,
			AllowedExtensions:  cfg.Upload.AllowedExtensions,
			MaxFileSize:        cfg.Upload.MaxFileSizeBytes(),
			ThreadHistoryLimit: cfg.Assistant.HistoryLimit,
		},
		logger,
	)

	server := api.NewServer(svc, limiter, checks, api.Config{
		Limits: api.Limits{
			Chat:    cfg.RateLimit.Chat,
			History: cfg.RateLimit.History,
			Upload:  cfg.RateLimit.Upload,
			Auth:    cfg.RateLimit.Auth,
			Default: cfg.RateLimit.Default,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxUploadBytes: cfg.Upload.MaxFileSizeBytes(),
	}, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	// Runs can take up to the run timeout; give in-flight turns that long.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Assistant.RunTimeout+5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(debug bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
