package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/rag-chatbot/backend/internal/api/handlers"
	"github.com/rag-chatbot/backend/internal/cache/redis"
	"github.com/rag-chatbot/backend/internal/chat"
	"github.com/rag-chatbot/backend/internal/feedback"
	"github.com/rag-chatbot/backend/internal/llm"
	"github.com/rag-chatbot/backend/internal/metrics"
	"github.com/rag-chatbot/backend/internal/middleware/ratelimit"
	"github.com/rag-chatbot/backend/internal/middleware/security"
	"github.com/rag-chatbot/backend/internal/retrieval"
	"github.com/rag-chatbot/backend/internal/storage/sqlite"
	"github.com/rag-chatbot/backend/internal/vector/milvus"
	"github.com/rag-chatbot/backend/pkg/config"
	appLogger "github.com/rag-chatbot/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting RAG Chatbot API Server")

	if err := cfg.Validate(); err != nil {
		appLogger.Fatal("Initialization error", zap.Error(err))
	}

	metrics.Init()

	store, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer store.Close()

	if err := store.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	indexClient, err := milvus.NewClient(
		context.Background(),
		cfg.Vector.Endpoint,
		cfg.Vector.CollectionName,
	)
	if err != nil {
		appLogger.Fatal("Failed to create vector index client", zap.Error(err))
	}
	defer indexClient.Close()

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	var embeddingCache retrieval.EmbeddingCache
	if cfg.Redis.Enabled {
		cacheClient, err := redis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			time.Duration(cfg.Redis.EmbeddingTTLSec)*time.Second,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer cacheClient.Close()
		embeddingCache = cacheClient
	}

	retriever := retrieval.NewOrchestrator(llmClient, indexClient, embeddingCache)
	coordinator := chat.NewCoordinator(llmClient, store)
	correlator := feedback.NewCorrelator(store)

	handler := handlers.New(store, retriever, coordinator, correlator, handlers.Info{
		AppTitle:       cfg.App.Title,
		CollectionName: cfg.Vector.CollectionName,
		VectorEndpoint: cfg.Vector.Endpoint,
	})
	wsHandler := handlers.NewWebSocketHandler(handler)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 120,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()
	app.Use(limiter.Middleware())

	app.Get("/", handler.HandleRoot)
	app.Get("/health", handler.HandleHealth)
	app.Get("/info", handler.HandleInfo)
	app.Get("/metrics", metrics.MetricsHandler())

	app.Post("/chat", handler.HandleChat)
	app.Post("/chat/stream", handler.HandleChatStream)
	app.Post("/chat/feedback", handler.HandleSaveFeedback)
	app.Get("/chat/feedback/list", handler.HandleListFeedback)
	// The misspelling is part of the public surface; existing consumers
	// depend on it.
	app.Get("/chat/reponse/list", handler.HandleListResponses)

	app.Post("/search", handler.HandleSearch)
	app.Get("/conversation/:id", handler.HandleGetConversation)

	app.Use("/chat/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/chat/ws", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
