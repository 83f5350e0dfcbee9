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

	"github.com/sitechat/backend/internal/api/handlers"
	"github.com/sitechat/backend/internal/cache/redis"
	"github.com/sitechat/backend/internal/chat"
	"github.com/sitechat/backend/internal/discovery"
	"github.com/sitechat/backend/internal/ingestion"
	"github.com/sitechat/backend/internal/knowledge"
	"github.com/sitechat/backend/internal/knowledge/vector"
	"github.com/sitechat/backend/internal/llm"
	"github.com/sitechat/backend/internal/metrics"
	"github.com/sitechat/backend/internal/middleware/ratelimit"
	"github.com/sitechat/backend/internal/middleware/security"
	"github.com/sitechat/backend/internal/middleware/validation"
	"github.com/sitechat/backend/internal/onboarding"
	"github.com/sitechat/backend/internal/prompt"
	"github.com/sitechat/backend/internal/storage/sqlite"
	"github.com/sitechat/backend/pkg/config"
	appLogger "github.com/sitechat/backend/pkg/logger"
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

	appLogger.Info("Starting SiteChat API Server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			time.Duration(cfg.Redis.TTLSec)*time.Second,
		)
		if err != nil {
			appLogger.Warn("Redis unavailable; answer caching disabled", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	var ranker knowledge.Ranker
	var vectorClient *vector.Client
	if cfg.Milvus.Enabled {
		vectorClient, err = vector.NewClient(
			cfg.Milvus.Endpoint,
			cfg.Milvus.APIKey,
			cfg.Milvus.CollectionName,
			cfg.Milvus.VectorDim,
			llmClient,
		)
		if err != nil {
			appLogger.Warn("Vector store unavailable; falling back to overlap ranking", zap.Error(err))
		} else {
			defer vectorClient.Close()
			if err := vectorClient.CreateCollection(context.Background()); err != nil {
				appLogger.Fatal("Failed to create vector collection", zap.Error(err))
			}
			ranker = vectorClient
		}
	}

	retriever := knowledge.NewRetriever(sqliteClient, ranker)
	assembler := prompt.NewAssembler(sqliteClient)
	analytics := onboarding.NewAnalytics(sqliteClient)
	machine := onboarding.NewStateMachine(sqliteClient, analytics)

	processor := ingestion.NewProcessor(sqliteClient, llmClient, vectorClient)
	crawler := discovery.NewCrawler(cfg.Discovery.MaxPages, cfg.Discovery.TimeoutSec, cfg.Discovery.UserAgent)
	discoveryJob := discovery.NewJob(machine, crawler, processor, analytics)

	var answerCache chat.AnswerCache
	if redisClient != nil {
		answerCache = redisClient
	}
	chatEngine := chat.NewEngine(sqliteClient, retriever, assembler, llmClient, answerCache)

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
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Logging.Level == "debug",
	}))
	rateLimiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 120,
		Logger:               appLogger.GetLogger(),
	})
	defer rateLimiter.Stop()
	app.Use(rateLimiter.Middleware())
	app.Use(validation.Middleware(validation.Config{
		Logger: appLogger.GetLogger(),
	}))

	connectionHandler := handlers.NewConnectionHandler(sqliteClient, machine, discoveryJob)
	knowledgeHandler := handlers.NewKnowledgeHandler(sqliteClient, redisClient)
	chatHandler := handlers.NewChatHandler(chatEngine)
	analyticsHandler := handlers.NewAnalyticsHandler(analytics)
	wsHandler := handlers.NewWebSocketHandler(chatEngine)

	api := app.Group("/api/v1")

	api.Post("/connections", connectionHandler.CreateConnection)
	api.Get("/connections", connectionHandler.ListConnections)
	api.Get("/connections/:id", connectionHandler.GetConnection)
	api.Post("/connections/:id/transition", connectionHandler.Transition)
	api.Put("/connections/:id/config", connectionHandler.UpdateConfig)
	api.Get("/connections/:id/health", connectionHandler.GetHealthScore)
	api.Post("/connections/:id/lock/release", connectionHandler.ReleaseLock)

	api.Get("/connections/:id/chunks", knowledgeHandler.ListChunks)
	api.Post("/connections/:id/chunks/:chunkId/approve", knowledgeHandler.ApproveChunk)
	api.Post("/feedback", knowledgeHandler.SubmitFeedback)
	api.Get("/connections/:id/policy", knowledgeHandler.GetPolicy)
	api.Put("/connections/:id/policy", knowledgeHandler.UpdatePolicy)

	api.Post("/connections/:id/chat", chatHandler.HandleMessage)
	api.Get("/sessions/:sessionId/messages", chatHandler.GetSessionHistory)

	api.Get("/analytics/dropoffs", analyticsHandler.GetDropoffs)
	api.Get("/analytics/funnel", analyticsHandler.GetAggregateMetrics)
	api.Get("/connections/:id/activation", analyticsHandler.GetActivationReport)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/connections/:id", websocket.New(wsHandler.HandleConnection))

	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

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
