package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"product-import-service/internal/cache"
	"product-import-service/internal/config"
	"product-import-service/internal/events"
	"product-import-service/internal/handlers"
	"product-import-service/internal/jobs"
	"product-import-service/internal/metrics"
	"product-import-service/internal/middleware"
	"product-import-service/internal/repository"
	"product-import-service/internal/services"
	"product-import-service/internal/staging"
)

// @title Product Import API
// @version 1.0.0
// @description Bulk product import from CSV and XLSX spreadsheets with per-row error reporting
// @termsOfService http://swagger.io/terms/

// @contact.name Product Import API Support
// @contact.url http://www.example.com/support
// @contact.email support@example.com

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8087
// @BasePath /api/v1

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	// Initialize configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Environment == "production" {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(logrus.DebugLevel)
	}

	// Initialize database
	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Initialize Redis client (optional)
	redisClient, err := cache.NewRedisClient(context.Background(), cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Warn("Failed to connect to Redis, job status caching disabled")
		redisClient = nil
	} else if redisClient != nil {
		log.Println("✓ Connected to Redis")
	}
	jobCache := cache.NewJobCache(redisClient, cfg.JobCacheTTL)
	defer jobCache.Close()

	// Initialize NATS events publisher (optional)
	var eventsPublisher *events.Publisher
	if cfg.NATSURL != "" {
		eventsPublisher, err = events.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to NATS, import events disabled")
			eventsPublisher = nil
		} else {
			log.Println("✓ Connected to NATS")
		}
	} else {
		log.Println("NATS_URL not set, skipping event publishing initialization")
	}
	defer eventsPublisher.Close()

	// Staging area for uploads
	store, err := staging.NewStore(cfg.StagingDir, cfg.MaxUploadBytes)
	if err != nil {
		log.Fatal("Failed to initialize staging area:", err)
	}

	// Initialize repositories
	importRepo := repository.NewImportRepository(db)
	productsRepo := repository.NewProductsRepository(db)

	// Initialize services
	rules, err := services.ValidationRulesFromConfig(cfg.Import)
	if err != nil {
		log.Fatal(err)
	}
	importService := services.NewImportService(importRepo, productsRepo, jobCache, eventsPublisher, store, services.Settings{
		Rules: rules,
		Defaults: services.Options{
			ChunkSize: cfg.Import.ChunkSize,
			HeaderRow: cfg.Import.HeaderRow,
			Prefetch:  cfg.Import.Prefetch,
		},
		ErrorBufferSize: cfg.Import.ErrorBufferSize,
	}, logger)

	// Background import workers
	runner := jobs.NewImportRunner(importService, importService, jobs.RunnerConfig{
		Workers:       cfg.Import.Workers,
		QueueSize:     cfg.Import.QueueSize,
		JobTimeout:    cfg.Import.JobTimeout,
		SweepInterval: cfg.Import.SweepInterval,
	}, logger)
	runner.Start(context.Background())

	// Initialize handlers
	importHandler := handlers.NewImportHandler(importService, runner, store, rules.AllowedCategories).
		WithPageSizes(cfg.DefaultPageSize, cfg.MaxPageSize)

	// Initialize Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	router.MaxMultipartMemory = 32 << 20

	// Add CORS middleware
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health check endpoints (no auth required)
	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.ReadinessCheck(db))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Protected API routes
	api := router.Group("/api/v1")
	api.Use(middleware.TenantMiddleware())
	api.Use(middleware.UserContextMiddleware(cfg.Environment == "production"))
	importHandler.RegisterRoutes(api)

	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Product import service starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal
	<-quit
	log.Println("Shutting down product-import-service...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}

	// Running jobs stop at the next chunk boundary and are finalized
	runner.Stop()

	log.Println("Product import service stopped")
}
