package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"product-import-service/internal/models"
)

type Config struct {
	// Database
	DBType     string `validate:"oneof=postgres sqlite"`
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string `validate:"required"`
	DBSSLMode  string

	// Redis
	RedisURL    string
	JobCacheTTL time.Duration

	// NATS
	NATSURL string

	// Server
	Port        string `validate:"required"`
	Environment string `validate:"oneof=development staging production test"`

	// CORS
	AllowedOrigins []string

	// Staging area for uploaded files
	StagingDir     string `validate:"required"`
	MaxUploadBytes int64  `validate:"gt=0"`

	Import ImportConfig

	// Pagination
	DefaultPageSize int `validate:"gt=0"`
	MaxPageSize     int `validate:"gtefield=DefaultPageSize"`
}

// ImportConfig holds the tunables of the product import pipeline
type ImportConfig struct {
	ChunkSize         int           `validate:"gt=0,lte=10000"`
	HeaderRow         int           `validate:"gt=0"`
	RequiredColumns   []string      `validate:"min=1,dive,required"`
	AllowedCategories []string      `validate:"min=1,dive,required"`
	MaxPrice          string        `validate:"omitempty,numeric"`
	Workers           int           `validate:"gt=0,lte=64"`
	QueueSize         int           `validate:"gt=0"`
	JobTimeout        time.Duration `validate:"gt=0"`
	SweepInterval     time.Duration `validate:"gt=0"`
	Prefetch          bool
	ErrorBufferSize   int `validate:"gt=0"`
}

func Load() *Config {
	dbPort, _ := strconv.Atoi(getEnv("DB_PORT", "5432"))
	defaultPageSize, _ := strconv.Atoi(getEnv("DEFAULT_PAGE_SIZE", "20"))
	maxPageSize, _ := strconv.Atoi(getEnv("MAX_PAGE_SIZE", "100"))
	maxUploadBytes, _ := strconv.ParseInt(getEnv("MAX_UPLOAD_BYTES", "52428800"), 10, 64)
	chunkSize, _ := strconv.Atoi(getEnv("IMPORT_CHUNK_SIZE", "500"))
	headerRow, _ := strconv.Atoi(getEnv("IMPORT_HEADER_ROW", "1"))
	workers, _ := strconv.Atoi(getEnv("IMPORT_WORKERS", "4"))
	queueSize, _ := strconv.Atoi(getEnv("IMPORT_QUEUE_SIZE", "100"))
	errorBuffer, _ := strconv.Atoi(getEnv("IMPORT_ERROR_BUFFER", "1000"))
	prefetch, _ := strconv.ParseBool(getEnv("IMPORT_PREFETCH", "false"))
	jobTimeout := getEnvDuration("IMPORT_JOB_TIMEOUT", 30*time.Minute)
	sweepInterval := getEnvDuration("IMPORT_SWEEP_INTERVAL", time.Minute)
	jobCacheTTL := getEnvDuration("JOB_CACHE_TTL", 24*time.Hour)

	return &Config{
		// Database
		DBType:     getEnv("DB_TYPE", "postgres"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     dbPort,
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "products_db"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		// Redis
		RedisURL:    getEnv("REDIS_URL", ""),
		JobCacheTTL: jobCacheTTL,

		// NATS
		NATSURL: getEnv("NATS_URL", ""),

		// Server
		Port:        getEnv("PORT", "8087"),
		Environment: getEnv("ENVIRONMENT", "development"),

		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:3001",
			"http://localhost:5173",
		}),

		StagingDir:     getEnv("STAGING_DIR", os.TempDir()+"/product-imports"),
		MaxUploadBytes: maxUploadBytes,

		Import: ImportConfig{
			ChunkSize:         chunkSize,
			HeaderRow:         headerRow,
			RequiredColumns:   getEnvList("IMPORT_REQUIRED_COLUMNS", []string{"name", "code", "category", "sellingPrice", "quantity"}),
			AllowedCategories: getEnvList("IMPORT_ALLOWED_CATEGORIES", models.DefaultProductCategories),
			MaxPrice:          getEnv("IMPORT_MAX_PRICE", ""),
			Workers:           workers,
			QueueSize:         queueSize,
			JobTimeout:        jobTimeout,
			SweepInterval:     sweepInterval,
			Prefetch:          prefetch,
			ErrorBufferSize:   errorBuffer,
		},

		// Pagination
		DefaultPageSize: defaultPageSize,
		MaxPageSize:     maxPageSize,
	}
}

// Validate checks the loaded configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func InitDB(cfg *Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if cfg.DBType == "sqlite" {
		dialector = sqlite.Open(cfg.DBName)
	} else {
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)
		dialector = postgres.Open(dsn)
	}

	var logLevel logger.LogLevel
	if cfg.Environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Warn
	}

	gormLogger := logger.New(
		logrus.StandardLogger(),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logLevel,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate keeps the import and catalog tables up to date.
func Migrate(db *gorm.DB) error {
	log.Println("Running auto-migrations...")
	if err := db.AutoMigrate(
		&models.Product{},
		&models.Inventory{},
		&models.ImportJob{},
		&models.ImportError{},
	); err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "does not exist") && strings.Contains(errStr, "constraint") {
			log.Printf("Note: Migration constraint warning (safe to ignore): %v", err)
		} else {
			return fmt.Errorf("failed to run auto-migrations: %w", err)
		}
	}
	log.Println("Auto-migrations completed successfully")
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("Invalid %s, using %s: %v", key, defaultValue, err)
		return defaultValue
	}
	return d
}

// getEnvList reads a comma-separated list, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return append([]string(nil), defaultValue...)
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}
