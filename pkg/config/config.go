package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Environment string `validate:"required"`
	Database    DatabaseConfig
	Redis       RedisConfig
	Typesense   TypesenseConfig
	Embedding   EmbeddingConfig
	Kaggle      KaggleConfig
	HuggingFace HuggingFaceConfig
	Pipeline    PipelineConfig
	OTEL        OTELConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `validate:"required"`
	Port     int    `validate:"min=1,max=65535"`
	User     string `validate:"required"`
	Password string
	Database string `validate:"required"`
	SSLMode  string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
}

// RedisConfig holds Redis configuration. Redis backs the stage lock, the
// stats cache and run events; all three are skipped when disabled.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int `validate:"min=1,max=65535"`
	Password string
	DB       int `validate:"min=0"`
}

// TypesenseConfig holds Typesense configuration
type TypesenseConfig struct {
	Enabled bool
	URL     string `validate:"required_if=Enabled true"`
	APIKey  string `validate:"required_if=Enabled true"`
}

// EmbeddingConfig points at an OpenAI-compatible embeddings endpoint
type EmbeddingConfig struct {
	BaseURL        string `validate:"omitempty,url"`
	APIKey         string
	Model          string `validate:"required"`
	RateLimitRPM   int    `validate:"min=0"`
	RateLimitBurst int    `validate:"min=0"`
	Dimensions     int    `validate:"min=0"`
}

// KaggleConfig holds Kaggle API and Meta Kaggle seed configuration
type KaggleConfig struct {
	BaseURL     string `validate:"required,url"`
	Username    string
	Key         string
	SeedURL     string `validate:"required,url"`
	CacheDir    string `validate:"required"`
	SeedMaxAge  time.Duration
	Timeout     time.Duration `validate:"gt=0"`
	RequestsRPS float64       `validate:"gte=0"`
}

// HuggingFaceConfig holds HuggingFace Hub API configuration
type HuggingFaceConfig struct {
	BaseURL     string `validate:"required,url"`
	Token       string
	Timeout     time.Duration `validate:"gt=0"`
	RequestsRPS float64       `validate:"gte=0"`
}

// PipelineConfig holds stage defaults used when a caller passes zero
type PipelineConfig struct {
	SeedBatchSize      int           `validate:"min=1"`
	FetchLimit         int           `validate:"min=1"`
	HFFetchLimit       int           `validate:"min=1"`
	EnrichBatchSize    int           `validate:"min=1"`
	EmbedBatchSize     int           `validate:"min=1"`
	EmbedSubBatchSize  int           `validate:"min=1"`
	MaxAttempts        int           `validate:"min=1"`
	EnrichDelay        time.Duration `validate:"gte=0"`
	LeaseTTL           time.Duration `validate:"gt=0"`
	StageLockTTL       time.Duration `validate:"gt=0"`
	StatsCacheSeconds  int           `validate:"min=0"`
	IndexWorkers       int           `validate:"min=1"`
	HFDaysBack         int           `validate:"min=0"`
	KaggleLatestSortBy string        `validate:"oneof=hottest votes updated active published"`
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string `validate:"required_if=Enabled true"`
	Enabled        bool
}

// Load reads an optional .env file and then builds configuration from
// environment variables. Variables already set win over the file.
func Load(envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "datasearch"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Typesense: TypesenseConfig{
			Enabled: getEnvAsBool("TYPESENSE_ENABLED", false),
			URL:     getEnv("TYPESENSE_URL", "http://localhost:8108"),
			APIKey:  getEnv("TYPESENSE_API_KEY", "xyz"),
		},
		Embedding: EmbeddingConfig{
			BaseURL:        getEnv("EMBEDDING_BASE_URL", ""),
			APIKey:         getEnv("EMBEDDING_API_KEY", ""),
			Model:          getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			RateLimitRPM:   getEnvAsInt("EMBEDDING_RATE_LIMIT_RPM", 300),
			RateLimitBurst: getEnvAsInt("EMBEDDING_RATE_LIMIT_BURST", 5),
			Dimensions:     getEnvAsInt("EMBEDDING_DIMENSIONS", 1536),
		},
		Kaggle: KaggleConfig{
			BaseURL:     getEnv("KAGGLE_BASE_URL", "https://www.kaggle.com/api/v1"),
			Username:    getEnv("KAGGLE_USERNAME", ""),
			Key:         getEnv("KAGGLE_KEY", ""),
			SeedURL:     getEnv("KAGGLE_SEED_URL", "https://www.kaggle.com/api/v1/datasets/download/kaggle/meta-kaggle/Datasets.csv"),
			CacheDir:    getEnv("KAGGLE_CACHE_DIR", "/tmp/datasearch/kaggle"),
			SeedMaxAge:  getEnvAsDuration("KAGGLE_SEED_MAX_AGE", 7*24*time.Hour),
			Timeout:     getEnvAsDuration("KAGGLE_TIMEOUT", 30*time.Second),
			RequestsRPS: getEnvAsFloat("KAGGLE_REQUESTS_RPS", 2),
		},
		HuggingFace: HuggingFaceConfig{
			BaseURL:     getEnv("HF_BASE_URL", "https://huggingface.co"),
			Token:       getEnv("HF_TOKEN", ""),
			Timeout:     getEnvAsDuration("HF_TIMEOUT", 30*time.Second),
			RequestsRPS: getEnvAsFloat("HF_REQUESTS_RPS", 5),
		},
		Pipeline: PipelineConfig{
			SeedBatchSize:      getEnvAsInt("PIPELINE_SEED_BATCH_SIZE", 1000),
			FetchLimit:         getEnvAsInt("PIPELINE_FETCH_LIMIT", 100),
			HFFetchLimit:       getEnvAsInt("PIPELINE_HF_FETCH_LIMIT", 1000),
			EnrichBatchSize:    getEnvAsInt("PIPELINE_ENRICH_BATCH_SIZE", 50),
			EmbedBatchSize:     getEnvAsInt("PIPELINE_EMBED_BATCH_SIZE", 100),
			EmbedSubBatchSize:  getEnvAsInt("PIPELINE_EMBED_SUB_BATCH_SIZE", 32),
			MaxAttempts:        getEnvAsInt("PIPELINE_MAX_ATTEMPTS", 3),
			EnrichDelay:        getEnvAsDuration("PIPELINE_ENRICH_DELAY", time.Second),
			LeaseTTL:           getEnvAsDuration("PIPELINE_LEASE_TTL", time.Hour),
			StageLockTTL:       getEnvAsDuration("PIPELINE_STAGE_LOCK_TTL", 2*time.Hour),
			StatsCacheSeconds:  getEnvAsInt("PIPELINE_STATS_CACHE_SECONDS", 60),
			IndexWorkers:       getEnvAsInt("PIPELINE_INDEX_WORKERS", 8),
			HFDaysBack:         getEnvAsInt("PIPELINE_HF_DAYS_BACK", 1),
			KaggleLatestSortBy: getEnv("PIPELINE_KAGGLE_SORT_BY", "updated"),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "datasearch-pipeline"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DatabaseURL returns the URL form expected by the migration driver
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
