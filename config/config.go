package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Bulk     BulkConfig
	Upstream UpstreamConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int    // 0 = no limit; archives stream for as long as they take
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // empty disables export persistence
	MaxConns int32
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool { return c.URL != "" }

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string // empty disables the export queue and the resolve cache
	Password string
	DB       int
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// JWTConfig holds JWT validation settings.
type JWTConfig struct {
	Secret string // empty disables operator auth
}

// AWSConfig holds AWS credentials and the exports bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ExportsBucket        string
	PresignExpireMinutes int
}

// BulkConfig tunes archive assembly.
type BulkConfig struct {
	Concurrency       int
	ResolveAttempts   int
	ResolveBaseDelay  time.Duration
	RetryJitter       time.Duration
	ItemTimeout       time.Duration
	FilenamePrefix    string
	SpoolThreshold    int64
	SpoolDir          string
	MaxItems          int
	InProcessExporter bool // run the export worker inside the API process
}

// UpstreamConfig describes the recording metadata service.
type UpstreamConfig struct {
	Timeout    time.Duration
	AuthHeader string // sent as Authorization on metadata requests
	CacheTTL   time.Duration
	UserAgent  string
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 0),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 0)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ExportsBucket:        getEnv("AWS_S3_EXPORTS_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Bulk: BulkConfig{
			Concurrency:       getEnvInt("BULK_CONCURRENCY", 8),
			ResolveAttempts:   getEnvInt("BULK_RESOLVE_ATTEMPTS", 3),
			ResolveBaseDelay:  time.Duration(getEnvInt("BULK_RESOLVE_BASE_DELAY_MS", 500)) * time.Millisecond,
			RetryJitter:       time.Duration(getEnvInt("BULK_RETRY_JITTER_MS", 250)) * time.Millisecond,
			ItemTimeout:       time.Duration(getEnvInt("BULK_ITEM_TIMEOUT_SEC", 300)) * time.Second,
			FilenamePrefix:    getEnv("BULK_FILENAME_PREFIX", "recordings"),
			SpoolThreshold:    int64(getEnvInt("BULK_SPOOL_THRESHOLD_BYTES", 8<<20)),
			SpoolDir:          getEnv("BULK_SPOOL_DIR", ""),
			MaxItems:          getEnvInt("BULK_MAX_ITEMS", 5000),
			InProcessExporter: getEnvBool("BULK_INPROCESS_EXPORTER", false),
		},
		Upstream: UpstreamConfig{
			Timeout:    time.Duration(getEnvInt("UPSTREAM_TIMEOUT_SEC", 30)) * time.Second,
			AuthHeader: getEnv("UPSTREAM_AUTH_HEADER", ""),
			CacheTTL:   time.Duration(getEnvInt("RESOLVE_CACHE_TTL_SEC", 120)) * time.Second,
			UserAgent:  getEnv("UPSTREAM_USER_AGENT", "contactlens-bulk/1.0"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Bulk.Concurrency < 1 {
		return fmt.Errorf("BULK_CONCURRENCY must be at least 1, got %d", c.Bulk.Concurrency)
	}
	if c.Bulk.ResolveAttempts < 1 {
		return fmt.Errorf("BULK_RESOLVE_ATTEMPTS must be at least 1, got %d", c.Bulk.ResolveAttempts)
	}
	if c.Bulk.MaxItems < 1 {
		return fmt.Errorf("BULK_MAX_ITEMS must be at least 1, got %d", c.Bulk.MaxItems)
	}
	if c.Bulk.ItemTimeout < 0 || c.Bulk.RetryJitter < 0 || c.Bulk.ResolveBaseDelay < 0 {
		return fmt.Errorf("bulk durations must not be negative")
	}
	return nil
}

// AllowedOrigins splits CORSAllowedOrigins.
func (c ServerConfig) AllowedOrigins() []string {
	return splitTrim(c.CORSAllowedOrigins, ",")
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
