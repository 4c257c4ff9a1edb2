package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BlobBackendS3 = "s3"
	BlobBackendFS = "fs"

	ShareBackendBlob     = "blob"
	ShareBackendDatabase = "database"
)

type Config struct {
	AppEnv   string
	Port     string
	BaseURL  string
	LogLevel string

	// DatabaseURL may be empty, which disables the dead drop and the
	// database share backend.
	DatabaseURL string
	// RedisURL, when set, moves download tokens from Postgres to Redis.
	RedisURL string

	BlobBackend   string
	BlobEndpoint  string
	BlobAccessKey string
	BlobSecretKey string
	BlobBucket    string
	BlobUseSSL    bool
	BlobPath      string

	ShareBackend    string
	DeadDropEnabled bool

	MaxFileSize     int64
	MaxShareContent int
	MaxShareImage   int64
	DefaultExpiry   time.Duration
	MaxExpiry       time.Duration
	TokenTTL        time.Duration
	SessionTTL      time.Duration
	CleanupInterval time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
}

// Load reads the configuration from the environment, after loading a .env
// file from the working directory if one exists.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		Port:     getEnv("PORT", "8080"),
		BaseURL:  strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		BlobBackend:   getEnv("BLOB_BACKEND", BlobBackendFS),
		BlobEndpoint:  getEnv("BLOB_ENDPOINT", "localhost:9000"),
		BlobAccessKey: getEnv("BLOB_ACCESS_KEY", ""),
		BlobSecretKey: getEnv("BLOB_SECRET_KEY", ""),
		BlobBucket:    getEnv("BLOB_BUCKET", "vanish"),
		BlobUseSSL:    getEnvBool("BLOB_USE_SSL", false),
		BlobPath:      getEnv("BLOB_PATH", "./storage/blobs"),

		ShareBackend:    getEnv("SHARE_BACKEND", ShareBackendBlob),
		DeadDropEnabled: getEnvBool("DEADDROP_ENABLED", true),

		MaxFileSize:     getEnvInt64("MAX_FILE_SIZE", 100*1024*1024), // 100MB
		MaxShareContent: getEnvInt("MAX_SHARE_CONTENT", 512*1024),
		MaxShareImage:   getEnvInt64("MAX_SHARE_IMAGE", 5*1024*1024),
		DefaultExpiry:   getEnvDuration("DEFAULT_EXPIRY_HOURS", 24*time.Hour, time.Hour),
		MaxExpiry:       getEnvDuration("MAX_EXPIRY_HOURS", 7*24*time.Hour, time.Hour),
		TokenTTL:        getEnvDuration("DOWNLOAD_TOKEN_TTL_MINUTES", 5*time.Minute, time.Minute),
		SessionTTL:      getEnvDuration("UPLOAD_SESSION_TTL_MINUTES", 60*time.Minute, time.Minute),
		CleanupInterval: getEnvDuration("CLEANUP_INTERVAL_MINUTES", 15*time.Minute, time.Minute),
		RateLimitRPS:    getEnvFloat64("RATE_LIMIT_RPS", 10),
		RateLimitBurst:  getEnvInt("RATE_LIMIT_BURST", 20),
	}
}

// IsProduction reports whether raw error details must be withheld from
// clients.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat64(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration reads a number of units, which may be fractional.
func getEnvDuration(key string, fallback, unit time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseFloat(val, 64); err == nil && n > 0 {
			return time.Duration(n * float64(unit))
		}
	}
	return fallback
}
