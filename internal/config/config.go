package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string // PostgreSQL; takes precedence over SQLitePath
	SQLitePath  string
	RedisURL    string

	// Fan-out
	BusDriver string // "redis" or "memory"

	// Queue and workers
	QueueName          string
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	VisibilityTimeout  time.Duration
	JobTimeout         time.Duration
	EmbedWorker        bool // run a worker pool inside the API server

	// Auth
	JWTSecret string

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SQLitePath:         os.Getenv("SQLITE_PATH"),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379/0"),
		BusDriver:          getEnv("BUS_DRIVER", "redis"),
		QueueName:          getEnv("QUEUE_NAME", "persist-message"),
		WorkerConcurrency:  getInt("WORKER_CONCURRENCY", 4),
		WorkerPollInterval: getDuration("WORKER_POLL_INTERVAL", 250*time.Millisecond),
		VisibilityTimeout:  getDuration("JOB_VISIBILITY_TIMEOUT", 30*time.Second),
		JobTimeout:         getDuration("JOB_TIMEOUT", 10*time.Second),
		EmbedWorker:        getEnv("EMBED_WORKER", "false") == "true",
		JWTSecret:          os.Getenv("JWT_SECRET"),
		AutoBlockEnabled:   getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	switch cfg.BusDriver {
	case "redis", "memory":
	default:
		panic("BUS_DRIVER must be redis or memory")
	}

	// In production, require a real database and redis. Token verification
	// only matters to the API server, see ValidateServer.
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if os.Getenv("REDIS_URL") == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// ValidateServer checks settings only the API server needs. Workers never
// see tokens and start without them.
func (c *Config) ValidateServer() error {
	if c.Env == "production" && c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
