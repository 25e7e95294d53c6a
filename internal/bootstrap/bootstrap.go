// Package bootstrap builds the shared infrastructure used by the server and
// worker binaries.
package bootstrap

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/config"
	"github.com/eldtechnologies/chatrelay/internal/fanout"
	"github.com/eldtechnologies/chatrelay/internal/queue"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

// NewLogger returns a console logger in development and JSON otherwise.
func NewLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}

// OpenStore connects to PostgreSQL when DATABASE_URL is set, running
// migrations first, and falls back to SQLite otherwise.
func OpenStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.MessageStore, error) {
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		logger.Info().Msg("migrations completed")

		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to PostgreSQL")
		return pg, nil
	}

	sqlite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
	return sqlite, nil
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// NewQueue builds the persistence queue from configuration.
func NewQueue(client *redis.Client, cfg *config.Config, logger zerolog.Logger) *queue.RedisQueue {
	return queue.NewRedisQueue(client, cfg.QueueName,
		queue.WithVisibilityTimeout(cfg.VisibilityTimeout),
		queue.WithLogger(logger),
	)
}

// NewBus builds the fan-out bus selected by BUS_DRIVER.
func NewBus(client *redis.Client, cfg *config.Config, logger zerolog.Logger) fanout.Bus {
	if cfg.BusDriver == "memory" {
		logger.Warn().Msg("using in-process fan-out bus, live events stay on this instance")
		return fanout.NewMemoryBus(fanout.DefaultBuffer)
	}
	return fanout.NewRedisBus(client, logger)
}
