package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eldtechnologies/chatrelay/internal/api"
	"github.com/eldtechnologies/chatrelay/internal/bootstrap"
	"github.com/eldtechnologies/chatrelay/internal/chat"
	"github.com/eldtechnologies/chatrelay/internal/config"
	"github.com/eldtechnologies/chatrelay/internal/worker"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger := bootstrap.NewLogger(cfg)

	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal().Err(err).Msg("invalid server configuration")
	}

	ctx := context.Background()

	// Initialize message store
	msgStore, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("store initialization failed")
	}
	defer msgStore.Close()

	// Initialize Redis
	redisClient, err := bootstrap.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisClient.Close()
	logger.Info().Msg("connected to Redis")

	q := bootstrap.NewQueue(redisClient, cfg, logger)
	bus := bootstrap.NewBus(redisClient, cfg, logger)
	defer bus.Close()

	svc := chat.NewService(msgStore, q, bus, logger)

	// Optional in-process worker pool for single-binary deployments
	var stopWorkers func(context.Context) error
	if cfg.EmbedWorker {
		pool := worker.NewPool(q, worker.NewProcessor(msgStore, logger), worker.Config{
			Concurrency:  cfg.WorkerConcurrency,
			PollInterval: cfg.WorkerPollInterval,
			JobTimeout:   cfg.JobTimeout,
		}, logger)
		stopWorkers = pool.Start(ctx)
	}

	// Create router
	router := api.NewRouter(api.Deps{
		Chat:               svc,
		Store:              msgStore,
		Queue:              q,
		Redis:              redisClient,
		Logger:             logger,
		JWTSecret:          cfg.JWTSecret,
		RateLimitWhitelist: cfg.RateLimitWhitelist,
		AutoBlockEnabled:   cfg.AutoBlockEnabled,
	})

	if cfg.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET not set, sender_id is taken from request bodies")
	}

	// Create server. No write timeout: live streams are long-lived and
	// manage their own write deadlines.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("bus", cfg.BusDriver).
			Bool("embedded_worker", cfg.EmbedWorker).
			Msg("starting chatrelay server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	if stopWorkers != nil {
		if err := stopWorkers(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("workers did not stop in time")
		}
	}

	logger.Info().Msg("server stopped")
}
