package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eldtechnologies/chatrelay/internal/bootstrap"
	"github.com/eldtechnologies/chatrelay/internal/config"
	"github.com/eldtechnologies/chatrelay/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := bootstrap.NewLogger(cfg)

	ctx := context.Background()

	msgStore, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("store initialization failed")
	}
	defer msgStore.Close()

	redisClient, err := bootstrap.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisClient.Close()

	q := bootstrap.NewQueue(redisClient, cfg, logger)
	pool := worker.NewPool(q, worker.NewProcessor(msgStore, logger), worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		JobTimeout:   cfg.JobTimeout,
	}, logger)

	logger.Info().
		Str("queue", cfg.QueueName).
		Dur("visibility_timeout", cfg.VisibilityTimeout).
		Msg("starting chatrelay worker")
	stop := pool.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down worker...")

	// In-flight jobs get the job timeout to finish; anything left behind is
	// redelivered once its lease expires.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout+5*time.Second)
	defer cancel()

	if err := stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("workers did not stop in time")
	}

	logger.Info().Msg("worker stopped")
}
