package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"folio/media/internal/app"
	"folio/media/internal/config"
	"folio/media/internal/log"
	"folio/media/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)
	if cfg.Queue.Mode != "stream" {
		logger.Fatal().Str("mode", cfg.Queue.Mode).Msg("worker requires queue.mode stream")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise pipeline")
	}
	defer a.Close()

	consumer := queue.NewConsumer(a.Redis, cfg.Queue, logger, a.Processor)

	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("consumer stopped unexpectedly")
		}
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
		select {
		case <-done:
		case <-time.After(cfg.HTTP.ShutdownTimeout):
			logger.Warn().Msg("consumer did not stop in time")
		}
	}
	logger.Info().Msg("worker exited")
}
