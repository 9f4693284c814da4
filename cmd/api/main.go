package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"folio/media/internal/app"
	"folio/media/internal/config"
	"folio/media/internal/jobs"
	"folio/media/internal/log"
	"folio/media/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)

	ctx := context.Background()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise pipeline")
	}

	// In local mode every job runs in this process, so anything still
	// marked active was interrupted by the previous shutdown.
	if cfg.Queue.Mode != "stream" {
		report, err := a.Scheduler.Recover(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("recover failed")
		} else if report.Jobs > 0 || report.ExpiredLeases > 0 || report.OrphanPending > 0 {
			logger.Warn().
				Int("jobs", report.Jobs).
				Int("assets", report.Assets).
				Int("expired_leases", report.ExpiredLeases).
				Int("orphan_pending", report.OrphanPending).
				Msg("recovered interrupted optimization work")
		}
	}

	httpServer := server.NewHTTPServer(cfg, logger, a.Handlers(), a.Local)

	scheduler := jobs.NewScheduler(a.Sink(), cfg.Optimization.SweepSpec, cfg.Optimization.PurgeSpec, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, cfg, httpServer, scheduler, a)
}

func waitForShutdown(logger zerolog.Logger, cfg *config.AppConfig, srv *server.HTTPServer, scheduler *jobs.Scheduler, a *app.App) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	scheduler.Stop(shutdownCtx)
	a.Drain(max(time.Until(deadline(shutdownCtx)), time.Second))
	a.Close()

	logger.Info().Msg("server exited cleanly")
}

func deadline(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}
