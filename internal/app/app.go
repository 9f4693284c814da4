// Package app assembles the pipeline from configuration. Every binary
// builds the same graph and differs only in what it runs on top of it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"folio/media/internal/cache"
	"folio/media/internal/catalog"
	"folio/media/internal/config"
	"folio/media/internal/database"
	"folio/media/internal/handlers"
	"folio/media/internal/jobs"
	"folio/media/internal/media/variant"
	"folio/media/internal/optimize"
	"folio/media/internal/queue"
	"folio/media/internal/repository"
	"folio/media/internal/service"
	"folio/media/internal/storage"
	"folio/media/internal/tasks"
)

type App struct {
	Config *config.AppConfig
	Log    zerolog.Logger

	DB    *pgxpool.Pool
	Redis *redis.Client

	Blobs storage.BlobStore
	// Local is set when blobs live on local disk.
	Local *storage.LocalStore

	Catalog   *catalog.Catalog
	Jobs      optimize.JobStore
	Scheduler *optimize.Scheduler
	Uploads   *service.UploadService
	Processor *tasks.Processor
	// Producer is set in stream mode.
	Producer *queue.Producer

	Checks map[string]handlers.HealthCheck

	local  *optimize.LocalDispatcher
	cancel context.CancelFunc
}

// New connects every configured backend. Jobs executed in-process run
// under a context that Close cancels.
func New(ctx context.Context, cfg *config.AppConfig, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Checks: map[string]handlers.HealthCheck{}}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.connect(ctx); err != nil {
		return nil, err
	}
	if err := a.openBlobs(ctx); err != nil {
		return nil, err
	}

	var store catalog.Store
	switch cfg.Catalog.Driver {
	case "postgres":
		store = repository.NewAssetRepository(a.DB)
	default:
		store = repository.NewMemoryAssetStore()
	}
	a.Catalog = catalog.New(store, a.Blobs, log)

	switch cfg.Jobs.Driver {
	case "redis":
		a.Jobs = repository.NewRedisJobStore(a.Redis, cfg.Jobs.KeyPrefix, cfg.Jobs.Retention)
	default:
		a.Jobs = repository.NewMemoryJobStore()
	}

	generator := variant.NewGenerator(cfg.Media.GeneratorParallelism)
	opt := cfg.Optimization
	a.Scheduler = optimize.NewScheduler(a.Catalog, a.Jobs, generator, optimize.Options{
		AllowedConcurrency: opt.AllowedConcurrency,
		DefaultConcurrency: opt.DefaultConcurrency,
		DefaultQuality:     opt.DefaultQuality,
		DefaultFormats:     opt.DefaultFormats,
		MaxWorkers:         opt.MaxWorkers,
		MaxBatch:           opt.MaxBatch,
		LeaseTTL:           opt.LeaseTTL,
		HeartbeatInterval:  opt.HeartbeatInterval,
	}, log)

	base, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if cfg.Queue.Mode == "stream" {
		a.Producer = queue.NewProducer(a.Redis, cfg.Queue.Stream)
		a.Scheduler.SetDispatcher(a.Producer)
	} else {
		a.local = optimize.NewLocalDispatcher(base, a.Scheduler, log)
		a.Scheduler.SetDispatcher(a.local)
	}

	a.Uploads = service.NewUploadService(a.Catalog, a.Blobs, generator, cfg.Media, log)
	a.Processor = tasks.NewProcessor(a.Scheduler, a.Catalog, opt.StagingTTL, log)

	ok = true
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config
	if cfg.Catalog.Driver == "postgres" {
		pool, err := database.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.DB = pool
		if err := database.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.Checks["database"] = pool.Ping
	}

	if cfg.Jobs.Driver == "redis" || cfg.Queue.Mode == "stream" {
		client, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = client
		a.Checks["cache"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return nil
}

func (a *App) openBlobs(ctx context.Context) error {
	cfg := a.Config.Storage
	if cfg.Driver == "minio" {
		store, err := storage.NewObjectStore(cfg)
		if err != nil {
			return err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}
		a.Blobs = store
		a.Checks["storage"] = store.Ping
		return nil
	}

	local, err := storage.NewLocalStore(cfg.Root, cfg.PublicBaseURL)
	if err != nil {
		return err
	}
	a.Blobs = local
	a.Local = local
	return nil
}

// Sink is where periodic and admin maintenance tasks go: the stream in
// stream mode, the processor itself otherwise.
func (a *App) Sink() jobs.Sink {
	if a.Producer != nil {
		return a.Producer
	}
	return a.Processor
}

// Handlers builds the HTTP handler set over this graph.
func (a *App) Handlers() handlers.HandlerSet {
	return handlers.NewHandlerSet(a.Log, a.Config, handlers.Deps{
		Catalog:     a.Catalog,
		Uploads:     a.Uploads,
		Scheduler:   a.Scheduler,
		Maintenance: a.Sink(),
		Checks:      a.Checks,
	})
}

// Drain gives in-process jobs up to timeout to finish, then cancels them.
// Cancelled jobs leave their assets to Recover or the lease sweep.
func (a *App) Drain(timeout time.Duration) {
	if a.local == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		a.local.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(timeout):
	}
	a.Log.Warn().Msg("cancelling optimization jobs still running at shutdown")
	a.cancel()
	<-done
}

func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Error().Err(err).Msg("redis close error")
		}
	}
}
