package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"folio/media/internal/catalog"
	"folio/media/internal/optimize"
	"folio/media/internal/queue"
)

// Maintenance is the catalog housekeeping the processor drives.
type Maintenance interface {
	ExpireLeases(ctx context.Context) ([]string, error)
	PurgePending(ctx context.Context, stagingTTL time.Duration) (catalog.PurgeReport, error)
}

// Processor executes queued tasks. It serves as the stream consumer's
// handler and, in local mode, as the cron scheduler's direct sink.
type Processor struct {
	exec       optimize.Executor
	catalog    Maintenance
	stagingTTL time.Duration
	logger     zerolog.Logger
}

func NewProcessor(exec optimize.Executor, cat Maintenance, stagingTTL time.Duration, logger zerolog.Logger) *Processor {
	return &Processor{
		exec:       exec,
		catalog:    cat,
		stagingTTL: stagingTTL,
		logger:     logger.With().Str("component", "processor").Logger(),
	}
}

func (p *Processor) Handle(ctx context.Context, msg redis.XMessage) error {
	task, err := queue.DecodeTask(msg)
	if err != nil {
		// A malformed entry can never succeed; ack it by returning nil.
		p.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("dropping malformed task")
		return nil
	}
	return p.Submit(ctx, task)
}

// Submit runs the task synchronously.
func (p *Processor) Submit(ctx context.Context, task queue.Task) error {
	switch task.Type {
	case queue.TaskOptimize:
		return p.handleOptimize(ctx, task)
	case queue.TaskSweep:
		return p.handleSweep(ctx)
	case queue.TaskPurge:
		return p.handlePurge(ctx)
	default:
		p.logger.Warn().Str("type", string(task.Type)).Msg("unknown task type")
		return nil
	}
}

func (p *Processor) handleOptimize(ctx context.Context, task queue.Task) error {
	if !task.EnqueuedAt.IsZero() {
		p.logger.Debug().Str("job_id", task.JobID).Dur("queued", time.Since(task.EnqueuedAt)).Msg("optimize task received")
	}
	if err := p.exec.Execute(ctx, task.JobID); err != nil {
		return fmt.Errorf("execute job %s: %w", task.JobID, err)
	}
	return nil
}

func (p *Processor) handleSweep(ctx context.Context) error {
	expired, err := p.catalog.ExpireLeases(ctx)
	if err != nil {
		return fmt.Errorf("expire leases: %w", err)
	}
	if len(expired) > 0 {
		p.logger.Info().Strs("asset_ids", expired).Msg("expired optimization leases")
	}
	return nil
}

func (p *Processor) handlePurge(ctx context.Context) error {
	report, err := p.catalog.PurgePending(ctx, p.stagingTTL)
	if err != nil {
		return fmt.Errorf("purge pending: %w", err)
	}
	if report.Purged > 0 || report.Failed > 0 {
		p.logger.Info().Int("purged", report.Purged).Int("failed", report.Failed).Msg("purged pending assets")
	}
	return nil
}
