package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"folio/media/internal/queue"
)

// Sink receives the periodic maintenance tasks. In local mode it is the
// task processor itself; in stream mode it is the queue producer.
type Sink interface {
	Submit(ctx context.Context, task queue.Task) error
}

type Scheduler struct {
	cron      *cron.Cron
	sink      Sink
	sweepSpec string
	purgeSpec string
	timeout   time.Duration
	log       zerolog.Logger
}

func NewScheduler(sink Sink, sweepSpec, purgeSpec string, log zerolog.Logger) *Scheduler {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	return &Scheduler{
		cron:      c,
		sink:      sink,
		sweepSpec: sweepSpec,
		purgeSpec: purgeSpec,
		timeout:   time.Minute,
		log:       log.With().Str("component", "cron").Logger(),
	}
}

// Start registers the lease sweep and the purge. An empty spec disables
// that task.
func (s *Scheduler) Start() error {
	if s.sink == nil {
		return nil
	}
	if s.sweepSpec != "" {
		if _, err := s.cron.AddFunc(s.sweepSpec, func() { s.submit(queue.TaskSweep) }); err != nil {
			return err
		}
	}
	if s.purgeSpec != "" {
		if _, err := s.cron.AddFunc(s.purgeSpec, func() { s.submit(queue.TaskPurge) }); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits up to ctx for running tasks.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("cron tasks still running at shutdown")
	}
}

func (s *Scheduler) submit(t queue.TaskType) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.sink.Submit(ctx, queue.Task{Type: t}); err != nil {
		s.log.Error().Err(err).Str("task", string(t)).Msg("scheduled task failed")
	}
}
