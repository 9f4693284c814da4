package optimize

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Dispatcher hands a persisted job to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Executor runs one job to completion.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// LocalDispatcher executes jobs on goroutines of the current process. Jobs
// run under the dispatcher's base context, not the submitting request's.
type LocalDispatcher struct {
	base context.Context
	exec Executor
	log  zerolog.Logger
	wg   sync.WaitGroup
}

func NewLocalDispatcher(base context.Context, exec Executor, log zerolog.Logger) *LocalDispatcher {
	return &LocalDispatcher{
		base: base,
		exec: exec,
		log:  log.With().Str("component", "local_dispatcher").Logger(),
	}
}

func (d *LocalDispatcher) Dispatch(_ context.Context, jobID string) error {
	if err := d.base.Err(); err != nil {
		return err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.exec.Execute(d.base, jobID); err != nil {
			d.log.Error().Err(err).Str("job_id", jobID).Msg("optimization job failed")
		}
	}()
	return nil
}

// Wait blocks until every dispatched job has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
