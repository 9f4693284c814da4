package optimize

import (
	"context"
	"errors"
	"fmt"

	"folio/media/internal/apperr"
	"folio/media/internal/models"
)

type RecoverReport struct {
	Jobs          int
	Assets        int
	ExpiredLeases int
	OrphanPending int
}

// Recover is the restart sweep. Jobs that are active in the store but not
// running in this process are closed as failed, with their unfinished assets
// failed and released. Expired leases and pending assets that no job holds
// are failed too, so they show up in FindUnoptimized again.
func (s *Scheduler) Recover(ctx context.Context) (RecoverReport, error) {
	var report RecoverReport

	jobs, err := s.jobs.ListActive(ctx)
	if err != nil {
		return report, fmt.Errorf("list active jobs: %w", err)
	}
	for _, job := range jobs {
		s.mu.RLock()
		_, running := s.live[job.JobID]
		s.mu.RUnlock()
		if running {
			continue
		}
		n, err := s.closeInterrupted(ctx, job)
		if err != nil {
			return report, err
		}
		report.Jobs++
		report.Assets += n
	}

	released, err := s.catalog.ExpireLeases(ctx)
	if err != nil {
		return report, fmt.Errorf("expire leases: %w", err)
	}
	report.ExpiredLeases = len(released)

	pending, _, err := s.catalog.List(ctx, models.AssetQuery{
		OptimizationStates: []models.OptimizationState{models.OptimizationPending},
	})
	if err != nil {
		return report, fmt.Errorf("list pending assets: %w", err)
	}
	for _, a := range pending {
		owner, err := s.jobs.ReservedBy(ctx, a.ID)
		if err != nil {
			return report, fmt.Errorf("reservation of %s: %w", a.ID, err)
		}
		if owner != "" {
			continue
		}
		if s.finishCatalog(ctx, a.ID, "", false) {
			report.OrphanPending++
		}
	}

	if report != (RecoverReport{}) {
		s.log.Info().
			Int("jobs", report.Jobs).
			Int("assets", report.Assets).
			Int("expired_leases", report.ExpiredLeases).
			Int("orphan_pending", report.OrphanPending).
			Msg("optimization state recovered")
	}
	return report, nil
}

func (s *Scheduler) closeInterrupted(ctx context.Context, job models.OptimizationJob) (int, error) {
	r := &run{job: job, store: s.jobs, log: s.log.With().Str("job_id", job.JobID).Logger()}

	var unfinished []string
	for _, id := range job.AssetIDs {
		if !job.PerAssetStatus[id].Status.Terminal() {
			unfinished = append(unfinished, id)
		}
	}
	for _, id := range unfinished {
		s.abandon(ctx, r, id, "interrupted by restart", true)
	}

	now := s.now()
	if err := r.mutate(ctx, func(j *models.OptimizationJob) {
		j.Status = models.JobFailed
		j.Error = "interrupted by restart"
		j.CompletedAt = &now
	}); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return 0, fmt.Errorf("close job %s: %w", job.JobID, err)
	}
	return len(unfinished), nil
}
