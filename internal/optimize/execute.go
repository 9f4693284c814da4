package optimize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"folio/media/internal/apperr"
	"folio/media/internal/ids"
	"folio/media/internal/media/geometry"
	"folio/media/internal/media/variant"
	"folio/media/internal/models"
	"folio/media/internal/storage"
)

// run is the in-memory state of a job executing in this process. Every
// mutation is persisted while mu is held so the store never sees an older
// snapshot after a newer one. owner is the lease token of this execution.
type run struct {
	mu    sync.RWMutex
	job   models.OptimizationJob
	owner string
	store JobStore
	log   zerolog.Logger
}

func (r *run) snapshot() models.OptimizationJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.job.Clone()
}

func (r *run) mutate(ctx context.Context, fn func(*models.OptimizationJob)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.job)
	if err := r.store.Save(context.WithoutCancel(ctx), r.job.Clone()); err != nil {
		r.log.Warn().Err(err).Msg("persist job progress")
		return err
	}
	return nil
}

func (r *run) setAsset(ctx context.Context, id string, fn func(*models.AssetProgress)) {
	_ = r.mutate(ctx, func(j *models.OptimizationJob) {
		p := j.PerAssetStatus[id]
		fn(&p)
		j.PerAssetStatus[id] = p
	})
}

// Execute processes every pending asset of the job with the job's worker
// count, bounded by the scheduler-wide worker cap. Executing a terminal job,
// or one already running in this process, is a no-op. A job whose assets
// are still leased by a live execution elsewhere fails with
// ErrAlreadyOptimizing so the delivery is retried later. Assets left
// processing by an interrupted earlier execution are failed, not retried.
func (s *Scheduler) Execute(ctx context.Context, jobID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return nil
	}

	r := &run{
		job:   job,
		owner: jobID + "/" + ids.New(),
		store: s.jobs,
		log:   s.log.With().Str("job_id", jobID).Logger(),
	}
	s.mu.Lock()
	if _, running := s.live[jobID]; running {
		s.mu.Unlock()
		return nil
	}
	s.live[jobID] = r
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.live, jobID)
		s.mu.Unlock()
	}()

	if held, err := s.heldElsewhere(ctx, job); err != nil {
		return fmt.Errorf("check leases of job %s: %w", jobID, err)
	} else if held {
		return apperr.Newf("optimize.execute", apperr.ErrAlreadyOptimizing, "job %s is running in another worker", jobID)
	}

	var pending []string
	var interrupted []string
	started := s.now()
	if err := r.mutate(ctx, func(j *models.OptimizationJob) {
		j.Status = models.JobRunning
		if j.StartedAt == nil {
			j.StartedAt = &started
		}
		for _, id := range j.AssetIDs {
			switch j.PerAssetStatus[id].Status {
			case models.AssetJobPending:
				pending = append(pending, id)
			case models.AssetJobProcessing:
				interrupted = append(interrupted, id)
			}
		}
	}); err != nil {
		return fmt.Errorf("start job %s: %w", jobID, err)
	}

	for _, id := range interrupted {
		s.abandon(ctx, r, id, "interrupted before completion", false)
	}

	r.log.Info().Int("assets", len(pending)).Int("concurrency", job.Concurrency).Msg("optimization job started")

	queue := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < max(1, job.Concurrency); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range queue {
				if err := s.sem.Acquire(ctx, 1); err != nil {
					return
				}
				s.processAsset(ctx, r, id)
				s.sem.Release(1)
			}
		}()
	}
feed:
	for _, id := range pending {
		select {
		case queue <- id:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		r.log.Warn().Err(err).Msg("optimization job interrupted")
		return err
	}

	finished := s.now()
	var counts map[models.AssetJobStatus]int
	err = r.mutate(ctx, func(j *models.OptimizationJob) {
		j.Status = models.JobCompleted
		j.CompletedAt = &finished
		counts = j.Counts()
	})
	r.log.Info().
		Int("completed", counts[models.AssetJobCompleted]).
		Int("failed", counts[models.AssetJobFailed]).
		Dur("took", finished.Sub(started)).
		Msg("optimization job finished")
	return err
}

// processAsset runs one asset through every requested format. Failures are
// recorded on the asset and never propagate to the job.
func (s *Scheduler) processAsset(ctx context.Context, r *run, id string) {
	job := r.snapshot()
	log := r.log.With().Str("asset_id", id).Logger()
	defer s.releaseReservation(ctx, id, job.JobID)

	// Claim before marking processing: a processing asset always has a lease.
	started := s.now()
	asset, err := s.catalog.Claim(ctx, id, r.owner, s.opts.LeaseTTL)
	if err != nil {
		if !errors.Is(err, apperr.ErrAlreadyOptimizing) {
			s.finishCatalog(ctx, id, r.owner, false)
		}
		r.setAsset(ctx, id, func(p *models.AssetProgress) { p.StartedAt = &started })
		s.failAsset(ctx, r, id, err)
		return
	}
	r.setAsset(ctx, id, func(p *models.AssetProgress) {
		p.Status = models.AssetJobProcessing
		p.Progress = 0
		p.StartedAt = &started
	})

	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go s.heartbeat(actx, cancel, id, r.owner)

	optimizedSize, err := s.optimize(actx, r, asset, job)
	if err == nil {
		if cause := context.Cause(actx); cause != nil {
			err = cause
		}
	}
	if err != nil {
		log.Warn().Err(err).Msg("asset optimization failed")
		s.finishCatalog(ctx, id, r.owner, false)
		s.failAsset(ctx, r, id, err)
		return
	}

	if !s.finishCatalog(ctx, id, r.owner, true) {
		s.failAsset(ctx, r, id, errors.New("optimization lease lost"))
		return
	}

	finished := s.now()
	r.setAsset(ctx, id, func(p *models.AssetProgress) {
		p.Status = models.AssetJobCompleted
		p.Progress = 100
		p.Error = ""
		p.OptimizedSize = &optimizedSize
		ratio := 0.0
		if p.OriginalSize > 0 {
			ratio = 1 - float64(optimizedSize)/float64(p.OriginalSize)
		}
		p.CompressionRatio = &ratio
		p.FinishedAt = &finished
	})
	log.Debug().Int64("optimized_size", optimizedSize).Msg("asset optimized")
}

// optimize encodes every format in request order and returns the optimized
// size: the smallest full-resolution rendition, never above the source size.
func (s *Scheduler) optimize(ctx context.Context, r *run, asset models.MediaAsset, job models.OptimizationJob) (int64, error) {
	src, err := s.catalog.ReadSource(ctx, asset)
	if err != nil {
		return 0, err
	}
	img, _, err := geometry.Decode(src)
	if err != nil {
		return 0, err
	}
	b := img.Bounds()
	optimizedSize := int64(len(src))

	for i, name := range job.Formats {
		format, err := geometry.ParseFormat(name)
		if err != nil {
			return 0, err
		}

		specs := []variant.Spec{{
			Label:     OptimizedLabel,
			MaxWidth:  b.Dx(),
			MaxHeight: b.Dy(),
			Format:    format,
			Quality:   job.Quality,
			Exact:     true,
		}}
		for _, v := range asset.Variants {
			if v.Format == string(format) || v.SizeLabel == OptimizedLabel {
				continue
			}
			specs = append(specs, variant.Spec{
				Label:     v.SizeLabel,
				MaxWidth:  v.Width,
				MaxHeight: v.Height,
				Format:    format,
				Quality:   job.Quality,
				Exact:     true,
			})
		}

		results, err := s.generator.Generate(ctx, img, specs)
		if err != nil {
			return 0, err
		}
		for _, res := range results {
			if res.Err != nil {
				return 0, fmt.Errorf("%s/%s: %w", res.Spec.Label, format, res.Err)
			}
			size := int64(len(res.Data))
			if res.Spec.Label == OptimizedLabel {
				if size >= int64(len(src)) {
					continue
				}
				optimizedSize = min(optimizedSize, size)
			}
			if err := s.storeVariant(ctx, asset.ID, res, job.Quality); err != nil {
				return 0, err
			}
		}

		progress := (i + 1) * 100 / len(job.Formats)
		r.setAsset(ctx, asset.ID, func(p *models.AssetProgress) { p.Progress = progress })
	}
	return optimizedSize, nil
}

func (s *Scheduler) storeVariant(ctx context.Context, assetID string, res variant.Result, quality int) error {
	p := storage.VariantPath(assetID, res.Spec.Label, res.Spec.Format)
	if _, err := s.catalog.Blobs().Put(ctx, res.Data, p); err != nil {
		return err
	}
	_, err := s.catalog.ReplaceVariant(ctx, assetID, models.Variant{
		SizeLabel: res.Spec.Label,
		Width:     res.Width,
		Height:    res.Height,
		Format:    string(res.Spec.Format),
		Quality:   quality,
		BlobPath:  p,
		ByteSize:  int64(len(res.Data)),
	})
	if err != nil {
		if derr := s.catalog.Blobs().Delete(context.WithoutCancel(ctx), p); derr != nil {
			s.log.Warn().Err(derr).Str("blob", p).Msg("delete unrecorded variant blob")
		}
		return err
	}
	return nil
}

// heartbeat extends the asset lease until ctx ends. Losing the lease cancels
// the asset's work.
func (s *Scheduler) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, id, owner string) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.catalog.Heartbeat(ctx, id, owner, s.opts.LeaseTTL); err != nil {
				if ctx.Err() == nil {
					cancel(fmt.Errorf("heartbeat: %w", err))
				}
				return
			}
		}
	}
}

// finishCatalog records the outcome on the asset and reports whether the
// lease was still held.
func (s *Scheduler) finishCatalog(ctx context.Context, id, owner string, ok bool) bool {
	err := s.catalog.FinishOptimization(context.WithoutCancel(ctx), id, owner, ok)
	if err != nil && !errors.Is(err, apperr.ErrInvalidState) && !errors.Is(err, apperr.ErrNotFound) {
		s.log.Warn().Err(err).Str("asset_id", id).Msg("finish optimization")
	}
	return err == nil
}

func (s *Scheduler) failAsset(ctx context.Context, r *run, id string, cause error) {
	finished := s.now()
	r.setAsset(ctx, id, func(p *models.AssetProgress) {
		p.Status = models.AssetJobFailed
		p.Error = cause.Error()
		p.FinishedAt = &finished
	})
}

// heldElsewhere reports whether a processing asset of the job is still
// leased, which means another execution of the job is alive.
func (s *Scheduler) heldElsewhere(ctx context.Context, job models.OptimizationJob) (bool, error) {
	for _, id := range job.AssetIDs {
		if job.PerAssetStatus[id].Status != models.AssetJobProcessing {
			continue
		}
		held, err := s.catalog.LeaseHeld(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if held {
			return true, nil
		}
	}
	return false, nil
}

// abandon fails an asset that will not be processed by this job. Without
// force, an asset still leased by a live execution is left to it.
func (s *Scheduler) abandon(ctx context.Context, r *run, id, reason string, force bool) {
	err := s.catalog.Abandon(context.WithoutCancel(ctx), id, r.job.JobID, force)
	switch {
	case errors.Is(err, apperr.ErrAlreadyOptimizing):
		r.log.Warn().Str("asset_id", id).Msg("asset still leased by another execution")
		return
	case err != nil && !errors.Is(err, apperr.ErrInvalidState) && !errors.Is(err, apperr.ErrNotFound):
		r.log.Warn().Err(err).Str("asset_id", id).Msg("abandon asset")
	}
	s.failAsset(ctx, r, id, errors.New(reason))
	s.releaseReservation(ctx, id, r.job.JobID)
}

func (s *Scheduler) releaseReservation(ctx context.Context, id, jobID string) {
	if err := s.jobs.Release(context.WithoutCancel(ctx), id, jobID); err != nil {
		s.log.Warn().Err(err).Str("asset_id", id).Str("job_id", jobID).Msg("release asset reservation")
	}
}
