// Package optimize runs batch optimization jobs: every admitted asset is
// re-encoded into the requested formats by a bounded pool of workers.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"folio/media/internal/apperr"
	"folio/media/internal/catalog"
	"folio/media/internal/ids"
	"folio/media/internal/media/geometry"
	"folio/media/internal/media/variant"
	"folio/media/internal/models"
)

// OptimizedLabel names the full-resolution rendition in each target format.
const OptimizedLabel = "optimized"

type Options struct {
	AllowedConcurrency []int
	DefaultConcurrency int
	DefaultQuality     int
	DefaultFormats     []string
	// MaxWorkers caps concurrent asset workers across all jobs.
	MaxWorkers        int
	MaxBatch          int
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
}

func (o *Options) withDefaults() {
	if len(o.AllowedConcurrency) == 0 {
		o.AllowedConcurrency = []int{1, 5, 10, 20}
	}
	if o.DefaultConcurrency == 0 {
		o.DefaultConcurrency = 5
	}
	if o.DefaultQuality == 0 {
		o.DefaultQuality = 80
	}
	if len(o.DefaultFormats) == 0 {
		o.DefaultFormats = []string{"webp", "avif"}
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 20
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 500
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 2 * time.Minute
	}
	if o.HeartbeatInterval <= 0 || o.HeartbeatInterval >= o.LeaseTTL {
		o.HeartbeatInterval = o.LeaseTTL / 4
	}
}

type Scheduler struct {
	catalog    *catalog.Catalog
	jobs       JobStore
	generator  *variant.Generator
	dispatcher Dispatcher
	opts       Options
	sem        *semaphore.Weighted
	log        zerolog.Logger
	now        func() time.Time

	mu   sync.RWMutex
	live map[string]*run
}

// NewScheduler builds a scheduler that executes jobs in-process until
// SetDispatcher installs another Dispatcher.
func NewScheduler(cat *catalog.Catalog, jobs JobStore, generator *variant.Generator, opts Options, log zerolog.Logger) *Scheduler {
	opts.withDefaults()
	s := &Scheduler{
		catalog:   cat,
		jobs:      jobs,
		generator: generator,
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.MaxWorkers)),
		log:       log.With().Str("component", "optimizer").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		live:      make(map[string]*run),
	}
	s.dispatcher = NewLocalDispatcher(context.Background(), s, log)
	return s
}

func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

type SubmitRequest struct {
	AssetIDs    []string
	Formats     []string
	Quality     int
	Concurrency int
}

// Rejection explains why an asset was not admitted to a job.
type Rejection struct {
	AssetID string `json:"assetId"`
	Code    string `json:"code"`
	Reason  string `json:"reason"`
}

type SubmitResult struct {
	// Job is nil when no asset was admitted.
	Job      *models.OptimizationJob `json:"job"`
	Rejected []Rejection             `json:"rejected"`
}

type admitted struct {
	asset models.MediaAsset
	prev  models.OptimizationState
}

// Submit admits every requested asset that is not already part of another
// active job, persists the job and dispatches it. Assets that cannot be
// admitted are reported in Rejected; they never fail the whole request.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	const op = "optimize.submit"

	req, err := s.normalize(req)
	if err != nil {
		return SubmitResult{}, err
	}

	jobID := ids.NewJobID()
	result := SubmitResult{Rejected: []Rejection{}}
	var accepted []admitted

	rollback := func() {
		for _, a := range accepted {
			s.releaseAdmission(context.WithoutCancel(ctx), jobID, a)
		}
	}

	for _, id := range req.AssetIDs {
		owner, ok, err := s.jobs.Reserve(ctx, id, jobID)
		if err != nil {
			rollback()
			return SubmitResult{}, fmt.Errorf("reserve asset %s: %w", id, err)
		}
		if !ok {
			result.Rejected = append(result.Rejected, Rejection{
				AssetID: id,
				Code:    apperr.Code(apperr.ErrAlreadyOptimizing),
				Reason:  fmt.Sprintf("asset is part of active job %s", owner),
			})
			continue
		}

		asset, prev, err := s.catalog.MarkPending(ctx, id)
		if err != nil {
			s.releaseReservation(ctx, id, jobID)
			if apperr.Kind(err) == nil {
				rollback()
				return SubmitResult{}, fmt.Errorf("admit asset %s: %w", id, err)
			}
			result.Rejected = append(result.Rejected, Rejection{AssetID: id, Code: apperr.Code(err), Reason: err.Error()})
			continue
		}
		accepted = append(accepted, admitted{asset: asset, prev: prev})
	}

	if len(accepted) == 0 {
		return result, nil
	}

	job := models.OptimizationJob{
		JobID:          jobID,
		Status:         models.JobCreated,
		Formats:        req.Formats,
		Quality:        req.Quality,
		Concurrency:    req.Concurrency,
		PerAssetStatus: make(map[string]models.AssetProgress, len(accepted)),
		CreatedAt:      s.now(),
	}
	for _, a := range accepted {
		job.AssetIDs = append(job.AssetIDs, a.asset.ID)
		job.PerAssetStatus[a.asset.ID] = models.AssetProgress{
			Status:       models.AssetJobPending,
			OriginalSize: a.asset.ByteSize,
		}
	}

	if err := s.jobs.Save(ctx, job); err != nil {
		rollback()
		return SubmitResult{}, fmt.Errorf("save job %s: %w", jobID, err)
	}

	if err := s.dispatcher.Dispatch(ctx, jobID); err != nil {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("dispatch optimization job")
		rollback()
		failed := s.failUndispatched(context.WithoutCancel(ctx), job, err)
		result.Job = &failed
		return result, apperr.New(op, apperr.ErrInvalidState, fmt.Errorf("dispatch job %s: %w", jobID, err))
	}

	s.log.Info().
		Str("job_id", jobID).
		Int("assets", len(job.AssetIDs)).
		Int("rejected", len(result.Rejected)).
		Strs("formats", job.Formats).
		Int("concurrency", job.Concurrency).
		Msg("optimization job submitted")

	result.Job = &job
	return result, nil
}

// OptimizeAllRequest submits every asset FindUnoptimized returns for Filter.
type OptimizeAllRequest struct {
	Filter      models.AssetQuery
	Formats     []string
	Quality     int
	Concurrency int
}

func (s *Scheduler) OptimizeAll(ctx context.Context, req OptimizeAllRequest) (SubmitResult, error) {
	q := req.Filter
	if q.Limit <= 0 || q.Limit > s.opts.MaxBatch {
		q.Limit = s.opts.MaxBatch
	}
	assets, _, err := s.catalog.FindUnoptimized(ctx, q)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("find unoptimized: %w", err)
	}
	if len(assets) == 0 {
		return SubmitResult{Rejected: []Rejection{}}, nil
	}
	idsToSubmit := make([]string, 0, len(assets))
	for _, a := range assets {
		idsToSubmit = append(idsToSubmit, a.ID)
	}
	return s.Submit(ctx, SubmitRequest{
		AssetIDs:    idsToSubmit,
		Formats:     req.Formats,
		Quality:     req.Quality,
		Concurrency: req.Concurrency,
	})
}

// Status returns the job's current progress. Jobs running in this process
// are read from memory; others come from the JobStore.
func (s *Scheduler) Status(ctx context.Context, jobID string) (models.OptimizationJob, error) {
	s.mu.RLock()
	r, ok := s.live[jobID]
	s.mu.RUnlock()
	if ok {
		return r.snapshot(), nil
	}
	return s.jobs.Get(ctx, jobID)
}

// Wait blocks until the job is terminal or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, jobID string) (models.OptimizationJob, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := s.Status(ctx, jobID)
		if err != nil {
			return models.OptimizationJob{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Options returns the effective scheduler settings.
func (s *Scheduler) Options() Options {
	return s.opts
}

func (s *Scheduler) normalize(req SubmitRequest) (SubmitRequest, error) {
	const op = "optimize.submit"

	seen := make(map[string]bool, len(req.AssetIDs))
	assets := make([]string, 0, len(req.AssetIDs))
	for _, id := range req.AssetIDs {
		if id != "" && !seen[id] {
			seen[id] = true
			assets = append(assets, id)
		}
	}
	if len(assets) == 0 {
		return req, apperr.Newf(op, apperr.ErrInvalidArgument, "no asset ids")
	}
	if len(assets) > s.opts.MaxBatch {
		return req, apperr.Newf(op, apperr.ErrInvalidArgument, "%d assets exceeds batch limit %d", len(assets), s.opts.MaxBatch)
	}
	req.AssetIDs = assets

	if len(req.Formats) == 0 {
		req.Formats = s.opts.DefaultFormats
	}
	formats := make([]string, 0, len(req.Formats))
	for _, f := range req.Formats {
		parsed, err := geometry.ParseFormat(f)
		if err != nil {
			return req, err
		}
		if !slices.Contains(formats, string(parsed)) {
			formats = append(formats, string(parsed))
		}
	}
	req.Formats = formats

	if req.Quality == 0 {
		req.Quality = s.opts.DefaultQuality
	}
	if req.Quality < 1 || req.Quality > 100 {
		return req, apperr.Newf(op, apperr.ErrInvalidArgument, "quality %d outside [1,100]", req.Quality)
	}

	if req.Concurrency == 0 {
		req.Concurrency = s.opts.DefaultConcurrency
	}
	if !slices.Contains(s.opts.AllowedConcurrency, req.Concurrency) {
		return req, apperr.Newf(op, apperr.ErrInvalidArgument, "concurrency %d not in %v", req.Concurrency, s.opts.AllowedConcurrency)
	}
	return req, nil
}

// releaseAdmission undoes Reserve and MarkPending for an asset that never
// reached a worker.
func (s *Scheduler) releaseAdmission(ctx context.Context, jobID string, a admitted) {
	if err := s.catalog.RestoreState(ctx, a.asset.ID, a.prev); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		s.log.Warn().Err(err).Str("asset_id", a.asset.ID).Msg("restore optimization state")
	}
	if err := s.jobs.Release(ctx, a.asset.ID, jobID); err != nil {
		s.log.Warn().Err(err).Str("asset_id", a.asset.ID).Msg("release asset reservation")
	}
}

func (s *Scheduler) failUndispatched(ctx context.Context, job models.OptimizationJob, cause error) models.OptimizationJob {
	now := s.now()
	msg := fmt.Sprintf("dispatch failed: %v", cause)
	for _, id := range job.AssetIDs {
		p := job.PerAssetStatus[id]
		p.Status = models.AssetJobFailed
		p.Error = msg
		p.FinishedAt = &now
		job.PerAssetStatus[id] = p
	}
	job.Status = models.JobFailed
	job.Error = msg
	job.CompletedAt = &now
	if err := s.jobs.Save(ctx, job); err != nil {
		s.log.Error().Err(err).Str("job_id", job.JobID).Msg("save failed job")
	}
	return job
}
