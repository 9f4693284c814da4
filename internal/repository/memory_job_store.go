package repository

import (
	"context"
	"sort"
	"sync"

	"folio/media/internal/apperr"
	"folio/media/internal/models"
)

// MemoryJobStore keeps optimization jobs and reservations in process.
type MemoryJobStore struct {
	mu           sync.Mutex
	jobs         map[string]models.OptimizationJob
	reservations map[string]string
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:         make(map[string]models.OptimizationJob),
		reservations: make(map[string]string),
	}
}

func (s *MemoryJobStore) Reserve(_ context.Context, assetID, jobID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.reservations[assetID]; ok && owner != jobID {
		return owner, false, nil
	}
	s.reservations[assetID] = jobID
	return jobID, true, nil
}

func (s *MemoryJobStore) Release(_ context.Context, assetID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reservations[assetID] == jobID {
		delete(s.reservations, assetID)
	}
	return nil
}

func (s *MemoryJobStore) ReservedBy(_ context.Context, assetID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservations[assetID], nil
}

func (s *MemoryJobStore) Save(_ context.Context, job models.OptimizationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = job.Clone()
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, jobID string) (models.OptimizationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return models.OptimizationJob{}, apperr.Newf("memory.get_job", apperr.ErrNotFound, "job %s", jobID)
	}
	return job.Clone(), nil
}

func (s *MemoryJobStore) ListActive(_ context.Context) ([]models.OptimizationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OptimizationJob
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
