package optimize

import (
	"context"

	"folio/media/internal/models"
)

// JobStore persists optimization jobs and the asset reservations that keep
// an asset in at most one active job.
type JobStore interface {
	// Reserve assigns assetID to jobID. When another job already holds the
	// asset it returns that job's id and false.
	Reserve(ctx context.Context, assetID, jobID string) (string, bool, error)
	// Release drops the reservation if jobID still holds it.
	Release(ctx context.Context, assetID, jobID string) error
	ReservedBy(ctx context.Context, assetID string) (string, error)

	Save(ctx context.Context, job models.OptimizationJob) error
	Get(ctx context.Context, jobID string) (models.OptimizationJob, error)
	// ListActive returns jobs that are not terminal.
	ListActive(ctx context.Context) ([]models.OptimizationJob, error)
}
