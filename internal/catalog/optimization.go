package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"folio/media/internal/apperr"
	"folio/media/internal/models"
	"folio/media/internal/storage"
)

// MarkPending flags an asset as admitted to an optimization job. It also
// returns the state the asset had before, so a failed admission can restore it.
func (c *Catalog) MarkPending(ctx context.Context, id string) (models.MediaAsset, models.OptimizationState, error) {
	const op = "catalog.mark_pending"

	var prev models.OptimizationState
	asset, err := c.store.Update(ctx, id, func(a *models.MediaAsset) error {
		if a.Status != models.AssetStatusActive {
			return apperr.Newf(op, apperr.ErrNotFound, "asset %s", a.ID)
		}
		if a.Kind != models.AssetKindImage {
			return apperr.Newf(op, apperr.ErrUnsupportedSource, "asset %s is a %s", a.ID, a.Kind)
		}
		if a.OptimizationState == models.OptimizationInProgress && c.leaseLive(a) {
			return apperr.Newf(op, apperr.ErrAlreadyOptimizing, "asset %s", a.ID)
		}
		prev = a.OptimizationState
		a.OptimizationState = models.OptimizationPending
		a.UpdatedAt = c.now()
		return nil
	})
	return asset, prev, err
}

// RestoreState undoes MarkPending when the asset was never handed to a worker.
func (c *Catalog) RestoreState(ctx context.Context, id string, prev models.OptimizationState) error {
	_, err := c.store.Update(ctx, id, func(a *models.MediaAsset) error {
		if a.OptimizationState != models.OptimizationPending {
			return errSkip
		}
		a.OptimizationState = prev
		a.UpdatedAt = c.now()
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	return err
}

// Claim moves an asset to inProgress under a lease held by owner. It fails
// with ErrAlreadyOptimizing while another owner holds a live lease.
func (c *Catalog) Claim(ctx context.Context, id, owner string, ttl time.Duration) (models.MediaAsset, error) {
	const op = "catalog.claim"

	return c.store.Update(ctx, id, func(a *models.MediaAsset) error {
		if a.Status != models.AssetStatusActive {
			return apperr.Newf(op, apperr.ErrNotFound, "asset %s", a.ID)
		}
		if a.Kind != models.AssetKindImage {
			return apperr.Newf(op, apperr.ErrUnsupportedSource, "asset %s is a %s", a.ID, a.Kind)
		}
		if a.OptimizationState == models.OptimizationInProgress && a.LeaseOwner != owner && c.leaseLive(a) {
			return apperr.Newf(op, apperr.ErrAlreadyOptimizing, "asset %s is leased by %s", a.ID, a.LeaseOwner)
		}
		until := c.now().Add(ttl)
		a.OptimizationState = models.OptimizationInProgress
		a.LeaseOwner = owner
		a.LeaseUntil = &until
		a.UpdatedAt = c.now()
		return nil
	})
}

// Heartbeat extends a lease. It fails with ErrInvalidState once the lease
// has been lost to a sweep or another owner.
func (c *Catalog) Heartbeat(ctx context.Context, id, owner string, ttl time.Duration) error {
	_, err := c.store.Update(ctx, id, func(a *models.MediaAsset) error {
		if a.OptimizationState != models.OptimizationInProgress || a.LeaseOwner != owner {
			return apperr.Newf("catalog.heartbeat", apperr.ErrInvalidState, "asset %s lease lost", a.ID)
		}
		until := c.now().Add(ttl)
		a.LeaseUntil = &until
		return nil
	})
	return err
}

// FinishOptimization releases owner's lease and records the outcome. A pending
// asset that never got claimed can only be finished as failed.
func (c *Catalog) FinishOptimization(ctx context.Context, id, owner string, ok bool) error {
	const op = "catalog.finish_optimization"

	_, err := c.store.Update(ctx, id, func(a *models.MediaAsset) error {
		switch {
		case a.OptimizationState == models.OptimizationInProgress && a.LeaseOwner == owner:
		case a.OptimizationState == models.OptimizationPending && !ok:
		default:
			return apperr.Newf(op, apperr.ErrInvalidState, "asset %s is %s (lease %q)", a.ID, a.OptimizationState, a.LeaseOwner)
		}
		now := c.now()
		if ok {
			a.OptimizationState = models.OptimizationCompleted
			a.LastOptimizedAt = &now
		} else {
			a.OptimizationState = models.OptimizationFailed
		}
		a.LeaseOwner = ""
		a.LeaseUntil = nil
		a.UpdatedAt = now
		return nil
	})
	return err
}

// Abandon fails an asset of job jobID that will not be finished. A claimed
// asset must be leased by an execution of that job, and while the lease is
// live it is left alone with ErrAlreadyOptimizing unless force is set.
func (c *Catalog) Abandon(ctx context.Context, id, jobID string, force bool) error {
	const op = "catalog.abandon"

	_, err := c.store.Update(ctx, id, func(a *models.MediaAsset) error {
		switch a.OptimizationState {
		case models.OptimizationPending:
		case models.OptimizationInProgress:
			if a.LeaseOwner != jobID && !strings.HasPrefix(a.LeaseOwner, jobID+"/") {
				return apperr.Newf(op, apperr.ErrInvalidState, "asset %s is leased by %q", a.ID, a.LeaseOwner)
			}
			if !force && c.leaseLive(a) {
				return apperr.Newf(op, apperr.ErrAlreadyOptimizing, "asset %s is leased by %s", a.ID, a.LeaseOwner)
			}
		default:
			return apperr.Newf(op, apperr.ErrInvalidState, "asset %s is %s", a.ID, a.OptimizationState)
		}
		a.OptimizationState = models.OptimizationFailed
		a.LeaseOwner = ""
		a.LeaseUntil = nil
		a.UpdatedAt = c.now()
		return nil
	})
	return err
}

// LeaseHeld reports whether the asset is inProgress under a live lease.
func (c *Catalog) LeaseHeld(ctx context.Context, id string) (bool, error) {
	a, err := c.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return a.OptimizationState == models.OptimizationInProgress && c.leaseLive(&a), nil
}

// ExpireLeases fails every inProgress asset whose lease ran out. It returns
// the ids it released.
func (c *Catalog) ExpireLeases(ctx context.Context) ([]string, error) {
	stuck, _, err := c.store.List(ctx, models.AssetQuery{
		OptimizationStates: []models.OptimizationState{models.OptimizationInProgress},
	})
	if err != nil {
		return nil, err
	}

	var released []string
	for _, s := range stuck {
		if c.leaseLive(&s) {
			continue
		}
		_, err := c.store.Update(ctx, s.ID, func(a *models.MediaAsset) error {
			if a.OptimizationState != models.OptimizationInProgress || c.leaseLive(a) {
				return errSkip
			}
			c.log.Warn().Str("asset_id", a.ID).Str("owner", a.LeaseOwner).Msg("optimization lease expired")
			a.OptimizationState = models.OptimizationFailed
			a.LeaseOwner = ""
			a.LeaseUntil = nil
			a.UpdatedAt = c.now()
			return nil
		})
		switch {
		case err == nil:
			released = append(released, s.ID)
		case errors.Is(err, errSkip), errors.Is(err, apperr.ErrNotFound):
		default:
			return released, err
		}
	}
	return released, nil
}

// Lookup returns an asset in any status. It is meant for internal callers
// such as workers and the upload pipeline.
func (c *Catalog) Lookup(ctx context.Context, id string) (models.MediaAsset, error) {
	return c.store.Get(ctx, id)
}

// Blobs exposes the BlobStore variants must be written to before they are
// recorded.
func (c *Catalog) Blobs() storage.BlobStore {
	return c.blobs
}

// ReadSource fetches the source blob of an asset.
func (c *Catalog) ReadSource(ctx context.Context, a models.MediaAsset) ([]byte, error) {
	return c.blobs.Get(ctx, a.SourceBlobPath)
}

func (c *Catalog) leaseLive(a *models.MediaAsset) bool {
	return a.LeaseUntil != nil && a.LeaseUntil.After(c.now())
}
