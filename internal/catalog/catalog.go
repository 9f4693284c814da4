// Package catalog owns the MediaAsset records and keeps them consistent
// with the blobs they reference.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"folio/media/internal/apperr"
	"folio/media/internal/ids"
	"folio/media/internal/media/geometry"
	"folio/media/internal/models"
	"folio/media/internal/storage"
)

// Store persists asset records. Update must apply fn atomically with respect
// to other Updates of the same asset; when fn returns an error nothing is
// written and that error is returned.
type Store interface {
	Insert(ctx context.Context, asset models.MediaAsset) error
	Get(ctx context.Context, id string) (models.MediaAsset, error)
	List(ctx context.Context, q models.AssetQuery) ([]models.MediaAsset, int, error)
	Update(ctx context.Context, id string, fn func(*models.MediaAsset) error) (models.MediaAsset, error)
	Delete(ctx context.Context, id string) error
}

type Catalog struct {
	store Store
	blobs storage.BlobStore
	log   zerolog.Logger
	now   func() time.Time
}

func New(store Store, blobs storage.BlobStore, log zerolog.Logger) *Catalog {
	return &Catalog{
		store: store,
		blobs: blobs,
		log:   log.With().Str("component", "catalog").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput describes a source blob that has already been written.
type CreateInput struct {
	ID               string
	Kind             models.AssetKind
	Source           []byte
	SourceBlobPath   string
	OriginalFilename string
	MimeType         string
	Width            int
	Height           int
	Zones            []models.Zone
	Category         string
	Tags             []string
	IsPublic         bool
}

// Create records a new staging asset with zero variants. For images the
// dimensions decoded from Source replace whatever the caller supplied.
func (c *Catalog) Create(ctx context.Context, in CreateInput) (models.MediaAsset, error) {
	const op = "catalog.create"

	if len(in.Source) == 0 || in.SourceBlobPath == "" {
		return models.MediaAsset{}, apperr.Newf(op, apperr.ErrInvalidArgument, "source bytes and blob path are required")
	}
	if in.Kind == "" {
		in.Kind = models.AssetKindImage
	}

	width, height := in.Width, in.Height
	if in.Kind == models.AssetKindImage {
		w, h, err := geometry.Dimensions(in.Source)
		if err != nil {
			return models.MediaAsset{}, err
		}
		width, height = w, h
	}

	ok, err := c.blobs.Exists(ctx, in.SourceBlobPath)
	if err != nil {
		return models.MediaAsset{}, err
	}
	if !ok {
		return models.MediaAsset{}, apperr.Newf(op, apperr.ErrInvalidState, "source blob %s was not written", in.SourceBlobPath)
	}

	id := in.ID
	if id == "" {
		id = ids.New()
	}
	sum := sha256.Sum256(in.Source)
	now := c.now()

	asset := models.MediaAsset{
		ID:                id,
		Kind:              in.Kind,
		Status:            models.AssetStatusStaging,
		SourceBlobPath:    in.SourceBlobPath,
		SourceURL:         c.blobs.URL(in.SourceBlobPath),
		OriginalFilename:  in.OriginalFilename,
		MimeType:          in.MimeType,
		ByteSize:          int64(len(in.Source)),
		Width:             width,
		Height:            height,
		Checksum:          hex.EncodeToString(sum[:]),
		Variants:          []models.Variant{},
		RedactionZones:    slices.Clone(in.Zones),
		OptimizationState: models.OptimizationNone,
		Category:          in.Category,
		Tags:              normalizeTags(in.Tags),
		IsPublic:          in.IsPublic,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if asset.RedactionZones == nil {
		asset.RedactionZones = []models.Zone{}
	}
	if err := c.store.Insert(ctx, asset); err != nil {
		return models.MediaAsset{}, fmt.Errorf("insert asset %s: %w", id, err)
	}
	return asset, nil
}

// AddVariant records a derivative whose blob is already in the BlobStore.
func (c *Catalog) AddVariant(ctx context.Context, assetID string, v models.Variant) (models.MediaAsset, error) {
	const op = "catalog.add_variant"

	if err := c.checkWritten(ctx, op, v.BlobPath); err != nil {
		return models.MediaAsset{}, err
	}
	v = c.completeVariant(v)

	return c.store.Update(ctx, assetID, func(a *models.MediaAsset) error {
		if a.Status == models.AssetStatusDeleting {
			return apperr.Newf(op, apperr.ErrInvalidState, "asset %s is being deleted", a.ID)
		}
		if a.FindVariant(v.Key()) >= 0 {
			return apperr.Newf(op, apperr.ErrDuplicateVariant, "%s/%s on %s", v.SizeLabel, v.Format, a.ID)
		}
		a.Variants = append(a.Variants, v)
		a.UpdatedAt = c.now()
		return nil
	})
}

// ReplaceVariant records v, swapping out any variant with the same key, and
// deletes the old blob once the record no longer points at it.
func (c *Catalog) ReplaceVariant(ctx context.Context, assetID string, v models.Variant) (models.MediaAsset, error) {
	const op = "catalog.replace_variant"

	if err := c.checkWritten(ctx, op, v.BlobPath); err != nil {
		return models.MediaAsset{}, err
	}
	v = c.completeVariant(v)

	var old string
	asset, err := c.store.Update(ctx, assetID, func(a *models.MediaAsset) error {
		old = ""
		if a.Status == models.AssetStatusDeleting {
			return apperr.Newf(op, apperr.ErrInvalidState, "asset %s is being deleted", a.ID)
		}
		if i := a.FindVariant(v.Key()); i >= 0 {
			old = a.Variants[i].BlobPath
			a.Variants[i] = v
		} else {
			a.Variants = append(a.Variants, v)
		}
		a.UpdatedAt = c.now()
		return nil
	})
	if err != nil {
		return models.MediaAsset{}, err
	}
	if old != "" && old != v.BlobPath {
		c.deleteBlob(ctx, old)
	}
	return asset, nil
}

// RemoveVariant drops the record first and the blob second, so a failed blob
// delete leaves an orphan blob rather than a dangling record.
func (c *Catalog) RemoveVariant(ctx context.Context, assetID string, key models.VariantKey) (models.MediaAsset, error) {
	const op = "catalog.remove_variant"

	var removed string
	asset, err := c.store.Update(ctx, assetID, func(a *models.MediaAsset) error {
		if a.Status == models.AssetStatusDeleting {
			return apperr.Newf(op, apperr.ErrNotFound, "asset %s", a.ID)
		}
		i := a.FindVariant(key)
		if i < 0 {
			return apperr.Newf(op, apperr.ErrNotFound, "variant %s/%s on %s", key.SizeLabel, key.Format, a.ID)
		}
		removed = a.Variants[i].BlobPath
		a.Variants = slices.Delete(a.Variants, i, i+1)
		a.UpdatedAt = c.now()
		return nil
	})
	if err != nil {
		return models.MediaAsset{}, err
	}
	c.deleteBlob(ctx, removed)
	return asset, nil
}

// Publish makes a staging asset visible to readers.
func (c *Catalog) Publish(ctx context.Context, id string) (models.MediaAsset, error) {
	return c.store.Update(ctx, id, func(a *models.MediaAsset) error {
		switch a.Status {
		case models.AssetStatusActive:
			return nil
		case models.AssetStatusStaging:
			a.Status = models.AssetStatusActive
			a.UpdatedAt = c.now()
			return nil
		}
		return apperr.Newf("catalog.publish", apperr.ErrInvalidState, "asset %s is %s", a.ID, a.Status)
	})
}

// Discard rolls back a staging asset: it is hidden, its blobs purged and the
// record removed. A failed purge leaves it in deleting for PurgePending.
func (c *Catalog) Discard(ctx context.Context, id string) error {
	_, err := c.store.Update(ctx, id, func(a *models.MediaAsset) error {
		if a.Status == models.AssetStatusActive {
			return apperr.Newf("catalog.discard", apperr.ErrInvalidState, "asset %s is already published", a.ID)
		}
		c.markDeleting(a)
		return nil
	})
	if err != nil {
		return err
	}
	return c.purge(ctx, id)
}

// Get returns an active asset. Staging and deleting assets are not found.
func (c *Catalog) Get(ctx context.Context, id string) (models.MediaAsset, error) {
	a, err := c.store.Get(ctx, id)
	if err != nil {
		return models.MediaAsset{}, err
	}
	if a.Status != models.AssetStatusActive {
		return models.MediaAsset{}, apperr.Newf("catalog.get", apperr.ErrNotFound, "asset %s", id)
	}
	return a, nil
}

// List returns active assets matching q and the total number of matches.
func (c *Catalog) List(ctx context.Context, q models.AssetQuery) ([]models.MediaAsset, int, error) {
	q.Statuses = []models.AssetStatus{models.AssetStatusActive}
	return c.store.List(ctx, q)
}

// FindUnoptimized lists active images that still need optimization and are
// not already queued or running.
func (c *Catalog) FindUnoptimized(ctx context.Context, q models.AssetQuery) ([]models.MediaAsset, int, error) {
	q.Kind = models.AssetKindImage
	q.OptimizationStates = nil
	q.ExcludeStates = []models.OptimizationState{
		models.OptimizationCompleted,
		models.OptimizationInProgress,
		models.OptimizationPending,
	}
	return c.List(ctx, q)
}

// DetailsPatch holds descriptive fields; nil fields are left unchanged.
type DetailsPatch struct {
	OriginalFilename *string
	Category         *string
	Tags             *[]string
	IsPublic         *bool
}

func (c *Catalog) UpdateDetails(ctx context.Context, id string, p DetailsPatch) (models.MediaAsset, error) {
	return c.store.Update(ctx, id, func(a *models.MediaAsset) error {
		if a.Status != models.AssetStatusActive {
			return apperr.Newf("catalog.update_details", apperr.ErrNotFound, "asset %s", a.ID)
		}
		if p.OriginalFilename != nil {
			a.OriginalFilename = *p.OriginalFilename
		}
		if p.Category != nil {
			a.Category = *p.Category
		}
		if p.Tags != nil {
			a.Tags = normalizeTags(*p.Tags)
		}
		if p.IsPublic != nil {
			a.IsPublic = *p.IsPublic
		}
		a.UpdatedAt = c.now()
		return nil
	})
}

// RecordView increments the view counter and returns the new value.
func (c *Catalog) RecordView(ctx context.Context, id string) (int64, error) {
	a, err := c.store.Update(ctx, id, func(a *models.MediaAsset) error {
		if a.Status != models.AssetStatusActive {
			return apperr.Newf("catalog.record_view", apperr.ErrNotFound, "asset %s", a.ID)
		}
		a.Stats.Views++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return a.Stats.Views, nil
}

// Delete hides the asset, then removes its blobs and record. If a blob
// delete fails the asset stays in deleting and PurgePending retries it.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	_, err := c.store.Update(ctx, id, func(a *models.MediaAsset) error {
		if a.Status == models.AssetStatusStaging {
			return apperr.Newf("catalog.delete", apperr.ErrNotFound, "asset %s", a.ID)
		}
		c.markDeleting(a)
		return nil
	})
	if err != nil {
		return err
	}
	return c.purge(ctx, id)
}

// PurgeReport summarizes one PurgePending pass.
type PurgeReport struct {
	Purged int
	Failed int
}

// PurgePending retries assets stuck in deleting and reclaims staging assets
// older than stagingTTL, which belong to uploads that never finished.
func (c *Catalog) PurgePending(ctx context.Context, stagingTTL time.Duration) (PurgeReport, error) {
	var report PurgeReport

	if stagingTTL > 0 {
		cutoff := c.now().Add(-stagingTTL)
		stale, _, err := c.store.List(ctx, models.AssetQuery{
			Statuses:      []models.AssetStatus{models.AssetStatusStaging},
			UpdatedBefore: &cutoff,
		})
		if err != nil {
			return report, fmt.Errorf("list stale staging assets: %w", err)
		}
		for _, a := range stale {
			_, err := c.store.Update(ctx, a.ID, func(a *models.MediaAsset) error {
				if a.Status != models.AssetStatusStaging || !a.UpdatedAt.Before(cutoff) {
					return errSkip
				}
				c.markDeleting(a)
				return nil
			})
			if err != nil && !errors.Is(err, errSkip) && !errors.Is(err, apperr.ErrNotFound) {
				c.log.Warn().Err(err).Str("asset_id", a.ID).Msg("mark stale staging asset")
			}
		}
	}

	pending, _, err := c.store.List(ctx, models.AssetQuery{
		Statuses: []models.AssetStatus{models.AssetStatusDeleting},
	})
	if err != nil {
		return report, fmt.Errorf("list deleting assets: %w", err)
	}
	for _, a := range pending {
		if err := c.purge(ctx, a.ID); err != nil {
			report.Failed++
			c.log.Warn().Err(err).Str("asset_id", a.ID).Msg("purge asset")
			continue
		}
		report.Purged++
	}
	return report, nil
}

var errSkip = errors.New("skip")

func (c *Catalog) markDeleting(a *models.MediaAsset) {
	if a.Status != models.AssetStatusDeleting {
		a.Status = models.AssetStatusDeleting
		a.UpdatedAt = c.now()
	}
}

// purge deletes every blob of a deleting asset and then its record.
func (c *Catalog) purge(ctx context.Context, id string) error {
	const op = "catalog.purge"

	a, err := c.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	if a.Status != models.AssetStatusDeleting {
		return apperr.Newf(op, apperr.ErrInvalidState, "asset %s is %s", id, a.Status)
	}

	var errs []error
	for _, p := range a.BlobPaths() {
		if err := c.blobs.Delete(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return apperr.New(op, apperr.ErrBlobWriteFailed, errors.Join(errs...))
	}
	if err := c.store.Delete(ctx, id); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("delete asset record %s: %w", id, err)
	}
	c.log.Debug().Str("asset_id", id).Int("blobs", len(a.BlobPaths())).Msg("asset purged")
	return nil
}

func (c *Catalog) checkWritten(ctx context.Context, op, blobPath string) error {
	if blobPath == "" {
		return apperr.Newf(op, apperr.ErrInvalidArgument, "variant blob path is required")
	}
	ok, err := c.blobs.Exists(ctx, blobPath)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Newf(op, apperr.ErrInvalidState, "variant blob %s was not written", blobPath)
	}
	return nil
}

func (c *Catalog) completeVariant(v models.Variant) models.Variant {
	if v.URL == "" {
		v.URL = c.blobs.URL(v.BlobPath)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = c.now()
	}
	return v
}

func (c *Catalog) deleteBlob(ctx context.Context, p string) {
	if err := c.blobs.Delete(ctx, p); err != nil {
		c.log.Warn().Err(err).Str("blob", p).Msg("delete replaced blob")
	}
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
