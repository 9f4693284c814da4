package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"folio/media/internal/apperr"
	"folio/media/internal/config"
	"folio/media/internal/database"
	"folio/media/internal/ids"
	"folio/media/internal/models"
)

// These tests run against real services when FOLIO_TEST_POSTGRES_DSN or
// FOLIO_TEST_REDIS_ADDR is set.

func TestAssetRepositoryRoundTrip(t *testing.T) {
	dsn := os.Getenv("FOLIO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FOLIO_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, config.PostgresConfig{DSN: dsn, MaxOpen: 4, MaxIdle: 1, ConnMaxLifetime: time.Minute})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := database.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	repo := NewAssetRepository(pool)
	now := time.Now().UTC().Truncate(time.Millisecond)
	asset := models.MediaAsset{
		ID:                ids.New(),
		Kind:              models.AssetKindImage,
		Status:            models.AssetStatusActive,
		SourceBlobPath:    "sources/x.jpg",
		SourceURL:         "/media/sources/x.jpg",
		MimeType:          "image/jpeg",
		ByteSize:          123,
		Width:             10,
		Height:            20,
		Checksum:          "abc",
		Variants:          []models.Variant{{SizeLabel: "thumbnail", Format: "jpeg", BlobPath: "variants/x.jpg"}},
		RedactionZones:    []models.Zone{{X: 1, Y: 2, Width: 3, Height: 4}},
		OptimizationState: models.OptimizationNone,
		Tags:              []string{"integration"},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := repo.Insert(ctx, asset); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	t.Cleanup(func() { _ = repo.Delete(context.Background(), asset.ID) })

	updated, err := repo.Update(ctx, asset.ID, func(a *models.MediaAsset) error {
		a.Stats.Views = 7
		a.OptimizationState = models.OptimizationPending
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Stats.Views != 7 {
		t.Fatalf("views = %d", updated.Stats.Views)
	}

	got, err := repo.Get(ctx, asset.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Variants) != 1 || got.RedactionZones[0].Height != 4 || got.OptimizationState != models.OptimizationPending {
		t.Fatalf("Get = %+v", got)
	}

	list, total, err := repo.List(ctx, models.AssetQuery{Tag: "integration", ExcludeStates: []models.OptimizationState{models.OptimizationCompleted}})
	if err != nil || total < 1 || len(list) < 1 {
		t.Fatalf("List = %d, %d, %v", len(list), total, err)
	}

	if err := repo.Delete(ctx, asset.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(ctx, asset.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
}

func TestRedisJobStore(t *testing.T) {
	addr := os.Getenv("FOLIO_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FOLIO_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisJobStore(client, "folio-test:"+ids.New(), time.Minute)
	asset := ids.New()

	if _, ok, err := s.Reserve(ctx, asset, "job-1"); err != nil || !ok {
		t.Fatalf("Reserve = %v, %v", ok, err)
	}
	if owner, ok, _ := s.Reserve(ctx, asset, "job-2"); ok || owner != "job-1" {
		t.Fatalf("competing Reserve = %s, %v", owner, ok)
	}
	if err := s.Release(ctx, asset, "job-2"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if owner, _ := s.ReservedBy(ctx, asset); owner != "job-1" {
		t.Fatalf("foreign release dropped reservation")
	}
	if err := s.Release(ctx, asset, "job-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	job := models.OptimizationJob{
		JobID:          "job-1",
		Status:         models.JobRunning,
		AssetIDs:       []string{asset},
		PerAssetStatus: map[string]models.AssetProgress{asset: {Status: models.AssetJobProcessing, Progress: 50}},
	}
	if err := s.Save(ctx, job); err != nil {
		t.Fatalf("Save: %v", err)
	}
	active, err := s.ListActive(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("ListActive = %v, %v", active, err)
	}

	job.Status = models.JobCompleted
	if err := s.Save(ctx, job); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if active, _ := s.ListActive(ctx); len(active) != 0 {
		t.Fatalf("completed job still active")
	}
	got, err := s.Get(ctx, "job-1")
	if err != nil || got.PerAssetStatus[asset].Progress != 50 {
		t.Fatalf("Get = %+v, %v", got, err)
	}
}
