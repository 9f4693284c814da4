package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"folio/media/internal/apperr"
	"folio/media/internal/models"
)

func TestMemoryAssetStoreUpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAssetStore()
	if err := s.Insert(ctx, models.MediaAsset{ID: "a", Status: models.AssetStatusActive}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "a", func(a *models.MediaAsset) error {
				a.Stats.Views++
				return nil
			})
			if err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Stats.Views != 50 {
		t.Fatalf("views = %d, want 50", got.Stats.Views)
	}
}

func TestMemoryAssetStoreUpdateErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAssetStore()
	_ = s.Insert(ctx, models.MediaAsset{ID: "a", Category: "before"})

	boom := errors.New("boom")
	_, err := s.Update(ctx, "a", func(a *models.MediaAsset) error {
		a.Category = "after"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	got, _ := s.Get(ctx, "a")
	if got.Category != "before" {
		t.Fatalf("failed update leaked: %q", got.Category)
	}
}

func TestMemoryAssetStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAssetStore()
	_ = s.Insert(ctx, models.MediaAsset{ID: "a", Tags: []string{"x"}})

	got, _ := s.Get(ctx, "a")
	got.Tags[0] = "mutated"
	again, _ := s.Get(ctx, "a")
	if again.Tags[0] != "x" {
		t.Fatalf("store shared its slice")
	}
}

func TestMemoryAssetStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAssetStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		status := models.AssetStatusActive
		if i == 4 {
			status = models.AssetStatusDeleting
		}
		_ = s.Insert(ctx, models.MediaAsset{
			ID:        fmt.Sprintf("a%d", i),
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	q := models.AssetQuery{Statuses: []models.AssetStatus{models.AssetStatusActive}, Limit: 2, Offset: 1}
	got, total, err := s.List(ctx, q)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 4 || len(got) != 2 || got[0].ID != "a2" || got[1].ID != "a1" {
		t.Fatalf("List = %d %v", total, assetIDs(got))
	}

	if err := s.Delete(ctx, "a3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "a3"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Get deleted err = %v", err)
	}
	if err := s.Delete(ctx, "a3"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("second Delete err = %v", err)
	}
}

func TestMemoryJobStoreReservations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()

	if _, ok, _ := s.Reserve(ctx, "asset", "job-1"); !ok {
		t.Fatalf("first reservation refused")
	}
	if _, ok, _ := s.Reserve(ctx, "asset", "job-1"); !ok {
		t.Fatalf("re-reservation by holder refused")
	}
	owner, ok, _ := s.Reserve(ctx, "asset", "job-2")
	if ok || owner != "job-1" {
		t.Fatalf("Reserve by job-2 = %s, %v", owner, ok)
	}

	_ = s.Release(ctx, "asset", "job-2")
	if owner, _ := s.ReservedBy(ctx, "asset"); owner != "job-1" {
		t.Fatalf("foreign release dropped reservation")
	}
	_ = s.Release(ctx, "asset", "job-1")
	if owner, _ := s.ReservedBy(ctx, "asset"); owner != "" {
		t.Fatalf("reservation survived release: %s", owner)
	}
}

func TestMemoryJobStoreActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	_ = s.Save(ctx, models.OptimizationJob{JobID: "run", Status: models.JobRunning})
	_ = s.Save(ctx, models.OptimizationJob{JobID: "done", Status: models.JobCompleted})

	active, err := s.ListActive(ctx)
	if err != nil || len(active) != 1 || active[0].JobID != "run" {
		t.Fatalf("ListActive = %+v, %v", active, err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Get missing err = %v", err)
	}
}

func assetIDs(assets []models.MediaAsset) []string {
	out := make([]string, len(assets))
	for i, a := range assets {
		out[i] = a.ID
	}
	return out
}
