package repository

import (
	"context"
	"sort"
	"sync"

	"folio/media/internal/apperr"
	"folio/media/internal/models"
)

type assetEntry struct {
	mu      sync.Mutex
	asset   models.MediaAsset
	deleted bool
}

// MemoryAssetStore keeps assets in process. Each asset has its own lock, so
// updates to different assets never contend.
type MemoryAssetStore struct {
	mu     sync.RWMutex
	assets map[string]*assetEntry
}

func NewMemoryAssetStore() *MemoryAssetStore {
	return &MemoryAssetStore{assets: make(map[string]*assetEntry)}
}

func (s *MemoryAssetStore) Insert(_ context.Context, asset models.MediaAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[asset.ID]; ok {
		return apperr.Newf("memory.insert_asset", apperr.ErrInvalidState, "asset %s exists", asset.ID)
	}
	s.assets[asset.ID] = &assetEntry{asset: asset.Clone()}
	return nil
}

func (s *MemoryAssetStore) entry(id string) (*assetEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.assets[id]
	return e, ok
}

func (s *MemoryAssetStore) Get(_ context.Context, id string) (models.MediaAsset, error) {
	e, ok := s.entry(id)
	if !ok {
		return models.MediaAsset{}, notFound("memory.get_asset", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return models.MediaAsset{}, notFound("memory.get_asset", id)
	}
	return e.asset.Clone(), nil
}

func (s *MemoryAssetStore) List(_ context.Context, q models.AssetQuery) ([]models.MediaAsset, int, error) {
	s.mu.RLock()
	entries := make([]*assetEntry, 0, len(s.assets))
	for _, e := range s.assets {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	matched := make([]models.MediaAsset, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && q.Matches(e.asset) {
			matched = append(matched, e.asset.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	return page(matched, q.Limit, q.Offset), total, nil
}

func (s *MemoryAssetStore) Update(_ context.Context, id string, fn func(*models.MediaAsset) error) (models.MediaAsset, error) {
	e, ok := s.entry(id)
	if !ok {
		return models.MediaAsset{}, notFound("memory.update_asset", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return models.MediaAsset{}, notFound("memory.update_asset", id)
	}

	next := e.asset.Clone()
	if err := fn(&next); err != nil {
		return models.MediaAsset{}, err
	}
	next.ID = e.asset.ID
	e.asset = next
	return next.Clone(), nil
}

func (s *MemoryAssetStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.assets[id]
	delete(s.assets, id)
	s.mu.Unlock()
	if !ok {
		return notFound("memory.delete_asset", id)
	}
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func notFound(op, id string) error {
	return apperr.Newf(op, apperr.ErrNotFound, "asset %s", id)
}
