package models

import (
	"slices"
	"time"
)

type AssetKind string

const (
	AssetKindImage    AssetKind = "image"
	AssetKindDocument AssetKind = "document"
)

// AssetStatus controls reader visibility. Only active assets are readable.
type AssetStatus string

const (
	AssetStatusStaging  AssetStatus = "staging"
	AssetStatusActive   AssetStatus = "active"
	AssetStatusDeleting AssetStatus = "deleting"
)

type OptimizationState string

const (
	OptimizationNone       OptimizationState = "none"
	OptimizationPending    OptimizationState = "pending"
	OptimizationInProgress OptimizationState = "inProgress"
	OptimizationCompleted  OptimizationState = "completed"
	OptimizationFailed     OptimizationState = "failed"
)

// Zone is a rectangle in source-image pixel space.
type Zone struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Variant struct {
	SizeLabel string    `json:"sizeLabel"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Format    string    `json:"format"`
	Quality   int       `json:"quality"`
	BlobPath  string    `json:"blobPath"`
	URL       string    `json:"url"`
	ByteSize  int64     `json:"byteSize"`
	CreatedAt time.Time `json:"createdAt"`
}

// Key identifies a variant within its asset.
func (v Variant) Key() VariantKey {
	return VariantKey{SizeLabel: v.SizeLabel, Format: v.Format}
}

type VariantKey struct {
	SizeLabel string
	Format    string
}

type AssetStats struct {
	Views int64 `json:"views"`
}

type MediaAsset struct {
	ID               string      `json:"id"`
	Kind             AssetKind   `json:"kind"`
	Status           AssetStatus `json:"status"`
	SourceBlobPath   string      `json:"sourceBlobPath"`
	SourceURL        string      `json:"sourceUrl"`
	OriginalFilename string      `json:"originalFilename"`
	MimeType         string      `json:"mimeType"`
	ByteSize         int64       `json:"byteSize"`
	Width            int         `json:"width"`
	Height           int         `json:"height"`
	Checksum         string      `json:"checksum"`

	Variants       []Variant `json:"variants"`
	RedactionZones []Zone    `json:"redactionZones"`

	OptimizationState OptimizationState `json:"optimizationState"`
	LastOptimizedAt   *time.Time        `json:"lastOptimizedAt,omitempty"`
	LeaseOwner        string            `json:"-"`
	LeaseUntil        *time.Time        `json:"-"`

	Category string     `json:"category"`
	Tags     []string   `json:"tags"`
	IsPublic bool       `json:"isPublic"`
	Stats    AssetStats `json:"stats"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FindVariant returns the index of the variant with the given key, or -1.
func (a *MediaAsset) FindVariant(key VariantKey) int {
	return slices.IndexFunc(a.Variants, func(v Variant) bool { return v.Key() == key })
}

// BlobPaths lists every blob the asset references, source first.
func (a *MediaAsset) BlobPaths() []string {
	paths := make([]string, 0, len(a.Variants)+1)
	if a.SourceBlobPath != "" {
		paths = append(paths, a.SourceBlobPath)
	}
	for _, v := range a.Variants {
		paths = append(paths, v.BlobPath)
	}
	return paths
}

// Clone returns a deep copy so callers never share slices with a store.
func (a MediaAsset) Clone() MediaAsset {
	out := a
	out.Variants = slices.Clone(a.Variants)
	out.RedactionZones = slices.Clone(a.RedactionZones)
	out.Tags = slices.Clone(a.Tags)
	if a.LastOptimizedAt != nil {
		t := *a.LastOptimizedAt
		out.LastOptimizedAt = &t
	}
	if a.LeaseUntil != nil {
		t := *a.LeaseUntil
		out.LeaseUntil = &t
	}
	return out
}

// AssetQuery selects assets from a catalog store. Zero fields do not filter.
type AssetQuery struct {
	Statuses           []AssetStatus
	Kind               AssetKind
	OptimizationStates []OptimizationState
	ExcludeStates      []OptimizationState
	Category           string
	Tag                string
	PublicOnly         bool
	UpdatedBefore      *time.Time
	Limit              int
	Offset             int
}

// Matches reports whether a satisfies every filter except paging.
func (q AssetQuery) Matches(a MediaAsset) bool {
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, a.Status) {
		return false
	}
	if q.Kind != "" && a.Kind != q.Kind {
		return false
	}
	if len(q.OptimizationStates) > 0 && !slices.Contains(q.OptimizationStates, a.OptimizationState) {
		return false
	}
	if slices.Contains(q.ExcludeStates, a.OptimizationState) {
		return false
	}
	if q.Category != "" && a.Category != q.Category {
		return false
	}
	if q.Tag != "" && !slices.Contains(a.Tags, q.Tag) {
		return false
	}
	if q.PublicOnly && !a.IsPublic {
		return false
	}
	if q.UpdatedBefore != nil && !a.UpdatedAt.Before(*q.UpdatedBefore) {
		return false
	}
	return true
}
