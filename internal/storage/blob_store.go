// Package storage holds the BlobStore backends. Paths are write-once: a
// given path is only ever written with one content.
package storage

import (
	"context"
	"fmt"
	"path"

	"folio/media/internal/ids"
	"folio/media/internal/media/geometry"
)

// BlobStore persists immutable media blobs.
type BlobStore interface {
	// Put stores data at p and returns its public URL. Putting identical
	// bytes at an existing path succeeds.
	Put(ctx context.Context, data []byte, p string) (string, error)
	Get(ctx context.Context, p string) ([]byte, error)
	// Delete removes p. Deleting a missing blob is not an error.
	Delete(ctx context.Context, p string) error
	Exists(ctx context.Context, p string) (bool, error)
	URL(p string) string
}

// SourcePath returns a fresh path for an asset's source blob.
func SourcePath(assetID, ext string) string {
	return path.Join("sources", assetID, fmt.Sprintf("%s.%s", ids.New(), ext))
}

// VariantPath returns a fresh path for a derivative. A new path is minted on
// every call so re-generated variants never overwrite a live blob.
func VariantPath(assetID, label string, format geometry.Format) string {
	return path.Join("variants", assetID, fmt.Sprintf("%s-%s.%s", label, ids.New(), format.Ext()))
}

func cleanKey(p string) (string, error) {
	clean := path.Clean("/" + p)[1:]
	if clean == "" || clean != p {
		return "", fmt.Errorf("invalid blob path %q", p)
	}
	return clean, nil
}
