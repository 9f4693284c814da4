// Package ids generates identifiers for assets, blobs and jobs.
package ids

import (
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// New returns a time-sortable identifier used for assets and blob names.
func New() string { return ksuid.New().String() }

// NewJobID returns a random identifier for optimization jobs.
func NewJobID() string { return uuid.NewString() }
