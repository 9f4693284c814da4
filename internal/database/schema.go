package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema holds one row per asset. Variants, zones and tags are embedded as
// JSONB so an asset is always read and written as a single record.
const schema = `
CREATE TABLE IF NOT EXISTS media_assets (
	id                  TEXT PRIMARY KEY,
	kind                TEXT NOT NULL,
	status              TEXT NOT NULL,
	source_blob_path    TEXT NOT NULL,
	source_url          TEXT NOT NULL,
	original_filename   TEXT NOT NULL DEFAULT '',
	mime_type           TEXT NOT NULL,
	byte_size           BIGINT NOT NULL,
	width               INTEGER NOT NULL,
	height              INTEGER NOT NULL,
	checksum            TEXT NOT NULL,
	variants            JSONB NOT NULL DEFAULT '[]',
	redaction_zones     JSONB NOT NULL DEFAULT '[]',
	optimization_state  TEXT NOT NULL DEFAULT 'none',
	last_optimized_at   TIMESTAMPTZ,
	lease_owner         TEXT NOT NULL DEFAULT '',
	lease_until         TIMESTAMPTZ,
	category            TEXT NOT NULL DEFAULT '',
	tags                JSONB NOT NULL DEFAULT '[]',
	is_public           BOOLEAN NOT NULL DEFAULT FALSE,
	views               BIGINT NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS media_assets_status_created_idx
	ON media_assets (status, created_at DESC);
CREATE INDEX IF NOT EXISTS media_assets_optimization_idx
	ON media_assets (optimization_state) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS media_assets_tags_idx
	ON media_assets USING GIN (tags);
`

// EnsureSchema creates the media tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
