package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"folio/media/internal/apperr"
	"folio/media/internal/models"
)

// AssetRepository stores assets in Postgres. Update runs inside a
// transaction holding the row lock, which is the per-asset lock.
type AssetRepository struct {
	pool *pgxpool.Pool
}

func NewAssetRepository(pool *pgxpool.Pool) *AssetRepository {
	return &AssetRepository{pool: pool}
}

const assetColumns = `
	id, kind, status, source_blob_path, source_url, original_filename, mime_type,
	byte_size, width, height, checksum, variants, redaction_zones,
	optimization_state, last_optimized_at, lease_owner, lease_until,
	category, tags, is_public, views, created_at, updated_at`

func (r *AssetRepository) Insert(ctx context.Context, asset models.MediaAsset) error {
	query := `INSERT INTO media_assets (` + assetColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		$14, $15, $16, $17, $18, $19, $20, $21, $22, $23
	)`
	args, err := assetArgs(asset)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperr.Newf("postgres.insert_asset", apperr.ErrInvalidState, "asset %s exists", asset.ID)
		}
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

func (r *AssetRepository) Get(ctx context.Context, id string) (models.MediaAsset, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM media_assets WHERE id = $1`, id)
	asset, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MediaAsset{}, notFound("postgres.get_asset", id)
	}
	return asset, err
}

func (r *AssetRepository) List(ctx context.Context, q models.AssetQuery) ([]models.MediaAsset, int, error) {
	where, args := buildWhere(q)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM media_assets`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count assets: %w", err)
	}

	query := `SELECT ` + assetColumns + ` FROM media_assets` + where + ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	assets := []models.MediaAsset{}
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, 0, err
		}
		assets = append(assets, asset)
	}
	return assets, total, rows.Err()
}

func (r *AssetRepository) Update(ctx context.Context, id string, fn func(*models.MediaAsset) error) (models.MediaAsset, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.MediaAsset{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+assetColumns+` FROM media_assets WHERE id = $1 FOR UPDATE`, id)
	asset, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MediaAsset{}, notFound("postgres.update_asset", id)
	}
	if err != nil {
		return models.MediaAsset{}, err
	}

	if err := fn(&asset); err != nil {
		return models.MediaAsset{}, err
	}
	asset.ID = id

	args, err := assetArgs(asset)
	if err != nil {
		return models.MediaAsset{}, err
	}
	const query = `
		UPDATE media_assets SET
			kind = $2, status = $3, source_blob_path = $4, source_url = $5,
			original_filename = $6, mime_type = $7, byte_size = $8, width = $9,
			height = $10, checksum = $11, variants = $12, redaction_zones = $13,
			optimization_state = $14, last_optimized_at = $15, lease_owner = $16,
			lease_until = $17, category = $18, tags = $19, is_public = $20,
			views = $21, created_at = $22, updated_at = $23
		WHERE id = $1`
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return models.MediaAsset{}, fmt.Errorf("update asset: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.MediaAsset{}, fmt.Errorf("commit: %w", err)
	}
	return asset, nil
}

func (r *AssetRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM media_assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("postgres.delete_asset", id)
	}
	return nil
}

func buildWhere(q models.AssetQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if len(q.Statuses) > 0 {
		add("status = ANY($%d)", toStrings(q.Statuses))
	}
	if q.Kind != "" {
		add("kind = $%d", string(q.Kind))
	}
	if len(q.OptimizationStates) > 0 {
		add("optimization_state = ANY($%d)", toStrings(q.OptimizationStates))
	}
	if len(q.ExcludeStates) > 0 {
		add("NOT (optimization_state = ANY($%d))", toStrings(q.ExcludeStates))
	}
	if q.Category != "" {
		add("category = $%d", q.Category)
	}
	if q.Tag != "" {
		tag, _ := json.Marshal([]string{q.Tag})
		add("tags @> $%d::jsonb", string(tag))
	}
	if q.PublicOnly {
		conds = append(conds, "is_public")
	}
	if q.UpdatedBefore != nil {
		add("updated_at < $%d", *q.UpdatedBefore)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func assetArgs(a models.MediaAsset) ([]any, error) {
	variants, err := json.Marshal(nonNil(a.Variants))
	if err != nil {
		return nil, fmt.Errorf("encode variants: %w", err)
	}
	zones, err := json.Marshal(nonNil(a.RedactionZones))
	if err != nil {
		return nil, fmt.Errorf("encode zones: %w", err)
	}
	tags, err := json.Marshal(nonNil(a.Tags))
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	return []any{
		a.ID, string(a.Kind), string(a.Status), a.SourceBlobPath, a.SourceURL,
		a.OriginalFilename, a.MimeType, a.ByteSize, a.Width, a.Height, a.Checksum,
		variants, zones, string(a.OptimizationState), a.LastOptimizedAt,
		a.LeaseOwner, a.LeaseUntil, a.Category, tags, a.IsPublic, a.Stats.Views,
		a.CreatedAt, a.UpdatedAt,
	}, nil
}

func scanAsset(row pgx.Row) (models.MediaAsset, error) {
	var (
		a                     models.MediaAsset
		variants, zones, tags []byte
	)
	if err := row.Scan(
		&a.ID,
		&a.Kind,
		&a.Status,
		&a.SourceBlobPath,
		&a.SourceURL,
		&a.OriginalFilename,
		&a.MimeType,
		&a.ByteSize,
		&a.Width,
		&a.Height,
		&a.Checksum,
		&variants,
		&zones,
		&a.OptimizationState,
		&a.LastOptimizedAt,
		&a.LeaseOwner,
		&a.LeaseUntil,
		&a.Category,
		&tags,
		&a.IsPublic,
		&a.Stats.Views,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return models.MediaAsset{}, err
	}
	if err := json.Unmarshal(variants, &a.Variants); err != nil {
		return models.MediaAsset{}, fmt.Errorf("decode variants of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal(zones, &a.RedactionZones); err != nil {
		return models.MediaAsset{}, fmt.Errorf("decode zones of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal(tags, &a.Tags); err != nil {
		return models.MediaAsset{}, fmt.Errorf("decode tags of %s: %w", a.ID, err)
	}
	return a, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
