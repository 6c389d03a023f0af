package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/store"
)

// assetsRepo implements store.AssetsRepo for PostgreSQL.
type assetsRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

// Upsert inserts or refreshes an asset keyed by symbol.
func (r *assetsRepo) Upsert(ctx context.Context, a *domain.Asset) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO assets (symbol, is_valid, min_order_size, qty_precision, last_validation, validation_blob)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol) DO UPDATE SET
			is_valid        = EXCLUDED.is_valid,
			min_order_size  = EXCLUDED.min_order_size,
			qty_precision   = EXCLUDED.qty_precision,
			last_validation = EXCLUDED.last_validation,
			validation_blob = EXCLUDED.validation_blob
		RETURNING id, created_at`

	err := r.ext.QueryRowxContext(ctx, query,
		a.Symbol, a.IsValid, a.MinOrderSize, a.QtyPrecision,
		a.LastValidation, a.ValidationBlob).
		Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert asset %s: %w", a.Symbol, err)
	}
	return nil
}

// Get retrieves one asset by symbol.
func (r *assetsRepo) Get(ctx context.Context, symbol string) (*domain.Asset, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, symbol, is_valid, min_order_size, qty_precision, last_validation, validation_blob, created_at
		FROM assets
		WHERE symbol = $1`

	row := r.ext.QueryRowxContext(ctx, query, symbol)

	asset, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("asset %s: %w", symbol, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get asset %s: %w", symbol, err)
	}
	return asset, nil
}

// ListValid returns all valid assets ordered by symbol.
func (r *assetsRepo) ListValid(ctx context.Context) ([]domain.Asset, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, symbol, is_valid, min_order_size, qty_precision, last_validation, validation_blob, created_at
		FROM assets
		WHERE is_valid = TRUE
		ORDER BY symbol`

	rows, err := r.ext.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query valid assets: %w", err)
	}
	defer rows.Close()

	return scanAssets(rows)
}

// InvalidateExcept soft-invalidates every valid asset not in keep.
// Assets are never deleted.
func (r *assetsRepo) InvalidateExcept(ctx context.Context, keep []string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE assets
		SET is_valid = FALSE
		WHERE is_valid = TRUE AND NOT (symbol = ANY($1))`

	res, err := r.ext.ExecContext(ctx, query, pq.StringArray(keep))
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate assets: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count invalidated assets: %w", err)
	}
	return n, nil
}

func scanAssets(rows *sqlx.Rows) ([]domain.Asset, error) {
	var assets []domain.Asset

	for rows.Next() {
		asset, err := scanAssetFromRows(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *asset)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating asset rows: %w", err)
	}
	return assets, nil
}

func scanAsset(row *sqlx.Row) (*domain.Asset, error) {
	var a domain.Asset
	err := row.Scan(
		&a.ID, &a.Symbol, &a.IsValid, &a.MinOrderSize,
		&a.QtyPrecision, &a.LastValidation, &a.ValidationBlob, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAssetFromRows(rows *sqlx.Rows) (*domain.Asset, error) {
	var a domain.Asset
	err := rows.Scan(
		&a.ID, &a.Symbol, &a.IsValid, &a.MinOrderSize,
		&a.QtyPrecision, &a.LastValidation, &a.ValidationBlob, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan asset: %w", err)
	}
	return &a, nil
}
