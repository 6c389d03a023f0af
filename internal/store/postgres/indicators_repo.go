package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/store"
)

// indicatorsRepo implements store.IndicatorsRepo for PostgreSQL.
type indicatorsRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

// Upsert writes one indicator set keyed by (symbol, timeframe, t).
// Recomputation overwrites idempotently.
func (r *indicatorsRepo) Upsert(ctx context.Context, set domain.IndicatorSet) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO indicators (symbol, timeframe, t, mm1, center, rsi, volume_sma)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol, timeframe, t) DO UPDATE SET
			mm1        = EXCLUDED.mm1,
			center     = EXCLUDED.center,
			rsi        = EXCLUDED.rsi,
			volume_sma = EXCLUDED.volume_sma`

	_, err := r.ext.ExecContext(ctx, query,
		set.Symbol, set.Timeframe, set.At,
		set.MM1, set.Center, set.RSI, set.VolumeSMA)
	if err != nil {
		return fmt.Errorf("failed to upsert indicators %s %s: %w", set.Symbol, set.Timeframe, err)
	}
	return nil
}

// Latest returns the newest indicator row for (symbol, timeframe).
func (r *indicatorsRepo) Latest(ctx context.Context, symbol string, tf domain.Timeframe) (*domain.IndicatorSet, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, timeframe, t, mm1, center, rsi, volume_sma
		FROM indicators
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY t DESC
		LIMIT 1`

	var set domain.IndicatorSet
	err := r.ext.QueryRowxContext(ctx, query, symbol, tf).Scan(
		&set.Symbol, &set.Timeframe, &set.At,
		&set.MM1, &set.Center, &set.RSI, &set.VolumeSMA)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("indicators %s %s: %w", symbol, tf, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest indicators %s %s: %w", symbol, tf, err)
	}
	return &set, nil
}
