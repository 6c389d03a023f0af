package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vtrpza/bingxv3/internal/domain"
)

// candlesRepo implements store.CandlesRepo for PostgreSQL.
type candlesRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

// candleChunk is the rows-per-statement batch size. Eight binds per row
// keeps each statement far below the wire limit of 65535 parameters.
const candleChunk = 500

// BulkUpsert writes candles keyed by (symbol, timeframe, t_open) using
// chunked multi-row INSERT ... ON CONFLICT statements.
func (r *candlesRepo) BulkUpsert(ctx context.Context, candles []domain.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(candles)/candleChunk+1))
	defer cancel()

	var written int64
	for start := 0; start < len(candles); start += candleChunk {
		end := start + candleChunk
		if end > len(candles) {
			end = len(candles)
		}

		n, err := r.upsertChunk(ctx, candles[start:end])
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

func (r *candlesRepo) upsertChunk(ctx context.Context, chunk []domain.Candle) (int64, error) {
	var sb strings.Builder
	args := make([]interface{}, 0, len(chunk)*8)

	sb.WriteString(`INSERT INTO candles (symbol, timeframe, t_open, o, h, l, c, v) VALUES `)
	for i, c := range chunk {
		if i > 0 {
			sb.WriteByte(',')
		}
		base := i * 8
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args, c.Symbol, c.Timeframe, c.OpenTime,
			c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	sb.WriteString(` ON CONFLICT (symbol, timeframe, t_open) DO UPDATE SET
		o = EXCLUDED.o, h = EXCLUDED.h, l = EXCLUDED.l, c = EXCLUDED.c, v = EXCLUDED.v`)

	res, err := r.ext.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert candles: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count upserted candles: %w", err)
	}
	return n, nil
}

// List returns the most recent limit bars for (symbol, timeframe),
// ascending by open time.
func (r *candlesRepo) List(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, timeframe, t_open, o, h, l, c, v
		FROM (
			SELECT symbol, timeframe, t_open, o, h, l, c, v
			FROM candles
			WHERE symbol = $1 AND timeframe = $2
			ORDER BY t_open DESC
			LIMIT $3
		) latest
		ORDER BY t_open ASC`

	rows, err := r.ext.QueryxContext(ctx, query, symbol, tf, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []domain.Candle
	for rows.Next() {
		var c domain.Candle
		err := rows.Scan(&c.Symbol, &c.Timeframe, &c.OpenTime,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candle rows: %w", err)
	}
	return candles, nil
}
