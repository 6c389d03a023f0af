package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/store"
)

// tradesRepo implements store.TradesRepo for PostgreSQL.
type tradesRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

const tradeColumns = `id, symbol, side, qty, entry_price, stop_loss, take_profit, status,
		entry_time, exit_time, exit_price, pnl, pnl_pct, exit_reason, signal_id, tp_consumed,
		created_at, updated_at`

// Create inserts a new trade. The partial unique index on active trades
// turns a second PENDING/OPEN row for the same symbol into ErrConflict.
func (r *tradesRepo) Create(ctx context.Context, t *domain.Trade) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if t.EntryTime.IsZero() {
		t.EntryTime = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = domain.TradePending
	}

	query := `
		INSERT INTO trades (symbol, side, qty, entry_price, stop_loss, take_profit, status, entry_time, signal_id, tp_consumed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	err := r.ext.QueryRowxContext(ctx, query,
		t.Symbol, t.Side, t.Qty, t.EntryPrice, t.StopLoss, t.TakeProfit,
		t.Status, t.EntryTime, t.SignalID, int64Array(t.TPConsumed)).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("symbol %s already has an active trade: %w", t.Symbol, store.ErrConflict)
		}
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing trade.
func (r *tradesRepo) Update(ctx context.Context, t *domain.Trade) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trades SET
			qty         = $2,
			entry_price = $3,
			stop_loss   = $4,
			take_profit = $5,
			status      = $6,
			entry_time  = $7,
			exit_time   = $8,
			exit_price  = $9,
			pnl         = $10,
			pnl_pct     = $11,
			exit_reason = $12,
			tp_consumed = $13,
			updated_at  = now()
		WHERE id = $1
		RETURNING updated_at`

	err := r.ext.QueryRowxContext(ctx, query,
		t.ID, t.Qty, t.EntryPrice, t.StopLoss, t.TakeProfit, t.Status,
		t.EntryTime, t.ExitTime, t.ExitPrice, t.PnL, t.PnLPercent,
		t.ExitReason, int64Array(t.TPConsumed)).
		Scan(&t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("trade %d: %w", t.ID, store.ErrNotFound)
		}
		return fmt.Errorf("failed to update trade %d: %w", t.ID, err)
	}
	return nil
}

// Close transitions an OPEN trade to CLOSED. The realized pnl of the
// remaining quantity is added to whatever partial take-profits already
// banked, so the stored pnl is the whole position's result. Side and
// entry price are immutable once a trade is OPEN, so the status guard
// on the UPDATE makes the read-compute-write sequence safe without a
// wrapping transaction.
func (r *tradesRepo) Close(ctx context.Context, id int64, exitPrice decimal.Decimal, reason domain.ExitReason, fees decimal.Decimal) (*domain.Trade, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TradeOpen {
		return nil, fmt.Errorf("trade %d is %s, not OPEN: %w", id, t.Status, store.ErrConflict)
	}

	pnl, pct := domain.ComputePnL(t.Side, t.EntryPrice, exitPrice, t.Qty, fees)
	now := time.Now().UTC()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trades SET
			status      = $2,
			exit_time   = $3,
			exit_price  = $4,
			exit_reason = $5,
			pnl         = pnl + $6,
			pnl_pct     = $7,
			updated_at  = $3
		WHERE id = $1 AND status = $8
		RETURNING updated_at`

	err = r.ext.QueryRowxContext(ctx, query,
		id, domain.TradeClosed, now, exitPrice, reason, pnl, pct, domain.TradeOpen).
		Scan(&t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trade %d closed concurrently: %w", id, store.ErrConflict)
		}
		return nil, fmt.Errorf("failed to close trade %d: %w", id, err)
	}

	t.Status = domain.TradeClosed
	t.ExitTime = &now
	t.ExitPrice = exitPrice
	t.ExitReason = reason
	t.PnL = t.PnL.Add(pnl)
	t.PnLPercent = pct
	return t, nil
}

// Get retrieves one trade by ID.
func (r *tradesRepo) Get(ctx context.Context, id int64) (*domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE id = $1`

	row := r.ext.QueryRowxContext(ctx, query, id)

	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trade %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get trade %d: %w", id, err)
	}
	return t, nil
}

// ListOpen returns all PENDING and OPEN trades, oldest first.
func (r *tradesRepo) ListOpen(ctx context.Context) ([]domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC`

	rows, err := r.ext.QueryxContext(ctx, query, domain.TradePending, domain.TradeOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to query open trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// List returns trades matching f, newest first.
func (r *tradesRepo) List(ctx context.Context, f store.TradeFilter) ([]domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + tradeColumns + `
		FROM trades`

	var (
		conds []string
		args  []interface{}
	)
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		conds = append(conds, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if len(conds) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conds, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf("\n\t\tORDER BY created_at DESC\n\t\tLIMIT $%d", len(args))

	rows, err := r.ext.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// CountActive returns the number of PENDING plus OPEN trades.
func (r *tradesRepo) CountActive(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT COUNT(*) FROM trades WHERE status IN ($1, $2)`

	var count int
	err := r.ext.QueryRowxContext(ctx, query, domain.TradePending, domain.TradeOpen).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active trades: %w", err)
	}
	return count, nil
}

func scanTrades(rows *sqlx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade

	for rows.Next() {
		t, err := scanTradeFromRows(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

func scanTrade(row *sqlx.Row) (*domain.Trade, error) {
	var (
		t  domain.Trade
		tp pq.Int64Array
	)
	err := row.Scan(
		&t.ID, &t.Symbol, &t.Side, &t.Qty, &t.EntryPrice, &t.StopLoss,
		&t.TakeProfit, &t.Status, &t.EntryTime, &t.ExitTime, &t.ExitPrice,
		&t.PnL, &t.PnLPercent, &t.ExitReason, &t.SignalID, &tp,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.TPConsumed = intSlice(tp)
	return &t, nil
}

func scanTradeFromRows(rows *sqlx.Rows) (*domain.Trade, error) {
	var (
		t  domain.Trade
		tp pq.Int64Array
	)
	err := rows.Scan(
		&t.ID, &t.Symbol, &t.Side, &t.Qty, &t.EntryPrice, &t.StopLoss,
		&t.TakeProfit, &t.Status, &t.EntryTime, &t.ExitTime, &t.ExitPrice,
		&t.PnL, &t.PnLPercent, &t.ExitReason, &t.SignalID, &tp,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan trade: %w", err)
	}
	t.TPConsumed = intSlice(tp)
	return &t, nil
}

func int64Array(xs []int) pq.Int64Array {
	out := make(pq.Int64Array, len(xs))
	for i, x := range xs {
		out[i] = int64(x)
	}
	return out
}

func intSlice(xs pq.Int64Array) []int {
	if len(xs) == 0 {
		return nil
	}
	out := make([]int, len(xs))
	for i, x := range xs {
		out[i] = int(x)
	}
	return out
}
