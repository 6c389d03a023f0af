package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/store"
)

// ordersRepo implements store.OrdersRepo for PostgreSQL.
type ordersRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

const orderColumns = `id, trade_id, exchange_order_id, type, side, qty, price, status,
		filled_qty, avg_price, fees, created_at`

// Create inserts a new order row owned by a trade.
func (r *ordersRepo) Create(ctx context.Context, o *domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if o.Status == "" {
		o.Status = domain.OrderNew
	}

	query := `
		INSERT INTO orders (trade_id, exchange_order_id, type, side, qty, price, status, filled_qty, avg_price, fees)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`

	err := r.ext.QueryRowxContext(ctx, query,
		o.TradeID, o.ExchangeOrderID, o.Type, o.Side, o.Qty, o.Price,
		o.Status, o.FilledQty, o.AvgPrice, o.Fees).
		Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// UpdateStatus records an exchange-reported status change.
func (r *ordersRepo) UpdateStatus(ctx context.Context, id int64, status domain.OrderStatus, filledQty, avgPrice, fees decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE orders SET
			status     = $2,
			filled_qty = $3,
			avg_price  = $4,
			fees       = $5
		WHERE id = $1`

	res, err := r.ext.ExecContext(ctx, query, id, status, filledQty, avgPrice, fees)
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check order update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// LatestByType returns the newest order of the given type for a trade,
// or nil when the trade has none.
func (r *ordersRepo) LatestByType(ctx context.Context, tradeID int64, typ domain.OrderType) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE trade_id = $1 AND type = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	row := r.ext.QueryRowxContext(ctx, query, tradeID, typ)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest %s order for trade %d: %w", typ, tradeID, err)
	}
	return o, nil
}

// ListByTrade returns all orders for one trade, oldest first.
func (r *ordersRepo) ListByTrade(ctx context.Context, tradeID int64) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE trade_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := r.ext.QueryxContext(ctx, query, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders for trade %d: %w", tradeID, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		err := rows.Scan(
			&o.ID, &o.TradeID, &o.ExchangeOrderID, &o.Type, &o.Side,
			&o.Qty, &o.Price, &o.Status, &o.FilledQty, &o.AvgPrice,
			&o.Fees, &o.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}
	return orders, nil
}

func scanOrder(row *sqlx.Row) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(
		&o.ID, &o.TradeID, &o.ExchangeOrderID, &o.Type, &o.Side,
		&o.Qty, &o.Price, &o.Status, &o.FilledQty, &o.AvgPrice,
		&o.Fees, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
