// Package store defines the persistence contract the bot core consumes.
// Implementations live in subpackages (internal/store/postgres); the core
// depends only on these interfaces so tests can swap in fakes.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vtrpza/bingxv3/internal/domain"
)

// SignalFilter narrows ListSignals. Zero values mean "any".
type SignalFilter struct {
	Symbol string
	Kind   domain.SignalKind
	Status domain.SignalStatus
	Since  time.Time
	Limit  int
}

// TradeFilter narrows ListTrades. Zero values mean "any".
type TradeFilter struct {
	Symbol string
	Status domain.TradeStatus
	Since  time.Time
	Limit  int
}

// AssetsRepo persists the tradable universe.
type AssetsRepo interface {
	// Upsert inserts or refreshes an asset keyed by symbol and echoes
	// back the stored row (ID, CreatedAt) into a.
	Upsert(ctx context.Context, a *domain.Asset) error

	// Get retrieves one asset by symbol.
	Get(ctx context.Context, symbol string) (*domain.Asset, error)

	// ListValid returns all is_valid assets ordered by symbol.
	ListValid(ctx context.Context) ([]domain.Asset, error)

	// InvalidateExcept soft-invalidates every asset whose symbol is not
	// in keep and returns how many rows flipped. Assets are never deleted.
	InvalidateExcept(ctx context.Context, keep []string) (int64, error)
}

// CandlesRepo persists immutable OHLCV bars.
type CandlesRepo interface {
	// BulkUpsert writes candles keyed by (symbol, timeframe, t_open) and
	// returns the number of rows written. Re-writing an existing bar is
	// an idempotent overwrite.
	BulkUpsert(ctx context.Context, candles []domain.Candle) (int64, error)

	// List returns the most recent bars for (symbol, timeframe),
	// ascending by open time, at most limit rows.
	List(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.Candle, error)
}

// IndicatorsRepo persists derived indicator rows.
type IndicatorsRepo interface {
	// Upsert writes one indicator set keyed by (symbol, timeframe, t).
	// Recomputation overwrites idempotently.
	Upsert(ctx context.Context, set domain.IndicatorSet) error

	// Latest returns the newest row for (symbol, timeframe).
	Latest(ctx context.Context, symbol string, tf domain.Timeframe) (*domain.IndicatorSet, error)
}

// SignalsRepo persists scanner output for audit and consumption.
type SignalsRepo interface {
	// Create stores a new signal with its indicator snapshot.
	Create(ctx context.Context, sig *domain.Signal) error

	// UpdateStatus moves a signal through pending -> consumed|rejected.
	UpdateStatus(ctx context.Context, id string, status domain.SignalStatus) error

	// List returns signals matching f, newest first.
	List(ctx context.Context, f SignalFilter) ([]domain.Signal, error)
}

// TradesRepo persists positions and their lifecycle.
type TradesRepo interface {
	// Create inserts a new trade and echoes the assigned ID and
	// timestamps back into t. The insert fails with a conflict error if
	// the symbol already has a PENDING or OPEN trade.
	Create(ctx context.Context, t *domain.Trade) error

	// Update rewrites the mutable fields of an existing trade.
	Update(ctx context.Context, t *domain.Trade) error

	// Close atomically transitions an OPEN trade to CLOSED, adding the
	// realized pnl of the remaining quantity to pnl already banked by
	// partial exits, and returns the closed row. Closing a trade that is
	// not OPEN fails.
	Close(ctx context.Context, id int64, exitPrice decimal.Decimal, reason domain.ExitReason, fees decimal.Decimal) (*domain.Trade, error)

	// Get retrieves one trade by ID.
	Get(ctx context.Context, id int64) (*domain.Trade, error)

	// ListOpen returns all PENDING and OPEN trades, oldest first, for
	// startup reconciliation and the risk loop.
	ListOpen(ctx context.Context) ([]domain.Trade, error)

	// List returns trades matching f, newest first.
	List(ctx context.Context, f TradeFilter) ([]domain.Trade, error)

	// CountActive returns the number of PENDING plus OPEN trades.
	CountActive(ctx context.Context) (int, error)
}

// OrdersRepo persists exchange orders owned by trades.
type OrdersRepo interface {
	// Create inserts a new order row and echoes the assigned ID back.
	Create(ctx context.Context, o *domain.Order) error

	// UpdateStatus records an exchange-reported status change with fill
	// details.
	UpdateStatus(ctx context.Context, id int64, status domain.OrderStatus, filledQty, avgPrice, fees decimal.Decimal) error

	// LatestByType returns the newest order of the given type for a
	// trade, or nil when none exists. The risk loop uses it to find the
	// resting stop to cancel-and-replace.
	LatestByType(ctx context.Context, tradeID int64, typ domain.OrderType) (*domain.Order, error)

	// ListByTrade returns all orders for one trade, oldest first.
	ListByTrade(ctx context.Context, tradeID int64) ([]domain.Order, error)
}

// Repository aggregates all persistence interfaces.
type Repository struct {
	Assets     AssetsRepo
	Candles    CandlesRepo
	Indicators IndicatorsRepo
	Signals    SignalsRepo
	Trades     TradesRepo
	Orders     OrdersRepo
}

// Tx runs fn inside one database transaction. The Repository passed to
// fn is bound to that transaction; fn returning an error rolls back,
// nil commits. Persist-then-act sequences (create trade + entry order)
// run under this boundary.
type Tx interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, r *Repository) error) error
}

// Store is the full surface the composition root wires: repositories
// plus the transaction boundary.
type Store interface {
	Tx
	Repos() *Repository
}

// HealthCheck represents repository health status.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer.
type RepositoryHealth interface {
	// Health returns current repository health status.
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity.
	Ping(ctx context.Context) error

	// Stats returns connection pool and query statistics.
	Stats(ctx context.Context) map[string]interface{}
}

type sentinel string

func (e sentinel) Error() string { return string(e) }

const (
	// ErrNotFound reports a missing row on point lookups. Implementations
	// wrap it so callers can errors.Is against it.
	ErrNotFound = sentinel("store: not found")

	// ErrConflict reports a uniqueness violation, such as a second active
	// trade for a symbol.
	ErrConflict = sentinel("store: conflict")
)
