package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vtrpza/bingxv3/internal/errs"
)

// OrderSide is the exchange order direction.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the closing side for a position opened on s.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the exchange order kind.
type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderStopLoss   OrderType = "STOP_LOSS"
	OrderLimit      OrderType = "LIMIT"
	OrderTakeProfit OrderType = "TAKE_PROFIT"
)

// OrderStatus is the exchange-reported order state.
type OrderStatus string

const (
	OrderNew       OrderStatus = "NEW"
	OrderFilled    OrderStatus = "FILLED"
	OrderPartial   OrderStatus = "PARTIALLY_FILLED"
	OrderCancelled OrderStatus = "CANCELED"
	OrderRejected  OrderStatus = "REJECTED"
)

// Order is one exchange order owned by a trade.
type Order struct {
	ID              int64           `json:"id" db:"id"`
	TradeID         int64           `json:"trade_id" db:"trade_id"`
	ExchangeOrderID string          `json:"exchange_order_id" db:"exchange_order_id"`
	Type            OrderType       `json:"type" db:"type"`
	Side            OrderSide       `json:"side" db:"side"`
	Qty             decimal.Decimal `json:"qty" db:"qty"`
	Price           decimal.Decimal `json:"price" db:"price"`
	Status          OrderStatus     `json:"status" db:"status"`
	FilledQty       decimal.Decimal `json:"filled_qty" db:"filled_qty"`
	AvgPrice        decimal.Decimal `json:"avg_price" db:"avg_price"`
	Fees            decimal.Decimal `json:"fees" db:"fees"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// TradeStatus is the position state machine node.
type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeOpen      TradeStatus = "OPEN"
	TradeClosed    TradeStatus = "CLOSED"
	TradeCancelled TradeStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s TradeStatus) Terminal() bool {
	return s == TradeClosed || s == TradeCancelled
}

// CanTransition enforces the trade state machine:
// PENDING -> OPEN | CANCELLED, OPEN -> CLOSED. Capital is allocated only
// on PENDING -> OPEN.
func (s TradeStatus) CanTransition(to TradeStatus) bool {
	switch s {
	case TradePending:
		return to == TradeOpen || to == TradeCancelled
	case TradeOpen:
		return to == TradeClosed
	default:
		return false
	}
}

// ExitReason records why an OPEN trade closed, or why a PENDING trade
// was cancelled.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitManual     ExitReason = "MANUAL"
	ExitEmergency  ExitReason = "EMERGENCY"
	ExitRisk       ExitReason = "RISK"

	// ExitOrderFailed marks a PENDING trade whose entry order never
	// filled.
	ExitOrderFailed ExitReason = "ORDER_FAILED"
)

// Trade is the logical position: one entry order plus zero or more
// management orders. TPConsumed holds the indexes of take-profit levels
// already executed for this trade.
type Trade struct {
	ID         int64           `json:"id" db:"id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Side       OrderSide       `json:"side" db:"side"`
	Qty        decimal.Decimal `json:"qty" db:"qty"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	StopLoss   decimal.Decimal `json:"stop_loss" db:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit" db:"take_profit"`
	Status     TradeStatus     `json:"status" db:"status"`
	EntryTime  time.Time       `json:"entry_time" db:"entry_time"`
	ExitTime   *time.Time      `json:"exit_time,omitempty" db:"exit_time"`
	ExitPrice  decimal.Decimal `json:"exit_price" db:"exit_price"`
	PnL        decimal.Decimal `json:"pnl" db:"pnl"`
	PnLPercent decimal.Decimal `json:"pnl_pct" db:"pnl_pct"`
	ExitReason ExitReason      `json:"exit_reason,omitempty" db:"exit_reason"`
	SignalID   string          `json:"signal_id" db:"signal_id"`
	TPConsumed []int           `json:"tp_consumed" db:"tp_consumed"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Transition validates and applies a status change.
func (t *Trade) Transition(to TradeStatus) error {
	if !t.Status.CanTransition(to) {
		return errs.Permanentf("trade %d: illegal transition %s -> %s", t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}

// TPLevelConsumed reports whether take-profit level idx already executed.
func (t *Trade) TPLevelConsumed(idx int) bool {
	for _, c := range t.TPConsumed {
		if c == idx {
			return true
		}
	}
	return false
}

// ComputePnL returns (pnl, pnlPct) for a close at exit.
// BUY: (exit-entry)*qty - fees. SELL: (entry-exit)*qty - fees.
// pnlPct = pnl / (entry*qty) * 100.
func ComputePnL(side OrderSide, entry, exit, qty, fees decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	var gross decimal.Decimal
	if side == SideBuy {
		gross = exit.Sub(entry).Mul(qty)
	} else {
		gross = entry.Sub(exit).Mul(qty)
	}
	pnl := gross.Sub(fees)
	notional := entry.Mul(qty)
	if notional.IsZero() {
		return pnl, decimal.Zero
	}
	pct := pnl.Div(notional).Mul(decimal.NewFromInt(100))
	return pnl, pct
}

// ProfitPercent returns the signed unrealized move at price, as a ratio
// (0.02 = +2%) with the side sign applied.
func ProfitPercent(side OrderSide, entry, price decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	move := price.Sub(entry).Div(entry)
	if side == SideSell {
		move = move.Neg()
	}
	return move
}
