// Package domain holds the entity types shared across the pipeline:
// symbols, candles, tickers, assets, indicator sets, signals, trades and
// orders. Prices and sizes are decimals end to end; binary floats appear
// only in scores, confidences and utilization ratios.
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vtrpza/bingxv3/internal/errs"
)

// QuoteAsset is the only quote currency the bot trades against.
const QuoteAsset = "USDT"

// Timeframe is a candle aggregation interval.
type Timeframe string

const (
	Timeframe1m Timeframe = "1m"
	Timeframe2h Timeframe = "2h"
	Timeframe4h Timeframe = "4h"
	Timeframe1d Timeframe = "1d"
)

// Duration returns the wall-clock span of one candle.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe2h:
		return 2 * time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether tf is one of the supported intervals.
func (tf Timeframe) Valid() bool {
	switch tf {
	case Timeframe1m, Timeframe2h, Timeframe4h, Timeframe1d:
		return true
	}
	return false
}

// ValidateSymbol checks the BASE/USDT shape. Base must be non-empty
// uppercase alphanumeric; quote must be USDT.
func ValidateSymbol(symbol string) error {
	base, quote, ok := strings.Cut(symbol, "/")
	if !ok || base == "" || quote != QuoteAsset {
		return errs.Validationf("symbol %q is not BASE/%s", symbol, QuoteAsset)
	}
	for _, r := range base {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return errs.Validationf("symbol %q has invalid base %q", symbol, base)
		}
	}
	return nil
}

// BaseAsset returns the BASE part of BASE/QUOTE, or "" if malformed.
func BaseAsset(symbol string) string {
	base, _, ok := strings.Cut(symbol, "/")
	if !ok {
		return ""
	}
	return base
}

// Asset is a validated market the selector admitted at least once. Assets
// are never deleted; failed revalidation flips IsValid off.
type Asset struct {
	ID             int64           `json:"id" db:"id"`
	Symbol         string          `json:"symbol" db:"symbol"`
	IsValid        bool            `json:"is_valid" db:"is_valid"`
	MinOrderSize   decimal.Decimal `json:"min_order_size" db:"min_order_size"`
	QtyPrecision   int32           `json:"qty_precision" db:"qty_precision"`
	LastValidation time.Time       `json:"last_validation" db:"last_validation"`
	ValidationBlob []byte          `json:"-" db:"validation_blob"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Candle is one immutable OHLCV bar keyed by (symbol, timeframe, open time).
type Candle struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Timeframe Timeframe       `json:"timeframe" db:"timeframe"`
	OpenTime  time.Time       `json:"t_open" db:"t_open"`
	Open      decimal.Decimal `json:"o" db:"o"`
	High      decimal.Decimal `json:"h" db:"h"`
	Low       decimal.Decimal `json:"l" db:"l"`
	Close     decimal.Decimal `json:"c" db:"c"`
	Volume    decimal.Decimal `json:"v" db:"v"`
}

// Validate enforces l <= min(o,c) <= max(o,c) <= h and v >= 0.
func (c Candle) Validate() error {
	lo := decimal.Min(c.Open, c.Close)
	hi := decimal.Max(c.Open, c.Close)
	if c.Low.GreaterThan(lo) || hi.GreaterThan(c.High) {
		return errs.Validationf("candle %s %s @%s violates l<=min(o,c)<=max(o,c)<=h",
			c.Symbol, c.Timeframe, c.OpenTime.Format(time.RFC3339))
	}
	if c.Volume.IsNegative() {
		return errs.Validationf("candle %s %s @%s has negative volume",
			c.Symbol, c.Timeframe, c.OpenTime.Format(time.RFC3339))
	}
	return nil
}

// Ticker is a point-in-time market snapshot for one symbol.
type Ticker struct {
	Symbol      string          `json:"symbol"`
	Last        decimal.Decimal `json:"last"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	High24h     decimal.Decimal `json:"high_24h"`
	Low24h      decimal.Decimal `json:"low_24h"`
	QuoteVolume decimal.Decimal `json:"quote_volume_24h"`
	At          time.Time       `json:"at"`
}

// Market is exchange-reported metadata for a tradable pair.
type Market struct {
	Symbol       string          `json:"symbol"`
	Status       string          `json:"status"`
	MinNotional  decimal.Decimal `json:"min_notional"`
	MinQty       decimal.Decimal `json:"min_qty"`
	QtyPrecision int32           `json:"qty_precision"`
	TickSize     decimal.Decimal `json:"tick_size"`
}

// Balance is the free/locked holding of one asset.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// OrderBookLevel is one price level of an order book side.
type OrderBookLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// OrderBook is a depth snapshot, bids descending and asks ascending.
type OrderBook struct {
	Symbol string           `json:"symbol"`
	Bids   []OrderBookLevel `json:"bids"`
	Asks   []OrderBookLevel `json:"asks"`
	At     time.Time        `json:"at"`
}

// IndicatorSet carries the derived values for one (symbol, timeframe, t).
type IndicatorSet struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Timeframe Timeframe       `json:"timeframe" db:"timeframe"`
	At        time.Time       `json:"t" db:"t"`
	MM1       decimal.Decimal `json:"mm1" db:"mm1"`
	Center    decimal.Decimal `json:"center" db:"center"`
	RSI       decimal.Decimal `json:"rsi" db:"rsi"`
	VolumeSMA decimal.Decimal `json:"volume_sma" db:"volume_sma"`
}
