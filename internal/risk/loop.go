// Package risk runs the periodic position management pass: trailing
// stops that only move in the position's favor, staged take-profits
// that fire once per level, and a local stop-cross failsafe for the
// case where the venue stop never landed.
package risk

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vtrpza/bingxv3/internal/config"
	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/errs"
)

// PriceSource supplies the loop's mark price. A cached ticker is fine;
// the loop tolerates a little staleness.
type PriceSource interface {
	FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error)
}

// OpenTrades supplies the read snapshot the loop walks each pass.
type OpenTrades interface {
	ListOpen(ctx context.Context) ([]domain.Trade, error)
}

// Manager is the slice of the trading engine the loop drives. All three
// calls serialize on the engine's per-symbol locks.
type Manager interface {
	ReplaceStop(ctx context.Context, tradeID int64, newStop decimal.Decimal) (*domain.Trade, error)
	PartialClose(ctx context.Context, tradeID int64, sizePct float64, level int) (*domain.Trade, error)
	ClosePosition(ctx context.Context, tradeID int64, reason domain.ExitReason) (*domain.Trade, error)
}

// Loop re-evaluates every OPEN trade on a fixed interval.
type Loop struct {
	prices      PriceSource
	trades      OpenTrades
	engine      Manager
	trailing    []config.Level
	takeProfits []config.Level
	interval    time.Duration
	log         zerolog.Logger

	busy       atomic.Bool
	cycles     uint64
	adjusted   uint64
	partials   uint64
	stopOuts   uint64
	errorCount uint64
	lastRun    int64
}

// Stats is a point-in-time snapshot of loop counters.
type Stats struct {
	Cycles        uint64    `json:"cycles"`
	StopsAdjusted uint64    `json:"stops_adjusted"`
	PartialExits  uint64    `json:"partial_exits"`
	StopOuts      uint64    `json:"stop_outs"`
	Errors        uint64    `json:"errors"`
	LastRun       time.Time `json:"last_run"`
}

// New builds the loop. Empty level lists disable that mechanism; the
// stop-cross failsafe always runs.
func New(cfg config.RiskConfig, prices PriceSource, trades OpenTrades, engine Manager, logger zerolog.Logger) (*Loop, error) {
	if prices == nil {
		return nil, errs.Validationf("risk: price source is required")
	}
	if trades == nil {
		return nil, errs.Validationf("risk: trades repo is required")
	}
	if engine == nil {
		return nil, errs.Validationf("risk: trade manager is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Loop{
		prices:      prices,
		trades:      trades,
		engine:      engine,
		trailing:    append([]config.Level(nil), cfg.TrailingStops...),
		takeProfits: append([]config.Level(nil), cfg.TakeProfits...),
		interval:    cfg.Interval,
		log:         logger.With().Str("component", "risk").Logger(),
	}, nil
}

// Run ticks RunOnce until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.log.Info().Dur("interval", l.interval).Msg("Risk loop started")
	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("Risk loop stopped")
			return nil
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// RunOnce evaluates every OPEN trade once. An overlapping pass is
// skipped, not queued; trades failing individually do not stop the
// pass.
func (l *Loop) RunOnce(ctx context.Context) {
	if !l.busy.CompareAndSwap(false, true) {
		l.log.Debug().Msg("previous risk pass still running, skipping tick")
		return
	}
	defer l.busy.Store(false)

	atomic.AddUint64(&l.cycles, 1)
	atomic.StoreInt64(&l.lastRun, time.Now().UnixNano())

	open, err := l.trades.ListOpen(ctx)
	if err != nil {
		atomic.AddUint64(&l.errorCount, 1)
		l.log.Warn().Err(err).Msg("failed to list open trades, skipping risk pass")
		return
	}

	for i := range open {
		if ctx.Err() != nil {
			return
		}
		t := open[i]
		if t.Status != domain.TradeOpen {
			continue
		}
		if err := l.evaluate(ctx, &t); err != nil {
			atomic.AddUint64(&l.errorCount, 1)
			l.log.Warn().Err(err).
				Int64("trade", t.ID).
				Str("symbol", t.Symbol).
				Msg("risk evaluation failed")
		}
	}
}

// evaluate runs the three mechanisms against one trade: trailing stop,
// staged take-profits, then the stop-cross failsafe. A failure in an
// earlier step never skips the failsafe.
func (l *Loop) evaluate(ctx context.Context, t *domain.Trade) error {
	ticker, err := l.prices.FetchTicker(ctx, t.Symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch price for %s: %w", t.Symbol, err)
	}
	price := ticker.Last
	if !price.IsPositive() {
		return errs.Transientf("no live price for %s", t.Symbol)
	}

	profit := domain.ProfitPercent(t.Side, t.EntryPrice, price)
	var firstErr error

	if stop, ok := trailingStop(t, profit, l.trailing); ok {
		updated, err := l.engine.ReplaceStop(ctx, t.ID, stop)
		if err != nil {
			firstErr = err
		} else {
			atomic.AddUint64(&l.adjusted, 1)
			t = updated
		}
	}

	t, err = l.applyTakeProfits(ctx, t, profit)
	if err != nil && firstErr == nil {
		firstErr = err
	}

	if stopCrossed(t.Side, price, t.StopLoss) {
		if _, err := l.engine.ClosePosition(ctx, t.ID, domain.ExitStopLoss); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			atomic.AddUint64(&l.stopOuts, 1)
			l.log.Warn().
				Int64("trade", t.ID).
				Str("symbol", t.Symbol).
				Str("price", price.String()).
				Str("stop", t.StopLoss.String()).
				Msg("price crossed local stop, position closed")
		}
	}
	return firstErr
}

// applyTakeProfits fires every configured level profit has reached and
// the trade has not consumed yet, lowest first. Each execution reduces
// the quantity the next one sees.
func (l *Loop) applyTakeProfits(ctx context.Context, t *domain.Trade, profit decimal.Decimal) (*domain.Trade, error) {
	for i, lvl := range l.takeProfits {
		if profit.LessThan(decimal.NewFromFloat(lvl.At)) {
			continue
		}
		if t.TPLevelConsumed(i) {
			continue
		}
		updated, err := l.engine.PartialClose(ctx, t.ID, lvl.Value, i)
		if err != nil {
			return t, err
		}
		atomic.AddUint64(&l.partials, 1)
		t = updated
	}
	return t, nil
}

// Stats snapshots the loop counters.
func (l *Loop) Stats() Stats {
	var last time.Time
	if nanos := atomic.LoadInt64(&l.lastRun); nanos > 0 {
		last = time.Unix(0, nanos).UTC()
	}
	return Stats{
		Cycles:        atomic.LoadUint64(&l.cycles),
		StopsAdjusted: atomic.LoadUint64(&l.adjusted),
		PartialExits:  atomic.LoadUint64(&l.partials),
		StopOuts:      atomic.LoadUint64(&l.stopOuts),
		Errors:        atomic.LoadUint64(&l.errorCount),
		LastRun:       last,
	}
}

// trailingStop returns the stop implied by the highest trailing trigger
// profit has reached, and whether it strictly improves on the current
// stop. BUY stops only ratchet up, SELL stops only ratchet down.
func trailingStop(t *domain.Trade, profit decimal.Decimal, levels []config.Level) (decimal.Decimal, bool) {
	best := -1
	for i, lvl := range levels {
		if profit.GreaterThanOrEqual(decimal.NewFromFloat(lvl.At)) {
			if best < 0 || lvl.At > levels[best].At {
				best = i
			}
		}
	}
	if best < 0 {
		return decimal.Decimal{}, false
	}

	pct := decimal.NewFromFloat(levels[best].Value)
	one := decimal.NewFromInt(1)
	if t.Side == domain.SideBuy {
		stop := t.EntryPrice.Mul(one.Add(pct))
		if t.StopLoss.IsPositive() && !stop.GreaterThan(t.StopLoss) {
			return decimal.Decimal{}, false
		}
		return stop, true
	}
	stop := t.EntryPrice.Mul(one.Sub(pct))
	if t.StopLoss.IsPositive() && !stop.LessThan(t.StopLoss) {
		return decimal.Decimal{}, false
	}
	return stop, true
}

// stopCrossed reports whether price breached the stored stop. A zero
// stop means the trade carries none.
func stopCrossed(side domain.OrderSide, price, stop decimal.Decimal) bool {
	if !stop.IsPositive() {
		return false
	}
	if side == domain.SideBuy {
		return price.LessThanOrEqual(stop)
	}
	return price.GreaterThanOrEqual(stop)
}
