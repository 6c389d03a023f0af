// Package trading turns signals into positions. The engine consumes the
// signal bus, applies the active Policy and the account risk limits,
// sizes orders against the free USDT balance and walks each trade
// through its state machine: PENDING on intake, OPEN once the venue
// fills the entry, CLOSED or CANCELLED on the way out. The PENDING row
// is durable before any order leaves the process, so a crash can leave
// a stale PENDING behind but never an untracked fill that looks healthy.
package trading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vtrpza/bingxv3/internal/bus"
	"github.com/vtrpza/bingxv3/internal/config"
	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/errs"
	"github.com/vtrpza/bingxv3/internal/exchange"
	"github.com/vtrpza/bingxv3/internal/store"
	"github.com/vtrpza/bingxv3/internal/stream"
)

// Admission rejects. HandleSignal returns one of these when a signal is
// turned away before any capital moves; callers can errors.Is against
// them to tell a reject from an operational failure.
var (
	ErrTradingDisabled   = errors.New("trading is disabled")
	ErrEmergencyStop     = errors.New("emergency stop is active")
	ErrBelowThreshold    = errors.New("signal strength below policy threshold")
	ErrMaxConcurrent     = errors.New("max concurrent trades reached")
	ErrDuplicatePosition = errors.New("symbol already has an active trade")
	ErrAssetNotTradable  = errors.New("asset is not tradable")
	ErrOrderTooSmall     = errors.New("order size below minimum")
)

// Deps carries the engine's collaborators. Broadcaster may be nil.
type Deps struct {
	Exchange    exchange.Exchange
	Store       store.Store
	Bus         *bus.Bus
	Broadcaster stream.Broadcaster
	Logger      zerolog.Logger
}

// Engine owns position lifecycle. All mutating entry points serialize
// per symbol, so a risk-loop stop adjustment can never interleave with
// an opening entry on the same market.
type Engine struct {
	exchange    exchange.Exchange
	store       store.Store
	bus         *bus.Bus
	policy      Policy
	cfg         config.TradingConfig
	broadcaster stream.Broadcaster
	log         zerolog.Logger

	enabled   atomic.Bool
	emergency atomic.Bool

	mu        sync.Mutex
	positions map[string]int64 // symbol -> open trade ID
	symLocks  map[string]*sync.Mutex

	consumed  uint64
	opened    uint64
	rejected  uint64
	cancelled uint64
	closed    uint64
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Policy        string   `json:"policy"`
	Enabled       bool     `json:"enabled"`
	Emergency     bool     `json:"emergency"`
	OpenPositions int      `json:"open_positions"`
	Symbols       []string `json:"symbols"`
	Opened        uint64   `json:"trades_opened"`
	Closed        uint64   `json:"trades_closed"`
	Cancelled     uint64   `json:"trades_cancelled"`
	Consumed      uint64   `json:"signals_consumed"`
	Rejected      uint64   `json:"signals_rejected"`
}

type stopAdjustment struct {
	TradeID int64           `json:"trade_id"`
	Symbol  string          `json:"symbol"`
	Old     decimal.Decimal `json:"old_stop"`
	New     decimal.Decimal `json:"new_stop"`
}

type takeProfitExecution struct {
	TradeID  int64           `json:"trade_id"`
	Symbol   string          `json:"symbol"`
	Level    int             `json:"level"`
	Qty      decimal.Decimal `json:"qty"`
	Price    decimal.Decimal `json:"price"`
	Realized decimal.Decimal `json:"realized_pnl"`
}

// New builds an engine. The policy decides which signals are worth
// trading; cfg sets the account-level limits.
func New(cfg config.TradingConfig, policy Policy, deps Deps) (*Engine, error) {
	if deps.Exchange == nil {
		return nil, errs.Validationf("trading: exchange is required")
	}
	if deps.Store == nil {
		return nil, errs.Validationf("trading: store is required")
	}
	if deps.Bus == nil {
		return nil, errs.Validationf("trading: bus is required")
	}
	if policy == nil {
		return nil, errs.Validationf("trading: policy is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.MaxPositionPct <= 0 {
		cfg.MaxPositionPct = 0.05
	}
	if cfg.MinOrderSizeUSDT <= 0 {
		cfg.MinOrderSizeUSDT = 10
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = stream.Nop{}
	}

	e := &Engine{
		exchange:    deps.Exchange,
		store:       deps.Store,
		bus:         deps.Bus,
		policy:      policy,
		cfg:         cfg,
		broadcaster: deps.Broadcaster,
		log:         deps.Logger.With().Str("component", "trading").Logger(),
		positions:   make(map[string]int64),
		symLocks:    make(map[string]*sync.Mutex),
	}
	e.enabled.Store(cfg.Enabled)
	e.emergency.Store(cfg.EmergencyStop)
	return e, nil
}

// Run reconciles open positions from the store, then consumes signals
// until ctx is cancelled. Signals are applied sequentially in emission
// order.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile open trades: %w", err)
	}

	ch, unsubscribe := e.bus.Subscribe("trading", 256)
	defer unsubscribe()

	e.log.Info().
		Str("policy", e.policy.Name()).
		Bool("enabled", e.enabled.Load()).
		Int("max_concurrent", e.cfg.MaxConcurrent).
		Msg("Trading engine started")

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("Trading engine stopped")
			return nil
		case sig, ok := <-ch:
			if !ok {
				e.log.Info().Msg("Signal bus closed, trading engine stopping")
				return nil
			}
			if _, err := e.HandleSignal(ctx, sig); err != nil && !isReject(err) {
				e.log.Error().Err(err).
					Str("signal", sig.ID).
					Str("symbol", sig.Symbol).
					Msg("signal handling failed")
			}
		}
	}
}

// Reconcile rebuilds the in-memory position map from the store. Trades
// stuck PENDING from a previous run never reached OPEN in that session;
// they are cancelled and flagged for manual review, since an entry
// order may have filled on the venue without being recorded.
func (e *Engine) Reconcile(ctx context.Context) error {
	open, err := e.store.Repos().Trades.ListOpen(ctx)
	if err != nil {
		return err
	}

	positions := make(map[string]int64, len(open))
	for i := range open {
		t := open[i]
		switch t.Status {
		case domain.TradeOpen:
			positions[t.Symbol] = t.ID
		case domain.TradePending:
			if err := t.Transition(domain.TradeCancelled); err != nil {
				continue
			}
			t.ExitReason = domain.ExitOrderFailed
			if err := e.store.Repos().Trades.Update(ctx, &t); err != nil {
				e.log.Error().Err(err).Int64("trade", t.ID).Msg("failed to cancel stale pending trade")
				continue
			}
			e.log.Warn().
				Int64("trade", t.ID).
				Str("symbol", t.Symbol).
				Msg("cancelled stale pending trade from previous run; verify venue order history")
		}
	}

	e.mu.Lock()
	e.positions = positions
	e.mu.Unlock()

	if len(positions) > 0 {
		e.log.Info().Int("open", len(positions)).Msg("reconciled open positions")
	}
	return nil
}

// HandleSignal runs the intake pipeline for one signal: validate, admit
// against limits, size against the free balance, persist PENDING, place
// the entry order and open the trade. It returns the opened trade, or a
// nil trade with one of the Err* sentinels when the signal is rejected
// before any capital moves. A market-order failure after the PENDING
// row exists cancels the trade with reason ORDER_FAILED.
func (e *Engine) HandleSignal(ctx context.Context, sig domain.Signal) (*domain.Trade, error) {
	if err := domain.ValidateSymbol(sig.Symbol); err != nil {
		e.reject(ctx, sig, err)
		return nil, err
	}
	side := sig.Kind.Side()
	if side == "" {
		err := errs.Validationf("signal %s has no tradable direction", sig.ID)
		e.reject(ctx, sig, err)
		return nil, err
	}
	if !e.policy.ShouldTrade(sig) {
		e.reject(ctx, sig, ErrBelowThreshold)
		return nil, ErrBelowThreshold
	}

	lock := e.symbolLock(sig.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if err := e.admit(ctx, sig.Symbol); err != nil {
		e.reject(ctx, sig, err)
		return nil, err
	}
	asset, err := e.tradableAsset(ctx, sig.Symbol)
	if err != nil {
		e.reject(ctx, sig, err)
		return nil, err
	}
	sz, err := e.size(ctx, sig.Symbol, side, asset)
	if err != nil {
		e.reject(ctx, sig, err)
		return nil, err
	}

	return e.open(ctx, sig, side, sz)
}

// admit applies the account-level gates that need no market data.
func (e *Engine) admit(ctx context.Context, symbol string) error {
	if e.emergency.Load() {
		return ErrEmergencyStop
	}
	if !e.enabled.Load() {
		return ErrTradingDisabled
	}

	e.mu.Lock()
	_, dup := e.positions[symbol]
	held := len(e.positions)
	e.mu.Unlock()
	if dup {
		return ErrDuplicatePosition
	}
	if held >= e.cfg.MaxConcurrent {
		return ErrMaxConcurrent
	}

	// The store count also covers PENDING rows and anything opened
	// outside this process.
	active, err := e.store.Repos().Trades.CountActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to count active trades: %w", err)
	}
	if active >= e.cfg.MaxConcurrent {
		return ErrMaxConcurrent
	}
	return nil
}

func (e *Engine) tradableAsset(ctx context.Context, symbol string) (*domain.Asset, error) {
	asset, err := e.store.Repos().Assets.Get(ctx, symbol)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAssetNotTradable
		}
		return nil, fmt.Errorf("failed to load asset %s: %w", symbol, err)
	}
	if !asset.IsValid {
		return nil, ErrAssetNotTradable
	}
	return asset, nil
}

type sizing struct {
	price decimal.Decimal
	qty   decimal.Decimal
	stop  decimal.Decimal
}

// size allocates MaxPositionPct of the free quote balance at the live
// price, floored to the asset's quantity precision. Both the venue
// minimum and the configured USDT floor must hold after rounding.
func (e *Engine) size(ctx context.Context, symbol string, side domain.OrderSide, asset *domain.Asset) (sizing, error) {
	ticker, err := e.exchange.FetchTicker(ctx, symbol)
	if err != nil {
		return sizing{}, fmt.Errorf("failed to fetch ticker for %s: %w", symbol, err)
	}
	price := ticker.Last
	if !price.IsPositive() {
		return sizing{}, errs.Validationf("no live price for %s", symbol)
	}

	balances, err := e.exchange.FetchBalance(ctx)
	if err != nil {
		return sizing{}, fmt.Errorf("failed to fetch balance: %w", err)
	}
	free := balances[domain.QuoteAsset].Free

	budget := free.Mul(decimal.NewFromFloat(e.cfg.MaxPositionPct))
	qty := budget.Div(price).RoundDown(asset.QtyPrecision)
	if !qty.IsPositive() {
		return sizing{}, ErrOrderTooSmall
	}
	notional := qty.Mul(price)
	if notional.LessThan(decimal.NewFromFloat(e.cfg.MinOrderSizeUSDT)) || notional.LessThan(asset.MinOrderSize) {
		return sizing{}, ErrOrderTooSmall
	}

	return sizing{
		price: price,
		qty:   qty,
		stop:  initialStop(side, price, e.policy.InitialStopPercent()),
	}, nil
}

// initialStop puts the protective stop below a BUY entry and above a
// SELL entry.
func initialStop(side domain.OrderSide, entry, pct decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == domain.SideBuy {
		return entry.Mul(one.Sub(pct))
	}
	return entry.Mul(one.Add(pct))
}

// open persists the PENDING trade, places the entry order and promotes
// the trade to OPEN together with its order row in one transaction.
func (e *Engine) open(ctx context.Context, sig domain.Signal, side domain.OrderSide, sz sizing) (*domain.Trade, error) {
	repos := e.store.Repos()

	trade := &domain.Trade{
		Symbol:     sig.Symbol,
		Side:       side,
		Qty:        sz.qty,
		EntryPrice: sz.price,
		StopLoss:   sz.stop,
		Status:     domain.TradePending,
		EntryTime:  time.Now().UTC(),
		SignalID:   sig.ID,
	}
	if err := repos.Trades.Create(ctx, trade); err != nil {
		if errors.Is(err, store.ErrConflict) {
			e.reject(ctx, sig, ErrDuplicatePosition)
			return nil, ErrDuplicatePosition
		}
		e.reject(ctx, sig, err)
		return nil, fmt.Errorf("failed to persist pending trade for %s: %w", sig.Symbol, err)
	}
	e.consumeSignal(ctx, sig)

	res, err := e.exchange.CreateMarketOrder(ctx, sig.Symbol, side, sz.qty)
	if err != nil {
		e.cancel(ctx, trade, err)
		return nil, fmt.Errorf("failed to place entry order for %s: %w", sig.Symbol, err)
	}

	entry, qty := sz.price, sz.qty
	if res.AvgPrice.IsPositive() {
		entry = res.AvgPrice
	}
	if res.FilledQty.IsPositive() {
		qty = res.FilledQty
	}

	opened := *trade
	opened.EntryPrice = entry
	opened.Qty = qty
	opened.StopLoss = initialStop(side, entry, e.policy.InitialStopPercent())
	if err := opened.Transition(domain.TradeOpen); err != nil {
		return nil, err
	}

	err = e.store.WithTx(ctx, func(ctx context.Context, r *store.Repository) error {
		if err := r.Trades.Update(ctx, &opened); err != nil {
			return err
		}
		return r.Orders.Create(ctx, &domain.Order{
			TradeID:         opened.ID,
			ExchangeOrderID: res.ExchangeOrderID,
			Type:            domain.OrderMarket,
			Side:            side,
			Qty:             sz.qty,
			Price:           entry,
			Status:          res.Status,
			FilledQty:       res.FilledQty,
			AvgPrice:        res.AvgPrice,
			Fees:            res.Fee,
		})
	})
	if err != nil {
		// The fill exists on the venue but never reached the store. Leave
		// the row PENDING for operator reconciliation rather than invent
		// state.
		e.log.Error().Err(err).
			Int64("trade", trade.ID).
			Str("exchange_order_id", res.ExchangeOrderID).
			Msg("entry filled but trade could not be opened in store")
		return nil, fmt.Errorf("failed to open trade %d: %w", trade.ID, err)
	}
	*trade = opened

	e.registerPosition(trade.Symbol, trade.ID)
	atomic.AddUint64(&e.opened, 1)

	e.placeStop(ctx, trade)

	e.broadcaster.Broadcast(stream.NewEvent(stream.EventTradeOpened, trade))
	e.log.Info().
		Int64("trade", trade.ID).
		Str("symbol", trade.Symbol).
		Str("side", string(side)).
		Str("qty", trade.Qty.String()).
		Str("entry", trade.EntryPrice.String()).
		Str("stop", trade.StopLoss.String()).
		Str("signal", sig.ID).
		Msg("trade opened")
	return trade, nil
}

// placeStop parks the protective stop on the venue. Failure keeps the
// trade open: the risk loop's local stop-cross check is the fallback.
func (e *Engine) placeStop(ctx context.Context, t *domain.Trade) {
	res, err := e.exchange.CreateStopLossOrder(ctx, t.Symbol, t.Side.Opposite(), t.Qty, t.StopLoss)
	if err != nil {
		e.log.Warn().Err(err).
			Int64("trade", t.ID).
			Str("symbol", t.Symbol).
			Msg("stop-loss placement failed, local stop check takes over")
		return
	}
	e.recordOrder(ctx, &domain.Order{
		TradeID:         t.ID,
		ExchangeOrderID: res.ExchangeOrderID,
		Type:            domain.OrderStopLoss,
		Side:            t.Side.Opposite(),
		Qty:             t.Qty,
		Price:           t.StopLoss,
		Status:          res.Status,
	})
}

// cancel voids a PENDING trade whose entry order never filled.
func (e *Engine) cancel(ctx context.Context, t *domain.Trade, cause error) {
	if err := t.Transition(domain.TradeCancelled); err != nil {
		e.log.Error().Err(err).Int64("trade", t.ID).Msg("cannot cancel trade")
		return
	}
	t.ExitReason = domain.ExitOrderFailed
	atomic.AddUint64(&e.cancelled, 1)
	if err := e.store.Repos().Trades.Update(ctx, t); err != nil {
		e.log.Error().Err(err).Int64("trade", t.ID).Msg("failed to mark trade cancelled")
	}
	e.log.Warn().Err(cause).
		Int64("trade", t.ID).
		Str("symbol", t.Symbol).
		Msg("trade cancelled, entry order failed")
}

// ClosePosition exits an OPEN trade at market and records the close.
// The resting stop order is cancelled first so it cannot fire against a
// position that no longer exists.
func (e *Engine) ClosePosition(ctx context.Context, tradeID int64, reason domain.ExitReason) (*domain.Trade, error) {
	repos := e.store.Repos()
	t, err := repos.Trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	lock := e.symbolLock(t.Symbol)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent close may have won.
	t, err = repos.Trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TradeOpen {
		return nil, fmt.Errorf("trade %d is %s: %w", tradeID, t.Status, store.ErrConflict)
	}

	e.cancelRestingStop(ctx, t)

	res, err := e.exchange.CreateMarketOrder(ctx, t.Symbol, t.Side.Opposite(), t.Qty)
	if err != nil {
		return nil, fmt.Errorf("failed to close %s at market: %w", t.Symbol, err)
	}
	exit := e.fillPrice(ctx, t, res)

	closed, err := repos.Trades.Close(ctx, tradeID, exit, reason, res.Fee)
	if err != nil {
		e.log.Error().Err(err).
			Int64("trade", tradeID).
			Str("exchange_order_id", res.ExchangeOrderID).
			Msg("exit filled but trade could not be closed in store")
		return nil, err
	}

	e.recordOrder(ctx, &domain.Order{
		TradeID:         tradeID,
		ExchangeOrderID: res.ExchangeOrderID,
		Type:            domain.OrderMarket,
		Side:            t.Side.Opposite(),
		Qty:             t.Qty,
		Price:           exit,
		Status:          res.Status,
		FilledQty:       res.FilledQty,
		AvgPrice:        res.AvgPrice,
		Fees:            res.Fee,
	})

	e.unregisterPosition(closed.Symbol)
	atomic.AddUint64(&e.closed, 1)

	e.broadcaster.Broadcast(stream.NewEvent(stream.EventTradeClosed, closed))
	e.log.Info().
		Int64("trade", closed.ID).
		Str("symbol", closed.Symbol).
		Str("reason", string(reason)).
		Str("exit", closed.ExitPrice.String()).
		Str("pnl", closed.PnL.String()).
		Msg("trade closed")
	return closed, nil
}

// PartialClose exits sizePct of an OPEN trade at market, folds the
// realized pnl into the remaining position and marks the take-profit
// level consumed. The resting stop is re-placed for the new quantity.
// Calling it again for an already consumed level is a no-op.
func (e *Engine) PartialClose(ctx context.Context, tradeID int64, sizePct float64, level int) (*domain.Trade, error) {
	if sizePct <= 0 || sizePct >= 1 {
		return nil, errs.Validationf("partial close size %v must be in (0, 1)", sizePct)
	}
	repos := e.store.Repos()
	t, err := repos.Trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	lock := e.symbolLock(t.Symbol)
	lock.Lock()
	defer lock.Unlock()

	t, err = repos.Trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TradeOpen {
		return nil, fmt.Errorf("trade %d is %s: %w", tradeID, t.Status, store.ErrConflict)
	}
	if t.TPLevelConsumed(level) {
		return t, nil
	}

	closeQty := t.Qty.Mul(decimal.NewFromFloat(sizePct))
	if asset, aerr := repos.Assets.Get(ctx, t.Symbol); aerr == nil {
		closeQty = closeQty.RoundDown(asset.QtyPrecision)
	}
	if !closeQty.IsPositive() || closeQty.GreaterThanOrEqual(t.Qty) {
		return nil, errs.Validationf("partial close of trade %d computes to %s of %s", tradeID, closeQty, t.Qty)
	}

	res, err := e.exchange.CreateMarketOrder(ctx, t.Symbol, t.Side.Opposite(), closeQty)
	if err != nil {
		return nil, fmt.Errorf("failed to take profit on %s: %w", t.Symbol, err)
	}
	exit := e.fillPrice(ctx, t, res)
	realized, _ := domain.ComputePnL(t.Side, t.EntryPrice, exit, closeQty, res.Fee)

	t.Qty = t.Qty.Sub(closeQty)
	t.PnL = t.PnL.Add(realized)
	t.TPConsumed = append(t.TPConsumed, level)
	if err := repos.Trades.Update(ctx, t); err != nil {
		e.log.Error().Err(err).
			Int64("trade", tradeID).
			Str("exchange_order_id", res.ExchangeOrderID).
			Msg("partial exit filled but trade could not be updated in store")
		return nil, err
	}

	e.recordOrder(ctx, &domain.Order{
		TradeID:         tradeID,
		ExchangeOrderID: res.ExchangeOrderID,
		Type:            domain.OrderTakeProfit,
		Side:            t.Side.Opposite(),
		Qty:             closeQty,
		Price:           exit,
		Status:          res.Status,
		FilledQty:       res.FilledQty,
		AvgPrice:        res.AvgPrice,
		Fees:            res.Fee,
	})

	// The venue stop still covers the original quantity; swap it for one
	// matching the remainder.
	e.cancelRestingStop(ctx, t)
	e.placeStop(ctx, t)

	e.broadcaster.Broadcast(stream.NewEvent(stream.EventTakeProfit, takeProfitExecution{
		TradeID:  t.ID,
		Symbol:   t.Symbol,
		Level:    level,
		Qty:      closeQty,
		Price:    exit,
		Realized: realized,
	}))
	e.log.Info().
		Int64("trade", t.ID).
		Str("symbol", t.Symbol).
		Int("level", level).
		Str("qty", closeQty.String()).
		Str("realized", realized.String()).
		Msg("take-profit executed")
	return t, nil
}

// ReplaceStop moves the protective stop to newStop. The caller owns
// monotonicity; the engine swaps the venue order and records the move.
func (e *Engine) ReplaceStop(ctx context.Context, tradeID int64, newStop decimal.Decimal) (*domain.Trade, error) {
	repos := e.store.Repos()
	t, err := repos.Trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	lock := e.symbolLock(t.Symbol)
	lock.Lock()
	defer lock.Unlock()

	t, err = repos.Trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TradeOpen {
		return nil, fmt.Errorf("trade %d is %s: %w", tradeID, t.Status, store.ErrConflict)
	}

	old := t.StopLoss
	e.cancelRestingStop(ctx, t)
	t.StopLoss = newStop
	if err := repos.Trades.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to persist stop for trade %d: %w", tradeID, err)
	}
	e.placeStop(ctx, t)

	e.broadcaster.Broadcast(stream.NewEvent(stream.EventStopAdjusted, stopAdjustment{
		TradeID: t.ID,
		Symbol:  t.Symbol,
		Old:     old,
		New:     newStop,
	}))
	e.log.Info().
		Int64("trade", t.ID).
		Str("symbol", t.Symbol).
		Str("old", old.String()).
		Str("new", newStop.String()).
		Msg("stop adjusted")
	return t, nil
}

// EmergencyStopAll flips the kill switch and liquidates everything: new
// intake is refused, every OPEN trade is closed at market and stale
// PENDING rows are cancelled. Partial success is reported per symbol,
// not rolled back.
func (e *Engine) EmergencyStopAll(ctx context.Context) []SymbolOutcome {
	e.emergency.Store(true)
	e.enabled.Store(false)
	e.broadcaster.Broadcast(stream.NewEvent(stream.EventEmergency, map[string]string{"state": "engaged"}))
	e.log.Warn().Msg("EMERGENCY STOP engaged, liquidating all positions")

	open, err := e.store.Repos().Trades.ListOpen(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to list open trades for emergency stop")
		return []SymbolOutcome{{Error: fmt.Sprintf("list open trades: %v", err)}}
	}

	outcomes := make([]SymbolOutcome, 0, len(open))
	for i := range open {
		t := open[i]
		out := SymbolOutcome{Symbol: t.Symbol, TradeID: t.ID}
		switch t.Status {
		case domain.TradeOpen:
			if _, cerr := e.ClosePosition(ctx, t.ID, domain.ExitEmergency); cerr != nil {
				out.Error = cerr.Error()
			} else {
				out.Closed = true
			}
		case domain.TradePending:
			closedOut, verr := e.voidPending(ctx, t.ID)
			out.Closed = closedOut
			if verr != nil {
				out.Error = verr.Error()
			}
		}
		outcomes = append(outcomes, out)
	}

	e.mu.Lock()
	e.positions = make(map[string]int64)
	e.mu.Unlock()

	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}
	}
	e.log.Warn().
		Int("total", len(outcomes)).
		Int("failed", failed).
		Msg("emergency liquidation finished")
	return outcomes
}

// SymbolOutcome reports one trade's result during an emergency stop.
type SymbolOutcome struct {
	Symbol  string `json:"symbol"`
	TradeID int64  `json:"trade_id"`
	Closed  bool   `json:"closed"`
	Error   string `json:"error,omitempty"`
}

// voidPending cancels a trade that is still PENDING once its symbol
// lock frees. If the in-flight open finished meanwhile the trade is
// closed like any other.
func (e *Engine) voidPending(ctx context.Context, tradeID int64) (bool, error) {
	repos := e.store.Repos()
	t, err := repos.Trades.Get(ctx, tradeID)
	if err != nil {
		return false, err
	}

	lock := e.symbolLock(t.Symbol)
	lock.Lock()
	t, err = repos.Trades.Get(ctx, tradeID)
	if err != nil {
		lock.Unlock()
		return false, err
	}
	if t.Status == domain.TradePending {
		e.cancel(ctx, t, ErrEmergencyStop)
		lock.Unlock()
		return true, nil
	}
	lock.Unlock()

	if t.Status == domain.TradeOpen {
		_, err := e.ClosePosition(ctx, tradeID, domain.ExitEmergency)
		return err == nil, err
	}
	return true, nil
}

// SetEnabled pauses or resumes signal intake. It does not touch open
// positions and cannot clear an emergency stop.
func (e *Engine) SetEnabled(on bool) {
	e.enabled.Store(on)
	e.log.Info().Bool("enabled", on).Msg("trading intake toggled")
}

// Enabled reports whether new signals are being accepted.
func (e *Engine) Enabled() bool { return e.enabled.Load() && !e.emergency.Load() }

// Emergency reports whether the kill switch is engaged.
func (e *Engine) Emergency() bool { return e.emergency.Load() }

// Stats snapshots the engine counters and open position set.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	symbols := make([]string, 0, len(e.positions))
	for s := range e.positions {
		symbols = append(symbols, s)
	}
	e.mu.Unlock()
	sort.Strings(symbols)

	return Stats{
		Policy:        e.policy.Name(),
		Enabled:       e.enabled.Load(),
		Emergency:     e.emergency.Load(),
		OpenPositions: len(symbols),
		Symbols:       symbols,
		Opened:        atomic.LoadUint64(&e.opened),
		Closed:        atomic.LoadUint64(&e.closed),
		Cancelled:     atomic.LoadUint64(&e.cancelled),
		Consumed:      atomic.LoadUint64(&e.consumed),
		Rejected:      atomic.LoadUint64(&e.rejected),
	}
}

// cancelRestingStop pulls the newest stop order off the venue if one is
// still working. Best effort: a stop that cannot be cancelled is logged
// and left to the venue.
func (e *Engine) cancelRestingStop(ctx context.Context, t *domain.Trade) {
	stop, err := e.store.Repos().Orders.LatestByType(ctx, t.ID, domain.OrderStopLoss)
	if err != nil {
		e.log.Warn().Err(err).Int64("trade", t.ID).Msg("failed to look up resting stop")
		return
	}
	if stop == nil || stop.ExchangeOrderID == "" {
		return
	}
	if stop.Status == domain.OrderCancelled || stop.Status == domain.OrderFilled || stop.Status == domain.OrderRejected {
		return
	}
	if err := e.exchange.CancelOrder(ctx, t.Symbol, stop.ExchangeOrderID); err != nil {
		e.log.Warn().Err(err).
			Int64("trade", t.ID).
			Str("exchange_order_id", stop.ExchangeOrderID).
			Msg("failed to cancel resting stop")
		return
	}
	if err := e.store.Repos().Orders.UpdateStatus(ctx, stop.ID, domain.OrderCancelled, stop.FilledQty, stop.AvgPrice, stop.Fees); err != nil {
		e.log.Warn().Err(err).Int64("order", stop.ID).Msg("failed to record stop cancellation")
	}
}

// fillPrice extracts the executed price from an order result, falling
// back to the live ticker and finally the entry price.
func (e *Engine) fillPrice(ctx context.Context, t *domain.Trade, res exchange.OrderResult) decimal.Decimal {
	if res.AvgPrice.IsPositive() {
		return res.AvgPrice
	}
	if ticker, err := e.exchange.FetchTicker(ctx, t.Symbol); err == nil && ticker.Last.IsPositive() {
		return ticker.Last
	}
	return t.EntryPrice
}

func (e *Engine) recordOrder(ctx context.Context, o *domain.Order) {
	if err := e.store.Repos().Orders.Create(ctx, o); err != nil {
		e.log.Warn().Err(err).
			Int64("trade", o.TradeID).
			Str("type", string(o.Type)).
			Msg("failed to record order")
	}
}

func (e *Engine) consumeSignal(ctx context.Context, sig domain.Signal) {
	atomic.AddUint64(&e.consumed, 1)
	if err := e.store.Repos().Signals.UpdateStatus(ctx, sig.ID, domain.SignalConsumed); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Warn().Err(err).Str("signal", sig.ID).Msg("failed to mark signal consumed")
	}
}

func (e *Engine) reject(ctx context.Context, sig domain.Signal, cause error) {
	atomic.AddUint64(&e.rejected, 1)
	if err := e.store.Repos().Signals.UpdateStatus(ctx, sig.ID, domain.SignalRejected); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Warn().Err(err).Str("signal", sig.ID).Msg("failed to mark signal rejected")
	}
	e.log.Debug().Err(cause).
		Str("signal", sig.ID).
		Str("symbol", sig.Symbol).
		Msg("signal rejected")
}

func (e *Engine) symbolLock(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.symLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		e.symLocks[symbol] = lock
	}
	return lock
}

func (e *Engine) registerPosition(symbol string, tradeID int64) {
	e.mu.Lock()
	e.positions[symbol] = tradeID
	e.mu.Unlock()
}

func (e *Engine) unregisterPosition(symbol string) {
	e.mu.Lock()
	delete(e.positions, symbol)
	e.mu.Unlock()
}

var rejectSentinels = []error{
	ErrTradingDisabled,
	ErrEmergencyStop,
	ErrBelowThreshold,
	ErrMaxConcurrent,
	ErrDuplicatePosition,
	ErrAssetNotTradable,
	ErrOrderTooSmall,
}

// isReject distinguishes an intake reject from an operational failure.
func isReject(err error) bool {
	for _, sentinel := range rejectSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return errs.KindOf(err) == errs.KindValidation
}
