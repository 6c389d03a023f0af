package trading

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtrpza/bingxv3/internal/bus"
	"github.com/vtrpza/bingxv3/internal/config"
	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/errs"
	"github.com/vtrpza/bingxv3/internal/exchange"
	"github.com/vtrpza/bingxv3/internal/store"
	"github.com/vtrpza/bingxv3/internal/stream"
)

func d(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return v
}

// fakeVenue is a scripted exchange: fixed prices, one shared quote
// balance, injectable failures, and a record of every order placed.
type placedOrder struct {
	id     string
	symbol string
	side   domain.OrderSide
	typ    domain.OrderType
	qty    decimal.Decimal
	price  decimal.Decimal
}

type fakeVenue struct {
	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	free      decimal.Decimal
	fee       decimal.Decimal
	marketErr map[string]error
	stopErr   error
	fillPrice map[string]decimal.Decimal
	fillQty   map[string]decimal.Decimal
	orders    []placedOrder
	cancelled []string
	nextID    int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		prices:    make(map[string]decimal.Decimal),
		free:      decimal.NewFromInt(10000),
		marketErr: make(map[string]error),
		fillPrice: make(map[string]decimal.Decimal),
		fillQty:   make(map[string]decimal.Decimal),
	}
}

func (f *fakeVenue) setPrice(symbol string, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = decimal.RequireFromString(price)
}

func (f *fakeVenue) placed() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]placedOrder, len(f.orders))
	copy(out, f.orders)
	return out
}

func (f *fakeVenue) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancelled))
	copy(out, f.cancelled)
	return out
}

func (f *fakeVenue) FetchMarkets(ctx context.Context) ([]domain.Market, error) {
	return nil, nil
}

func (f *fakeVenue) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[symbol]
	if !ok {
		return domain.Ticker{}, errs.Transientf("no ticker for %s", symbol)
	}
	return domain.Ticker{Symbol: symbol, Last: price, At: time.Now().UTC()}, nil
}

func (f *fakeVenue) FetchMultipleTickers(ctx context.Context, symbols ...string) (map[string]domain.Ticker, error) {
	return map[string]domain.Ticker{}, nil
}

func (f *fakeVenue) FetchCandles(ctx context.Context, symbol string, tf domain.Timeframe, limit int, since *time.Time) ([]domain.Candle, error) {
	return nil, nil
}

func (f *fakeVenue) FetchOrderbook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	return domain.OrderBook{}, nil
}

func (f *fakeVenue) FetchBalance(ctx context.Context) (map[string]domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]domain.Balance{
		domain.QuoteAsset: {Asset: domain.QuoteAsset, Free: f.free},
	}, nil
}

func (f *fakeVenue) CreateMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.marketErr[symbol]; err != nil {
		return exchange.OrderResult{}, err
	}
	price := f.prices[symbol]
	if p, ok := f.fillPrice[symbol]; ok {
		price = p
	}
	filled := qty
	if q, ok := f.fillQty[symbol]; ok {
		filled = q
	}
	f.nextID++
	id := fmt.Sprintf("EX-%d", f.nextID)
	f.orders = append(f.orders, placedOrder{id: id, symbol: symbol, side: side, typ: domain.OrderMarket, qty: qty, price: price})
	return exchange.OrderResult{
		ExchangeOrderID: id,
		Symbol:          symbol,
		Side:            side,
		Type:            domain.OrderMarket,
		Status:          domain.OrderFilled,
		Qty:             qty,
		FilledQty:       filled,
		AvgPrice:        price,
		Fee:             f.fee,
		At:              time.Now().UTC(),
	}, nil
}

func (f *fakeVenue) CreateStopLossOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice decimal.Decimal) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return exchange.OrderResult{}, f.stopErr
	}
	f.nextID++
	id := fmt.Sprintf("EX-%d", f.nextID)
	f.orders = append(f.orders, placedOrder{id: id, symbol: symbol, side: side, typ: domain.OrderStopLoss, qty: qty, price: stopPrice})
	return exchange.OrderResult{
		ExchangeOrderID: id,
		Symbol:          symbol,
		Side:            side,
		Type:            domain.OrderStopLoss,
		Status:          domain.OrderNew,
		Qty:             qty,
		At:              time.Now().UTC(),
	}, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, exchangeOrderID)
	return nil
}

// In-memory store implementing store.Store for the repos the engine
// touches. Candles and indicators stay nil; the engine never reads them.

func cloneTrade(t *domain.Trade) *domain.Trade {
	cp := *t
	cp.TPConsumed = append([]int(nil), t.TPConsumed...)
	return &cp
}

type memTrades struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*domain.Trade
}

func (m *memTrades) Create(ctx context.Context, t *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Symbol == t.Symbol && !r.Status.Terminal() {
			return fmt.Errorf("active trade for %s: %w", t.Symbol, store.ErrConflict)
		}
	}
	m.nextID++
	t.ID = m.nextID
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	m.rows[t.ID] = cloneTrade(t)
	return nil
}

func (m *memTrades) Update(ctx context.Context, t *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[t.ID]; !ok {
		return fmt.Errorf("trade %d: %w", t.ID, store.ErrNotFound)
	}
	t.UpdatedAt = time.Now().UTC()
	m.rows[t.ID] = cloneTrade(t)
	return nil
}

func (m *memTrades) Close(ctx context.Context, id int64, exitPrice decimal.Decimal, reason domain.ExitReason, fees decimal.Decimal) (*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("trade %d: %w", id, store.ErrNotFound)
	}
	if r.Status != domain.TradeOpen {
		return nil, fmt.Errorf("trade %d is %s: %w", id, r.Status, store.ErrConflict)
	}
	pnl, pct := domain.ComputePnL(r.Side, r.EntryPrice, exitPrice, r.Qty, fees)
	now := time.Now().UTC()
	r.Status = domain.TradeClosed
	r.ExitTime = &now
	r.ExitPrice = exitPrice
	r.ExitReason = reason
	r.PnL = r.PnL.Add(pnl)
	r.PnLPercent = pct
	r.UpdatedAt = now
	return cloneTrade(r), nil
}

func (m *memTrades) Get(ctx context.Context, id int64) (*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("trade %d: %w", id, store.ErrNotFound)
	}
	return cloneTrade(r), nil
}

func (m *memTrades) ListOpen(ctx context.Context) ([]domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, r := range m.rows {
		if r.Status == domain.TradePending || r.Status == domain.TradeOpen {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]domain.Trade, 0, len(ids))
	for _, id := range ids {
		out = append(out, *cloneTrade(m.rows[id]))
	}
	return out, nil
}

func (m *memTrades) List(ctx context.Context, f store.TradeFilter) ([]domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Trade
	for _, r := range m.rows {
		if f.Symbol != "" && r.Symbol != f.Symbol {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, *cloneTrade(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memTrades) CountActive(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.Status == domain.TradePending || r.Status == domain.TradeOpen {
			n++
		}
	}
	return n, nil
}

type memOrders struct {
	mu     sync.Mutex
	nextID int64
	rows   []*domain.Order
}

func (m *memOrders) Create(ctx context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	o.ID = m.nextID
	o.CreatedAt = time.Now().UTC()
	cp := *o
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memOrders) UpdateStatus(ctx context.Context, id int64, status domain.OrderStatus, filledQty, avgPrice, fees decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ID == id {
			r.Status = status
			r.FilledQty = filledQty
			r.AvgPrice = avgPrice
			r.Fees = fees
			return nil
		}
	}
	return fmt.Errorf("order %d: %w", id, store.ErrNotFound)
}

func (m *memOrders) LatestByType(ctx context.Context, tradeID int64, typ domain.OrderType) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.Order
	for _, r := range m.rows {
		if r.TradeID == tradeID && r.Type == typ {
			if latest == nil || r.ID > latest.ID {
				latest = r
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *memOrders) ListByTrade(ctx context.Context, tradeID int64) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, r := range m.rows {
		if r.TradeID == tradeID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memSignals struct {
	mu   sync.Mutex
	rows map[string]*domain.Signal
}

func (m *memSignals) Create(ctx context.Context, sig *domain.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sig
	m.rows[sig.ID] = &cp
	return nil
}

func (m *memSignals) UpdateStatus(ctx context.Context, id string, status domain.SignalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("signal %s: %w", id, store.ErrNotFound)
	}
	r.Status = status
	return nil
}

func (m *memSignals) List(ctx context.Context, f store.SignalFilter) ([]domain.Signal, error) {
	return nil, nil
}

func (m *memSignals) status(id string) domain.SignalStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[id]; ok {
		return r.Status
	}
	return ""
}

type memAssets struct {
	mu   sync.Mutex
	rows map[string]*domain.Asset
}

func (m *memAssets) Upsert(ctx context.Context, a *domain.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.rows[a.Symbol] = &cp
	return nil
}

func (m *memAssets) Get(ctx context.Context, symbol string) (*domain.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[symbol]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", symbol, store.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *memAssets) ListValid(ctx context.Context) ([]domain.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Asset
	for _, r := range m.rows {
		if r.IsValid {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memAssets) InvalidateExcept(ctx context.Context, keep []string) (int64, error) {
	return 0, nil
}

type memStore struct {
	repo    *store.Repository
	trades  *memTrades
	orders  *memOrders
	signals *memSignals
	assets  *memAssets
	txErr   error
}

func newMemStore() *memStore {
	s := &memStore{
		trades:  &memTrades{rows: make(map[int64]*domain.Trade)},
		orders:  &memOrders{},
		signals: &memSignals{rows: make(map[string]*domain.Signal)},
		assets:  &memAssets{rows: make(map[string]*domain.Asset)},
	}
	s.repo = &store.Repository{
		Assets:  s.assets,
		Signals: s.signals,
		Trades:  s.trades,
		Orders:  s.orders,
	}
	return s
}

func (s *memStore) Repos() *store.Repository { return s.repo }

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, r *store.Repository) error) error {
	if s.txErr != nil {
		return s.txErr
	}
	return fn(ctx, s.repo)
}

func (s *memStore) addAsset(symbol string, precision int32) {
	s.assets.rows[symbol] = &domain.Asset{
		Symbol:       symbol,
		IsValid:      true,
		MinOrderSize: decimal.NewFromInt(5),
		QtyPrecision: precision,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Broadcast(ev stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) byType(typ stream.EventType) []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []stream.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type engineFixture struct {
	eng    *Engine
	venue  *fakeVenue
	st     *memStore
	bus    *bus.Bus
	events *recorder
}

func newFixture(t *testing.T, mutate func(cfg *config.TradingConfig)) *engineFixture {
	t.Helper()
	venue := newFakeVenue()
	venue.setPrice("BTC/USDT", "100")
	venue.setPrice("ETH/USDT", "40")
	st := newMemStore()
	st.addAsset("BTC/USDT", 4)
	st.addAsset("ETH/USDT", 3)

	cfg := config.Default().Trading
	cfg.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}

	b := bus.New(16, zerolog.Nop())
	events := &recorder{}
	eng, err := New(cfg, NewLivePolicy(0.4, 0.02), Deps{
		Exchange:    venue,
		Store:       st,
		Bus:         b,
		Broadcaster: events,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return &engineFixture{eng: eng, venue: venue, st: st, bus: b, events: events}
}

func (fx *engineFixture) seedSignal(t *testing.T, sig domain.Signal) {
	t.Helper()
	require.NoError(t, fx.st.signals.Create(context.Background(), &sig))
}

func buySignal(symbol string, strength float64) domain.Signal {
	return domain.NewSignal(symbol, domain.SignalBuy, strength, []string{"ma_crossover_2h"}, nil)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(config.TradingConfig{}, NewLivePolicy(0, 0), Deps{})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	venue := newFakeVenue()
	st := newMemStore()
	b := bus.New(4, zerolog.Nop())
	_, err = New(config.TradingConfig{}, nil, Deps{Exchange: venue, Store: st, Bus: b})
	require.Error(t, err)
}

func TestHandleSignal_OpensTrade(t *testing.T) {
	fx := newFixture(t, nil)
	sig := buySignal("BTC/USDT", 0.8)
	fx.seedSignal(t, sig)

	trade, err := fx.eng.HandleSignal(context.Background(), sig)
	require.NoError(t, err)
	require.NotNil(t, trade)

	// 5% of 10000 USDT at price 100 buys exactly 5.
	assert.Equal(t, domain.TradeOpen, trade.Status)
	assert.True(t, trade.Qty.Equal(d(t, "5")), "qty = %s", trade.Qty)
	assert.True(t, trade.EntryPrice.Equal(d(t, "100")), "entry = %s", trade.EntryPrice)
	assert.True(t, trade.StopLoss.Equal(d(t, "98")), "stop = %s", trade.StopLoss)
	assert.Equal(t, sig.ID, trade.SignalID)

	placed := fx.venue.placed()
	require.Len(t, placed, 2)
	assert.Equal(t, domain.OrderMarket, placed[0].typ)
	assert.Equal(t, domain.SideBuy, placed[0].side)
	assert.Equal(t, domain.OrderStopLoss, placed[1].typ)
	assert.Equal(t, domain.SideSell, placed[1].side)
	assert.True(t, placed[1].price.Equal(d(t, "98")))

	rows, err := fx.st.orders.ListByTrade(context.Background(), trade.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.OrderMarket, rows[0].Type)
	assert.Equal(t, domain.OrderFilled, rows[0].Status)
	assert.Equal(t, "EX-1", rows[0].ExchangeOrderID)
	assert.Equal(t, domain.OrderStopLoss, rows[1].Type)
	assert.Equal(t, domain.OrderNew, rows[1].Status)

	assert.Equal(t, domain.SignalConsumed, fx.st.signals.status(sig.ID))
	require.Len(t, fx.events.byType(stream.EventTradeOpened), 1)

	stats := fx.eng.Stats()
	assert.Equal(t, uint64(1), stats.Opened)
	assert.Equal(t, 1, stats.OpenPositions)
	assert.Equal(t, []string{"BTC/USDT"}, stats.Symbols)
	assert.Equal(t, uint64(1), stats.Consumed)
}

func TestHandleSignal_SellSignalStopsAboveEntry(t *testing.T) {
	fx := newFixture(t, nil)
	sig := domain.NewSignal("ETH/USDT", domain.SignalStrongSell, 0.7, []string{"volume_spike_2h"}, nil)
	fx.seedSignal(t, sig)

	trade, err := fx.eng.HandleSignal(context.Background(), sig)
	require.NoError(t, err)

	// 5% of 10000 at price 40 sells 12.5; the stop sits 2% above.
	assert.Equal(t, domain.SideSell, trade.Side)
	assert.True(t, trade.Qty.Equal(d(t, "12.5")), "qty = %s", trade.Qty)
	assert.True(t, trade.StopLoss.Equal(d(t, "40.8")), "stop = %s", trade.StopLoss)

	placed := fx.venue.placed()
	require.Len(t, placed, 2)
	assert.Equal(t, domain.SideSell, placed[0].side)
	assert.Equal(t, domain.SideBuy, placed[1].side)
}

func TestHandleSignal_RejectsBelowPolicyThreshold(t *testing.T) {
	fx := newFixture(t, nil)
	sig := buySignal("BTC/USDT", 0.2)
	fx.seedSignal(t, sig)

	_, err := fx.eng.HandleSignal(context.Background(), sig)
	assert.ErrorIs(t, err, ErrBelowThreshold)
	assert.True(t, isReject(err))
	assert.Equal(t, domain.SignalRejected, fx.st.signals.status(sig.ID))
	assert.Equal(t, uint64(1), fx.eng.Stats().Rejected)
	assert.Empty(t, fx.venue.placed())
}

func TestHandleSignal_RejectsNonDirectionalAndBadSymbols(t *testing.T) {
	fx := newFixture(t, nil)

	neutral := domain.NewSignal("BTC/USDT", domain.SignalNeutral, 0.9, nil, nil)
	_, err := fx.eng.HandleSignal(context.Background(), neutral)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	malformed := domain.NewSignal("BTCUSDT", domain.SignalBuy, 0.9, nil, nil)
	_, err = fx.eng.HandleSignal(context.Background(), malformed)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Empty(t, fx.venue.placed())
}

func TestHandleSignal_RejectsWhenDisabled(t *testing.T) {
	fx := newFixture(t, nil)
	fx.eng.SetEnabled(false)

	_, err := fx.eng.HandleSignal(context.Background(), buySignal("BTC/USDT", 0.9))
	assert.ErrorIs(t, err, ErrTradingDisabled)
	assert.Empty(t, fx.venue.placed())
}

func TestHandleSignal_RejectsDuplicateSymbol(t *testing.T) {
	fx := newFixture(t, nil)
	_, err := fx.eng.HandleSignal(context.Background(), buySignal("BTC/USDT", 0.8))
	require.NoError(t, err)

	_, err = fx.eng.HandleSignal(context.Background(), buySignal("BTC/USDT", 0.9))
	assert.ErrorIs(t, err, ErrDuplicatePosition)
}

func TestHandleSignal_RespectsMaxConcurrent(t *testing.T) {
	fx := newFixture(t, func(cfg *config.TradingConfig) { cfg.MaxConcurrent = 1 })
	_, err := fx.eng.HandleSignal(context.Background(), buySignal("BTC/USDT", 0.8))
	require.NoError(t, err)

	_, err = fx.eng.HandleSignal(context.Background(), buySignal("ETH/USDT", 0.9))
	assert.ErrorIs(t, err, ErrMaxConcurrent)
}

func TestHandleSignal_RejectsUnknownOrInvalidAsset(t *testing.T) {
	fx := newFixture(t, nil)
	fx.venue.setPrice("XRP/USDT", "2")

	_, err := fx.eng.HandleSignal(context.Background(), buySignal("XRP/USDT", 0.9))
	assert.ErrorIs(t, err, ErrAssetNotTradable)

	fx.st.assets.rows["XRP/USDT"] = &domain.Asset{Symbol: "XRP/USDT", IsValid: false}
	_, err = fx.eng.HandleSignal(context.Background(), buySignal("XRP/USDT", 0.9))
	assert.ErrorIs(t, err, ErrAssetNotTradable)
}

func TestHandleSignal_RejectsOrdersBelowMinimum(t *testing.T) {
	// 5% of 100 USDT is a 5 USDT order, below the 10 USDT floor.
	fx := newFixture(t, nil)
	fx.venue.free = decimal.NewFromInt(100)
	_, err := fx.eng.HandleSignal(context.Background(), buySignal("BTC/USDT", 0.9))
	assert.ErrorIs(t, err, ErrOrderTooSmall)

	// 5 USDT at price 1000 with two decimals of precision floors to zero.
	fx.venue.setPrice("SOL/USDT", "1000")
	fx.st.addAsset("SOL/USDT", 2)
	_, err = fx.eng.HandleSignal(context.Background(), buySignal("SOL/USDT", 0.9))
	assert.ErrorIs(t, err, ErrOrderTooSmall)
	assert.Empty(t, fx.venue.placed())
}

func TestHandleSignal_MarketFailureCancelsTrade(t *testing.T) {
	fx := newFixture(t, nil)
	fx.venue.marketErr["BTC/USDT"] = errs.Transientf("venue rejected order")
	sig := buySignal("BTC/USDT", 0.8)
	fx.seedSignal(t, sig)

	_, err := fx.eng.HandleSignal(context.Background(), sig)
	require.Error(t, err)
	assert.False(t, isReject(err))

	row, err := fx.st.trades.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCancelled, row.Status)
	assert.Equal(t, domain.ExitOrderFailed, row.ExitReason)

	// The signal was consumed when the PENDING row was cut; the failure
	// happened after intake.
	assert.Equal(t, domain.SignalConsumed, fx.st.signals.status(sig.ID))
	assert.Empty(t, fx.venue.placed())
	assert.Empty(t, fx.events.byType(stream.EventTradeOpened))

	stats := fx.eng.Stats()
	assert.Equal(t, uint64(1), stats.Cancelled)
	assert.Equal(t, uint64(0), stats.Opened)
	assert.Equal(t, 0, stats.OpenPositions)

	// The symbol is free again once the venue recovers.
	delete(fx.venue.marketErr, "BTC/USDT")
	trade, err := fx.eng.HandleSignal(context.Background(), buySignal("BTC/USDT", 0.8))
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOpen, trade.Status)
}

func TestHandleSignal_StopFailureKeepsTradeOpen(t *testing.T) {
	fx := newFixture(t, nil)
	fx.venue.stopErr = errs.Transientf("stop placement refused")

	trade, err := fx.eng.HandleSignal(context.Background(), buySignal("BTC/USDT", 0.8))
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOpen, trade.Status)

	rows, err := fx.st.orders.ListByTrade(context.Background(), trade.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.OrderMarket, rows[0].Type)
}

func TestHandleSignal_UsesVenueFill(t *testing.T) {
	fx := newFixture(t, nil)
	fx.venue.fillPrice["BTC/USDT"] = d(t, "101")
	fx.venue.fillQty["BTC/USDT"] = d(t, "4.9")

	trade, err := fx.eng.HandleSignal(context.Background(), buySignal("BTC/USDT", 0.8))
	require.NoError(t, err)

	assert.True(t, trade.EntryPrice.Equal(d(t, "101")), "entry = %s", trade.EntryPrice)
	assert.True(t, trade.Qty.Equal(d(t, "4.9")), "qty = %s", trade.Qty)
	assert.True(t, trade.StopLoss.Equal(d(t, "98.98")), "stop = %s", trade.StopLoss)

	placed := fx.venue.placed()
	require.Len(t, placed, 2)
	assert.True(t, placed[1].qty.Equal(d(t, "4.9")), "stop qty = %s", placed[1].qty)
}

func TestClosePosition(t *testing.T) {
	fx := newFixture(t, nil)
	trade, err := fx.eng.HandleSignal(context.Background(), buySignal("BTC/USDT", 0.8))
	require.NoError(t, err)

	fx.venue.setPrice("BTC/USDT", "110")
	closed, err := fx.eng.ClosePosition(context.Background(), trade.ID, domain.ExitManual)
	require.NoError(t, err)

	assert.Equal(t, domain.TradeClosed, closed.Status)
	assert.Equal(t, domain.ExitManual, closed.ExitReason)
	assert.True(t, closed.ExitPrice.Equal(d(t, "110")), "exit = %s", closed.ExitPrice)
	assert.True(t, closed.PnL.Equal(d(t, "50")), "pnl = %s", closed.PnL)

	// The resting stop was pulled before the exit order went out.
	assert.Equal(t, []string{"EX-2"}, fx.venue.cancelledIDs())
	stopRow, err := fx.st.orders.LatestByType(context.Background(), trade.ID, domain.OrderStopLoss)
	require.NoError(t, err)
	require.NotNil(t, stopRow)
	assert.Equal(t, domain.OrderCancelled, stopRow.Status)

	stats := fx.eng.Stats()
	assert.Equal(t, uint64(1), stats.Closed)
	assert.Equal(t, 0, stats.OpenPositions)
	require.Len(t, fx.events.byType(stream.EventTradeClosed), 1)

	_, err = fx.eng.ClosePosition(context.Background(), trade.ID, domain.ExitManual)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestPartialClose_BanksProfitAndReplacesStop(t *testing.T) {
	fx := newFixture(t, nil)
	trade, err := fx.eng.HandleSignal(context.Background(), buySignal("BTC/USDT", 0.8))
	require.NoError(t, err)

	fx.venue.setPrice("BTC/USDT", "106")
	after, err := fx.eng.PartialClose(context.Background(), trade.ID, 0.25, 0)
	require.NoError(t, err)

	// A quarter of 5 leaves 3.75; the 1.25 sold at +6 banks 7.5.
	assert.Equal(t, domain.TradeOpen, after.Status)
	assert.True(t, after.Qty.Equal(d(t, "3.75")), "qty = %s", after.Qty)
	assert.True(t, after.PnL.Equal(d(t, "7.5")), "pnl = %s", after.PnL)
	assert.Equal(t, []int{0}, after.TPConsumed)

	placed := fx.venue.placed()
	require.Len(t, placed, 4)
	assert.Equal(t, domain.OrderMarket, placed[2].typ)
	assert.True(t, placed[2].qty.Equal(d(t, "1.25")))
	assert.Equal(t, domain.OrderStopLoss, placed[3].typ)
	assert.True(t, placed[3].qty.Equal(d(t, "3.75")), "new stop qty = %s", placed[3].qty)
	assert.Equal(t, []string{"EX-2"}, fx.venue.cancelledIDs())
	require.Len(t, fx.events.byType(stream.EventTakeProfit), 1)

	// Repeating a consumed level is a no-op.
	again, err := fx.eng.PartialClose(context.Background(), trade.ID, 0.25, 0)
	require.NoError(t, err)
	assert.True(t, again.Qty.Equal(d(t, "3.75")))
	assert.Len(t, fx.venue.placed(), 4)

	// The final close adds the remainder's pnl to the banked 7.5.
	closed, err := fx.eng.ClosePosition(context.Background(), trade.ID, domain.ExitTakeProfit)
	require.NoError(t, err)
	assert.True(t, closed.PnL.Equal(d(t, "30")), "pnl = %s", closed.PnL)

	_, err = fx.eng.PartialClose(context.Background(), trade.ID, 0.5, 1)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestPartialClose_ValidatesSize(t *testing.T) {
	fx := newFixture(t, nil)
	trade, err := fx.eng.HandleSignal(context.Background(), buySignal("BTC/USDT", 0.8))
	require.NoError(t, err)

	for _, pct := range []float64{0, 1, 1.5, -0.25} {
		_, err := fx.eng.PartialClose(context.Background(), trade.ID, pct, 0)
		assert.Error(t, err, "size %v", pct)
	}
}

func TestReplaceStop(t *testing.T) {
	fx := newFixture(t, nil)
	trade, err := fx.eng.HandleSignal(context.Background(), buySignal("BTC/USDT", 0.8))
	require.NoError(t, err)

	after, err := fx.eng.ReplaceStop(context.Background(), trade.ID, d(t, "99"))
	require.NoError(t, err)
	assert.True(t, after.StopLoss.Equal(d(t, "99")), "stop = %s", after.StopLoss)

	assert.Equal(t, []string{"EX-2"}, fx.venue.cancelledIDs())
	placed := fx.venue.placed()
	require.Len(t, placed, 3)
	assert.Equal(t, domain.OrderStopLoss, placed[2].typ)
	assert.True(t, placed[2].price.Equal(d(t, "99")))

	row, err := fx.st.trades.Get(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.True(t, row.StopLoss.Equal(d(t, "99")))
	require.Len(t, fx.events.byType(stream.EventStopAdjusted), 1)
}

func TestEmergencyStopAll(t *testing.T) {
	fx := newFixture(t, nil)
	_, err := fx.eng.HandleSignal(context.Background(), buySignal("BTC/USDT", 0.8))
	require.NoError(t, err)
	_, err = fx.eng.HandleSignal(context.Background(), buySignal("ETH/USDT", 0.8))
	require.NoError(t, err)

	// A stale PENDING row from a crashed open is voided, not traded.
	stale := &domain.Trade{
		Symbol:     "XRP/USDT",
		Side:       domain.SideBuy,
		Qty:        d(t, "10"),
		EntryPrice: d(t, "2"),
		Status:     domain.TradePending,
		EntryTime:  time.Now().UTC(),
	}
	require.NoError(t, fx.st.trades.Create(context.Background(), stale))

	outcomes := fx.eng.EmergencyStopAll(context.Background())
	require.Len(t, outcomes, 3)
	for _, out := range outcomes {
		assert.True(t, out.Closed, "symbol %s: %s", out.Symbol, out.Error)
	}

	assert.True(t, fx.eng.Emergency())
	assert.False(t, fx.eng.Enabled())
	assert.Equal(t, 0, fx.eng.Stats().OpenPositions)

	staleRow, err := fx.st.trades.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCancelled, staleRow.Status)

	require.Len(t, fx.events.byType(stream.EventEmergency), 1)
	assert.Len(t, fx.events.byType(stream.EventTradeClosed), 2)

	_, err = fx.eng.HandleSignal(context.Background(), buySignal("BTC/USDT", 0.9))
	assert.ErrorIs(t, err, ErrEmergencyStop)
}

func TestReconcile_RestoresOpenAndVoidsStalePending(t *testing.T) {
	fx := newFixture(t, nil)

	open := &domain.Trade{
		Symbol:     "BTC/USDT",
		Side:       domain.SideBuy,
		Qty:        d(t, "5"),
		EntryPrice: d(t, "100"),
		StopLoss:   d(t, "98"),
		Status:     domain.TradeOpen,
		EntryTime:  time.Now().UTC(),
	}
	require.NoError(t, fx.st.trades.Create(context.Background(), open))
	stale := &domain.Trade{
		Symbol:     "ETH/USDT",
		Side:       domain.SideBuy,
		Qty:        d(t, "12"),
		EntryPrice: d(t, "40"),
		Status:     domain.TradePending,
		EntryTime:  time.Now().UTC(),
	}
	require.NoError(t, fx.st.trades.Create(context.Background(), stale))

	require.NoError(t, fx.eng.Reconcile(context.Background()))

	stats := fx.eng.Stats()
	assert.Equal(t, 1, stats.OpenPositions)
	assert.Equal(t, []string{"BTC/USDT"}, stats.Symbols)

	_, err := fx.eng.HandleSignal(context.Background(), buySignal("BTC/USDT", 0.9))
	assert.ErrorIs(t, err, ErrDuplicatePosition)

	staleRow, err := fx.st.trades.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCancelled, staleRow.Status)
	assert.Equal(t, domain.ExitOrderFailed, staleRow.ExitReason)
}

func TestRun_ConsumesSignalsFromBus(t *testing.T) {
	fx := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.bus.Start(ctx)

	done := make(chan error, 1)
	go func() { done <- fx.eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(fx.bus.Stats().Subscribers) == 1
	}, 2*time.Second, 10*time.Millisecond, "engine never subscribed")

	sig := buySignal("BTC/USDT", 0.9)
	fx.seedSignal(t, sig)
	require.True(t, fx.bus.Publish(sig))

	require.Eventually(t, func() bool {
		return fx.eng.Stats().Opened == 1
	}, 2*time.Second, 10*time.Millisecond, "signal never became a trade")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}
