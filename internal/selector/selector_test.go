package selector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rs/zerolog"

	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/exchange"
	"github.com/vtrpza/bingxv3/internal/store"
)

type fakeExchange struct {
	exchange.Exchange

	mu      sync.Mutex
	markets []domain.Market
	tickers map[string]domain.Ticker
	fetches int
}

func (f *fakeExchange) FetchMarkets(ctx context.Context) ([]domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.markets, nil
}

func (f *fakeExchange) FetchMultipleTickers(ctx context.Context, symbols ...string) (map[string]domain.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers, nil
}

func (f *fakeExchange) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeAssets struct {
	mu          sync.Mutex
	upserts     []domain.Asset
	invalidated [][]string
}

func (f *fakeAssets) Upsert(ctx context.Context, a *domain.Asset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, *a)
	return nil
}

func (f *fakeAssets) Get(ctx context.Context, symbol string) (*domain.Asset, error) {
	return nil, store.ErrNotFound
}

func (f *fakeAssets) ListValid(ctx context.Context) ([]domain.Asset, error) {
	return nil, nil
}

func (f *fakeAssets) InvalidateExcept(ctx context.Context, keep []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, keep)
	return 0, nil
}

func mkTicker(last, bid, ask, high, low, volume string) domain.Ticker {
	return domain.Ticker{
		Last:        decimal.RequireFromString(last),
		Bid:         decimal.RequireFromString(bid),
		Ask:         decimal.RequireFromString(ask),
		High24h:     decimal.RequireFromString(high),
		Low24h:      decimal.RequireFromString(low),
		QuoteVolume: decimal.RequireFromString(volume),
		At:          time.Now(),
	}
}

func mkMarket(symbol string) domain.Market {
	return domain.Market{
		Symbol:       symbol,
		Status:       "online",
		MinNotional:  decimal.RequireFromString("5"),
		MinQty:       decimal.RequireFromString("0.0001"),
		QtyPrecision: 4,
	}
}

func newTestSelector(t *testing.T, ex *fakeExchange, assets store.AssetsRepo) *Selector {
	t.Helper()
	s, err := New(ex, assets, DefaultCriteria(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestEvaluate_Gates(t *testing.T) {
	c := DefaultCriteria()

	tests := []struct {
		name   string
		ticker domain.Ticker
		reason string
	}{
		{
			name:   "volume below minimum",
			ticker: mkTicker("100", "99.9", "100.1", "104", "96", "5000"),
			reason: "volume below minimum",
		},
		{
			name:   "spread too wide",
			ticker: mkTicker("100", "97", "103", "104", "96", "500000"),
			reason: "spread too wide",
		},
		{
			name:   "volatility too low",
			ticker: mkTicker("100", "99.99", "100.01", "100.02", "99.99", "500000"),
			reason: "volatility out of range",
		},
		{
			name:   "volatility too high",
			ticker: mkTicker("100", "99.9", "100.1", "170", "40", "500000"),
			reason: "volatility out of range",
		},
		{
			name:   "no last price",
			ticker: mkTicker("0", "0", "0", "0", "0", "0"),
			reason: "no last price",
		},
		{
			name:   "crossed quotes",
			ticker: mkTicker("100", "101", "99", "104", "96", "500000"),
			reason: "missing or crossed quotes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Evaluate("X/USDT", tt.ticker, c)
			assert.False(t, ev.Passed)
			assert.Contains(t, ev.Reasons, tt.reason)
		})
	}
}

func TestEvaluate_PassingSymbolScores(t *testing.T) {
	c := DefaultCriteria()

	// 4% volatility sits in the sweet spot, spread 0.2%, 500k volume.
	ev := Evaluate("BTC/USDT", mkTicker("100", "99.9", "100.1", "104", "100", "500000"), c)
	require.True(t, ev.Passed, "reasons: %v", ev.Reasons)

	m := ev.Metrics
	assert.InDelta(t, 0.2, m.SpreadPct, 1e-9)
	assert.InDelta(t, 4.0, m.VolatilityPct, 1e-9)
	assert.InDelta(t, 0.05, m.VolumeTier, 1e-9)
	assert.InDelta(t, 1.0, m.VolatilityFit, 1e-9)
	// liquidity = 0.7*0.05 + 0.3*max(0, 1-0.2) = 0.275
	assert.InDelta(t, 0.275, m.LiquidityScore, 1e-9)
	// score = 0.30*0.05 + 0.25*(1-0.2/2) + 0.25*1 + 0.20*0.275 = 0.545
	assert.InDelta(t, 0.5450, m.Score, 1e-9)
	assert.Greater(t, m.Score, 0.0)
	assert.LessOrEqual(t, m.Score, 1.0)
}

func TestVolatilityFit(t *testing.T) {
	c := DefaultCriteria()

	assert.InDelta(t, 1.0, volatilityFit(2.0, c), 1e-9)
	assert.InDelta(t, 1.0, volatilityFit(5.0, c), 1e-9)
	assert.InDelta(t, 1.0, volatilityFit(8.0, c), 1e-9)
	assert.InDelta(t, 0.0, volatilityFit(0.1, c), 1e-9)
	assert.InDelta(t, 0.0, volatilityFit(50.0, c), 1e-9)
	// halfway between 0.1 and 2.0
	assert.InDelta(t, 0.5, volatilityFit(1.05, c), 1e-9)
	// halfway between 8 and 50
	assert.InDelta(t, 0.5, volatilityFit(29.0, c), 1e-9)
}

func TestUniverse_OrderingAndTieBreak(t *testing.T) {
	ex := &fakeExchange{
		markets: []domain.Market{mkMarket("AAA/USDT"), mkMarket("BBB/USDT"), mkMarket("CCC/USDT")},
		tickers: map[string]domain.Ticker{
			// CCC has far higher volume, so the highest score.
			"CCC/USDT": mkTicker("100", "99.9", "100.1", "104", "100", "9000000"),
			// AAA and BBB are metric-identical: alphabetical tie-break.
			"BBB/USDT": mkTicker("100", "99.9", "100.1", "104", "100", "500000"),
			"AAA/USDT": mkTicker("100", "99.9", "100.1", "104", "100", "500000"),
		},
	}
	s := newTestSelector(t, ex, &fakeAssets{})

	snap, err := s.Universe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"CCC/USDT", "AAA/USDT", "BBB/USDT"}, snap.Universe)
	assert.Equal(t, 3, snap.Metadata.Count)
	assert.Len(t, snap.Metadata.Hash, 64)
}

func TestUniverse_TTLCacheAndForceRefresh(t *testing.T) {
	ex := &fakeExchange{
		markets: []domain.Market{mkMarket("BTC/USDT")},
		tickers: map[string]domain.Ticker{
			"BTC/USDT": mkTicker("100", "99.9", "100.1", "104", "100", "500000"),
		},
	}
	s := newTestSelector(t, ex, &fakeAssets{})

	first, err := s.Universe(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, ex.fetchCount())

	// Within TTL the cached snapshot is reused without fetching.
	second, err := s.Universe(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, ex.fetchCount())

	// Force refresh rebuilds; identical inputs produce an identical hash.
	res, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, ex.fetchCount())
	assert.False(t, res.HashChanged)
	assert.Empty(t, res.Added)
	assert.Empty(t, res.Removed)

	// Membership change flips the hash and shows up in the diff.
	ex.mu.Lock()
	ex.markets = append(ex.markets, mkMarket("ETH/USDT"))
	ex.tickers["ETH/USDT"] = mkTicker("50", "49.9", "50.1", "52", "49", "800000")
	ex.mu.Unlock()

	res, err = s.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, res.HashChanged)
	assert.Equal(t, []string{"ETH/USDT"}, res.Added)
	assert.Empty(t, res.Removed)
}

func TestUniverse_PersistsEvaluations(t *testing.T) {
	assets := &fakeAssets{}
	ex := &fakeExchange{
		markets: []domain.Market{mkMarket("GOOD/USDT"), mkMarket("THIN/USDT")},
		tickers: map[string]domain.Ticker{
			"GOOD/USDT": mkTicker("100", "99.9", "100.1", "104", "100", "500000"),
			"THIN/USDT": mkTicker("100", "99.9", "100.1", "104", "100", "5000"),
		},
	}
	s := newTestSelector(t, ex, assets)

	snap, err := s.Universe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"GOOD/USDT"}, snap.Universe)

	assets.mu.Lock()
	defer assets.mu.Unlock()

	require.Len(t, assets.upserts, 2)
	bySymbol := map[string]domain.Asset{}
	for _, a := range assets.upserts {
		bySymbol[a.Symbol] = a
	}
	assert.True(t, bySymbol["GOOD/USDT"].IsValid)
	assert.False(t, bySymbol["THIN/USDT"].IsValid)
	assert.False(t, bySymbol["GOOD/USDT"].LastValidation.IsZero())

	// Validation blob round-trips to the evaluated metrics.
	var m Metrics
	require.NoError(t, msgpack.Unmarshal(bySymbol["GOOD/USDT"].ValidationBlob, &m))
	assert.Equal(t, "GOOD/USDT", m.Symbol)
	assert.InDelta(t, 0.2, m.SpreadPct, 1e-9)

	require.Len(t, assets.invalidated, 1)
	assert.Equal(t, []string{"GOOD/USDT"}, assets.invalidated[0])
}

func TestUniverse_SkipsOfflineAndMissingTickers(t *testing.T) {
	offline := mkMarket("OFF/USDT")
	offline.Status = "offline"

	ex := &fakeExchange{
		markets: []domain.Market{offline, mkMarket("GHOST/USDT")},
		tickers: map[string]domain.Ticker{},
	}
	s := newTestSelector(t, ex, &fakeAssets{})

	snap, err := s.Universe(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Universe)
	assert.Equal(t, 0, snap.Metadata.Count)
}
