package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/errs"
)

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

// fakeMarket serves canned market data so paper fills are deterministic.
type fakeMarket struct {
	Exchange
	last decimal.Decimal
}

func (f *fakeMarket) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	return domain.Ticker{Symbol: symbol, Last: f.last, At: time.Now()}, nil
}

func newPaper(t *testing.T, lastPrice, startUSDT string) *PaperExchange {
	t.Helper()
	market := &fakeMarket{last: decimalFromString(t, lastPrice)}
	return NewPaperExchange(market, decimalFromString(t, startUSDT), 0.001, zerolog.Nop())
}

func TestPaperExchange_MarketBuyMovesBalances(t *testing.T) {
	paper := newPaper(t, "100", "1000")

	res, err := paper.CreateMarketOrder(context.Background(), "SOL/USDT", domain.SideBuy, decimalFromString(t, "2"))
	require.NoError(t, err)

	assert.Equal(t, domain.OrderFilled, res.Status)
	assert.Equal(t, "100", res.AvgPrice.String())
	assert.Equal(t, "0.2", res.Fee.String(), "0.1% of 200 notional")

	balances, err := paper.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "799.8", balances["USDT"].Free.String(), "1000 - 200 - 0.2 fee")
	assert.Equal(t, "2", balances["SOL"].Free.String())
}

func TestPaperExchange_SellRoundTrip(t *testing.T) {
	paper := newPaper(t, "100", "1000")

	_, err := paper.CreateMarketOrder(context.Background(), "SOL/USDT", domain.SideBuy, decimalFromString(t, "2"))
	require.NoError(t, err)
	_, err = paper.CreateMarketOrder(context.Background(), "SOL/USDT", domain.SideSell, decimalFromString(t, "2"))
	require.NoError(t, err)

	balances, err := paper.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0", balances["SOL"].Free.String())
	assert.Equal(t, "999.6", balances["USDT"].Free.String(), "two 0.2 fees paid")
}

func TestPaperExchange_InsufficientQuoteRejected(t *testing.T) {
	paper := newPaper(t, "100", "50")

	_, err := paper.CreateMarketOrder(context.Background(), "SOL/USDT", domain.SideBuy, decimalFromString(t, "2"))
	assert.Equal(t, errs.KindPermanent, errs.KindOf(err))

	balances, err := paper.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "50", balances["USDT"].Free.String(), "failed order must not move balances")
}

func TestPaperExchange_StopRestsUntilCancelled(t *testing.T) {
	paper := newPaper(t, "100", "1000")

	res, err := paper.CreateStopLossOrder(context.Background(), "SOL/USDT", domain.SideSell,
		decimalFromString(t, "2"), decimalFromString(t, "98"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderNew, res.Status)
	require.Len(t, paper.RestingOrders(), 1)

	require.NoError(t, paper.CancelOrder(context.Background(), "SOL/USDT", res.ExchangeOrderID))
	assert.Empty(t, paper.RestingOrders())

	err = paper.CancelOrder(context.Background(), "SOL/USDT", res.ExchangeOrderID)
	assert.Equal(t, errs.KindPermanent, errs.KindOf(err), "double cancel is permanent")
}
