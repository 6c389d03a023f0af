package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/errs"
)

// PaperExchange simulates order execution against live market data. Reads
// delegate to the wrapped exchange; the three order operations fill
// immediately at last price against a virtual balance sheet, charging a
// configurable fee. Stop orders rest locally until cancelled; the risk
// loop closes positions itself when it observes a stop cross.
type PaperExchange struct {
	market Exchange
	feePct decimal.Decimal
	log    zerolog.Logger

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	resting  map[string]OrderResult
}

// NewPaperExchange seeds the simulator with startUSDT of quote currency.
func NewPaperExchange(market Exchange, startUSDT decimal.Decimal, feePct float64, logger zerolog.Logger) *PaperExchange {
	return &PaperExchange{
		market:   market,
		feePct:   decimal.NewFromFloat(feePct),
		log:      logger.With().Str("component", "paper").Logger(),
		balances: map[string]decimal.Decimal{domain.QuoteAsset: startUSDT},
		resting:  make(map[string]OrderResult),
	}
}

func (p *PaperExchange) FetchMarkets(ctx context.Context) ([]domain.Market, error) {
	return p.market.FetchMarkets(ctx)
}

func (p *PaperExchange) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	return p.market.FetchTicker(ctx, symbol)
}

func (p *PaperExchange) FetchMultipleTickers(ctx context.Context, symbols ...string) (map[string]domain.Ticker, error) {
	return p.market.FetchMultipleTickers(ctx, symbols...)
}

func (p *PaperExchange) FetchCandles(ctx context.Context, symbol string, tf domain.Timeframe, limit int, since *time.Time) ([]domain.Candle, error) {
	return p.market.FetchCandles(ctx, symbol, tf, limit, since)
}

func (p *PaperExchange) FetchOrderbook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	return p.market.FetchOrderbook(ctx, symbol, depth)
}

// FetchBalance returns the virtual balance sheet.
func (p *PaperExchange) FetchBalance(ctx context.Context) (map[string]domain.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]domain.Balance, len(p.balances))
	for asset, free := range p.balances {
		out[asset] = domain.Balance{Asset: asset, Free: free}
	}
	return out, nil
}

// CreateMarketOrder fills immediately at the live last price. Buys spend
// quote, sells spend base; either way the fee is taken in quote.
func (p *PaperExchange) CreateMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (OrderResult, error) {
	if err := validateOrderArgs(symbol, side, qty); err != nil {
		return OrderResult{}, err
	}
	ticker, err := p.market.FetchTicker(ctx, symbol)
	if err != nil {
		return OrderResult{}, err
	}
	price := ticker.Last
	if !price.IsPositive() {
		return OrderResult{}, errs.Permanentf("paper fill for %s: no last price", symbol)
	}

	base := domain.BaseAsset(symbol)
	notional := price.Mul(qty)
	fee := notional.Mul(p.feePct)

	p.mu.Lock()
	defer p.mu.Unlock()

	if side == domain.SideBuy {
		cost := notional.Add(fee)
		if p.balances[domain.QuoteAsset].LessThan(cost) {
			return OrderResult{}, errs.Permanentf("paper balance %s %s below cost %s",
				domain.QuoteAsset, p.balances[domain.QuoteAsset], cost)
		}
		p.balances[domain.QuoteAsset] = p.balances[domain.QuoteAsset].Sub(cost)
		p.balances[base] = p.balances[base].Add(qty)
	} else {
		if p.balances[base].LessThan(qty) {
			return OrderResult{}, errs.Permanentf("paper balance %s %s below qty %s",
				base, p.balances[base], qty)
		}
		p.balances[base] = p.balances[base].Sub(qty)
		p.balances[domain.QuoteAsset] = p.balances[domain.QuoteAsset].Add(notional.Sub(fee))
	}

	res := OrderResult{
		ExchangeOrderID: "paper-" + uuid.NewString(),
		ClientOrderID:   uuid.NewString(),
		Symbol:          symbol,
		Side:            side,
		Type:            domain.OrderMarket,
		Status:          domain.OrderFilled,
		Qty:             qty,
		FilledQty:       qty,
		AvgPrice:        price,
		Fee:             fee,
		At:              time.Now().UTC(),
	}
	p.log.Info().Str("symbol", symbol).Str("side", string(side)).
		Str("qty", qty.String()).Str("price", price.String()).
		Msg("paper market order filled")
	return res, nil
}

// CreateStopLossOrder rests locally in NEW status until cancelled.
func (p *PaperExchange) CreateStopLossOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice decimal.Decimal) (OrderResult, error) {
	if err := validateOrderArgs(symbol, side, qty); err != nil {
		return OrderResult{}, err
	}
	if !stopPrice.IsPositive() {
		return OrderResult{}, errs.Validationf("stop price %s must be positive", stopPrice)
	}
	res := OrderResult{
		ExchangeOrderID: "paper-" + uuid.NewString(),
		ClientOrderID:   uuid.NewString(),
		Symbol:          symbol,
		Side:            side,
		Type:            domain.OrderStopLoss,
		Status:          domain.OrderNew,
		Qty:             qty,
		AvgPrice:        stopPrice,
		At:              time.Now().UTC(),
	}
	p.mu.Lock()
	p.resting[res.ExchangeOrderID] = res
	p.mu.Unlock()
	return res, nil
}

// CancelOrder removes a resting stop. Unknown ids are permanent errors,
// matching the venue's behavior for already-gone orders.
func (p *PaperExchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.resting[exchangeOrderID]; !ok {
		return errs.Permanentf("paper order %s not found", exchangeOrderID)
	}
	delete(p.resting, exchangeOrderID)
	return nil
}

// RestingOrders snapshots the simulated open stop orders.
func (p *PaperExchange) RestingOrders() []OrderResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderResult, 0, len(p.resting))
	for _, r := range p.resting {
		out = append(out, r)
	}
	return out
}
