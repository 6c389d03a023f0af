package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/errs"
)

// bingxRateLimited is the venue's business code for "too many requests".
// It can arrive with HTTP 200, so classification must check both layers.
const bingxRateLimited = 100410

// envelope is the outer shape of every BingX spot v1 response.
type envelope struct {
	Code int64           `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// apiError maps a non-zero business code onto the error taxonomy.
func apiError(code int64, msg string) error {
	if code == 0 {
		return nil
	}
	if code == bingxRateLimited {
		return fmt.Errorf("%w: bingx code %d: %s", errs.ErrRateLimited, code, msg)
	}
	return errs.Permanentf("bingx code %d: %s", code, msg)
}

// toVenue converts the internal BASE/USDT form to BingX's BASE-USDT.
func toVenue(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

// fromVenue converts BingX's BASE-USDT back to BASE/USDT.
func fromVenue(symbol string) string {
	return strings.ReplaceAll(symbol, "-", "/")
}

// dec unmarshals a decimal from either a bare JSON number or a quoted
// string: BingX mixes both across endpoints.
type dec struct{ decimal.Decimal }

func (d *dec) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		d.Decimal = decimal.Zero
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	d.Decimal = v
	return nil
}

// wireSymbol is one row of GET /openApi/spot/v1/common/symbols.
type wireSymbol struct {
	Symbol       string `json:"symbol"`
	Status       int    `json:"status"`
	MinNotional  dec    `json:"minNotional"`
	MinQty       dec    `json:"minQty"`
	TickSize     dec    `json:"tickSize"`
	StepSize     dec    `json:"stepSize"`
	QtyPrecision int32  `json:"quantityPrecision"`
}

func (w wireSymbol) market() domain.Market {
	status := "offline"
	if w.Status == 1 {
		status = "online"
	}
	return domain.Market{
		Symbol:       fromVenue(w.Symbol),
		Status:       status,
		MinNotional:  w.MinNotional.Decimal,
		MinQty:       w.MinQty.Decimal,
		QtyPrecision: w.QtyPrecision,
		TickSize:     w.TickSize.Decimal,
	}
}

// wireTicker is one row of GET /openApi/spot/v1/ticker/24hr.
type wireTicker struct {
	Symbol      string `json:"symbol"`
	LastPrice   dec    `json:"lastPrice"`
	BidPrice    dec    `json:"bidPrice"`
	AskPrice    dec    `json:"askPrice"`
	HighPrice   dec    `json:"highPrice"`
	LowPrice    dec    `json:"lowPrice"`
	QuoteVolume dec    `json:"quoteVolume"`
	CloseTime   int64  `json:"closeTime"`
}

func (w wireTicker) ticker() domain.Ticker {
	at := time.Now().UTC()
	if w.CloseTime > 0 {
		at = time.UnixMilli(w.CloseTime).UTC()
	}
	return domain.Ticker{
		Symbol:      fromVenue(w.Symbol),
		Last:        w.LastPrice.Decimal,
		Bid:         w.BidPrice.Decimal,
		Ask:         w.AskPrice.Decimal,
		High24h:     w.HighPrice.Decimal,
		Low24h:      w.LowPrice.Decimal,
		QuoteVolume: w.QuoteVolume.Decimal,
		At:          at,
	}
}

// wireDepth is the payload of GET /openApi/spot/v1/market/depth. Levels
// arrive as [price, qty] string pairs, bids descending and asks ascending.
type wireDepth struct {
	Bids [][2]dec `json:"bids"`
	Asks [][2]dec `json:"asks"`
	Ts   int64    `json:"ts"`
}

func (w wireDepth) orderbook(symbol string) domain.OrderBook {
	at := time.Now().UTC()
	if w.Ts > 0 {
		at = time.UnixMilli(w.Ts).UTC()
	}
	book := domain.OrderBook{Symbol: symbol, At: at}
	for _, lv := range w.Bids {
		book.Bids = append(book.Bids, domain.OrderBookLevel{Price: lv[0].Decimal, Qty: lv[1].Decimal})
	}
	for _, lv := range w.Asks {
		book.Asks = append(book.Asks, domain.OrderBookLevel{Price: lv[0].Decimal, Qty: lv[1].Decimal})
	}
	return book
}

// wireBalances is the payload of GET /openApi/spot/v1/account/balance.
type wireBalances struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   dec    `json:"free"`
		Locked dec    `json:"locked"`
	} `json:"balances"`
}

// wireOrder is the payload of the order create/cancel endpoints.
type wireOrder struct {
	Symbol        string      `json:"symbol"`
	OrderID       json.Number `json:"orderId"`
	ClientOrderID string      `json:"clientOrderID"`
	TransactTime  int64       `json:"transactTime"`
	Price         dec         `json:"price"`
	StopPrice     dec         `json:"stopPrice"`
	OrigQty       dec         `json:"origQty"`
	ExecutedQty   dec         `json:"executedQty"`
	QuoteQty      dec         `json:"cummulativeQuoteQty"`
	Status        string      `json:"status"`
	Type          string      `json:"type"`
	Side          string      `json:"side"`
}

// OrderResult is the client's view of a placed or cancelled order.
type OrderResult struct {
	ExchangeOrderID string             `json:"exchange_order_id"`
	ClientOrderID   string             `json:"client_order_id"`
	Symbol          string             `json:"symbol"`
	Side            domain.OrderSide   `json:"side"`
	Type            domain.OrderType   `json:"type"`
	Status          domain.OrderStatus `json:"status"`
	Qty             decimal.Decimal    `json:"qty"`
	FilledQty       decimal.Decimal    `json:"filled_qty"`
	AvgPrice        decimal.Decimal    `json:"avg_price"`
	Fee             decimal.Decimal    `json:"fee"`
	At              time.Time          `json:"at"`
}

func (w wireOrder) result() OrderResult {
	at := time.Now().UTC()
	if w.TransactTime > 0 {
		at = time.UnixMilli(w.TransactTime).UTC()
	}
	avg := w.Price.Decimal
	if !w.ExecutedQty.Decimal.IsZero() && !w.QuoteQty.Decimal.IsZero() {
		avg = w.QuoteQty.Decimal.Div(w.ExecutedQty.Decimal)
	}
	status := domain.OrderStatus(w.Status)
	if w.Status == "" {
		status = domain.OrderNew
	}
	typ := domain.OrderType(w.Type)
	switch w.Type {
	case "TAKE_STOP_MARKET", "STOP_MARKET", "TRIGGER_MARKET":
		typ = domain.OrderStopLoss
	}
	return OrderResult{
		ExchangeOrderID: w.OrderID.String(),
		ClientOrderID:   w.ClientOrderID,
		Symbol:          fromVenue(w.Symbol),
		Side:            domain.OrderSide(w.Side),
		Type:            typ,
		Status:          status,
		Qty:             w.OrigQty.Decimal,
		FilledQty:       w.ExecutedQty.Decimal,
		AvgPrice:        avg,
		At:              at,
	}
}
