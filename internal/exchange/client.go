// Package exchange adapts the BingX spot REST API to the pipeline's
// domain types. Every call follows the same path: coordinator permission,
// limiter admission, circuit-breaker-guarded round trip, then a
// success/rate-limited record back to the limiter. Transient and
// rate-limited failures are retried with backoff by a failsafe policy.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/vtrpza/bingxv3/internal/cache"
	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/errs"
	"github.com/vtrpza/bingxv3/internal/ratelimit"
)

// Exchange is the venue surface the selector, scanner, trading engine and
// risk loop consume. Implementations: Client (live) and PaperExchange.
type Exchange interface {
	FetchMarkets(ctx context.Context) ([]domain.Market, error)
	FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error)
	FetchMultipleTickers(ctx context.Context, symbols ...string) (map[string]domain.Ticker, error)
	FetchCandles(ctx context.Context, symbol string, tf domain.Timeframe, limit int, since *time.Time) ([]domain.Candle, error)
	FetchOrderbook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error)
	FetchBalance(ctx context.Context) (map[string]domain.Balance, error)
	CreateMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (OrderResult, error)
	CreateStopLossOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice decimal.Decimal) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
}

const (
	pathSymbols = "/openApi/spot/v1/common/symbols"
	pathTicker  = "/openApi/spot/v1/ticker/24hr"
	pathKlines  = "/openApi/spot/v1/market/kline"
	pathDepth   = "/openApi/spot/v1/market/depth"
	pathBalance = "/openApi/spot/v1/account/balance"
	pathOrder   = "/openApi/spot/v1/trade/order"
	pathCancel  = "/openApi/spot/v1/trade/cancel"
)

// Config holds the venue endpoint and credentials.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// APIRecorder observes the outcome and latency of every venue attempt,
// usually the metrics registry.
type APIRecorder interface {
	RecordAPIRequest(category, outcome string, elapsed time.Duration)
}

// Deps are the shared pipeline services the client rides on. Cache and
// Metrics may be nil in tests; Limiter and Coordinator must not be.
type Deps struct {
	Limiter     *ratelimit.Limiter
	Coordinator *ratelimit.Coordinator
	Cache       *cache.Cache
	Metrics     APIRecorder
	Logger      zerolog.Logger
}

// Client is the live BingX spot REST client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	coord      *ratelimit.Coordinator
	cache      *cache.Cache
	metrics    APIRecorder
	breaker    *gobreaker.CircuitBreaker
	retry      failsafe.Executor[[]byte]
	workerID   string
	log        zerolog.Logger
	now        func() time.Time
}

// New builds the client and registers its default worker identity with
// the coordinator under the analysis class. Components that own a budget
// class bind their identity with ForWorker.
func New(cfg Config, deps Deps) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errs.Validationf("exchange base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if deps.Limiter == nil || deps.Coordinator == nil {
		return nil, errs.Validationf("exchange client requires limiter and coordinator")
	}

	log := deps.Logger.With().Str("component", "exchange").Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bingx",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			return counts.Requests >= 10 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		// Rate-limit responses are the limiter's problem, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errs.KindOf(err) == errs.KindRateLimited
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	policy := retrypolicy.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool { return errs.Retryable(err) }).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    20,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter:  deps.Limiter,
		coord:    deps.Coordinator,
		cache:    deps.Cache,
		metrics:  deps.Metrics,
		breaker:  breaker,
		retry:    failsafe.With[[]byte](policy),
		workerID: "exchange-shared",
		log:      log,
		now:      time.Now,
	}
	deps.Coordinator.Register(c.workerID, ratelimit.ClassAnalysis)
	return c, nil
}

// ForWorker returns a view of the client whose requests are accounted to
// workerID under class. The underlying limiter, breaker, cache and HTTP
// transport are shared.
func (c *Client) ForWorker(workerID string, class ratelimit.WorkerClass) *Client {
	c.coord.Register(workerID, class)
	bound := *c
	bound.workerID = workerID
	bound.log = c.log.With().Str("worker", workerID).Logger()
	return &bound
}

// FetchMarkets lists tradable pairs, cached under the markets category.
func (c *Client) FetchMarkets(ctx context.Context) ([]domain.Market, error) {
	fetch := func(ctx context.Context) (interface{}, error) {
		data, err := c.request(ctx, http.MethodGet, pathSymbols, ratelimit.CategoryMarketData, nil, false)
		if err != nil {
			return nil, err
		}
		var payload struct {
			Symbols []wireSymbol `json:"symbols"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, errs.Permanentf("decode symbols: %v", err)
		}
		markets := make([]domain.Market, 0, len(payload.Symbols))
		for _, ws := range payload.Symbols {
			m := ws.market()
			if domain.ValidateSymbol(m.Symbol) != nil {
				continue
			}
			markets = append(markets, m)
		}
		sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol < markets[j].Symbol })
		return markets, nil
	}

	v, err := c.cached(ctx, cache.NewKey(cache.CategoryMarkets, "all"), fetch)
	if err != nil {
		return nil, err
	}
	return v.([]domain.Market), nil
}

// FetchTicker returns the 24h snapshot for one symbol, cached under the
// ticker category.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	if err := domain.ValidateSymbol(symbol); err != nil {
		return domain.Ticker{}, err
	}
	fetch := func(ctx context.Context) (interface{}, error) {
		params := url.Values{"symbol": {toVenue(symbol)}}
		data, err := c.request(ctx, http.MethodGet, pathTicker, ratelimit.CategoryMarketData, params, false)
		if err != nil {
			return nil, err
		}
		rows, err := decodeTickers(data)
		if err != nil {
			return nil, err
		}
		for _, wt := range rows {
			t := wt.ticker()
			if t.Symbol == symbol {
				return t, nil
			}
		}
		return nil, errs.Permanentf("ticker for %s missing from response", symbol)
	}

	v, err := c.cached(ctx, cache.NewKey(cache.CategoryTicker, symbol), fetch)
	if err != nil {
		return domain.Ticker{}, err
	}
	return v.(domain.Ticker), nil
}

// FetchMultipleTickers returns snapshots for the requested symbols in one
// venue call (the full 24h list, cached under market_summary). With no
// arguments every listed symbol is returned.
func (c *Client) FetchMultipleTickers(ctx context.Context, symbols ...string) (map[string]domain.Ticker, error) {
	fetch := func(ctx context.Context) (interface{}, error) {
		data, err := c.request(ctx, http.MethodGet, pathTicker, ratelimit.CategoryMarketData, nil, false)
		if err != nil {
			return nil, err
		}
		rows, err := decodeTickers(data)
		if err != nil {
			return nil, err
		}
		all := make(map[string]domain.Ticker, len(rows))
		for _, wt := range rows {
			t := wt.ticker()
			if domain.ValidateSymbol(t.Symbol) != nil {
				continue
			}
			all[t.Symbol] = t
		}
		return all, nil
	}

	v, err := c.cached(ctx, cache.NewKey(cache.CategoryMarketSummary, "all"), fetch)
	if err != nil {
		return nil, err
	}
	all := v.(map[string]domain.Ticker)
	if len(symbols) == 0 {
		out := make(map[string]domain.Ticker, len(all))
		for s, t := range all {
			out[s] = t
		}
		return out, nil
	}
	out := make(map[string]domain.Ticker, len(symbols))
	for _, s := range symbols {
		if t, ok := all[s]; ok {
			out[s] = t
		}
	}
	return out, nil
}

// FetchCandles returns up to limit bars ascending by open time. Rows the
// venue reports malformed are dropped. Calls with since bypass the cache.
func (c *Client) FetchCandles(ctx context.Context, symbol string, tf domain.Timeframe, limit int, since *time.Time) ([]domain.Candle, error) {
	if err := domain.ValidateSymbol(symbol); err != nil {
		return nil, err
	}
	if !tf.Valid() {
		return nil, errs.Validationf("unsupported timeframe %q", tf)
	}
	if limit <= 0 {
		limit = 100
	}

	fetch := func(ctx context.Context) (interface{}, error) {
		params := url.Values{
			"symbol":   {toVenue(symbol)},
			"interval": {string(tf)},
			"limit":    {strconv.Itoa(limit)},
		}
		if since != nil {
			params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
		}
		data, err := c.request(ctx, http.MethodGet, pathKlines, ratelimit.CategoryMarketData, params, false)
		if err != nil {
			return nil, err
		}
		return c.parseCandles(symbol, tf, data)
	}

	if since != nil || c.cache == nil {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return v.([]domain.Candle), nil
	}

	key := cache.NewKey(cache.CategoryCandles, symbol).
		WithParam("tf", string(tf)).
		WithParam("limit", strconv.Itoa(limit))
	v, err := c.cache.GetOrFetch(ctx, key, fetch)
	if err != nil {
		return nil, err
	}
	return v.([]domain.Candle), nil
}

// FetchOrderbook returns a depth snapshot. Order books age in tens of
// milliseconds, so they are never cached.
func (c *Client) FetchOrderbook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	if err := domain.ValidateSymbol(symbol); err != nil {
		return domain.OrderBook{}, err
	}
	if depth <= 0 {
		depth = 20
	}
	params := url.Values{
		"symbol": {toVenue(symbol)},
		"limit":  {strconv.Itoa(depth)},
	}
	data, err := c.request(ctx, http.MethodGet, pathDepth, ratelimit.CategoryMarketData, params, false)
	if err != nil {
		return domain.OrderBook{}, err
	}
	var wd wireDepth
	if err := json.Unmarshal(data, &wd); err != nil {
		return domain.OrderBook{}, errs.Permanentf("decode depth: %v", err)
	}
	return wd.orderbook(symbol), nil
}

// FetchBalance returns per-asset balances, keyed by asset code.
func (c *Client) FetchBalance(ctx context.Context) (map[string]domain.Balance, error) {
	data, err := c.request(ctx, http.MethodGet, pathBalance, ratelimit.CategoryAccount, nil, true)
	if err != nil {
		return nil, err
	}
	var wb wireBalances
	if err := json.Unmarshal(data, &wb); err != nil {
		return nil, errs.Permanentf("decode balances: %v", err)
	}
	out := make(map[string]domain.Balance, len(wb.Balances))
	for _, b := range wb.Balances {
		out[b.Asset] = domain.Balance{Asset: b.Asset, Free: b.Free.Decimal, Locked: b.Locked.Decimal}
	}
	return out, nil
}

// CreateMarketOrder places a market order. The client order id is a UUID
// minted once per call so venue-side deduplication makes retries safe.
func (c *Client) CreateMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (OrderResult, error) {
	if err := validateOrderArgs(symbol, side, qty); err != nil {
		return OrderResult{}, err
	}
	params := url.Values{
		"symbol":           {toVenue(symbol)},
		"side":             {string(side)},
		"type":             {"MARKET"},
		"quantity":         {qty.String()},
		"newClientOrderId": {uuid.NewString()},
	}
	return c.placeOrder(ctx, params)
}

// CreateStopLossOrder places a stop-market order that triggers at
// stopPrice.
func (c *Client) CreateStopLossOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice decimal.Decimal) (OrderResult, error) {
	if err := validateOrderArgs(symbol, side, qty); err != nil {
		return OrderResult{}, err
	}
	if !stopPrice.IsPositive() {
		return OrderResult{}, errs.Validationf("stop price %s must be positive", stopPrice)
	}
	params := url.Values{
		"symbol":           {toVenue(symbol)},
		"side":             {string(side)},
		"type":             {"TAKE_STOP_MARKET"},
		"quantity":         {qty.String()},
		"stopPrice":        {stopPrice.String()},
		"newClientOrderId": {uuid.NewString()},
	}
	return c.placeOrder(ctx, params)
}

// CancelOrder cancels an open order. The venue requires the symbol
// alongside the order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := domain.ValidateSymbol(symbol); err != nil {
		return err
	}
	if exchangeOrderID == "" {
		return errs.Validationf("exchange order id is required")
	}
	params := url.Values{
		"symbol":  {toVenue(symbol)},
		"orderId": {exchangeOrderID},
	}
	_, err := c.request(ctx, http.MethodPost, pathCancel, ratelimit.CategoryAccount, params, true)
	return err
}

// BreakerState exposes the circuit state for health reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func (c *Client) placeOrder(ctx context.Context, params url.Values) (OrderResult, error) {
	data, err := c.request(ctx, http.MethodPost, pathOrder, ratelimit.CategoryAccount, params, true)
	if err != nil {
		return OrderResult{}, err
	}
	var wo wireOrder
	if err := json.Unmarshal(data, &wo); err != nil {
		return OrderResult{}, errs.Permanentf("decode order: %v", err)
	}
	res := wo.result()
	if res.ExchangeOrderID == "" {
		return OrderResult{}, errs.Permanentf("venue accepted order without an id")
	}
	if res.ClientOrderID == "" {
		res.ClientOrderID = params.Get("newClientOrderId")
	}
	return res, nil
}

// cached funnels a fetch through the shared cache when one is attached.
func (c *Client) cached(ctx context.Context, key cache.Key, fetch cache.Fetcher) (interface{}, error) {
	if c.cache == nil {
		return fetch(ctx)
	}
	return c.cache.GetOrFetch(ctx, key, fetch)
}

// request runs one logical call with retries. Every attempt pays the
// coordinator and limiter tolls again, so backed-off retries cannot
// starve other workers.
func (c *Client) request(ctx context.Context, method, path string, cat ratelimit.Category, params url.Values, signed bool) ([]byte, error) {
	return c.retry.GetWithExecution(func(_ failsafe.Execution[[]byte]) ([]byte, error) {
		return c.attempt(ctx, method, path, cat, params, signed)
	})
}

func (c *Client) attempt(ctx context.Context, method, path string, cat ratelimit.Category, params url.Values, signed bool) ([]byte, error) {
	if err := c.coord.RequestPermission(ctx, c.workerID, cat); err != nil {
		return nil, err
	}
	if err := c.limiter.Acquire(ctx, cat); err != nil {
		return nil, err
	}

	req, err := c.buildRequest(ctx, method, path, params, signed)
	if err != nil {
		return nil, err
	}

	started := c.now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(req)
	})
	elapsed := time.Since(started)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", errs.ErrTransient, err)
		}
		outcome := "error"
		if errs.KindOf(err) == errs.KindRateLimited {
			c.limiter.RecordRateLimited(cat)
			outcome = "rate_limited"
		}
		if c.metrics != nil {
			c.metrics.RecordAPIRequest(string(cat), outcome, elapsed)
		}
		c.log.Debug().Str("path", path).Dur("elapsed", elapsed).
			Str("kind", string(errs.KindOf(err))).Err(err).Msg("exchange call failed")
		return nil, err
	}

	c.limiter.RecordSuccess(cat)
	if c.metrics != nil {
		c.metrics.RecordAPIRequest(string(cat), "ok", elapsed)
	}
	return out.([]byte), nil
}

// buildRequest assembles the URL and, for signed endpoints, appends the
// timestamp and HMAC-SHA256 signature over the sorted query string.
// Signing happens per attempt so retried calls carry a fresh timestamp.
func (c *Client) buildRequest(ctx context.Context, method, path string, params url.Values, signed bool) (*http.Request, error) {
	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if signed {
		q.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
		mac.Write([]byte(q.Encode()))
		q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, errs.Permanentf("build request: %v", err)
	}
	req.URL.RawQuery = q.Encode()
	if signed || c.cfg.APIKey != "" {
		req.Header.Set("X-BX-APIKEY", c.cfg.APIKey)
	}
	return req, nil
}

// roundTrip performs the HTTP exchange and classifies the outcome:
// network errors and 5xx are transient, HTTP 429 and business code
// 100410 are rate-limited, remaining 4xx and business errors permanent.
func (c *Client) roundTrip(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.Transientf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errs.Transientf("read body: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: http 429 from %s", errs.ErrRateLimited, req.URL.Path)
	case resp.StatusCode >= 500:
		return nil, errs.Transientf("http %d from %s", resp.StatusCode, req.URL.Path)
	case resp.StatusCode >= 400:
		return nil, errs.Permanentf("http %d from %s: %s", resp.StatusCode, req.URL.Path, truncate(body, 256))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errs.Transientf("malformed envelope from %s: %v", req.URL.Path, err)
	}
	if err := apiError(env.Code, env.Msg); err != nil {
		return nil, err
	}
	return []byte(env.Data), nil
}

// parseCandles decodes kline rows of the form [t_ms,o,h,l,c,v], drops
// rows that fail OHLC validation and returns the rest ascending.
func (c *Client) parseCandles(symbol string, tf domain.Timeframe, data []byte) ([]domain.Candle, error) {
	var rows [][]dec
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.Permanentf("decode klines: %v", err)
	}
	candles := make([]domain.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		cd := domain.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  time.UnixMilli(row[0].Decimal.IntPart()).UTC(),
			Open:      row[1].Decimal,
			High:      row[2].Decimal,
			Low:       row[3].Decimal,
			Close:     row[4].Decimal,
			Volume:    row[5].Decimal,
		}
		if err := cd.Validate(); err != nil {
			c.log.Debug().Str("symbol", symbol).Str("tf", string(tf)).
				Time("t", cd.OpenTime).Msg("dropping malformed candle")
			continue
		}
		candles = append(candles, cd)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })
	return candles, nil
}

func decodeTickers(data []byte) ([]wireTicker, error) {
	var rows []wireTicker
	if err := json.Unmarshal(data, &rows); err == nil {
		return rows, nil
	}
	var one wireTicker
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, errs.Permanentf("decode ticker: %v", err)
	}
	return []wireTicker{one}, nil
}

func validateOrderArgs(symbol string, side domain.OrderSide, qty decimal.Decimal) error {
	if err := domain.ValidateSymbol(symbol); err != nil {
		return err
	}
	if side != domain.SideBuy && side != domain.SideSell {
		return errs.Validationf("order side %q must be BUY or SELL", side)
	}
	if !qty.IsPositive() {
		return errs.Validationf("order quantity %s must be positive", qty)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
