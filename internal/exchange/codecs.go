package exchange

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vtrpza/bingxv3/internal/cache"
	"github.com/vtrpza/bingxv3/internal/domain"
)

// CacheCodecs returns the msgpack codecs for the categories worth
// sharing through the Redis tier: tickers because every bot instance
// scans the same hot symbols, markets because the catalog is large,
// slow-moving and expensive to refetch after a restart. Decimals ride
// as strings so no precision is lost in transit.
func CacheCodecs() map[cache.Category]cache.Codec {
	return map[cache.Category]cache.Codec{
		cache.CategoryTicker: {
			Encode: func(v interface{}) ([]byte, error) {
				t, ok := v.(domain.Ticker)
				if !ok {
					return nil, errUncachedType
				}
				return msgpack.Marshal(tickerBlob{
					Symbol:      t.Symbol,
					Last:        t.Last.String(),
					Bid:         t.Bid.String(),
					Ask:         t.Ask.String(),
					High24h:     t.High24h.String(),
					Low24h:      t.Low24h.String(),
					QuoteVolume: t.QuoteVolume.String(),
					AtMS:        t.At.UnixMilli(),
				})
			},
			Decode: func(data []byte) (interface{}, error) {
				var b tickerBlob
				if err := msgpack.Unmarshal(data, &b); err != nil {
					return nil, err
				}
				return b.ticker()
			},
		},
		cache.CategoryMarkets: {
			Encode: func(v interface{}) ([]byte, error) {
				markets, ok := v.([]domain.Market)
				if !ok {
					return nil, errUncachedType
				}
				blobs := make([]marketBlob, len(markets))
				for i, m := range markets {
					blobs[i] = marketBlob{
						Symbol:       m.Symbol,
						Status:       m.Status,
						MinNotional:  m.MinNotional.String(),
						MinQty:       m.MinQty.String(),
						QtyPrecision: m.QtyPrecision,
						TickSize:     m.TickSize.String(),
					}
				}
				return msgpack.Marshal(blobs)
			},
			Decode: func(data []byte) (interface{}, error) {
				var blobs []marketBlob
				if err := msgpack.Unmarshal(data, &blobs); err != nil {
					return nil, err
				}
				markets := make([]domain.Market, len(blobs))
				for i, b := range blobs {
					m, err := b.market()
					if err != nil {
						return nil, err
					}
					markets[i] = m
				}
				return markets, nil
			},
		},
	}
}

var errUncachedType = errors.New("exchange: unexpected value type for tier encoding")

type tickerBlob struct {
	Symbol      string `msgpack:"symbol"`
	Last        string `msgpack:"last"`
	Bid         string `msgpack:"bid"`
	Ask         string `msgpack:"ask"`
	High24h     string `msgpack:"high_24h"`
	Low24h      string `msgpack:"low_24h"`
	QuoteVolume string `msgpack:"quote_volume"`
	AtMS        int64  `msgpack:"at_ms"`
}

func (b tickerBlob) ticker() (domain.Ticker, error) {
	t := domain.Ticker{Symbol: b.Symbol, At: time.UnixMilli(b.AtMS).UTC()}
	fields := []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&t.Last, b.Last},
		{&t.Bid, b.Bid},
		{&t.Ask, b.Ask},
		{&t.High24h, b.High24h},
		{&t.Low24h, b.Low24h},
		{&t.QuoteVolume, b.QuoteVolume},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return domain.Ticker{}, err
		}
		*f.dst = d
	}
	return t, nil
}

type marketBlob struct {
	Symbol       string `msgpack:"symbol"`
	Status       string `msgpack:"status"`
	MinNotional  string `msgpack:"min_notional"`
	MinQty       string `msgpack:"min_qty"`
	QtyPrecision int32  `msgpack:"qty_precision"`
	TickSize     string `msgpack:"tick_size"`
}

func (b marketBlob) market() (domain.Market, error) {
	m := domain.Market{Symbol: b.Symbol, Status: b.Status, QtyPrecision: b.QtyPrecision}
	var err error
	if m.MinNotional, err = decimal.NewFromString(b.MinNotional); err != nil {
		return domain.Market{}, err
	}
	if m.MinQty, err = decimal.NewFromString(b.MinQty); err != nil {
		return domain.Market{}, err
	}
	if m.TickSize, err = decimal.NewFromString(b.TickSize); err != nil {
		return domain.Market{}, err
	}
	return m, nil
}
