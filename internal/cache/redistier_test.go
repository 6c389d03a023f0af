package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type tickerBlob struct {
	Symbol string `msgpack:"symbol"`
	Last   string `msgpack:"last"`
}

func blobCodec() Codec {
	return Codec{
		Encode: func(v interface{}) ([]byte, error) { return msgpack.Marshal(v) },
		Decode: func(data []byte) (interface{}, error) {
			var b tickerBlob
			if err := msgpack.Unmarshal(data, &b); err != nil {
				return nil, err
			}
			return b, nil
		},
	}
}

func TestRedisTier_StoreAndLoad(t *testing.T) {
	client, mock := redismock.NewClientMock()
	tier := NewRedisTierFromClient(client, zerolog.Nop())
	defer tier.Close()

	key := NewKey(CategoryTicker, "BTC/USDT")
	value := tickerBlob{Symbol: "BTC/USDT", Last: "64000.5"}
	raw, err := msgpack.Marshal(value)
	require.NoError(t, err)

	mock.ExpectSet(key.String(), raw, 10*time.Second).SetVal("OK")
	tier.Store(key, value, 10*time.Second, blobCodec())

	mock.ExpectGet(key.String()).SetVal(string(raw))
	got, ok := tier.Load(context.Background(), key, blobCodec())
	require.True(t, ok)
	assert.Equal(t, value, got)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisTier_MissReportsAbsent(t *testing.T) {
	client, mock := redismock.NewClientMock()
	tier := NewRedisTierFromClient(client, zerolog.Nop())
	defer tier.Close()

	key := NewKey(CategoryTicker, "ETH/USDT")
	mock.ExpectGet(key.String()).RedisNil()

	_, ok := tier.Load(context.Background(), key, blobCodec())
	assert.False(t, ok)
}

func TestRedisTier_DecodeFailureReportsAbsent(t *testing.T) {
	client, mock := redismock.NewClientMock()
	tier := NewRedisTierFromClient(client, zerolog.Nop())
	defer tier.Close()

	key := NewKey(CategoryTicker, "ETH/USDT")
	mock.ExpectGet(key.String()).SetVal("not msgpack")

	_, ok := tier.Load(context.Background(), key, Codec{
		Encode: func(v interface{}) ([]byte, error) { return msgpack.Marshal(v) },
		Decode: func(data []byte) (interface{}, error) {
			var b tickerBlob
			return b, msgpack.Unmarshal(data, &b)
		},
	})
	assert.False(t, ok)
}

func TestCache_GetOrFetch_ConsultsTierBeforeFetcher(t *testing.T) {
	client, mock := redismock.NewClientMock()
	tier := NewRedisTierFromClient(client, zerolog.Nop())
	defer tier.Close()

	c := newTestCache(10, nil).WithTier(tier)
	c.RegisterCodec(CategoryTicker, blobCodec())

	key := NewKey(CategoryTicker, "BTC/USDT")
	value := tickerBlob{Symbol: "BTC/USDT", Last: "64000.5"}
	raw, err := msgpack.Marshal(value)
	require.NoError(t, err)

	mock.ExpectGet(key.String()).SetVal(string(raw))
	// Local Set after the tier hit mirrors back to Redis.
	mock.Regexp().ExpectSet(key.String(), `.*`, 10*time.Second).SetVal("OK")

	fetched := false
	v, err := c.GetOrFetch(context.Background(), key, func(ctx context.Context) (interface{}, error) {
		fetched = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, value, v)
	assert.False(t, fetched, "tier hit must bypass the fetcher")
}
