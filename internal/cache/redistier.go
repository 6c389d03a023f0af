package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RedisTier mirrors codec-enabled categories into Redis so restarts and
// sibling processes start warm. Tier failures never surface to callers;
// the in-process map is the source of truth.
type RedisTier struct {
	client  *redis.Client
	timeout time.Duration
	log     zerolog.Logger
}

// NewRedisTier connects and pings the Redis instance.
func NewRedisTier(ctx context.Context, addr string, db int, logger zerolog.Logger) (*RedisTier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisTier{
		client:  client,
		timeout: 2 * time.Second,
		log:     logger.With().Str("component", "cache_tier").Logger(),
	}, nil
}

// NewRedisTierFromClient wraps an existing client; used by tests with a
// mock.
func NewRedisTierFromClient(client *redis.Client, logger zerolog.Logger) *RedisTier {
	return &RedisTier{
		client:  client,
		timeout: 2 * time.Second,
		log:     logger.With().Str("component", "cache_tier").Logger(),
	}
}

// Load fetches and decodes a key. A miss, a decode failure or a Redis
// error all report absent; failures beyond a miss log at Warn.
func (t *RedisTier) Load(ctx context.Context, key Key, codec Codec) (interface{}, bool) {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	raw, err := t.client.Get(cctx, key.String()).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		t.log.Warn().Err(err).Str("key", key.String()).Msg("redis tier read failed")
		return nil, false
	}
	v, err := codec.Decode(raw)
	if err != nil {
		t.log.Warn().Err(err).Str("key", key.String()).Msg("redis tier decode failed")
		return nil, false
	}
	return v, true
}

// Store encodes and writes a key with the category TTL, best effort.
func (t *RedisTier) Store(key Key, value interface{}, ttl time.Duration, codec Codec) {
	raw, err := codec.Encode(value)
	if err != nil {
		t.log.Warn().Err(err).Str("key", key.String()).Msg("redis tier encode failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.client.Set(ctx, key.String(), raw, ttl).Err(); err != nil {
		t.log.Warn().Err(err).Str("key", key.String()).Msg("redis tier write failed")
	}
}

// Ping verifies the tier still answers within its op timeout.
func (t *RedisTier) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.client.Ping(ctx).Err()
}

// Close releases the client.
func (t *RedisTier) Close() error {
	return t.client.Close()
}
