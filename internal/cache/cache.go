// Package cache is the TTL+LRU store between the pipeline and the
// exchange. Entries are keyed by a typed Key, expire by category policy,
// and concurrent fetches for the same key collapse into one upstream
// call. An optional Redis tier backs the in-process map for categories
// with a registered codec.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Fetcher loads a value on cache miss.
type Fetcher func(ctx context.Context) (interface{}, error)

// Codec serializes a category's values for the Redis tier.
type Codec struct {
	Encode func(v interface{}) ([]byte, error)
	Decode func(data []byte) (interface{}, error)
}

type entry struct {
	data       interface{}
	created    time.Time
	expires    time.Time
	hits       uint64
	lastAccess time.Time
}

// Config tunes the in-process store.
type Config struct {
	MaxEntries   int
	TTLOverrides map[Category]time.Duration
}

// Cache is safe for concurrent use. Consumers receive the stored value
// as-is and must treat it as immutable.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	max     int
	ttls    map[Category]time.Duration

	group  singleflight.Group
	tier   *RedisTier
	codecs map[Category]Codec
	rec    Recorder

	hits      uint64
	misses    uint64
	evictions uint64
	byCat     map[Category]*categoryCounters

	log zerolog.Logger
}

// Recorder observes cache traffic per category, usually the metrics
// registry. Calls happen outside the cache lock.
type Recorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

type categoryCounters struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// New builds a cache with the default TTL table plus any overrides.
func New(cfg Config, logger zerolog.Logger) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	ttls := make(map[Category]time.Duration, len(DefaultTTLs))
	for cat, ttl := range DefaultTTLs {
		ttls[cat] = ttl
	}
	for cat, ttl := range cfg.TTLOverrides {
		ttls[cat] = ttl
	}
	return &Cache{
		entries: make(map[string]*entry),
		max:     cfg.MaxEntries,
		ttls:    ttls,
		codecs:  make(map[Category]Codec),
		byCat:   make(map[Category]*categoryCounters),
		log:     logger.With().Str("component", "cache").Logger(),
	}
}

// WithTier attaches a Redis tier consulted on local misses for
// categories that registered a codec.
func (c *Cache) WithTier(tier *RedisTier) *Cache {
	c.tier = tier
	return c
}

// WithRecorder attaches a traffic observer.
func (c *Cache) WithRecorder(rec Recorder) *Cache {
	c.rec = rec
	return c
}

// RegisterCodec enables the Redis tier for one category.
func (c *Cache) RegisterCodec(cat Category, codec Codec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codecs[cat] = codec
}

// TTL reports the effective policy for a category.
func (c *Cache) TTL(cat Category) time.Duration {
	if ttl, ok := c.ttls[cat]; ok {
		return ttl
	}
	return time.Minute
}

// Get returns the cached value when present and unexpired. Expired
// entries are removed on the spot.
func (c *Cache) Get(key Key) (interface{}, bool) {
	v, ok := c.lookup(key)
	if c.rec != nil {
		if ok {
			c.rec.RecordCacheHit(string(key.Category))
		} else {
			c.rec.RecordCacheMiss(string(key.Category))
		}
	}
	return v, ok
}

func (c *Cache) lookup(key Key) (interface{}, bool) {
	ks := key.String()
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ks]
	if !ok {
		c.misses++
		c.counters(key.Category).Misses++
		return nil, false
	}
	if now.After(e.expires) {
		delete(c.entries, ks)
		c.misses++
		c.counters(key.Category).Misses++
		return nil, false
	}
	e.hits++
	e.lastAccess = now
	c.hits++
	c.counters(key.Category).Hits++
	return e.data, true
}

// Set stores value under key with the category TTL, evicting LRU entries
// when the cache is full.
func (c *Cache) Set(key Key, value interface{}) {
	ttl := c.TTL(key.Category)
	now := time.Now()

	c.mu.Lock()
	if len(c.entries) >= c.max {
		c.evictLocked(now)
	}
	c.entries[key.String()] = &entry{
		data:       value,
		created:    now,
		expires:    now.Add(ttl),
		lastAccess: now,
	}
	c.mu.Unlock()

	if c.tier != nil {
		if codec, ok := c.codec(key.Category); ok {
			c.tier.Store(key, value, ttl, codec)
		}
	}
}

// GetOrFetch returns the cached value or invokes fetcher exactly once
// for all concurrent callers of the same key; every waiter observes the
// same value or error. Fetched values are stored before return.
func (c *Cache) GetOrFetch(ctx context.Context, key Key, fetcher Fetcher) (interface{}, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		// A racing caller may have filled the key while this one queued.
		// lookup keeps the re-check out of the recorder; the caller's Get
		// above already counted this request.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		if c.tier != nil {
			if codec, ok := c.codec(key.Category); ok {
				if v, ok := c.tier.Load(ctx, key, codec); ok {
					c.Set(key, v)
					return v, nil
				}
			}
		}
		v, err := fetcher(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})
	return v, err
}

// Invalidate removes every entry of a category.
func (c *Cache) Invalidate(cat Category) int {
	prefix := string(cat) + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for ks := range c.entries {
		if len(ks) >= len(prefix) && ks[:len(prefix)] == prefix {
			delete(c.entries, ks)
			removed++
		}
	}
	return removed
}

// InvalidateKey removes one entry.
func (c *Cache) InvalidateKey(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key.String())
}

// Sweep removes all expired entries in one pass and returns the count.
func (c *Cache) Sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for ks, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, ks)
			removed++
		}
	}
	if removed > 0 {
		c.log.Debug().Int("removed", removed).Msg("cache sweep")
	}
	return removed
}

// StartSweeper runs Sweep on interval until ctx is done. The scheduler
// also triggers sweeps; running both is harmless.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.Sweep()
			}
		}
	}()
}

// Stats is a point-in-time cache summary.
type Stats struct {
	Entries    int                            `json:"entries"`
	MaxEntries int                            `json:"max_entries"`
	Hits       uint64                         `json:"hits"`
	Misses     uint64                         `json:"misses"`
	HitRate    float64                        `json:"hit_rate"`
	Evictions  uint64                         `json:"evictions"`
	ByCategory map[Category]categoryCounters `json:"by_category"`
}

// Stats snapshots counters and per-category totals.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	perCat := make(map[Category]categoryCounters, len(c.byCat))
	for cat, counters := range c.byCat {
		counters.Entries = 0
		perCat[cat] = *counters
	}
	for ks := range c.entries {
		for cat := range c.ttls {
			prefix := string(cat) + ":"
			if len(ks) >= len(prefix) && ks[:len(prefix)] == prefix {
				cc := perCat[cat]
				cc.Entries++
				perCat[cat] = cc
				break
			}
		}
	}

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Entries:    len(c.entries),
		MaxEntries: c.max,
		Hits:       c.hits,
		Misses:     c.misses,
		HitRate:    rate,
		Evictions:  c.evictions,
		ByCategory: perCat,
	}
}

// evictLocked frees room for one insertion: expired entries go first,
// then the least recently accessed. Caller holds mu.
func (c *Cache) evictLocked(now time.Time) {
	for ks, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, ks)
			c.evictions++
		}
	}
	if len(c.entries) < c.max {
		return
	}

	type aged struct {
		key  string
		last time.Time
	}
	order := make([]aged, 0, len(c.entries))
	for ks, e := range c.entries {
		order = append(order, aged{key: ks, last: e.lastAccess})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].last.Before(order[j].last) })

	toEvict := len(c.entries) - c.max + 1
	for i := 0; i < toEvict && i < len(order); i++ {
		delete(c.entries, order[i].key)
		c.evictions++
	}
}

func (c *Cache) counters(cat Category) *categoryCounters {
	cc, ok := c.byCat[cat]
	if !ok {
		cc = &categoryCounters{}
		c.byCat[cat] = cc
	}
	return cc
}

func (c *Cache) codec(cat Category) (Codec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	codec, ok := c.codecs[cat]
	return codec, ok
}
