package cache

import (
	"sort"
	"strings"
	"time"
)

// Category selects the TTL policy and eviction priority for an entry.
type Category string

const (
	CategoryTicker         Category = "ticker"
	CategoryMarketSummary  Category = "market_summary"
	CategoryVolumeAnalysis Category = "volume_analysis"
	CategoryCandles        Category = "candles"
	CategoryIndicators     Category = "indicators"
	CategoryValidation     Category = "validation"
	CategoryMarkets        Category = "markets"
)

// DefaultTTLs holds the per-category expiry policy. Ranges in the policy
// (ticker 5-15s, candles 60-120s, indicators 120-300s, validation
// 300-900s) default to a midpoint and are overridable per instance.
var DefaultTTLs = map[Category]time.Duration{
	CategoryTicker:         10 * time.Second,
	CategoryMarketSummary:  30 * time.Second,
	CategoryVolumeAnalysis: 45 * time.Second,
	CategoryCandles:        90 * time.Second,
	CategoryIndicators:     180 * time.Second,
	CategoryValidation:     600 * time.Second,
	CategoryMarkets:        1800 * time.Second,
}

// Key identifies a cache entry. Free-form string keys are not accepted
// anywhere in the API; params are rendered sorted so equal maps always
// produce equal keys.
type Key struct {
	Category Category
	ID       string
	Params   map[string]string
}

// NewKey builds a parameterless key.
func NewKey(cat Category, id string) Key {
	return Key{Category: cat, ID: id}
}

// WithParam returns a copy of k with one extra parameter.
func (k Key) WithParam(name, value string) Key {
	params := make(map[string]string, len(k.Params)+1)
	for n, v := range k.Params {
		params[n] = v
	}
	params[name] = value
	return Key{Category: k.Category, ID: k.ID, Params: params}
}

// String renders "category:id" or "category:id:k1=v1,k2=v2" with sorted
// parameter names.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(string(k.Category))
	b.WriteByte(':')
	b.WriteString(k.ID)
	if len(k.Params) == 0 {
		return b.String()
	}
	names := make([]string, 0, len(k.Params))
	for name := range k.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	b.WriteByte(':')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(k.Params[name])
	}
	return b.String()
}
