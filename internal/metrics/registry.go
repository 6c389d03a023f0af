// Package metrics exposes the bot's Prometheus surface. The Registry
// owns a private prometheus.Registry so tests and repeated constructions
// never collide on the global default registry. Components that keep
// their own atomic counters are bridged in at scrape time with
// RegisterCounterFunc / RegisterGaugeFunc; hot-path instruments (cache
// hits, step timers, API calls) are recorded directly.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds every instrument the bot exports.
type Registry struct {
	reg *prometheus.Registry

	StepDuration *prometheus.HistogramVec
	StepTotal    *prometheus.CounterVec

	CacheHitRatio prometheus.Gauge
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec

	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec

	SignalsEmitted *prometheus.CounterVec
	TradePnL       prometheus.Histogram

	WSClients prometheus.Gauge

	mu         sync.Mutex
	cacheTypes map[string]struct{}
}

// New builds a registry with all bot instruments registered.
func New() *Registry {
	r := &Registry{
		reg:        prometheus.NewRegistry(),
		cacheTypes: make(map[string]struct{}),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bingx_step_duration_seconds",
				Help:    "Duration of each pipeline step in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"step", "result"},
		),

		StepTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bingx_steps_total",
				Help: "Total number of pipeline steps executed",
			},
			[]string{"step", "result"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bingx_cache_hit_ratio",
				Help: "Current cache hit ratio across all cache types (0.0 to 1.0)",
			},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bingx_cache_hits_total",
				Help: "Total number of cache hits by cache type",
			},
			[]string{"cache_type"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bingx_cache_misses_total",
				Help: "Total number of cache misses by cache type",
			},
			[]string{"cache_type"},
		),

		APIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bingx_api_requests_total",
				Help: "Total exchange API requests by rate-limit category and outcome",
			},
			[]string{"category", "outcome"},
		),

		APILatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bingx_api_request_duration_seconds",
				Help:    "Exchange API request duration in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"category"},
		),

		SignalsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bingx_signals_total",
				Help: "Total signals emitted by kind",
			},
			[]string{"kind"},
		),

		TradePnL: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bingx_trade_pnl_usdt",
				Help:    "Realized per-trade pnl in USDT",
				Buckets: []float64{-500, -100, -50, -10, -1, 0, 1, 10, 50, 100, 500},
			},
		),

		WSClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bingx_ws_clients",
				Help: "Number of connected dashboard websocket clients",
			},
		),
	}

	r.reg.MustRegister(
		r.StepDuration,
		r.StepTotal,
		r.CacheHitRatio,
		r.CacheHits,
		r.CacheMisses,
		r.APIRequests,
		r.APILatency,
		r.SignalsEmitted,
		r.TradePnL,
		r.WSClients,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RegisterCounterFunc bridges a component's own monotonic counter into
// the registry; fn is read at scrape time.
func (r *Registry) RegisterCounterFunc(name, help string, fn func() float64) {
	r.reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help}, fn,
	))
}

// RegisterGaugeFunc bridges a component's instantaneous value into the
// registry; fn is read at scrape time.
func (r *Registry) RegisterGaugeFunc(name, help string, fn func() float64) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help}, fn,
	))
}

// StepTimer times one pipeline step.
type StepTimer struct {
	registry *Registry
	step     string
	start    time.Time
}

// StartStepTimer begins timing a pipeline step.
func (r *Registry) StartStepTimer(step string) *StepTimer {
	return &StepTimer{registry: r, step: step, start: time.Now()}
}

// Stop records the step's duration and outcome.
func (st *StepTimer) Stop(result string) {
	elapsed := time.Since(st.start)
	st.registry.StepDuration.WithLabelValues(st.step, result).Observe(elapsed.Seconds())
	st.registry.StepTotal.WithLabelValues(st.step, result).Inc()
}

// RecordCacheHit counts a hit and refreshes the aggregate ratio.
func (r *Registry) RecordCacheHit(cacheType string) {
	r.CacheHits.WithLabelValues(cacheType).Inc()
	r.trackCacheType(cacheType)
	r.updateCacheHitRatio()
}

// RecordCacheMiss counts a miss and refreshes the aggregate ratio.
func (r *Registry) RecordCacheMiss(cacheType string) {
	r.CacheMisses.WithLabelValues(cacheType).Inc()
	r.trackCacheType(cacheType)
	r.updateCacheHitRatio()
}

// RecordAPIRequest counts one exchange call.
func (r *Registry) RecordAPIRequest(category, outcome string, elapsed time.Duration) {
	r.APIRequests.WithLabelValues(category, outcome).Inc()
	r.APILatency.WithLabelValues(category).Observe(elapsed.Seconds())
}

// RecordSignal counts one emitted signal.
func (r *Registry) RecordSignal(kind string) {
	r.SignalsEmitted.WithLabelValues(kind).Inc()
}

// RecordTradePnL observes one realized trade result.
func (r *Registry) RecordTradePnL(pnl float64) {
	r.TradePnL.Observe(pnl)
}

func (r *Registry) trackCacheType(cacheType string) {
	r.mu.Lock()
	r.cacheTypes[cacheType] = struct{}{}
	r.mu.Unlock()
}

// updateCacheHitRatio reads the hit and miss counters back out of the
// instruments and publishes hits/(hits+misses) across every cache type
// seen so far.
func (r *Registry) updateCacheHitRatio() {
	r.mu.Lock()
	types := make([]string, 0, len(r.cacheTypes))
	for ct := range r.cacheTypes {
		types = append(types, ct)
	}
	r.mu.Unlock()

	var hits, misses float64
	sample := &dto.Metric{}
	for _, ct := range types {
		if c, err := r.CacheHits.GetMetricWithLabelValues(ct); err == nil {
			if err := c.Write(sample); err == nil {
				hits += sample.GetCounter().GetValue()
			}
		}
		if c, err := r.CacheMisses.GetMetricWithLabelValues(ct); err == nil {
			if err := c.Write(sample); err == nil {
				misses += sample.GetCounter().GetValue()
			}
		}
	}

	if total := hits + misses; total > 0 {
		r.CacheHitRatio.Set(hits / total)
	}
}
