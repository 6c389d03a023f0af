// Package ratelimit arbitrates exchange request budgets. Limiter owns
// the per-category sliding windows; Coordinator divides the effective
// budget between worker classes sitting above it. Every outbound request
// goes through Coordinator.RequestPermission and then Limiter.Acquire.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Category names a request budget on the exchange.
type Category string

const (
	CategoryMarketData Category = "market_data"
	CategoryAccount    Category = "account"
)

const (
	// windowEpsilon pads the wait for a full window so the oldest entry
	// has actually left when the caller retries.
	windowEpsilon = 10 * time.Millisecond

	// dynamicDelayStep is added on every rate-limit response.
	dynamicDelayStep = 50 * time.Millisecond

	// dynamicDelayCap bounds accumulated backoff.
	dynamicDelayCap = 500 * time.Millisecond

	// successesToRelax is how many consecutive successes shrink the
	// dynamic delay by successRelaxFactor.
	successesToRelax   = 3
	successRelaxFactor = 0.8
)

// CategoryLimit declares one category budget.
type CategoryLimit struct {
	MaxRequests int
	Window      time.Duration
}

// Config tunes the limiter.
type Config struct {
	Limits       map[Category]CategoryLimit
	SafetyFactor float64
	MinSpacing   time.Duration
}

// DefaultConfig returns the exchange's documented budgets with a 0.85
// safety factor.
func DefaultConfig() Config {
	return Config{
		Limits: map[Category]CategoryLimit{
			CategoryMarketData: {MaxRequests: 100, Window: 10 * time.Second},
			CategoryAccount:    {MaxRequests: 1000, Window: 10 * time.Second},
		},
		SafetyFactor: 0.85,
		MinSpacing:   5 * time.Millisecond,
	}
}

// categoryState is the per-category window. All fields are guarded by mu;
// the spacer serializes admissions at least MinSpacing apart on its own.
type categoryState struct {
	mu            sync.Mutex
	limit         CategoryLimit
	effective     int
	timestamps    []time.Time
	dynamicDelay  time.Duration
	consecutiveOK int
	spacer        *rate.Limiter
	admitted      uint64
	limited       uint64
}

// Limiter is the per-category sliding-window admission gate.
type Limiter struct {
	cfg    Config
	states map[Category]*categoryState
	log    zerolog.Logger
}

// NewLimiter validates cfg and builds the category windows.
func NewLimiter(cfg Config, logger zerolog.Logger) (*Limiter, error) {
	if cfg.SafetyFactor < 0.80 || cfg.SafetyFactor > 0.95 {
		return nil, fmt.Errorf("safety factor %.2f outside [0.80, 0.95]", cfg.SafetyFactor)
	}
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = 5 * time.Millisecond
	}
	states := make(map[Category]*categoryState, len(cfg.Limits))
	for cat, lim := range cfg.Limits {
		if lim.MaxRequests <= 0 || lim.Window <= 0 {
			return nil, fmt.Errorf("category %s: budget must be positive", cat)
		}
		eff := int(float64(lim.MaxRequests) * cfg.SafetyFactor)
		if eff < 1 {
			eff = 1
		}
		states[cat] = &categoryState{
			limit:     lim,
			effective: eff,
			spacer:    rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		}
	}
	return &Limiter{
		cfg:    cfg,
		states: states,
		log:    logger.With().Str("component", "ratelimit").Logger(),
	}, nil
}

// Acquire blocks until the category admits one request, honoring ctx.
// Admission keeps the count inside any trailing window at or below the
// effective limit; successful admission still pays the spacing delay
// (window/effective plus the current dynamic delay) before returning.
func (l *Limiter) Acquire(ctx context.Context, cat Category) error {
	st, ok := l.states[cat]
	if !ok {
		return fmt.Errorf("unknown rate limit category %q", cat)
	}

	// Serialize admissions so two concurrent callers are never closer
	// than MinSpacing.
	if err := st.spacer.Wait(ctx); err != nil {
		return err
	}

	for {
		st.mu.Lock()
		now := time.Now()
		st.prune(now)

		if len(st.timestamps) < st.effective {
			st.timestamps = append(st.timestamps, now)
			st.admitted++
			delay := st.limit.Window/time.Duration(st.effective) + st.dynamicDelay
			st.mu.Unlock()
			return sleepCtx(ctx, l.clamp(delay))
		}

		oldest := st.timestamps[0]
		wait := st.limit.Window - now.Sub(oldest) + windowEpsilon
		st.mu.Unlock()

		l.log.Debug().Str("category", string(cat)).Dur("wait", wait).Msg("rate window full")
		if err := sleepCtx(ctx, l.clamp(wait)); err != nil {
			return err
		}
	}
}

// RecordSuccess relaxes the dynamic delay after three consecutive
// successful calls.
func (l *Limiter) RecordSuccess(cat Category) {
	st, ok := l.states[cat]
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.consecutiveOK++
	if st.consecutiveOK >= successesToRelax {
		st.consecutiveOK = 0
		st.dynamicDelay = time.Duration(float64(st.dynamicDelay) * successRelaxFactor)
	}
}

// RecordRateLimited reacts to an exchange 429: reset the success streak
// and grow the dynamic delay, capped.
func (l *Limiter) RecordRateLimited(cat Category) {
	st, ok := l.states[cat]
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.consecutiveOK = 0
	st.limited++
	st.dynamicDelay += dynamicDelayStep
	if st.dynamicDelay > dynamicDelayCap {
		st.dynamicDelay = dynamicDelayCap
	}
	l.log.Warn().Str("category", string(cat)).Dur("dynamic_delay", st.dynamicDelay).Msg("exchange rate limit hit")
}

// Utilization returns the category's current window fill as a percentage
// of the effective limit.
func (l *Limiter) Utilization(cat Category) float64 {
	st, ok := l.states[cat]
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.prune(time.Now())
	return float64(len(st.timestamps)) / float64(st.effective) * 100
}

// CategoryStats is a point-in-time view of one budget.
type CategoryStats struct {
	Category       Category      `json:"category"`
	WindowCount    int           `json:"window_count"`
	EffectiveLimit int           `json:"effective_limit"`
	MaxRequests    int           `json:"max_requests"`
	UtilizationPct float64       `json:"utilization_pct"`
	DynamicDelay   time.Duration `json:"dynamic_delay_ns"`
	Admitted       uint64        `json:"admitted_total"`
	RateLimited    uint64        `json:"rate_limited_total"`
}

// Stats snapshots every category.
func (l *Limiter) Stats() map[Category]CategoryStats {
	out := make(map[Category]CategoryStats, len(l.states))
	now := time.Now()
	for cat, st := range l.states {
		st.mu.Lock()
		st.prune(now)
		out[cat] = CategoryStats{
			Category:       cat,
			WindowCount:    len(st.timestamps),
			EffectiveLimit: st.effective,
			MaxRequests:    st.limit.MaxRequests,
			UtilizationPct: float64(len(st.timestamps)) / float64(st.effective) * 100,
			DynamicDelay:   st.dynamicDelay,
			Admitted:       st.admitted,
			RateLimited:    st.limited,
		}
		st.mu.Unlock()
	}
	return out
}

// EffectiveLimit exposes the post-safety-factor budget for a category.
func (l *Limiter) EffectiveLimit(cat Category) int {
	st, ok := l.states[cat]
	if !ok {
		return 0
	}
	return st.effective
}

// prune drops timestamps older than the window. Caller holds mu.
func (st *categoryState) prune(now time.Time) {
	cutoff := now.Add(-st.limit.Window)
	i := 0
	for i < len(st.timestamps) && !st.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.timestamps = append(st.timestamps[:0], st.timestamps[i:]...)
	}
}

func (l *Limiter) clamp(d time.Duration) time.Duration {
	if d < l.cfg.MinSpacing {
		return l.cfg.MinSpacing
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
