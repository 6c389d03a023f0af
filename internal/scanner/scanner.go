// Package scanner drives the signal pipeline: fan out over the selected
// universe, fetch candles, compute indicators, evaluate the composite
// rules and publish the aggregate verdicts. Per-symbol failures are
// swallowed and counted so one bad symbol never stalls a batch.
package scanner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"
	"github.com/rs/zerolog"

	"github.com/vtrpza/bingxv3/internal/bus"
	"github.com/vtrpza/bingxv3/internal/config"
	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/errs"
	"github.com/vtrpza/bingxv3/internal/exchange"
	"github.com/vtrpza/bingxv3/internal/indicators"
	"github.com/vtrpza/bingxv3/internal/ratelimit"
	"github.com/vtrpza/bingxv3/internal/selector"
	"github.com/vtrpza/bingxv3/internal/store"
	"github.com/vtrpza/bingxv3/internal/stream"
)

// Full-scan batch shapes by market-data limiter utilization. Wide and
// fast under headroom, narrow and spaced when the window is tight.
const (
	relaxedBatch = 50
	relaxedDelay = 50 * time.Millisecond

	steadyBatch = 35
	steadyDelay = 150 * time.Millisecond

	tightBatch = 20
	tightDelay = 250 * time.Millisecond

	relaxedBelowPct = 60.0
	steadyBelowPct  = 85.0
)

// Deps are the pipeline services the scanner rides on. Repos and
// Broadcaster may be nil; Exchange, Selector, Bus, Limiter and
// Coordinator must not be.
type Deps struct {
	Exchange    exchange.Exchange
	Selector    *selector.Selector
	Bus         *bus.Bus
	Repos       *store.Repository
	Limiter     *ratelimit.Limiter
	Coordinator *ratelimit.Coordinator
	Broadcaster stream.Broadcaster
	Logger      zerolog.Logger
}

// Scanner is the pipeline heart. Run drives it; ScanSymbol is exposed
// for one-shot analysis.
type Scanner struct {
	exchange    exchange.Exchange
	selector    *selector.Selector
	engine      *indicators.Engine
	rules       ruleSet
	bus         *bus.Bus
	repos       *store.Repository
	limiter     *ratelimit.Limiter
	pool        *pond.WorkerPool
	broadcaster stream.Broadcaster
	cfg         config.ScannerConfig
	signals     config.SignalConfig
	log         zerolog.Logger

	cycles       uint64
	scanned      uint64
	emitted      uint64
	persisted    uint64
	persistFails uint64
	errors       uint64

	lastCycleUnix int64 // unix nanos
	lastCycleDur  int64 // nanos
}

// Stats is a snapshot of scanner throughput counters.
type Stats struct {
	Cycles       uint64    `json:"cycles"`
	Scanned      uint64    `json:"symbols_scanned"`
	Emitted      uint64    `json:"signals_emitted"`
	Persisted    uint64    `json:"signals_persisted"`
	PersistFails uint64    `json:"persist_failures"`
	Errors       uint64    `json:"errors"`
	LastCycle    time.Time `json:"last_cycle"`
	LastCycleMS  int64     `json:"last_cycle_ms"`
}

// cycleStatus is the payload broadcast after every cycle.
type cycleStatus struct {
	Cycle      uint64 `json:"cycle"`
	Mode       string `json:"mode"`
	Universe   int    `json:"universe"`
	Scanned    uint64 `json:"scanned"`
	Signals    uint64 `json:"signals"`
	Failures   uint64 `json:"failures"`
	DurationMS int64  `json:"duration_ms"`
}

// New validates dependencies, applies config defaults and builds the
// indicator engine the pipeline computes with.
func New(cfg config.ScannerConfig, signals config.SignalConfig, ind config.IndicatorConfig, deps Deps) (*Scanner, error) {
	if deps.Exchange == nil || deps.Selector == nil || deps.Bus == nil {
		return nil, errs.Validationf("scanner requires exchange, selector and bus")
	}
	if deps.Limiter == nil || deps.Coordinator == nil {
		return nil, errs.Validationf("scanner requires limiter and coordinator")
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = stream.Nop{}
	}

	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FullScanEvery <= 0 {
		cfg.FullScanEvery = 10
	}
	if cfg.Candles1m <= 0 {
		cfg.Candles1m = 50
	}
	if cfg.Candles2h <= 0 {
		cfg.Candles2h = 100
	}
	if cfg.Candles4h <= 0 {
		cfg.Candles4h = 100
	}
	if signals.BuyThreshold <= 0 {
		signals.BuyThreshold = 0.4
	}
	if signals.AuditThreshold <= 0 {
		signals.AuditThreshold = 0.3
	}

	engine, err := indicators.NewEngine(indicators.Config{
		MM1Period:       ind.MM1Period,
		CenterPeriod:    ind.CenterPeriod,
		RSIPeriod:       ind.RSIPeriod,
		VolumeSMAPeriod: ind.VolumeSMAPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build indicator engine: %w", err)
	}

	return &Scanner{
		exchange:    deps.Exchange,
		selector:    deps.Selector,
		engine:      engine,
		rules:       ruleSet{cfg: ind},
		bus:         deps.Bus,
		repos:       deps.Repos,
		limiter:     deps.Limiter,
		pool:        deps.Coordinator.Pool(ratelimit.ClassScanner),
		broadcaster: deps.Broadcaster,
		cfg:         cfg,
		signals:     signals,
		log:         deps.Logger.With().Str("component", "scanner").Logger(),
	}, nil
}

// Run drives the scan loop until ctx is cancelled. Every FullScanEvery-th
// cycle widens to a full scan; the rest run the continuous batch shape.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Int("batch_size", s.cfg.BatchSize).
		Int("full_scan_every", s.cfg.FullScanEvery).
		Msg("Scanner started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scanner stopped")
			return nil
		case <-ticker.C:
			cycle := atomic.AddUint64(&s.cycles, 1)
			if cycle%uint64(s.cfg.FullScanEvery) == 0 {
				s.runCycle(ctx, cycle, "full")
			} else {
				s.runCycle(ctx, cycle, "continuous")
			}
		}
	}
}

// Stats snapshots the throughput counters.
func (s *Scanner) Stats() Stats {
	return Stats{
		Cycles:       atomic.LoadUint64(&s.cycles),
		Scanned:      atomic.LoadUint64(&s.scanned),
		Emitted:      atomic.LoadUint64(&s.emitted),
		Persisted:    atomic.LoadUint64(&s.persisted),
		PersistFails: atomic.LoadUint64(&s.persistFails),
		Errors:       atomic.LoadUint64(&s.errors),
		LastCycle:    time.Unix(0, atomic.LoadInt64(&s.lastCycleUnix)).UTC(),
		LastCycleMS:  atomic.LoadInt64(&s.lastCycleDur) / int64(time.Millisecond),
	}
}

func (s *Scanner) runCycle(ctx context.Context, cycle uint64, mode string) {
	snap, err := s.selector.Universe(ctx)
	if err != nil {
		atomic.AddUint64(&s.errors, 1)
		s.log.Warn().Err(err).Msg("universe unavailable, skipping cycle")
		return
	}

	batch, delay := s.cfg.BatchSize, time.Duration(0)
	if mode == "full" {
		batch, delay = fullScanShape(s.limiter.Utilization(ratelimit.CategoryMarketData))
	}

	start := time.Now()
	scanned, signals, failures := s.scanBatches(ctx, snap.Universe, batch, delay)
	dur := time.Since(start)

	atomic.StoreInt64(&s.lastCycleUnix, start.UnixNano())
	atomic.StoreInt64(&s.lastCycleDur, int64(dur))

	s.broadcaster.Broadcast(stream.NewEvent(stream.EventScannerStatus, cycleStatus{
		Cycle:      cycle,
		Mode:       mode,
		Universe:   len(snap.Universe),
		Scanned:    scanned,
		Signals:    signals,
		Failures:   failures,
		DurationMS: dur.Milliseconds(),
	}))
	s.log.Debug().
		Uint64("cycle", cycle).
		Str("mode", mode).
		Int("universe", len(snap.Universe)).
		Uint64("scanned", scanned).
		Uint64("signals", signals).
		Uint64("failures", failures).
		Dur("took", dur).
		Msg("scan cycle complete")
}

// fullScanShape sizes full-scan batches by market-data utilization.
func fullScanShape(util float64) (int, time.Duration) {
	switch {
	case util < relaxedBelowPct:
		return relaxedBatch, relaxedDelay
	case util < steadyBelowPct:
		return steadyBatch, steadyDelay
	default:
		return tightBatch, tightDelay
	}
}

// scanBatches fans each batch out on the scanner pool and waits for it
// before starting the next, bounding total in-flight work.
func (s *Scanner) scanBatches(ctx context.Context, symbols []string, batchSize int, delay time.Duration) (scanned, signals, failures uint64) {
	for i := 0; i < len(symbols); i += batchSize {
		if ctx.Err() != nil {
			return
		}
		end := i + batchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		group := s.pool.Group()
		for _, symbol := range symbols[i:end] {
			symbol := symbol
			group.Submit(func() {
				sig, err := s.ScanSymbol(ctx, symbol)
				atomic.AddUint64(&scanned, 1)
				atomic.AddUint64(&s.scanned, 1)
				switch {
				case err != nil:
					atomic.AddUint64(&failures, 1)
					atomic.AddUint64(&s.errors, 1)
					s.log.Debug().Err(err).Str("symbol", symbol).Msg("symbol scan failed")
				case sig != nil && sig.Status == domain.SignalPending:
					atomic.AddUint64(&signals, 1)
				}
			})
		}
		group.Wait()

		if delay > 0 && end < len(symbols) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
	return
}

// ScanSymbol runs the fetch, compute, evaluate pipeline for one symbol.
// It returns (nil, nil) when the symbol yields nothing worth recording:
// insufficient history, a NEUTRAL verdict, or confidence below the
// audit threshold. Signals at or above the audit threshold are always
// persisted; only those clearing the buy threshold reach the bus.
func (s *Scanner) ScanSymbol(ctx context.Context, symbol string) (*domain.Signal, error) {
	// 1m keeps the price cache warm for the trading engine; rules read
	// 2h and 4h.
	plan := []struct {
		tf    domain.Timeframe
		limit int
	}{
		{domain.Timeframe1m, s.cfg.Candles1m},
		{domain.Timeframe2h, s.cfg.Candles2h},
		{domain.Timeframe4h, s.cfg.Candles4h},
	}

	results := make(map[domain.Timeframe]indicators.Result, len(plan))
	lastCandle := make(map[domain.Timeframe]domain.Candle, len(plan))
	var candles2h []domain.Candle

	for _, p := range plan {
		candles, err := s.exchange.FetchCandles(ctx, symbol, p.tf, p.limit, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s candles for %s: %w", p.tf, symbol, err)
		}
		cleaned := indicators.CleanCandles(candles)
		s.persistCandles(ctx, cleaned)

		res, err := s.engine.Compute(cleaned)
		if err != nil {
			if errs.KindOf(err) == errs.KindInsufficientData {
				s.log.Debug().Str("symbol", symbol).Str("timeframe", string(p.tf)).
					Msg("insufficient history, skipping symbol")
				return nil, nil
			}
			return nil, fmt.Errorf("failed to compute %s indicators for %s: %w", p.tf, symbol, err)
		}
		results[p.tf] = res
		lastCandle[p.tf] = cleaned[len(cleaned)-1]
		if p.tf == domain.Timeframe2h {
			candles2h = cleaned
		}
	}

	snapshot := make(map[domain.Timeframe]domain.IndicatorSet, len(results))
	for tf, res := range results {
		set := res.Set(symbol, tf, lastCandle[tf])
		snapshot[tf] = set
		s.persistIndicators(ctx, set)
	}

	fired := s.rules.evaluate(results, candles2h)
	verdict := aggregate(fired)
	if verdict.Kind == domain.SignalNeutral || verdict.Confidence < s.signals.AuditThreshold {
		return nil, nil
	}

	names := make([]string, len(verdict.Rules))
	for i, r := range verdict.Rules {
		names[i] = r.Rule
	}
	sig := domain.NewSignal(symbol, verdict.Kind, verdict.Confidence, names, snapshot)

	// Below the buy threshold the signal is an audit record only: it is
	// stored pre-rejected so the pending queue never holds anything the
	// trading engine should not act on.
	emit := verdict.Confidence >= s.signals.BuyThreshold
	if !emit {
		sig.Status = domain.SignalRejected
	}
	s.persistSignal(ctx, &sig)

	if emit {
		s.bus.Publish(sig)
		atomic.AddUint64(&s.emitted, 1)
		s.broadcaster.Broadcast(stream.NewEvent(stream.EventNewSignal, sig))
		s.log.Info().
			Str("symbol", symbol).
			Str("kind", string(sig.Kind)).
			Float64("strength", sig.Strength).
			Strs("rules", names).
			Msg("signal emitted")
	}
	return &sig, nil
}

// persistCandles stores fetched candles best-effort: storage loss never
// blocks the pipeline, the cache and snapshot stay authoritative.
func (s *Scanner) persistCandles(ctx context.Context, candles []domain.Candle) {
	if s.repos == nil || len(candles) == 0 {
		return
	}
	if _, err := s.repos.Candles.BulkUpsert(ctx, candles); err != nil {
		atomic.AddUint64(&s.persistFails, 1)
		s.log.Warn().Err(err).Str("symbol", candles[0].Symbol).Msg("failed to persist candles")
	}
}

func (s *Scanner) persistIndicators(ctx context.Context, set domain.IndicatorSet) {
	if s.repos == nil {
		return
	}
	if err := s.repos.Indicators.Upsert(ctx, set); err != nil {
		atomic.AddUint64(&s.persistFails, 1)
		s.log.Warn().Err(err).Str("symbol", set.Symbol).Msg("failed to persist indicators")
	}
}

func (s *Scanner) persistSignal(ctx context.Context, sig *domain.Signal) {
	if s.repos == nil {
		return
	}
	if err := s.repos.Signals.Create(ctx, sig); err != nil {
		atomic.AddUint64(&s.persistFails, 1)
		s.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("failed to persist signal")
		return
	}
	atomic.AddUint64(&s.persisted, 1)
}
