// Package selector builds and refreshes the tradable universe: the set
// of spot symbols that pass liquidity, spread and volatility gates. The
// scanner consumes the in-memory snapshot; assets are upserted to the
// store with the evaluated metrics attached for audit.
package selector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/stat"

	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/errs"
	"github.com/vtrpza/bingxv3/internal/exchange"
	"github.com/vtrpza/bingxv3/internal/store"
)

// Volatility sweet spot. Fit is 1.0 inside, decaying linearly to 0 at
// the admission gates.
const (
	volFitLow  = 2.0
	volFitHigh = 8.0
)

// volumeTierCap is the 24h quote volume at which volume_tier saturates.
const volumeTierCap = 10_000_000.0

// Criteria defines the admission gates for universe construction.
// Percentages are in percent units (2.0 means 2%).
type Criteria struct {
	Quote         string        `json:"quote"`
	MinVolume24h  float64       `json:"min_volume_24h_usdt"`
	MaxSpreadPct  float64       `json:"max_spread_pct"`
	MinVolatility float64       `json:"min_volatility_pct"`
	MaxVolatility float64       `json:"max_volatility_pct"`
	MinLiquidity  float64       `json:"min_liquidity_score"`
	TTL           time.Duration `json:"ttl"`
}

// DefaultCriteria returns the stock admission gates.
func DefaultCriteria() Criteria {
	return Criteria{
		Quote:         "USDT",
		MinVolume24h:  10_000,
		MaxSpreadPct:  2.0,
		MinVolatility: 0.1,
		MaxVolatility: 50.0,
		MinLiquidity:  0.1,
		TTL:           time.Hour,
	}
}

// Metrics are the evaluated statistics for one symbol. All values are
// scores or ratios, so floats are fine here; money stays decimal in the
// ticker they were derived from.
type Metrics struct {
	Symbol         string  `json:"symbol" msgpack:"symbol"`
	LastPrice      float64 `json:"last_price" msgpack:"last_price"`
	Volume24h      float64 `json:"volume_24h_usdt" msgpack:"volume_24h_usdt"`
	SpreadPct      float64 `json:"spread_pct" msgpack:"spread_pct"`
	VolatilityPct  float64 `json:"volatility_pct" msgpack:"volatility_pct"`
	LiquidityScore float64 `json:"liquidity_score" msgpack:"liquidity_score"`
	VolumeTier     float64 `json:"volume_tier" msgpack:"volume_tier"`
	VolatilityFit  float64 `json:"volatility_fit" msgpack:"volatility_fit"`
	Score          float64 `json:"score" msgpack:"score"`
}

// Evaluation is the admission decision for one symbol.
type Evaluation struct {
	Metrics Metrics  `json:"metrics"`
	Passed  bool     `json:"passed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Metadata contains generation metadata and the integrity hash.
type Metadata struct {
	Generated time.Time `json:"generated"`
	Source    string    `json:"source"`
	Criteria  Criteria  `json:"criteria"`
	Hash      string    `json:"hash"`
	Count     int       `json:"count"`
}

// Snapshot is a point-in-time universe. Universe is ordered by score
// descending with ties broken by liquidity then symbol.
type Snapshot struct {
	Metadata Metadata           `json:"_metadata"`
	Universe []string           `json:"universe"`
	Scores   map[string]float64 `json:"scores"`
}

// Contains reports whether symbol is in the snapshot universe.
func (s *Snapshot) Contains(symbol string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Scores[symbol]
	return ok
}

// BuildResult contains one build outcome including membership changes.
type BuildResult struct {
	Snapshot    *Snapshot `json:"snapshot"`
	HashChanged bool      `json:"hash_changed"`
	PrevHash    string    `json:"prev_hash"`
	NewHash     string    `json:"new_hash"`
	Added       []string  `json:"added"`
	Removed     []string  `json:"removed"`
	Evaluated   int       `json:"evaluated"`
	Rejected    int       `json:"rejected"`
}

// Stats is a point-in-time view for dashboards.
type Stats struct {
	LastBuild   time.Time `json:"last_build"`
	Count       int       `json:"count"`
	Hash        string    `json:"hash"`
	Builds      uint64    `json:"builds"`
	LastBuildMS int64     `json:"last_build_ms"`
}

// Selector owns the current universe snapshot and rebuilds it when the
// TTL lapses or on demand.
type Selector struct {
	exchange exchange.Exchange
	assets   store.AssetsRepo
	criteria Criteria
	log      zerolog.Logger

	buildMu sync.Mutex // serializes rebuilds

	mu      sync.RWMutex
	current *Snapshot
	builds  uint64
	lastDur time.Duration
}

// New wires a selector. assets may be nil, in which case evaluations are
// not persisted (used by one-shot CLI analysis).
func New(ex exchange.Exchange, assets store.AssetsRepo, criteria Criteria, logger zerolog.Logger) (*Selector, error) {
	if ex == nil {
		return nil, errs.Validationf("selector: exchange is required")
	}
	if criteria.Quote == "" {
		criteria.Quote = "USDT"
	}
	if criteria.TTL <= 0 {
		criteria.TTL = time.Hour
	}
	if criteria.MaxSpreadPct <= 0 || criteria.MaxVolatility <= criteria.MinVolatility {
		return nil, errs.Validationf("selector: invalid criteria gates")
	}

	return &Selector{
		exchange: ex,
		assets:   assets,
		criteria: criteria,
		log:      logger.With().Str("component", "selector").Logger(),
	}, nil
}

// Universe returns the current snapshot, rebuilding it first when the
// TTL has lapsed or no build has happened yet.
func (s *Selector) Universe(ctx context.Context) (*Snapshot, error) {
	if snap := s.fresh(); snap != nil {
		return snap, nil
	}
	res, err := s.rebuild(ctx, false)
	if err != nil {
		return nil, err
	}
	return res.Snapshot, nil
}

// Refresh forces a rebuild regardless of TTL and reports what changed.
func (s *Selector) Refresh(ctx context.Context) (*BuildResult, error) {
	return s.rebuild(ctx, true)
}

// Current returns the last built snapshot without triggering a build.
// It is nil before the first build.
func (s *Selector) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Stats reports build counters for dashboards.
func (s *Selector) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Builds:      s.builds,
		LastBuildMS: s.lastDur.Milliseconds(),
	}
	if s.current != nil {
		st.LastBuild = s.current.Metadata.Generated
		st.Count = s.current.Metadata.Count
		st.Hash = s.current.Metadata.Hash
	}
	return st
}

func (s *Selector) fresh() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return nil
	}
	if time.Since(s.current.Metadata.Generated) >= s.criteria.TTL {
		return nil
	}
	return s.current
}

func (s *Selector) rebuild(ctx context.Context, force bool) (*BuildResult, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	// Another caller may have rebuilt while we waited for the lock.
	if !force {
		if snap := s.fresh(); snap != nil {
			return &BuildResult{Snapshot: snap, PrevHash: snap.Metadata.Hash, NewHash: snap.Metadata.Hash}, nil
		}
	}

	start := time.Now()

	markets, err := s.exchange.FetchMarkets(ctx)
	if err != nil {
		return nil, err
	}
	tickers, err := s.exchange.FetchMultipleTickers(ctx)
	if err != nil {
		return nil, err
	}

	evals := make([]Evaluation, 0, len(markets))
	marketsBySymbol := make(map[string]domain.Market, len(markets))
	for _, m := range markets {
		marketsBySymbol[m.Symbol] = m

		if m.Status != "online" {
			evals = append(evals, Evaluation{
				Metrics: Metrics{Symbol: m.Symbol},
				Reasons: []string{"market not trading"},
			})
			continue
		}
		t, ok := tickers[m.Symbol]
		if !ok {
			evals = append(evals, Evaluation{
				Metrics: Metrics{Symbol: m.Symbol},
				Reasons: []string{"no ticker"},
			})
			continue
		}
		evals = append(evals, Evaluate(m.Symbol, t, s.criteria))
	}

	passing := make([]Evaluation, 0, len(evals))
	for _, ev := range evals {
		if ev.Passed {
			passing = append(passing, ev)
		}
	}
	sort.Slice(passing, func(i, j int) bool {
		a, b := passing[i].Metrics, passing[j].Metrics
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.LiquidityScore != b.LiquidityScore {
			return a.LiquidityScore > b.LiquidityScore
		}
		return a.Symbol < b.Symbol
	})

	universe := make([]string, len(passing))
	scores := make(map[string]float64, len(passing))
	for i, ev := range passing {
		universe[i] = ev.Metrics.Symbol
		scores[ev.Metrics.Symbol] = ev.Metrics.Score
	}

	snapshot := &Snapshot{
		Metadata: Metadata{
			Generated: time.Now().UTC(),
			Source:    "bingx",
			Criteria:  s.criteria,
			Count:     len(universe),
		},
		Universe: universe,
		Scores:   scores,
	}
	snapshot.Metadata.Hash = generateHash(s.criteria, universe)

	prev := s.Current()
	prevHash := ""
	if prev != nil {
		prevHash = prev.Metadata.Hash
	}
	added, removed := computeChanges(prev, scores)

	s.persist(ctx, evals, marketsBySymbol, universe)
	s.logScoreSummary(passing)

	s.mu.Lock()
	s.current = snapshot
	s.builds++
	s.lastDur = time.Since(start)
	s.mu.Unlock()

	s.log.Info().
		Int("evaluated", len(evals)).
		Int("admitted", len(universe)).
		Int("added", len(added)).
		Int("removed", len(removed)).
		Bool("hash_changed", prevHash != snapshot.Metadata.Hash).
		Dur("took", time.Since(start)).
		Msg("Universe build completed")

	return &BuildResult{
		Snapshot:    snapshot,
		HashChanged: prevHash != snapshot.Metadata.Hash,
		PrevHash:    prevHash,
		NewHash:     snapshot.Metadata.Hash,
		Added:       added,
		Removed:     removed,
		Evaluated:   len(evals),
		Rejected:    len(evals) - len(universe),
	}, nil
}

// persist upserts every evaluated asset with its metrics blob and
// soft-invalidates symbols that were not admitted this round. Store
// failures are logged and counted, not fatal: the in-memory snapshot
// stays authoritative for the scanner.
func (s *Selector) persist(ctx context.Context, evals []Evaluation, markets map[string]domain.Market, universe []string) {
	if s.assets == nil {
		return
	}

	now := time.Now().UTC()
	var failed int
	for _, ev := range evals {
		blob, err := msgpack.Marshal(ev.Metrics)
		if err != nil {
			s.log.Error().Err(err).Str("symbol", ev.Metrics.Symbol).Msg("Failed to encode validation blob")
			continue
		}

		m := markets[ev.Metrics.Symbol]
		asset := domain.Asset{
			Symbol:         ev.Metrics.Symbol,
			IsValid:        ev.Passed,
			MinOrderSize:   m.MinNotional,
			QtyPrecision:   m.QtyPrecision,
			LastValidation: now,
			ValidationBlob: blob,
		}
		if err := s.assets.Upsert(ctx, &asset); err != nil {
			failed++
			s.log.Error().Err(err).Str("symbol", asset.Symbol).Msg("Failed to upsert asset")
		}
	}

	if n, err := s.assets.InvalidateExcept(ctx, universe); err != nil {
		s.log.Error().Err(err).Msg("Failed to invalidate dropped assets")
	} else if n > 0 {
		s.log.Info().Int64("count", n).Msg("Invalidated delisted assets")
	}

	if failed > 0 {
		s.log.Warn().Int("failed", failed).Msg("Some asset upserts failed")
	}
}

func (s *Selector) logScoreSummary(passing []Evaluation) {
	if len(passing) == 0 {
		s.log.Warn().Msg("Universe is empty after gating")
		return
	}

	scores := make([]float64, len(passing))
	for i, ev := range passing {
		scores[i] = ev.Metrics.Score
	}
	sort.Float64s(scores)

	s.log.Info().
		Int("count", len(scores)).
		Float64("mean", stat.Mean(scores, nil)).
		Float64("stddev", stat.StdDev(scores, nil)).
		Float64("min", scores[0]).
		Float64("median", stat.Quantile(0.5, stat.Empirical, scores, nil)).
		Float64("max", scores[len(scores)-1]).
		Msg("Universe score distribution")
}

// Evaluate applies the admission gates and scoring to one ticker. It is
// pure: same ticker and criteria always produce the same evaluation.
func Evaluate(symbol string, t domain.Ticker, c Criteria) Evaluation {
	m := Metrics{Symbol: symbol}

	last := t.Last.InexactFloat64()
	if last <= 0 {
		return Evaluation{Metrics: m, Reasons: []string{"no last price"}}
	}
	m.LastPrice = last
	m.Volume24h = t.QuoteVolume.InexactFloat64()

	bid := t.Bid.InexactFloat64()
	ask := t.Ask.InexactFloat64()
	if bid <= 0 || ask <= 0 || ask < bid {
		return Evaluation{Metrics: m, Reasons: []string{"missing or crossed quotes"}}
	}
	m.SpreadPct = (ask - bid) / last * 100

	high := t.High24h.InexactFloat64()
	low := t.Low24h.InexactFloat64()
	m.VolatilityPct = (high - low) / last * 100

	m.VolumeTier = math.Min(m.Volume24h/volumeTierCap, 1)
	m.LiquidityScore = 0.7*m.VolumeTier + 0.3*math.Max(0, 1-m.SpreadPct)
	m.VolatilityFit = volatilityFit(m.VolatilityPct, c)

	var reasons []string
	if m.Volume24h < c.MinVolume24h {
		reasons = append(reasons, "volume below minimum")
	}
	if m.SpreadPct > c.MaxSpreadPct {
		reasons = append(reasons, "spread too wide")
	}
	if m.VolatilityPct < c.MinVolatility || m.VolatilityPct > c.MaxVolatility {
		reasons = append(reasons, "volatility out of range")
	}
	if m.LiquidityScore < c.MinLiquidity {
		reasons = append(reasons, "liquidity score below minimum")
	}
	if len(reasons) > 0 {
		return Evaluation{Metrics: m, Reasons: reasons}
	}

	spreadScore := math.Max(0, 1-m.SpreadPct/c.MaxSpreadPct)
	m.Score = 0.30*m.VolumeTier + 0.25*spreadScore + 0.25*m.VolatilityFit + 0.20*m.LiquidityScore

	return Evaluation{Metrics: m, Passed: true}
}

// volatilityFit peaks at 1.0 inside [volFitLow, volFitHigh] and decays
// linearly to 0 at the admission gates.
func volatilityFit(v float64, c Criteria) float64 {
	switch {
	case v >= volFitLow && v <= volFitHigh:
		return 1
	case v < volFitLow:
		fit := (v - c.MinVolatility) / (volFitLow - c.MinVolatility)
		return math.Max(0, math.Min(1, fit))
	default:
		fit := (c.MaxVolatility - v) / (c.MaxVolatility - volFitHigh)
		return math.Max(0, math.Min(1, fit))
	}
}

// generateHash creates a hex hash over {criteria, symbols[]} with the
// symbols alphabetized, so ordering by score does not change identity.
func generateHash(c Criteria, universe []string) string {
	sorted := make([]string, len(universe))
	copy(sorted, universe)
	sort.Strings(sorted)

	hashData := struct {
		Criteria Criteria `json:"criteria"`
		Symbols  []string `json:"symbols"`
	}{Criteria: c, Symbols: sorted}

	jsonData, _ := json.Marshal(hashData)
	sum := sha256.Sum256(jsonData)
	return hex.EncodeToString(sum[:])
}

// computeChanges diffs the new membership against the previous snapshot.
func computeChanges(prev *Snapshot, next map[string]float64) (added, removed []string) {
	if prev == nil {
		added = make([]string, 0, len(next))
		for sym := range next {
			added = append(added, sym)
		}
		sort.Strings(added)
		return added, nil
	}

	for sym := range next {
		if !prev.Contains(sym) {
			added = append(added, sym)
		}
	}
	for _, sym := range prev.Universe {
		if _, ok := next[sym]; !ok {
			removed = append(removed, sym)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
