package scanner

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/vtrpza/bingxv3/internal/config"
	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/indicators"
)

// Rule confidences by timeframe. 4h evidence outweighs 2h.
const (
	confCrossover2h = 0.6
	confCrossover4h = 0.7
	confDistance2h  = 0.5
	confDistance4h  = 0.6

	// strongRuleCount and strongConfidence promote a one-sided verdict
	// to its STRONG variant.
	strongRuleCount  = 2
	strongConfidence = 0.7

	// conflictRatio is the dominance factor one side needs over the
	// other when both fire.
	conflictRatio = 1.2

	// volumeConfDivisor maps a spike ratio to confidence: ratio/5
	// capped at 1.
	volumeConfDivisor = 5.0
)

// Intensity buckets a volume spike by its ratio over the trailing
// average.
type Intensity string

const (
	IntensityLow      Intensity = "LOW"
	IntensityModerate Intensity = "MODERATE"
	IntensityHigh     Intensity = "HIGH"
	IntensityExtreme  Intensity = "EXTREME"
)

// intensityFor maps a spike ratio to its bucket. Boundaries at 3, 5
// and 8; anything below 3 that still qualified as a spike is LOW.
func intensityFor(ratio float64) Intensity {
	switch {
	case ratio >= 8:
		return IntensityExtreme
	case ratio >= 5:
		return IntensityHigh
	case ratio >= 3:
		return IntensityModerate
	default:
		return IntensityLow
	}
}

// RuleResult is one rule firing on one timeframe.
type RuleResult struct {
	Rule       string            `json:"rule"`
	Timeframe  domain.Timeframe  `json:"timeframe"`
	Kind       domain.SignalKind `json:"kind"`
	Confidence float64           `json:"confidence"`
	Intensity  Intensity         `json:"intensity,omitempty"`
}

// Verdict is the aggregate of all rule firings for one symbol.
type Verdict struct {
	Kind       domain.SignalKind
	Confidence float64
	Rules      []RuleResult
}

// ruleSet evaluates the composite rules over per-timeframe indicator
// results. It is pure; the scanner owns fetching and persistence.
type ruleSet struct {
	cfg config.IndicatorConfig
}

// evaluate runs every rule. candles2h backs the volume-spike baseline;
// it must be the same series the 2h result was computed from.
func (rs ruleSet) evaluate(res map[domain.Timeframe]indicators.Result, candles2h []domain.Candle) []RuleResult {
	var out []RuleResult
	if r, ok := rs.crossoverRule(res); ok {
		out = append(out, r)
	}
	out = append(out, rs.distanceRules(res)...)
	if r, ok := rs.volumeRule(res, candles2h); ok {
		out = append(out, r)
	}
	return out
}

// crossoverRule fires when the latest fast/slow cross has RSI inside
// the confirmation band. 4h is checked first and shadows 2h, so at
// most one instance fires.
func (rs ruleSet) crossoverRule(res map[domain.Timeframe]indicators.Result) (RuleResult, bool) {
	for _, tf := range []domain.Timeframe{domain.Timeframe4h, domain.Timeframe2h} {
		r, ok := res[tf]
		if !ok || r.Crossover == indicators.CrossNone {
			continue
		}
		rsi, _ := r.RSI.Float64()
		if rsi < rs.cfg.RSIMin || rsi > rs.cfg.RSIMax {
			continue
		}
		kind := domain.SignalBuy
		if r.Crossover == indicators.CrossBearish {
			kind = domain.SignalSell
		}
		conf := confCrossover2h
		if tf == domain.Timeframe4h {
			conf = confCrossover4h
		}
		return RuleResult{
			Rule:       fmt.Sprintf("ma_crossover_%s", tf),
			Timeframe:  tf,
			Kind:       kind,
			Confidence: conf,
		}, true
	}
	return RuleResult{}, false
}

// distanceRules fires per timeframe when the fast MA has pulled away
// from the center by at least the timeframe's threshold. Direction
// follows which side of the center the fast MA sits on.
func (rs ruleSet) distanceRules(res map[domain.Timeframe]indicators.Result) []RuleResult {
	var out []RuleResult
	for _, tf := range []domain.Timeframe{domain.Timeframe2h, domain.Timeframe4h} {
		r, ok := res[tf]
		if !ok {
			continue
		}
		threshold, conf := rs.cfg.MADistance2h, confDistance2h
		if tf == domain.Timeframe4h {
			threshold, conf = rs.cfg.MADistance4h, confDistance4h
		}
		dist, _ := r.MADistance.Float64()
		if dist < threshold {
			continue
		}
		kind := domain.SignalSell
		if r.MM1.GreaterThan(r.Center) {
			kind = domain.SignalBuy
		}
		out = append(out, RuleResult{
			Rule:       fmt.Sprintf("ma_distance_%s", tf),
			Timeframe:  tf,
			Kind:       kind,
			Confidence: conf,
		})
	}
	return out
}

// volumeRule fires on a 2h volume spike when the MA direction is
// unambiguous. The baseline average excludes the bar being judged, so
// the spike itself cannot dilute it.
func (rs ruleSet) volumeRule(res map[domain.Timeframe]indicators.Result, candles []domain.Candle) (RuleResult, bool) {
	r, ok := res[domain.Timeframe2h]
	if !ok {
		return RuleResult{}, false
	}
	cleaned := indicators.CleanCandles(candles)
	if len(cleaned) < rs.cfg.VolumeLookback+1 {
		return RuleResult{}, false
	}

	prior := make([]decimal.Decimal, len(cleaned)-1)
	for i, c := range cleaned[:len(cleaned)-1] {
		prior[i] = c.Volume
	}
	avg, err := indicators.SMA(prior, rs.cfg.VolumeLookback)
	if err != nil || !avg.IsPositive() {
		return RuleResult{}, false
	}

	ratio, _ := cleaned[len(cleaned)-1].Volume.Div(avg).Float64()
	if ratio < rs.cfg.VolumeSpike {
		return RuleResult{}, false
	}

	var kind domain.SignalKind
	switch {
	case r.MM1.GreaterThan(r.Center):
		kind = domain.SignalBuy
	case r.MM1.LessThan(r.Center):
		kind = domain.SignalSell
	default:
		return RuleResult{}, false
	}
	return RuleResult{
		Rule:       "volume_spike_2h",
		Timeframe:  domain.Timeframe2h,
		Kind:       kind,
		Confidence: math.Min(ratio/volumeConfDivisor, 1),
		Intensity:  intensityFor(ratio),
	}, true
}

// aggregate folds rule firings into an overall verdict. One-sided
// firings average their confidences; conflicting sides need 1.2x
// dominance or the verdict stays NEUTRAL.
func aggregate(rules []RuleResult) Verdict {
	var buySum, sellSum float64
	var buyN, sellN int
	for _, r := range rules {
		switch r.Kind.Side() {
		case domain.SideBuy:
			buySum += r.Confidence
			buyN++
		case domain.SideSell:
			sellSum += r.Confidence
			sellN++
		}
	}

	v := Verdict{Kind: domain.SignalNeutral, Rules: rules}
	switch {
	case buyN > 0 && sellN == 0:
		v.Kind, v.Confidence = promote(domain.SignalBuy, buySum/float64(buyN), buyN)
	case sellN > 0 && buyN == 0:
		v.Kind, v.Confidence = promote(domain.SignalSell, sellSum/float64(sellN), sellN)
	case buyN > 0 && sellN > 0:
		if buySum >= sellSum*conflictRatio {
			v.Kind, v.Confidence = promote(domain.SignalBuy, buySum/float64(buyN), buyN)
		} else if sellSum >= buySum*conflictRatio {
			v.Kind, v.Confidence = promote(domain.SignalSell, sellSum/float64(sellN), sellN)
		}
	}
	return v
}

// promote upgrades a one-sided verdict to its STRONG variant on
// multiple confirmations or high confidence.
func promote(kind domain.SignalKind, conf float64, n int) (domain.SignalKind, float64) {
	if n >= strongRuleCount || conf >= strongConfidence {
		switch kind {
		case domain.SignalBuy:
			kind = domain.SignalStrongBuy
		case domain.SignalSell:
			kind = domain.SignalStrongSell
		}
	}
	return kind, conf
}
