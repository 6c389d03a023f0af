package trading

import (
	"github.com/shopspring/decimal"

	"github.com/vtrpza/bingxv3/internal/config"
	"github.com/vtrpza/bingxv3/internal/domain"
)

// Policy separates live trading parameters from test-mode parameters.
// Test mode is a different value, not toggled global state.
type Policy interface {
	// Name labels the policy in logs and status payloads.
	Name() string

	// SignalThreshold is the minimum strength a signal needs.
	SignalThreshold() float64

	// InitialStopPercent is the protective stop distance as a ratio
	// (0.02 = 2%).
	InitialStopPercent() decimal.Decimal

	// ShouldTrade reports whether the signal clears the policy gates.
	ShouldTrade(sig domain.Signal) bool
}

// LivePolicy trades directional signals at the configured threshold
// with the configured protective stop.
type LivePolicy struct {
	threshold float64
	stopPct   decimal.Decimal
}

// NewLivePolicy builds the production policy. Zero values fall back to
// the 0.4 threshold and 2% stop.
func NewLivePolicy(threshold, stopPct float64) LivePolicy {
	if threshold <= 0 {
		threshold = 0.4
	}
	if stopPct <= 0 {
		stopPct = 0.02
	}
	return LivePolicy{threshold: threshold, stopPct: decimal.NewFromFloat(stopPct)}
}

func (p LivePolicy) Name() string                        { return "live" }
func (p LivePolicy) SignalThreshold() float64            { return p.threshold }
func (p LivePolicy) InitialStopPercent() decimal.Decimal { return p.stopPct }

func (p LivePolicy) ShouldTrade(sig domain.Signal) bool {
	return sig.Kind.Directional() && sig.Strength >= p.threshold
}

// TestPolicy loosens the gates for paper runs and synthetic load: 0.1
// threshold, 1% stop.
type TestPolicy struct{}

func (TestPolicy) Name() string                        { return "test" }
func (TestPolicy) SignalThreshold() float64            { return 0.1 }
func (TestPolicy) InitialStopPercent() decimal.Decimal { return decimal.NewFromFloat(0.01) }

func (TestPolicy) ShouldTrade(sig domain.Signal) bool {
	return sig.Kind.Directional() && sig.Strength >= 0.1
}

// PolicyFromConfig selects the policy: paper runs use the test policy
// unless the buy threshold was moved off its default, which signals a
// deliberate production-like rehearsal.
func PolicyFromConfig(cfg *config.Config) Policy {
	if cfg.Exchange.PaperTrading && cfg.Signals.BuyThreshold == config.Default().Signals.BuyThreshold {
		return TestPolicy{}
	}
	return NewLivePolicy(cfg.Signals.BuyThreshold, cfg.Trading.InitialStopPct)
}
