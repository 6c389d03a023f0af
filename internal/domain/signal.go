package domain

import (
	"time"

	"github.com/google/uuid"
)

// SignalKind is the directional hint a scan produces.
type SignalKind string

const (
	SignalBuy        SignalKind = "BUY"
	SignalSell       SignalKind = "SELL"
	SignalNeutral    SignalKind = "NEUTRAL"
	SignalStrongBuy  SignalKind = "STRONG_BUY"
	SignalStrongSell SignalKind = "STRONG_SELL"
)

// Directional reports whether the kind implies an order side.
func (k SignalKind) Directional() bool {
	return k == SignalBuy || k == SignalSell || k == SignalStrongBuy || k == SignalStrongSell
}

// Side maps a directional kind to its order side; NEUTRAL maps to "".
func (k SignalKind) Side() OrderSide {
	switch k {
	case SignalBuy, SignalStrongBuy:
		return SideBuy
	case SignalSell, SignalStrongSell:
		return SideSell
	default:
		return ""
	}
}

// SignalStatus tracks the lifecycle of a persisted signal.
type SignalStatus string

const (
	SignalPending  SignalStatus = "pending"
	SignalConsumed SignalStatus = "consumed"
	SignalRejected SignalStatus = "rejected"
)

// Signal is the canonical output of rule aggregation for one symbol.
// Snapshot pins the indicator values the rules saw, so audits do not
// depend on later recomputation.
type Signal struct {
	ID             string                     `json:"id" db:"id"`
	Symbol         string                     `json:"symbol" db:"symbol"`
	Kind           SignalKind                 `json:"kind" db:"kind"`
	Strength       float64                    `json:"strength" db:"strength"`
	RulesTriggered []string                   `json:"rules_triggered" db:"rules_triggered"`
	Snapshot       map[Timeframe]IndicatorSet `json:"snapshot"`
	CreatedAt      time.Time                  `json:"created_at" db:"created_at"`
	Status         SignalStatus               `json:"status" db:"status"`
}

// NewSignal stamps a fresh pending signal with a UUID and creation time.
func NewSignal(symbol string, kind SignalKind, strength float64, rules []string, snapshot map[Timeframe]IndicatorSet) Signal {
	return Signal{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Kind:           kind,
		Strength:       strength,
		RulesTriggered: rules,
		Snapshot:       snapshot,
		CreatedAt:      time.Now().UTC(),
		Status:         SignalPending,
	}
}
