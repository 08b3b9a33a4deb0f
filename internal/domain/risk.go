package domain

import "time"

// RiskMode gates which orders a symbol may send.
type RiskMode string

const (
	RiskModeNormal     RiskMode = "normal"
	RiskModeRestricted RiskMode = "restricted" // reduce-only
	RiskModeHalted     RiskMode = "halted"     // drawdown breach, reduce-only
)

// Allows reports whether an order with the given intent may be sent in mode m.
func (m RiskMode) Allows(intent OrderIntent) bool {
	if m == RiskModeNormal {
		return true
	}
	return intent.ReduceOnly()
}

// RiskState is a point-in-time view of a symbol's risk bookkeeping.
type RiskState struct {
	Symbol          string    `json:"symbol"`
	Mode            RiskMode  `json:"mode"`
	Reason          string    `json:"reason,omitempty"`
	Peak            float64   `json:"peak"`
	Current         float64   `json:"current"`
	CurrentDrawdown float64   `json:"current_drawdown"`
	MaxDrawdown     float64   `json:"max_drawdown"`
	Volatility      float64   `json:"volatility"`
	LastPriceAt     time.Time `json:"last_price_at"`
}
