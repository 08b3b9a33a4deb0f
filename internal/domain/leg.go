package domain

import (
	"math"
	"time"
)

// QuantityEpsilon is the tolerance below which two quantities are equal.
const QuantityEpsilon = 1e-9

// OrderPair is a matched buy/sell pair intended for concurrent execution on
// the two venues. The legs are not atomic.
type OrderPair struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Buy       Order     `json:"buy"`
	Sell      Order     `json:"sell"`
	CreatedAt time.Time `json:"created_at"`
}

// PairResult holds both closed legs of an executed pair.
type PairResult struct {
	Pair PairRef     `json:"pair"`
	Buy  OrderResult `json:"buy"`
	Sell OrderResult `json:"sell"`
}

// PairRef identifies a pair without carrying its orders.
type PairRef struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
}

// Imbalance returns bought minus sold quantity. A positive value means the
// pair left the book net long.
func (r PairResult) Imbalance() float64 {
	return r.Buy.FilledQty - r.Sell.FilledQty
}

// Balanced reports whether both legs filled the same quantity and neither
// leg is still possibly filled.
func (r PairResult) Balanced() bool {
	if r.Buy.PossiblyFilled() || r.Sell.PossiblyFilled() {
		return false
	}
	return math.Abs(r.Imbalance()) <= QuantityEpsilon
}

// UnbalancedExposure describes a pair whose legs did not fill equally. It is
// always raised and must be flattened, retried, or escalated.
type UnbalancedExposure struct {
	PairID     string      `json:"pair_id"`
	Symbol     string      `json:"symbol"`
	Buy        OrderResult `json:"buy"`
	Sell       OrderResult `json:"sell"`
	Imbalance  float64     `json:"imbalance"`
	Unverified bool        `json:"unverified"`
	DetectedAt time.Time   `json:"detected_at"`
}

// NewUnbalancedExposure builds the exposure record for an unbalanced result.
func NewUnbalancedExposure(r PairResult, now time.Time) UnbalancedExposure {
	return UnbalancedExposure{
		PairID:     r.Pair.ID,
		Symbol:     r.Pair.Symbol,
		Buy:        r.Buy,
		Sell:       r.Sell,
		Imbalance:  r.Imbalance(),
		Unverified: r.Buy.PossiblyFilled() || r.Sell.PossiblyFilled(),
		DetectedAt: now,
	}
}

// ExcessLeg returns the leg that filled more, whose venue holds the open
// exposure, and the leg that fell short.
func (u UnbalancedExposure) ExcessLeg() (excess, short OrderResult) {
	if u.Imbalance >= 0 {
		return u.Buy, u.Sell
	}
	return u.Sell, u.Buy
}
