package strategy

import (
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Strategy is the decision step a symbol pipeline runs on every book update.
type Strategy interface {
	Name() string
	// Evaluate turns the latest book from each venue into a decision. It
	// returns domain.ErrStaleData when the books cannot be compared.
	Evaluate(a, b domain.Book, now time.Time) (Decision, error)
	// Rebalance returns priced reduce-only orders that move net exposure
	// back toward zero.
	Rebalance(a, b domain.Book, now time.Time) []domain.Order
	// Resolve returns priced orders answering an unbalanced pair.
	Resolve(u domain.UnbalancedExposure, attempt int, a, b domain.Book, now time.Time) Resolution
}

// Skip reasons reported on a Decision without a pair.
const (
	SkipNoSignal   = "no_signal"
	SkipRiskMode   = "risk_mode"
	SkipBelowMin   = "below_min_size"
	SkipNoCapacity = "no_capacity"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Signal domain.Signal
	Pair   *domain.OrderPair
	Skip   string
	Size   float64
}

// Config holds strategy parameters for one symbol.
type Config struct {
	VenueA domain.Venue
	VenueB domain.Venue
	// OrderSize is the base quantity per leg before caps.
	OrderSize float64
	// ScaleByConfidence multiplies OrderSize by the signal confidence.
	ScaleByConfidence bool
	// MinOrderSize is the smallest tradable quantity; smaller pairs are
	// skipped.
	MinOrderSize float64
	// LotSize is the quantity step orders are rounded down to.
	LotSize float64
	// SlippageTolerance widens limit prices: buys at ask*(1+tol), sells at
	// bid*(1-tol).
	SlippageTolerance float64
}
