package risk

import (
	"math"
	"time"
)

// PricePoint records a single mid-price observation.
type PricePoint struct {
	Price float64
	Time  time.Time
}

// VolatilityTracker keeps a fixed-size window of recent mid prices and derives
// their population standard deviation. It is not safe for concurrent use; the
// owning Manager serializes access.
type VolatilityTracker struct {
	window  int
	history []PricePoint
}

// NewVolatilityTracker creates a tracker over the last window observations.
func NewVolatilityTracker(window int) *VolatilityTracker {
	if window < 2 {
		window = 2
	}
	return &VolatilityTracker{window: window, history: make([]PricePoint, 0, window)}
}

// Track records a price and drops the oldest point beyond the window.
// Non-positive prices are ignored.
func (vt *VolatilityTracker) Track(price float64, ts time.Time) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	if len(vt.history) == vt.window {
		copy(vt.history, vt.history[1:])
		vt.history = vt.history[:vt.window-1]
	}
	vt.history = append(vt.history, PricePoint{Price: price, Time: ts})
}

// Len returns the number of points in the window.
func (vt *VolatilityTracker) Len() int { return len(vt.history) }

// Last returns the most recent observation.
func (vt *VolatilityTracker) Last() (PricePoint, bool) {
	if len(vt.history) == 0 {
		return PricePoint{}, false
	}
	return vt.history[len(vt.history)-1], true
}

// Mean returns the average price in the window, or 0 when empty.
func (vt *VolatilityTracker) Mean() float64 {
	if len(vt.history) == 0 {
		return 0
	}
	var sum float64
	for _, p := range vt.history {
		sum += p.Price
	}
	return sum / float64(len(vt.history))
}

// StdDev returns the population standard deviation of prices in the window.
// Fewer than two points yield 0.
func (vt *VolatilityTracker) StdDev() float64 {
	n := len(vt.history)
	if n < 2 {
		return 0
	}
	mean := vt.Mean()
	var sumSq float64
	for _, p := range vt.history {
		d := p.Price - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(n))
}

// Relative returns the standard deviation as a fraction of the mean.
func (vt *VolatilityTracker) Relative() float64 {
	mean := vt.Mean()
	if mean <= 0 {
		return 0
	}
	return vt.StdDev() / mean
}
