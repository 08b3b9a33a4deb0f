package arbitrage

import (
	"math"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// SignalGenerator turns a spread into a directional signal.
type SignalGenerator struct {
	MinSpreadBps float64
	// TakerFee is charged on both legs when estimating expected profit.
	TakerFee float64
}

// NewSignalGenerator creates a SignalGenerator.
func NewSignalGenerator(minSpreadBps, takerFee float64) SignalGenerator {
	return SignalGenerator{MinSpreadBps: minSpreadBps, TakerFee: takerFee}
}

// Generate picks the direction with the larger bps when it meets the
// threshold. When both directions qualify the larger wins and an exact tie
// yields DirectionNone.
func (g SignalGenerator) Generate(s domain.Spread, now time.Time) domain.Signal {
	sig := domain.Signal{
		Symbol:    s.Symbol,
		Direction: domain.DirectionNone,
		Timestamp: now,
		Spread:    s,
	}

	aQual := s.AToB.Bps >= g.MinSpreadBps
	bQual := s.BToA.Bps >= g.MinSpreadBps

	var dir domain.Direction
	switch {
	case aQual && bQual:
		switch {
		case s.AToB.Bps > s.BToA.Bps:
			dir = domain.DirectionAToB
		case s.BToA.Bps > s.AToB.Bps:
			dir = domain.DirectionBToA
		default:
			return sig
		}
	case aQual:
		dir = domain.DirectionAToB
	case bQual:
		dir = domain.DirectionBToA
	default:
		sig.SpreadBps = math.Max(s.AToB.Bps, s.BToA.Bps)
		return sig
	}

	leg := s.Leg(dir)
	qty := math.Min(leg.BuySize, leg.SellSize)

	sig.Direction = dir
	sig.SpreadBps = leg.Bps
	sig.Confidence = g.confidence(leg.Bps)
	sig.Quantity = qty
	sig.ExpectedProfit = (leg.SellPrice*(1-g.TakerFee) - leg.BuyPrice*(1+g.TakerFee)) * qty
	return sig
}

func (g SignalGenerator) confidence(bps float64) float64 {
	if g.MinSpreadBps <= 0 {
		if bps > 0 {
			return 1
		}
		return 0
	}
	c := (bps - g.MinSpreadBps) / g.MinSpreadBps
	return math.Max(0, math.Min(1, c))
}
