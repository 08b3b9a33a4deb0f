// Package arbitrage turns pairs of venue books into directional spreads and
// trading signals. Everything here is pure: no clocks, no I/O, no state.
package arbitrage

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Calculator computes top-of-book spreads between venue A and venue B.
type Calculator struct {
	// MaxAge bounds the age of each book relative to now and the skew
	// between the two books.
	MaxAge time.Duration
}

// NewCalculator creates a Calculator with the given staleness window.
func NewCalculator(maxAge time.Duration) Calculator {
	return Calculator{MaxAge: maxAge}
}

// Compute returns both directional spreads for books a and b at time now.
//
//	AToB.Raw = bestBid(b) - bestAsk(a)
//	BToA.Raw = bestBid(a) - bestAsk(b)
//
// Bps is expressed against the mid price of whichever book has the cheaper
// best ask (book a on a tie).
func (c Calculator) Compute(a, b domain.Book, now time.Time) (domain.Spread, error) {
	if a.Symbol != b.Symbol {
		return domain.Spread{}, fmt.Errorf("arbitrage: compute: %w: %q vs %q", domain.ErrSymbolMismatch, a.Symbol, b.Symbol)
	}
	if err := c.checkFresh(a, b, now); err != nil {
		return domain.Spread{}, err
	}
	if err := a.Validate(); err != nil {
		return domain.Spread{}, fmt.Errorf("arbitrage: compute: %w", err)
	}
	if err := b.Validate(); err != nil {
		return domain.Spread{}, fmt.Errorf("arbitrage: compute: %w", err)
	}

	bidA, _ := a.BestBid()
	askA, _ := a.BestAsk()
	bidB, _ := b.BestBid()
	askB, _ := b.BestAsk()

	ref := a.MidPrice()
	if askB.Price < askA.Price {
		ref = b.MidPrice()
	}

	return domain.Spread{
		Symbol:         a.Symbol,
		AToB:           directional(a.Venue, b.Venue, askA, bidB, ref),
		BToA:           directional(b.Venue, a.Venue, askB, bidA, ref),
		ReferencePrice: ref,
		TimestampA:     a.Timestamp,
		TimestampB:     b.Timestamp,
	}, nil
}

func directional(buyVenue, sellVenue domain.Venue, ask, bid domain.PriceLevel, ref float64) domain.DirectionalSpread {
	raw := bid.Price - ask.Price
	return domain.DirectionalSpread{
		BuyVenue:  buyVenue,
		SellVenue: sellVenue,
		BuyPrice:  ask.Price,
		SellPrice: bid.Price,
		BuySize:   ask.Size,
		SellSize:  bid.Size,
		Raw:       raw,
		Bps:       raw / ref * 10000,
	}
}

func (c Calculator) checkFresh(a, b domain.Book, now time.Time) error {
	if c.MaxAge <= 0 {
		return nil
	}
	if age := now.Sub(a.Timestamp); age > c.MaxAge {
		return fmt.Errorf("arbitrage: %w: %s book is %s old", domain.ErrStaleData, a.Venue, age)
	}
	if age := now.Sub(b.Timestamp); age > c.MaxAge {
		return fmt.Errorf("arbitrage: %w: %s book is %s old", domain.ErrStaleData, b.Venue, age)
	}
	skew := a.Timestamp.Sub(b.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > c.MaxAge {
		return fmt.Errorf("arbitrage: %w: books are %s apart", domain.ErrStaleData, skew)
	}
	return nil
}
