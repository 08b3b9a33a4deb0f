package domain

import (
	"fmt"
	"time"
)

// Venue identifies one of the two trading venues being arbitraged.
type Venue string

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Book is a venue-agnostic snapshot of the top of an orderbook for one
// symbol. Bids are sorted by descending price, asks by ascending price.
type Book struct {
	Venue     Venue        `json:"venue"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid returns the highest bid level. ok is false for an empty bid side.
func (b Book) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask level. ok is false for an empty ask side.
func (b Book) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// MidPrice returns the midpoint between best bid and best ask, or 0 when
// either side is empty.
func (b Book) MidPrice() float64 {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0
	}
	return (bid.Price + ask.Price) / 2
}

// Validate checks the book invariants: both sides present, positive prices and
// sizes, sorted ladders, and best bid strictly below best ask.
func (b Book) Validate() error {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return fmt.Errorf("%w: %s %s has an empty side", ErrInvalidBook, b.Venue, b.Symbol)
	}
	for i, lvl := range b.Bids {
		if lvl.Price <= 0 || lvl.Size <= 0 {
			return fmt.Errorf("%w: %s bid level %d is not positive", ErrInvalidBook, b.Venue, i)
		}
		if i > 0 && lvl.Price >= b.Bids[i-1].Price {
			return fmt.Errorf("%w: %s bids not descending at level %d", ErrInvalidBook, b.Venue, i)
		}
	}
	for i, lvl := range b.Asks {
		if lvl.Price <= 0 || lvl.Size <= 0 {
			return fmt.Errorf("%w: %s ask level %d is not positive", ErrInvalidBook, b.Venue, i)
		}
		if i > 0 && lvl.Price <= b.Asks[i-1].Price {
			return fmt.Errorf("%w: %s asks not ascending at level %d", ErrInvalidBook, b.Venue, i)
		}
	}
	if b.Bids[0].Price >= b.Asks[0].Price {
		return fmt.Errorf("%w: %s %s crossed (bid %.8g >= ask %.8g)",
			ErrInvalidBook, b.Venue, b.Symbol, b.Bids[0].Price, b.Asks[0].Price)
	}
	return nil
}
