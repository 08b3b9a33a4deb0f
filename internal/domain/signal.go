package domain

import "time"

// Direction names which venue is bought and which is sold.
type Direction string

const (
	DirectionNone Direction = "none"
	DirectionAToB Direction = "a_to_b" // buy on venue A, sell on venue B
	DirectionBToA Direction = "b_to_a" // buy on venue B, sell on venue A
)

// DirectionalSpread is the top-of-book edge of buying on one venue and
// selling on the other.
type DirectionalSpread struct {
	BuyVenue  Venue   `json:"buy_venue"`
	SellVenue Venue   `json:"sell_venue"`
	BuyPrice  float64 `json:"buy_price"`  // best ask on the buy venue
	SellPrice float64 `json:"sell_price"` // best bid on the sell venue
	BuySize   float64 `json:"buy_size"`
	SellSize  float64 `json:"sell_size"`
	Raw       float64 `json:"raw"`
	Bps       float64 `json:"bps"`
}

// Spread holds both directions computed from one pair of books.
type Spread struct {
	Symbol         string            `json:"symbol"`
	AToB           DirectionalSpread `json:"a_to_b"`
	BToA           DirectionalSpread `json:"b_to_a"`
	ReferencePrice float64           `json:"reference_price"`
	TimestampA     time.Time         `json:"timestamp_a"`
	TimestampB     time.Time         `json:"timestamp_b"`
}

// Leg returns the directional spread for d. The zero value is returned for
// DirectionNone.
func (s Spread) Leg(d Direction) DirectionalSpread {
	switch d {
	case DirectionAToB:
		return s.AToB
	case DirectionBToA:
		return s.BToA
	}
	return DirectionalSpread{}
}

// Signal is the directional trading decision derived from a spread.
type Signal struct {
	Symbol         string    `json:"symbol"`
	Direction      Direction `json:"direction"`
	Confidence     float64   `json:"confidence"`
	ExpectedProfit float64   `json:"expected_profit"`
	SpreadBps      float64   `json:"spread_bps"`
	Quantity       float64   `json:"quantity"` // top-of-book quantity on both legs
	Timestamp      time.Time `json:"timestamp"`
	Spread         Spread    `json:"-"`
}

// Actionable reports whether the signal names a direction.
func (s Signal) Actionable() bool {
	return s.Direction != DirectionNone && s.Direction != ""
}
