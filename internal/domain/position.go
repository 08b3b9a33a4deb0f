package domain

import "time"

// Ledger is a serializable snapshot of all per-venue positions, the cash flow
// per symbol, and the fill ids already applied.
type Ledger struct {
	Positions    map[string]map[Venue]float64 `json:"positions"`
	Cash         map[string]float64           `json:"cash"`
	AppliedFills []string                     `json:"applied_fills"`
	TakenAt      time.Time                    `json:"taken_at"`
}

// Net returns the signed sum of venue positions for symbol.
func (l Ledger) Net(symbol string) float64 {
	var net float64
	for _, q := range l.Positions[symbol] {
		net += q
	}
	return net
}

// Exposure is a read-only view of one symbol's positions.
type Exposure struct {
	Symbol    string            `json:"symbol"`
	ByVenue   map[Venue]float64 `json:"by_venue"`
	Net       float64           `json:"net"`
	Gross     float64           `json:"gross"`
	UpdatedAt time.Time         `json:"updated_at"`
}
