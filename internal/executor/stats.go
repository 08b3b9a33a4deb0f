package executor

import "github.com/alanyoungcy/arbengine/internal/domain"

// Stats are cumulative execution counters. In dry-run mode they are the
// simulated session's trade accounting.
type Stats struct {
	Submitted       int64   `json:"submitted"`
	Filled          int64   `json:"filled"`
	PartiallyFilled int64   `json:"partially_filled"`
	Cancelled       int64   `json:"cancelled"`
	Rejected        int64   `json:"rejected"`
	TimedOut        int64   `json:"timed_out"`
	Unreconciled    int64   `json:"unreconciled"`
	Fills           int64   `json:"fills"`
	Pairs           int64   `json:"pairs"`
	Unbalanced      int64   `json:"unbalanced"`
	Volume          float64 `json:"volume"`
	Notional        float64 `json:"notional"`
	Fees            float64 `json:"fees"`
}

// Stats returns a copy of the counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Engine) record(res domain.OrderResult) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	switch res.Status {
	case domain.OrderStatusFilled:
		e.stats.Filled++
	case domain.OrderStatusPartiallyFilled:
		e.stats.PartiallyFilled++
	case domain.OrderStatusCancelled:
		e.stats.Cancelled++
	case domain.OrderStatusRejected:
		e.stats.Rejected++
	case domain.OrderStatusTimedOut:
		e.stats.TimedOut++
	}
	if !res.Reconciled {
		e.stats.Unreconciled++
	}
}
