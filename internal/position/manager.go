// Package position keeps the per-venue position ledger for every symbol,
// enforces exposure limits and computes rebalancing orders.
//
// Positions change only through confirmed fills, each applied exactly once by
// fill id. The mutex is held for exactly one transition, so readers never see
// a partially applied fill.
package position

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Limits configures exposure caps.
type Limits struct {
	// MaxPositionSize is the working cap on gross exposure per symbol.
	MaxPositionSize float64
	// PositionLimit is the hard ceiling on gross exposure per symbol. Zero
	// means no separate ceiling.
	PositionLimit float64
	// RebalanceThreshold is the |net| above which rebalancing orders are
	// produced.
	RebalanceThreshold float64
}

// Effective returns the tighter of the two configured caps.
func (l Limits) Effective() float64 {
	switch {
	case l.PositionLimit > 0 && l.MaxPositionSize > 0:
		return math.Min(l.PositionLimit, l.MaxPositionSize)
	case l.PositionLimit > 0:
		return l.PositionLimit
	default:
		return l.MaxPositionSize
	}
}

// Manager tracks positions for all symbols. It is safe for concurrent use.
type Manager struct {
	limits Limits

	mu        sync.RWMutex
	positions map[string]map[domain.Venue]float64
	cash      map[string]float64
	applied   map[string]struct{}
	updatedAt map[string]time.Time
}

// NewManager creates an empty Manager.
func NewManager(limits Limits) *Manager {
	return &Manager{
		limits:    limits,
		positions: make(map[string]map[domain.Venue]float64),
		cash:      make(map[string]float64),
		applied:   make(map[string]struct{}),
		updatedAt: make(map[string]time.Time),
	}
}

// Limits returns the configured limits.
func (m *Manager) Limits() Limits {
	return m.limits
}

// UpdatePosition adds delta to the venue position for symbol, once per
// fillID. It reports whether the update was applied; replays and empty ids
// are no-ops.
func (m *Manager) UpdatePosition(venue domain.Venue, symbol string, delta float64, fillID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(venue, symbol, delta, 0, fillID, time.Now())
}

// ApplyFill applies a confirmed fill to the position and cash ledgers, once
// per fill id.
func (m *Manager) ApplyFill(f domain.Fill) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cash := -f.Delta()*f.Price - f.Fee
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return m.applyLocked(f.Venue, f.Symbol, f.Delta(), cash, f.ID, ts)
}

func (m *Manager) applyLocked(venue domain.Venue, symbol string, delta, cash float64, fillID string, ts time.Time) bool {
	if fillID == "" {
		return false
	}
	if _, seen := m.applied[fillID]; seen {
		return false
	}
	m.applied[fillID] = struct{}{}

	venues := m.positions[symbol]
	if venues == nil {
		venues = make(map[domain.Venue]float64)
		m.positions[symbol] = venues
	}
	venues[venue] += delta
	m.cash[symbol] += cash
	m.updatedAt[symbol] = ts
	return true
}

// Position returns the signed position on one venue.
func (m *Manager) Position(venue domain.Venue, symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positions[symbol][venue]
}

// NetPosition returns the signed sum of positions across venues.
func (m *Manager) NetPosition(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var net float64
	for _, q := range m.positions[symbol] {
		net += q
	}
	return net
}

// GrossExposure returns the sum of absolute venue positions.
func (m *Manager) GrossExposure(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return grossOf(m.positions[symbol])
}

// Exposure returns a consistent view of one symbol.
func (m *Manager) Exposure(symbol string) domain.Exposure {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byVenue := make(map[domain.Venue]float64, len(m.positions[symbol]))
	var net float64
	for v, q := range m.positions[symbol] {
		byVenue[v] = q
		net += q
	}
	return domain.Exposure{
		Symbol:    symbol,
		ByVenue:   byVenue,
		Net:       net,
		Gross:     grossOf(byVenue),
		UpdatedAt: m.updatedAt[symbol],
	}
}

// Value marks the symbol's positions at the given per-venue prices and adds
// the realized cash flow. Venues without a mark contribute nothing.
func (m *Manager) Value(symbol string, marks map[domain.Venue]float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v := m.cash[symbol]
	for venue, q := range m.positions[symbol] {
		v += q * marks[venue]
	}
	return v
}

// EnforceLimit caps order.Quantity so that executing it cannot push gross
// exposure above the effective limit. Orders that reduce exposure may always
// trade down toward flat. Zero and negative requests return 0.
func (m *Manager) EnforceLimit(order domain.Order) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	legs := []leg{{venue: order.Venue, sign: order.Side.Sign()}}
	return m.capacityLocked(order.Symbol, legs, order.Quantity, m.limits.Effective())
}

// EnforcePairLimit returns the largest common quantity, up to the smaller of
// the two requested sizes, at which both legs together keep gross exposure
// within limit. A non-positive limit uses the configured effective limit; a
// larger one is clamped to it.
func (m *Manager) EnforcePairLimit(buy, sell domain.Order, limit float64) float64 {
	eff := m.limits.Effective()
	if limit <= 0 || (eff > 0 && limit > eff) {
		limit = eff
	}
	requested := math.Min(buy.Quantity, sell.Quantity)

	m.mu.RLock()
	defer m.mu.RUnlock()
	legs := []leg{
		{venue: buy.Venue, sign: buy.Side.Sign()},
		{venue: sell.Venue, sign: sell.Side.Sign()},
	}
	return m.capacityLocked(buy.Symbol, legs, requested, limit)
}

type leg struct {
	venue domain.Venue
	sign  float64
}

// capacityLocked finds the largest q in [0, requested] such that gross
// exposure after trading every leg for q stays within max(limit, current).
// Gross exposure is convex and piecewise linear in q, so the feasible set is
// an interval starting at zero and its edge lies on one linear segment.
func (m *Manager) capacityLocked(symbol string, legs []leg, requested, limit float64) float64 {
	if requested <= 0 || math.IsNaN(requested) {
		return 0
	}
	current := m.positions[symbol]

	slope := make(map[domain.Venue]float64, len(legs))
	for _, l := range legs {
		slope[l.venue] += l.sign
	}
	gross := func(q float64) float64 {
		var g float64
		for v, p := range current {
			g += math.Abs(p + slope[v]*q)
		}
		for v, s := range slope {
			if _, ok := current[v]; !ok {
				g += math.Abs(s * q)
			}
		}
		return g
	}

	if limit <= 0 {
		limit = 0
	}
	threshold := math.Max(limit, gross(0))
	if gross(requested) <= threshold {
		return requested
	}

	points := []float64{0}
	for v, s := range slope {
		p := current[v]
		if s == 0 || p*s >= 0 {
			continue
		}
		if bp := math.Abs(p / s); bp > 0 && bp < requested {
			points = append(points, bp)
		}
	}
	sort.Float64s(points)
	points = append(points, requested)

	for i := 0; i+1 < len(points); i++ {
		x0, x1 := points[i], points[i+1]
		g0, g1 := gross(x0), gross(x1)
		if g1 <= threshold {
			continue
		}
		q := x0 + (threshold-g0)/(g1-g0)*(x1-x0)
		return math.Max(0, math.Min(q, requested))
	}
	return requested
}

// RebalanceOrders returns the fewest reduce-only orders that bring the net
// position back to zero when |net| exceeds the rebalance threshold. Only
// venues holding the same sign as net are traded, largest first, so matched
// arbitrage exposure is left in place. Orders carry venue, side and quantity;
// the caller prices them.
func (m *Manager) RebalanceOrders(symbol string) []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var net float64
	for _, q := range m.positions[symbol] {
		net += q
	}
	if math.Abs(net) <= m.limits.RebalanceThreshold || math.Abs(net) <= domain.QuantityEpsilon {
		return nil
	}

	type holding struct {
		venue domain.Venue
		qty   float64
	}
	var candidates []holding
	for v, q := range m.positions[symbol] {
		if q*net > 0 {
			candidates = append(candidates, holding{venue: v, qty: math.Abs(q)})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].qty == candidates[j].qty {
			return candidates[i].venue < candidates[j].venue
		}
		return candidates[i].qty > candidates[j].qty
	})

	side := domain.OrderSideSell
	if net < 0 {
		side = domain.OrderSideBuy
	}
	remaining := math.Abs(net)
	var orders []domain.Order
	for _, h := range candidates {
		if remaining <= domain.QuantityEpsilon {
			break
		}
		qty := math.Min(h.qty, remaining)
		orders = append(orders, domain.Order{
			Venue:    h.venue,
			Symbol:   symbol,
			Side:     side,
			Quantity: qty,
			Intent:   domain.IntentRebalance,
			Status:   domain.OrderStatusPending,
		})
		remaining -= qty
	}
	return orders
}

func grossOf(venues map[domain.Venue]float64) float64 {
	var g float64
	for _, q := range venues {
		g += math.Abs(q)
	}
	return g
}
