package position

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const sym = "BTCUSDT"

func fill(id string, venue domain.Venue, side domain.OrderSide, qty, price float64) domain.Fill {
	return domain.Fill{ID: id, OrderID: "o-" + id, Venue: venue, Symbol: sym, Side: side,
		Quantity: qty, Price: price, Timestamp: time.Now()}
}

func TestApplyFillIsIdempotent(t *testing.T) {
	once := NewManager(Limits{MaxPositionSize: 10})
	twice := NewManager(Limits{MaxPositionSize: 10})

	f := fill("f1", "a", domain.OrderSideBuy, 0.4, 50000)
	require.True(t, once.ApplyFill(f))
	require.True(t, twice.ApplyFill(f))
	assert.False(t, twice.ApplyFill(f), "replayed fill must be a no-op")

	assert.Equal(t, once.NetPosition(sym), twice.NetPosition(sym))
	assert.Equal(t, once.Value(sym, map[domain.Venue]float64{"a": 50000}),
		twice.Value(sym, map[domain.Venue]float64{"a": 50000}))
	assert.InDelta(t, 0.4, twice.NetPosition(sym), 1e-12)
}

func TestUpdatePositionDedup(t *testing.T) {
	m := NewManager(Limits{MaxPositionSize: 10})
	assert.True(t, m.UpdatePosition("a", sym, 1, "x"))
	assert.False(t, m.UpdatePosition("a", sym, 1, "x"))
	assert.False(t, m.UpdatePosition("a", sym, 1, ""), "empty fill id is never applied")
	assert.True(t, m.UpdatePosition("b", sym, -0.5, "y"))

	assert.InDelta(t, 0.5, m.NetPosition(sym), 1e-12)
	assert.InDelta(t, 1.5, m.GrossExposure(sym), 1e-12)
	assert.InDelta(t, -0.5, m.Position("b", sym), 1e-12)
}

func TestEnforceLimitCapsToHeadroom(t *testing.T) {
	m := NewManager(Limits{MaxPositionSize: 1.0, PositionLimit: 2.0})
	m.UpdatePosition("a", sym, 0.3, "f1")

	tests := []struct {
		name string
		side domain.OrderSide
		qty  float64
		want float64
	}{
		{name: "adds exposure", side: domain.OrderSideBuy, qty: 5, want: 0.7},
		{name: "fits", side: domain.OrderSideBuy, qty: 0.2, want: 0.2},
		{name: "reduces through flat", side: domain.OrderSideSell, qty: 5, want: 1.3},
		{name: "zero", side: domain.OrderSideBuy, qty: 0, want: 0},
		{name: "negative", side: domain.OrderSideSell, qty: -1, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.EnforceLimit(domain.Order{Venue: "a", Symbol: sym, Side: tt.side, Quantity: tt.qty})
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestEnforceLimitNeverExceedsLimit(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	venues := []domain.Venue{"a", "b"}

	for i := 0; i < 3000; i++ {
		limit := 0.1 + rng.Float64()*5
		m := NewManager(Limits{MaxPositionSize: limit * 2, PositionLimit: limit})
		for j, v := range venues {
			m.UpdatePosition(v, sym, (rng.Float64()-0.5)*limit, string(rune('p'+j)))
		}
		before := m.GrossExposure(sym)

		side := domain.OrderSideBuy
		if rng.Intn(2) == 0 {
			side = domain.OrderSideSell
		}
		venue := venues[rng.Intn(2)]
		requested := (rng.Float64() - 0.2) * 3 * limit
		order := domain.Order{Venue: venue, Symbol: sym, Side: side, Quantity: requested}

		got := m.EnforceLimit(order)
		require.GreaterOrEqual(t, got, 0.0)
		if requested <= 0 {
			require.Zero(t, got)
			continue
		}
		require.LessOrEqual(t, got, requested+1e-12)

		after := math.Abs(m.Position(venue, sym)+side.Sign()*got) + math.Abs(m.Position(otherVenue(venue), sym))
		require.LessOrEqual(t, after, math.Max(limit, before)+1e-9,
			"limit=%v before=%v requested=%v got=%v", limit, before, requested, got)
	}
}

func otherVenue(v domain.Venue) domain.Venue {
	if v == "a" {
		return "b"
	}
	return "a"
}

func TestEnforcePairLimit(t *testing.T) {
	m := NewManager(Limits{MaxPositionSize: 1.0})
	buy := domain.Order{Venue: "a", Symbol: sym, Side: domain.OrderSideBuy, Quantity: 2}
	sell := domain.Order{Venue: "b", Symbol: sym, Side: domain.OrderSideSell, Quantity: 3}

	assert.InDelta(t, 0.5, m.EnforcePairLimit(buy, sell, 0), 1e-9)
	assert.InDelta(t, 0.25, m.EnforcePairLimit(buy, sell, 0.5), 1e-9, "volatility-adjusted limit")
	assert.InDelta(t, 0.5, m.EnforcePairLimit(buy, sell, 10), 1e-9, "limit clamps to configured")

	// An opposite pair unwinds existing exposure before adding new.
	m.UpdatePosition("a", sym, -0.5, "f1")
	m.UpdatePosition("b", sym, 0.5, "f2")
	assert.InDelta(t, 1.0, m.EnforcePairLimit(buy, sell, 0), 1e-9)
}

func TestRebalanceOrders(t *testing.T) {
	m := NewManager(Limits{MaxPositionSize: 10, RebalanceThreshold: 0.1})
	m.UpdatePosition("a", sym, 1.0, "f1")
	m.UpdatePosition("b", sym, -0.4, "f2")

	orders := m.RebalanceOrders(sym)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.Venue("a"), orders[0].Venue)
	assert.Equal(t, domain.OrderSideSell, orders[0].Side)
	assert.InDelta(t, 0.6, orders[0].Quantity, 1e-12)
	assert.Equal(t, domain.IntentRebalance, orders[0].Intent)

	// Hedged exposure within threshold is left alone.
	m.UpdatePosition("a", sym, -0.55, "f3")
	assert.Empty(t, m.RebalanceOrders(sym))
}

func TestRebalanceSplitsAcrossVenues(t *testing.T) {
	m := NewManager(Limits{MaxPositionSize: 10, RebalanceThreshold: 0.1})
	m.UpdatePosition("a", sym, -0.3, "f1")
	m.UpdatePosition("b", sym, -0.5, "f2")

	orders := m.RebalanceOrders(sym)
	require.Len(t, orders, 2)
	assert.Equal(t, domain.Venue("b"), orders[0].Venue, "largest holding first")
	assert.Equal(t, domain.OrderSideBuy, orders[0].Side)
	assert.InDelta(t, 0.5, orders[0].Quantity, 1e-12)
	assert.InDelta(t, 0.3, orders[1].Quantity, 1e-12)
}

func TestLedgerRoundTrip(t *testing.T) {
	m := NewManager(Limits{MaxPositionSize: 10})
	m.ApplyFill(fill("f1", "a", domain.OrderSideBuy, 0.4, 50010))
	m.ApplyFill(fill("f2", "b", domain.OrderSideSell, 0.4, 50070))
	m.ApplyFill(fill("f3", "a", domain.OrderSideBuy, 0.15, 50020))
	m.UpdatePosition("b", "ETHUSDT", -2.5, "f4")

	raw, err := EncodeLedger(m.Snapshot())
	require.NoError(t, err)
	decoded, err := DecodeLedger(raw)
	require.NoError(t, err)

	restored := NewManager(Limits{MaxPositionSize: 10})
	restored.Restore(decoded)

	for _, s := range []string{sym, "ETHUSDT"} {
		assert.Equal(t, m.NetPosition(s), restored.NetPosition(s))
		assert.Equal(t, m.GrossExposure(s), restored.GrossExposure(s))
		for _, v := range []domain.Venue{"a", "b"} {
			assert.Equal(t, m.Position(v, s), restored.Position(v, s))
		}
	}
	assert.Equal(t, m.Snapshot().Cash, restored.Snapshot().Cash)
	assert.InDelta(t, decoded.Net(sym), restored.NetPosition(sym), 0)
	assert.False(t, restored.ApplyFill(fill("f1", "a", domain.OrderSideBuy, 0.4, 50010)),
		"restored ledger remembers applied fills")
}

func TestLedgersMergeAndSplit(t *testing.T) {
	btc := NewManager(Limits{MaxPositionSize: 10})
	btc.ApplyFill(fill("f1", "a", domain.OrderSideBuy, 0.4, 50010))
	eth := NewManager(Limits{MaxPositionSize: 10})
	eth.UpdatePosition("b", "ETHUSDT", -2.5, "f2")

	merged := Ledgers{btc, eth}.Snapshot()
	assert.Equal(t, []string{"f1", "f2"}, merged.AppliedFills)
	assert.InDelta(t, 0.4, merged.Net(sym), 1e-12)
	assert.InDelta(t, -2.5, merged.Net("ETHUSDT"), 1e-12)

	only := ForSymbol(merged, "ETHUSDT")
	assert.NotContains(t, only.Positions, sym)
	assert.NotContains(t, only.Cash, sym)
	assert.Equal(t, merged.AppliedFills, only.AppliedFills)

	restored := NewManager(Limits{MaxPositionSize: 10})
	restored.Restore(only)
	assert.InDelta(t, -2.5, restored.NetPosition("ETHUSDT"), 1e-12)
	assert.Zero(t, restored.NetPosition(sym))
	assert.False(t, restored.ApplyFill(fill("f1", "a", domain.OrderSideBuy, 0.4, 50010)))
}
