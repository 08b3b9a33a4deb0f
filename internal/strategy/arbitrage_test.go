package strategy

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/arbitrage"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
	"github.com/alanyoungcy/arbengine/internal/position"
	"github.com/alanyoungcy/arbengine/internal/risk"
)

const sym = "BTCUSDT"

type fixture struct {
	strat     *Arbitrage
	positions *position.Manager
	risk      *risk.Manager
	events    *events.Recorder
}

func newFixture(t *testing.T, limits position.Limits, policy ExposurePolicy) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := &events.Recorder{}
	pm := position.NewManager(limits)
	rm := risk.NewManager(sym, risk.Config{
		MaxDrawdown:      0.05,
		ResumeDrawdown:   0.03,
		VolatilityWindow: 20,
		MinLimitFraction: 0.25,
	}, rec, logger)
	cfg := Config{
		VenueA:            "a",
		VenueB:            "b",
		OrderSize:         1.0,
		MinOrderSize:      0.01,
		LotSize:           0.001,
		SlippageTolerance: 0.001,
	}
	s := NewArbitrage(sym, cfg, arbitrage.NewCalculator(time.Second),
		arbitrage.NewSignalGenerator(10, 0.001), pm, rm, policy, rec, logger)
	return fixture{strat: s, positions: pm, risk: rm, events: rec}
}

func books(now time.Time) (domain.Book, domain.Book) {
	a := domain.Book{Venue: "a", Symbol: sym, Timestamp: now,
		Bids: []domain.PriceLevel{{Price: 50000, Size: 2}},
		Asks: []domain.PriceLevel{{Price: 50010, Size: 2}}}
	b := domain.Book{Venue: "b", Symbol: sym, Timestamp: now,
		Bids: []domain.PriceLevel{{Price: 50070, Size: 1.5}},
		Asks: []domain.PriceLevel{{Price: 50080, Size: 3}}}
	return a, b
}

func TestEvaluateEmitsMatchedPair(t *testing.T) {
	f := newFixture(t, position.Limits{MaxPositionSize: 10}, nil)
	now := time.Now()
	a, b := books(now)

	d, err := f.strat.Evaluate(a, b, now)
	require.NoError(t, err)
	require.NotNil(t, d.Pair)

	p := d.Pair
	assert.Equal(t, domain.Venue("a"), p.Buy.Venue)
	assert.Equal(t, domain.OrderSideBuy, p.Buy.Side)
	assert.Equal(t, domain.Venue("b"), p.Sell.Venue)
	assert.Equal(t, domain.OrderSideSell, p.Sell.Side)
	assert.InDelta(t, 1.0, p.Buy.Quantity, 1e-12)
	assert.Equal(t, p.Buy.Quantity, p.Sell.Quantity)
	assert.Equal(t, p.ID, p.Buy.PairID)
	assert.Equal(t, p.ID, p.Sell.PairID)
	assert.InDelta(t, 50010*1.001, p.Buy.LimitPrice, 1e-6)
	assert.InDelta(t, 50070*0.999, p.Sell.LimitPrice, 1e-6)
	assert.NoError(t, p.Buy.Validate())

	assert.Len(t, f.events.OfType(events.TypeSignal), 1)
}

func TestEvaluateSizeCappedByLiquidityAndLimit(t *testing.T) {
	f := newFixture(t, position.Limits{MaxPositionSize: 0.5}, nil)
	now := time.Now()
	a, b := books(now)

	d, err := f.strat.Evaluate(a, b, now)
	require.NoError(t, err)
	require.NotNil(t, d.Pair)
	assert.InDelta(t, 0.25, d.Size, 1e-12, "pair of legs may add 0.5 gross")

	f.positions.UpdatePosition("a", sym, 0.5, "f1")
	d, err = f.strat.Evaluate(a, b, now)
	require.NoError(t, err)
	assert.Nil(t, d.Pair)
	assert.Equal(t, SkipNoCapacity, d.Skip)
}

func TestEvaluateSuppressedWhenHalted(t *testing.T) {
	f := newFixture(t, position.Limits{MaxPositionSize: 10}, nil)
	f.risk.UpdatePortfolioValue(100)
	f.risk.UpdatePortfolioValue(90)

	now := time.Now()
	a, b := books(now)
	d, err := f.strat.Evaluate(a, b, now)
	require.NoError(t, err)
	assert.Nil(t, d.Pair)
	assert.Equal(t, SkipRiskMode, d.Skip)
	assert.True(t, d.Signal.Actionable(), "signal is still computed and emitted")
}

func TestEvaluateStaleAndNoSignal(t *testing.T) {
	f := newFixture(t, position.Limits{MaxPositionSize: 10}, nil)
	now := time.Now()
	a, b := books(now)

	a.Timestamp = now.Add(-5 * time.Second)
	_, err := f.strat.Evaluate(a, b, now)
	assert.ErrorIs(t, err, domain.ErrStaleData)

	a, b = books(now)
	b.Bids[0].Price = 50005
	d, err := f.strat.Evaluate(a, b, now)
	require.NoError(t, err)
	assert.Equal(t, SkipNoSignal, d.Skip)
}

func TestEvaluateBelowMinimum(t *testing.T) {
	f := newFixture(t, position.Limits{MaxPositionSize: 10}, nil)
	now := time.Now()
	a, b := books(now)
	b.Bids[0].Size = 0.0004

	d, err := f.strat.Evaluate(a, b, now)
	require.NoError(t, err)
	assert.Nil(t, d.Pair)
	assert.Equal(t, SkipBelowMin, d.Skip)
}

func TestRebalancePricesOrders(t *testing.T) {
	f := newFixture(t, position.Limits{MaxPositionSize: 10, RebalanceThreshold: 0.1}, nil)
	f.positions.UpdatePosition("a", sym, 1.0, "f1")
	f.positions.UpdatePosition("b", sym, -0.4, "f2")

	now := time.Now()
	a, b := books(now)
	orders := f.strat.Rebalance(a, b, now)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.Venue("a"), orders[0].Venue)
	assert.Equal(t, domain.OrderSideSell, orders[0].Side)
	assert.Equal(t, 50000.0, orders[0].Price)
	assert.InDelta(t, 0.6, orders[0].Quantity, 1e-12)
	assert.NotEmpty(t, orders[0].ID)
}

func unbalanced() domain.UnbalancedExposure {
	return domain.UnbalancedExposure{
		PairID: "p1",
		Symbol: sym,
		Buy: domain.OrderResult{
			Order:     domain.Order{Venue: "a", Side: domain.OrderSideBuy},
			Status:    domain.OrderStatusFilled,
			FilledQty: 1.0, Reconciled: true,
		},
		Sell: domain.OrderResult{
			Order:     domain.Order{Venue: "b", Side: domain.OrderSideSell},
			Status:    domain.OrderStatusPartiallyFilled,
			FilledQty: 0.4, Reconciled: true,
		},
		Imbalance: 0.6,
	}
}

func TestResolvePolicies(t *testing.T) {
	now := time.Now()
	a, b := books(now)

	t.Run("flatten sells excess on buy venue", func(t *testing.T) {
		f := newFixture(t, position.Limits{MaxPositionSize: 10}, FlattenPolicy{})
		res := f.strat.Resolve(unbalanced(), 0, a, b, now)
		assert.Equal(t, ActionFlatten, res.Action)
		require.Len(t, res.Orders, 1)
		assert.Equal(t, domain.Venue("a"), res.Orders[0].Venue)
		assert.Equal(t, domain.OrderSideSell, res.Orders[0].Side)
		assert.InDelta(t, 0.6, res.Orders[0].Quantity, 1e-12)
		assert.Equal(t, domain.IntentFlatten, res.Orders[0].Intent)
		assert.Equal(t, "p1", res.Orders[0].PairID)
	})

	t.Run("retry hedges short leg then flattens", func(t *testing.T) {
		f := newFixture(t, position.Limits{MaxPositionSize: 10}, RetryPolicy{MaxRetries: 1})
		res := f.strat.Resolve(unbalanced(), 0, a, b, now)
		assert.Equal(t, ActionHedge, res.Action)
		require.Len(t, res.Orders, 1)
		assert.Equal(t, domain.Venue("b"), res.Orders[0].Venue)
		assert.Equal(t, domain.OrderSideSell, res.Orders[0].Side)

		res = f.strat.Resolve(unbalanced(), 1, a, b, now)
		assert.Equal(t, ActionFlatten, res.Action)
	})

	t.Run("hedge blocked while halted", func(t *testing.T) {
		f := newFixture(t, position.Limits{MaxPositionSize: 10}, RetryPolicy{MaxRetries: 3})
		f.risk.UpdatePortfolioValue(100)
		f.risk.UpdatePortfolioValue(80)
		res := f.strat.Resolve(unbalanced(), 0, a, b, now)
		assert.Equal(t, ActionFlatten, res.Action)
	})

	t.Run("alert trades nothing", func(t *testing.T) {
		f := newFixture(t, position.Limits{MaxPositionSize: 10}, AlertPolicy{})
		res := f.strat.Resolve(unbalanced(), 0, a, b, now)
		assert.Equal(t, ActionAlert, res.Action)
		assert.Empty(t, res.Orders)
	})

	t.Run("unverified exposure is never traded blind", func(t *testing.T) {
		f := newFixture(t, position.Limits{MaxPositionSize: 10}, FlattenPolicy{})
		u := unbalanced()
		u.Unverified = true
		assert.Equal(t, ActionAlert, f.strat.Resolve(u, 0, a, b, now).Action)
	})
}

func TestNewExposurePolicy(t *testing.T) {
	for _, name := range []string{"alert", "flatten", "retry", ""} {
		p, err := NewExposurePolicy(name, 2)
		require.NoError(t, err)
		assert.NotNil(t, p)
	}
	p, err := NewExposurePolicy("", 0)
	require.NoError(t, err)
	assert.Equal(t, "flatten", p.Name(), "default")

	_, err = NewExposurePolicy("yolo", 0)
	assert.Error(t, err)
}

func TestRoundLot(t *testing.T) {
	assert.Equal(t, 0.3, roundLot(0.3, 0.1))
	assert.Equal(t, 0.25, roundLot(0.2599, 0.01))
	assert.Equal(t, 1.5, roundLot(1.5, 0))
	assert.Zero(t, roundLot(-1, 0.1))
	assert.Zero(t, roundLot(0.0004, 0.001))
}
