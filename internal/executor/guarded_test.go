package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

// flakyGateway fails the first failN submits with err.
type flakyGateway struct {
	scriptedGateway
	failN int32
	err   error
	calls atomic.Int32
}

func (g *flakyGateway) Submit(ctx context.Context, o domain.Order) (domain.OrderHandle, error) {
	n := g.calls.Add(1)
	if g.failN < 0 || n <= g.failN {
		return domain.OrderHandle{}, g.err
	}
	return domain.OrderHandle{OrderID: o.ID, VenueOrderID: fmt.Sprintf("v-%d", n)}, nil
}

func guardConfig() GuardConfig {
	return GuardConfig{
		RequestsPerSecond: 1000,
		Burst:             100,
		SubmitRetries:     2,
		RetryBackoff:      time.Millisecond,
		BreakerFailures:   3,
		BreakerCooldown:   time.Minute,
	}
}

func TestGuardedRetriesTransportErrors(t *testing.T) {
	inner := &flakyGateway{failN: 2, err: errors.New("connection refused")}
	g := NewGuardedGateway("a", inner, guardConfig(), testLogger())

	h, err := g.Submit(context.Background(), testPair(1).Buy)
	require.NoError(t, err)
	assert.Equal(t, "v-3", h.VenueOrderID)
	assert.EqualValues(t, 3, inner.calls.Load())
}

func TestGuardedDoesNotRetryRejections(t *testing.T) {
	inner := &flakyGateway{failN: -1, err: fmt.Errorf("%w: price out of band", domain.ErrOrderRejected)}
	g := NewGuardedGateway("a", inner, guardConfig(), testLogger())

	_, err := g.Submit(context.Background(), testPair(1).Buy)
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
	assert.EqualValues(t, 1, inner.calls.Load())
	assert.Equal(t, "closed", g.BreakerState(), "rejections do not trip the breaker")
}

func TestGuardedBreakerOpensAsRejection(t *testing.T) {
	cfg := guardConfig()
	cfg.SubmitRetries = 0
	inner := &flakyGateway{failN: -1, err: errors.New("502 bad gateway")}
	g := NewGuardedGateway("a", inner, cfg, testLogger())

	for i := 0; i < 3; i++ {
		_, err := g.Submit(context.Background(), testPair(1).Buy)
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrOrderRejected)
	}
	assert.Equal(t, "open", g.BreakerState())

	_, err := g.Submit(context.Background(), testPair(1).Buy)
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
	assert.EqualValues(t, 3, inner.calls.Load(), "open breaker sends nothing")
}

func TestSimulatedGatewayRespectsLimit(t *testing.T) {
	g := NewSimulatedGateway("a", SimConfig{SlippageTolerance: 0.01, Seed: 1}, nil)
	o := testPair(2).Buy
	o.LimitPrice = o.Price * 1.001

	h, err := g.Submit(context.Background(), o)
	require.NoError(t, err)
	st, err := g.PollStatus(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, st.Status)
	assert.Equal(t, o.LimitPrice, st.AvgPrice, "slippage is clamped at the limit")

	_, err = g.PollStatus(context.Background(), domain.OrderHandle{OrderID: "nope"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	byClient, err := g.PollStatus(context.Background(), domain.OrderHandle{OrderID: o.ID})
	require.NoError(t, err)
	assert.Equal(t, st, byClient)
}

func TestSimulatedGatewaySeededLatency(t *testing.T) {
	at := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	readyAt := func(seed int64) []time.Time {
		g := NewSimulatedGateway("a", SimConfig{Latency: 100 * time.Millisecond, Seed: seed}, nil)
		g.now = func() time.Time { return at }
		var out []time.Time
		for i := 0; i < 5; i++ {
			o := testPair(1).Buy
			o.ID = fmt.Sprintf("buy-%d", i)
			h, err := g.Submit(context.Background(), o)
			require.NoError(t, err)
			out = append(out, g.orders[h.VenueOrderID].readyAt)
		}
		return out
	}

	first := readyAt(42)
	assert.Equal(t, first, readyAt(42), "same seed, same latencies")
	assert.NotEqual(t, first, readyAt(43))
	for _, r := range first {
		d := r.Sub(at)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestSubmitBudgetCoversRetries(t *testing.T) {
	cfg := guardConfig()
	cfg.RetryBackoff = 50 * time.Millisecond
	cfg.SubmitRetries = 2
	cfg.AttemptTimeout = 20 * time.Millisecond
	newGuard := func() (*GuardedGateway, *flakyGateway) {
		inner := &flakyGateway{failN: 2, err: errors.New("connection reset")}
		return NewGuardedGateway("a", inner, cfg, testLogger()), inner
	}

	g, _ := newGuard()
	budget := g.SubmitBudget(time.Second)
	assert.Equal(t, 3*20*time.Millisecond+2*300*time.Millisecond, budget, "attempt timeout wins over the per-call default")

	// One call's worth of time cannot fit the backoff waits.
	short, inner := newGuard()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.AttemptTimeout)
	defer cancel()
	_, err := short.Submit(ctx, testPair(1).Buy)
	require.Error(t, err)
	assert.Less(t, inner.calls.Load(), int32(3))

	// The engine gives a retrying gateway its full budget.
	g, inner = newGuard()
	e := NewEngine("live", map[domain.Venue]venue.Gateway{"a": g}, Config{
		CallTimeout:  cfg.AttemptTimeout,
		OrderTimeout: time.Second,
	}, &events.Recorder{}, testLogger())
	r := &orderRun{e: e, order: testPair(1).Buy, inbox: NewInbox(), status: domain.OrderStatusPending}
	h, err := r.submit(context.Background(), g)
	require.NoError(t, err)
	assert.EqualValues(t, 3, inner.calls.Load())
	assert.Equal(t, "v-3", h.VenueOrderID)
}
