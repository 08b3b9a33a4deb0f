package risk

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
)

func newTestManager(cfg Config) (*Manager, *events.Recorder) {
	rec := &events.Recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager("BTCUSDT", cfg, rec, logger), rec
}

func defaultConfig() Config {
	return Config{
		MaxDrawdown:         0.05,
		ResumeDrawdown:      0.03,
		VolatilityWindow:    20,
		VolatilityThreshold: 0.02,
		MinLimitFraction:    0.25,
		StalenessWindow:     time.Second,
	}
}

func TestDrawdownTracking(t *testing.T) {
	m, _ := newTestManager(defaultConfig())
	m.UpdatePortfolioValue(100_000)
	m.UpdatePortfolioValue(110_000)
	m.UpdatePortfolioValue(107_800)

	st := m.State()
	assert.Equal(t, 110_000.0, st.Peak)
	assert.InDelta(t, 0.02, st.CurrentDrawdown, 1e-12)
	assert.InDelta(t, 0.02, st.MaxDrawdown, 1e-12)

	m.UpdatePortfolioValue(109_000)
	st = m.State()
	assert.Less(t, st.CurrentDrawdown, 0.02)
	assert.InDelta(t, 0.02, st.MaxDrawdown, 1e-12, "max drawdown never decreases")
	assert.Equal(t, domain.RiskModeNormal, st.Mode)
}

func TestHaltHysteresis(t *testing.T) {
	m, rec := newTestManager(defaultConfig())
	m.UpdatePortfolioValue(100)
	require.True(t, m.ShouldExecute(domain.IntentOpen))

	assert.Equal(t, domain.RiskModeHalted, m.UpdatePortfolioValue(95), "5% drawdown halts")
	assert.False(t, m.ShouldExecute(domain.IntentOpen))
	assert.True(t, m.ShouldExecute(domain.IntentFlatten), "flattening stays allowed")

	// Approaching but not crossing the resume threshold keeps the halt.
	for _, v := range []float64{96, 96.9, 97.0, 96.5, 97.0} {
		m.UpdatePortfolioValue(v)
		assert.False(t, m.ShouldExecute(domain.IntentOpen), "value %v", v)
		assert.Equal(t, domain.RiskModeHalted, m.Mode())
	}

	m.UpdatePortfolioValue(97.01)
	assert.True(t, m.ShouldExecute(domain.IntentOpen), "drawdown below 3% resumes")

	modes := rec.OfType(events.TypeRiskMode)
	require.Len(t, modes, 2)
	assert.Equal(t, domain.RiskModeHalted, modes[0].Risk.To)
	assert.Equal(t, domain.RiskModeNormal, modes[1].Risk.To)
}

func TestStalenessRestrictsAndRecovers(t *testing.T) {
	m, rec := newTestManager(defaultConfig())
	now := time.Now()
	m.RecordPrice(50000, now, now)

	assert.Equal(t, domain.RiskModeNormal, m.CheckStaleness(now.Add(500*time.Millisecond)))
	assert.Equal(t, domain.RiskModeRestricted, m.CheckStaleness(now.Add(2*time.Second)))
	assert.False(t, m.ShouldExecute(domain.IntentOpen))
	assert.True(t, m.ShouldExecute(domain.IntentRebalance))
	assert.Len(t, rec.OfType(events.TypeStaleData), 1)

	fresh := now.Add(2100 * time.Millisecond)
	m.RecordPrice(50010, fresh, fresh)
	assert.Equal(t, domain.RiskModeNormal, m.Mode())
}

func TestOldPriceKeepsStalenessRestriction(t *testing.T) {
	m, rec := newTestManager(defaultConfig())
	now := time.Now()
	m.RecordPrice(50000, now.Add(-10*time.Second), now.Add(-10*time.Second))

	require.Equal(t, domain.RiskModeRestricted, m.CheckStaleness(now))
	for i := 0; i < 5; i++ {
		at := now.Add(time.Duration(i) * 100 * time.Millisecond)
		m.RecordPrice(50000, now.Add(-10*time.Second), at)
		assert.Equal(t, domain.RiskModeRestricted, m.Mode(), "update %d", i)
		m.CheckStaleness(at)
	}
	assert.Len(t, rec.OfType(events.TypeRiskMode), 1, "no flapping")
	assert.Len(t, rec.OfType(events.TypeStaleData), 1)

	m.RecordPrice(50010, now.Add(time.Second), now.Add(time.Second))
	assert.Equal(t, domain.RiskModeNormal, m.Mode())
}

func TestFeedLossRestrictsButHaltWins(t *testing.T) {
	m, _ := newTestManager(defaultConfig())
	m.UpdatePortfolioValue(100)

	m.MarkFeedLost("b", "retry budget exhausted")
	assert.Equal(t, domain.RiskModeRestricted, m.Mode())
	assert.Contains(t, m.State().Reason, "feed lost: b")

	m.UpdatePortfolioValue(90)
	assert.Equal(t, domain.RiskModeHalted, m.Mode())

	m.UpdatePortfolioValue(100)
	assert.Equal(t, domain.RiskModeRestricted, m.Mode(), "feed still down after drawdown recovery")

	m.MarkFeedRestored("b")
	assert.Equal(t, domain.RiskModeNormal, m.Mode())
}

func TestVolatilityAdjustedLimit(t *testing.T) {
	m, _ := newTestManager(defaultConfig())
	assert.Equal(t, 1.0, m.VolatilityAdjustedLimit(1.0), "no history, full limit")

	now := time.Now()
	for i := 0; i < 20; i++ {
		m.RecordPrice(100, now, now)
	}
	assert.Zero(t, m.Volatility())
	assert.Equal(t, 2.0, m.VolatilityAdjustedLimit(2.0))

	// Alternate 99/101: stddev 1, mean 100, relative 1%, half the threshold.
	for i := 0; i < 20; i++ {
		m.RecordPrice(99+float64(2*(i%2)), now, now)
	}
	assert.InDelta(t, 1.0, m.Volatility(), 1e-9)
	assert.InDelta(t, 0.5, m.VolatilityAdjustedLimit(1.0), 1e-9)

	for i := 0; i < 20; i++ {
		m.RecordPrice(90+float64(20*(i%2)), now, now)
	}
	assert.InDelta(t, 0.25, m.VolatilityAdjustedLimit(1.0), 1e-9, "floored at min fraction")
}

func TestVolatilityTrackerWindow(t *testing.T) {
	vt := NewVolatilityTracker(3)
	now := time.Now()
	for _, p := range []float64{1, 2, 3, 4, -1} {
		vt.Track(p, now)
	}
	assert.Equal(t, 3, vt.Len())
	assert.InDelta(t, 3.0, vt.Mean(), 1e-12)
	last, ok := vt.Last()
	require.True(t, ok)
	assert.Equal(t, 4.0, last.Price)
}
