// Package risk implements the per-symbol risk state machine over Normal,
// Restricted and Halted. Halted follows drawdown with hysteresis; Restricted
// follows stale prices and lost venue feeds. Both only permit reduce-only
// orders.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
)

// Config holds the thresholds for one symbol.
type Config struct {
	// MaxDrawdown is the drawdown fraction at which the symbol halts.
	MaxDrawdown float64
	// ResumeDrawdown is the drawdown below which a halted symbol resumes.
	// It must be strictly lower than MaxDrawdown.
	ResumeDrawdown float64
	// VolatilityWindow is the number of mid prices in the rolling window.
	VolatilityWindow int
	// VolatilityThreshold is the relative volatility (stddev/mean) at which
	// the position limit reaches its floor.
	VolatilityThreshold float64
	// MinLimitFraction floors the volatility-adjusted limit.
	MinLimitFraction float64
	// StalenessWindow is how long the symbol may go without a price before
	// it is restricted. Zero disables the check.
	StalenessWindow time.Duration
}

// Manager tracks drawdown, volatility and data health for one symbol. Writes
// come from the symbol's pipeline; reads may come from anywhere.
type Manager struct {
	symbol string
	cfg    Config
	sink   events.Sink
	logger *slog.Logger

	mu        sync.RWMutex
	peak      float64
	current   float64
	drawdown  float64
	maxDD     float64
	halted    bool
	stale     bool
	feedLost  map[domain.Venue]string
	vol       *VolatilityTracker
	lastPrice time.Time
	started   time.Time
	mode      domain.RiskMode
}

// NewManager creates a Manager in Normal mode.
func NewManager(symbol string, cfg Config, sink events.Sink, logger *slog.Logger) *Manager {
	if sink == nil {
		sink = events.Discard
	}
	return &Manager{
		symbol:   symbol,
		cfg:      cfg,
		sink:     sink,
		logger:   logger.With(slog.String("component", "risk"), slog.String("symbol", symbol)),
		feedLost: make(map[domain.Venue]string),
		vol:      NewVolatilityTracker(cfg.VolatilityWindow),
		started:  time.Now(),
		mode:     domain.RiskModeNormal,
	}
}

// Symbol returns the symbol this manager guards.
func (m *Manager) Symbol() string { return m.symbol }

// UpdatePortfolioValue records the symbol's current portfolio value and
// updates peak, drawdown and the halt state.
func (m *Manager) UpdatePortfolioValue(v float64) domain.RiskMode {
	m.mu.Lock()
	m.current = v
	if v > m.peak {
		m.peak = v
	}
	m.drawdown = 0
	if m.peak > 0 {
		m.drawdown = math.Max(0, (m.peak-v)/m.peak)
	}
	m.maxDD = math.Max(m.maxDD, m.drawdown)

	switch {
	case !m.halted && m.drawdown >= m.cfg.MaxDrawdown:
		m.halted = true
	case m.halted && m.drawdown < m.cfg.ResumeDrawdown:
		m.halted = false
	}
	ev, mode := m.transitionLocked(time.Now())
	m.mu.Unlock()

	m.emit(ev)
	return mode
}

// ShouldExecute reports whether an order with the given intent may be sent.
func (m *Manager) ShouldExecute(intent domain.OrderIntent) bool {
	return m.Mode().Allows(intent)
}

// Mode returns the current risk mode.
func (m *Manager) Mode() domain.RiskMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// RecordPrice adds a mid price observed at ts to the volatility window and
// refreshes the data-health clock. A staleness restriction is lifted only
// when ts is within the staleness window of now.
func (m *Manager) RecordPrice(mid float64, ts, now time.Time) {
	m.mu.Lock()
	m.vol.Track(mid, ts)
	if ts.After(m.lastPrice) {
		m.lastPrice = ts
	}
	if m.stale && (m.cfg.StalenessWindow <= 0 || now.Sub(m.lastPrice) <= m.cfg.StalenessWindow) {
		m.stale = false
	}
	ev, _ := m.transitionLocked(now)
	m.mu.Unlock()

	m.emit(ev)
}

// CheckStaleness restricts the symbol when no price has arrived within the
// staleness window.
func (m *Manager) CheckStaleness(now time.Time) domain.RiskMode {
	if m.cfg.StalenessWindow <= 0 {
		return m.Mode()
	}
	m.mu.Lock()
	last := m.lastPrice
	if last.IsZero() {
		last = m.started
	}
	wasStale := m.stale
	m.stale = now.Sub(last) > m.cfg.StalenessWindow
	ev, mode := m.transitionLocked(now)
	m.mu.Unlock()

	if m.stale && !wasStale {
		m.emit(eventPtr(events.StaleEvent(m.symbol,
			fmt.Sprintf("no price for %s", now.Sub(last).Round(time.Millisecond)), now)))
	}
	m.emit(ev)
	return mode
}

// MarkFeedLost restricts the symbol while venue's feed is down.
func (m *Manager) MarkFeedLost(venue domain.Venue, reason string) {
	m.mu.Lock()
	m.feedLost[venue] = reason
	ev, _ := m.transitionLocked(time.Now())
	m.mu.Unlock()
	m.emit(ev)
}

// MarkFeedRestored lifts the restriction for venue's feed.
func (m *Manager) MarkFeedRestored(venue domain.Venue) {
	m.mu.Lock()
	delete(m.feedLost, venue)
	ev, _ := m.transitionLocked(time.Now())
	m.mu.Unlock()
	m.emit(ev)
}

// Volatility returns the rolling standard deviation of mid prices.
func (m *Manager) Volatility() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vol.StdDev()
}

// VolatilityAdjustedLimit scales base down linearly as relative volatility
// approaches VolatilityThreshold, never below MinLimitFraction of base.
func (m *Manager) VolatilityAdjustedLimit(base float64) float64 {
	m.mu.RLock()
	rel := m.vol.Relative()
	m.mu.RUnlock()

	factor := 1.0
	if m.cfg.VolatilityThreshold > 0 {
		factor = 1 - rel/m.cfg.VolatilityThreshold
	}
	factor = math.Max(m.cfg.MinLimitFraction, math.Min(1, factor))
	return base * factor
}

// State returns a consistent snapshot of the risk bookkeeping.
func (m *Manager) State() domain.RiskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() domain.RiskState {
	return domain.RiskState{
		Symbol:          m.symbol,
		Mode:            m.mode,
		Reason:          m.reasonLocked(),
		Peak:            m.peak,
		Current:         m.current,
		CurrentDrawdown: m.drawdown,
		MaxDrawdown:     m.maxDD,
		Volatility:      m.vol.StdDev(),
		LastPriceAt:     m.lastPrice,
	}
}

func (m *Manager) modeLocked() domain.RiskMode {
	switch {
	case m.halted:
		return domain.RiskModeHalted
	case m.stale || len(m.feedLost) > 0:
		return domain.RiskModeRestricted
	default:
		return domain.RiskModeNormal
	}
}

func (m *Manager) reasonLocked() string {
	var parts []string
	if m.halted {
		parts = append(parts, fmt.Sprintf("drawdown %.4f >= %.4f", m.drawdown, m.cfg.MaxDrawdown))
	}
	if m.stale {
		parts = append(parts, "stale prices")
	}
	if len(m.feedLost) > 0 {
		venues := make([]string, 0, len(m.feedLost))
		for v := range m.feedLost {
			venues = append(venues, string(v))
		}
		sort.Strings(venues)
		parts = append(parts, "feed lost: "+strings.Join(venues, ","))
	}
	return strings.Join(parts, "; ")
}

// transitionLocked recomputes the mode and returns the event to emit once the
// lock is released, or nil when the mode did not change.
func (m *Manager) transitionLocked(at time.Time) (*events.Event, domain.RiskMode) {
	next := m.modeLocked()
	if next == m.mode {
		return nil, next
	}
	prev := m.mode
	m.mode = next
	ev := events.RiskEvent(prev, next, m.stateLocked(), at)
	return &ev, next
}

func (m *Manager) emit(ev *events.Event) {
	if ev == nil {
		return
	}
	if ev.Type == events.TypeRiskMode {
		m.logger.Info("risk mode changed",
			slog.String("from", string(ev.Risk.From)),
			slog.String("to", string(ev.Risk.To)),
			slog.String("reason", ev.Message),
		)
	}
	m.sink.Emit(context.Background(), *ev)
}

func eventPtr(ev events.Event) *events.Event { return &ev }
