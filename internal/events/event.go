// Package events defines the structured events the arbitrage core emits and
// the Sink boundary through which logging, metrics, alerting and the event
// bus receive them. The core never performs I/O itself; it only emits.
package events

import (
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Type names the kind of event.
type Type string

const (
	TypeSignal             Type = "signal"
	TypeOrderTransition    Type = "order_transition"
	TypeFill               Type = "fill"
	TypeRiskMode           Type = "risk_mode"
	TypeStaleData          Type = "stale_data"
	TypeUnbalancedExposure Type = "unbalanced_exposure"
	TypeFeed               Type = "feed"
	TypeExposure           Type = "exposure"
)

// Severity orders events for alert routing.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// MarshalText renders the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name. Unknown names decode as info.
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "warning":
		*s = SeverityWarning
	case "error":
		*s = SeverityError
	case "critical":
		*s = SeverityCritical
	default:
		*s = SeverityInfo
	}
	return nil
}

// OrderTransition records one lifecycle step of an order.
type OrderTransition struct {
	OrderID   string             `json:"order_id"`
	PairID    string             `json:"pair_id,omitempty"`
	Venue     domain.Venue       `json:"venue"`
	Side      domain.OrderSide   `json:"side"`
	Intent    domain.OrderIntent `json:"intent"`
	From      domain.OrderStatus `json:"from"`
	To        domain.OrderStatus `json:"to"`
	FilledQty float64            `json:"filled_qty"`
	Quantity  float64            `json:"quantity"`
}

// RiskTransition records a change of a symbol's risk mode.
type RiskTransition struct {
	From  domain.RiskMode  `json:"from"`
	To    domain.RiskMode  `json:"to"`
	State domain.RiskState `json:"state"`
}

// FeedStatus records a venue connectivity change.
type FeedStatus struct {
	Venue     domain.Venue `json:"venue"`
	Connected bool         `json:"connected"`
	Attempts  int          `json:"attempts"`
}

// Event is a single structured observation. Exactly one of the typed payload
// fields is set, matching Type.
type Event struct {
	Type     Type      `json:"type"`
	Symbol   string    `json:"symbol"`
	Severity Severity  `json:"severity"`
	Time     time.Time `json:"time"`
	Message  string    `json:"message,omitempty"`

	Signal     *domain.Signal             `json:"signal,omitempty"`
	Order      *OrderTransition           `json:"order,omitempty"`
	Fill       *domain.Fill               `json:"fill,omitempty"`
	Risk       *RiskTransition            `json:"risk,omitempty"`
	Unbalanced *domain.UnbalancedExposure `json:"unbalanced,omitempty"`
	Feed       *FeedStatus                `json:"feed,omitempty"`
	Exposure   *domain.Exposure           `json:"exposure,omitempty"`
}

// SignalEvent builds a signal event.
func SignalEvent(sig domain.Signal) Event {
	return Event{Type: TypeSignal, Symbol: sig.Symbol, Time: sig.Timestamp, Signal: &sig}
}

// OrderEvent builds an order transition event. Rejections and timeouts are
// warnings.
func OrderEvent(o domain.Order, from, to domain.OrderStatus, filled float64, at time.Time) Event {
	sev := SeverityInfo
	if to == domain.OrderStatusRejected || to == domain.OrderStatusTimedOut {
		sev = SeverityWarning
	}
	return Event{
		Type:     TypeOrderTransition,
		Symbol:   o.Symbol,
		Severity: sev,
		Time:     at,
		Order: &OrderTransition{
			OrderID:   o.ID,
			PairID:    o.PairID,
			Venue:     o.Venue,
			Side:      o.Side,
			Intent:    o.Intent,
			From:      from,
			To:        to,
			FilledQty: filled,
			Quantity:  o.Quantity,
		},
	}
}

// FillEvent builds a fill event.
func FillEvent(f domain.Fill) Event {
	return Event{Type: TypeFill, Symbol: f.Symbol, Time: f.Timestamp, Fill: &f}
}

// RiskEvent builds a risk mode transition event. Entering Halted is an error,
// any other restriction a warning.
func RiskEvent(from, to domain.RiskMode, state domain.RiskState, at time.Time) Event {
	sev := SeverityInfo
	switch to {
	case domain.RiskModeHalted:
		sev = SeverityError
	case domain.RiskModeRestricted:
		sev = SeverityWarning
	}
	return Event{
		Type:     TypeRiskMode,
		Symbol:   state.Symbol,
		Severity: sev,
		Time:     at,
		Message:  state.Reason,
		Risk:     &RiskTransition{From: from, To: to, State: state},
	}
}

// StaleEvent builds a stale data event.
func StaleEvent(symbol, message string, at time.Time) Event {
	return Event{Type: TypeStaleData, Symbol: symbol, Severity: SeverityWarning, Time: at, Message: message}
}

// UnbalancedEvent builds the highest-severity event for a leg mismatch.
func UnbalancedEvent(u domain.UnbalancedExposure) Event {
	return Event{
		Type:       TypeUnbalancedExposure,
		Symbol:     u.Symbol,
		Severity:   SeverityCritical,
		Time:       u.DetectedAt,
		Unbalanced: &u,
	}
}

// FeedEvent builds a connectivity event.
func FeedEvent(symbol string, status FeedStatus, message string, at time.Time) Event {
	sev := SeverityInfo
	if !status.Connected {
		sev = SeverityError
	}
	return Event{Type: TypeFeed, Symbol: symbol, Severity: sev, Time: at, Message: message, Feed: &status}
}

// ExposureEvent builds a position snapshot event.
func ExposureEvent(exp domain.Exposure) Event {
	return Event{Type: TypeExposure, Symbol: exp.Symbol, Time: exp.UpdatedAt, Exposure: &exp}
}
