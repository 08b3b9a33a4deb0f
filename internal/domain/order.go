package domain

import (
	"fmt"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideSell {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusTimedOut        OrderStatus = "timed_out"
)

// orderTransitions is the lifecycle shared by dry-run and live execution.
// PartiallyFilled may repeat as more quantity fills.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:         {OrderStatusSubmitted, OrderStatusRejected},
	OrderStatusSubmitted:       {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusTimedOut},
	OrderStatusPartiallyFilled: {OrderStatusPartiallyFilled, OrderStatusFilled},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates the move from s to next.
func (s OrderStatus) Transition(next OrderStatus) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// IsTerminal reports whether no further transitions are possible.
// PartiallyFilled is terminal only once the engine closes the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusTimedOut:
		return true
	}
	return false
}

// OrderIntent records why an order exists. Flatten and rebalance orders only
// reduce exposure and remain allowed while a symbol is restricted or halted.
type OrderIntent string

const (
	IntentOpen      OrderIntent = "open"
	IntentHedge     OrderIntent = "hedge"
	IntentFlatten   OrderIntent = "flatten"
	IntentRebalance OrderIntent = "rebalance"
)

// ReduceOnly reports whether the intent can only reduce exposure.
func (i OrderIntent) ReduceOnly() bool {
	return i == IntentFlatten || i == IntentRebalance
}

// Order is an instruction to trade on a single venue.
type Order struct {
	ID         string      `json:"id"`
	PairID     string      `json:"pair_id,omitempty"`
	Venue      Venue       `json:"venue"`
	Symbol     string      `json:"symbol"`
	Side       OrderSide   `json:"side"`
	Quantity   float64     `json:"quantity"`
	Price      float64     `json:"price"`       // reference price at decision time
	LimitPrice float64     `json:"limit_price"` // worst acceptable price
	Intent     OrderIntent `json:"intent"`
	PostOnly   bool        `json:"post_only,omitempty"`
	Status     OrderStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Validate checks the order for obviously invalid parameters.
func (o Order) Validate() error {
	switch {
	case o.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidOrder)
	case o.Venue == "":
		return fmt.Errorf("%w: missing venue", ErrInvalidOrder)
	case o.Side != OrderSideBuy && o.Side != OrderSideSell:
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, o.Side)
	case o.Quantity <= 0:
		return fmt.Errorf("%w: quantity %.8g must be positive", ErrInvalidOrder, o.Quantity)
	case o.Price <= 0:
		return fmt.Errorf("%w: price %.8g must be positive", ErrInvalidOrder, o.Price)
	}
	return nil
}

// OrderHandle is the venue's reference to a submitted order.
type OrderHandle struct {
	OrderID      string `json:"order_id"`
	VenueOrderID string `json:"venue_order_id"`
	Venue        Venue  `json:"venue"`
}

// OrderState is the venue's view of an order. Quantities and fees are
// cumulative since submission.
type OrderState struct {
	Status    OrderStatus `json:"status"`
	FilledQty float64     `json:"filled_qty"`
	AvgPrice  float64     `json:"avg_price"`
	Fee       float64     `json:"fee"`
	Message   string      `json:"message,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Fill is one confirmed increment of executed quantity. Fills are applied to
// positions exactly once per ID.
type Fill struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	PairID    string    `json:"pair_id,omitempty"`
	Venue     Venue     `json:"venue"`
	Symbol    string    `json:"symbol"`
	Side      OrderSide `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// Delta returns the signed position change of the fill.
func (f Fill) Delta() float64 {
	return f.Side.Sign() * f.Quantity
}

// OrderResult is the closed outcome of an order after execution and
// reconciliation.
type OrderResult struct {
	Order      Order       `json:"order"`
	Status     OrderStatus `json:"status"`
	FilledQty  float64     `json:"filled_qty"`
	AvgPrice   float64     `json:"avg_price"`
	Fee        float64     `json:"fee"`
	Reconciled bool        `json:"reconciled"`
	Message    string      `json:"message,omitempty"`
	ClosedAt   time.Time   `json:"closed_at"`
}

// PossiblyFilled reports whether quantity beyond FilledQty may have executed
// without being confirmed.
func (r OrderResult) PossiblyFilled() bool {
	return !r.Reconciled && r.Status != OrderStatusFilled
}
