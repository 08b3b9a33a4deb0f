package strategy

import (
	"fmt"
	"math"
	"strings"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Action is what a policy decided to do about an unbalanced pair.
type Action string

const (
	ActionAlert   Action = "alert"   // escalate to an operator, trade nothing
	ActionFlatten Action = "flatten" // unwind the excess leg
	ActionHedge   Action = "hedge"   // complete the short leg
)

// Resolution is a policy's answer. Orders are unpriced when returned by a
// policy and priced by the strategy.
type Resolution struct {
	Action Action
	Orders []domain.Order
	Note   string
}

// ExposurePolicy decides how an unbalanced pair is answered. attempt counts
// earlier resolutions of the same pair, starting at 0.
type ExposurePolicy interface {
	Name() string
	Resolve(u domain.UnbalancedExposure, attempt int) Resolution
}

// NewExposurePolicy returns the policy registered under name.
func NewExposurePolicy(name string, maxRetries int) (ExposurePolicy, error) {
	switch strings.ToLower(name) {
	case "alert":
		return AlertPolicy{}, nil
	case "", "flatten":
		return FlattenPolicy{}, nil
	case "retry":
		return RetryPolicy{MaxRetries: maxRetries}, nil
	default:
		return nil, fmt.Errorf("strategy: unknown exposure policy %q", name)
	}
}

// AlertPolicy never trades; the unbalanced event reaches the operator and
// the rebalancer unwinds the net once it crosses rebalance_threshold.
type AlertPolicy struct{}

func (AlertPolicy) Name() string { return "alert" }

func (AlertPolicy) Resolve(domain.UnbalancedExposure, int) Resolution {
	return Resolution{Action: ActionAlert, Note: "operator action required"}
}

// FlattenPolicy sells what was over-bought (or buys back what was over-sold)
// on the venue that filled more.
type FlattenPolicy struct{}

func (FlattenPolicy) Name() string { return "flatten" }

func (FlattenPolicy) Resolve(u domain.UnbalancedExposure, _ int) Resolution {
	if u.Unverified {
		return Resolution{Action: ActionAlert, Note: "leg state unverified, not trading blind"}
	}
	qty := math.Abs(u.Imbalance)
	if qty <= domain.QuantityEpsilon {
		return Resolution{Action: ActionAlert, Note: "nothing to flatten"}
	}
	excess, _ := u.ExcessLeg()
	return Resolution{
		Action: ActionFlatten,
		Orders: []domain.Order{{
			PairID:   u.PairID,
			Venue:    excess.Order.Venue,
			Symbol:   u.Symbol,
			Side:     excess.Order.Side.Opposite(),
			Quantity: qty,
			Intent:   domain.IntentFlatten,
		}},
	}
}

// RetryPolicy re-sends the missing quantity on the short leg up to
// MaxRetries times, then flattens.
type RetryPolicy struct {
	MaxRetries int
}

func (RetryPolicy) Name() string { return "retry" }

func (p RetryPolicy) Resolve(u domain.UnbalancedExposure, attempt int) Resolution {
	if u.Unverified {
		return Resolution{Action: ActionAlert, Note: "leg state unverified, not trading blind"}
	}
	if attempt >= p.MaxRetries {
		res := FlattenPolicy{}.Resolve(u, attempt)
		res.Note = fmt.Sprintf("retries exhausted after %d attempts", attempt)
		return res
	}
	qty := math.Abs(u.Imbalance)
	if qty <= domain.QuantityEpsilon {
		return Resolution{Action: ActionAlert, Note: "nothing to hedge"}
	}
	_, short := u.ExcessLeg()
	return Resolution{
		Action: ActionHedge,
		Orders: []domain.Order{{
			PairID:   u.PairID,
			Venue:    short.Order.Venue,
			Symbol:   u.Symbol,
			Side:     short.Order.Side,
			Quantity: qty,
			Intent:   domain.IntentHedge,
		}},
	}
}
