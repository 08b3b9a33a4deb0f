package executor

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

// SimConfig parameterizes the dry-run venue model.
type SimConfig struct {
	// Latency is the mean time from submit to fill. Each order draws a
	// latency uniformly from [0.5, 1.5) times this value.
	Latency time.Duration
	// SlippageTolerance caps slippage as a fraction of the reference price.
	SlippageTolerance float64
	// ImpactSize is the quantity at which slippage reaches the tolerance.
	// Zero means every order slips by the full tolerance.
	ImpactSize float64
	MakerFee   float64
	TakerFee   float64
	Seed       int64
}

// Fault is what an Injector asks the simulator to do with one order.
type Fault struct {
	// Reject fails the submit.
	Reject bool
	// FillRatio fills only that fraction of the quantity, then leaves the
	// rest working until cancelled. Zero means a full fill.
	FillRatio float64
	// Stall leaves the order working, unfilled, until cancelled.
	Stall   bool
	Message string
}

// Injector lets tests and chaos runs steer individual orders.
type Injector func(o domain.Order) Fault

// SimulatedGateway is an in-memory venue that fills orders after a latency
// with size-dependent slippage and fees.
type SimulatedGateway struct {
	venue  domain.Venue
	cfg    SimConfig
	inject Injector
	now    func() time.Time

	mu       sync.Mutex
	rng      *rand.Rand
	orders   map[string]*simOrder // venue order id -> order
	byClient map[string]string    // client order id -> venue order id
}

type simOrder struct {
	order   domain.Order
	readyAt time.Time
	fault   Fault
	filled  bool // the fill step has run
	closed  bool
	state   domain.OrderState
}

// NewSimulatedGateway returns a simulator for venue v. inject may be nil.
func NewSimulatedGateway(v domain.Venue, cfg SimConfig, inject Injector) *SimulatedGateway {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedGateway{
		venue:    v,
		cfg:      cfg,
		inject:   inject,
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(uint64(seed), uint64(seed))),
		orders:   make(map[string]*simOrder),
		byClient: make(map[string]string),
	}
}

// Submit accepts the order unless the injector rejects it.
func (g *SimulatedGateway) Submit(ctx context.Context, o domain.Order) (domain.OrderHandle, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderHandle{}, err
	}
	if err := o.Validate(); err != nil {
		return domain.OrderHandle{}, err
	}
	var fault Fault
	if g.inject != nil {
		fault = g.inject(o)
	}
	if fault.Reject {
		msg := fault.Message
		if msg == "" {
			msg = "rejected by simulator"
		}
		return domain.OrderHandle{}, fmt.Errorf("%w: %s", domain.ErrOrderRejected, msg)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	latency := time.Duration(float64(g.cfg.Latency) * (0.5 + g.rng.Float64()))
	h := domain.OrderHandle{OrderID: o.ID, VenueOrderID: "sim-" + uuid.NewString(), Venue: g.venue}
	g.orders[h.VenueOrderID] = &simOrder{
		order:   o,
		readyAt: now.Add(latency),
		fault:   fault,
		state:   domain.OrderState{Status: domain.OrderStatusSubmitted, UpdatedAt: now},
	}
	g.byClient[o.ID] = h.VenueOrderID
	return h, nil
}

// Cancel closes the order. Quantity already filled stays filled.
func (g *SimulatedGateway) Cancel(ctx context.Context, h domain.OrderHandle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	so, err := g.lookup(h)
	if err != nil {
		return err
	}
	now := g.now()
	g.advance(so, now)
	if so.closed {
		return nil
	}
	so.closed = true
	so.state.Status = domain.OrderStatusCancelled
	so.state.UpdatedAt = now
	return nil
}

// PollStatus returns the cumulative state of the order.
func (g *SimulatedGateway) PollStatus(ctx context.Context, h domain.OrderHandle) (domain.OrderState, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderState{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	so, err := g.lookup(h)
	if err != nil {
		return domain.OrderState{}, err
	}
	g.advance(so, g.now())
	return so.state, nil
}

func (g *SimulatedGateway) lookup(h domain.OrderHandle) (*simOrder, error) {
	id := h.VenueOrderID
	if id == "" {
		id = g.byClient[h.OrderID]
	}
	so, ok := g.orders[id]
	if !ok {
		return nil, fmt.Errorf("sim %s: order %s: %w", g.venue, h.OrderID, domain.ErrNotFound)
	}
	return so, nil
}

// advance runs the fill step once the order's latency has elapsed.
func (g *SimulatedGateway) advance(so *simOrder, now time.Time) {
	if so.closed || so.filled || now.Before(so.readyAt) {
		return
	}
	so.filled = true
	if so.fault.Stall {
		so.state.Message = so.fault.Message
		return
	}
	ratio := so.fault.FillRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	qty := so.order.Quantity * ratio
	price := g.fillPrice(so.order, qty)
	rate := g.cfg.TakerFee
	if so.order.PostOnly {
		rate = g.cfg.MakerFee
	}
	so.state = domain.OrderState{
		Status:    domain.OrderStatusPartiallyFilled,
		FilledQty: qty,
		AvgPrice:  price,
		Fee:       qty * price * rate,
		Message:   so.fault.Message,
		UpdatedAt: now,
	}
	if ratio == 1 {
		so.state.Status = domain.OrderStatusFilled
		so.closed = true
	}
}

// fillPrice applies slippage that grows linearly with quantity up to the
// tolerance, never crossing the order's limit.
func (g *SimulatedGateway) fillPrice(o domain.Order, qty float64) float64 {
	frac := g.cfg.SlippageTolerance
	if g.cfg.ImpactSize > 0 {
		frac = math.Min(frac, frac*qty/g.cfg.ImpactSize)
	}
	if o.Side == domain.OrderSideBuy {
		p := o.Price * (1 + frac)
		if o.LimitPrice > 0 {
			p = math.Min(p, o.LimitPrice)
		}
		return p
	}
	p := o.Price * (1 - frac)
	if o.LimitPrice > 0 {
		p = math.Max(p, o.LimitPrice)
	}
	return p
}

var _ venue.Gateway = (*SimulatedGateway)(nil)
