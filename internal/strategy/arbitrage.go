package strategy

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbengine/internal/arbitrage"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
	"github.com/alanyoungcy/arbengine/internal/position"
	"github.com/alanyoungcy/arbengine/internal/risk"
)

// Arbitrage is the two-venue spread strategy for a single symbol. It only
// expresses intent: the pair it emits is executed leg by leg with no
// atomicity, and mismatches come back through Resolve.
type Arbitrage struct {
	symbol    string
	cfg       Config
	calc      arbitrage.Calculator
	gen       arbitrage.SignalGenerator
	positions *position.Manager
	risk      *risk.Manager
	policy    ExposurePolicy
	sink      events.Sink
	logger    *slog.Logger
}

// NewArbitrage wires the strategy for symbol.
func NewArbitrage(
	symbol string,
	cfg Config,
	calc arbitrage.Calculator,
	gen arbitrage.SignalGenerator,
	positions *position.Manager,
	riskMgr *risk.Manager,
	policy ExposurePolicy,
	sink events.Sink,
	logger *slog.Logger,
) *Arbitrage {
	if sink == nil {
		sink = events.Discard
	}
	if policy == nil {
		policy = AlertPolicy{}
	}
	return &Arbitrage{
		symbol:    symbol,
		cfg:       cfg,
		calc:      calc,
		gen:       gen,
		positions: positions,
		risk:      riskMgr,
		policy:    policy,
		sink:      sink,
		logger:    logger.With(slog.String("strategy", "arbitrage"), slog.String("symbol", symbol)),
	}
}

// Name returns the strategy identifier.
func (s *Arbitrage) Name() string { return "arbitrage" }

// Evaluate computes spread and signal for the two books and, when the symbol
// may open exposure, sizes a matched order pair.
func (s *Arbitrage) Evaluate(a, b domain.Book, now time.Time) (Decision, error) {
	spread, err := s.calc.Compute(a, b, now)
	if err != nil {
		return Decision{}, err
	}
	sig := s.gen.Generate(spread, now)
	s.sink.Emit(context.Background(), events.SignalEvent(sig))

	d := Decision{Signal: sig}
	if !sig.Actionable() {
		d.Skip = SkipNoSignal
		return d, nil
	}
	if !s.risk.ShouldExecute(domain.IntentOpen) {
		d.Skip = SkipRiskMode
		s.logger.Debug("opening suppressed", slog.String("mode", string(s.risk.Mode())))
		return d, nil
	}

	leg := spread.Leg(sig.Direction)
	implied := s.cfg.OrderSize
	if s.cfg.ScaleByConfidence {
		implied *= sig.Confidence
	}
	qty := math.Min(implied, sig.Quantity)

	buy := s.newOrder(leg.BuyVenue, domain.OrderSideBuy, qty, leg.BuyPrice, domain.IntentOpen, now)
	sell := s.newOrder(leg.SellVenue, domain.OrderSideSell, qty, leg.SellPrice, domain.IntentOpen, now)

	limit := s.risk.VolatilityAdjustedLimit(s.positions.Limits().Effective())
	capacity := s.positions.EnforcePairLimit(buy, sell, limit)
	if capacity <= 0 {
		d.Skip = SkipNoCapacity
		return d, nil
	}

	size := roundLot(math.Min(qty, capacity), s.cfg.LotSize)
	if size <= 0 || size < s.cfg.MinOrderSize {
		d.Skip = SkipBelowMin
		return d, nil
	}

	pairID := uuid.NewString()
	buy.Quantity, sell.Quantity = size, size
	buy.PairID, sell.PairID = pairID, pairID
	d.Size = size
	d.Pair = &domain.OrderPair{
		ID:        pairID,
		Symbol:    s.symbol,
		Buy:       buy,
		Sell:      sell,
		CreatedAt: now,
	}
	s.logger.Info("arbitrage pair",
		slog.String("pair_id", pairID),
		slog.String("direction", string(sig.Direction)),
		slog.Float64("spread_bps", sig.SpreadBps),
		slog.Float64("size", size),
		slog.Float64("expected_profit", sig.ExpectedProfit),
	)
	return d, nil
}

// Rebalance prices the position manager's rebalancing orders against the
// current books.
func (s *Arbitrage) Rebalance(a, b domain.Book, now time.Time) []domain.Order {
	if !s.risk.ShouldExecute(domain.IntentRebalance) {
		return nil
	}
	return s.price(s.positions.RebalanceOrders(s.symbol), a, b, now)
}

// Resolve asks the exposure policy what to do about an unbalanced pair and
// prices the answer. A hedge that the risk mode forbids becomes a flatten.
func (s *Arbitrage) Resolve(u domain.UnbalancedExposure, attempt int, a, b domain.Book, now time.Time) Resolution {
	res := s.policy.Resolve(u, attempt)
	if res.Action == ActionHedge && !s.risk.ShouldExecute(domain.IntentHedge) {
		res = FlattenPolicy{}.Resolve(u, attempt)
		res.Note = "hedge blocked by risk mode, flattening"
	}
	res.Orders = s.price(res.Orders, a, b, now)
	return res
}

// price fills in ids, reference and limit prices from the venue's book.
// Orders for a venue without a usable book are dropped.
func (s *Arbitrage) price(orders []domain.Order, a, b domain.Book, now time.Time) []domain.Order {
	var out []domain.Order
	for _, o := range orders {
		book := a
		if o.Venue == b.Venue {
			book = b
		}
		if book.Venue != o.Venue {
			continue
		}
		var lvl domain.PriceLevel
		var ok bool
		if o.Side == domain.OrderSideBuy {
			lvl, ok = book.BestAsk()
		} else {
			lvl, ok = book.BestBid()
		}
		if !ok {
			continue
		}
		qty := roundLot(o.Quantity, s.cfg.LotSize)
		if qty <= 0 {
			continue
		}
		priced := s.newOrder(o.Venue, o.Side, qty, lvl.Price, o.Intent, now)
		priced.PairID = o.PairID
		out = append(out, priced)
	}
	return out
}

func (s *Arbitrage) newOrder(venue domain.Venue, side domain.OrderSide, qty, ref float64, intent domain.OrderIntent, now time.Time) domain.Order {
	limit := ref * (1 + s.cfg.SlippageTolerance)
	if side == domain.OrderSideSell {
		limit = ref * (1 - s.cfg.SlippageTolerance)
	}
	return domain.Order{
		ID:         uuid.NewString(),
		Venue:      venue,
		Symbol:     s.symbol,
		Side:       side,
		Quantity:   qty,
		Price:      ref,
		LimitPrice: limit,
		Intent:     intent,
		Status:     domain.OrderStatusPending,
		CreatedAt:  now,
	}
}

// roundLot rounds q down to a multiple of step using decimal arithmetic so
// that values like 0.3 with step 0.1 stay 0.3.
func roundLot(q, step float64) float64 {
	if q <= 0 || math.IsNaN(q) {
		return 0
	}
	if step <= 0 {
		return q
	}
	dq := decimal.NewFromFloat(q)
	ds := decimal.NewFromFloat(step)
	return dq.Div(ds).Floor().Mul(ds).InexactFloat64()
}

var _ Strategy = (*Arbitrage)(nil)
