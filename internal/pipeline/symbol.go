package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
	"github.com/alanyoungcy/arbengine/internal/executor"
	"github.com/alanyoungcy/arbengine/internal/feed"
	"github.com/alanyoungcy/arbengine/internal/position"
	"github.com/alanyoungcy/arbengine/internal/risk"
	"github.com/alanyoungcy/arbengine/internal/strategy"
)

// Executor is the part of the execution engine a pipeline drives.
type Executor interface {
	ExecutePair(ctx context.Context, pair domain.OrderPair, inbox *executor.Inbox) error
	Execute(ctx context.Context, o domain.Order, inbox *executor.Inbox) error
}

// FillJournal persists applied fills. domain.LedgerStore satisfies it.
type FillJournal interface {
	RecordFill(ctx context.Context, fill domain.Fill) error
}

// batchJournal is implemented by journals that persist many fills in one
// round trip.
type batchJournal interface {
	RecordFills(ctx context.Context, fills []domain.Fill) error
}

// SymbolConfig configures one pipeline.
type SymbolConfig struct {
	Symbol string
	VenueA domain.Venue
	VenueB domain.Venue
	// InitialCapital is the portfolio value drawdown is measured against.
	InitialCapital float64
	// MaxInflightPairs bounds pairs executing at once. Sizing does not see
	// unfilled pairs, so values above 1 can overshoot the position limit.
	MaxInflightPairs int
	// StalenessCheck is the cadence of the staleness probe.
	StalenessCheck time.Duration
	// RebalanceInterval is the cadence of rebalancing. Zero disables it.
	RebalanceInterval time.Duration
	// MaxResolveAttempts bounds automatic answers to one unbalanced pair
	// before it is left to the operator.
	MaxResolveAttempts int
}

func (c SymbolConfig) withDefaults() SymbolConfig {
	if c.MaxInflightPairs <= 0 {
		c.MaxInflightPairs = 1
	}
	if c.StalenessCheck <= 0 {
		c.StalenessCheck = 250 * time.Millisecond
	}
	if c.MaxResolveAttempts <= 0 {
		c.MaxResolveAttempts = 5
	}
	return c
}

// SymbolPipeline is the single goroutine that owns one symbol: it evaluates
// the strategy on book updates, submits orders, and applies execution
// reports to positions and risk.
type SymbolPipeline struct {
	cfg       SymbolConfig
	strat     strategy.Strategy
	positions *position.Manager
	risk      *risk.Manager
	exec      Executor
	box       *feed.Mailbox
	inbox     *executor.Inbox
	journal   FillJournal
	sink      events.Sink
	logger    *slog.Logger
	now       func() time.Time

	pairs      map[string]struct{}   // pairs in flight
	resolving  map[string]resolution // order id -> exposure it answers
	attempts   map[string]int        // pair id -> resolutions so far
	rebalances map[string]struct{}   // rebalance orders in flight
	marks      map[domain.Venue]float64
}

type resolution struct {
	exposure domain.UnbalancedExposure
	order    domain.Order
}

// NewSymbolPipeline wires a pipeline. journal and sink may be nil.
func NewSymbolPipeline(
	cfg SymbolConfig,
	strat strategy.Strategy,
	positions *position.Manager,
	riskMgr *risk.Manager,
	exec Executor,
	box *feed.Mailbox,
	journal FillJournal,
	sink events.Sink,
	logger *slog.Logger,
) *SymbolPipeline {
	if sink == nil {
		sink = events.Discard
	}
	return &SymbolPipeline{
		cfg:        cfg.withDefaults(),
		strat:      strat,
		positions:  positions,
		risk:       riskMgr,
		exec:       exec,
		box:        box,
		inbox:      executor.NewInbox(),
		journal:    journal,
		sink:       sink,
		logger:     logger.With(slog.String("component", "pipeline"), slog.String("symbol", cfg.Symbol)),
		now:        time.Now,
		pairs:      make(map[string]struct{}),
		resolving:  make(map[string]resolution),
		attempts:   make(map[string]int),
		rebalances: make(map[string]struct{}),
		marks:      make(map[domain.Venue]float64),
	}
}

// Symbol returns the pipeline's symbol.
func (p *SymbolPipeline) Symbol() string { return p.cfg.Symbol }

// Mailbox returns the mailbox the pipeline reads books from.
func (p *SymbolPipeline) Mailbox() *feed.Mailbox { return p.box }

// Risk returns the symbol's risk manager.
func (p *SymbolPipeline) Risk() *risk.Manager { return p.risk }

// FeedStatus is a feed.StatusFunc. Risk is safe for concurrent use, so it is
// called straight from the feed goroutine.
func (p *SymbolPipeline) FeedStatus(v domain.Venue, connected bool, attempts int, err error) {
	status := events.FeedStatus{Venue: v, Connected: connected, Attempts: attempts}
	if connected {
		p.risk.MarkFeedRestored(v)
		p.sink.Emit(context.Background(), events.FeedEvent(p.cfg.Symbol, status, "feed restored", p.now()))
		return
	}
	reason := "retry budget exhausted"
	if err != nil {
		reason += ": " + err.Error()
	}
	p.risk.MarkFeedLost(v, reason)
	p.sink.Emit(context.Background(), events.FeedEvent(p.cfg.Symbol, status, reason, p.now()))
}

// Run processes books and reports until ctx is done. It always returns nil
// on cancellation.
func (p *SymbolPipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started",
		slog.String("strategy", p.strat.Name()),
		slog.Int("max_inflight_pairs", p.cfg.MaxInflightPairs),
	)
	defer p.logger.Info("pipeline stopped")

	stale := time.NewTicker(p.cfg.StalenessCheck)
	defer stale.Stop()

	var rebalance <-chan time.Time
	if p.cfg.RebalanceInterval > 0 {
		t := time.NewTicker(p.cfg.RebalanceInterval)
		defer t.Stop()
		rebalance = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.box.Notify():
			p.onBooks(ctx)
		case <-p.inbox.C():
			for _, r := range p.inbox.Drain() {
				p.onReport(ctx, r, true)
			}
		case now := <-stale.C:
			p.risk.CheckStaleness(now)
		case <-rebalance:
			p.rebalance(ctx)
		}
	}
}

// Flush applies reports still queued after the executor drained and journals
// their fills in one batch. Exposure is not answered any more; the unbalanced
// events already reached the sinks.
func (p *SymbolPipeline) Flush(ctx context.Context) {
	var fills []domain.Fill
	for _, r := range p.inbox.Drain() {
		if r.Kind == executor.ReportFill {
			if p.admitFill(ctx, *r.Fill) {
				fills = append(fills, *r.Fill)
			}
			continue
		}
		p.onReport(ctx, r, false)
	}
	p.journalFills(ctx, fills)
}

func (p *SymbolPipeline) onBooks(ctx context.Context) {
	a, b, ok := p.box.Pair(p.cfg.VenueA, p.cfg.VenueB)
	if !ok {
		return
	}
	now := p.now()
	midA, midB := a.MidPrice(), b.MidPrice()
	if midA > 0 && midB > 0 {
		p.marks[a.Venue], p.marks[b.Venue] = midA, midB
		older := a.Timestamp
		if b.Timestamp.Before(older) {
			older = b.Timestamp
		}
		p.risk.RecordPrice((midA+midB)/2, older, now)
		p.markToMarket()
	}

	if len(p.pairs) >= p.cfg.MaxInflightPairs {
		return
	}
	d, err := p.strat.Evaluate(a, b, now)
	if err != nil {
		if errors.Is(err, domain.ErrStaleData) {
			p.risk.CheckStaleness(now)
		}
		p.logger.Debug("evaluation skipped", slog.String("error", err.Error()))
		return
	}
	if d.Pair == nil {
		return
	}
	if err := p.exec.ExecutePair(ctx, *d.Pair, p.inbox); err != nil {
		p.logger.Error("pair submission failed",
			slog.String("pair_id", d.Pair.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	p.pairs[d.Pair.ID] = struct{}{}
}

func (p *SymbolPipeline) markToMarket() {
	if len(p.marks) == 0 {
		return
	}
	value := p.cfg.InitialCapital + p.positions.Value(p.cfg.Symbol, p.marks)
	p.risk.UpdatePortfolioValue(value)
}

func (p *SymbolPipeline) onReport(ctx context.Context, r executor.Report, live bool) {
	switch r.Kind {
	case executor.ReportFill:
		p.applyFill(ctx, *r.Fill)
	case executor.ReportOrderClosed:
		p.orderClosed(ctx, *r.Order, live)
	case executor.ReportPairClosed:
		delete(p.pairs, r.Pair.Pair.ID)
		if r.Pair.Balanced() {
			p.logger.Info("pair closed balanced",
				slog.String("pair_id", r.Pair.Pair.ID),
				slog.Float64("filled", r.Pair.Buy.FilledQty),
			)
		}
	case executor.ReportUnbalanced:
		if live {
			p.resolve(ctx, *r.Unbalanced)
		}
	}
}

func (p *SymbolPipeline) applyFill(ctx context.Context, f domain.Fill) {
	if p.admitFill(ctx, f) {
		p.journalFills(ctx, []domain.Fill{f})
	}
}

// admitFill applies f to the ledger and reports whether it was new.
func (p *SymbolPipeline) admitFill(ctx context.Context, f domain.Fill) bool {
	if !p.positions.ApplyFill(f) {
		return false
	}
	p.sink.Emit(ctx, events.ExposureEvent(p.positions.Exposure(p.cfg.Symbol)))
	p.markToMarket()
	return true
}

func (p *SymbolPipeline) journalFills(ctx context.Context, fills []domain.Fill) {
	if p.journal == nil || len(fills) == 0 {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if b, ok := p.journal.(batchJournal); ok && len(fills) > 1 {
		if err := b.RecordFills(jctx, fills); err != nil {
			p.logger.Error("journal fill batch failed",
				slog.Int("fills", len(fills)),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	for _, f := range fills {
		if err := p.journal.RecordFill(jctx, f); err != nil {
			p.logger.Error("journal fill failed",
				slog.String("fill_id", f.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *SymbolPipeline) orderClosed(ctx context.Context, res domain.OrderResult, live bool) {
	id := res.Order.ID
	delete(p.rebalances, id)

	rs, ok := p.resolving[id]
	if !ok {
		return
	}
	delete(p.resolving, id)
	if !live {
		return
	}

	u := rs.exposure
	remaining := math.Abs(u.Imbalance) - res.FilledQty
	if remaining <= domain.QuantityEpsilon && !res.PossiblyFilled() {
		delete(p.attempts, u.PairID)
		p.logger.Info("exposure resolved",
			slog.String("pair_id", u.PairID),
			slog.String("intent", string(res.Order.Intent)),
		)
		return
	}
	// Still open: answer again with what is left.
	next := u
	next.Imbalance = math.Copysign(math.Max(remaining, 0), u.Imbalance)
	next.Unverified = u.Unverified || res.PossiblyFilled()
	next.DetectedAt = p.now()
	p.resolve(ctx, next)
}

func (p *SymbolPipeline) resolve(ctx context.Context, u domain.UnbalancedExposure) {
	attempt := p.attempts[u.PairID]
	if attempt >= p.cfg.MaxResolveAttempts {
		p.logger.Error("exposure left to operator",
			slog.String("pair_id", u.PairID),
			slog.Int("attempts", attempt),
			slog.Float64("imbalance", u.Imbalance),
		)
		return
	}
	p.attempts[u.PairID] = attempt + 1

	a, _ := p.box.Latest(p.cfg.VenueA)
	b, _ := p.box.Latest(p.cfg.VenueB)
	res := p.strat.Resolve(u, attempt, a, b, p.now())
	p.logger.Warn("answering unbalanced exposure",
		slog.String("pair_id", u.PairID),
		slog.String("action", string(res.Action)),
		slog.Int("attempt", attempt),
		slog.Int("orders", len(res.Orders)),
		slog.String("note", res.Note),
	)
	for _, o := range res.Orders {
		if err := p.exec.Execute(ctx, o, p.inbox); err != nil {
			p.logger.Error("exposure order submission failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.resolving[o.ID] = resolution{exposure: u, order: o}
	}
}

func (p *SymbolPipeline) rebalance(ctx context.Context) {
	if len(p.rebalances) > 0 || len(p.resolving) > 0 {
		return
	}
	a, okA := p.box.Latest(p.cfg.VenueA)
	b, okB := p.box.Latest(p.cfg.VenueB)
	if !okA || !okB {
		return
	}
	for _, o := range p.strat.Rebalance(a, b, p.now()) {
		if err := p.exec.Execute(ctx, o, p.inbox); err != nil {
			p.logger.Error("rebalance submission failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.rebalances[o.ID] = struct{}{}
		p.logger.Info("rebalancing",
			slog.String("venue", string(o.Venue)),
			slog.String("side", string(o.Side)),
			slog.Float64("quantity", o.Quantity),
		)
	}
}
