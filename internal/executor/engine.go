package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

// Config controls order lifecycle timing.
type Config struct {
	// OrderTimeout bounds how long an order may stay open before it is
	// cancelled and reconciled.
	OrderTimeout time.Duration
	// PollInterval is the cadence of status queries while an order is open.
	PollInterval time.Duration
	// CallTimeout bounds a single gateway call.
	CallTimeout time.Duration
	// ReconcileAttempts is how many status queries follow a cancel before the
	// order is closed as unverified.
	ReconcileAttempts int
	ReconcileBackoff  time.Duration
	// FillDedupTTL is how long fill IDs are remembered.
	FillDedupTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Second
	}
	if c.ReconcileAttempts <= 0 {
		c.ReconcileAttempts = 3
	}
	if c.ReconcileBackoff <= 0 {
		c.ReconcileBackoff = 200 * time.Millisecond
	}
	if c.FillDedupTTL <= 0 {
		c.FillDedupTTL = time.Hour
	}
	return c
}

// Engine runs orders through the shared lifecycle against a gateway per
// venue. Dry-run and live engines differ only in the gateways they hold.
// Each order runs in its own goroutine; results come back through the
// caller's Inbox.
type Engine struct {
	cfg      Config
	mode     string
	gateways map[domain.Venue]venue.Gateway
	sink     events.Sink
	logger   *slog.Logger
	fills    *Dedup
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*tracked
	closed   bool
	stopping chan struct{}
	wg       sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

type tracked struct {
	order  domain.Order
	cancel chan struct{}
	once   sync.Once
}

// NewEngine creates an engine. mode is a label ("dry_run" or "live") used in
// logs and stats.
func NewEngine(mode string, gateways map[domain.Venue]venue.Gateway, cfg Config, sink events.Sink, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = events.Discard
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		mode:     mode,
		gateways: gateways,
		sink:     sink,
		logger:   logger.With(slog.String("component", "executor"), slog.String("mode", mode)),
		fills:    NewDedup(cfg.FillDedupTTL),
		now:      time.Now,
		inflight: make(map[string]*tracked),
		stopping: make(chan struct{}),
	}
}

// Mode returns the engine's label.
func (e *Engine) Mode() string { return e.mode }

// ExecutePair submits both legs concurrently and returns immediately. The
// pair result, and an unbalanced report when the legs closed with different
// filled quantities, are pushed to inbox once both legs are closed.
//
// Order goroutines outlive ctx: cancelling it does not abandon live orders.
// Use Drain to stop them.
func (e *Engine) ExecutePair(ctx context.Context, pair domain.OrderPair, inbox *Inbox) error {
	if err := e.begin(pair.Buy, pair.Sell); err != nil {
		return err
	}
	octx := context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		e.runPair(octx, pair, inbox)
	}()
	return nil
}

// Execute submits a single order, such as a hedge or a flatten, and returns
// immediately. Its result is pushed to inbox.
func (e *Engine) Execute(ctx context.Context, o domain.Order, inbox *Inbox) error {
	if err := e.begin(o); err != nil {
		return err
	}
	octx := context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		e.runOrder(octx, o, inbox)
	}()
	return nil
}

// Cancel asks an open order to cancel and reconcile. It reports whether the
// order was in flight.
func (e *Engine) Cancel(orderID string) bool {
	e.mu.Lock()
	t, ok := e.inflight[orderID]
	e.mu.Unlock()
	if ok {
		t.once.Do(func() { close(t.cancel) })
	}
	return ok
}

// InFlight returns the number of open orders.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Drain stops accepting orders, cancels every open order and waits for all of
// them to reconcile. It returns an error if ctx ends first.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.stopping)
	}
	open := len(e.inflight)
	e.mu.Unlock()
	if open > 0 {
		e.logger.Warn("draining open orders", slog.Int("open", open))
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor: drain: %d orders still open: %w", e.InFlight(), ctx.Err())
	}
}

// Run expires remembered fill IDs until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.FillDedupTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.fills.Cleanup(); n > 0 {
				e.logger.Debug("expired fill ids", slog.Int("removed", n))
			}
		}
	}
}

// begin registers orders as in flight. wg.Add happens under the same lock
// Drain takes, so Drain never races a late registration.
func (e *Engine) begin(orders ...domain.Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ErrEngineClosed
	}
	for _, o := range orders {
		if _, dup := e.inflight[o.ID]; dup && o.ID != "" {
			return fmt.Errorf("%w: order %s already in flight", domain.ErrInvalidOrder, o.ID)
		}
	}
	for _, o := range orders {
		e.inflight[o.ID] = &tracked{order: o, cancel: make(chan struct{})}
	}
	e.wg.Add(1)
	return nil
}

func (e *Engine) untrack(orderID string) {
	e.mu.Lock()
	delete(e.inflight, orderID)
	e.mu.Unlock()
}

func (e *Engine) cancelChan(orderID string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.inflight[orderID]; ok {
		return t.cancel
	}
	return nil
}

func (e *Engine) runPair(ctx context.Context, pair domain.OrderPair, inbox *Inbox) {
	var buy, sell domain.OrderResult
	var wg conc.WaitGroup
	wg.Go(func() { buy = e.runOrder(ctx, pair.Buy, inbox) })
	wg.Go(func() { sell = e.runOrder(ctx, pair.Sell, inbox) })
	if rec := wg.WaitAndRecover(); rec != nil {
		e.logger.Error("order leg panicked",
			slog.String("pair_id", pair.ID),
			slog.Any("panic", rec.Value),
		)
	}
	if buy.Order.ID == "" {
		buy = e.abandoned(pair.Buy, inbox)
	}
	if sell.Order.ID == "" {
		sell = e.abandoned(pair.Sell, inbox)
	}

	res := domain.PairResult{
		Pair: domain.PairRef{ID: pair.ID, Symbol: pair.Symbol},
		Buy:  buy,
		Sell: sell,
	}
	inbox.Push(Report{Kind: ReportPairClosed, Symbol: pair.Symbol, Pair: &res})

	e.statsMu.Lock()
	e.stats.Pairs++
	e.statsMu.Unlock()

	if res.Balanced() {
		return
	}
	u := domain.NewUnbalancedExposure(res, e.now())
	e.statsMu.Lock()
	e.stats.Unbalanced++
	e.statsMu.Unlock()
	e.logger.Error("unbalanced pair",
		slog.String("pair_id", pair.ID),
		slog.String("symbol", pair.Symbol),
		slog.Float64("imbalance", u.Imbalance),
		slog.Bool("unverified", u.Unverified),
		slog.String("buy_status", string(buy.Status)),
		slog.String("sell_status", string(sell.Status)),
	)
	e.sink.Emit(ctx, events.UnbalancedEvent(u))
	inbox.Push(Report{Kind: ReportUnbalanced, Symbol: pair.Symbol, Unbalanced: &u})
}

// abandoned closes a leg whose goroutine panicked. Whether it reached the
// venue is unknown, so it is reported as unverified.
func (e *Engine) abandoned(o domain.Order, inbox *Inbox) domain.OrderResult {
	e.untrack(o.ID)
	res := domain.OrderResult{
		Order:      o,
		Status:     domain.OrderStatusTimedOut,
		Reconciled: false,
		Message:    "order goroutine panicked",
		ClosedAt:   e.now(),
	}
	res.Order.Status = res.Status
	e.record(res)
	inbox.Push(Report{Kind: ReportOrderClosed, Symbol: o.Symbol, Order: &res})
	return res
}

func (e *Engine) runOrder(ctx context.Context, o domain.Order, inbox *Inbox) domain.OrderResult {
	defer e.untrack(o.ID)
	r := &orderRun{e: e, order: o, inbox: inbox, status: domain.OrderStatusPending}
	res := r.execute(ctx, e.cancelChan(o.ID))
	e.record(res)
	inbox.Push(Report{Kind: ReportOrderClosed, Symbol: o.Symbol, Order: &res})

	log := e.logger.Info
	if res.Status != domain.OrderStatusFilled {
		log = e.logger.Warn
	}
	log("order closed",
		slog.String("order_id", o.ID),
		slog.String("pair_id", o.PairID),
		slog.String("venue", string(o.Venue)),
		slog.String("side", string(o.Side)),
		slog.String("intent", string(o.Intent)),
		slog.String("status", string(res.Status)),
		slog.Float64("filled", res.FilledQty),
		slog.Float64("quantity", o.Quantity),
		slog.Bool("reconciled", res.Reconciled),
		slog.String("message", res.Message),
	)
	return res
}

// orderRun is the lifecycle of one order. It is owned by one goroutine.
type orderRun struct {
	e       *Engine
	order   domain.Order
	inbox   *Inbox
	status  domain.OrderStatus
	filled  float64
	avg     float64
	fee     float64
	seq     int
	message string
}

func (r *orderRun) execute(ctx context.Context, cancel <-chan struct{}) domain.OrderResult {
	if err := r.order.Validate(); err != nil {
		return r.close(domain.OrderStatusRejected, true, err.Error())
	}
	gw, ok := r.e.gateways[r.order.Venue]
	if !ok {
		return r.close(domain.OrderStatusRejected, true, fmt.Sprintf("no gateway for venue %q", r.order.Venue))
	}

	h, err := r.submit(ctx, gw)
	if err != nil {
		if errors.Is(err, domain.ErrOrderRejected) || errors.Is(err, domain.ErrInvalidOrder) {
			return r.close(domain.OrderStatusRejected, true, err.Error())
		}
		// The request may have reached the venue; look it up by our ID.
		r.transition(domain.OrderStatusSubmitted)
		h = domain.OrderHandle{OrderID: r.order.ID, Venue: r.order.Venue}
		return r.reconcile(ctx, gw, h, domain.OrderStatusTimedOut, "submit failed: "+err.Error())
	}
	r.transition(domain.OrderStatusSubmitted)

	deadline := time.NewTimer(r.e.cfg.OrderTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.e.stopping:
			return r.reconcile(ctx, gw, h, domain.OrderStatusCancelled, "engine draining")
		case <-cancel:
			return r.reconcile(ctx, gw, h, domain.OrderStatusCancelled, "cancel requested")
		case <-deadline.C:
			return r.reconcile(ctx, gw, h, domain.OrderStatusTimedOut, "order timeout")
		case <-ticker.C:
			st, err := r.poll(ctx, gw, h)
			if err != nil {
				r.e.logger.Debug("status poll failed",
					slog.String("order_id", r.order.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			r.observe(ctx, st)
			if r.complete() {
				return r.close(domain.OrderStatusFilled, true, "")
			}
			if st.Status.IsTerminal() {
				// The venue closed the order on its own.
				return r.closeAs(st.Status, true, "closed by venue")
			}
		}
	}
}

// reconcile cancels the order and queries until the venue confirms a final
// state. reason is the status used when nothing filled.
func (r *orderRun) reconcile(ctx context.Context, gw venue.Gateway, h domain.OrderHandle, reason domain.OrderStatus, msg string) domain.OrderResult {
	cctx, cancel := context.WithTimeout(ctx, r.e.cfg.CallTimeout)
	if err := gw.Cancel(cctx, h); err != nil {
		r.e.logger.Warn("cancel failed",
			slog.String("order_id", r.order.ID),
			slog.String("error", err.Error()),
		)
	}
	cancel()

	for attempt := 0; attempt < r.e.cfg.ReconcileAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(r.e.cfg.ReconcileBackoff * time.Duration(attempt))
		}
		st, err := r.poll(ctx, gw, h)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) && r.filled <= domain.QuantityEpsilon {
				return r.close(domain.OrderStatusRejected, true, msg+": unknown to venue")
			}
			r.e.logger.Warn("reconcile query failed",
				slog.String("order_id", r.order.ID),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.observe(ctx, st)
		if r.complete() {
			return r.close(domain.OrderStatusFilled, true, msg)
		}
		if st.Status == domain.OrderStatusPending || st.Status == domain.OrderStatusSubmitted {
			// Cancel not yet effective on the venue.
			continue
		}
		return r.closeAs(reason, true, msg)
	}
	return r.closeAs(domain.OrderStatusTimedOut, false, msg+": reconcile unconfirmed")
}

// submitBudgeter is implemented by gateways that retry inside Submit and need
// more than one call's worth of time.
type submitBudgeter interface {
	SubmitBudget(perCall time.Duration) time.Duration
}

func (r *orderRun) submit(ctx context.Context, gw venue.Gateway) (domain.OrderHandle, error) {
	timeout := r.e.cfg.CallTimeout
	if b, ok := gw.(submitBudgeter); ok {
		timeout = max(timeout, b.SubmitBudget(timeout))
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	h, err := gw.Submit(cctx, r.order)
	if err == nil {
		r.e.statsMu.Lock()
		r.e.stats.Submitted++
		r.e.statsMu.Unlock()
	}
	return h, err
}

func (r *orderRun) poll(ctx context.Context, gw venue.Gateway, h domain.OrderHandle) (domain.OrderState, error) {
	cctx, cancel := context.WithTimeout(ctx, r.e.cfg.CallTimeout)
	defer cancel()
	return gw.PollStatus(cctx, h)
}

// observe turns the venue's cumulative state into fill increments.
func (r *orderRun) observe(ctx context.Context, st domain.OrderState) {
	if st.Message != "" {
		r.message = st.Message
	}
	if st.FilledQty <= r.filled+domain.QuantityEpsilon {
		return
	}
	delta := st.FilledQty - r.filled
	price := st.AvgPrice
	if r.filled > 0 && st.AvgPrice > 0 {
		price = (st.AvgPrice*st.FilledQty - r.avg*r.filled) / delta
	}
	r.seq++
	f := domain.Fill{
		ID:        fmt.Sprintf("%s:%d", r.order.ID, r.seq),
		OrderID:   r.order.ID,
		PairID:    r.order.PairID,
		Venue:     r.order.Venue,
		Symbol:    r.order.Symbol,
		Side:      r.order.Side,
		Quantity:  delta,
		Price:     price,
		Fee:       st.Fee - r.fee,
		Timestamp: r.e.now(),
	}
	r.filled, r.avg, r.fee = st.FilledQty, st.AvgPrice, st.Fee

	if !r.e.fills.Seen(f.ID) {
		r.e.statsMu.Lock()
		r.e.stats.Fills++
		r.e.stats.Volume += f.Quantity
		r.e.stats.Notional += f.Quantity * f.Price
		r.e.stats.Fees += f.Fee
		r.e.statsMu.Unlock()
		r.e.sink.Emit(ctx, events.FillEvent(f))
		r.inbox.Push(Report{Kind: ReportFill, Symbol: f.Symbol, Fill: &f})
	}
	if !r.complete() {
		r.transition(domain.OrderStatusPartiallyFilled)
	}
}

func (r *orderRun) complete() bool {
	return r.filled >= r.order.Quantity-domain.QuantityEpsilon
}

// closeAs closes with status when nothing filled, PartiallyFilled otherwise.
func (r *orderRun) closeAs(status domain.OrderStatus, reconciled bool, msg string) domain.OrderResult {
	if r.complete() {
		return r.close(domain.OrderStatusFilled, reconciled, msg)
	}
	if r.filled > domain.QuantityEpsilon {
		return r.close(domain.OrderStatusPartiallyFilled, reconciled, msg)
	}
	return r.close(status, reconciled, msg)
}

func (r *orderRun) close(status domain.OrderStatus, reconciled bool, msg string) domain.OrderResult {
	r.transition(status)
	if msg == "" {
		msg = r.message
	}
	o := r.order
	o.Status = r.status
	return domain.OrderResult{
		Order:      o,
		Status:     r.status,
		FilledQty:  r.filled,
		AvgPrice:   r.avg,
		Fee:        r.fee,
		Reconciled: reconciled,
		Message:    msg,
		ClosedAt:   r.e.now(),
	}
}

func (r *orderRun) transition(next domain.OrderStatus) {
	if r.status == next {
		return
	}
	if err := r.status.Transition(next); err != nil {
		r.e.logger.Error("illegal order transition",
			slog.String("order_id", r.order.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	from := r.status
	r.status = next
	r.e.sink.Emit(context.Background(), events.OrderEvent(r.order, from, next, r.filled, r.e.now()))
}
