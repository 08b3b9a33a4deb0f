package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Sink receives events from the core. Implementations must be safe for
// concurrent use and must not block for long; wrap I/O sinks in Async.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// Multi fans an event out to every sink in order.
type Multi []Sink

// Emit forwards ev to each sink.
func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// MinSeverity forwards only events at or above min.
func MinSeverity(min Severity, next Sink) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) {
		if ev.Severity >= min {
			next.Emit(ctx, ev)
		}
	})
}

// OfType forwards only events whose type is listed.
func OfType(next Sink, types ...Type) Sink {
	allowed := make(map[Type]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return SinkFunc(func(ctx context.Context, ev Event) {
		if allowed[ev.Type] {
			next.Emit(ctx, ev)
		}
	})
}

// Async decouples a slow sink from the emitting goroutine. Events are queued
// on a bounded buffer and dropped when it is full.
type Async struct {
	next    Sink
	ch      chan Event
	dropped atomic.Int64
	logger  *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

// NewAsync starts a background worker delivering to next. Call Close to
// flush and stop it.
func NewAsync(next Sink, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	a := &Async{
		next:   next,
		ch:     make(chan Event, buffer),
		logger: logger.With(slog.String("component", "event_async")),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) run() {
	defer a.wg.Done()
	for ev := range a.ch {
		a.next.Emit(context.Background(), ev)
	}
}

// Emit enqueues ev without blocking.
func (a *Async) Emit(_ context.Context, ev Event) {
	defer func() {
		// Emit after Close lands on a closed channel.
		if recover() != nil {
			a.dropped.Add(1)
		}
	}()
	select {
	case a.ch <- ev:
	default:
		if n := a.dropped.Add(1); n == 1 || n%1000 == 0 {
			a.logger.Warn("event buffer full, dropping", slog.Int64("dropped", n))
		}
	}
}

// Dropped returns the number of events discarded so far.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close drains queued events and stops the worker.
func (a *Async) Close() {
	a.once.Do(func() {
		close(a.ch)
		a.wg.Wait()
	})
}

// Recorder keeps every event it receives. It is used by tests and by the
// dry-run report.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends ev.
func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// LogSink renders events as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "events"))}
}

// Emit logs ev at a level derived from its severity.
func (l *LogSink) Emit(ctx context.Context, ev Event) {
	level := slog.LevelInfo
	switch ev.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError, SeverityCritical:
		level = slog.LevelError
	}
	if ev.Type == TypeSignal && (ev.Signal == nil || !ev.Signal.Actionable()) {
		level = slog.LevelDebug
	}

	attrs := []slog.Attr{
		slog.String("event", string(ev.Type)),
		slog.String("symbol", ev.Symbol),
		slog.String("severity", ev.Severity.String()),
	}
	msg := string(ev.Type)
	switch {
	case ev.Signal != nil:
		attrs = append(attrs,
			slog.String("direction", string(ev.Signal.Direction)),
			slog.Float64("spread_bps", ev.Signal.SpreadBps),
			slog.Float64("confidence", ev.Signal.Confidence),
			slog.Float64("expected_profit", ev.Signal.ExpectedProfit),
		)
	case ev.Order != nil:
		attrs = append(attrs,
			slog.String("order_id", ev.Order.OrderID),
			slog.String("venue", string(ev.Order.Venue)),
			slog.String("from", string(ev.Order.From)),
			slog.String("to", string(ev.Order.To)),
			slog.Float64("filled_qty", ev.Order.FilledQty),
		)
	case ev.Fill != nil:
		attrs = append(attrs,
			slog.String("fill_id", ev.Fill.ID),
			slog.String("venue", string(ev.Fill.Venue)),
			slog.String("side", string(ev.Fill.Side)),
			slog.Float64("quantity", ev.Fill.Quantity),
			slog.Float64("price", ev.Fill.Price),
		)
	case ev.Risk != nil:
		attrs = append(attrs,
			slog.String("from", string(ev.Risk.From)),
			slog.String("to", string(ev.Risk.To)),
			slog.Float64("drawdown", ev.Risk.State.CurrentDrawdown),
		)
	case ev.Unbalanced != nil:
		msg = "unbalanced exposure"
		attrs = append(attrs,
			slog.String("pair_id", ev.Unbalanced.PairID),
			slog.Float64("imbalance", ev.Unbalanced.Imbalance),
			slog.Bool("unverified", ev.Unbalanced.Unverified),
		)
	case ev.Feed != nil:
		attrs = append(attrs,
			slog.String("venue", string(ev.Feed.Venue)),
			slog.Bool("connected", ev.Feed.Connected),
			slog.Int("attempts", ev.Feed.Attempts),
		)
	}
	if ev.Message != "" {
		attrs = append(attrs, slog.String("detail", ev.Message))
	}
	l.logger.LogAttrs(ctx, level, msg, attrs...)
}

var (
	_ Sink = Multi(nil)
	_ Sink = (*Async)(nil)
	_ Sink = (*Recorder)(nil)
	_ Sink = (*LogSink)(nil)
)
