// Package notify delivers operator alerts for engine events to chat
// webhooks. The Notifier is an events.Sink; it blocks on network I/O, so wire
// it behind events.NewAsync.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/arbengine/internal/events"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Config filters what reaches the senders.
type Config struct {
	// MinSeverity drops less severe events.
	MinSeverity events.Severity
	// Types, if non-empty, is the set of event types forwarded.
	Types []string
	// Cooldown suppresses repeats of the same type and symbol below critical
	// severity. Zero disables it.
	Cooldown time.Duration
}

// Notifier dispatches alerts to one or more Senders.
type Notifier struct {
	senders []Sender
	cfg     Config
	types   map[string]bool
	logger  *slog.Logger

	mu       sync.Mutex
	cooldown map[string]*rate.Sometimes
}

// NewNotifier creates a Notifier that delivers to the given senders.
func NewNotifier(senders []Sender, cfg Config, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(cfg.Types))
	for _, t := range cfg.Types {
		if t = strings.TrimSpace(t); t != "" {
			allowed[t] = true
		}
	}
	return &Notifier{
		senders:  senders,
		cfg:      cfg,
		types:    allowed,
		logger:   logger.With(slog.String("component", "notifier")),
		cooldown: make(map[string]*rate.Sometimes),
	}
}

// Emit implements events.Sink.
func (n *Notifier) Emit(ctx context.Context, ev events.Event) {
	if ev.Severity < n.cfg.MinSeverity {
		return
	}
	if len(n.types) > 0 && !n.types[string(ev.Type)] {
		return
	}
	title, message := Format(ev)
	send := func() {
		if err := n.NotifyAll(ctx, title, message); err != nil {
			n.logger.Error("alert delivery failed",
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
	if ev.Severity >= events.SeverityCritical || n.cfg.Cooldown <= 0 {
		send()
		return
	}
	n.limiter(string(ev.Type) + "/" + ev.Symbol).Do(send)
}

func (n *Notifier) limiter(key string) *rate.Sometimes {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.cooldown[key]
	if !ok {
		s = &rate.Sometimes{First: 1, Interval: n.cfg.Cooldown}
		n.cooldown[key] = s
	}
	return s
}

// NotifyAll sends a notification to all senders. A single sender failure
// does not prevent delivery to the rest.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// Format renders an event as an alert title and body.
func Format(ev events.Event) (title, message string) {
	title = fmt.Sprintf("[%s] %s %s", strings.ToUpper(ev.Severity.String()), ev.Symbol, ev.Type)
	var b strings.Builder
	switch {
	case ev.Unbalanced != nil:
		u := ev.Unbalanced
		fmt.Fprintf(&b, "pair %s unbalanced by %.8g\n", u.PairID, u.Imbalance)
		fmt.Fprintf(&b, "buy %s %s filled %.8g/%.8g\n", u.Buy.Order.Venue, u.Buy.Status, u.Buy.FilledQty, u.Buy.Order.Quantity)
		fmt.Fprintf(&b, "sell %s %s filled %.8g/%.8g", u.Sell.Order.Venue, u.Sell.Status, u.Sell.FilledQty, u.Sell.Order.Quantity)
		if u.Unverified {
			b.WriteString("\nleg state unverified: check the venue")
		}
	case ev.Risk != nil:
		fmt.Fprintf(&b, "risk mode %s -> %s", ev.Risk.From, ev.Risk.To)
		fmt.Fprintf(&b, "\ndrawdown %.2f%%", ev.Risk.State.CurrentDrawdown*100)
		if ev.Message != "" {
			b.WriteString("\n" + ev.Message)
		}
	case ev.Feed != nil:
		state := "lost"
		if ev.Feed.Connected {
			state = "restored"
		}
		fmt.Fprintf(&b, "feed %s %s after %d attempts", ev.Feed.Venue, state, ev.Feed.Attempts)
		if ev.Message != "" {
			b.WriteString("\n" + ev.Message)
		}
	case ev.Order != nil:
		o := ev.Order
		fmt.Fprintf(&b, "order %s %s %s %s -> %s (filled %.8g/%.8g)",
			o.OrderID, o.Venue, o.Side, o.From, o.To, o.FilledQty, o.Quantity)
	default:
		b.WriteString(ev.Message)
	}
	return title, b.String()
}

var _ events.Sink = (*Notifier)(nil)
