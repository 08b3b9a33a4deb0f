// Package feed moves normalized books from venue connections into per-symbol
// mailboxes and keeps those connections alive.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

// Config bounds reconnection of one feed.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts is the retry budget per outage.
	MaxAttempts int
	// ProbeInterval is how long to wait before trying again once the budget
	// is exhausted.
	ProbeInterval time.Duration
	// FatalOnExhaustion makes an exhausted budget stop the supervisor with
	// domain.ErrFeedLost instead of probing.
	FatalOnExhaustion bool
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = c.MaxBackoff
	}
	return c
}

// StatusFunc is told when a feed is lost (its retry budget ran out) and when
// it is connected again. attempts is the number of subscribe attempts made.
type StatusFunc func(v domain.Venue, connected bool, attempts int, err error)

// Supervisor keeps one venue subscription for one symbol alive and pushes
// its books into a mailbox.
type Supervisor struct {
	md       venue.MarketData
	symbol   string
	box      *Mailbox
	cfg      Config
	onStatus StatusFunc
	logger   *slog.Logger
}

// NewSupervisor wires a supervisor. onStatus may be nil.
func NewSupervisor(md venue.MarketData, box *Mailbox, cfg Config, onStatus StatusFunc, logger *slog.Logger) *Supervisor {
	if onStatus == nil {
		onStatus = func(domain.Venue, bool, int, error) {}
	}
	return &Supervisor{
		md:       md,
		symbol:   box.Symbol(),
		box:      box,
		cfg:      cfg.withDefaults(),
		onStatus: onStatus,
		logger: logger.With(
			slog.String("component", "feed"),
			slog.String("venue", string(md.Venue())),
			slog.String("symbol", box.Symbol()),
		),
	}
}

// Run subscribes and pumps books until ctx is done. It returns nil on
// cancellation and domain.ErrFeedLost only when FatalOnExhaustion is set.
func (s *Supervisor) Run(ctx context.Context) error {
	lost := false
	for {
		ch, attempts, err := s.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Error("feed retry budget exhausted",
				slog.Int("attempts", attempts),
				slog.String("error", err.Error()),
			)
			if !lost {
				lost = true
				s.onStatus(s.md.Venue(), false, attempts, err)
			}
			if s.cfg.FatalOnExhaustion {
				return fmt.Errorf("feed %s/%s: %w: %v", s.md.Venue(), s.symbol, domain.ErrFeedLost, err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.ProbeInterval):
			}
			continue
		}

		s.logger.Info("feed subscribed", slog.Int("attempts", attempts))
		if lost {
			lost = false
			s.onStatus(s.md.Venue(), true, attempts, nil)
		}
		s.pump(ctx, ch)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("feed disconnected, reconnecting")
	}
}

func (s *Supervisor) subscribe(ctx context.Context) (<-chan domain.Book, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	attempts := 0
	ch, err := backoff.Retry(ctx, func() (<-chan domain.Book, error) {
		attempts++
		return s.md.Subscribe(ctx, s.symbol)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("feed subscribe failed",
				slog.Int("attempt", attempts),
				slog.Duration("retry_in", next),
				slog.String("error", err.Error()),
			)
		}),
	)
	return ch, attempts, err
}

func (s *Supervisor) pump(ctx context.Context, ch <-chan domain.Book) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-ch:
			if !ok {
				return
			}
			if b.Venue == "" {
				b.Venue = s.md.Venue()
			}
			if !s.box.Offer(b) {
				s.logger.Debug("book dropped", slog.Time("ts", b.Timestamp))
			}
		}
	}
}
