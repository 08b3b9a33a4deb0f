package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

// GuardConfig tunes the protections around a live gateway.
type GuardConfig struct {
	// RequestsPerSecond and Burst bound calls to the venue.
	RequestsPerSecond float64
	Burst             int
	// SubmitRetries is how many extra submit attempts follow a transport
	// error. Definitive rejections are never retried.
	SubmitRetries int
	RetryBackoff  time.Duration
	// AttemptTimeout bounds one submit attempt. Zero leaves attempts bounded
	// only by the caller's context.
	AttemptTimeout time.Duration
	// BreakerFailures consecutive submit failures open the breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// GuardedGateway wraps a live venue gateway with a rate limiter, submit
// retries and a circuit breaker. Status queries and cancels bypass the
// breaker so that reconciliation still reaches the venue.
type GuardedGateway struct {
	inner   venue.Gateway
	name    string
	cfg     GuardConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewGuardedGateway returns inner wrapped for venue name.
func NewGuardedGateway(name string, inner venue.Gateway, cfg GuardConfig, logger *slog.Logger) *GuardedGateway {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	logger = logger.With(slog.String("component", "gateway"), slog.String("venue", name))
	g := &GuardedGateway{
		inner:   inner,
		name:    name,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway-" + name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// A rejection is the venue working correctly.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrOrderRejected) || errors.Is(err, domain.ErrInvalidOrder)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return g
}

// SubmitBudget is the deadline a caller should give Submit so that every retry
// can run: each attempt gets perCall (or AttemptTimeout when set) and each
// backoff wait is bounded by the randomized maximum interval.
func (g *GuardedGateway) SubmitBudget(perCall time.Duration) time.Duration {
	if g.cfg.AttemptTimeout > 0 {
		perCall = g.cfg.AttemptTimeout
	}
	retries := time.Duration(g.cfg.SubmitRetries)
	maxWait := time.Duration(float64(4*g.cfg.RetryBackoff) * (1 + backoff.DefaultRandomizationFactor))
	return perCall*(retries+1) + maxWait*retries
}

// Submit sends the order, retrying transport errors with exponential
// backoff. An open breaker is reported as a rejection: nothing was sent.
func (g *GuardedGateway) Submit(ctx context.Context, o domain.Order) (domain.OrderHandle, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.RetryBackoff
	b.MaxInterval = 4 * g.cfg.RetryBackoff

	op := func() (domain.OrderHandle, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return domain.OrderHandle{}, backoff.Permanent(fmt.Errorf("%w: %w: %v", domain.ErrOrderRejected, domain.ErrRateLimited, err))
		}
		actx, cancel := ctx, context.CancelFunc(func() {})
		if g.cfg.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, g.cfg.AttemptTimeout)
		}
		defer cancel()
		res, err := g.breaker.Execute(func() (interface{}, error) {
			return g.inner.Submit(actx, o)
		})
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return domain.OrderHandle{}, backoff.Permanent(fmt.Errorf("%w: %s circuit open", domain.ErrOrderRejected, g.name))
		case errors.Is(err, domain.ErrOrderRejected), errors.Is(err, domain.ErrInvalidOrder):
			return domain.OrderHandle{}, backoff.Permanent(err)
		case err != nil:
			g.logger.Warn("submit failed, retrying",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			return domain.OrderHandle{}, err
		}
		return res.(domain.OrderHandle), nil
	}

	h, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(g.cfg.SubmitRetries+1)),
	)
	if err != nil {
		return domain.OrderHandle{}, fmt.Errorf("gateway %s: submit: %w", g.name, err)
	}
	return h, nil
}

// Cancel forwards to the venue after waiting on the limiter.
func (g *GuardedGateway) Cancel(ctx context.Context, h domain.OrderHandle) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
	}
	return g.inner.Cancel(ctx, h)
}

// PollStatus forwards to the venue after waiting on the limiter.
func (g *GuardedGateway) PollStatus(ctx context.Context, h domain.OrderHandle) (domain.OrderState, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return domain.OrderState{}, fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
	}
	return g.inner.PollStatus(ctx, h)
}

// BreakerState returns the breaker's current state name.
func (g *GuardedGateway) BreakerState() string {
	return g.breaker.State().String()
}

var _ venue.Gateway = (*GuardedGateway)(nil)
