// Package pipeline runs the per-symbol trading loops and the system that
// owns them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbengine/internal/feed"
)

// Engine is the execution engine as the system drives it.
type Engine interface {
	Executor
	Run(ctx context.Context) error
	Drain(ctx context.Context) error
}

// System runs every symbol pipeline, the feeds that supply them, the
// execution engine and the ledger snapshotter.
type System struct {
	engine       Engine
	pipelines    []*SymbolPipeline
	feeds        []*feed.Supervisor
	snapshotter  *Snapshotter
	drainTimeout time.Duration
	logger       *slog.Logger
}

// NewSystem creates a System. snapshotter may be nil.
func NewSystem(
	engine Engine,
	pipelines []*SymbolPipeline,
	feeds []*feed.Supervisor,
	snapshotter *Snapshotter,
	drainTimeout time.Duration,
	logger *slog.Logger,
) *System {
	if drainTimeout <= 0 {
		drainTimeout = 10 * time.Second
	}
	return &System{
		engine:       engine,
		pipelines:    pipelines,
		feeds:        feeds,
		snapshotter:  snapshotter,
		drainTimeout: drainTimeout,
		logger:       logger.With(slog.String("component", "system")),
	}
}

// Run starts all goroutines under an errgroup. If any of them returns a
// non-context error the group is cancelled and Run returns that error. Either
// way the executor is drained, queued reports are applied and a final
// snapshot is written before Run returns.
func (s *System) Run(ctx context.Context) error {
	s.logger.Info("system starting",
		slog.Int("symbols", len(s.pipelines)),
		slog.Int("feeds", len(s.feeds)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.engine.Run(gctx)
		if gctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("executor: %w", err)
	})

	for _, p := range s.pipelines {
		g.Go(func() error {
			err := p.Run(gctx)
			if gctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("pipeline %s: %w", p.Symbol(), err)
		})
	}

	for _, f := range s.feeds {
		g.Go(func() error { return f.Run(gctx) })
	}

	if s.snapshotter != nil {
		g.Go(func() error {
			err := s.snapshotter.Run(gctx)
			if gctx.Err() != nil {
				return nil // clean shutdown
			}
			return err
		})
	}

	runErr := g.Wait()
	if runErr != nil {
		s.logger.Error("system stopping on error", slog.String("error", runErr.Error()))
	}
	shutdownErr := s.shutdown()
	if err := errors.Join(runErr, shutdownErr); err != nil {
		return err
	}
	s.logger.Info("system stopped cleanly")
	return nil
}

// shutdown runs after every loop has stopped. It uses a fresh context bounded
// by the drain timeout since the run context is already cancelled.
func (s *System) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()

	var errs []error
	if err := s.engine.Drain(ctx); err != nil {
		errs = append(errs, err)
		s.logger.Error("drain incomplete", slog.String("error", err.Error()))
	}
	for _, p := range s.pipelines {
		p.Flush(ctx)
	}
	if s.snapshotter != nil {
		if err := s.snapshotter.Final(ctx); err != nil {
			errs = append(errs, err)
			s.logger.Error("final snapshot failed", slog.String("error", err.Error()))
		}
	}
	return errors.Join(errs...)
}
