package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbengine/internal/arbitrage"
	"github.com/alanyoungcy/arbengine/internal/cache/redis"
	"github.com/alanyoungcy/arbengine/internal/config"
	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
	"github.com/alanyoungcy/arbengine/internal/executor"
	"github.com/alanyoungcy/arbengine/internal/feed"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/pipeline"
	"github.com/alanyoungcy/arbengine/internal/position"
	"github.com/alanyoungcy/arbengine/internal/risk"
	"github.com/alanyoungcy/arbengine/internal/server"
	"github.com/alanyoungcy/arbengine/internal/server/ws"
	"github.com/alanyoungcy/arbengine/internal/store/postgres"
	"github.com/alanyoungcy/arbengine/internal/strategy"
	"github.com/alanyoungcy/arbengine/internal/venue"
	"github.com/alanyoungcy/arbengine/internal/venue/httpgw"
	"github.com/alanyoungcy/arbengine/internal/venue/wsfeed"
)

// asyncBuffer is the queue depth of each I/O-bound event sink.
const asyncBuffer = 1024

// DryRunMode trades against simulated gateways. Market data is real; orders
// never leave the process.
func (a *App) DryRunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting dry-run mode")
	return a.runEngine(ctx, deps, "dry_run", simulatedGateways(a.cfg), nil)
}

// LiveMode trades through the venues' order APIs. Each symbol is guarded by
// a Redis instance lock when Redis is enabled.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")

	gateways, err := a.liveGateways()
	if err != nil {
		return err
	}

	var locks []*redis.Lock
	if deps.Locks == nil {
		a.logger.WarnContext(ctx, "redis disabled, running live without an instance lock")
	} else {
		held, err := a.acquireLocks(ctx, deps.Locks)
		if err != nil {
			return err
		}
		locks = held
		defer func() {
			for _, l := range locks {
				l.Release()
			}
		}()
	}
	return a.runEngine(ctx, deps, "live", gateways, locks)
}

func simulatedGateways(cfg *config.Config) map[domain.Venue]venue.Gateway {
	gateways := make(map[domain.Venue]venue.Gateway, 2)
	for i, v := range []config.VenueConfig{cfg.Venues.A, cfg.Venues.B} {
		seed := cfg.Execution.SimSeed
		if seed != 0 {
			seed += int64(i)
		}
		name := domain.Venue(v.Name)
		gateways[name] = executor.NewSimulatedGateway(name, executor.SimConfig{
			Latency:           cfg.Execution.SimLatency.Duration,
			SlippageTolerance: cfg.Strategy.SlippageTolerance,
			ImpactSize:        cfg.Execution.SimImpactSize,
			MakerFee:          cfg.Execution.MakerFee,
			TakerFee:          cfg.Execution.TakerFee,
			Seed:              seed,
		}, nil)
	}
	return gateways
}

func (a *App) liveGateways() (map[domain.Venue]venue.Gateway, error) {
	exec := a.cfg.Execution
	gateways := make(map[domain.Venue]venue.Gateway, 2)
	for _, v := range []config.VenueConfig{a.cfg.Venues.A, a.cfg.Venues.B} {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			Raw:           v.APISecret,
			EncryptedPath: v.APISecretFile,
			Password:      v.SecretPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("app: venue %s secret: %w", v.Name, err)
		}
		name := domain.Venue(v.Name)
		inner := httpgw.New(httpgw.Config{
			Venue:     name,
			BaseURL:   v.OrderURL,
			APIKey:    v.APIKey,
			APISecret: secret,
			Timeout:   exec.CallTimeout.Duration,
		})
		gateways[name] = executor.NewGuardedGateway(v.Name, inner, executor.GuardConfig{
			RequestsPerSecond: v.RateLimit,
			Burst:             v.Burst,
			SubmitRetries:     exec.SubmitRetries,
			RetryBackoff:      exec.RetryBackoff.Duration,
			AttemptTimeout:    exec.CallTimeout.Duration,
			BreakerFailures:   exec.BreakerFailures,
			BreakerCooldown:   exec.BreakerCooldown.Duration,
		}, a.logger)
	}
	return gateways, nil
}

// acquireLocks takes one lock per symbol. On failure the locks already held
// are released.
func (a *App) acquireLocks(ctx context.Context, lm *redis.LockManager) ([]*redis.Lock, error) {
	var locks []*redis.Lock
	for _, sym := range a.cfg.Symbols {
		l, err := lm.Acquire(ctx, sym, a.cfg.Redis.LockTTL.Duration)
		if err != nil {
			for _, held := range locks {
				held.Release()
			}
			return nil, fmt.Errorf("app: instance lock for %s: %w", sym, err)
		}
		locks = append(locks, l)
	}
	a.logger.InfoContext(ctx, "instance locks acquired", slog.Int("count", len(locks)))
	return locks, nil
}

// runEngine builds the per-symbol pipelines over the given gateways and runs
// them together with the ops server until ctx is done. Losing any of locks
// stops the engine.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, mode string, gateways map[domain.Venue]venue.Gateway, locks []*redis.Lock) error {
	cfg := a.cfg
	venueA, venueB := domain.Venue(cfg.Venues.A.Name), domain.Venue(cfg.Venues.B.Name)
	started := time.Now().UTC()

	var (
		engine    *executor.Engine
		pipelines []*pipeline.SymbolPipeline
		managers  position.Ledgers
		feeds     []*feed.Supervisor
	)
	status := func() server.Status {
		st := server.Status{Mode: mode, Strategy: "arbitrage", StartedAt: started, Executor: engine.Stats()}
		for i, p := range pipelines {
			st.Symbols = append(st.Symbols, server.SymbolStatus{
				Symbol:   p.Symbol(),
				Risk:     p.Risk().State(),
				Exposure: managers[i].Exposure(p.Symbol()),
				Feed:     p.Mailbox().Stats(),
			})
		}
		return st
	}

	collector := metrics.NewCollector()
	var hub *ws.Hub
	if cfg.Server.Enabled {
		hub = ws.NewHub(func() any { return status() }, a.logger)
	}
	sink, closeSinks := a.buildSinks(deps, collector, hub)
	defer closeSinks()

	engine = executor.NewEngine(mode, gateways, executor.Config{
		OrderTimeout:      cfg.Execution.OrderTimeout.Duration,
		PollInterval:      cfg.Execution.PollInterval.Duration,
		CallTimeout:       cfg.Execution.CallTimeout.Duration,
		ReconcileAttempts: cfg.Execution.ReconcileAttempts,
		ReconcileBackoff:  cfg.Execution.ReconcileBackoff.Duration,
		FillDedupTTL:      cfg.Execution.FillDedupTTL.Duration,
	}, sink, a.logger)
	collector.TrackExecutor(mode, engine.Stats, engine.InFlight)

	restored, source, err := restoreLedger(ctx, deps)
	haveLedger := err == nil
	switch {
	case haveLedger:
		a.logger.InfoContext(ctx, "ledger restored",
			slog.String("source", source),
			slog.Time("taken_at", restored.TakenAt),
			slog.Int("applied_fills", len(restored.AppliedFills)),
		)
	case errors.Is(err, domain.ErrNotFound):
		a.logger.InfoContext(ctx, "no ledger snapshot, starting flat")
	default:
		return fmt.Errorf("app: %w", err)
	}

	policy, err := strategy.NewExposurePolicy(cfg.Strategy.ExposurePolicy, cfg.Strategy.PolicyMaxRetries)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	mdA := newMarketData(cfg.Venues.A, cfg.Feed, a.logger)
	mdB := newMarketData(cfg.Venues.B, cfg.Feed, a.logger)
	feedCfg := feed.Config{
		InitialBackoff:    cfg.Feed.InitialBackoff.Duration,
		MaxBackoff:        cfg.Feed.MaxBackoff.Duration,
		MaxAttempts:       cfg.Feed.MaxAttempts,
		ProbeInterval:     cfg.Feed.ProbeInterval.Duration,
		FatalOnExhaustion: cfg.Feed.FatalOnExhaustion,
	}
	var journal pipeline.FillJournal
	if deps.Ledger != nil {
		journal = deps.Ledger
	}

	for _, sym := range cfg.Symbols {
		p := cfg.ForSymbol(sym)

		pm := position.NewManager(position.Limits{
			MaxPositionSize:    p.MaxPositionSize,
			PositionLimit:      p.PositionLimit,
			RebalanceThreshold: p.RebalanceThreshold,
		})
		if haveLedger {
			pm.Restore(position.ForSymbol(restored, sym))
		}

		rm := risk.NewManager(sym, risk.Config{
			MaxDrawdown:         cfg.Risk.MaxDrawdown,
			ResumeDrawdown:      cfg.Risk.ResumeDrawdown,
			VolatilityWindow:    cfg.Risk.VolatilityWindow,
			VolatilityThreshold: cfg.Risk.VolatilityThreshold,
			MinLimitFraction:    cfg.Risk.MinLimitFraction,
			StalenessWindow:     cfg.Risk.StalenessWindow.Duration,
		}, sink, a.logger)

		strat := strategy.NewArbitrage(sym, strategy.Config{
			VenueA:            venueA,
			VenueB:            venueB,
			OrderSize:         p.OrderSize,
			ScaleByConfidence: cfg.Strategy.ScaleByConfidence,
			MinOrderSize:      cfg.Strategy.MinOrderSize,
			LotSize:           p.LotSize,
			SlippageTolerance: cfg.Strategy.SlippageTolerance,
		},
			arbitrage.NewCalculator(cfg.Strategy.StaleAfter.Duration),
			arbitrage.NewSignalGenerator(p.MinSpreadBps, cfg.Execution.TakerFee),
			pm, rm, policy, sink, a.logger,
		)

		box := feed.NewMailbox(sym)
		pipe := pipeline.NewSymbolPipeline(pipeline.SymbolConfig{
			Symbol:             sym,
			VenueA:             venueA,
			VenueB:             venueB,
			InitialCapital:     p.InitialCapital,
			MaxInflightPairs:   cfg.Strategy.MaxInflightPairs,
			StalenessCheck:     cfg.Risk.StalenessCheck.Duration,
			RebalanceInterval:  cfg.Strategy.RebalanceInterval.Duration,
			MaxResolveAttempts: cfg.Strategy.MaxResolveAttempts,
		}, strat, pm, rm, engine, box, journal, sink, a.logger)

		feeds = append(feeds,
			feed.NewSupervisor(mdA, box, feedCfg, pipe.FeedStatus, a.logger),
			feed.NewSupervisor(mdB, box, feedCfg, pipe.FeedStatus, a.logger),
		)
		collector.InitSymbol(sym, venueA, venueB)
		collector.TrackRisk(sym, rm.State)

		pipelines = append(pipelines, pipe)
		managers = append(managers, pm)
	}

	var snap *pipeline.Snapshotter
	if deps.Ledger != nil || deps.Snapshot != nil {
		snap = pipeline.NewSnapshotter(managers, deps.Ledger, deps.Snapshot,
			cfg.Postgres.SnapshotInterval.Duration, cfg.S3.ArchiveCron, a.logger).
			WithRetention(cfg.Postgres.SnapshotKeep)
	}
	system := pipeline.NewSystem(engine, pipelines, feeds, snap, cfg.Execution.DrainTimeout.Duration, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return system.Run(gctx) })

	for _, l := range locks {
		g.Go(func() error { return l.Keep(gctx) })
	}

	if cfg.Server.Enabled {
		srvCfg := server.Config{Addr: cfg.Server.Addr, APIKey: cfg.Server.APIKey, Orders: engine}
		if deps.AuditStore != nil {
			srvCfg.Audit = deps.AuditStore
		}
		srv := server.NewServer(srvCfg, status, collector.Handler(), hub, a.logger)
		g.Go(func() error { return hub.Run(gctx) })
		g.Go(func() error { return srv.Run(gctx) })
	}

	return g.Wait()
}

func newMarketData(v config.VenueConfig, fc config.FeedConfig, logger *slog.Logger) *wsfeed.Client {
	return wsfeed.New(wsfeed.Config{
		Venue:            domain.Venue(v.Name),
		URL:              v.WSURL,
		HandshakeTimeout: fc.HandshakeTimeout.Duration,
		PongWait:         fc.PongWait.Duration,
		Buffer:           fc.Buffer,
	}, logger)
}

// buildSinks fans events out to the log, metrics and WebSocket hub inline,
// and to the I/O-bound sinks through bounded async queues. The returned func
// flushes those queues.
func (a *App) buildSinks(deps *Dependencies, collector *metrics.Collector, hub *ws.Hub) (events.Sink, func()) {
	sinks := events.Multi{events.NewLogSink(a.logger), collector}
	if hub != nil {
		sinks = append(sinks, hub)
	}

	var queues []*events.Async
	queue := func(name string, s events.Sink) {
		q := events.NewAsync(s, asyncBuffer, a.logger.With(slog.String("sink", name)))
		queues = append(queues, q)
		sinks = append(sinks, q)
	}
	if deps.Notifier != nil {
		queue("notify", deps.Notifier)
	}
	if deps.Bus != nil {
		queue("bus", redis.NewBusSink(deps.Bus, a.logger))
	}
	if deps.Positions != nil {
		queue("positions", redis.NewPositionSink(deps.Positions, a.logger))
	}
	if deps.AuditStore != nil {
		queue("audit", events.MinSeverity(events.SeverityWarning, postgres.NewAuditSink(deps.AuditStore, a.logger)))
	}

	return sinks, func() {
		for _, q := range queues {
			q.Close()
			if n := q.Dropped(); n > 0 {
				a.logger.Warn("events dropped by async sink", slog.Int64("dropped", n))
			}
		}
	}
}
