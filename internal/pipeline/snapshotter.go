package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// LedgerSource produces ledger snapshots. position.Manager satisfies it.
type LedgerSource interface {
	Snapshot() domain.Ledger
}

// snapshotPruner is implemented by stores that can trim old snapshots.
type snapshotPruner interface {
	PruneSnapshots(ctx context.Context, keep int) (int64, error)
}

// Snapshotter persists the position ledger: periodically to the ledger store
// and on a cron schedule to the cold-storage archive. Either destination may
// be nil.
type Snapshotter struct {
	source   LedgerSource
	store    domain.LedgerStore
	archive  domain.SnapshotArchive
	interval time.Duration
	cron     string
	keep     int
	logger   *slog.Logger
}

// NewSnapshotter creates a Snapshotter. A zero interval disables periodic
// store snapshots and an empty cron disables scheduled archives.
func NewSnapshotter(source LedgerSource, store domain.LedgerStore, archive domain.SnapshotArchive, interval time.Duration, cronExpr string, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{
		source:   source,
		store:    store,
		archive:  archive,
		interval: interval,
		cron:     cronExpr,
		logger:   logger.With(slog.String("component", "snapshotter")),
	}
}

// WithRetention keeps only the newest keep snapshots in stores that support
// pruning. Zero keeps everything.
func (s *Snapshotter) WithRetention(keep int) *Snapshotter {
	s.keep = keep
	return s
}

// Run snapshots on the configured cadences until ctx is done.
func (s *Snapshotter) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if s.store != nil && s.interval > 0 {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		tick = t.C
	}

	var (
		sched cron.Schedule
		fire  <-chan time.Time
		timer *time.Timer
	)
	if s.archive != nil && s.cron != "" {
		var err error
		sched, err = cron.ParseStandard(s.cron)
		if err != nil {
			return fmt.Errorf("snapshotter: parsing cron expression %q: %w", s.cron, err)
		}
		next, err := nextRun(sched, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("snapshotter: %w", err)
		}
		timer = time.NewTimer(time.Until(next))
		defer timer.Stop()
		fire = timer.C
		s.logger.Info("archive scheduled", slog.String("cron", s.cron), slog.Time("next_run", next))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			if err := s.save(ctx, s.source.Snapshot()); err != nil {
				s.logger.Error("ledger snapshot failed", slog.String("error", err.Error()))
			}
		case <-fire:
			if _, err := s.archiveLedger(ctx, s.source.Snapshot()); err != nil {
				s.logger.Error("ledger archive failed", slog.String("error", err.Error()))
			}
			next, err := nextRun(sched, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("snapshotter: %w", err)
			}
			timer.Reset(time.Until(next))
		}
	}
}

// Final writes one snapshot to every configured destination. It is called on
// shutdown after the executor has drained, so the snapshot is the settled
// ledger.
func (s *Snapshotter) Final(ctx context.Context) error {
	l := s.source.Snapshot()
	var errs []error
	if err := s.save(ctx, l); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.archiveLedger(ctx, l); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Snapshotter) save(ctx context.Context, l domain.Ledger) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveSnapshot(ctx, l); err != nil {
		return fmt.Errorf("snapshotter: save: %w", err)
	}
	s.logger.Debug("ledger snapshot saved", slog.Int("applied_fills", len(l.AppliedFills)))

	if p, ok := s.store.(snapshotPruner); ok && s.keep > 0 {
		// Retention is best effort; a failed prune never fails the snapshot.
		n, err := p.PruneSnapshots(ctx, s.keep)
		if err != nil {
			s.logger.Warn("snapshot prune failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Debug("old snapshots pruned", slog.Int64("deleted", n))
		}
	}
	return nil
}

func (s *Snapshotter) archiveLedger(ctx context.Context, l domain.Ledger) (string, error) {
	if s.archive == nil {
		return "", nil
	}
	path, err := s.archive.Archive(ctx, l)
	if err != nil {
		return "", fmt.Errorf("snapshotter: archive: %w", err)
	}
	s.logger.Info("ledger archived", slog.String("path", path))
	return path, nil
}

// ValidateCron reports whether expr is a usable 5-field cron schedule.
func ValidateCron(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// nextRun returns the schedule's first activation strictly after the given
// time.
func nextRun(sched cron.Schedule, after time.Time) (time.Time, error) {
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, errors.New("cron schedule never fires")
	}
	return next, nil
}
