package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/arbengine/internal/blob/s3"
	"github.com/alanyoungcy/arbengine/internal/cache/redis"
	"github.com/alanyoungcy/arbengine/internal/config"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
	"github.com/alanyoungcy/arbengine/internal/notify"
	"github.com/alanyoungcy/arbengine/internal/store/postgres"
)

// Dependencies bundles the optional infrastructure the engine runs with. A
// nil field means the backing service is disabled in the configuration.
type Dependencies struct {
	// Postgres
	Ledger     domain.LedgerStore
	AuditStore *postgres.AuditStore

	// Redis
	Bus       domain.EventBus
	Positions domain.PositionCache
	Locks     *redis.LockManager

	// Blob storage
	Archive  *s3blob.Archiver
	Snapshot domain.SnapshotArchive

	// Notifications; nil when no sender is configured.
	Notifier *notify.Notifier
}

// Wire constructs the enabled backends and returns them together with a
// cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	var ledger *postgres.LedgerStore
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		ledger = postgres.NewLedgerStore(pgClient.Pool())
		deps.Ledger = ledger
		if cfg.Postgres.Audit {
			deps.AuditStore = postgres.NewAuditStore(pgClient.Pool())
		}
		logger.Info("postgres connected", slog.Bool("audit", cfg.Postgres.Audit))
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Bus = redis.NewEventBus(redisClient)
		deps.Positions = redis.NewPositionCache(redisClient, cfg.Redis.PositionTTL.Duration)
		deps.Locks = redis.NewLockManager(redisClient, logger)
		logger.Info("redis connected", slog.String("addr", cfg.Redis.Addr))
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		bucket, err := s3blob.Open(ctx, s3blob.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := bucket.Ping(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		// Fills are archived from the journal, so they need Postgres.
		var fills s3blob.FillSource
		if ledger != nil {
			fills = ledger
		}
		deps.Archive = s3blob.NewArchiver(
			bucket,
			bucket,
			fills,
			cfg.S3.Prefix,
			time.Now().UTC(),
			logger,
		)
		deps.Snapshot = deps.Archive
		logger.Info("s3 ready", slog.String("bucket", cfg.S3.Bucket))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPI,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		minSev, err := config.ParseSeverity(cfg.Notify.MinSeverity)
		if err != nil {
			minSev = events.SeverityWarning
		}
		deps.Notifier = notify.NewNotifier(senders, notify.Config{
			MinSeverity: minSev,
			Types:       cfg.Notify.Events,
			Cooldown:    cfg.Notify.Cooldown.Duration,
		}, logger)
	}

	return deps, cleanup, nil
}

// restoreLedger returns the newest persisted ledger, preferring the
// Postgres snapshot over the S3 archive. It returns domain.ErrNotFound when
// neither has one.
func restoreLedger(ctx context.Context, deps *Dependencies) (l domain.Ledger, source string, err error) {
	if deps.Ledger != nil {
		l, err = deps.Ledger.LatestSnapshot(ctx)
		switch {
		case err == nil:
			return l, "postgres", nil
		case !errors.Is(err, domain.ErrNotFound):
			return domain.Ledger{}, "", fmt.Errorf("restore from postgres: %w", err)
		}
	}
	if deps.Archive != nil {
		l, err = deps.Archive.Latest(ctx)
		switch {
		case err == nil:
			return l, "s3", nil
		case !errors.Is(err, domain.ErrNotFound):
			return domain.Ledger{}, "", fmt.Errorf("restore from s3: %w", err)
		}
	}
	return domain.Ledger{}, "", domain.ErrNotFound
}
