package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
	"github.com/alanyoungcy/arbengine/internal/pipeline"
	"github.com/alanyoungcy/arbengine/internal/strategy"
)

// ValidationError lists every problem found in a Config. It matches
// domain.ErrInvalidConfig with errors.Is.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(e.Problems, "\n  - ")
}

// Is reports whether target is domain.ErrInvalidConfig.
func (e *ValidationError) Is(target error) bool { return target == domain.ErrInvalidConfig }

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// ParseSeverity maps a severity name to events.Severity.
func ParseSeverity(s string) (events.Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return events.SeverityInfo, nil
	case "warning", "warn":
		return events.SeverityWarning, nil
	case "error":
		return events.SeverityError, nil
	case "critical":
		return events.SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// Validate checks Config for invalid or missing values and returns a
// *ValidationError describing every problem found. The trading loop must not
// start when it fails.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	mode := strings.ToLower(c.Mode)
	if mode != "dry_run" && mode != "live" {
		add("unknown mode %q (valid: dry_run, live)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}
	if f := strings.ToLower(c.LogFormat); f != "json" && f != "text" {
		add("unknown log_format %q (valid: json, text)", c.LogFormat)
	}

	// Symbols
	if len(c.Symbols) == 0 {
		add("symbols: at least one symbol is required")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if strings.TrimSpace(s) == "" {
			add("symbols: empty symbol")
			continue
		}
		if seen[s] {
			add("symbols: duplicate symbol %q", s)
		}
		seen[s] = true
	}
	for s := range c.Overrides {
		if !seen[s] {
			add("symbol_overrides: %q is not in symbols", s)
		}
	}

	// Venues
	for _, v := range []struct {
		key string
		cfg VenueConfig
	}{{"venues.a", c.Venues.A}, {"venues.b", c.Venues.B}} {
		if v.cfg.Name == "" {
			add("%s: name must not be empty", v.key)
		}
		if v.cfg.WSURL == "" {
			add("%s: ws_url must not be empty", v.key)
		}
		if mode == "live" && v.cfg.OrderURL == "" {
			add("%s: order_url is required in live mode", v.key)
		}
		if v.cfg.APISecret != "" && v.cfg.APISecretFile != "" {
			add("%s: set api_secret or api_secret_file, not both", v.key)
		}
		if v.cfg.APISecretFile != "" && v.cfg.SecretPassword == "" {
			add("%s: api_secret_file needs secret_password", v.key)
		}
		if v.cfg.RateLimit < 0 || v.cfg.Burst < 0 {
			add("%s: rate_limit and burst must be >= 0", v.key)
		}
	}
	if c.Venues.A.Name != "" && c.Venues.A.Name == c.Venues.B.Name {
		add("venues: a and b must be distinct, both are %q", c.Venues.A.Name)
	}

	// Strategy
	s := c.Strategy
	if s.MinOrderSize < 0 {
		add("strategy: min_order_size must be >= 0")
	}
	if s.SlippageTolerance < 0 || s.SlippageTolerance >= 1 {
		add("strategy: slippage_tolerance must be in [0, 1), got %g", s.SlippageTolerance)
	}
	if s.StaleAfter.Duration <= 0 {
		add("strategy: stale_after must be > 0")
	}
	if _, err := strategy.NewExposurePolicy(s.ExposurePolicy, s.PolicyMaxRetries); err != nil {
		add("strategy: %v", err)
	}
	if s.PolicyMaxRetries < 0 {
		add("strategy: policy_max_retries must be >= 0")
	}
	if s.MaxResolveAttempts < 1 {
		add("strategy: max_resolve_attempts must be >= 1")
	}
	if s.MaxInflightPairs < 1 {
		add("strategy: max_inflight_pairs must be >= 1")
	}
	if s.RebalanceInterval.Duration < 0 {
		add("strategy: rebalance_interval must be >= 0")
	}

	// Per-symbol thresholds, after overrides.
	for _, sym := range c.Symbols {
		p := c.ForSymbol(sym)
		if p.MinSpreadBps <= 0 {
			add("%s: min_spread_bps must be > 0, got %g", sym, p.MinSpreadBps)
		}
		if p.OrderSize <= 0 {
			add("%s: order_size must be > 0", sym)
		}
		if p.LotSize < 0 {
			add("%s: lot_size must be >= 0", sym)
		}
		if p.MaxPositionSize <= 0 {
			add("%s: max_position_size must be > 0", sym)
		}
		if p.PositionLimit < 0 {
			add("%s: position_limit must be >= 0", sym)
		}
		if p.RebalanceThreshold < 0 {
			add("%s: rebalance_threshold must be >= 0", sym)
		}
		if p.InitialCapital <= 0 {
			add("%s: initial_capital must be > 0", sym)
		}
	}

	// Risk
	r := c.Risk
	if r.MaxDrawdown <= 0 || r.MaxDrawdown >= 1 {
		add("risk: max_drawdown must be in (0, 1), got %g", r.MaxDrawdown)
	}
	if r.ResumeDrawdown < 0 || r.ResumeDrawdown >= r.MaxDrawdown {
		add("risk: resume_drawdown must be >= 0 and below max_drawdown, got %g", r.ResumeDrawdown)
	}
	if r.VolatilityWindow < 2 {
		add("risk: volatility_window must be >= 2")
	}
	if r.VolatilityThreshold < 0 {
		add("risk: volatility_threshold must be >= 0")
	}
	if r.MinLimitFraction <= 0 || r.MinLimitFraction > 1 {
		add("risk: min_limit_fraction must be in (0, 1], got %g", r.MinLimitFraction)
	}
	if r.StalenessWindow.Duration < 0 || r.StalenessCheck.Duration < 0 {
		add("risk: staleness_window and staleness_check must be >= 0")
	}

	// Execution
	e := c.Execution
	if e.OrderTimeout.Duration <= 0 {
		add("execution: order_timeout must be > 0")
	}
	if e.PollInterval.Duration <= 0 {
		add("execution: poll_interval must be > 0")
	}
	if e.MakerFee < 0 || e.MakerFee >= 1 || e.TakerFee < 0 || e.TakerFee >= 1 {
		add("execution: maker_fee and taker_fee must be in [0, 1)")
	}
	if e.ReconcileAttempts < 1 {
		add("execution: reconcile_attempts must be >= 1")
	}
	if e.SubmitRetries < 0 {
		add("execution: submit_retries must be >= 0")
	}
	if e.DrainTimeout.Duration <= 0 {
		add("execution: drain_timeout must be > 0")
	}

	// Feed
	if c.Feed.MaxAttempts < 1 {
		add("feed: max_attempts must be >= 1")
	}
	if c.Feed.InitialBackoff.Duration <= 0 || c.Feed.MaxBackoff.Duration < c.Feed.InitialBackoff.Duration {
		add("feed: initial_backoff must be > 0 and not exceed max_backoff")
	}

	// Postgres
	if c.Postgres.Enabled {
		if c.Postgres.SnapshotKeep < 0 {
			add("postgres: snapshot_keep must be >= 0")
		}
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
		if mode == "live" && c.Redis.LockTTL.Duration < 3*time.Second {
			add("redis: lock_ttl must be at least 3s, got %s", c.Redis.LockTTL.Duration)
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
		if c.S3.ArchiveCron != "" {
			if err := pipeline.ValidateCron(c.S3.ArchiveCron); err != nil {
				add("s3: archive_cron: %v", err)
			}
		}
	}

	// Notify
	if _, err := ParseSeverity(c.Notify.MinSeverity); err != nil {
		add("notify: %v", err)
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	// Server
	if c.Server.Enabled && c.Server.Addr == "" {
		add("server: addr must not be empty when enabled")
	}

	if len(errs) > 0 {
		return &ValidationError{Problems: errs}
	}
	return nil
}
