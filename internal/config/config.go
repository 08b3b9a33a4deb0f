// Package config defines the top-level configuration for the arbitrage
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure. Fields are populated from a
// TOML or YAML file and then optionally overridden by ARB_* environment
// variables.
type Config struct {
	Mode      string   `toml:"mode" yaml:"mode"`
	LogLevel  string   `toml:"log_level" yaml:"log_level"`
	LogFormat string   `toml:"log_format" yaml:"log_format"`
	Symbols   []string `toml:"symbols" yaml:"symbols"`

	Venues    VenuesConfig               `toml:"venues" yaml:"venues"`
	Strategy  StrategyConfig             `toml:"strategy" yaml:"strategy"`
	Overrides map[string]SymbolOverrides `toml:"symbol_overrides" yaml:"symbol_overrides"`
	Risk      RiskConfig                 `toml:"risk" yaml:"risk"`
	Execution ExecutionConfig            `toml:"execution" yaml:"execution"`
	Feed      FeedConfig                 `toml:"feed" yaml:"feed"`
	Postgres  PostgresConfig             `toml:"postgres" yaml:"postgres"`
	Redis     RedisConfig                `toml:"redis" yaml:"redis"`
	S3        S3Config                   `toml:"s3" yaml:"s3"`
	Notify    NotifyConfig               `toml:"notify" yaml:"notify"`
	Server    ServerConfig               `toml:"server" yaml:"server"`
}

// VenuesConfig names the two venues every symbol trades across.
type VenuesConfig struct {
	A VenueConfig `toml:"a" yaml:"a"`
	B VenueConfig `toml:"b" yaml:"b"`
}

// VenueConfig holds one venue's endpoints and submission limits.
type VenueConfig struct {
	Name     string `toml:"name" yaml:"name"`
	WSURL    string `toml:"ws_url" yaml:"ws_url"`
	OrderURL string `toml:"order_url" yaml:"order_url"`
	APIKey   string `toml:"api_key" yaml:"api_key"`
	// APISecret signs order requests. APISecretFile is the alternative: a
	// secret encrypted with `arbengine encrypt-secret`, opened with
	// SecretPassword.
	APISecret      string `toml:"api_secret" yaml:"api_secret"`
	APISecretFile  string `toml:"api_secret_file" yaml:"api_secret_file"`
	SecretPassword string `toml:"secret_password" yaml:"secret_password"`
	// RateLimit is the submission budget in requests per second.
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit"`
	Burst     int     `toml:"burst" yaml:"burst"`
}

// StrategyConfig holds the spread strategy parameters shared by all symbols.
type StrategyConfig struct {
	MinSpreadBps      float64 `toml:"min_spread_bps" yaml:"min_spread_bps"`
	OrderSize         float64 `toml:"order_size" yaml:"order_size"`
	ScaleByConfidence bool    `toml:"scale_by_confidence" yaml:"scale_by_confidence"`
	MinOrderSize      float64 `toml:"min_order_size" yaml:"min_order_size"`
	LotSize           float64 `toml:"lot_size" yaml:"lot_size"`
	SlippageTolerance float64 `toml:"slippage_tolerance" yaml:"slippage_tolerance"`
	// StaleAfter is the maximum book age, and the maximum skew between the
	// two books, for a spread to be valid.
	StaleAfter Duration `toml:"stale_after" yaml:"stale_after"`
	// ExposurePolicy answers unbalanced pairs: "alert", "flatten" or "retry".
	ExposurePolicy     string   `toml:"exposure_policy" yaml:"exposure_policy"`
	PolicyMaxRetries   int      `toml:"policy_max_retries" yaml:"policy_max_retries"`
	MaxResolveAttempts int      `toml:"max_resolve_attempts" yaml:"max_resolve_attempts"`
	MaxInflightPairs   int      `toml:"max_inflight_pairs" yaml:"max_inflight_pairs"`
	RebalanceInterval  Duration `toml:"rebalance_interval" yaml:"rebalance_interval"`
}

// SymbolOverrides replaces shared values for one symbol. Nil fields inherit.
type SymbolOverrides struct {
	MinSpreadBps       *float64 `toml:"min_spread_bps" yaml:"min_spread_bps"`
	OrderSize          *float64 `toml:"order_size" yaml:"order_size"`
	LotSize            *float64 `toml:"lot_size" yaml:"lot_size"`
	MaxPositionSize    *float64 `toml:"max_position_size" yaml:"max_position_size"`
	PositionLimit      *float64 `toml:"position_limit" yaml:"position_limit"`
	RebalanceThreshold *float64 `toml:"rebalance_threshold" yaml:"rebalance_threshold"`
	InitialCapital     *float64 `toml:"initial_capital" yaml:"initial_capital"`
}

// RiskConfig holds position limits and the drawdown and volatility gates.
type RiskConfig struct {
	InitialCapital      float64  `toml:"initial_capital" yaml:"initial_capital"`
	MaxPositionSize     float64  `toml:"max_position_size" yaml:"max_position_size"`
	PositionLimit       float64  `toml:"position_limit" yaml:"position_limit"`
	RebalanceThreshold  float64  `toml:"rebalance_threshold" yaml:"rebalance_threshold"`
	MaxDrawdown         float64  `toml:"max_drawdown" yaml:"max_drawdown"`
	ResumeDrawdown      float64  `toml:"resume_drawdown" yaml:"resume_drawdown"`
	VolatilityWindow    int      `toml:"volatility_window" yaml:"volatility_window"`
	VolatilityThreshold float64  `toml:"volatility_threshold" yaml:"volatility_threshold"`
	MinLimitFraction    float64  `toml:"min_limit_fraction" yaml:"min_limit_fraction"`
	StalenessWindow     Duration `toml:"staleness_window" yaml:"staleness_window"`
	StalenessCheck      Duration `toml:"staleness_check" yaml:"staleness_check"`
}

// ExecutionConfig holds the order lifecycle, fee and simulator parameters.
type ExecutionConfig struct {
	OrderTimeout      Duration `toml:"order_timeout" yaml:"order_timeout"`
	PollInterval      Duration `toml:"poll_interval" yaml:"poll_interval"`
	CallTimeout       Duration `toml:"call_timeout" yaml:"call_timeout"`
	ReconcileAttempts int      `toml:"reconcile_attempts" yaml:"reconcile_attempts"`
	ReconcileBackoff  Duration `toml:"reconcile_backoff" yaml:"reconcile_backoff"`
	FillDedupTTL      Duration `toml:"fill_dedup_ttl" yaml:"fill_dedup_ttl"`
	DrainTimeout      Duration `toml:"drain_timeout" yaml:"drain_timeout"`

	MakerFee float64 `toml:"maker_fee" yaml:"maker_fee"`
	TakerFee float64 `toml:"taker_fee" yaml:"taker_fee"`

	SubmitRetries   int      `toml:"submit_retries" yaml:"submit_retries"`
	RetryBackoff    Duration `toml:"retry_backoff" yaml:"retry_backoff"`
	BreakerFailures uint32   `toml:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldown Duration `toml:"breaker_cooldown" yaml:"breaker_cooldown"`

	// Dry-run simulator.
	SimLatency    Duration `toml:"sim_latency" yaml:"sim_latency"`
	SimImpactSize float64  `toml:"sim_impact_size" yaml:"sim_impact_size"`
	SimSeed       int64    `toml:"sim_seed" yaml:"sim_seed"`
}

// FeedConfig holds market-data connection and reconnect parameters.
type FeedConfig struct {
	InitialBackoff    Duration `toml:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff        Duration `toml:"max_backoff" yaml:"max_backoff"`
	MaxAttempts       int      `toml:"max_attempts" yaml:"max_attempts"`
	ProbeInterval     Duration `toml:"probe_interval" yaml:"probe_interval"`
	FatalOnExhaustion bool     `toml:"fatal_on_exhaustion" yaml:"fatal_on_exhaustion"`
	HandshakeTimeout  Duration `toml:"handshake_timeout" yaml:"handshake_timeout"`
	PongWait          Duration `toml:"pong_wait" yaml:"pong_wait"`
	Buffer            int      `toml:"buffer" yaml:"buffer"`
}

// PostgresConfig holds the fill journal and ledger snapshot store.
type PostgresConfig struct {
	Enabled          bool     `toml:"enabled" yaml:"enabled"`
	DSN              string   `toml:"dsn" yaml:"dsn"`
	Host             string   `toml:"host" yaml:"host"`
	Port             int      `toml:"port" yaml:"port"`
	Database         string   `toml:"database" yaml:"database"`
	User             string   `toml:"user" yaml:"user"`
	Password         string   `toml:"password" yaml:"password"`
	SSLMode          string   `toml:"ssl_mode" yaml:"ssl_mode"`
	PoolMaxConns     int      `toml:"pool_max_conns" yaml:"pool_max_conns"`
	PoolMinConns     int      `toml:"pool_min_conns" yaml:"pool_min_conns"`
	RunMigrations    bool     `toml:"run_migrations" yaml:"run_migrations"`
	SnapshotInterval Duration `toml:"snapshot_interval" yaml:"snapshot_interval"`
	// SnapshotKeep bounds ledger_snapshots to the newest N rows; 0 keeps all.
	SnapshotKeep int `toml:"snapshot_keep" yaml:"snapshot_keep"`
	// Audit journals warning-and-worse events to audit_log.
	Audit bool `toml:"audit" yaml:"audit"`
}

// RedisConfig holds the event bus, position cache and instance lock.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled" yaml:"enabled"`
	Addr        string   `toml:"addr" yaml:"addr"`
	Password    string   `toml:"password" yaml:"password"`
	DB          int      `toml:"db" yaml:"db"`
	PoolSize    int      `toml:"pool_size" yaml:"pool_size"`
	MaxRetries  int      `toml:"max_retries" yaml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled" yaml:"tls_enabled"`
	KeyPrefix   string   `toml:"key_prefix" yaml:"key_prefix"`
	PositionTTL Duration `toml:"position_ttl" yaml:"position_ttl"`
	// LockTTL is the lease of the per-symbol live trading lock.
	LockTTL Duration `toml:"lock_ttl" yaml:"lock_ttl"`
}

// S3Config holds the cold-storage ledger archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled" yaml:"enabled"`
	Endpoint       string `toml:"endpoint" yaml:"endpoint"`
	Region         string `toml:"region" yaml:"region"`
	Bucket         string `toml:"bucket" yaml:"bucket"`
	Prefix         string `toml:"prefix" yaml:"prefix"`
	AccessKey      string `toml:"access_key" yaml:"access_key"`
	SecretKey      string `toml:"secret_key" yaml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl" yaml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style" yaml:"force_path_style"`
	// ArchiveCron schedules archives in UTC as a 5-field cron expression.
	ArchiveCron string `toml:"archive_cron" yaml:"archive_cron"`
}

// NotifyConfig holds notification channel credentials and routing.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token" yaml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id" yaml:"telegram_chat_id"`
	TelegramAPI       string   `toml:"telegram_api" yaml:"telegram_api"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" yaml:"discord_webhook_url"`
	Events            []string `toml:"events" yaml:"events"`
	MinSeverity       string   `toml:"min_severity" yaml:"min_severity"`
	Cooldown          Duration `toml:"cooldown" yaml:"cooldown"`
}

// ServerConfig holds the ops HTTP server parameters.
type ServerConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" yaml:"addr"`
	APIKey  string `toml:"api_key" yaml:"api_key"`
}

// Duration is a time.Duration that decodes from strings like "5m" or
// "250ms" in both TOML and YAML.
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if err := d.UnmarshalText([]byte(value.Value)); err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	return nil
}

// Defaults returns a Config populated with reasonable default values. These
// match config.example.toml.
func Defaults() Config {
	return Config{
		Mode:      "dry_run",
		LogLevel:  "info",
		LogFormat: "json",
		Symbols:   []string{"BTCUSDT"},
		Venues: VenuesConfig{
			A: VenueConfig{Name: "venue_a", WSURL: "ws://localhost:9001/ws", RateLimit: 10, Burst: 5},
			B: VenueConfig{Name: "venue_b", WSURL: "ws://localhost:9002/ws", RateLimit: 10, Burst: 5},
		},
		Strategy: StrategyConfig{
			MinSpreadBps:       10,
			OrderSize:          0.01,
			MinOrderSize:       0.001,
			LotSize:            0.001,
			SlippageTolerance:  0.0005,
			StaleAfter:         D(2 * time.Second),
			ExposurePolicy:     "flatten",
			PolicyMaxRetries:   2,
			MaxResolveAttempts: 5,
			MaxInflightPairs:   1,
			RebalanceInterval:  D(30 * time.Second),
		},
		Risk: RiskConfig{
			InitialCapital:      10000,
			MaxPositionSize:     0.1,
			RebalanceThreshold:  0.01,
			MaxDrawdown:         0.05,
			ResumeDrawdown:      0.03,
			VolatilityWindow:    100,
			VolatilityThreshold: 0.01,
			MinLimitFraction:    0.25,
			StalenessWindow:     D(5 * time.Second),
			StalenessCheck:      D(time.Second),
		},
		Execution: ExecutionConfig{
			OrderTimeout:      D(5 * time.Second),
			PollInterval:      D(250 * time.Millisecond),
			CallTimeout:       D(2 * time.Second),
			ReconcileAttempts: 3,
			ReconcileBackoff:  D(200 * time.Millisecond),
			FillDedupTTL:      D(10 * time.Minute),
			DrainTimeout:      D(15 * time.Second),
			MakerFee:          0.0002,
			TakerFee:          0.0004,
			SubmitRetries:     2,
			RetryBackoff:      D(100 * time.Millisecond),
			BreakerFailures:   5,
			BreakerCooldown:   D(30 * time.Second),
			SimLatency:        D(50 * time.Millisecond),
			SimImpactSize:     1,
		},
		Feed: FeedConfig{
			InitialBackoff:   D(500 * time.Millisecond),
			MaxBackoff:       D(30 * time.Second),
			MaxAttempts:      10,
			ProbeInterval:    D(time.Minute),
			HandshakeTimeout: D(10 * time.Second),
			PongWait:         D(60 * time.Second),
			Buffer:           64,
		},
		Postgres: PostgresConfig{
			Host:             "localhost",
			Port:             5432,
			Database:         "arbengine",
			User:             "postgres",
			SSLMode:          "disable",
			PoolMaxConns:     10,
			PoolMinConns:     1,
			RunMigrations:    true,
			SnapshotInterval: D(time.Minute),
			SnapshotKeep:     1440,
			Audit:            true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    10,
			MaxRetries:  3,
			KeyPrefix:   "arb:",
			PositionTTL: D(10 * time.Minute),
			LockTTL:     D(15 * time.Second),
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbengine",
			ForcePathStyle: true,
			ArchiveCron:    "0 * * * *",
		},
		Notify: NotifyConfig{
			Events:      []string{"unbalanced_exposure", "risk_mode", "feed"},
			MinSeverity: "warning",
			Cooldown:    D(5 * time.Minute),
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    ":8000",
		},
	}
}

// SymbolParams is the resolved per-symbol view after overrides.
type SymbolParams struct {
	Symbol             string
	MinSpreadBps       float64
	OrderSize          float64
	LotSize            float64
	MaxPositionSize    float64
	PositionLimit      float64
	RebalanceThreshold float64
	InitialCapital     float64
}

// ForSymbol resolves the parameters for symbol.
func (c *Config) ForSymbol(symbol string) SymbolParams {
	p := SymbolParams{
		Symbol:             symbol,
		MinSpreadBps:       c.Strategy.MinSpreadBps,
		OrderSize:          c.Strategy.OrderSize,
		LotSize:            c.Strategy.LotSize,
		MaxPositionSize:    c.Risk.MaxPositionSize,
		PositionLimit:      c.Risk.PositionLimit,
		RebalanceThreshold: c.Risk.RebalanceThreshold,
		InitialCapital:     c.Risk.InitialCapital,
	}
	o, ok := c.Overrides[symbol]
	if !ok {
		return p
	}
	set := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	set(&p.MinSpreadBps, o.MinSpreadBps)
	set(&p.OrderSize, o.OrderSize)
	set(&p.LotSize, o.LotSize)
	set(&p.MaxPositionSize, o.MaxPositionSize)
	set(&p.PositionLimit, o.PositionLimit)
	set(&p.RebalanceThreshold, o.RebalanceThreshold)
	set(&p.InitialCapital, o.InitialCapital)
	return p
}

// IsLive reports whether the engine sends real orders.
func (c *Config) IsLive() bool { return strings.EqualFold(c.Mode, "live") }
