package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads a TOML or YAML configuration file at path (chosen by
// extension), merges it on top of the built-in defaults, applies ARB_*
// environment variable overrides, and returns the final Config. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	default:
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			keys := make([]string, len(undec))
			for i, k := range undec {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set. Secrets
// are meant to arrive this way rather than in the file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "ARB_MODE")
	setStr(&cfg.LogLevel, "ARB_LOG_LEVEL")
	setStr(&cfg.LogFormat, "ARB_LOG_FORMAT")
	setStringSlice(&cfg.Symbols, "ARB_SYMBOLS")

	// ── Venues ──
	for _, v := range []struct {
		prefix string
		cfg    *VenueConfig
	}{{"ARB_VENUE_A_", &cfg.Venues.A}, {"ARB_VENUE_B_", &cfg.Venues.B}} {
		setStr(&v.cfg.Name, v.prefix+"NAME")
		setStr(&v.cfg.WSURL, v.prefix+"WS_URL")
		setStr(&v.cfg.OrderURL, v.prefix+"ORDER_URL")
		setStr(&v.cfg.APIKey, v.prefix+"API_KEY")
		setStr(&v.cfg.APISecret, v.prefix+"API_SECRET")
		setStr(&v.cfg.APISecretFile, v.prefix+"API_SECRET_FILE")
		setStr(&v.cfg.SecretPassword, v.prefix+"SECRET_PASSWORD")
		setFloat64(&v.cfg.RateLimit, v.prefix+"RATE_LIMIT")
		setInt(&v.cfg.Burst, v.prefix+"BURST")
	}

	// ── Strategy ──
	setFloat64(&cfg.Strategy.MinSpreadBps, "ARB_STRATEGY_MIN_SPREAD_BPS")
	setFloat64(&cfg.Strategy.OrderSize, "ARB_STRATEGY_ORDER_SIZE")
	setBool(&cfg.Strategy.ScaleByConfidence, "ARB_STRATEGY_SCALE_BY_CONFIDENCE")
	setFloat64(&cfg.Strategy.SlippageTolerance, "ARB_STRATEGY_SLIPPAGE_TOLERANCE")
	setDuration(&cfg.Strategy.StaleAfter, "ARB_STRATEGY_STALE_AFTER")
	setStr(&cfg.Strategy.ExposurePolicy, "ARB_STRATEGY_EXPOSURE_POLICY")

	// ── Risk ──
	setFloat64(&cfg.Risk.InitialCapital, "ARB_RISK_INITIAL_CAPITAL")
	setFloat64(&cfg.Risk.MaxPositionSize, "ARB_RISK_MAX_POSITION_SIZE")
	setFloat64(&cfg.Risk.PositionLimit, "ARB_RISK_POSITION_LIMIT")
	setFloat64(&cfg.Risk.RebalanceThreshold, "ARB_RISK_REBALANCE_THRESHOLD")
	setFloat64(&cfg.Risk.MaxDrawdown, "ARB_RISK_MAX_DRAWDOWN")
	setFloat64(&cfg.Risk.ResumeDrawdown, "ARB_RISK_RESUME_DRAWDOWN")

	// ── Execution ──
	setDuration(&cfg.Execution.OrderTimeout, "ARB_EXECUTION_ORDER_TIMEOUT")
	setFloat64(&cfg.Execution.MakerFee, "ARB_EXECUTION_MAKER_FEE")
	setFloat64(&cfg.Execution.TakerFee, "ARB_EXECUTION_TAKER_FEE")
	setInt(&cfg.Execution.SubmitRetries, "ARB_EXECUTION_SUBMIT_RETRIES")
	setDuration(&cfg.Execution.DrainTimeout, "ARB_EXECUTION_DRAIN_TIMEOUT")

	// ── Feed ──
	setInt(&cfg.Feed.MaxAttempts, "ARB_FEED_MAX_ATTEMPTS")
	setBool(&cfg.Feed.FatalOnExhaustion, "ARB_FEED_FATAL_ON_EXHAUSTION")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ARB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARB_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "ARB_POSTGRES_RUN_MIGRATIONS")
	setInt(&cfg.Postgres.SnapshotKeep, "ARB_POSTGRES_SNAPSHOT_KEEP")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARB_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "ARB_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ARB_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARB_S3_SECRET_KEY")
	setStr(&cfg.S3.ArchiveCron, "ARB_S3_ARCHIVE_CRON")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARB_NOTIFY_EVENTS")
	setStr(&cfg.Notify.MinSeverity, "ARB_NOTIFY_MIN_SEVERITY")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARB_SERVER_ENABLED")
	setStr(&cfg.Server.Addr, "ARB_SERVER_ADDR")
	setStr(&cfg.Server.APIKey, "ARB_SERVER_API_KEY")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
