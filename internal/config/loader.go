package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DEPTHFEED_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place so
// a container can be configured through the environment alone. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DEPTHFEED_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Feed ──
	setStr(&cfg.Feed.ClientID, "DEPTHFEED_FEED_CLIENT_ID")
	setStr(&cfg.Feed.AccessToken, "DEPTHFEED_FEED_ACCESS_TOKEN")
	setStr(&cfg.Feed.ByteOrder, "DEPTHFEED_FEED_BYTE_ORDER")
	setDuration(&cfg.Feed.BaseBackoff, "DEPTHFEED_FEED_BASE_BACKOFF")
	setDuration(&cfg.Feed.MaxBackoff, "DEPTHFEED_FEED_MAX_BACKOFF")
	setInt(&cfg.Feed.MaxAttempts, "DEPTHFEED_FEED_MAX_ATTEMPTS")
	setInt(&cfg.Feed.MaxDecodeFailures, "DEPTHFEED_FEED_MAX_DECODE_FAILURES")
	setStr(&cfg.Feed.Ticks.URL, "DEPTHFEED_FEED_TICKS_URL")
	setStr(&cfg.Feed.Ticks.Packet, "DEPTHFEED_FEED_TICKS_PACKET")
	setStringSlice(&cfg.Feed.Ticks.Instruments, "DEPTHFEED_FEED_TICKS_INSTRUMENTS")
	setStr(&cfg.Feed.Depth.URL, "DEPTHFEED_FEED_DEPTH_URL")
	setStringSlice(&cfg.Feed.Depth.Instruments, "DEPTHFEED_FEED_DEPTH_INSTRUMENTS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DEPTHFEED_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "DEPTHFEED_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DEPTHFEED_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DEPTHFEED_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DEPTHFEED_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DEPTHFEED_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DEPTHFEED_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DEPTHFEED_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DEPTHFEED_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.PreferIPv4, "DEPTHFEED_POSTGRES_PREFER_IPV4")
	setBool(&cfg.Postgres.RunMigrations, "DEPTHFEED_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DEPTHFEED_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DEPTHFEED_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DEPTHFEED_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DEPTHFEED_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "DEPTHFEED_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "DEPTHFEED_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DEPTHFEED_S3_REGION")
	setStr(&cfg.S3.Bucket, "DEPTHFEED_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DEPTHFEED_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DEPTHFEED_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DEPTHFEED_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DEPTHFEED_S3_FORCE_PATH_STYLE")

	// ── Batch ──
	setInt(&cfg.Batch.Size, "DEPTHFEED_BATCH_SIZE")
	setDuration(&cfg.Batch.FlushInterval, "DEPTHFEED_BATCH_FLUSH_INTERVAL")
	setInt(&cfg.Batch.QueueSize, "DEPTHFEED_BATCH_QUEUE_SIZE")

	// ── Signal ──
	setBool(&cfg.Signal.Persist, "DEPTHFEED_SIGNAL_PERSIST")
	setFloat64(&cfg.Signal.SignificanceMultiplier, "DEPTHFEED_SIGNAL_SIGNIFICANCE_MULTIPLIER")
	setFloat64(&cfg.Signal.PriceStep, "DEPTHFEED_SIGNAL_PRICE_STEP")
	setFloat64(&cfg.Signal.MinReductionPct, "DEPTHFEED_SIGNAL_MIN_REDUCTION_PCT")
	setFloat64(&cfg.Signal.StateThreshold, "DEPTHFEED_SIGNAL_STATE_THRESHOLD")
	setDurations(&cfg.Signal.PressureWindows, "DEPTHFEED_SIGNAL_PRESSURE_WINDOWS")

	// ── Publisher ──
	setBool(&cfg.Publisher.Enabled, "DEPTHFEED_PUBLISHER_ENABLED")
	setStr(&cfg.Publisher.ChannelPrefix, "DEPTHFEED_PUBLISHER_CHANNEL_PREFIX")
	setStr(&cfg.Publisher.AbsorptionStream, "DEPTHFEED_PUBLISHER_ABSORPTION_STREAM")

	// ── Enrich ──
	setDuration(&cfg.Enrich.InstrumentRefresh, "DEPTHFEED_ENRICH_INSTRUMENT_REFRESH")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "DEPTHFEED_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "DEPTHFEED_ARCHIVE_CRON")
	setDuration(&cfg.Archive.Retention, "DEPTHFEED_ARCHIVE_RETENTION")
	setStr(&cfg.Archive.Prefix, "DEPTHFEED_ARCHIVE_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "DEPTHFEED_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "DEPTHFEED_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "DEPTHFEED_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "DEPTHFEED_SERVER_API_KEY")
	setFloat64(&cfg.Server.RateLimit, "DEPTHFEED_SERVER_RATE_LIMIT")

	// ── Log ──
	setStr(&cfg.Log.File, "DEPTHFEED_LOG_FILE")

	// ── Top-level ──
	setStr(&cfg.Mode, "DEPTHFEED_MODE")
	setStr(&cfg.LogLevel, "DEPTHFEED_LOG_LEVEL")
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

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

// setDurations replaces dst only when every comma-separated entry parses.
func setDurations(dst *[]duration, key string) {
	parts := splitList(os.Getenv(key))
	if len(parts) == 0 {
		return
	}
	out := make([]duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(p)
		if err != nil {
			return
		}
		out = append(out, duration{d})
	}
	*dst = out
}

func setStringSlice(dst *[]string, key string) {
	if cleaned := splitList(os.Getenv(key)); len(cleaned) > 0 {
		*dst = cleaned
	}
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return cleaned
}
