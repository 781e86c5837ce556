// Package config defines the top-level configuration for depthfeed and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

// Run modes.
const (
	ModeIngest  = "ingest"  // tick and depth sessions together
	ModeTicks   = "ticks"   // tick session only
	ModeDepth   = "depth"   // depth session only
	ModeArchive = "archive" // archive loop only, no feed connections
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DEPTHFEED_* environment variables.
type Config struct {
	Feed      FeedConfig      `toml:"feed"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Batch     BatchConfig     `toml:"batch"`
	Signal    SignalConfig    `toml:"signal"`
	Publisher PublisherConfig `toml:"publisher"`
	Enrich    EnrichConfig    `toml:"enrich"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Log       LogConfig       `toml:"log"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// FeedConfig holds credentials and reconnect policy shared by both sessions.
type FeedConfig struct {
	ClientID          string   `toml:"client_id"`
	AccessToken       string   `toml:"access_token"`
	ByteOrder         string   `toml:"byte_order"`
	BaseBackoff       duration `toml:"base_backoff"`
	MaxBackoff        duration `toml:"max_backoff"`
	MaxAttempts       int      `toml:"max_attempts"`
	PingPeriod        duration `toml:"ping_period"`
	PongWait          duration `toml:"pong_wait"`
	MaxDecodeFailures int      `toml:"max_decode_failures"`
	MaxAuthFailures   int      `toml:"max_auth_failures"`
	SubscribeRate     float64  `toml:"subscribe_rate"`
	SubscribeBurst    int      `toml:"subscribe_burst"`

	Ticks SessionConfig `toml:"ticks"`
	Depth SessionConfig `toml:"depth"`
}

// SessionConfig describes one feed connection.
type SessionConfig struct {
	URL     string `toml:"url"`
	Version string `toml:"version"`
	// Packet selects the tick subscription: "ticker", "quote" or "full".
	// Ignored for the depth session.
	Packet      string   `toml:"packet"`
	Instruments []string `toml:"instruments"`
}

// Keys parses Instruments ("NSE_FNO:52175").
func (s SessionConfig) Keys() ([]domain.InstrumentKey, error) {
	keys := make([]domain.InstrumentKey, 0, len(s.Instruments))
	for _, raw := range s.Instruments {
		k, err := domain.ParseInstrumentKey(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// PostgresConfig holds PostgreSQL / TimescaleDB connection parameters.
type PostgresConfig struct {
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	PreferIPv4     bool     `toml:"prefer_ipv4"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	DialTimeout duration `toml:"dial_timeout"`
	TLSEnabled  bool     `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// BatchConfig is the flush policy of both batch writers.
type BatchConfig struct {
	Size          int      `toml:"size"`
	FlushInterval duration `toml:"flush_interval"`
	QueueSize     int      `toml:"queue_size"`
	FlushTimeout  duration `toml:"flush_timeout"`
	DrainTimeout  duration `toml:"drain_timeout"`
}

// SignalConfig holds the order-flow thresholds. They are empirical and
// tuned per market.
type SignalConfig struct {
	Persist bool `toml:"persist"`

	SignificanceMultiplier float64  `toml:"significance_multiplier"`
	MeanWindow             float64  `toml:"mean_window"`
	PriceStep              float64  `toml:"price_step"`
	MinDwell               duration `toml:"min_dwell"`
	HistorySize            int      `toml:"history_size"`
	TouchTolerance         float64  `toml:"touch_tolerance"`

	MaxDistance    float64  `toml:"max_distance"`
	MaxInactive    duration `toml:"max_inactive"`
	MaxUntestedAge duration `toml:"max_untested_age"`
	MinOrders      int64    `toml:"min_orders"`

	OlderWindowStart   duration `toml:"older_window_start"`
	OlderWindowEnd     duration `toml:"older_window_end"`
	RecentWindow       duration `toml:"recent_window"`
	MinReductionPct    float64  `toml:"min_reduction_pct"`
	MinConsistency     float64  `toml:"min_consistency"`
	ConsistencySamples int      `toml:"consistency_samples"`
	AbsorptionDistance float64  `toml:"absorption_distance"`
	AbsorptionTTL      duration `toml:"absorption_ttl"`

	PressureWindows []duration `toml:"pressure_windows"`
	PressureLevels  int        `toml:"pressure_levels"`
	StateThreshold  float64    `toml:"state_threshold"`
	TopLevels       int        `toml:"top_levels"`
}

// Windows returns PressureWindows as plain durations.
func (s SignalConfig) Windows() []time.Duration {
	out := make([]time.Duration, len(s.PressureWindows))
	for i, w := range s.PressureWindows {
		out[i] = w.Duration
	}
	return out
}

// PublisherConfig controls the Redis fan-out of signal states.
type PublisherConfig struct {
	Enabled          bool     `toml:"enabled"`
	QueueSize        int      `toml:"queue_size"`
	ChannelPrefix    string   `toml:"channel_prefix"`
	AbsorptionStream string   `toml:"absorption_stream"`
	StreamMaxLen     int64    `toml:"stream_max_len"`
	PublishTimeout   duration `toml:"publish_timeout"`
	BreakerFailures  int      `toml:"breaker_failures"`
	BreakerCooldown  duration `toml:"breaker_cooldown"`
}

// EnrichConfig controls reference-data lookups and the trade classifier.
type EnrichConfig struct {
	InstrumentRefresh duration `toml:"instrument_refresh"`
	Epsilon           float64  `toml:"epsilon"`
}

// ArchiveConfig controls moving old ticks to object storage.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Cron      string   `toml:"cron"`
	Retention duration `toml:"retention"`
	Prefix    string   `toml:"prefix"`
	LockTTL   duration `toml:"lock_ttl"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled       bool     `toml:"enabled"`
	Port          int      `toml:"port"`
	CORSOrigins   []string `toml:"cors_origins"`
	APIKey        string   `toml:"api_key"`
	RateLimit     float64  `toml:"rate_limit"`
	RateBurst     int      `toml:"rate_burst"`
	ShutdownGrace duration `toml:"shutdown_grace"`
}

// LogConfig enables an optional rotated log file next to stdout.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			ByteOrder:         "little",
			BaseBackoff:       duration{5 * time.Second},
			MaxBackoff:        duration{300 * time.Second},
			MaxAttempts:       0,
			PingPeriod:        duration{30 * time.Second},
			PongWait:          duration{60 * time.Second},
			MaxDecodeFailures: 50,
			MaxAuthFailures:   3,
			SubscribeRate:     10,
			SubscribeBurst:    5,
			Ticks: SessionConfig{
				URL:     "wss://api-feed.dhan.co",
				Version: "2",
				Packet:  "full",
			},
			Depth: SessionConfig{
				URL: "wss://full-depth-api.dhan.co/twohundreddepth",
			},
		},
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "marketdata",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   2,
			ConnectTimeout: duration{10 * time.Second},
			RunMigrations:  true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			DialTimeout: duration{5 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "depthfeed-archive",
			ForcePathStyle: true,
		},
		Batch: BatchConfig{
			Size:          500,
			FlushInterval: duration{time.Second},
			QueueSize:     2000,
			FlushTimeout:  duration{10 * time.Second},
			DrainTimeout:  duration{5 * time.Second},
		},
		Signal: SignalConfig{
			Persist:                true,
			SignificanceMultiplier: 2.5,
			MeanWindow:             100,
			PriceStep:              0.05,
			MinDwell:               duration{10 * time.Second},
			HistorySize:            60,
			TouchTolerance:         5,
			MaxDistance:            250,
			MaxInactive:            duration{60 * time.Second},
			MaxUntestedAge:         duration{30 * time.Minute},
			MinOrders:              3,
			OlderWindowStart:       duration{60 * time.Second},
			OlderWindowEnd:         duration{30 * time.Second},
			RecentWindow:           duration{3 * time.Second},
			MinReductionPct:        60,
			MinConsistency:         0.7,
			ConsistencySamples:     10,
			AbsorptionDistance:     10,
			AbsorptionTTL:          duration{30 * time.Second},
			PressureWindows:        []duration{{30 * time.Second}, {60 * time.Second}, {120 * time.Second}},
			PressureLevels:         20,
			StateThreshold:         0.3,
			TopLevels:              5,
		},
		Publisher: PublisherConfig{
			Enabled:          true,
			QueueSize:        1024,
			ChannelPrefix:    "depth:",
			AbsorptionStream: "depth:absorptions",
			StreamMaxLen:     10000,
			PublishTimeout:   duration{2 * time.Second},
			BreakerFailures:  5,
			BreakerCooldown:  duration{30 * time.Second},
		},
		Enrich: EnrichConfig{
			InstrumentRefresh: duration{15 * time.Minute},
			Epsilon:           1e-9,
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Cron:      "30 20 * * *",
			Retention: duration{7 * 24 * time.Hour},
			Prefix:    "ticks",
			LockTTL:   duration{time.Hour},
		},
		Server: ServerConfig{
			Enabled:       true,
			Port:          8080,
			CORSOrigins:   []string{"http://localhost:3000"},
			RateLimit:     20,
			RateBurst:     40,
			ShutdownGrace: duration{10 * time.Second},
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Mode:     ModeIngest,
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	ModeIngest:  true,
	ModeTicks:   true,
	ModeDepth:   true,
	ModeArchive: true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validTickPackets = map[string]bool{"ticker": true, "quote": true, "full": true}

// RunsTicks reports whether the mode opens the tick session.
func (c *Config) RunsTicks() bool { return c.Mode == ModeIngest || c.Mode == ModeTicks }

// RunsDepth reports whether the mode opens the depth session.
func (c *Config) RunsDepth() bool { return c.Mode == ModeIngest || c.Mode == ModeDepth }

// RunsArchive reports whether the archive loop runs in this mode.
func (c *Config) RunsArchive() bool { return c.Mode == ModeArchive || c.Archive.Enabled }

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	c.Mode = strings.ToLower(c.Mode)
	if !validModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: ingest, ticks, depth, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Feed
	if c.RunsTicks() || c.RunsDepth() {
		if c.Feed.ClientID == "" {
			errs = append(errs, "feed: client_id must be set for mode "+c.Mode)
		}
		if c.Feed.AccessToken == "" {
			errs = append(errs, "feed: access_token must be set for mode "+c.Mode)
		}
		if bo := strings.ToLower(c.Feed.ByteOrder); bo != "little" && bo != "big" {
			errs = append(errs, fmt.Sprintf("feed: byte_order must be little or big, got %q", c.Feed.ByteOrder))
		}
		if c.Feed.BaseBackoff.Duration <= 0 || c.Feed.MaxBackoff.Duration < c.Feed.BaseBackoff.Duration {
			errs = append(errs, "feed: need 0 < base_backoff <= max_backoff")
		}
		if c.Feed.MaxAttempts < 0 {
			errs = append(errs, "feed: max_attempts must be >= 0 (0 retries forever)")
		}
		if c.Feed.PingPeriod.Duration <= 0 || c.Feed.PingPeriod.Duration >= c.Feed.PongWait.Duration {
			errs = append(errs, "feed: ping_period must be positive and shorter than pong_wait")
		}
	}
	if c.RunsTicks() {
		errs = append(errs, validateSession("feed.ticks", c.Feed.Ticks)...)
		if !validTickPackets[strings.ToLower(c.Feed.Ticks.Packet)] {
			errs = append(errs, fmt.Sprintf("feed.ticks: packet must be ticker, quote or full, got %q", c.Feed.Ticks.Packet))
		}
	}
	if c.RunsDepth() {
		errs = append(errs, validateSession("feed.depth", c.Feed.Depth)...)
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be within [0, pool_max_conns]")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Batch
	if c.Batch.Size < 1 {
		errs = append(errs, "batch: size must be >= 1")
	}
	if c.Batch.QueueSize < c.Batch.Size {
		errs = append(errs, "batch: queue_size must be >= size")
	}
	if c.Batch.FlushInterval.Duration <= 0 {
		errs = append(errs, "batch: flush_interval must be > 0")
	}

	// Signal
	if c.RunsDepth() {
		s := c.Signal
		if s.SignificanceMultiplier <= 1 {
			errs = append(errs, "signal: significance_multiplier must be > 1")
		}
		if s.PriceStep <= 0 {
			errs = append(errs, "signal: price_step must be > 0")
		}
		if s.OlderWindowEnd.Duration >= s.OlderWindowStart.Duration {
			errs = append(errs, "signal: older_window_end must be shorter than older_window_start")
		}
		if s.MinConsistency < 0 || s.MinConsistency > 1 {
			errs = append(errs, "signal: min_consistency must be within [0, 1]")
		}
		if s.StateThreshold <= 0 || s.StateThreshold >= 1 {
			errs = append(errs, "signal: state_threshold must be within (0, 1)")
		}
		if len(s.PressureWindows) == 0 {
			errs = append(errs, "signal: pressure_windows must not be empty")
		}
	}

	// Publisher
	if c.Publisher.Enabled && c.Publisher.QueueSize < 1 {
		errs = append(errs, "publisher: queue_size must be >= 1")
	}

	// Archive + S3
	if c.RunsArchive() {
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron must have 5 fields, got %q", c.Archive.Cron))
		}
		if c.Archive.Retention.Duration < 24*time.Hour {
			errs = append(errs, "archive: retention must be at least 24h")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archiving")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0 (0 disables)")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateSession(name string, s SessionConfig) []string {
	var errs []string
	if !strings.HasPrefix(s.URL, "ws://") && !strings.HasPrefix(s.URL, "wss://") {
		errs = append(errs, fmt.Sprintf("%s: url must be ws:// or wss://, got %q", name, s.URL))
	}
	if len(s.Instruments) == 0 {
		errs = append(errs, name+": instruments must not be empty")
	}
	if _, err := s.Keys(); err != nil {
		errs = append(errs, fmt.Sprintf("%s: %v", name, err))
	}
	return errs
}
