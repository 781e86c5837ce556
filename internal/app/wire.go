package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/depthfeed/internal/blob/s3"
	"github.com/alanyoungcy/depthfeed/internal/cache/redis"
	"github.com/alanyoungcy/depthfeed/internal/config"
	"github.com/alanyoungcy/depthfeed/internal/metrics"
	"github.com/alanyoungcy/depthfeed/internal/store/postgres"
)

// Dependencies bundles the external clients and stores every mode builds
// on. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	Metrics *metrics.Metrics

	// Stores
	Postgres    *postgres.Client
	TickStore   *postgres.TickStore
	SignalStore *postgres.SignalStore

	// Caches and bus
	Redis       *redis.Client
	SignalBus   *redis.SignalBus
	Instruments *redis.InstrumentCache
	Locks       *redis.LockManager

	// Blob storage, nil unless the archive runs
	S3       *s3blob.Client
	Archiver *s3blob.TickArchiver
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Metrics: metrics.New()}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:            cfg.Postgres.DSN,
		Host:           cfg.Postgres.Host,
		Port:           cfg.Postgres.Port,
		Database:       cfg.Postgres.Database,
		User:           cfg.Postgres.User,
		Password:       cfg.Postgres.Password,
		SSLMode:        cfg.Postgres.SSLMode,
		MaxConns:       cfg.Postgres.PoolMaxConns,
		MinConns:       cfg.Postgres.PoolMinConns,
		ConnectTimeout: cfg.Postgres.ConnectTimeout.Duration,
		PreferIPv4:     cfg.Postgres.PreferIPv4,
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
	deps.Postgres = pgClient
	deps.TickStore = postgres.NewTickStore(pgClient.Pool())
	deps.SignalStore = postgres.NewSignalStore(pgClient.Pool())

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		MaxRetries:  cfg.Redis.MaxRetries,
		DialTimeout: cfg.Redis.DialTimeout.Duration,
		TLSEnabled:  cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, cfg.Publisher.StreamMaxLen)
	deps.Instruments = redis.NewInstrumentCache(redisClient, deps.Metrics, logger)
	deps.Locks = redis.NewLockManager(redisClient)

	// --- S3 blob storage (only when the archive runs) ---
	if cfg.RunsArchive() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
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
		deps.S3 = s3Client
		deps.Archiver = s3blob.NewTickArchiver(
			deps.TickStore,
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			cfg.Archive.Prefix,
			logger,
		)
	}

	return deps, cleanup, nil
}
