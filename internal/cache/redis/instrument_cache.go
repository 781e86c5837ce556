package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/depthfeed/internal/domain"
	"github.com/alanyoungcy/depthfeed/internal/metrics"
)

// InstrumentsKey is the hash holding the instrument master. Fields are
// "<segment>:<security_id>", values JSON-encoded domain.InstrumentInfo.
const InstrumentsKey = "instruments"

// InstrumentCache serves lookups from an in-memory snapshot of the
// instrument master. Lookup never touches Redis; Refresh swaps the whole
// snapshot atomically.
type InstrumentCache struct {
	rdb      *redis.Client
	key      string
	snapshot atomic.Pointer[map[domain.InstrumentKey]domain.InstrumentInfo]
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewInstrumentCache creates an empty cache reading from InstrumentsKey.
func NewInstrumentCache(c *Client, m *metrics.Metrics, logger *slog.Logger) *InstrumentCache {
	ic := &InstrumentCache{
		rdb:     c.Underlying(),
		key:     InstrumentsKey,
		metrics: m,
		logger:  logger.With(slog.String("component", "instrument_cache")),
	}
	empty := map[domain.InstrumentKey]domain.InstrumentInfo{}
	ic.snapshot.Store(&empty)
	return ic
}

// LoadInstruments reads every entry of the hash. Malformed entries are
// logged and skipped.
func (ic *InstrumentCache) LoadInstruments(ctx context.Context) ([]domain.InstrumentInfo, error) {
	raw, err := ic.rdb.HGetAll(ctx, ic.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load instruments: %w", err)
	}

	out := make([]domain.InstrumentInfo, 0, len(raw))
	for field, value := range raw {
		key, err := domain.ParseInstrumentKey(field)
		if err != nil {
			ic.logger.Warn("skipping instrument with bad field", slog.String("field", field), slog.String("error", err.Error()))
			continue
		}
		var info domain.InstrumentInfo
		if err := json.Unmarshal([]byte(value), &info); err != nil {
			ic.logger.Warn("skipping undecodable instrument", slog.String("field", field), slog.String("error", err.Error()))
			continue
		}
		// the field is authoritative for identity
		info.Segment, info.SecurityID = key.Segment, key.SecurityID
		out = append(out, info)
	}
	return out, nil
}

// Refresh reloads the hash and replaces the snapshot. On error the
// previous snapshot stays in place.
func (ic *InstrumentCache) Refresh(ctx context.Context) (int, error) {
	infos, err := ic.LoadInstruments(ctx)
	if err != nil {
		return 0, err
	}
	next := make(map[domain.InstrumentKey]domain.InstrumentInfo, len(infos))
	for _, info := range infos {
		next[info.Key()] = info
	}
	ic.snapshot.Store(&next)
	if ic.metrics != nil {
		ic.metrics.InstrumentsLoaded.Set(float64(len(next)))
	}
	return len(next), nil
}

// Run refreshes every interval until ctx is cancelled. Failed refreshes
// are logged and retried on the next tick.
func (ic *InstrumentCache) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := ic.Refresh(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				ic.logger.Error("instrument refresh failed", slog.String("error", err.Error()))
				continue
			}
			ic.logger.Debug("instruments refreshed", slog.Int("count", n))
		}
	}
}

// Lookup implements domain.InstrumentLookup.
func (ic *InstrumentCache) Lookup(key domain.InstrumentKey) (domain.InstrumentInfo, bool) {
	info, ok := (*ic.snapshot.Load())[key]
	return info, ok
}

// Len returns the number of instruments in the current snapshot.
func (ic *InstrumentCache) Len() int {
	return len(*ic.snapshot.Load())
}

// Put stores info in the hash. Used by tooling that seeds the master.
func (ic *InstrumentCache) Put(ctx context.Context, infos ...domain.InstrumentInfo) error {
	if len(infos) == 0 {
		return nil
	}
	values := make([]any, 0, 2*len(infos))
	for _, info := range infos {
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("redis: marshal instrument %s: %w", info.Key(), err)
		}
		values = append(values, info.Key().String(), string(data))
	}
	if err := ic.rdb.HSet(ctx, ic.key, values...).Err(); err != nil {
		return fmt.Errorf("redis: put instruments: %w", err)
	}
	return nil
}

var (
	_ domain.InstrumentLookup = (*InstrumentCache)(nil)
	_ domain.InstrumentSource = (*InstrumentCache)(nil)
)
