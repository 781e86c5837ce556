package domain

import (
	"context"
	"time"
)

// TickStore persists enriched tick records. Inserts skip rows whose
// (time, instrument) key already exists.
type TickStore interface {
	InsertBatch(ctx context.Context, records []EnrichedRecord) (int64, error)
	InsertOne(ctx context.Context, record EnrichedRecord) (bool, error)
}

// SignalStore persists condensed depth signal states with the same
// skip-on-conflict policy as TickStore.
type SignalStore interface {
	InsertBatch(ctx context.Context, states []SignalState) (int64, error)
	InsertOne(ctx context.Context, state SignalState) (bool, error)
}

// TickArchiveStore exposes the range queries used to move old ticks to cold storage.
type TickArchiveStore interface {
	OldestBefore(ctx context.Context, before time.Time) (time.Time, error)
	ListRange(ctx context.Context, from, to time.Time, limit int) ([]EnrichedRecord, error)
	DeleteRange(ctx context.Context, from, to time.Time) (int64, error)
}
