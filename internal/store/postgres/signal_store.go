package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

var signalColumns = []string{
	"time", "exchange_segment", "security_id", "price",
	"best_bid", "best_ask", "spread",
	"bid_qty", "ask_qty", "bid_orders", "ask_orders", "book_imbalance",
	"state", "pressure", "levels", "absorptions",
}

// SignalStore implements domain.SignalStore. Levels, absorptions and
// pressure readings are stored as JSONB.
type SignalStore struct {
	db dbtx
}

// NewSignalStore creates a SignalStore on db.
func NewSignalStore(db dbtx) *SignalStore {
	return &SignalStore{db: db}
}

// InsertBatch writes states with multi-row INSERTs, skipping existing keys.
// On error nothing is committed.
func (s *SignalStore) InsertBatch(ctx context.Context, states []domain.SignalState) (int64, error) {
	all := make([][]any, len(states))
	for i, st := range states {
		args, err := signalArgs(st)
		if err != nil {
			return 0, err
		}
		all[i] = args
	}

	n, err := insertChunks(ctx, s.db, "depth_signals", signalColumns, len(all), func(i int) []any { return all[i] })
	if err != nil {
		return 0, fmt.Errorf("postgres: insert %d signals: %w: %w", len(all), domain.ErrPersistence, err)
	}
	return n, nil
}

// InsertOne writes one state and reports whether it was new.
func (s *SignalStore) InsertOne(ctx context.Context, st domain.SignalState) (bool, error) {
	vals, err := signalArgs(st)
	if err != nil {
		return false, err
	}
	query, args := buildInsert("depth_signals", signalColumns, 1, func(int) []any { return vals })
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("postgres: insert signal %s: %w: %w", st.RecordKey(), domain.ErrPersistence, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Latest returns the most recent stored state for key.
func (s *SignalStore) Latest(ctx context.Context, key domain.InstrumentKey) (domain.SignalState, error) {
	const q = `SELECT time, price, best_bid, best_ask, spread, book_imbalance, state, pressure, levels, absorptions
		FROM depth_signals WHERE exchange_segment = $1 AND security_id = $2
		ORDER BY time DESC LIMIT 1`
	st := domain.SignalState{Segment: key.Segment, SecurityID: key.SecurityID}
	var (
		state                        string
		pressure, levels, absorption []byte
	)
	err := s.db.QueryRow(ctx, q, int16(key.Segment), int64(key.SecurityID)).Scan(
		&st.Time, &st.Price, &st.Snapshot.BestBid, &st.Snapshot.BestAsk, &st.Snapshot.Spread,
		&st.Snapshot.Imbalance, &state, &pressure, &levels, &absorption,
	)
	if isNotFound(err) {
		return st, domain.ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("postgres: latest signal %s: %w", key, err)
	}
	st.State = domain.FlowState(state)
	st.Time = st.Time.UTC()
	st.Snapshot.Time, st.Snapshot.Segment, st.Snapshot.SecurityID = st.Time, key.Segment, key.SecurityID
	if err := json.Unmarshal(pressure, &st.Pressure); err != nil {
		return st, fmt.Errorf("postgres: decode pressure: %w", err)
	}
	if err := json.Unmarshal(levels, &st.Levels); err != nil {
		return st, fmt.Errorf("postgres: decode levels: %w", err)
	}
	if err := json.Unmarshal(absorption, &st.Absorptions); err != nil {
		return st, fmt.Errorf("postgres: decode absorptions: %w", err)
	}
	return st, nil
}

func signalArgs(st domain.SignalState) ([]any, error) {
	pressure, err := jsonArray(st.Pressure)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode pressure: %w", err)
	}
	levels, err := jsonArray(st.Levels)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode levels: %w", err)
	}
	absorptions, err := jsonArray(st.Absorptions)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode absorptions: %w", err)
	}
	snap := st.Snapshot
	return []any{
		st.Time, int16(st.Segment), int64(st.SecurityID), st.Price,
		snap.BestBid, snap.BestAsk, snap.Spread,
		snap.Bid.TotalQuantity, snap.Ask.TotalQuantity, snap.Bid.TotalOrders, snap.Ask.TotalOrders, snap.Imbalance,
		string(st.State), pressure, levels, absorptions,
	}, nil
}

// jsonArray encodes v, mapping a nil slice to [] rather than null.
func jsonArray[T any](v []T) (string, error) {
	if v == nil {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}
