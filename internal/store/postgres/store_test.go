package postgres

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	execs   []execCall
	tags    []string
	execErr error
	failAt  int // 1-based Exec call that fails; 0 never
	row     fakeRow

	begun      int
	committed  bool
	rolledBack bool
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	f.begun++
	return &fakeTx{db: f}, nil
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	if f.failAt > 0 && len(f.execs) == f.failAt {
		return pgconn.CommandTag{}, errors.New("connection reset by peer")
	}
	tag := "INSERT 0 0"
	if len(f.tags) > 0 {
		tag, f.tags = f.tags[0], f.tags[1:]
	}
	return pgconn.NewCommandTag(tag), nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return f.row
}

// fakeTx records into its fakeDB. Methods the stores never call are left
// to the embedded nil interface.
type fakeTx struct {
	pgx.Tx
	db   *fakeDB
	done bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *fakeTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done, t.db.committed = true, true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done, t.db.rolledBack = true, true
	return nil
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.vals[i]))
	}
	return nil
}

var (
	nifty = domain.InstrumentKey{Segment: domain.SegmentNSEFNO, SecurityID: 52175}
	t0    = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
)

func tickRecord(sec int) domain.EnrichedRecord {
	mid := 100.25
	return domain.EnrichedRecord{
		Time:       t0.Add(time.Duration(sec) * time.Second),
		Segment:    nifty.Segment,
		SecurityID: nifty.SecurityID,
		Instrument: &domain.InstrumentInfo{Symbol: "NIFTY-FUT"},
		LTP:        100.5,
		Mid:        &mid,
		Aggressor:  domain.AggressorSell,
	}
}

func TestBuildInsert(t *testing.T) {
	q, args := buildInsert("t", []string{"a", "b"}, 2, func(i int) []any { return []any{i, i * 10} })
	assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2), ($3, $4) ON CONFLICT (time, exchange_segment, security_id) DO NOTHING", q)
	assert.Equal(t, []any{0, 0, 1, 10}, args)
}

func TestTickStoreInsertBatch(t *testing.T) {
	db := &fakeDB{tags: []string{"INSERT 0 2"}}
	s := NewTickStore(db)

	n, err := s.InsertBatch(context.Background(), []domain.EnrichedRecord{tickRecord(0), tickRecord(1), tickRecord(1)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.Len(t, db.execs, 1)
	call := db.execs[0]
	assert.True(t, strings.HasPrefix(call.sql, "INSERT INTO ticks (time, exchange_segment, security_id, symbol,"))
	assert.Contains(t, call.sql, "$90)")
	assert.NotContains(t, call.sql, "$91")
	assert.True(t, strings.HasSuffix(call.sql, "DO NOTHING"))
	require.Len(t, call.args, 3*len(tickColumns))

	first := call.args[:len(tickColumns)]
	assert.Equal(t, t0, first[0])
	assert.Equal(t, int16(domain.SegmentNSEFNO), first[1])
	assert.Equal(t, int64(52175), first[2])
	require.IsType(t, (*string)(nil), first[3])
	assert.Equal(t, "NIFTY-FUT", *first[3].(*string))
	assert.Equal(t, int16(-1), first[18])
	assert.Nil(t, first[14], "spread stays NULL")
	assert.Equal(t, t0, first[len(first)-1], "received_at defaults to tick time")
}

func TestTickStoreInsertBatchChunks(t *testing.T) {
	db := &fakeDB{}
	s := NewTickStore(db)
	per := maxParams / len(tickColumns)
	recs := make([]domain.EnrichedRecord, per+1)
	for i := range recs {
		recs[i] = tickRecord(i)
	}
	db.tags = []string{"INSERT 0 " + strconv.Itoa(per), "INSERT 0 1"}
	n, err := s.InsertBatch(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, int64(per+1), n)
	require.Len(t, db.execs, 2)
	assert.Len(t, db.execs[1].args, len(tickColumns))
	assert.Equal(t, 1, db.begun)
	assert.True(t, db.committed)
	assert.False(t, db.rolledBack)
}

func TestTickStoreInsertBatchRollsBackEarlierChunks(t *testing.T) {
	per := maxParams / len(tickColumns)
	db := &fakeDB{failAt: 2, tags: []string{"INSERT 0 " + strconv.Itoa(per)}}
	s := NewTickStore(db)
	recs := make([]domain.EnrichedRecord, per+1)
	for i := range recs {
		recs[i] = tickRecord(i)
	}

	n, err := s.InsertBatch(context.Background(), recs)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.Zero(t, n, "the first chunk was rolled back with the second")
	assert.True(t, db.rolledBack)
	assert.False(t, db.committed)
}

func TestTickStoreSingleChunkSkipsTransaction(t *testing.T) {
	db := &fakeDB{tags: []string{"INSERT 0 1"}}
	_, err := NewTickStore(db).InsertBatch(context.Background(), []domain.EnrichedRecord{tickRecord(0)})
	require.NoError(t, err)
	assert.Zero(t, db.begun)
}

func TestTickStoreErrors(t *testing.T) {
	db := &fakeDB{execErr: errors.New("numeric field overflow")}
	s := NewTickStore(db)

	_, err := s.InsertBatch(context.Background(), []domain.EnrichedRecord{tickRecord(0)})
	assert.ErrorIs(t, err, domain.ErrPersistence)

	_, err = s.InsertOne(context.Background(), tickRecord(0))
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.ErrorContains(t, err, "NSE_FNO:52175")
}

func TestTickStoreInsertOne(t *testing.T) {
	db := &fakeDB{tags: []string{"INSERT 0 1", "INSERT 0 0"}}
	s := NewTickStore(db)

	ok, err := s.InsertOne(context.Background(), tickRecord(0))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertOne(context.Background(), tickRecord(0))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTickStoreOldestBefore(t *testing.T) {
	ts := t0
	db := &fakeDB{row: fakeRow{vals: []any{&ts}}}
	got, err := NewTickStore(db).OldestBefore(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, t0, got)

	db.row = fakeRow{vals: []any{(*time.Time)(nil)}}
	_, err = NewTickStore(db).OldestBefore(context.Background(), t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTickStoreDeleteRange(t *testing.T) {
	db := &fakeDB{tags: []string{"DELETE 7"}}
	n, err := NewTickStore(db).DeleteRange(context.Background(), t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, []any{t0, t0.Add(24 * time.Hour)}, db.execs[0].args)
}

func signalState() domain.SignalState {
	return domain.SignalState{
		Time:       t0,
		Segment:    nifty.Segment,
		SecurityID: nifty.SecurityID,
		Price:      101,
		Snapshot: domain.DepthSnapshot{
			BestBid: 100.95, BestAsk: 101.05, Spread: 0.1,
			Bid: domain.SideStats{TotalQuantity: 1000, TotalOrders: 40},
			Ask: domain.SideStats{TotalQuantity: 800, TotalOrders: 30},
		},
		Levels:   []domain.LevelView{{Price: 100, Side: domain.LevelSupport, Status: domain.LevelActive, Orders: 50}},
		Pressure: []domain.PressureReading{{WindowSec: 60, BidOrders: 10, AskOrders: 5, Imbalance: 1.0 / 3}},
		State:    domain.FlowBullish,
	}
}

func TestSignalStoreInsert(t *testing.T) {
	db := &fakeDB{tags: []string{"INSERT 0 1"}}
	n, err := NewSignalStore(db).InsertBatch(context.Background(), []domain.SignalState{signalState()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	args := db.execs[0].args
	require.Len(t, args, len(signalColumns))
	assert.Equal(t, int64(1000), args[7])
	assert.Equal(t, int64(30), args[10])
	assert.Equal(t, "bullish", args[12])
	assert.JSONEq(t, `[{"window_s":60,"bid_orders":10,"ask_orders":5,"imbalance":0.3333333333333333}]`, args[13].(string))
	assert.Contains(t, args[14].(string), `"side":"support"`)
	assert.Equal(t, "[]", args[15], "nil absorptions encode as an empty array")
}

func TestSignalStoreLatest(t *testing.T) {
	db := &fakeDB{row: fakeRow{vals: []any{
		t0, 101.0, 100.95, 101.05, 0.1, 0.2, "bearish",
		[]byte(`[{"window_s":60,"imbalance":-0.5}]`),
		[]byte(`[{"price":100,"side":"support"}]`),
		[]byte(`[]`),
	}}}
	st, err := NewSignalStore(db).Latest(context.Background(), nifty)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowBearish, st.State)
	assert.Equal(t, nifty, st.Key())
	require.Len(t, st.Pressure, 1)
	assert.Equal(t, -0.5, st.Pressure[0].Imbalance)
	require.Len(t, st.Levels, 1)
	assert.Equal(t, domain.LevelSupport, st.Levels[0].Side)
	assert.Empty(t, st.Absorptions)

	db.row = fakeRow{err: pgx.ErrNoRows}
	_, err = NewSignalStore(db).Latest(context.Background(), nifty)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_ticks.sql", "002_depth_signals.sql"}, names)
}
