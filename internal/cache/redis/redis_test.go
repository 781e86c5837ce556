package redis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/depthfeed/internal/domain"
	"github.com/alanyoungcy/depthfeed/internal/metrics"
)

var nifty = domain.InstrumentKey{Segment: domain.SegmentNSEFNO, SecurityID: 52175}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInstrumentCacheRefresh(t *testing.T) {
	db, mock := redismock.NewClientMock()
	m := metrics.New()
	ic := NewInstrumentCache(Wrap(db), m, discardLogger())
	ctx := context.Background()

	_, ok := ic.Lookup(nifty)
	assert.False(t, ok)

	mock.ExpectHGetAll(InstrumentsKey).SetVal(map[string]string{
		"NSE_FNO:52175": `{"symbol":"NIFTY-FUT","exchange":"NSE","tick_size":0.05,"lot_size":75}`,
		"NSE_EQ:1333":   `not json`,
		"bogus":         `{}`,
	})
	n, err := ic.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, ic.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InstrumentsLoaded))

	info, ok := ic.Lookup(nifty)
	require.True(t, ok)
	assert.Equal(t, "NIFTY-FUT", info.Symbol)
	assert.Equal(t, 75, info.LotSize)
	assert.Equal(t, nifty, info.Key(), "identity comes from the hash field")

	mock.ExpectHGetAll(InstrumentsKey).SetErr(errors.New("connection refused"))
	_, err = ic.Refresh(ctx)
	assert.ErrorContains(t, err, "connection refused")
	_, ok = ic.Lookup(nifty)
	assert.True(t, ok, "failed refresh keeps the previous snapshot")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstrumentCachePut(t *testing.T) {
	db, mock := redismock.NewClientMock()
	ic := NewInstrumentCache(Wrap(db), nil, discardLogger())

	info := domain.InstrumentInfo{SecurityID: nifty.SecurityID, Segment: nifty.Segment, Symbol: "NIFTY-FUT"}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	mock.ExpectHSet(InstrumentsKey, "NSE_FNO:52175", string(data)).SetVal(1)

	require.NoError(t, ic.Put(context.Background(), info))
	require.NoError(t, ic.Put(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalBusPublish(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bus := NewSignalBus(Wrap(db))
	payload := []byte(`{"state":"bullish"}`)

	mock.ExpectPublish("depth:NSE_FNO", payload).SetVal(1)
	require.NoError(t, bus.Publish(context.Background(), "depth:NSE_FNO", payload))

	mock.ExpectPublish("depth:NSE_FNO", payload).SetErr(errors.New("broken pipe"))
	err := bus.Publish(context.Background(), "depth:NSE_FNO", payload)
	assert.ErrorContains(t, err, "redis: publish depth:NSE_FNO")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalBusStreamAppend(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bus := NewSignalBusWithMaxLen(Wrap(db), 100)
	payload := []byte(`{"price":100}`)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "depth:absorptions",
		MaxLen: 100,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).SetVal("1-0")
	require.NoError(t, bus.StreamAppend(context.Background(), "depth:absorptions", payload))

	untrimmed := NewSignalBusWithMaxLen(Wrap(db), 0)
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "depth:absorptions",
		Values: map[string]any{payloadField: payload},
	}).SetVal("2-0")
	require.NoError(t, untrimmed.StreamAppend(context.Background(), "depth:absorptions", payload))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalBusStreamRead(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bus := NewSignalBus(Wrap(db))
	args := &redis.XReadArgs{Streams: []string{"depth:absorptions", "0"}, Count: 10, Block: -1}

	mock.ExpectXRead(args).SetVal([]redis.XStream{{
		Stream: "depth:absorptions",
		Messages: []redis.XMessage{
			{ID: "1-0", Values: map[string]any{payloadField: "a"}},
			{ID: "2-0", Values: map[string]any{"other": "x"}},
			{ID: "3-0", Values: map[string]any{payloadField: "c"}},
		},
	}})
	msgs, err := bus.StreamRead(context.Background(), "depth:absorptions", "0", 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.StreamMessage{{ID: "1-0", Payload: []byte("a")}, {ID: "3-0", Payload: []byte("c")}}, msgs)

	mock.ExpectXRead(args).RedisNil()
	msgs, err = bus.StreamRead(context.Background(), "depth:absorptions", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("depth:*"))
	assert.False(t, hasPattern("depth:NSE_FNO"))
}

func TestLockManager(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lm := NewLockManager(Wrap(db))
	lm.newToken = func() string { return "tok-1" }
	ctx := context.Background()

	mock.ExpectSetNX("lock:archive:ticks", "tok-1", time.Minute).SetVal(true)
	mock.ExpectEvalSha(redis.NewScript(unlockLua).Hash(), []string{"lock:archive:ticks"}, "tok-1").SetVal(int64(1))

	release, err := lm.Acquire(ctx, "archive:ticks", time.Minute)
	require.NoError(t, err)
	release()
	release()

	mock.ExpectSetNX("lock:archive:ticks", "tok-1", time.Minute).SetVal(false)
	_, err = lm.Acquire(ctx, "archive:ticks", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	require.NoError(t, mock.ExpectationsWereMet())
}
