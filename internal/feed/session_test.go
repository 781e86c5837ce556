package feed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/depthfeed/internal/domain"
	"github.com/alanyoungcy/depthfeed/internal/metrics"
	"github.com/alanyoungcy/depthfeed/internal/platform/dhan"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var nifty = domain.InstrumentKey{Segment: domain.SegmentNSEFNO, SecurityID: 52175}

type message struct {
	mt   int
	data []byte
}

// fakeConn replays scripted messages; once the script is exhausted it
// either fails the read (eof) or blocks until closed.
type fakeConn struct {
	msgs    chan message
	eof     bool
	pingErr error
	pings   atomic.Int32

	mu      sync.Mutex
	written []dhan.SubscriptionRequest
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn(eof bool, msgs ...message) *fakeConn {
	c := &fakeConn{msgs: make(chan message, len(msgs)), eof: eof, closed: make(chan struct{})}
	for _, m := range msgs {
		c.msgs <- m
	}
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.msgs:
		return m.mt, m.data, nil
	default:
	}
	if c.eof {
		return 0, nil, io.ErrUnexpectedEOF
	}
	<-c.closed
	return 0, nil, errors.New("use of closed connection")
}

func (c *fakeConn) WriteJSON(v any) error {
	req, ok := v.(dhan.SubscriptionRequest)
	if !ok {
		return errors.New("unexpected control message")
	}
	c.mu.Lock()
	c.written = append(c.written, req)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Ping() error {
	c.pings.Add(1)
	return c.pingErr
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) requests() []dhan.SubscriptionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dhan.SubscriptionRequest(nil), c.written...)
}

// fakeDialer hands out scripted connections, then the fallback error.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	fallback error
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		if d.fallback != nil {
			return nil, d.fallback
		}
		return newFakeConn(false), nil
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type collector struct {
	mu      sync.Mutex
	packets []domain.Packet
}

func (c *collector) HandlePacket(_ context.Context, p domain.Packet) {
	c.mu.Lock()
	c.packets = append(c.packets, p)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

func testConfig() Config {
	return Config{
		Name:              "ticks",
		SubscribeCode:     dhan.RequestSubscribeFull,
		UnsubscribeCode:   dhan.RequestUnsubscribeFull,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		PingPeriod:        time.Hour,
		MaxDecodeFailures: 3,
		MaxAuthFailures:   2,
		SubscribeRate:     rate.Inf,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func binaryFrame(t *testing.T, p domain.Packet) message {
	t.Helper()
	b, err := dhan.NewCodec(binary.LittleEndian, dhan.LayoutFeed).Encode(p)
	require.NoError(t, err)
	return message{mt: websocket.BinaryMessage, data: b}
}

func tickerAt(ltp float32) domain.TickerPacket {
	return domain.TickerPacket{
		PacketHeader: domain.PacketHeader{Kind: domain.KindTicker, Segment: nifty.Segment, SecurityID: nifty.SecurityID},
		LTP:          ltp,
		LTT:          1718000000,
	}
}

func disconnect(reason int16) domain.DisconnectPacket {
	return domain.DisconnectPacket{PacketHeader: domain.PacketHeader{Kind: domain.KindDisconnect}, Reason: reason}
}

func newTestSession(cfg Config, d *fakeDialer, h PacketHandler, m *metrics.Metrics) *Session {
	codec := dhan.NewCodec(binary.LittleEndian, dhan.LayoutFeed)
	return NewSession(cfg, d.Dial, codec, h, []domain.InstrumentKey{nifty}, m, discardLogger())
}

func runAsync(ctx context.Context, s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func TestSessionDispatchesAndResubscribesAfterReconnect(t *testing.T) {
	first := newFakeConn(true,
		message{mt: websocket.TextMessage, data: []byte(`{"ack":true}`)},
		binaryFrame(t, tickerAt(100)),
	)
	second := newFakeConn(false, binaryFrame(t, tickerAt(101)))
	d := &fakeDialer{conns: []*fakeConn{first, second}}
	h := &collector{}
	m := metrics.New()
	s := newTestSession(testConfig(), d, h, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	require.Eventually(t, func() bool { return h.len() == 2 }, 2*time.Second, time.Millisecond)
	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, s.State())

	for _, c := range []*fakeConn{first, second} {
		reqs := c.requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, dhan.RequestSubscribeFull, reqs[0].RequestCode)
		assert.Equal(t, "52175", reqs[0].InstrumentList[0].SecurityID)
	}

	stats := s.Stats()
	assert.EqualValues(t, 1, stats.Reconnects)
	assert.EqualValues(t, 2, stats.Packets)
	assert.EqualValues(t, 3, stats.Frames)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects.WithLabelValues("ticks")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Packets.WithLabelValues("ticks", "ticker")))
}

func TestSessionFailedHeartbeatReconnectsAndResubscribes(t *testing.T) {
	first := newFakeConn(false)
	first.pingErr = errors.New("write: broken pipe")
	second := newFakeConn(false)
	d := &fakeDialer{conns: []*fakeConn{first, second}}
	cfg := testConfig()
	cfg.PingPeriod = 5 * time.Millisecond
	s := newTestSession(cfg, d, &collector{}, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	require.Eventually(t, func() bool { return len(second.requests()) == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.EqualValues(t, 1, first.pings.Load())
	assert.EqualValues(t, 1, s.Stats().Reconnects)
	reqs := second.requests()
	assert.Equal(t, dhan.RequestSubscribeFull, reqs[0].RequestCode)
	assert.Equal(t, "52175", reqs[0].InstrumentList[0].SecurityID)
}

func TestSessionRunsWithoutMetrics(t *testing.T) {
	first := newFakeConn(true, binaryFrame(t, tickerAt(100)), message{mt: websocket.BinaryMessage, data: []byte{0xff, 0xff, 0xff}})
	d := &fakeDialer{conns: []*fakeConn{first}}
	h := &collector{}
	s := newTestSession(testConfig(), d, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)
	require.Eventually(t, func() bool { return d.count() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	stats := s.Stats()
	assert.EqualValues(t, 1, stats.Packets)
	assert.EqualValues(t, 1, stats.DecodeFailures)
	assert.GreaterOrEqual(t, stats.Reconnects, uint64(1))
}

func TestSessionFatalDisconnectCloses(t *testing.T) {
	d := &fakeDialer{conns: []*fakeConn{newFakeConn(false, binaryFrame(t, disconnect(dhan.ReasonAuthFailed)))}}
	s := newTestSession(testConfig(), d, &collector{}, metrics.New())

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthFailure)
	assert.Contains(t, err.Error(), "808")
	assert.Equal(t, 1, d.count())
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionRecoverableDisconnectReconnects(t *testing.T) {
	d := &fakeDialer{conns: []*fakeConn{newFakeConn(false, binaryFrame(t, disconnect(dhan.ReasonTooManyConnections)))}}
	s := newTestSession(testConfig(), d, &collector{}, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	require.Eventually(t, func() bool { return d.count() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSessionDecodeStormTriggersReconnect(t *testing.T) {
	garbage := message{mt: websocket.BinaryMessage, data: []byte{0xff, 0xff, 0xff}}
	d := &fakeDialer{conns: []*fakeConn{newFakeConn(false, garbage, garbage, garbage, garbage)}}
	m := metrics.New()
	s := newTestSession(testConfig(), d, &collector{}, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	require.Eventually(t, func() bool { return d.count() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	assert.EqualValues(t, 4, s.Stats().DecodeFailures)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.DecodeFailures.WithLabelValues("ticks")))
}

func TestSessionIsolatedDecodeFailuresKeepStreaming(t *testing.T) {
	garbage := message{mt: websocket.BinaryMessage, data: []byte{0x01}}
	d := &fakeDialer{conns: []*fakeConn{newFakeConn(false,
		garbage, binaryFrame(t, tickerAt(1)), garbage, binaryFrame(t, tickerAt(2)),
		garbage, garbage, binaryFrame(t, tickerAt(3)),
	)}}
	h := &collector{}
	s := newTestSession(testConfig(), d, h, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	require.Eventually(t, func() bool { return h.len() == 3 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 1, d.count())
}

func TestSessionReconnectAttemptsExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	d := &fakeDialer{fallback: domain.ErrTransport}
	s := newTestSession(cfg, d, &collector{}, metrics.New())

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrReconnectExhausted)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, 4, d.count())
}

func TestSessionRepeatedAuthFailuresAreFatal(t *testing.T) {
	d := &fakeDialer{fallback: domain.ErrAuthFailure}
	s := newTestSession(testConfig(), d, &collector{}, metrics.New())

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuthFailure)
	assert.NotErrorIs(t, err, domain.ErrReconnectExhausted)
	assert.Equal(t, 2, d.count())
}

func TestSessionBackoffCancelledOnShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.BaseBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	d := &fakeDialer{fallback: domain.ErrTransport}
	s := newTestSession(cfg, d, &collector{}, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)
	require.Eventually(t, func() bool { return s.State() == StateReconnecting }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSessionBackoffDoublesToCap(t *testing.T) {
	s := NewSession(Config{}, nil, nil, nil, nil, metrics.New(), discardLogger())

	want := []time.Duration{5, 10, 20, 40, 80, 160, 300, 300}
	for i, w := range want {
		assert.Equal(t, w*time.Second, s.backoff(i+1), "attempt %d", i+1)
	}
}

func TestSessionSubscribeWhileStreaming(t *testing.T) {
	conn := newFakeConn(false)
	d := &fakeDialer{conns: []*fakeConn{conn}}
	s := newTestSession(testConfig(), d, &collector{}, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, s)
	require.Eventually(t, func() bool { return s.State() == StateStreaming }, 2*time.Second, time.Millisecond)

	bank := domain.InstrumentKey{Segment: domain.SegmentNSEEquity, SecurityID: 1333}
	require.NoError(t, s.Subscribe(ctx, []domain.InstrumentKey{bank, nifty}))
	require.NoError(t, s.Unsubscribe(ctx, []domain.InstrumentKey{nifty}))

	reqs := conn.requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, dhan.RequestSubscribeFull, reqs[1].RequestCode)
	assert.Equal(t, 1, reqs[1].InstrumentCount)
	assert.Equal(t, "1333", reqs[1].InstrumentList[0].SecurityID)
	assert.Equal(t, dhan.RequestUnsubscribeFull, reqs[2].RequestCode)
	assert.Equal(t, []domain.InstrumentKey{bank}, s.Subscriptions())

	cancel()
	<-done
}

func TestSessionOverWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan dhan.SubscriptionRequest, 1)
	ticker := binaryFrame(t, tickerAt(22100.5))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var req dhan.SubscriptionRequest
		_, raw, err := ws.ReadMessage()
		if err != nil || json.Unmarshal(raw, &req) != nil {
			return
		}
		subscribed <- req
		ws.WriteMessage(websocket.BinaryMessage, ticker.data)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := func(token string) DialFunc {
		return func(ctx context.Context) (Conn, error) {
			u, err := dhan.BuildURL(wsURL, token, "1000", "2")
			if err != nil {
				return nil, err
			}
			c, err := dhan.Dial(ctx, u, time.Minute)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}

	t.Run("streams", func(t *testing.T) {
		h := &collector{}
		codec := dhan.NewCodec(binary.LittleEndian, dhan.LayoutFeed)
		s := NewSession(testConfig(), dialer("tok"), codec, h, []domain.InstrumentKey{nifty}, metrics.New(), discardLogger())

		ctx, cancel := context.WithCancel(context.Background())
		done := runAsync(ctx, s)

		req := <-subscribed
		assert.Equal(t, dhan.RequestSubscribeFull, req.RequestCode)
		require.Eventually(t, func() bool { return h.len() == 1 }, 2*time.Second, time.Millisecond)

		h.mu.Lock()
		got, ok := h.packets[0].(domain.TickerPacket)
		h.mu.Unlock()
		require.True(t, ok)
		assert.Equal(t, float32(22100.5), got.LTP)

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("rejected handshake is an auth failure", func(t *testing.T) {
		codec := dhan.NewCodec(binary.LittleEndian, dhan.LayoutFeed)
		s := NewSession(testConfig(), dialer("bad"), codec, &collector{}, nil, metrics.New(), discardLogger())

		err := s.Run(context.Background())
		assert.ErrorIs(t, err, domain.ErrAuthFailure)
	})
}

func TestSessionHeartbeatOverWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan dhan.SubscriptionRequest, 16)
	pongs := make(chan string, 16)
	release := make(chan struct{})
	var conns atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		n := conns.Add(1)

		var req dhan.SubscriptionRequest
		_, raw, err := ws.ReadMessage()
		if err != nil || json.Unmarshal(raw, &req) != nil {
			return
		}
		select {
		case subscribed <- req:
		default:
		}

		if n == 1 {
			// goes silent: no frames, no pongs
			<-release
			return
		}
		ws.SetPongHandler(func(data string) error {
			select {
			case pongs <- data:
			default:
			}
			return nil
		})
		if err := ws.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second)); err != nil {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	defer close(release)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dial := func(ctx context.Context) (Conn, error) {
		u, err := dhan.BuildURL(wsURL, "tok", "1000", "2")
		if err != nil {
			return nil, err
		}
		c, err := dhan.Dial(ctx, u, 200*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	codec := dhan.NewCodec(binary.LittleEndian, dhan.LayoutFeed)
	s := NewSession(testConfig(), dial, codec, &collector{}, []domain.InstrumentKey{nifty}, metrics.New(), discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	for i := 0; i < 2; i++ {
		select {
		case req := <-subscribed:
			assert.Equal(t, dhan.RequestSubscribeFull, req.RequestCode)
			assert.Equal(t, "52175", req.InstrumentList[0].SecurityID)
		case <-time.After(5 * time.Second):
			t.Fatalf("subscription %d not received", i+1)
		}
	}
	select {
	case data := <-pongs:
		assert.Equal(t, "hb", data)
	case <-time.After(5 * time.Second):
		t.Fatal("server ping was not answered")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.GreaterOrEqual(t, s.Stats().Reconnects, uint64(1))
}
