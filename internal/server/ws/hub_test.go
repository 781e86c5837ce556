package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

type fakeBus struct {
	ch      chan []byte
	pattern string
}

func (f *fakeBus) Publish(context.Context, string, []byte) error { return nil }

func (f *fakeBus) Subscribe(_ context.Context, pattern string) (<-chan []byte, error) {
	f.pattern = pattern
	return f.ch, nil
}

func (f *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (f *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func startHub(t *testing.T) (*Hub, *fakeBus, *websocket.Conn) {
	t.Helper()
	bus := &fakeBus{ch: make(chan []byte, 8)}
	hub := NewHub(bus, "depth:*", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		<-done
		srv.Close()
	})
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return hub, bus, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func TestHubRelaysAll(t *testing.T) {
	_, bus, conn := startHub(t)
	assert.Equal(t, "depth:*", bus.pattern)

	bus.ch <- []byte(`{"segment":"NSE_FNO","security_id":52175,"state":"bullish"}`)
	assert.Contains(t, readMessage(t, conn), `"security_id":52175`)
}

func TestHubFiltersPerClient(t *testing.T) {
	hub, bus, conn := startHub(t)

	require.NoError(t, conn.WriteJSON(controlMsg{Action: "subscribe", Instruments: []string{"NSE_EQ:2885", "bogus"}}))

	nifty := domain.InstrumentKey{Segment: domain.SegmentNSEFNO, SecurityID: 52175}
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			return !c.wants(nifty)
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	bus.ch <- []byte(`{"segment":"NSE_FNO","security_id":52175}`)
	bus.ch <- []byte(`not json`)
	bus.ch <- []byte(`{"segment":"NSE_EQ","security_id":2885}`)
	assert.Contains(t, readMessage(t, conn), `"security_id":2885`)
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	bus := &fakeBus{ch: make(chan []byte)}
	hub := NewHub(bus, "depth:*", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "client sees the close frame")
}
