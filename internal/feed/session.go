// Package feed runs the market-data WebSocket sessions: connection
// lifecycle, subscriptions, heartbeats, reconnects and packet dispatch.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/depthfeed/internal/domain"
	"github.com/alanyoungcy/depthfeed/internal/metrics"
	"github.com/alanyoungcy/depthfeed/internal/platform/dhan"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// State is the lifecycle stage of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the subset of a feed connection the session drives.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteJSON(v any) error
	Ping() error
	Close() error
}

// DialFunc opens a new connection.
type DialFunc func(ctx context.Context) (Conn, error)

// Decoder turns WebSocket messages into packets.
type Decoder interface {
	Split(buf []byte) [][]byte
	Decode(buf []byte) (domain.Packet, error)
}

// PacketHandler consumes decoded packets. It is called synchronously from
// the receive goroutine, so it owns whatever per-instrument state it keeps.
type PacketHandler interface {
	HandlePacket(ctx context.Context, p domain.Packet)
}

// HandlerFunc adapts a function to PacketHandler.
type HandlerFunc func(ctx context.Context, p domain.Packet)

// HandlePacket calls f.
func (f HandlerFunc) HandlePacket(ctx context.Context, p domain.Packet) { f(ctx, p) }

// Config tunes a Session.
type Config struct {
	Name              string
	SubscribeCode     dhan.RequestCode
	UnsubscribeCode   dhan.RequestCode
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	MaxAttempts       int // 0 retries forever
	PingPeriod        time.Duration
	MaxDecodeFailures int
	MaxAuthFailures   int
	SubscribeRate     rate.Limit
	SubscribeBurst    int
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "feed"
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 300 * time.Second
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = (dhan.DefaultPongWait * 9) / 10
	}
	if c.MaxDecodeFailures <= 0 {
		c.MaxDecodeFailures = 50
	}
	if c.MaxAuthFailures <= 0 {
		c.MaxAuthFailures = 3
	}
	if c.SubscribeRate <= 0 {
		c.SubscribeRate = rate.Limit(10)
	}
	if c.SubscribeBurst <= 0 {
		c.SubscribeBurst = 5
	}
}

// Stats is a point-in-time view of session counters.
type Stats struct {
	State          State  `json:"-"`
	StateName      string `json:"state"`
	ConnID         string `json:"conn_id"`
	Frames         uint64 `json:"frames"`
	Packets        uint64 `json:"packets"`
	DecodeFailures uint64 `json:"decode_failures"`
	Reconnects     uint64 `json:"reconnects"`
}

// fatalError marks an error that must stop the retry loop.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Session is one persistent feed connection with automatic reconnects.
type Session struct {
	cfg     Config
	dial    DialFunc
	decoder Decoder
	handler PacketHandler
	metrics *metrics.Metrics
	logger  *slog.Logger
	limiter *rate.Limiter

	state atomic.Int32

	mu     sync.Mutex
	subs   []domain.InstrumentKey
	subSet map[domain.InstrumentKey]struct{}
	conn   Conn
	connID string

	frames         atomic.Uint64
	packets        atomic.Uint64
	decodeFailures atomic.Uint64
	reconnects     atomic.Uint64
}

// NewSession creates a session. Instruments passed here are subscribed on
// every connect. m may be nil.
func NewSession(cfg Config, dial DialFunc, decoder Decoder, handler PacketHandler, instruments []domain.InstrumentKey, m *metrics.Metrics, logger *slog.Logger) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:     cfg,
		dial:    dial,
		decoder: decoder,
		handler: handler,
		metrics: m,
		logger:  logger.With(slog.String("component", "feed_session"), slog.String("session", cfg.Name)),
		limiter: rate.NewLimiter(cfg.SubscribeRate, cfg.SubscribeBurst),
		subSet:  make(map[domain.InstrumentKey]struct{}),
	}
	s.addSubs(instruments)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	connID := s.connID
	s.mu.Unlock()
	st := s.State()
	return Stats{
		State:          st,
		StateName:      st.String(),
		ConnID:         connID,
		Frames:         s.frames.Load(),
		Packets:        s.packets.Load(),
		DecodeFailures: s.decodeFailures.Load(),
		Reconnects:     s.reconnects.Load(),
	}
}

// Subscriptions returns the instruments replayed on every connect.
func (s *Session) Subscriptions() []domain.InstrumentKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.InstrumentKey(nil), s.subs...)
}

// Subscribe adds instruments to the session. When streaming, the requests
// are sent immediately; they are replayed after every reconnect either way.
func (s *Session) Subscribe(ctx context.Context, keys []domain.InstrumentKey) error {
	added := s.addSubs(keys)
	if len(added) == 0 {
		return nil
	}
	conn := s.liveConn()
	if conn == nil {
		return nil
	}
	if err := s.send(ctx, conn, s.cfg.SubscribeCode, added); err != nil {
		return fmt.Errorf("feed: %s: subscribe: %w", s.cfg.Name, err)
	}
	return nil
}

// Unsubscribe removes instruments from the session.
func (s *Session) Unsubscribe(ctx context.Context, keys []domain.InstrumentKey) error {
	removed := s.removeSubs(keys)
	if len(removed) == 0 {
		return nil
	}
	conn := s.liveConn()
	if conn == nil {
		return nil
	}
	if err := s.send(ctx, conn, s.cfg.UnsubscribeCode, removed); err != nil {
		return fmt.Errorf("feed: %s: unsubscribe: %w", s.cfg.Name, err)
	}
	return nil
}

// Run connects and streams until ctx is cancelled or a fatal condition
// occurs: a fatal disconnect reason, repeated authentication failures, or
// exhausted reconnect attempts. Every other failure triggers a reconnect.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateClosed)

	attempt := 0
	authFailures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.setState(StateConnecting)
		delivered, err := s.runOnce(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		var fatal *fatalError
		if errors.As(err, &fatal) {
			s.logger.Error("feed session closed", slog.String("error", err.Error()))
			return fatal.err
		}
		if errors.Is(err, domain.ErrAuthFailure) {
			authFailures++
			if authFailures >= s.cfg.MaxAuthFailures {
				return fmt.Errorf("feed: %s: %d consecutive authentication failures: %w", s.cfg.Name, authFailures, err)
			}
		} else {
			authFailures = 0
		}

		if delivered {
			attempt = 0
		}
		attempt++
		if s.cfg.MaxAttempts > 0 && attempt > s.cfg.MaxAttempts {
			return fmt.Errorf("feed: %s: %w after %d attempts: %w", s.cfg.Name, domain.ErrReconnectExhausted, s.cfg.MaxAttempts, err)
		}

		delay := s.backoff(attempt)
		s.setState(StateReconnecting)
		s.reconnects.Add(1)
		if s.metrics != nil {
			s.metrics.Reconnects.WithLabelValues(s.cfg.Name).Inc()
		}
		s.logger.Warn("feed disconnected, reconnecting",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// backoff returns BaseBackoff doubled per attempt, capped at MaxBackoff.
func (s *Session) backoff(attempt int) time.Duration {
	d := s.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return min(d, s.cfg.MaxBackoff)
}

// runOnce performs one connect/subscribe/stream cycle. delivered reports
// whether at least one packet reached the handler.
func (s *Session) runOnce(ctx context.Context) (delivered bool, err error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return false, err
	}
	connID := uuid.NewString()
	s.setConn(conn, connID)
	defer func() {
		s.setConn(nil, "")
		conn.Close()
	}()
	s.logger.Info("feed connected", slog.String("conn_id", connID))

	s.setState(StateSubscribing)
	subs := s.Subscriptions()
	if err := s.send(ctx, conn, s.cfg.SubscribeCode, subs); err != nil {
		return false, err
	}
	s.logger.Info("feed subscribed", slog.String("conn_id", connID), slog.Int("instruments", len(subs)))
	s.setState(StateStreaming)

	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeat(hbCtx, conn)
	}()
	defer wg.Wait()
	defer cancel()

	consecutive := 0
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return delivered, err
		}
		s.frames.Add(1)
		if s.metrics != nil {
			s.metrics.Frames.WithLabelValues(s.cfg.Name).Inc()
		}

		if mt == websocket.TextMessage {
			s.logger.Debug("feed control message", slog.String("payload", string(data)))
			continue
		}

		for _, frame := range s.decoder.Split(data) {
			pkt, err := s.decoder.Decode(frame)
			if err != nil {
				consecutive++
				s.decodeFailures.Add(1)
				if s.metrics != nil {
					s.metrics.DecodeFailures.WithLabelValues(s.cfg.Name).Inc()
				}
				s.logger.Warn("decode failed",
					slog.String("error", err.Error()),
					slog.Int("frame_len", len(frame)),
					slog.Int("consecutive", consecutive),
				)
				if consecutive > s.cfg.MaxDecodeFailures {
					return delivered, fmt.Errorf("feed: %s: %d consecutive decode failures: %w", s.cfg.Name, consecutive, err)
				}
				continue
			}
			consecutive = 0

			if d, ok := pkt.(domain.DisconnectPacket); ok {
				reason := dhan.DisconnectReason(d.Reason)
				if dhan.IsFatalDisconnect(d.Reason) {
					return delivered, &fatalError{fmt.Errorf("feed: %s: server disconnect %d (%s): %w", s.cfg.Name, d.Reason, reason, domain.ErrAuthFailure)}
				}
				return delivered, fmt.Errorf("feed: %s: server disconnect %d (%s): %w", s.cfg.Name, d.Reason, reason, domain.ErrWSDisconnect)
			}

			delivered = true
			s.packets.Add(1)
			if s.metrics != nil {
				s.metrics.Packets.WithLabelValues(s.cfg.Name, pkt.Header().Kind.String()).Inc()
			}
			s.handler.HandlePacket(ctx, pkt)
		}
	}
}

// heartbeat pings the server and closes the connection when ctx ends or a
// ping fails, which unblocks the pending read.
func (s *Session) heartbeat(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				s.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
				conn.Close()
				return
			}
		}
	}
}

func (s *Session) send(ctx context.Context, conn Conn, code dhan.RequestCode, keys []domain.InstrumentKey) error {
	for _, req := range dhan.BuildRequests(code, keys) {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := conn.WriteJSON(req); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	if s.metrics != nil {
		s.metrics.SessionState.WithLabelValues(s.cfg.Name).Set(float64(st))
	}
	s.logger.Debug("feed state", slog.String("from", prev.String()), slog.String("to", st.String()))
}

func (s *Session) setConn(conn Conn, id string) {
	s.mu.Lock()
	s.conn = conn
	s.connID = id
	s.mu.Unlock()
}

// liveConn returns the connection only while streaming; during subscribing
// the connect path replays the full set itself.
func (s *Session) liveConn() Conn {
	if s.State() != StateStreaming {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) addSubs(keys []domain.InstrumentKey) []domain.InstrumentKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added []domain.InstrumentKey
	for _, k := range keys {
		if _, ok := s.subSet[k]; ok {
			continue
		}
		s.subSet[k] = struct{}{}
		s.subs = append(s.subs, k)
		added = append(added, k)
	}
	return added
}

func (s *Session) removeSubs(keys []domain.InstrumentKey) []domain.InstrumentKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[domain.InstrumentKey]struct{}, len(keys))
	var removed []domain.InstrumentKey
	for _, k := range keys {
		if _, ok := s.subSet[k]; !ok {
			continue
		}
		if _, dup := drop[k]; dup {
			continue
		}
		drop[k] = struct{}{}
		delete(s.subSet, k)
		removed = append(removed, k)
	}
	if len(removed) == 0 {
		return nil
	}
	kept := s.subs[:0]
	for _, k := range s.subs {
		if _, gone := drop[k]; !gone {
			kept = append(kept, k)
		}
	}
	s.subs = kept
	return removed
}
