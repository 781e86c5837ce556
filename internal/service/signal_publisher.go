// Package service hosts the fan-out of depth signal states to downstream
// consumers.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alanyoungcy/depthfeed/internal/domain"
	"github.com/alanyoungcy/depthfeed/internal/metrics"
)

// PublisherConfig tunes the SignalPublisher.
type PublisherConfig struct {
	QueueSize        int
	ChannelPrefix    string
	AbsorptionStream string
	PublishTimeout   time.Duration
	BreakerFailures  uint32
	BreakerCooldown  time.Duration
}

// DefaultPublisherConfig returns the production defaults.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		QueueSize:        1024,
		ChannelPrefix:    "depth:",
		AbsorptionStream: "depth:absorptions",
		PublishTimeout:   2 * time.Second,
		BreakerFailures:  5,
		BreakerCooldown:  30 * time.Second,
	}
}

func (c *PublisherConfig) applyDefaults() {
	d := DefaultPublisherConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = d.ChannelPrefix
	}
	if c.AbsorptionStream == "" {
		c.AbsorptionStream = d.AbsorptionStream
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
}

// PublisherStats is a point-in-time view of publisher counters.
type PublisherStats struct {
	Offered   uint64 `json:"offered"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Breaker   string `json:"breaker"`
}

type publication struct {
	state  domain.SignalState
	events []domain.AbsorptionEvent
}

// SignalPublisher fans signal states out to the bus. Offer never blocks
// the depth session: when the queue is full the state is dropped and
// counted. A circuit breaker sheds load while the bus is failing.
type SignalPublisher struct {
	bus     domain.SignalBus
	cfg     PublisherConfig
	queue   chan publication
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger

	offered   atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewSignalPublisher creates a publisher; m may be nil.
func NewSignalPublisher(bus domain.SignalBus, cfg PublisherConfig, m *metrics.Metrics, logger *slog.Logger) *SignalPublisher {
	cfg.applyDefaults()
	logger = logger.With(slog.String("component", "signal_publisher"))

	st := gobreaker.Settings{
		Name:        "signal-bus",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}
	return &SignalPublisher{
		bus:     bus,
		cfg:     cfg,
		queue:   make(chan publication, cfg.QueueSize),
		breaker: gobreaker.NewCircuitBreaker(st),
		metrics: m,
		logger:  logger,
	}
}

// Offer enqueues a state and its fresh absorption events. It reports
// false when the queue was full and the state was dropped.
func (p *SignalPublisher) Offer(state domain.SignalState, events []domain.AbsorptionEvent) bool {
	p.offered.Add(1)
	select {
	case p.queue <- publication{state: state, events: events}:
		return true
	default:
		p.drop("queue_full")
		return false
	}
}

// Run publishes queued states until ctx is cancelled.
func (p *SignalPublisher) Run(ctx context.Context) error {
	p.logger.Info("signal publisher started",
		slog.Int("queue_size", p.cfg.QueueSize),
		slog.String("channel_prefix", p.cfg.ChannelPrefix),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case pub := <-p.queue:
			p.publish(ctx, pub)
		}
	}
}

// Stats returns current counters.
func (p *SignalPublisher) Stats() PublisherStats {
	return PublisherStats{
		Offered:   p.offered.Load(),
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
		Breaker:   p.breaker.State().String(),
	}
}

// Channel returns the pub/sub channel for segment.
func (p *SignalPublisher) Channel(segment domain.ExchangeSegment) string {
	return p.cfg.ChannelPrefix + segment.String()
}

func (p *SignalPublisher) publish(ctx context.Context, pub publication) {
	channel := p.Channel(pub.state.Segment)
	payload, err := json.Marshal(pub.state)
	if err != nil {
		p.logger.Error("encode signal state", slog.String("instrument", pub.state.Key().String()), slog.String("error", err.Error()))
		return
	}
	p.send(ctx, channel, func(ctx context.Context) error {
		return p.bus.Publish(ctx, channel, payload)
	})

	for _, ev := range pub.events {
		data, err := json.Marshal(ev)
		if err != nil {
			p.logger.Error("encode absorption event", slog.String("error", err.Error()))
			continue
		}
		p.send(ctx, p.cfg.AbsorptionStream, func(ctx context.Context) error {
			return p.bus.StreamAppend(ctx, p.cfg.AbsorptionStream, data)
		})
	}
}

func (p *SignalPublisher) send(ctx context.Context, channel string, fn func(context.Context) error) {
	_, err := p.breaker.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		defer cancel()
		return nil, fn(cctx)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.drop("breaker_open")
	case err != nil:
		p.logger.Warn("publish failed", slog.String("channel", channel), slog.String("error", err.Error()))
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues(channel).Inc()
		}
		p.failed.Add(1)
	default:
		if p.metrics != nil {
			p.metrics.Published.WithLabelValues(channel).Inc()
		}
		p.published.Add(1)
	}
}

func (p *SignalPublisher) drop(reason string) {
	if p.metrics != nil {
		p.metrics.PublishDropped.WithLabelValues(reason).Inc()
	}
	p.dropped.Add(1)
}
