package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/depthfeed/internal/domain"
	"github.com/alanyoungcy/depthfeed/internal/orderflow"
)

// StateSink accepts signal states for persistence.
type StateSink interface {
	Submit(ctx context.Context, state domain.SignalState) error
}

// StatePublisher fans states out to downstream consumers without blocking.
type StatePublisher interface {
	Offer(state domain.SignalState, events []domain.AbsorptionEvent) bool
}

type halfBook struct {
	bids    []domain.DepthLevel
	asks    []domain.DepthLevel
	hasBids bool
	hasAsks bool
}

// DepthProcessor pairs the bid and ask depth packets of each instrument
// into snapshots and drives the signal engine with them. Like
// TickProcessor it is owned by one session goroutine.
type DepthProcessor struct {
	engine    *orderflow.Engine
	sink      StateSink
	publisher StatePublisher
	logger    *slog.Logger
	now       func() time.Time
	pending   map[domain.InstrumentKey]*halfBook
}

// NewDepthProcessor creates a DepthProcessor. sink and publisher may be nil.
func NewDepthProcessor(engine *orderflow.Engine, sink StateSink, publisher StatePublisher, logger *slog.Logger) *DepthProcessor {
	return &DepthProcessor{
		engine:    engine,
		sink:      sink,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "depth_processor")),
		now:       time.Now,
		pending:   make(map[domain.InstrumentKey]*halfBook),
	}
}

// HandlePacket implements feed.PacketHandler. A snapshot is emitted once
// both sides of an instrument have arrived; a repeated side before its
// counterpart replaces the earlier one.
func (p *DepthProcessor) HandlePacket(ctx context.Context, pkt domain.Packet) {
	dp, ok := pkt.(domain.DepthPacket)
	if !ok {
		return
	}
	key := dp.Key()
	hb, ok := p.pending[key]
	if !ok {
		hb = &halfBook{}
		p.pending[key] = hb
	}
	if dp.Side == domain.SideBid {
		hb.bids, hb.hasBids = dp.Levels, true
	} else {
		hb.asks, hb.hasAsks = dp.Levels, true
	}
	if !hb.hasBids || !hb.hasAsks {
		return
	}

	snap := orderflow.BuildSnapshot(key, hb.bids, hb.asks, p.now().UTC())
	delete(p.pending, key)
	p.Process(ctx, snap)
}

// Process runs one snapshot through the engine, then persists and
// publishes the resulting state.
func (p *DepthProcessor) Process(ctx context.Context, snap domain.DepthSnapshot) domain.SignalState {
	state, events := p.engine.Update(snap)

	if p.sink != nil {
		if err := p.sink.Submit(ctx, state); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, domain.ErrWriterClosed) {
			p.logger.Warn("failed to queue signal state",
				slog.String("instrument", snap.Key().String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if p.publisher != nil {
		p.publisher.Offer(state, events)
	}
	return state
}
