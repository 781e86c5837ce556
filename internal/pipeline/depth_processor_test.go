package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/depthfeed/internal/domain"
	"github.com/alanyoungcy/depthfeed/internal/orderflow"
)

type stateSink struct {
	mu     sync.Mutex
	states []domain.SignalState
}

func (s *stateSink) Submit(_ context.Context, st domain.SignalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
	return nil
}

type offers struct {
	states []domain.SignalState
}

func (o *offers) Offer(st domain.SignalState, _ []domain.AbsorptionEvent) bool {
	o.states = append(o.states, st)
	return true
}

func depthPacket(side domain.DepthSide, key domain.InstrumentKey, prices ...float64) domain.DepthPacket {
	kind := domain.KindDepthBid
	if side == domain.SideAsk {
		kind = domain.KindDepthAsk
	}
	p := domain.DepthPacket{
		PacketHeader: domain.PacketHeader{Kind: kind, Segment: key.Segment, SecurityID: key.SecurityID},
		Side:         side,
		Rows:         uint32(len(prices)),
	}
	for i, px := range prices {
		p.Levels = append(p.Levels, domain.DepthLevel{Index: i, Price: px, Quantity: 100, Orders: 4})
	}
	return p
}

func TestDepthProcessorPairsSides(t *testing.T) {
	sink := &stateSink{}
	pub := &offers{}
	engine := orderflow.NewEngine(orderflow.DefaultConfig(), nil, discardLogger())
	p := NewDepthProcessor(engine, sink, pub, discardLogger())
	p.now = func() time.Time { return t0 }
	ctx := context.Background()

	p.HandlePacket(ctx, depthPacket(domain.SideBid, nifty, 100, 99.95))
	assert.Empty(t, sink.states, "one side alone is not a snapshot")

	// a newer bid replaces the pending one
	p.HandlePacket(ctx, depthPacket(domain.SideBid, nifty, 100.05, 100))
	p.HandlePacket(ctx, depthPacket(domain.SideAsk, nifty, 100.10, 100.15))

	require.Len(t, sink.states, 1)
	require.Len(t, pub.states, 1)
	st := sink.states[0]
	assert.Equal(t, nifty, st.Key())
	assert.Equal(t, t0, st.Time)
	assert.Equal(t, 100.05, st.Snapshot.BestBid)
	assert.Equal(t, 100.10, st.Snapshot.BestAsk)
	assert.InDelta(t, 100.075, st.Price, 1e-9)
	assert.Len(t, st.Pressure, 3)

	_, ok := engine.Store().Get(nifty)
	assert.True(t, ok)

	// the next pair starts from scratch
	p.HandlePacket(ctx, depthPacket(domain.SideAsk, nifty, 100.10))
	assert.Len(t, sink.states, 1)
}

func TestDepthProcessorIgnoresOtherPackets(t *testing.T) {
	sink := &stateSink{}
	engine := orderflow.NewEngine(orderflow.DefaultConfig(), nil, discardLogger())
	p := NewDepthProcessor(engine, sink, nil, discardLogger())

	p.HandlePacket(context.Background(), fullPacket(1, 100, 1))
	p.HandlePacket(context.Background(), domain.DisconnectPacket{Reason: 805})
	assert.Empty(t, sink.states)
	assert.Empty(t, engine.Store().List())
}
