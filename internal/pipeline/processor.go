package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/depthfeed/internal/domain"
	"github.com/alanyoungcy/depthfeed/internal/metrics"
)

// RecordSink accepts enriched records for persistence.
type RecordSink interface {
	Submit(ctx context.Context, rec domain.EnrichedRecord) error
}

type instrumentState struct {
	prev      *PrevTick
	cvd       int64
	oi        int64
	hasOI     bool
	prevClose float64
}

// TickProcessor turns decoded quote and full packets into enriched records
// and hands them to a sink. It keeps per-instrument state (previous tick,
// running CVD, last open interest, previous close) and must only be driven
// from the session goroutine that owns it.
type TickProcessor struct {
	lookup  domain.InstrumentLookup
	calc    *Calculator
	sink    RecordSink
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	state   map[domain.InstrumentKey]*instrumentState
}

// NewTickProcessor creates a TickProcessor. m may be nil.
func NewTickProcessor(lookup domain.InstrumentLookup, calc *Calculator, sink RecordSink, m *metrics.Metrics, logger *slog.Logger) *TickProcessor {
	if calc == nil {
		calc = NewCalculator(DefaultEpsilon)
	}
	return &TickProcessor{
		lookup:  lookup,
		calc:    calc,
		sink:    sink,
		metrics: m,
		logger:  logger.With(slog.String("component", "tick_processor")),
		now:     time.Now,
		state:   make(map[domain.InstrumentKey]*instrumentState),
	}
}

// HandlePacket implements feed.PacketHandler.
func (p *TickProcessor) HandlePacket(ctx context.Context, pkt domain.Packet) {
	switch v := pkt.(type) {
	case domain.FullPacket:
		p.process(ctx, tickFromFull(v, p.now()))
	case domain.QuotePacket:
		p.process(ctx, tickFromQuote(v, p.now()))
	case domain.OIPacket:
		st := p.stateFor(v.Key())
		st.oi, st.hasOI = int64(v.OI), true
	case domain.PrevClosePacket:
		p.stateFor(v.Key()).prevClose = float64(v.PrevClose)
	case domain.TickerPacket, domain.DepthPacket, domain.DisconnectPacket:
		// carry no volume or inline depth
	}
}

// Process runs one already-normalised tick through enrichment and the
// microstructure calculator and returns the resulting record without
// submitting it.
func (p *TickProcessor) Process(tick domain.RawTick) domain.EnrichedRecord {
	st := p.stateFor(tick.Key())
	switch {
	case tick.Kind == domain.KindFull:
		st.oi, st.hasOI = tick.OI, true
	case st.hasOI:
		tick.OI = st.oi
	}

	rec := Enrich(tick, p.lookup)
	if rec.Instrument == nil {
		if p.metrics != nil {
			p.metrics.UnknownInstrument.Inc()
		}
		p.logger.Debug("instrument not in reference data", slog.String("instrument", tick.Key().String()))
	}

	flow := p.calc.Compute(tick, st.prev)
	st.cvd += flow.CVDChange
	applyFlow(&rec, flow, st.cvd)

	if st.prevClose > 0 {
		pct := (tick.LTP - st.prevClose) / st.prevClose * 100
		rec.ChangePct = &pct
	}

	st.prev = &PrevTick{Tick: tick, Aggressor: flow.Aggressor}
	return rec
}

func (p *TickProcessor) process(ctx context.Context, tick domain.RawTick) {
	rec := p.Process(tick)
	if err := p.sink.Submit(ctx, rec); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrWriterClosed) {
			p.logger.Debug("record not queued during shutdown", slog.String("instrument", tick.Key().String()))
			return
		}
		p.logger.Warn("failed to queue record",
			slog.String("instrument", tick.Key().String()),
			slog.String("error", err.Error()),
		)
	}
}

// CVD returns the running cumulative volume delta for key.
func (p *TickProcessor) CVD(key domain.InstrumentKey) int64 {
	if st, ok := p.state[key]; ok {
		return st.cvd
	}
	return 0
}

func (p *TickProcessor) stateFor(key domain.InstrumentKey) *instrumentState {
	st, ok := p.state[key]
	if !ok {
		st = &instrumentState{}
		p.state[key] = st
	}
	return st
}

func tickFromFull(v domain.FullPacket, received time.Time) domain.RawTick {
	depth := make([]domain.QuoteLevel, len(v.Depth))
	copy(depth, v.Depth[:])
	return domain.RawTick{
		Kind:         domain.KindFull,
		Segment:      v.Segment,
		SecurityID:   v.SecurityID,
		Time:         tickTime(v.LTT, received),
		LTP:          float64(v.LTP),
		LTQ:          int64(v.LTQ),
		ATP:          float64(v.ATP),
		Volume:       int64(v.Volume),
		TotalBuyQty:  int64(v.TotalBuyQty),
		TotalSellQty: int64(v.TotalSellQty),
		OI:           int64(v.OI),
		Open:         float64(v.Open),
		High:         float64(v.High),
		Low:          float64(v.Low),
		Close:        float64(v.Close),
		Depth:        depth,
		ReceivedAt:   received,
	}
}

func tickFromQuote(v domain.QuotePacket, received time.Time) domain.RawTick {
	return domain.RawTick{
		Kind:         domain.KindQuote,
		Segment:      v.Segment,
		SecurityID:   v.SecurityID,
		Time:         tickTime(v.LTT, received),
		LTP:          float64(v.LTP),
		LTQ:          int64(v.LTQ),
		ATP:          float64(v.ATP),
		Volume:       int64(v.Volume),
		TotalBuyQty:  int64(v.TotalBuyQty),
		TotalSellQty: int64(v.TotalSellQty),
		Open:         float64(v.Open),
		High:         float64(v.High),
		Low:          float64(v.Low),
		Close:        float64(v.Close),
		ReceivedAt:   received,
	}
}

// tickTime uses the exchange trade time when present, else receipt time
// truncated to the same one-second resolution.
func tickTime(ltt int32, received time.Time) time.Time {
	if ltt > 0 {
		return time.Unix(int64(ltt), 0).UTC()
	}
	return received.UTC().Truncate(time.Second)
}
