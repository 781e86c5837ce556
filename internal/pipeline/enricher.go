package pipeline

import (
	"github.com/alanyoungcy/depthfeed/internal/domain"
)

// Enrich joins tick with reference data from lookup and fills the top of
// book fields. A missing instrument leaves Instrument nil; the record is
// still returned. Mid and spread are nil unless both sides are quoted.
func Enrich(tick domain.RawTick, lookup domain.InstrumentLookup) domain.EnrichedRecord {
	rec := domain.EnrichedRecord{
		Time:       tick.Time,
		Segment:    tick.Segment,
		SecurityID: tick.SecurityID,
		LTP:        tick.LTP,
		LTQ:        tick.LTQ,
		ATP:        tick.ATP,
		Volume:     tick.Volume,
		OI:         tick.OI,
		ReceivedAt: tick.ReceivedAt,
	}

	if lookup != nil {
		if info, ok := lookup.Lookup(tick.Key()); ok {
			rec.Instrument = &info
		}
	}

	bid, bidQty, okBid := tick.BestBid()
	ask, askQty, okAsk := tick.BestAsk()
	if okBid {
		rec.BestBid, rec.BestBidQty = bid, bidQty
	}
	if okAsk {
		rec.BestAsk, rec.BestAskQty = ask, askQty
	}
	if okBid && okAsk {
		mid := (bid + ask) / 2
		spread := ask - bid
		rec.Mid = &mid
		rec.Spread = &spread
	}
	return rec
}

// applyFlow copies derived metrics onto rec. cvd is the running total
// including m.CVDChange.
func applyFlow(rec *domain.EnrichedRecord, m FlowMetrics, cvd int64) {
	rec.VolumeDelta = m.VolumeDelta
	rec.OIDelta = m.OIDelta
	rec.PriceDelta = m.PriceDelta
	rec.Aggressor = m.Aggressor
	rec.CVDChange = m.CVDChange
	rec.CVD = cvd
	rec.BidDepth = m.BidDepth
	rec.AskDepth = m.AskDepth
	rec.Imbalance = m.Imbalance
	rec.ConsumptionRate = m.ConsumptionRate
	rec.FlowIntensity = m.FlowIntensity
	rec.Toxicity = m.Toxicity
	rec.FlowImpact = m.FlowImpact
}
