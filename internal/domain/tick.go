package domain

import "time"

// Aggressor is the inferred initiating side of a trade.
type Aggressor int8

const (
	AggressorNeutral Aggressor = 0
	AggressorBuy     Aggressor = 1
	AggressorSell    Aggressor = -1
)

func (a Aggressor) String() string {
	switch a {
	case AggressorBuy:
		return "BUY"
	case AggressorSell:
		return "SELL"
	default:
		return "NEUTRAL"
	}
}

// MarshalText renders the aggressor by name.
func (a Aggressor) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// RawTick is one decoded trade/quote packet normalised to wide types.
type RawTick struct {
	Kind         PacketKind
	Segment      ExchangeSegment
	SecurityID   uint32
	Time         time.Time
	LTP          float64
	LTQ          int64
	ATP          float64
	Volume       int64
	TotalBuyQty  int64
	TotalSellQty int64
	OI           int64
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Depth        []QuoteLevel
	ReceivedAt   time.Time
}

// Key returns the instrument the tick belongs to.
func (t RawTick) Key() InstrumentKey {
	return InstrumentKey{Segment: t.Segment, SecurityID: t.SecurityID}
}

// BestBid returns the top bid rung, if any.
func (t RawTick) BestBid() (price float64, qty int64, ok bool) {
	if len(t.Depth) == 0 || t.Depth[0].BidPrice <= 0 {
		return 0, 0, false
	}
	return float64(t.Depth[0].BidPrice), int64(t.Depth[0].BidQty), true
}

// BestAsk returns the top ask rung, if any.
func (t RawTick) BestAsk() (price float64, qty int64, ok bool) {
	if len(t.Depth) == 0 || t.Depth[0].AskPrice <= 0 {
		return 0, 0, false
	}
	return float64(t.Depth[0].AskPrice), int64(t.Depth[0].AskQty), true
}

// DepthTotals sums resting quantity across the inline rungs.
func (t RawTick) DepthTotals() (bidQty, askQty int64) {
	for _, lvl := range t.Depth {
		bidQty += int64(lvl.BidQty)
		askQty += int64(lvl.AskQty)
	}
	return bidQty, askQty
}

// RecordKey is the persistence identity of an enriched record.
type RecordKey struct {
	Time       int64
	Segment    ExchangeSegment
	SecurityID uint32
}

func (k RecordKey) String() string {
	return InstrumentKey{Segment: k.Segment, SecurityID: k.SecurityID}.String() + "@" + time.Unix(0, k.Time).UTC().Format(time.RFC3339Nano)
}

// EnrichedRecord is a RawTick joined with reference data and derived metrics.
type EnrichedRecord struct {
	Time       time.Time
	Segment    ExchangeSegment
	SecurityID uint32
	Instrument *InstrumentInfo

	LTP    float64
	LTQ    int64
	ATP    float64
	Volume int64
	OI     int64

	BestBid    float64
	BestAsk    float64
	BestBidQty int64
	BestAskQty int64
	Mid        *float64
	Spread     *float64

	VolumeDelta int64
	OIDelta     int64
	PriceDelta  float64
	Aggressor   Aggressor
	CVDChange   int64
	CVD         int64

	BidDepth        int64
	AskDepth        int64
	Imbalance       float64
	ConsumptionRate float64
	FlowIntensity   float64
	Toxicity        float64
	FlowImpact      float64
	ChangePct       *float64

	ReceivedAt time.Time
}

// Key returns the (time, instrument) identity used for dedup and conflicts.
func (r EnrichedRecord) Key() RecordKey {
	return RecordKey{Time: r.Time.UnixNano(), Segment: r.Segment, SecurityID: r.SecurityID}
}
