package domain

import "time"

// LevelSide tags a tracked level relative to the current price.
type LevelSide string

const (
	LevelSupport    LevelSide = "support"
	LevelResistance LevelSide = "resistance"
)

// LevelStatus is the lifecycle stage of a tracked level.
type LevelStatus string

const (
	LevelForming  LevelStatus = "forming"
	LevelActive   LevelStatus = "active"
	LevelBreaking LevelStatus = "breaking"
	LevelBroken   LevelStatus = "broken"
)

// FlowState is the classified order-flow bias.
type FlowState string

const (
	FlowBullish FlowState = "bullish"
	FlowBearish FlowState = "bearish"
	FlowNeutral FlowState = "neutral"
)

// LevelView is an immutable, externally reportable view of a verified level.
type LevelView struct {
	Price      float64     `json:"price"`
	Side       LevelSide   `json:"side"`
	Status     LevelStatus `json:"status"`
	Orders     int64       `json:"orders"`
	PeakOrders int64       `json:"peak_orders"`
	Quantity   int64       `json:"quantity"`
	Strength   float64     `json:"strength"`
	AgeSeconds float64     `json:"age_s"`
	Tests      int         `json:"tests"`
}

// AbsorptionEvent records a consistent decline of resting orders at a level.
type AbsorptionEvent struct {
	Time         time.Time       `json:"time"`
	Segment      ExchangeSegment `json:"segment"`
	SecurityID   uint32          `json:"security_id"`
	Price        float64         `json:"price"`
	Side         LevelSide       `json:"side"`
	OlderAvg     float64         `json:"older_avg"`
	RecentAvg    float64         `json:"recent_avg"`
	ReductionPct float64         `json:"reduction_pct"`
	Consistency  float64         `json:"consistency"`
	Distance     float64         `json:"distance"`
	Crossed      bool            `json:"crossed"`
}

// PressureReading is the bid/ask order imbalance over one trailing window.
type PressureReading struct {
	Window    time.Duration `json:"-"`
	WindowSec int           `json:"window_s"`
	BidOrders int64         `json:"bid_orders"`
	AskOrders int64         `json:"ask_orders"`
	Imbalance float64       `json:"imbalance"`
}

// SignalState is the condensed output published for downstream consumers.
type SignalState struct {
	Time        time.Time         `json:"time"`
	Segment     ExchangeSegment   `json:"segment"`
	SecurityID  uint32            `json:"security_id"`
	Price       float64           `json:"price"`
	Snapshot    DepthSnapshot     `json:"snapshot"`
	Levels      []LevelView       `json:"levels"`
	Absorptions []AbsorptionEvent `json:"absorptions"`
	Pressure    []PressureReading `json:"pressure"`
	State       FlowState         `json:"state"`
}

// Key returns the instrument the state belongs to.
func (s SignalState) Key() InstrumentKey {
	return InstrumentKey{Segment: s.Segment, SecurityID: s.SecurityID}
}

// RecordKey returns the (time, instrument) persistence identity.
func (s SignalState) RecordKey() RecordKey {
	return RecordKey{Time: s.Time.UnixNano(), Segment: s.Segment, SecurityID: s.SecurityID}
}
