package pipeline

import (
	"math"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

// DefaultEpsilon is the price tolerance used when comparing against the
// weighted midpoint and the previous trade price.
const DefaultEpsilon = 1e-9

// PrevTick is the last raw tick seen for an instrument together with the
// side it was classified as.
type PrevTick struct {
	Tick      domain.RawTick
	Aggressor domain.Aggressor
}

// FlowMetrics are the per-tick order-flow values derived from the current
// tick and, when available, the previous one.
type FlowMetrics struct {
	VolumeDelta     int64
	OIDelta         int64
	PriceDelta      float64
	Aggressor       domain.Aggressor
	CVDChange       int64
	BidDepth        int64
	AskDepth        int64
	Imbalance       float64
	ConsumptionRate float64
	FlowIntensity   float64
	Toxicity        float64
	FlowImpact      float64
}

// Calculator derives FlowMetrics. It holds no per-instrument state.
type Calculator struct {
	epsilon float64
}

// NewCalculator returns a Calculator; a non-positive epsilon selects
// DefaultEpsilon.
func NewCalculator(epsilon float64) *Calculator {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Calculator{epsilon: epsilon}
}

// Classify infers the aggressor of cur in three tiers: trade at or through
// the touch, then position against the depth-weighted midpoint, then the
// tick rule against prev. A zero tick repeats the previous classification.
// Without a two-sided touch the result is neutral.
func (c *Calculator) Classify(cur domain.RawTick, prev *PrevTick) domain.Aggressor {
	bid, bidQty, okBid := cur.BestBid()
	ask, askQty, okAsk := cur.BestAsk()
	if !okBid || !okAsk {
		return domain.AggressorNeutral
	}

	price := cur.LTP
	switch {
	case price >= ask:
		return domain.AggressorBuy
	case price <= bid:
		return domain.AggressorSell
	}

	mid := weightedMid(bid, ask, bidQty, askQty)
	switch {
	case price > mid+c.epsilon:
		return domain.AggressorBuy
	case price < mid-c.epsilon:
		return domain.AggressorSell
	}

	if prev == nil {
		return domain.AggressorNeutral
	}
	d := price - prev.Tick.LTP
	switch {
	case d > c.epsilon:
		return domain.AggressorBuy
	case d < -c.epsilon:
		return domain.AggressorSell
	default:
		return prev.Aggressor
	}
}

// Compute returns the flow metrics of cur. The first tick of an instrument
// (prev == nil) has zero deltas.
func (c *Calculator) Compute(cur domain.RawTick, prev *PrevTick) FlowMetrics {
	m := FlowMetrics{Aggressor: c.Classify(cur, prev)}
	m.BidDepth, m.AskDepth = cur.DepthTotals()
	m.Imbalance = safeDiv(float64(m.BidDepth-m.AskDepth), float64(m.BidDepth+m.AskDepth))

	if prev != nil {
		m.VolumeDelta = max(0, cur.Volume-prev.Tick.Volume)
		m.OIDelta = cur.OI - prev.Tick.OI
		m.PriceDelta = cur.LTP - prev.Tick.LTP
	}
	m.CVDChange = int64(m.Aggressor) * m.VolumeDelta

	vd := float64(m.VolumeDelta)
	m.ConsumptionRate = safeDiv(float64(m.BidDepth+m.AskDepth), vd)
	m.FlowIntensity = safeDiv(math.Abs(m.PriceDelta), vd)
	m.Toxicity = 1 / (1 + m.ConsumptionRate)
	m.FlowImpact = m.FlowIntensity * m.Toxicity
	return m
}

// weightedMid leans toward the side with less resting quantity. It falls
// back to the plain midpoint when either side is empty.
func weightedMid(bid, ask float64, bidQty, askQty int64) float64 {
	if bidQty <= 0 || askQty <= 0 {
		return (bid + ask) / 2
	}
	return (bid*float64(askQty) + ask*float64(bidQty)) / float64(bidQty+askQty)
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
