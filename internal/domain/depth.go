package domain

import "time"

// DepthSide distinguishes the bid and ask halves of a depth book.
type DepthSide int8

const (
	SideBid DepthSide = 1
	SideAsk DepthSide = -1
)

func (s DepthSide) String() string {
	if s == SideBid {
		return "bid"
	}
	return "ask"
}

// DepthLevel is one price rung on one side of a many-level book.
type DepthLevel struct {
	Index    int     `json:"index"`
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int64   `json:"orders"`
}

// SideStats aggregates one side of a DepthSnapshot.
type SideStats struct {
	TotalQuantity int64   `json:"total_quantity"`
	TotalOrders   int64   `json:"total_orders"`
	VWAP          float64 `json:"vwap"`
	// Concentration is the price at which cumulative quantity from the top
	// of book first reaches half of the side total.
	Concentration float64 `json:"concentration"`
}

// DepthSnapshot pairs one bid and one ask depth packet for an instrument.
// It is read-only after construction.
type DepthSnapshot struct {
	Time       time.Time       `json:"time"`
	Segment    ExchangeSegment `json:"segment"`
	SecurityID uint32          `json:"security_id"`
	Bids       []DepthLevel    `json:"-"`
	Asks       []DepthLevel    `json:"-"`
	BestBid    float64         `json:"best_bid"`
	BestAsk    float64         `json:"best_ask"`
	Spread     float64         `json:"spread"`
	Mid        float64         `json:"mid"`
	Bid        SideStats       `json:"bid"`
	Ask        SideStats       `json:"ask"`
	Imbalance  float64         `json:"imbalance"`
}

// Key returns the instrument the snapshot belongs to.
func (s DepthSnapshot) Key() InstrumentKey {
	return InstrumentKey{Segment: s.Segment, SecurityID: s.SecurityID}
}
