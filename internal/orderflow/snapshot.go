package orderflow

import (
	"sort"
	"time"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

// BuildSnapshot pairs one bid and one ask array into a DepthSnapshot.
// Empty rungs are dropped; bids are ordered best (highest) first and asks
// best (lowest) first. The input slices are not modified.
func BuildSnapshot(key domain.InstrumentKey, bids, asks []domain.DepthLevel, at time.Time) domain.DepthSnapshot {
	b := validLevels(bids)
	a := validLevels(asks)
	sort.SliceStable(b, func(i, j int) bool { return b[i].Price > b[j].Price })
	sort.SliceStable(a, func(i, j int) bool { return a[i].Price < a[j].Price })

	snap := domain.DepthSnapshot{
		Time:       at,
		Segment:    key.Segment,
		SecurityID: key.SecurityID,
		Bids:       b,
		Asks:       a,
		Bid:        sideStats(b),
		Ask:        sideStats(a),
	}

	switch {
	case len(b) > 0 && len(a) > 0:
		snap.BestBid = b[0].Price
		snap.BestAsk = a[0].Price
		snap.Spread = snap.BestAsk - snap.BestBid
		snap.Mid = (snap.BestBid + snap.BestAsk) / 2
	case len(b) > 0:
		snap.BestBid = b[0].Price
		snap.Mid = snap.BestBid
	case len(a) > 0:
		snap.BestAsk = a[0].Price
		snap.Mid = snap.BestAsk
	}

	snap.Imbalance = ratio(snap.Bid.TotalQuantity-snap.Ask.TotalQuantity, snap.Bid.TotalQuantity+snap.Ask.TotalQuantity)
	return snap
}

func validLevels(in []domain.DepthLevel) []domain.DepthLevel {
	out := make([]domain.DepthLevel, 0, len(in))
	for _, l := range in {
		if l.Price > 0 && l.Quantity > 0 {
			out = append(out, l)
		}
	}
	return out
}

// sideStats expects levels ordered best first.
func sideStats(levels []domain.DepthLevel) domain.SideStats {
	var st domain.SideStats
	var notional float64
	for _, l := range levels {
		st.TotalQuantity += l.Quantity
		st.TotalOrders += l.Orders
		notional += l.Price * float64(l.Quantity)
	}
	if st.TotalQuantity == 0 {
		return st
	}
	st.VWAP = notional / float64(st.TotalQuantity)

	var cum int64
	for _, l := range levels {
		cum += l.Quantity
		if 2*cum >= st.TotalQuantity {
			st.Concentration = l.Price
			break
		}
	}
	return st
}

// ratio returns num/den as a float, or 0 when den is 0.
func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
