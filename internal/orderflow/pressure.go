package orderflow

import (
	"sort"
	"time"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

type pressureSample struct {
	at        time.Time
	bidOrders int64
	askOrders int64
}

// PressureTracker accumulates near-touch order counts per snapshot and
// reports bid/ask imbalance over trailing windows.
type PressureTracker struct {
	windows   []time.Duration
	levels    int
	threshold float64
	retention time.Duration
	samples   []pressureSample
}

// NewPressureTracker uses the pressure settings from cfg.
func NewPressureTracker(cfg Config) *PressureTracker {
	cfg.applyDefaults()
	windows := append([]time.Duration(nil), cfg.PressureWindows...)
	sort.Slice(windows, func(i, j int) bool { return windows[i] < windows[j] })
	return &PressureTracker{
		windows:   windows,
		levels:    cfg.PressureLevels,
		threshold: cfg.StateThreshold,
		retention: windows[len(windows)-1],
	}
}

// Add records the N closest rungs of each side of snap.
func (p *PressureTracker) Add(snap domain.DepthSnapshot) {
	p.samples = append(p.samples, pressureSample{
		at:        snap.Time,
		bidOrders: nearOrders(snap.Bids, p.levels, true),
		askOrders: nearOrders(snap.Asks, p.levels, false),
	})

	cutoff := snap.Time.Add(-p.retention)
	drop := 0
	for drop < len(p.samples) && !p.samples[drop].at.After(cutoff) {
		drop++
	}
	if drop > 0 {
		p.samples = append(p.samples[:0], p.samples[drop:]...)
	}
}

// Readings returns one reading per configured window, shortest first.
func (p *PressureTracker) Readings(now time.Time) []domain.PressureReading {
	out := make([]domain.PressureReading, 0, len(p.windows))
	for _, w := range p.windows {
		from := now.Add(-w)
		var bid, ask int64
		for _, s := range p.samples {
			if s.at.After(from) && !s.at.After(now) {
				bid += s.bidOrders
				ask += s.askOrders
			}
		}
		out = append(out, domain.PressureReading{
			Window:    w,
			WindowSec: int(w / time.Second),
			BidOrders: bid,
			AskOrders: ask,
			Imbalance: Imbalance(bid, ask),
		})
	}
	return out
}

// Classify maps the middle window's imbalance onto a flow state.
func (p *PressureTracker) Classify(readings []domain.PressureReading) domain.FlowState {
	if len(readings) == 0 {
		return domain.FlowNeutral
	}
	return ClassifyImbalance(readings[len(readings)/2].Imbalance, p.threshold)
}

// Imbalance is (bid-ask)/(bid+ask), 0 when both sides are empty.
func Imbalance(bid, ask int64) float64 {
	return ratio(bid-ask, bid+ask)
}

// ClassifyImbalance is bullish above +threshold, bearish below -threshold.
func ClassifyImbalance(imbalance, threshold float64) domain.FlowState {
	switch {
	case imbalance > threshold:
		return domain.FlowBullish
	case imbalance < -threshold:
		return domain.FlowBearish
	default:
		return domain.FlowNeutral
	}
}

// nearOrders sums orders on the n rungs closest to the touch.
func nearOrders(levels []domain.DepthLevel, n int, bids bool) int64 {
	sorted := make([]domain.DepthLevel, 0, len(levels))
	for _, l := range levels {
		if l.Price > 0 && l.Orders > 0 {
			sorted = append(sorted, l)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if bids {
			return sorted[i].Price > sorted[j].Price
		}
		return sorted[i].Price < sorted[j].Price
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	var sum int64
	for _, l := range sorted {
		sum += l.Orders
	}
	return sum
}
