package orderflow

import (
	"math"
	"sort"
	"time"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

// TrackedLevel is a price rung whose order count stood out against the
// surrounding book. It is owned by a single LevelTracker.
type TrackedLevel struct {
	Price      float64
	Side       domain.LevelSide
	Status     domain.LevelStatus
	FirstSeen  time.Time
	LastSeen   time.Time
	Orders     int64
	PeakOrders int64
	Quantity   int64
	Tests      int
	Active     bool

	inactiveSince time.Time
	near          bool
	history       *ring
	absorption    *domain.AbsorptionEvent
}

// Age reports how long the level has been tracked at now.
func (l *TrackedLevel) Age(now time.Time) time.Duration { return now.Sub(l.FirstSeen) }

// Verified reports whether the level has outlived the minimum dwell time.
func (l *TrackedLevel) Verified(now time.Time, dwell time.Duration) bool {
	return l.Age(now) >= dwell && l.Status != domain.LevelForming && l.Status != domain.LevelBroken
}

type rung struct {
	orders   int64
	quantity int64
}

// LevelTracker maintains the significant levels of one instrument.
// It is not safe for concurrent use.
type LevelTracker struct {
	cfg      Config
	levels   map[int64]*TrackedLevel
	mean     float64
	key      domain.InstrumentKey
	lastSeen time.Time
}

// NewLevelTracker creates a tracker for key.
func NewLevelTracker(key domain.InstrumentKey, cfg Config) *LevelTracker {
	cfg.applyDefaults()
	return &LevelTracker{cfg: cfg, key: key, levels: make(map[int64]*TrackedLevel)}
}

// Len returns the number of levels currently tracked, verified or not.
func (t *LevelTracker) Len() int { return len(t.levels) }

// Mean returns the mean order count near price from the latest update.
func (t *LevelTracker) Mean() float64 { return t.mean }

// Update folds one snapshot into the tracked levels using price as the
// reference, then returns absorption events first detected on this update.
func (t *LevelTracker) Update(snap domain.DepthSnapshot, price float64) []domain.AbsorptionEvent {
	now := snap.Time
	t.lastSeen = now
	rungs := t.rungs(snap)

	var sum int64
	var n int
	for k, r := range rungs {
		if math.Abs(t.price(k)-price) <= t.cfg.MeanWindow {
			sum += r.orders
			n++
		}
	}
	t.mean = 0
	if n > 0 {
		t.mean = float64(sum) / float64(n)
	}
	threshold := t.cfg.SignificanceMultiplier * t.mean

	for k, l := range t.levels {
		t.refresh(l, rungs[k], now, price)
	}
	if n > 0 {
		t.discover(rungs, now, price, threshold)
	}

	var events []domain.AbsorptionEvent
	for _, l := range t.levels {
		switch l.Status {
		case domain.LevelActive:
			if ev, ok := t.absorption(l, now, price, threshold); ok {
				l.Status = domain.LevelBreaking
				l.absorption = &ev
				events = append(events, ev)
			}
		case domain.LevelBreaking:
			if ev, ok := t.absorption(l, now, price, threshold); ok {
				ev.Time = l.absorption.Time
				l.absorption = &ev
			}
			if crossedBy(l, price, t.cfg.TouchTolerance) {
				l.Status = domain.LevelBroken
			}
		}
	}

	t.cleanup(now, price)
	return events
}

func (t *LevelTracker) rungs(snap domain.DepthSnapshot) map[int64]rung {
	out := make(map[int64]rung, len(snap.Bids)+len(snap.Asks))
	add := func(levels []domain.DepthLevel) {
		for _, l := range levels {
			if l.Price <= 0 || l.Orders <= 0 {
				continue
			}
			k := t.keyOf(l.Price)
			r := out[k]
			r.orders += l.Orders
			r.quantity += l.Quantity
			out[k] = r
		}
	}
	add(snap.Bids)
	add(snap.Asks)
	return out
}

func (t *LevelTracker) refresh(l *TrackedLevel, r rung, now time.Time, price float64) {
	dist := math.Abs(price - l.Price)
	if r.orders > 0 {
		l.Active = true
		l.inactiveSince = time.Time{}
		l.LastSeen = now
		l.Orders = r.orders
		l.Quantity = r.quantity
		if r.orders > l.PeakOrders {
			l.PeakOrders = r.orders
		}
	} else {
		if l.Active {
			l.inactiveSince = now
		}
		l.Active = false
		l.Orders = 0
		l.Quantity = 0
	}
	l.history.record(sample{At: now, Orders: l.Orders, Quantity: l.Quantity, Distance: dist}, t.sampleEvery())

	near := dist <= t.cfg.TouchTolerance
	if near && !l.near {
		l.Tests++
	}
	l.near = near

	if l.Status == domain.LevelForming && l.Age(now) >= t.cfg.MinDwell {
		l.Status = domain.LevelActive
	}
}

func (t *LevelTracker) discover(rungs map[int64]rung, now time.Time, price, threshold float64) {
	for k, r := range rungs {
		if _, ok := t.levels[k]; ok {
			continue
		}
		p := t.price(k)
		if float64(r.orders) <= threshold || math.Abs(p-price) > t.cfg.MeanWindow {
			continue
		}
		var side domain.LevelSide
		switch {
		case p < price:
			side = domain.LevelSupport
		case p > price:
			side = domain.LevelResistance
		default:
			continue
		}
		dist := math.Abs(price - p)
		l := &TrackedLevel{
			Price:      p,
			Side:       side,
			Status:     domain.LevelForming,
			FirstSeen:  now,
			LastSeen:   now,
			Orders:     r.orders,
			PeakOrders: r.orders,
			Quantity:   r.quantity,
			Active:     true,
			near:       dist <= t.cfg.TouchTolerance,
			history:    newRing(t.cfg.HistorySize),
		}
		if l.near {
			l.Tests = 1
		}
		if t.cfg.MinDwell <= 0 {
			l.Status = domain.LevelActive
		}
		l.history.record(sample{At: now, Orders: r.orders, Quantity: r.quantity, Distance: dist}, t.sampleEvery())
		t.levels[k] = l
	}
}

// absorption evaluates whether resting orders at l have been consumed:
// significant in the older window, down by at least MinReductionPct in the
// recent window, declining consistently, and close to price.
func (t *LevelTracker) absorption(l *TrackedLevel, now time.Time, price, threshold float64) (domain.AbsorptionEvent, bool) {
	if threshold <= 0 {
		return domain.AbsorptionEvent{}, false
	}
	olderAvg, olderN := l.history.avgOrders(now.Add(-t.cfg.OlderWindowStart), now.Add(-t.cfg.OlderWindowEnd), true)
	recentAvg, recentN := l.history.avgOrders(now.Add(-t.cfg.RecentWindow), now, false)
	if olderN == 0 || recentN == 0 || olderAvg < threshold {
		return domain.AbsorptionEvent{}, false
	}

	reduction := (olderAvg - recentAvg) / olderAvg * 100
	if reduction < t.cfg.MinReductionPct {
		return domain.AbsorptionEvent{}, false
	}
	consistency := l.history.declining(t.cfg.ConsistencySamples)
	if consistency < t.cfg.MinConsistency {
		return domain.AbsorptionEvent{}, false
	}
	dist := math.Abs(price - l.Price)
	if dist > t.cfg.AbsorptionDistance {
		return domain.AbsorptionEvent{}, false
	}

	return domain.AbsorptionEvent{
		Time:         now,
		Segment:      t.key.Segment,
		SecurityID:   t.key.SecurityID,
		Price:        l.Price,
		Side:         l.Side,
		OlderAvg:     olderAvg,
		RecentAvg:    recentAvg,
		ReductionPct: reduction,
		Consistency:  consistency,
		Distance:     dist,
		Crossed:      crossedBy(l, price, 0),
	}, true
}

// crossedBy reports whether price has moved strictly through l by more
// than margin.
func crossedBy(l *TrackedLevel, price, margin float64) bool {
	if l.Side == domain.LevelSupport {
		return price < l.Price-margin
	}
	return price > l.Price+margin
}

func (t *LevelTracker) cleanup(now time.Time, price float64) {
	for k, l := range t.levels {
		switch {
		case l.Status == domain.LevelBroken:
		case math.Abs(price-l.Price) > t.cfg.MaxDistance:
		case !l.Active && now.Sub(l.inactiveSince) > t.cfg.MaxInactive:
		case l.Tests == 0 && l.Age(now) > t.cfg.MaxUntestedAge:
		case l.Active && l.Tests == 0 && l.Orders < t.cfg.MinOrders:
		default:
			continue
		}
		delete(t.levels, k)
	}
}

// Verified returns up to k verified levels ordered by strength.
func (t *LevelTracker) Verified(now time.Time, k int) []domain.LevelView {
	views := make([]domain.LevelView, 0, len(t.levels))
	for _, l := range t.levels {
		if !l.Verified(now, t.cfg.MinDwell) {
			continue
		}
		strength := 0.0
		if t.mean > 0 {
			strength = float64(l.Orders) / t.mean
		}
		views = append(views, domain.LevelView{
			Price:      l.Price,
			Side:       l.Side,
			Status:     l.Status,
			Orders:     l.Orders,
			PeakOrders: l.PeakOrders,
			Quantity:   l.Quantity,
			Strength:   strength,
			AgeSeconds: l.Age(now).Seconds(),
			Tests:      l.Tests,
		})
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Strength != views[j].Strength {
			return views[i].Strength > views[j].Strength
		}
		return views[i].Price < views[j].Price
	})
	if k > 0 && len(views) > k {
		views = views[:k]
	}
	return views
}

// Absorptions returns the current event of every level that is breaking.
func (t *LevelTracker) Absorptions() []domain.AbsorptionEvent {
	var out []domain.AbsorptionEvent
	for _, l := range t.levels {
		if l.absorption != nil && l.Status == domain.LevelBreaking {
			out = append(out, *l.absorption)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

// Level returns the tracked level at price, if any.
func (t *LevelTracker) Level(price float64) (*TrackedLevel, bool) {
	l, ok := t.levels[t.keyOf(price)]
	return l, ok
}

// sampleEvery spaces history samples so a full ring reaches back to the
// start of the older absorption window.
func (t *LevelTracker) sampleEvery() time.Duration {
	return t.cfg.OlderWindowStart / time.Duration(t.cfg.HistorySize)
}

func (t *LevelTracker) keyOf(price float64) int64 {
	return int64(math.Round(price / t.cfg.PriceStep))
}

func (t *LevelTracker) price(k int64) float64 {
	return math.Round(float64(k)*t.cfg.PriceStep*100) / 100
}
