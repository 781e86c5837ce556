package orderflow

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/depthfeed/internal/domain"
	"github.com/alanyoungcy/depthfeed/internal/metrics"
)

type book struct {
	levels   *LevelTracker
	pressure *PressureTracker
}

// Engine turns depth snapshots into SignalStates. Update must be called
// from a single goroutine; the latest states are readable concurrently
// through Store.
type Engine struct {
	cfg     Config
	books   map[domain.InstrumentKey]*book
	store   *StateStore
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEngine creates a SignalEngine. m may be nil.
func NewEngine(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:     cfg,
		books:   make(map[domain.InstrumentKey]*book),
		store:   NewStateStore(),
		metrics: m,
		logger:  logger.With(slog.String("component", "signal_engine")),
	}
}

// Store returns the read side holding the latest state per instrument.
func (e *Engine) Store() *StateStore { return e.store }

// Update folds snap into the instrument's trackers and returns the new
// condensed state together with absorption events first seen on it.
func (e *Engine) Update(snap domain.DepthSnapshot) (domain.SignalState, []domain.AbsorptionEvent) {
	key := snap.Key()
	b, ok := e.books[key]
	if !ok {
		b = &book{levels: NewLevelTracker(key, e.cfg), pressure: NewPressureTracker(e.cfg)}
		e.books[key] = b
	}

	price := snap.Mid
	var events []domain.AbsorptionEvent
	if price > 0 {
		events = b.levels.Update(snap, price)
	}
	for _, ev := range events {
		e.logger.Info("absorption detected",
			slog.String("instrument", key.String()),
			slog.Float64("price", ev.Price),
			slog.String("side", string(ev.Side)),
			slog.Float64("reduction_pct", ev.ReductionPct),
			slog.Float64("consistency", ev.Consistency),
			slog.Bool("crossed", ev.Crossed),
		)
		if e.metrics != nil {
			e.metrics.AbsorptionEvents.WithLabelValues(string(ev.Side)).Inc()
		}
	}

	b.pressure.Add(snap)
	readings := b.pressure.Readings(snap.Time)

	state := domain.SignalState{
		Time:        snap.Time,
		Segment:     snap.Segment,
		SecurityID:  snap.SecurityID,
		Price:       price,
		Snapshot:    snap,
		Levels:      b.levels.Verified(snap.Time, e.cfg.TopLevels),
		Absorptions: e.recentAbsorptions(b, snap),
		Pressure:    readings,
		State:       b.pressure.Classify(readings),
	}
	e.store.Put(state)

	if e.metrics != nil {
		total := 0
		for _, bk := range e.books {
			total += bk.levels.Len()
		}
		e.metrics.TrackedLevels.Set(float64(total))
	}
	return state, events
}

func (e *Engine) recentAbsorptions(b *book, snap domain.DepthSnapshot) []domain.AbsorptionEvent {
	all := b.levels.Absorptions()
	out := all[:0]
	for _, ev := range all {
		if snap.Time.Sub(ev.Time) <= e.cfg.AbsorptionTTL {
			out = append(out, ev)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// StateStore holds the latest SignalState per instrument. Stored values
// are never mutated after Put.
type StateStore struct {
	mu     sync.RWMutex
	states map[domain.InstrumentKey]domain.SignalState
}

// NewStateStore returns an empty store.
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[domain.InstrumentKey]domain.SignalState)}
}

// Put replaces the state for its instrument.
func (s *StateStore) Put(state domain.SignalState) {
	s.mu.Lock()
	s.states[state.Key()] = state
	s.mu.Unlock()
}

// Get returns the latest state for key.
func (s *StateStore) Get(key domain.InstrumentKey) (domain.SignalState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[key]
	return st, ok
}

// List returns every latest state ordered by instrument.
func (s *StateStore) List() []domain.SignalState {
	s.mu.RLock()
	out := make([]domain.SignalState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Segment != out[j].Segment {
			return out[i].Segment < out[j].Segment
		}
		return out[i].SecurityID < out[j].SecurityID
	})
	return out
}
