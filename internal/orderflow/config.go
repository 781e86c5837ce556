// Package orderflow derives order-book microstructure signals from paired
// depth snapshots: significant resting levels, absorption of those levels,
// and windowed bid/ask pressure.
package orderflow

import "time"

// Config holds the empirical thresholds used by the level tracker and
// signal engine. None of them are protocol constants.
type Config struct {
	// Level discovery
	SignificanceMultiplier float64
	MeanWindow             float64
	PriceStep              float64
	MinDwell               time.Duration
	HistorySize            int
	TouchTolerance         float64

	// Cleanup
	MaxDistance    float64
	MaxInactive    time.Duration
	MaxUntestedAge time.Duration
	MinOrders      int64

	// Absorption
	OlderWindowStart   time.Duration
	OlderWindowEnd     time.Duration
	RecentWindow       time.Duration
	MinReductionPct    float64
	MinConsistency     float64
	ConsistencySamples int
	AbsorptionDistance float64
	AbsorptionTTL      time.Duration

	// Pressure
	PressureWindows []time.Duration
	PressureLevels  int
	StateThreshold  float64

	// Output
	TopLevels int
}

// DefaultConfig returns the thresholds the engine was tuned with.
func DefaultConfig() Config {
	return Config{
		SignificanceMultiplier: 2.5,
		MeanWindow:             100,
		PriceStep:              0.05,
		MinDwell:               10 * time.Second,
		HistorySize:            60,
		TouchTolerance:         5,

		MaxDistance:    250,
		MaxInactive:    60 * time.Second,
		MaxUntestedAge: 30 * time.Minute,
		MinOrders:      3,

		OlderWindowStart:   60 * time.Second,
		OlderWindowEnd:     30 * time.Second,
		RecentWindow:       3 * time.Second,
		MinReductionPct:    60,
		MinConsistency:     0.7,
		ConsistencySamples: 10,
		AbsorptionDistance: 10,
		AbsorptionTTL:      30 * time.Second,

		PressureWindows: []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
		PressureLevels:  20,
		StateThreshold:  0.3,

		TopLevels: 5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SignificanceMultiplier <= 0 {
		c.SignificanceMultiplier = d.SignificanceMultiplier
	}
	if c.MeanWindow <= 0 {
		c.MeanWindow = d.MeanWindow
	}
	if c.PriceStep <= 0 {
		c.PriceStep = d.PriceStep
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.MaxDistance <= 0 {
		c.MaxDistance = d.MaxDistance
	}
	if c.MaxInactive <= 0 {
		c.MaxInactive = d.MaxInactive
	}
	if c.MaxUntestedAge <= 0 {
		c.MaxUntestedAge = d.MaxUntestedAge
	}
	if c.OlderWindowStart <= 0 {
		c.OlderWindowStart = d.OlderWindowStart
	}
	if c.OlderWindowEnd <= 0 || c.OlderWindowEnd >= c.OlderWindowStart {
		c.OlderWindowEnd = c.OlderWindowStart / 2
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = d.RecentWindow
	}
	if c.ConsistencySamples < 2 {
		c.ConsistencySamples = d.ConsistencySamples
	}
	if c.AbsorptionTTL <= 0 {
		c.AbsorptionTTL = d.AbsorptionTTL
	}
	if len(c.PressureWindows) == 0 {
		c.PressureWindows = d.PressureWindows
	}
	if c.PressureLevels <= 0 {
		c.PressureLevels = d.PressureLevels
	}
	if c.TopLevels <= 0 {
		c.TopLevels = d.TopLevels
	}
}
