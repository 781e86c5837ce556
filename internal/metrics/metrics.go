// Package metrics holds the Prometheus instruments shared by the feed,
// pipeline and fan-out components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "depthfeed"

// Metrics owns a private registry so that several instances can coexist in
// one process (tests, multiple apps).
type Metrics struct {
	registry *prometheus.Registry

	// Feed session
	Frames         *prometheus.CounterVec
	Packets        *prometheus.CounterVec
	DecodeFailures *prometheus.CounterVec
	Reconnects     *prometheus.CounterVec
	SessionState   *prometheus.GaugeVec

	// Batch persistence
	RowsAttempted   *prometheus.CounterVec
	RowsWritten     *prometheus.CounterVec
	RowsDropped     *prometheus.CounterVec
	FallbackFlushes *prometheus.CounterVec
	FlushDuration   *prometheus.HistogramVec
	QueueDepth      *prometheus.GaugeVec

	// Signals and fan-out
	AbsorptionEvents *prometheus.CounterVec
	TrackedLevels    prometheus.Gauge
	Published        *prometheus.CounterVec
	PublishDropped   *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec

	// Reference data and archive
	InstrumentsLoaded prometheus.Gauge
	UnknownInstrument prometheus.Counter
	ArchivedRows      prometheus.Counter
}

// New creates and registers every metric.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_total",
			Help: "WebSocket messages received per feed session",
		}, []string{"session"}),
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_total",
			Help: "Decoded packets per feed session and kind",
		}, []string{"session", "kind"}),
		DecodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_failures_total",
			Help: "Frames that failed to decode",
		}, []string{"session"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total",
			Help: "Reconnect cycles started per feed session",
		}, []string{"session"}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "session_state",
			Help: "Current session state (0 disconnected .. 5 closed)",
		}, []string{"session"}),

		RowsAttempted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rows_attempted_total",
			Help: "Rows handed to the store after dedup",
		}, []string{"table"}),
		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rows_written_total",
			Help: "Rows that became visible in the store",
		}, []string{"table"}),
		RowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rows_dropped_total",
			Help: "Rows that failed even on the row-by-row fallback",
		}, []string{"table"}),
		FallbackFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fallback_flushes_total",
			Help: "Batches retried through the row-by-row path",
		}, []string{"table"}),
		FlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "flush_duration_seconds",
			Help:    "Time spent writing one batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"table"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Records waiting in the persistence queue",
		}, []string{"table"}),

		AbsorptionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "absorption_events_total",
			Help: "Absorption events detected",
		}, []string{"side"}),
		TrackedLevels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tracked_levels",
			Help: "Levels currently tracked across all instruments",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "published_total",
			Help: "Messages published to downstream consumers",
		}, []string{"channel"}),
		PublishDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_dropped_total",
			Help: "Messages dropped because the fan-out queue was full or the breaker open",
		}, []string{"reason"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_failures_total",
			Help: "Publish calls that returned an error",
		}, []string{"channel"}),

		InstrumentsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "instruments_loaded",
			Help: "Instruments in the reference-data snapshot",
		}),
		UnknownInstrument: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "unknown_instrument_total",
			Help: "Ticks enriched without reference data",
		}),
		ArchivedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "archived_rows_total",
			Help: "Tick rows moved to object storage",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Frames, m.Packets, m.DecodeFailures, m.Reconnects, m.SessionState,
		m.RowsAttempted, m.RowsWritten, m.RowsDropped, m.FallbackFlushes, m.FlushDuration, m.QueueDepth,
		m.AbsorptionEvents, m.TrackedLevels, m.Published, m.PublishDropped, m.PublishFailures,
		m.InstrumentsLoaded, m.UnknownInstrument, m.ArchivedRows,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
