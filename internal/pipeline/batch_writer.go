package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/depthfeed/internal/domain"
	"github.com/alanyoungcy/depthfeed/internal/metrics"
)

// BatchStore is the persistence side of a BatchWriter. InsertBatch writes
// all records in one statement and returns the number that became visible;
// InsertOne reports whether the single row was new. Both skip rows whose
// key already exists.
type BatchStore[T any] interface {
	InsertBatch(ctx context.Context, records []T) (int64, error)
	InsertOne(ctx context.Context, record T) (bool, error)
}

// BatchConfig controls flush policy.
type BatchConfig struct {
	Table         string
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	FlushTimeout  time.Duration
	DrainTimeout  time.Duration
}

func (c *BatchConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.BatchSize * 4
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
}

// FlushResult reports the outcome of one flush.
type FlushResult struct {
	Received  int // records taken off the queue
	Attempted int // after in-batch dedup
	Written   int64
	Dropped   int
	Fallback  bool
	Duration  time.Duration
}

// WriterStats are cumulative counters since start.
type WriterStats struct {
	Flushes   uint64 `json:"flushes"`
	Received  uint64 `json:"received"`
	Attempted uint64 `json:"attempted"`
	Written   uint64 `json:"written"`
	Dropped   uint64 `json:"dropped"`
	Fallbacks uint64 `json:"fallbacks"`
}

// BatchWriter buffers records and writes them in batches, flushing when the
// buffer reaches BatchSize or FlushInterval has elapsed since the last
// flush. Records sharing a key within one batch collapse to the last one.
// A single goroutine (Run) performs all writes; Submit may be called from
// any goroutine until Close.
type BatchWriter[T any, K comparable] struct {
	cfg     BatchConfig
	store   BatchStore[T]
	key     func(T) K
	metrics *metrics.Metrics
	logger  *slog.Logger

	in     chan T
	mu     sync.RWMutex
	closed bool

	flushes   atomic.Uint64
	received  atomic.Uint64
	attempted atomic.Uint64
	written   atomic.Uint64
	dropped   atomic.Uint64
	fallbacks atomic.Uint64
}

// NewBatchWriter creates a writer for store. key identifies duplicates.
// m may be nil.
func NewBatchWriter[T any, K comparable](cfg BatchConfig, store BatchStore[T], key func(T) K, m *metrics.Metrics, logger *slog.Logger) *BatchWriter[T, K] {
	cfg.applyDefaults()
	return &BatchWriter[T, K]{
		cfg:     cfg,
		store:   store,
		key:     key,
		metrics: m,
		logger:  logger.With(slog.String("component", "batch_writer"), slog.String("table", cfg.Table)),
		in:      make(chan T, cfg.QueueSize),
	}
}

// Submit queues rec, blocking while the queue is full. It never drops a
// record silently: the caller gets ctx's error or ErrWriterClosed.
func (w *BatchWriter[T, K]) Submit(ctx context.Context, rec T) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return fmt.Errorf("pipeline: submit to %s: %w", w.cfg.Table, domain.ErrWriterClosed)
	}

	select {
	case w.in <- rec:
		return nil
	default:
	}
	select {
	case w.in <- rec:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline: submit to %s: %w", w.cfg.Table, ctx.Err())
	}
}

// Close stops accepting records. Run flushes what is queued and returns.
func (w *BatchWriter[T, K]) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.in)
}

// Stats returns cumulative counters.
func (w *BatchWriter[T, K]) Stats() WriterStats {
	return WriterStats{
		Flushes:   w.flushes.Load(),
		Received:  w.received.Load(),
		Attempted: w.attempted.Load(),
		Written:   w.written.Load(),
		Dropped:   w.dropped.Load(),
		Fallbacks: w.fallbacks.Load(),
	}
}

// Run consumes the queue until Close is called, flushing by size and by
// time. If ctx is cancelled first, Run keeps draining for up to
// DrainTimeout so that records already submitted still reach the store.
// Writes always run on a context detached from ctx cancellation.
func (w *BatchWriter[T, K]) Run(ctx context.Context) error {
	w.logger.Info("batch writer started",
		slog.Int("batch_size", w.cfg.BatchSize),
		slog.Duration("flush_interval", w.cfg.FlushInterval),
	)
	writeCtx := context.WithoutCancel(ctx)
	buf := make([]T, 0, w.cfg.BatchSize)
	timer := time.NewTimer(w.cfg.FlushInterval)
	defer timer.Stop()

	flush := func(reason string) {
		if len(buf) > 0 {
			w.flush(writeCtx, buf, reason)
			buf = make([]T, 0, w.cfg.BatchSize)
		}
		timer.Reset(w.cfg.FlushInterval)
	}

	for {
		select {
		case rec, ok := <-w.in:
			if !ok {
				flush("drain")
				w.logger.Info("batch writer stopped", slog.Any("stats", w.Stats()))
				return nil
			}
			buf = append(buf, rec)
			w.setQueueDepth()
			if len(buf) >= w.cfg.BatchSize {
				flush("size")
			}
		case <-timer.C:
			flush("interval")
		case <-ctx.Done():
			w.drain(writeCtx, buf)
			w.logger.Info("batch writer stopped", slog.Any("stats", w.Stats()))
			return nil
		}
	}
}

// drain keeps reading until the queue is closed or DrainTimeout passes.
func (w *BatchWriter[T, K]) drain(ctx context.Context, buf []T) {
	deadline := time.NewTimer(w.cfg.DrainTimeout)
	defer deadline.Stop()
	for {
		select {
		case rec, ok := <-w.in:
			if !ok {
				w.flush(ctx, buf, "drain")
				return
			}
			buf = append(buf, rec)
			if len(buf) >= w.cfg.BatchSize {
				w.flush(ctx, buf, "drain")
				buf = make([]T, 0, w.cfg.BatchSize)
			}
		case <-deadline.C:
			w.flush(ctx, buf, "drain")
			if n := len(w.in); n > 0 {
				w.logger.Warn("drain timeout with records still queued", slog.Int("queued", n))
			}
			return
		}
	}
}

func (w *BatchWriter[T, K]) flush(ctx context.Context, recs []T, reason string) FlushResult {
	if len(recs) == 0 {
		return FlushResult{}
	}
	start := time.Now()
	batch := dedupLast(recs, w.key)
	res := FlushResult{Received: len(recs), Attempted: len(batch)}

	bctx, cancel := context.WithTimeout(ctx, w.cfg.FlushTimeout)
	written, err := w.store.InsertBatch(bctx, batch)
	cancel()
	if err != nil {
		w.logger.Warn("batch insert failed, falling back to row writes",
			slog.Int("rows", len(batch)),
			slog.String("error", err.Error()),
		)
		res.Fallback = true
		written, res.Dropped = w.writeRows(ctx, batch)
	}
	res.Written = written
	res.Duration = time.Since(start)

	w.flushes.Add(1)
	w.received.Add(uint64(res.Received))
	w.attempted.Add(uint64(res.Attempted))
	w.written.Add(uint64(res.Written))
	w.dropped.Add(uint64(res.Dropped))
	if res.Fallback {
		w.fallbacks.Add(1)
	}
	if w.metrics != nil {
		t := w.cfg.Table
		w.metrics.RowsAttempted.WithLabelValues(t).Add(float64(res.Attempted))
		w.metrics.RowsWritten.WithLabelValues(t).Add(float64(res.Written))
		w.metrics.RowsDropped.WithLabelValues(t).Add(float64(res.Dropped))
		if res.Fallback {
			w.metrics.FallbackFlushes.WithLabelValues(t).Inc()
		}
		w.metrics.FlushDuration.WithLabelValues(t).Observe(res.Duration.Seconds())
	}
	w.setQueueDepth()

	w.logger.Debug("batch flushed",
		slog.String("reason", reason),
		slog.Int("received", res.Received),
		slog.Int("attempted", res.Attempted),
		slog.Int64("written", res.Written),
		slog.Int("dropped", res.Dropped),
		slog.Bool("fallback", res.Fallback),
		slog.Duration("duration", res.Duration),
	)
	return res
}

// writeRows inserts one record at a time so that a single bad row only
// costs itself.
func (w *BatchWriter[T, K]) writeRows(ctx context.Context, batch []T) (written int64, dropped int) {
	for _, rec := range batch {
		rctx, cancel := context.WithTimeout(ctx, w.cfg.FlushTimeout)
		inserted, err := w.store.InsertOne(rctx, rec)
		cancel()
		if err != nil {
			dropped++
			w.logger.Error("row insert failed, dropping record",
				slog.Any("key", w.key(rec)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if inserted {
			written++
		}
	}
	return written, dropped
}

func (w *BatchWriter[T, K]) setQueueDepth() {
	if w.metrics != nil {
		w.metrics.QueueDepth.WithLabelValues(w.cfg.Table).Set(float64(len(w.in)))
	}
}

// dedupLast collapses records sharing a key to the last one seen while
// keeping the position of the first occurrence.
func dedupLast[T any, K comparable](recs []T, key func(T) K) []T {
	idx := make(map[K]int, len(recs))
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		k := key(r)
		if i, ok := idx[k]; ok {
			out[i] = r
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}
