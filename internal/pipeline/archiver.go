package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/depthfeed/internal/domain"
	"github.com/alanyoungcy/depthfeed/internal/metrics"
)

// archiveLockKey names the cross-replica lock held for one archive run.
const archiveLockKey = "archive:ticks"

// Locker grants TTL-bounded exclusive access to a named resource.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Archiver periodically moves ticks older than the retention window from
// the database to object storage.
type Archiver struct {
	blob      domain.Archiver
	retention time.Duration
	cron      string
	lock      Locker
	lockTTL   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiver creates an Archiver that runs on the 5-field cron schedule.
func NewArchiver(blob domain.Archiver, retention time.Duration, cron string, m *metrics.Metrics, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:      blob,
		retention: retention,
		cron:      cron,
		metrics:   m,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       time.Now,
	}
}

// WithLock makes each run hold l for up to ttl. A run that finds the lock
// taken is skipped.
func (a *Archiver) WithLock(l Locker, ttl time.Duration) *Archiver {
	a.lock, a.lockTTL = l, ttl
	return a
}

// RunOnce archives every tick older than now minus the retention window.
func (a *Archiver) RunOnce(ctx context.Context) (int64, error) {
	if a.lock != nil {
		release, err := a.lock.Acquire(ctx, archiveLockKey, a.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.Info("archive run skipped, another replica holds the lock")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("pipeline: archive lock: %w", err)
		}
		defer release()
	}

	cutoff := a.now().UTC().Add(-a.retention)
	a.logger.Info("starting archive run", slog.Time("cutoff", cutoff), slog.Duration("retention", a.retention))

	n, err := a.blob.ArchiveTicks(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("pipeline: archive ticks before %v: %w", cutoff, err)
	}
	if a.metrics != nil {
		a.metrics.ArchivedRows.Add(float64(n))
	}
	a.logger.Info("archive run complete", slog.Int64("ticks_archived", n))
	return n, nil
}

// Run executes RunOnce on the cron schedule until ctx is cancelled.
// A failed run is logged and retried at the next trigger.
func (a *Archiver) Run(ctx context.Context) error {
	sched, err := parseCron(a.cron)
	if err != nil {
		return fmt.Errorf("pipeline: cron %q: %w", a.cron, err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", a.cron))

	for {
		next, err := sched.next(a.now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: cron %q: %w", a.cron, err)
		}
		wait := time.Until(next)
		a.logger.Debug("archiver waiting", slog.Time("next_run", next), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField matches one field of a cron expression. A nil set means any
// value.
type cronField map[int]bool

func (f cronField) matches(v int) bool { return f == nil || f[v] }

// parseCronField accepts "*", "*/n", "a", "a-b", "a-b/n" and comma lists
// of those, bounded to [lo, hi].
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return nil, nil
	}
	set := cronField{}
	for _, part := range strings.Split(field, ",") {
		rng, stepStr, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step %q", part)
			}
			step = n
		}

		from, to := lo, hi
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var errA, errB error
			from, errA = strconv.Atoi(a)
			to, errB = strconv.Atoi(b)
			if errA != nil || errB != nil {
				return nil, fmt.Errorf("invalid range %q", part)
			}
		default:
			n, err := strconv.Atoi(rng)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", part)
			}
			from = n
			if !hasStep {
				to = n
			}
		}
		if from < lo || to > hi || from > to {
			return nil, fmt.Errorf("%q out of range [%d, %d]", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			set[v] = true
		}
	}
	return set, nil
}

type cronSchedule struct {
	minute, hour, dom, month, dow cronField
}

func parseCron(expr string) (cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, fmt.Errorf("want 5 fields, got %d", len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	var parsed [5]cronField
	for i, f := range fields {
		p, err := parseCronField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return cronSchedule{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		parsed[i] = p
	}
	return cronSchedule{minute: parsed[0], hour: parsed[1], dom: parsed[2], month: parsed[3], dow: parsed[4]}, nil
}

func (c cronSchedule) matches(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dom.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dow.matches(int(t.Weekday()))
}

// next returns the first minute strictly after from that matches, looking
// at most one year ahead.
func (c cronSchedule) next(from time.Time) (time.Time, error) {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.Add(366 * 24 * time.Hour)
	for ; t.Before(limit); t = t.Add(time.Minute) {
		if c.matches(t) {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("no match within a year after %v", from)
}
