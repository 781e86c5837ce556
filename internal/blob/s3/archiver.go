package s3blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

// ObjectChecker confirms uploads and removes orphans.
type ObjectChecker interface {
	Size(ctx context.Context, path string) (int64, bool, error)
	Delete(ctx context.Context, path string) error
}

// TickArchiver implements domain.Archiver. Ticks are moved one UTC day at
// a time: the day is read from the store, encoded as parquet, uploaded to
//
//	<prefix>/date=YYYY-MM-DD/<uuid>.parquet
//
// and only then deleted from the store.
type TickArchiver struct {
	store    domain.TickArchiveStore
	writer   domain.BlobWriter
	checker  ObjectChecker
	prefix   string
	partSize int64
	newID    func() string
	logger   *slog.Logger
}

// NewTickArchiver creates a TickArchiver. checker may be nil to skip
// upload verification.
func NewTickArchiver(store domain.TickArchiveStore, writer domain.BlobWriter, checker ObjectChecker, prefix string, logger *slog.Logger) *TickArchiver {
	if prefix == "" {
		prefix = "ticks"
	}
	return &TickArchiver{
		store:    store,
		writer:   writer,
		checker:  checker,
		prefix:   prefix,
		partSize: 64 * 1024 * 1024,
		newID:    uuid.NewString,
		logger:   logger.With(slog.String("component", "tick_archiver")),
	}
}

// ArchiveTicks moves every tick with time < before and returns how many
// rows were archived. Days completed before an error stay archived.
func (a *TickArchiver) ArchiveTicks(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		oldest, err := a.store.OldestBefore(ctx, before)
		if errors.Is(err, domain.ErrNotFound) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("s3blob: find oldest tick: %w", err)
		}

		from := oldest.UTC().Truncate(24 * time.Hour)
		to := from.Add(24 * time.Hour)
		if to.After(before) {
			to = before
		}
		n, err := a.archiveDay(ctx, from, to)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("s3blob: no ticks listed in [%s, %s) after oldest %s", from, to, oldest)
		}
	}
}

func (a *TickArchiver) archiveDay(ctx context.Context, from, to time.Time) (int64, error) {
	records, err := a.store.ListRange(ctx, from, to, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list ticks %s: %w", from.Format(time.DateOnly), err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	data, err := EncodeTicks(records)
	if err != nil {
		return 0, err
	}
	key := a.objectKey(from)
	if err := PutBytes(ctx, a.writer, key, data, ParquetContentType, a.partSize); err != nil {
		return 0, err
	}
	if a.checker != nil {
		size, found, err := a.checker.Size(ctx, key)
		if err != nil {
			return 0, err
		}
		if !found || size != int64(len(data)) {
			return 0, fmt.Errorf("s3blob: verify %s: found=%t size=%d want %d", key, found, size, len(data))
		}
	}

	deleted, err := a.store.DeleteRange(ctx, from, to)
	if err != nil {
		// leave no object behind that a rerun would duplicate
		if a.checker != nil {
			if derr := a.checker.Delete(context.WithoutCancel(ctx), key); derr != nil {
				a.logger.Error("remove orphaned archive object", slog.String("key", key), slog.String("error", derr.Error()))
			}
		}
		return 0, fmt.Errorf("s3blob: delete archived ticks %s: %w", from.Format(time.DateOnly), err)
	}
	if deleted != int64(len(records)) {
		a.logger.Warn("deleted row count differs from archived",
			slog.String("day", from.Format(time.DateOnly)),
			slog.Int("archived", len(records)),
			slog.Int64("deleted", deleted),
		)
	}
	a.logger.Info("archived tick day",
		slog.String("key", key),
		slog.Int("rows", len(records)),
		slog.Int("bytes", len(data)),
	)
	return int64(len(records)), nil
}

func (a *TickArchiver) objectKey(day time.Time) string {
	return fmt.Sprintf("%s/date=%s/%s.parquet", a.prefix, day.Format(time.DateOnly), a.newID())
}

var _ domain.Archiver = (*TickArchiver)(nil)
