package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

// maxParams is PostgreSQL's limit on bind parameters per statement.
const maxParams = 65535

var tickColumns = []string{
	"time", "exchange_segment", "security_id", "symbol",
	"ltp", "ltq", "atp", "volume", "oi",
	"best_bid", "best_ask", "best_bid_qty", "best_ask_qty", "mid", "spread",
	"volume_delta", "oi_delta", "price_delta", "aggressor", "cvd_change", "cvd",
	"bid_depth", "ask_depth", "imbalance",
	"consumption_rate", "flow_intensity", "toxicity", "flow_impact",
	"change_pct", "received_at",
}

const conflictClause = " ON CONFLICT (time, exchange_segment, security_id) DO NOTHING"

// TickStore implements domain.TickStore and domain.TickArchiveStore.
type TickStore struct {
	db dbtx
}

// NewTickStore creates a TickStore on db, usually a *pgxpool.Pool.
func NewTickStore(db dbtx) *TickStore {
	return &TickStore{db: db}
}

// InsertBatch writes records with one multi-row INSERT per chunk. Rows
// whose (time, instrument) key exists are skipped; the return value counts
// rows actually inserted. On error nothing is committed.
func (s *TickStore) InsertBatch(ctx context.Context, records []domain.EnrichedRecord) (int64, error) {
	n, err := insertChunks(ctx, s.db, "ticks", tickColumns, len(records), func(i int) []any {
		return tickArgs(records[i])
	})
	if err != nil {
		return 0, fmt.Errorf("postgres: insert %d ticks: %w: %w", len(records), domain.ErrPersistence, err)
	}
	return n, nil
}

// InsertOne writes a single record and reports whether it was new.
func (s *TickStore) InsertOne(ctx context.Context, rec domain.EnrichedRecord) (bool, error) {
	query, args := buildInsert("ticks", tickColumns, 1, func(int) []any { return tickArgs(rec) })
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("postgres: insert tick %s: %w: %w", rec.Key(), domain.ErrPersistence, err)
	}
	return tag.RowsAffected() == 1, nil
}

// OldestBefore returns the earliest tick time strictly before before, or
// ErrNotFound when there is none.
func (s *TickStore) OldestBefore(ctx context.Context, before time.Time) (time.Time, error) {
	var ts *time.Time
	if err := s.db.QueryRow(ctx, "SELECT MIN(time) FROM ticks WHERE time < $1", before).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("postgres: oldest tick: %w", err)
	}
	if ts == nil {
		return time.Time{}, domain.ErrNotFound
	}
	return ts.UTC(), nil
}

// ListRange returns ticks with from <= time < to ordered by time.
func (s *TickStore) ListRange(ctx context.Context, from, to time.Time, limit int) ([]domain.EnrichedRecord, error) {
	query := "SELECT " + strings.Join(tickColumns, ", ") +
		" FROM ticks WHERE time >= $1 AND time < $2 ORDER BY time, exchange_segment, security_id"
	args := []any{from, to}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ticks: %w", err)
	}
	defer rows.Close()

	var out []domain.EnrichedRecord
	for rows.Next() {
		rec, err := scanTick(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan tick: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list ticks: %w", err)
	}
	return out, nil
}

// DeleteRange removes ticks with from <= time < to.
func (s *TickStore) DeleteRange(ctx context.Context, from, to time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, "DELETE FROM ticks WHERE time >= $1 AND time < $2", from, to)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete ticks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func tickArgs(r domain.EnrichedRecord) []any {
	var symbol *string
	if r.Instrument != nil && r.Instrument.Symbol != "" {
		symbol = &r.Instrument.Symbol
	}
	received := r.ReceivedAt
	if received.IsZero() {
		received = r.Time
	}
	return []any{
		r.Time, int16(r.Segment), int64(r.SecurityID), symbol,
		r.LTP, r.LTQ, r.ATP, r.Volume, r.OI,
		r.BestBid, r.BestAsk, r.BestBidQty, r.BestAskQty, r.Mid, r.Spread,
		r.VolumeDelta, r.OIDelta, r.PriceDelta, int16(r.Aggressor), r.CVDChange, r.CVD,
		r.BidDepth, r.AskDepth, r.Imbalance,
		r.ConsumptionRate, r.FlowIntensity, r.Toxicity, r.FlowImpact,
		r.ChangePct, received,
	}
}

func scanTick(row pgx.Row) (domain.EnrichedRecord, error) {
	var (
		r         domain.EnrichedRecord
		segment   int16
		id        int64
		symbol    *string
		aggressor int16
	)
	err := row.Scan(
		&r.Time, &segment, &id, &symbol,
		&r.LTP, &r.LTQ, &r.ATP, &r.Volume, &r.OI,
		&r.BestBid, &r.BestAsk, &r.BestBidQty, &r.BestAskQty, &r.Mid, &r.Spread,
		&r.VolumeDelta, &r.OIDelta, &r.PriceDelta, &aggressor, &r.CVDChange, &r.CVD,
		&r.BidDepth, &r.AskDepth, &r.Imbalance,
		&r.ConsumptionRate, &r.FlowIntensity, &r.Toxicity, &r.FlowImpact,
		&r.ChangePct, &r.ReceivedAt,
	)
	if err != nil {
		return r, err
	}
	r.Segment = domain.ExchangeSegment(segment)
	r.SecurityID = uint32(id)
	r.Aggressor = domain.Aggressor(aggressor)
	r.Time = r.Time.UTC()
	if symbol != nil {
		r.Instrument = &domain.InstrumentInfo{SecurityID: r.SecurityID, Segment: r.Segment, Symbol: *symbol}
	}
	return r, nil
}

// insertChunks inserts n rows with one statement per chunk of at most
// maxParams/len(cols) rows. More than one chunk runs inside a single
// transaction, so a failed chunk rolls back the ones before it.
func insertChunks(ctx context.Context, db dbtx, table string, cols []string, n int, row func(i int) []any) (int64, error) {
	per := maxParams / len(cols)
	run := func(q dbtx) (int64, error) {
		var total int64
		for start := 0; start < n; start += per {
			end := min(start+per, n)
			query, args := buildInsert(table, cols, end-start, func(i int) []any { return row(start + i) })
			tag, err := q.Exec(ctx, query, args...)
			if err != nil {
				return 0, fmt.Errorf("rows %d-%d: %w", start, end-1, err)
			}
			total += tag.RowsAffected()
		}
		return total, nil
	}
	if n <= per {
		return run(db)
	}

	var total int64
	err := pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		var err error
		total, err = run(tx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// buildInsert renders "INSERT INTO table (cols) VALUES (...), (...)" with
// numbered placeholders for n rows followed by the conflict clause.
func buildInsert(table string, cols []string, n int, row func(i int) []any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, n*len(cols))
	p := 1
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(p))
			p++
		}
		b.WriteByte(')')
		args = append(args, row(i)...)
	}
	b.WriteString(conflictClause)
	return b.String(), args
}

// isNotFound reports whether err is pgx's no-rows error.
func isNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
