package s3blob

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

// ParquetContentType is the media type set on uploaded archive objects.
const ParquetContentType = "application/vnd.apache.parquet"

// tickRow is the archived column layout of an enriched tick.
type tickRow struct {
	Time            int64    `parquet:"name=time, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	Segment         string   `parquet:"name=exchange_segment, type=BYTE_ARRAY, convertedtype=UTF8"`
	SecurityID      int64    `parquet:"name=security_id, type=INT64"`
	Symbol          *string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	LTP             float64  `parquet:"name=ltp, type=DOUBLE"`
	LTQ             int64    `parquet:"name=ltq, type=INT64"`
	ATP             float64  `parquet:"name=atp, type=DOUBLE"`
	Volume          int64    `parquet:"name=volume, type=INT64"`
	OI              int64    `parquet:"name=oi, type=INT64"`
	BestBid         float64  `parquet:"name=best_bid, type=DOUBLE"`
	BestAsk         float64  `parquet:"name=best_ask, type=DOUBLE"`
	BestBidQty      int64    `parquet:"name=best_bid_qty, type=INT64"`
	BestAskQty      int64    `parquet:"name=best_ask_qty, type=INT64"`
	Mid             *float64 `parquet:"name=mid, type=DOUBLE, repetitiontype=OPTIONAL"`
	Spread          *float64 `parquet:"name=spread, type=DOUBLE, repetitiontype=OPTIONAL"`
	VolumeDelta     int64    `parquet:"name=volume_delta, type=INT64"`
	OIDelta         int64    `parquet:"name=oi_delta, type=INT64"`
	PriceDelta      float64  `parquet:"name=price_delta, type=DOUBLE"`
	Aggressor       string   `parquet:"name=aggressor, type=BYTE_ARRAY, convertedtype=UTF8"`
	CVDChange       int64    `parquet:"name=cvd_change, type=INT64"`
	CVD             int64    `parquet:"name=cvd, type=INT64"`
	BidDepth        int64    `parquet:"name=bid_depth, type=INT64"`
	AskDepth        int64    `parquet:"name=ask_depth, type=INT64"`
	Imbalance       float64  `parquet:"name=imbalance, type=DOUBLE"`
	ConsumptionRate float64  `parquet:"name=consumption_rate, type=DOUBLE"`
	FlowIntensity   float64  `parquet:"name=flow_intensity, type=DOUBLE"`
	Toxicity        float64  `parquet:"name=toxicity, type=DOUBLE"`
	FlowImpact      float64  `parquet:"name=flow_impact, type=DOUBLE"`
	ChangePct       *float64 `parquet:"name=change_pct, type=DOUBLE, repetitiontype=OPTIONAL"`
}

func toTickRow(r domain.EnrichedRecord) tickRow {
	var symbol *string
	if r.Instrument != nil && r.Instrument.Symbol != "" {
		s := r.Instrument.Symbol
		symbol = &s
	}
	return tickRow{
		Time:            r.Time.UnixMicro(),
		Segment:         r.Segment.String(),
		SecurityID:      int64(r.SecurityID),
		Symbol:          symbol,
		LTP:             r.LTP,
		LTQ:             r.LTQ,
		ATP:             r.ATP,
		Volume:          r.Volume,
		OI:              r.OI,
		BestBid:         r.BestBid,
		BestAsk:         r.BestAsk,
		BestBidQty:      r.BestBidQty,
		BestAskQty:      r.BestAskQty,
		Mid:             r.Mid,
		Spread:          r.Spread,
		VolumeDelta:     r.VolumeDelta,
		OIDelta:         r.OIDelta,
		PriceDelta:      r.PriceDelta,
		Aggressor:       r.Aggressor.String(),
		CVDChange:       r.CVDChange,
		CVD:             r.CVD,
		BidDepth:        r.BidDepth,
		AskDepth:        r.AskDepth,
		Imbalance:       r.Imbalance,
		ConsumptionRate: r.ConsumptionRate,
		FlowIntensity:   r.FlowIntensity,
		Toxicity:        r.Toxicity,
		FlowImpact:      r.FlowImpact,
		ChangePct:       r.ChangePct,
	}
}

// memFile is a write-only source.ParquetFile backed by a buffer.
type memFile struct {
	buf *bytes.Buffer
}

func newMemFile() *memFile { return &memFile{buf: &bytes.Buffer{}} }

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buf.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, errors.New("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buf.Write(b) }
func (m *memFile) Close() error                              { return nil }

// EncodeTicks renders records as one snappy-compressed parquet file.
func EncodeTicks(records []domain.EnrichedRecord) ([]byte, error) {
	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(tickRow), 1)
	if err != nil {
		return nil, fmt.Errorf("s3blob: new parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i, rec := range records {
		if err := pw.Write(toTickRow(rec)); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("s3blob: write parquet row %d: %w", i, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("s3blob: finalize parquet: %w", err)
	}
	return mem.buf.Bytes(), nil
}
