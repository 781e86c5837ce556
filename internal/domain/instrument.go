package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ExchangeSegment is the one-byte exchange segment code used on the wire.
type ExchangeSegment uint8

const (
	SegmentIndex       ExchangeSegment = 0
	SegmentNSEEquity   ExchangeSegment = 1
	SegmentNSEFNO      ExchangeSegment = 2
	SegmentNSECurrency ExchangeSegment = 3
	SegmentBSEEquity   ExchangeSegment = 4
	SegmentMCXComm     ExchangeSegment = 5
	SegmentBSECurrency ExchangeSegment = 7
	SegmentBSEFNO      ExchangeSegment = 8
)

var segmentNames = map[ExchangeSegment]string{
	SegmentIndex:       "IDX_I",
	SegmentNSEEquity:   "NSE_EQ",
	SegmentNSEFNO:      "NSE_FNO",
	SegmentNSECurrency: "NSE_CURRENCY",
	SegmentBSEEquity:   "BSE_EQ",
	SegmentMCXComm:     "MCX_COMM",
	SegmentBSECurrency: "BSE_CURRENCY",
	SegmentBSEFNO:      "BSE_FNO",
}

func (s ExchangeSegment) String() string {
	if name, ok := segmentNames[s]; ok {
		return name
	}
	return "SEGMENT_" + strconv.Itoa(int(s))
}

// ParseSegment resolves a segment name such as "NSE_FNO" to its wire code.
func ParseSegment(name string) (ExchangeSegment, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for seg, n := range segmentNames {
		if n == upper {
			return seg, nil
		}
	}
	return 0, fmt.Errorf("unknown exchange segment %q", name)
}

// MarshalText renders the segment by name in JSON and TOML.
func (s ExchangeSegment) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts a segment name.
func (s *ExchangeSegment) UnmarshalText(text []byte) error {
	seg, err := ParseSegment(string(text))
	if err != nil {
		return err
	}
	*s = seg
	return nil
}

// InstrumentKey identifies one instrument on one exchange segment.
type InstrumentKey struct {
	Segment    ExchangeSegment `json:"segment" toml:"segment"`
	SecurityID uint32          `json:"security_id" toml:"security_id"`
}

func (k InstrumentKey) String() string {
	return k.Segment.String() + ":" + strconv.FormatUint(uint64(k.SecurityID), 10)
}

// ParseInstrumentKey parses the "<segment>:<security_id>" form produced by String.
func ParseInstrumentKey(s string) (InstrumentKey, error) {
	seg, id, ok := strings.Cut(s, ":")
	if !ok {
		return InstrumentKey{}, fmt.Errorf("instrument key %q: missing separator", s)
	}
	segment, err := ParseSegment(seg)
	if err != nil {
		return InstrumentKey{}, err
	}
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return InstrumentKey{}, fmt.Errorf("instrument key %q: %w", s, err)
	}
	return InstrumentKey{Segment: segment, SecurityID: uint32(n)}, nil
}

// InstrumentInfo is static reference data for a tradable instrument.
type InstrumentInfo struct {
	SecurityID uint32          `json:"security_id"`
	Segment    ExchangeSegment `json:"segment"`
	Symbol     string          `json:"symbol"`
	Exchange   string          `json:"exchange"`
	TickSize   float64         `json:"tick_size"`
	LotSize    int             `json:"lot_size"`
}

// Key returns the lookup key for the instrument.
func (i InstrumentInfo) Key() InstrumentKey {
	return InstrumentKey{Segment: i.Segment, SecurityID: i.SecurityID}
}

// InstrumentLookup is a read-only view over the instrument master.
type InstrumentLookup interface {
	Lookup(key InstrumentKey) (InstrumentInfo, bool)
}
