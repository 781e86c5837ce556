// Package dhan implements the binary market feed protocol: frame decoding
// and encoding, subscription control messages, and the WebSocket dialer.
package dhan

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

// Layout selects the header format of a feed endpoint.
type Layout int

const (
	// LayoutFeed is the market feed: 8-byte header, code first.
	LayoutFeed Layout = iota
	// LayoutDepth is the 200-level depth feed: 12-byte header, length first.
	LayoutDepth
)

func (l Layout) String() string {
	if l == LayoutDepth {
		return "depth"
	}
	return "feed"
}

const (
	feedHeaderLen  = 8
	depthHeaderLen = 12
	depthRowLen    = 16
	quoteLevelLen  = 20

	tickerLen          = 16
	quoteLen           = 50
	oiLen              = 12
	prevCloseLen       = 16
	fullLen            = 162
	disconnectLen      = 10
	depthDisconnectLen = 14

	// MaxDepthRows is the number of rungs per side in a depth frame.
	MaxDepthRows = 200

	// DepthFrameLen is the size of one complete 200-row depth frame.
	DepthFrameLen = depthHeaderLen + MaxDepthRows*depthRowLen
)

// Codec decodes and encodes frames for one layout and byte order. It holds
// no mutable state and is safe for concurrent use.
type Codec struct {
	order  binary.ByteOrder
	layout Layout
}

// NewCodec returns a codec for the given wire byte order and layout. A nil
// order defaults to little-endian.
func NewCodec(order binary.ByteOrder, layout Layout) *Codec {
	if order == nil {
		order = binary.LittleEndian
	}
	return &Codec{order: order, layout: layout}
}

// Layout reports the header layout this codec handles.
func (c *Codec) Layout() Layout { return c.layout }

// Split slices one WebSocket message into independently decodable frames.
// A message of exactly two depth frames is cut at the byte midpoint;
// otherwise frames are walked by their declared lengths. Trailing bytes that
// cannot form a frame are returned as a final slice so that Decode reports
// them instead of silently dropping them.
func (c *Codec) Split(buf []byte) [][]byte {
	if c.layout == LayoutDepth && len(buf) == 2*DepthFrameLen {
		return [][]byte{buf[:DepthFrameLen], buf[DepthFrameLen:]}
	}

	hdr := c.headerLen()
	var frames [][]byte
	for off := 0; off < len(buf); {
		rest := buf[off:]
		if len(rest) < hdr {
			frames = append(frames, rest)
			break
		}
		n := int(c.declaredLen(rest))
		if n < hdr || n > len(rest) {
			frames = append(frames, rest)
			break
		}
		frames = append(frames, rest[:n])
		off += n
	}
	return frames
}

// Decode parses exactly one frame. Malformed input yields an error wrapping
// domain.ErrProtocolDecode; unknown packet kinds additionally wrap
// domain.ErrUnknownPacket.
func (c *Codec) Decode(buf []byte) (domain.Packet, error) {
	if c.layout == LayoutDepth {
		return c.decodeDepthLayout(buf)
	}
	return c.decodeFeedLayout(buf)
}

func (c *Codec) headerLen() int {
	if c.layout == LayoutDepth {
		return depthHeaderLen
	}
	return feedHeaderLen
}

func (c *Codec) declaredLen(b []byte) uint16 {
	if c.layout == LayoutDepth {
		return c.order.Uint16(b[0:2])
	}
	return c.order.Uint16(b[1:3])
}

func (c *Codec) decodeFeedLayout(buf []byte) (domain.Packet, error) {
	if len(buf) < feedHeaderLen {
		return nil, decodeErr("short header: %d bytes", len(buf))
	}
	h := domain.PacketHeader{
		Kind:       domain.PacketKind(buf[0]),
		Length:     c.order.Uint16(buf[1:3]),
		Segment:    domain.ExchangeSegment(buf[3]),
		SecurityID: c.order.Uint32(buf[4:8]),
	}
	if int(h.Length) < feedHeaderLen || int(h.Length) > len(buf) {
		return nil, decodeErr("%s: declared length %d, buffer %d", h.Kind, h.Length, len(buf))
	}
	b := buf[:h.Length]

	switch h.Kind {
	case domain.KindTicker:
		if err := need(h, len(b), tickerLen); err != nil {
			return nil, err
		}
		return domain.TickerPacket{
			PacketHeader: h,
			LTP:          c.f32(b, 8),
			LTT:          c.i32(b, 12),
		}, nil

	case domain.KindQuote:
		if err := need(h, len(b), quoteLen); err != nil {
			return nil, err
		}
		return domain.QuotePacket{
			PacketHeader: h,
			LTP:          c.f32(b, 8),
			LTQ:          c.i16(b, 12),
			LTT:          c.i32(b, 14),
			ATP:          c.f32(b, 18),
			Volume:       c.i32(b, 22),
			TotalSellQty: c.i32(b, 26),
			TotalBuyQty:  c.i32(b, 30),
			Open:         c.f32(b, 34),
			Close:        c.f32(b, 38),
			High:         c.f32(b, 42),
			Low:          c.f32(b, 46),
		}, nil

	case domain.KindOI:
		if err := need(h, len(b), oiLen); err != nil {
			return nil, err
		}
		return domain.OIPacket{PacketHeader: h, OI: c.i32(b, 8)}, nil

	case domain.KindPrevClose:
		if err := need(h, len(b), prevCloseLen); err != nil {
			return nil, err
		}
		return domain.PrevClosePacket{
			PacketHeader: h,
			PrevClose:    c.f32(b, 8),
			PrevOI:       c.i32(b, 12),
		}, nil

	case domain.KindFull:
		if err := need(h, len(b), fullLen); err != nil {
			return nil, err
		}
		p := domain.FullPacket{
			PacketHeader: h,
			LTP:          c.f32(b, 8),
			LTQ:          c.i16(b, 12),
			LTT:          c.i32(b, 14),
			ATP:          c.f32(b, 18),
			Volume:       c.i32(b, 22),
			TotalSellQty: c.i32(b, 26),
			TotalBuyQty:  c.i32(b, 30),
			OI:           c.i32(b, 34),
			OIHigh:       c.i32(b, 38),
			OILow:        c.i32(b, 42),
			Open:         c.f32(b, 46),
			Close:        c.f32(b, 50),
			High:         c.f32(b, 54),
			Low:          c.f32(b, 58),
		}
		for i := range p.Depth {
			o := 62 + i*quoteLevelLen
			p.Depth[i] = domain.QuoteLevel{
				BidQty:    c.i32(b, o),
				AskQty:    c.i32(b, o+4),
				BidOrders: c.i16(b, o+8),
				AskOrders: c.i16(b, o+10),
				BidPrice:  c.f32(b, o+12),
				AskPrice:  c.f32(b, o+16),
			}
		}
		return p, nil

	case domain.KindDisconnect:
		if err := need(h, len(b), disconnectLen); err != nil {
			return nil, err
		}
		return domain.DisconnectPacket{PacketHeader: h, Reason: c.i16(b, 8)}, nil

	default:
		return nil, fmt.Errorf("dhan: decode: %w: %w: code %d", domain.ErrProtocolDecode, domain.ErrUnknownPacket, uint8(h.Kind))
	}
}

func (c *Codec) decodeDepthLayout(buf []byte) (domain.Packet, error) {
	if len(buf) < depthHeaderLen {
		return nil, decodeErr("short depth header: %d bytes", len(buf))
	}
	h := domain.PacketHeader{
		Length:     c.order.Uint16(buf[0:2]),
		Kind:       domain.PacketKind(buf[2]),
		Segment:    domain.ExchangeSegment(buf[3]),
		SecurityID: c.order.Uint32(buf[4:8]),
	}
	if int(h.Length) < depthHeaderLen || int(h.Length) > len(buf) {
		return nil, decodeErr("%s: declared length %d, buffer %d", h.Kind, h.Length, len(buf))
	}
	b := buf[:h.Length]

	switch h.Kind {
	case domain.KindDepthBid, domain.KindDepthAsk:
		rows := c.order.Uint32(b[8:12])
		if rows > MaxDepthRows {
			return nil, decodeErr("%s: %d rows exceeds %d", h.Kind, rows, MaxDepthRows)
		}
		if err := need(h, len(b), depthHeaderLen+int(rows)*depthRowLen); err != nil {
			return nil, err
		}
		side := domain.SideBid
		if h.Kind == domain.KindDepthAsk {
			side = domain.SideAsk
		}
		levels := make([]domain.DepthLevel, rows)
		for i := range levels {
			o := depthHeaderLen + i*depthRowLen
			levels[i] = domain.DepthLevel{
				Index:    i,
				Price:    math.Float64frombits(c.order.Uint64(b[o : o+8])),
				Quantity: int64(c.order.Uint32(b[o+8 : o+12])),
				Orders:   int64(c.order.Uint32(b[o+12 : o+16])),
			}
		}
		return domain.DepthPacket{PacketHeader: h, Side: side, Rows: rows, Levels: levels}, nil

	case domain.KindDisconnect:
		if err := need(h, len(b), depthDisconnectLen); err != nil {
			return nil, err
		}
		return domain.DisconnectPacket{PacketHeader: h, Reason: c.i16(b, 12)}, nil

	default:
		return nil, fmt.Errorf("dhan: decode: %w: %w: code %d", domain.ErrProtocolDecode, domain.ErrUnknownPacket, uint8(h.Kind))
	}
}

func (c *Codec) f32(b []byte, off int) float32 {
	return math.Float32frombits(c.order.Uint32(b[off : off+4]))
}

func (c *Codec) i32(b []byte, off int) int32 {
	return int32(c.order.Uint32(b[off : off+4]))
}

func (c *Codec) i16(b []byte, off int) int16 {
	return int16(c.order.Uint16(b[off : off+2]))
}

func need(h domain.PacketHeader, have, want int) error {
	if have < want {
		return decodeErr("%s: %d bytes, want %d", h.Kind, have, want)
	}
	return nil
}

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("dhan: decode: %w: %s", domain.ErrProtocolDecode, fmt.Sprintf(format, args...))
}
