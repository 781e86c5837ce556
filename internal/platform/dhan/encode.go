package dhan

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

// Encode serialises a packet in the codec's layout. The header length field
// is always recomputed from the payload. It exists for fixtures and replay
// tooling; the live feed is receive-only.
func (c *Codec) Encode(p domain.Packet) ([]byte, error) {
	if c.layout == LayoutDepth {
		return c.encodeDepthLayout(p)
	}
	return c.encodeFeedLayout(p)
}

func (c *Codec) encodeFeedLayout(p domain.Packet) ([]byte, error) {
	var b []byte
	switch v := p.(type) {
	case domain.TickerPacket:
		b = c.feedHeader(v.PacketHeader, domain.KindTicker, tickerLen)
		c.putF32(b, 8, v.LTP)
		c.putI32(b, 12, v.LTT)

	case domain.QuotePacket:
		b = c.feedHeader(v.PacketHeader, domain.KindQuote, quoteLen)
		c.putF32(b, 8, v.LTP)
		c.putI16(b, 12, v.LTQ)
		c.putI32(b, 14, v.LTT)
		c.putF32(b, 18, v.ATP)
		c.putI32(b, 22, v.Volume)
		c.putI32(b, 26, v.TotalSellQty)
		c.putI32(b, 30, v.TotalBuyQty)
		c.putF32(b, 34, v.Open)
		c.putF32(b, 38, v.Close)
		c.putF32(b, 42, v.High)
		c.putF32(b, 46, v.Low)

	case domain.OIPacket:
		b = c.feedHeader(v.PacketHeader, domain.KindOI, oiLen)
		c.putI32(b, 8, v.OI)

	case domain.PrevClosePacket:
		b = c.feedHeader(v.PacketHeader, domain.KindPrevClose, prevCloseLen)
		c.putF32(b, 8, v.PrevClose)
		c.putI32(b, 12, v.PrevOI)

	case domain.FullPacket:
		b = c.feedHeader(v.PacketHeader, domain.KindFull, fullLen)
		c.putF32(b, 8, v.LTP)
		c.putI16(b, 12, v.LTQ)
		c.putI32(b, 14, v.LTT)
		c.putF32(b, 18, v.ATP)
		c.putI32(b, 22, v.Volume)
		c.putI32(b, 26, v.TotalSellQty)
		c.putI32(b, 30, v.TotalBuyQty)
		c.putI32(b, 34, v.OI)
		c.putI32(b, 38, v.OIHigh)
		c.putI32(b, 42, v.OILow)
		c.putF32(b, 46, v.Open)
		c.putF32(b, 50, v.Close)
		c.putF32(b, 54, v.High)
		c.putF32(b, 58, v.Low)
		for i, lvl := range v.Depth {
			o := 62 + i*quoteLevelLen
			c.putI32(b, o, lvl.BidQty)
			c.putI32(b, o+4, lvl.AskQty)
			c.putI16(b, o+8, lvl.BidOrders)
			c.putI16(b, o+10, lvl.AskOrders)
			c.putF32(b, o+12, lvl.BidPrice)
			c.putF32(b, o+16, lvl.AskPrice)
		}

	case domain.DisconnectPacket:
		b = c.feedHeader(v.PacketHeader, domain.KindDisconnect, disconnectLen)
		c.putI16(b, 8, v.Reason)

	default:
		return nil, fmt.Errorf("dhan: encode: %T not valid in %s layout", p, c.layout)
	}
	return b, nil
}

func (c *Codec) encodeDepthLayout(p domain.Packet) ([]byte, error) {
	switch v := p.(type) {
	case domain.DepthPacket:
		if len(v.Levels) > MaxDepthRows {
			return nil, fmt.Errorf("dhan: encode: %d depth rows exceeds %d", len(v.Levels), MaxDepthRows)
		}
		kind := domain.KindDepthBid
		if v.Side == domain.SideAsk {
			kind = domain.KindDepthAsk
		}
		b := c.depthHeader(v.PacketHeader, kind, depthHeaderLen+len(v.Levels)*depthRowLen)
		c.order.PutUint32(b[8:12], uint32(len(v.Levels)))
		for i, lvl := range v.Levels {
			o := depthHeaderLen + i*depthRowLen
			c.order.PutUint64(b[o:o+8], math.Float64bits(lvl.Price))
			c.order.PutUint32(b[o+8:o+12], uint32(lvl.Quantity))
			c.order.PutUint32(b[o+12:o+16], uint32(lvl.Orders))
		}
		return b, nil

	case domain.DisconnectPacket:
		b := c.depthHeader(v.PacketHeader, domain.KindDisconnect, depthDisconnectLen)
		c.putI16(b, 12, v.Reason)
		return b, nil

	default:
		return nil, fmt.Errorf("dhan: encode: %T not valid in %s layout", p, c.layout)
	}
}

func (c *Codec) feedHeader(h domain.PacketHeader, kind domain.PacketKind, size int) []byte {
	b := make([]byte, size)
	b[0] = byte(kind)
	c.order.PutUint16(b[1:3], uint16(size))
	b[3] = byte(h.Segment)
	c.order.PutUint32(b[4:8], h.SecurityID)
	return b
}

func (c *Codec) depthHeader(h domain.PacketHeader, kind domain.PacketKind, size int) []byte {
	b := make([]byte, size)
	c.order.PutUint16(b[0:2], uint16(size))
	b[2] = byte(kind)
	b[3] = byte(h.Segment)
	c.order.PutUint32(b[4:8], h.SecurityID)
	return b
}

func (c *Codec) putF32(b []byte, off int, v float32) {
	c.order.PutUint32(b[off:off+4], math.Float32bits(v))
}

func (c *Codec) putI32(b []byte, off int, v int32) {
	c.order.PutUint32(b[off:off+4], uint32(v))
}

func (c *Codec) putI16(b []byte, off int, v int16) {
	c.order.PutUint16(b[off:off+2], uint16(v))
}
