package dhan

import (
	"encoding/binary"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/alanyoungcy/depthfeed/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func header(kind domain.PacketKind, id uint32) domain.PacketHeader {
	return domain.PacketHeader{Kind: kind, Segment: domain.SegmentNSEFNO, SecurityID: id}
}

func fullFixture() domain.FullPacket {
	p := domain.FullPacket{
		PacketHeader: header(domain.KindFull, 52175),
		LTP:          24512.35,
		LTQ:          75,
		LTT:          1718000000,
		ATP:          24490.1,
		Volume:       1234500,
		TotalSellQty: 90000,
		TotalBuyQty:  110000,
		OI:           4500000,
		OIHigh:       4600000,
		OILow:        4400000,
		Open:         24400,
		Close:        24380.5,
		High:         24550.25,
		Low:          24390.75,
	}
	for i := range p.Depth {
		p.Depth[i] = domain.QuoteLevel{
			BidQty:    int32(100 * (i + 1)),
			AskQty:    int32(120 * (i + 1)),
			BidOrders: int16(3 + i),
			AskOrders: int16(4 + i),
			BidPrice:  24512.3 - float32(i)*0.05,
			AskPrice:  24512.4 + float32(i)*0.05,
		}
	}
	return p
}

func depthFixture(side domain.DepthSide, rows int) domain.DepthPacket {
	kind := domain.KindDepthBid
	if side == domain.SideAsk {
		kind = domain.KindDepthAsk
	}
	levels := make([]domain.DepthLevel, rows)
	for i := range levels {
		price := 24500.0 - float64(i)*0.05
		if side == domain.SideAsk {
			price = 24500.05 + float64(i)*0.05
		}
		levels[i] = domain.DepthLevel{Index: i, Price: price, Quantity: int64(75 * (i + 1)), Orders: int64(1 + i%7)}
	}
	return domain.DepthPacket{
		PacketHeader: header(kind, 52175),
		Side:         side,
		Rows:         uint32(rows),
		Levels:       levels,
	}
}

// withLength returns p with its header length set, matching what Decode yields.
func withLength(p domain.Packet, n int) domain.Packet {
	switch v := p.(type) {
	case domain.TickerPacket:
		v.Length = uint16(n)
		return v
	case domain.QuotePacket:
		v.Length = uint16(n)
		return v
	case domain.OIPacket:
		v.Length = uint16(n)
		return v
	case domain.PrevClosePacket:
		v.Length = uint16(n)
		return v
	case domain.FullPacket:
		v.Length = uint16(n)
		return v
	case domain.DepthPacket:
		v.Length = uint16(n)
		return v
	case domain.DisconnectPacket:
		v.Length = uint16(n)
		return v
	}
	return p
}

func TestCodecRoundTrip(t *testing.T) {
	feedPackets := []domain.Packet{
		domain.TickerPacket{PacketHeader: header(domain.KindTicker, 13), LTP: 22100.45, LTT: 1718000001},
		domain.QuotePacket{
			PacketHeader: header(domain.KindQuote, 1333), LTP: 1650.5, LTQ: 10, LTT: 1718000002, ATP: 1648.25,
			Volume: 987654, TotalSellQty: 4000, TotalBuyQty: 5000, Open: 1640, Close: 1635.5, High: 1655, Low: 1630.1,
		},
		domain.OIPacket{PacketHeader: header(domain.KindOI, 52175), OI: 4500000},
		domain.PrevClosePacket{PacketHeader: header(domain.KindPrevClose, 52175), PrevClose: 24380.5, PrevOI: 4400000},
		fullFixture(),
		domain.DisconnectPacket{PacketHeader: header(domain.KindDisconnect, 0), Reason: ReasonTokenExpired},
	}
	depthPackets := []domain.Packet{
		depthFixture(domain.SideBid, MaxDepthRows),
		depthFixture(domain.SideAsk, 20),
		domain.DisconnectPacket{PacketHeader: header(domain.KindDisconnect, 0), Reason: ReasonTooManyConnections},
	}

	orders := map[string]binary.ByteOrder{"little": binary.LittleEndian, "big": binary.BigEndian}
	for name, order := range orders {
		for _, tc := range []struct {
			layout  Layout
			packets []domain.Packet
		}{
			{LayoutFeed, feedPackets},
			{LayoutDepth, depthPackets},
		} {
			codec := NewCodec(order, tc.layout)
			for _, p := range tc.packets {
				t.Run(name+"/"+tc.layout.String()+"/"+p.Header().Kind.String(), func(t *testing.T) {
					buf, err := codec.Encode(p)
					require.NoError(t, err)

					got, err := codec.Decode(buf)
					require.NoError(t, err)
					assert.Equal(t, withLength(p, len(buf)), got)
				})
			}
		}
	}
}

func TestCodecEncodeRejectsWrongLayout(t *testing.T) {
	_, err := NewCodec(nil, LayoutDepth).Encode(fullFixture())
	assert.Error(t, err)

	_, err = NewCodec(nil, LayoutFeed).Encode(depthFixture(domain.SideBid, 1))
	assert.Error(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	feed := NewCodec(binary.LittleEndian, LayoutFeed)
	depth := NewCodec(binary.LittleEndian, LayoutDepth)

	full, err := feed.Encode(fullFixture())
	require.NoError(t, err)
	bid, err := depth.Encode(depthFixture(domain.SideBid, 10))
	require.NoError(t, err)

	overstated := append([]byte(nil), full...)
	binary.LittleEndian.PutUint16(overstated[1:3], 500)

	understated := append([]byte(nil), full...)
	binary.LittleEndian.PutUint16(understated[1:3], 20)

	tooManyRows := append([]byte(nil), bid...)
	binary.LittleEndian.PutUint32(tooManyRows[8:12], 5000)

	rowsBeyondBuffer := append([]byte(nil), bid...)
	binary.LittleEndian.PutUint32(rowsBeyondBuffer[8:12], 11)

	tests := []struct {
		name    string
		codec   *Codec
		buf     []byte
		unknown bool
	}{
		{name: "empty", codec: feed, buf: nil},
		{name: "short header", codec: feed, buf: []byte{8, 162, 0}},
		{name: "truncated full", codec: feed, buf: full[:100]},
		{name: "declared length beyond buffer", codec: feed, buf: overstated},
		{name: "declared length shorter than kind", codec: feed, buf: understated},
		{name: "garbage header", codec: feed, buf: []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
		{name: "unknown kind", codec: feed, buf: []byte{99, 8, 0, 2, 1, 0, 0, 0}, unknown: true},
		{name: "depth short header", codec: depth, buf: bid[:11]},
		{name: "depth too many rows", codec: depth, buf: tooManyRows},
		{name: "depth rows beyond buffer", codec: depth, buf: rowsBeyondBuffer},
		{name: "depth unknown kind", codec: depth, buf: []byte{12, 0, 7, 2, 1, 0, 0, 0, 0, 0, 0, 0}, unknown: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var (
				p   domain.Packet
				err error
			)
			require.NotPanics(t, func() { p, err = tc.codec.Decode(tc.buf) })
			assert.Nil(t, p)
			assert.ErrorIs(t, err, domain.ErrProtocolDecode)
			if tc.unknown {
				assert.ErrorIs(t, err, domain.ErrUnknownPacket)
			}
		})
	}
}

func TestSplitPairedDepthFrame(t *testing.T) {
	codec := NewCodec(binary.LittleEndian, LayoutDepth)

	bid, err := codec.Encode(depthFixture(domain.SideBid, MaxDepthRows))
	require.NoError(t, err)
	ask, err := codec.Encode(depthFixture(domain.SideAsk, MaxDepthRows))
	require.NoError(t, err)

	combined := append(append([]byte(nil), bid...), ask...)
	require.Len(t, combined, 6424)

	frames := codec.Split(combined)
	require.Len(t, frames, 2)
	assert.Len(t, frames[0], DepthFrameLen)
	assert.Len(t, frames[1], DepthFrameLen)

	first, err := codec.Decode(frames[0])
	require.NoError(t, err)
	second, err := codec.Decode(frames[1])
	require.NoError(t, err)

	bidPkt, ok := first.(domain.DepthPacket)
	require.True(t, ok)
	askPkt, ok := second.(domain.DepthPacket)
	require.True(t, ok)

	assert.Equal(t, domain.SideBid, bidPkt.Side)
	assert.Equal(t, domain.SideAsk, askPkt.Side)
	assert.Len(t, bidPkt.Levels, MaxDepthRows)
	assert.Len(t, askPkt.Levels, MaxDepthRows)
	assert.Equal(t, 24500.0, bidPkt.Levels[0].Price)
	assert.Equal(t, 24500.05, askPkt.Levels[0].Price)
}

func TestSplitWalksDeclaredLengths(t *testing.T) {
	codec := NewCodec(binary.LittleEndian, LayoutFeed)

	ticker, err := codec.Encode(domain.TickerPacket{PacketHeader: header(domain.KindTicker, 13), LTP: 100, LTT: 1})
	require.NoError(t, err)
	oi, err := codec.Encode(domain.OIPacket{PacketHeader: header(domain.KindOI, 13), OI: 42})
	require.NoError(t, err)

	buf := append(append(append([]byte(nil), ticker...), oi...), 0x01, 0x02)
	frames := codec.Split(buf)
	require.Len(t, frames, 3)
	assert.Equal(t, ticker, frames[0])
	assert.Equal(t, oi, frames[1])

	_, err = codec.Decode(frames[2])
	assert.ErrorIs(t, err, domain.ErrProtocolDecode)
}

func TestBuildRequestsChunksBySegment(t *testing.T) {
	var keys []domain.InstrumentKey
	for i := 0; i < 250; i++ {
		keys = append(keys, domain.InstrumentKey{Segment: domain.SegmentNSEFNO, SecurityID: uint32(40000 + i)})
	}
	keys = append(keys,
		domain.InstrumentKey{Segment: domain.SegmentNSEEquity, SecurityID: 1333},
		domain.InstrumentKey{Segment: domain.SegmentNSEEquity, SecurityID: 11536},
		domain.InstrumentKey{Segment: domain.SegmentNSEEquity, SecurityID: 1333},
	)

	reqs := BuildRequests(RequestSubscribeFull, keys)
	require.Len(t, reqs, 4)

	counts := make([]int, len(reqs))
	for i, r := range reqs {
		counts[i] = r.InstrumentCount
		assert.Equal(t, RequestSubscribeFull, r.RequestCode)
		assert.Len(t, r.InstrumentList, r.InstrumentCount)
		assert.LessOrEqual(t, r.InstrumentCount, MaxInstrumentsPerMessage)
		for _, inst := range r.InstrumentList {
			assert.Equal(t, r.InstrumentList[0].ExchangeSegment, inst.ExchangeSegment)
		}
	}
	assert.Equal(t, []int{2, 100, 100, 50}, counts)
	assert.Equal(t, "NSE_EQ", reqs[0].InstrumentList[0].ExchangeSegment)

	raw, err := json.Marshal(reqs[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"RequestCode":21,"InstrumentCount":2,"InstrumentList":[
		{"ExchangeSegment":"NSE_EQ","SecurityId":"1333"},
		{"ExchangeSegment":"NSE_EQ","SecurityId":"11536"}]}`, string(raw))
}

func TestIsFatalDisconnect(t *testing.T) {
	assert.False(t, IsFatalDisconnect(ReasonTooManyConnections))
	assert.True(t, IsFatalDisconnect(ReasonTokenExpired))
	assert.True(t, IsFatalDisconnect(ReasonClientIDInvalid))
	assert.False(t, IsFatalDisconnect(0))
}

func TestBuildURL(t *testing.T) {
	raw, err := BuildURL("wss://api-feed.dhan.co", "tok", "1000", "2")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "2", u.Query().Get("version"))
	assert.Equal(t, "tok", u.Query().Get("token"))
	assert.Equal(t, "1000", u.Query().Get("clientId"))
	assert.Equal(t, "2", u.Query().Get("authType"))
}

func FuzzDecode(f *testing.F) {
	feed := NewCodec(binary.LittleEndian, LayoutFeed)
	depth := NewCodec(binary.LittleEndian, LayoutDepth)
	seed, _ := feed.Encode(fullFixture())
	f.Add(seed)
	f.Add([]byte{8, 0xff, 0xff, 2})

	f.Fuzz(func(t *testing.T, buf []byte) {
		for _, c := range []*Codec{feed, depth} {
			for _, frame := range c.Split(buf) {
				p, err := c.Decode(frame)
				if err == nil && p == nil {
					t.Fatalf("nil packet without error")
				}
			}
		}
	})
}
