package domain

import "strconv"

// PacketKind is the response code carried in every binary frame header.
type PacketKind uint8

const (
	KindTicker     PacketKind = 2
	KindQuote      PacketKind = 4
	KindOI         PacketKind = 5
	KindPrevClose  PacketKind = 6
	KindFull       PacketKind = 8
	KindDepthBid   PacketKind = 41
	KindDisconnect PacketKind = 50
	KindDepthAsk   PacketKind = 51
)

func (k PacketKind) String() string {
	switch k {
	case KindTicker:
		return "ticker"
	case KindQuote:
		return "quote"
	case KindOI:
		return "oi"
	case KindPrevClose:
		return "prev_close"
	case KindFull:
		return "full"
	case KindDepthBid:
		return "depth_bid"
	case KindDepthAsk:
		return "depth_ask"
	case KindDisconnect:
		return "disconnect"
	default:
		return "kind_" + strconv.Itoa(int(k))
	}
}

// PacketHeader is the fixed header common to every frame.
type PacketHeader struct {
	Kind       PacketKind
	Length     uint16
	Segment    ExchangeSegment
	SecurityID uint32
}

// Header returns the header itself so that every packet type satisfies Packet.
func (h PacketHeader) Header() PacketHeader { return h }

// Key returns the instrument the frame refers to.
func (h PacketHeader) Key() InstrumentKey {
	return InstrumentKey{Segment: h.Segment, SecurityID: h.SecurityID}
}

// Packet is the closed set of decoded frames. Consumers switch on the
// concrete type; the unexported marker keeps the set closed to this package.
type Packet interface {
	Header() PacketHeader
	packet()
}

// TickerPacket carries the last traded price and time.
type TickerPacket struct {
	PacketHeader
	LTP float32
	LTT int32
}

// QuotePacket carries trade and session statistics without depth.
type QuotePacket struct {
	PacketHeader
	LTP          float32
	LTQ          int16
	LTT          int32
	ATP          float32
	Volume       int32
	TotalSellQty int32
	TotalBuyQty  int32
	Open         float32
	Close        float32
	High         float32
	Low          float32
}

// OIPacket carries open interest.
type OIPacket struct {
	PacketHeader
	OI int32
}

// PrevClosePacket carries the previous session close and open interest.
type PrevClosePacket struct {
	PacketHeader
	PrevClose float32
	PrevOI    int32
}

// QuoteLevel is one of the five inline depth rungs in a full packet.
type QuoteLevel struct {
	BidQty    int32
	AskQty    int32
	BidOrders int16
	AskOrders int16
	BidPrice  float32
	AskPrice  float32
}

// FullPacket carries quote fields, open interest and five depth rungs.
type FullPacket struct {
	PacketHeader
	LTP          float32
	LTQ          int16
	LTT          int32
	ATP          float32
	Volume       int32
	TotalSellQty int32
	TotalBuyQty  int32
	OI           int32
	OIHigh       int32
	OILow        int32
	Open         float32
	Close        float32
	High         float32
	Low          float32
	Depth        [5]QuoteLevel
}

// DepthPacket is one side of a many-level order book.
type DepthPacket struct {
	PacketHeader
	Side   DepthSide
	Rows   uint32
	Levels []DepthLevel
}

// DisconnectPacket is sent by the server before it drops the connection.
type DisconnectPacket struct {
	PacketHeader
	Reason int16
}

func (TickerPacket) packet()     {}
func (QuotePacket) packet()      {}
func (OIPacket) packet()         {}
func (PrevClosePacket) packet()  {}
func (FullPacket) packet()       {}
func (DepthPacket) packet()      {}
func (DisconnectPacket) packet() {}
