package dhan

import (
	"net/url"
	"sort"
	"strconv"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

// RequestCode identifies a JSON control message.
type RequestCode int

const (
	RequestDisconnect        RequestCode = 12
	RequestSubscribeTicker   RequestCode = 15
	RequestUnsubscribeTicker RequestCode = 16
	RequestSubscribeQuote    RequestCode = 17
	RequestUnsubscribeQuote  RequestCode = 18
	RequestSubscribeFull     RequestCode = 21
	RequestUnsubscribeFull   RequestCode = 22
	RequestSubscribeDepth    RequestCode = 23
	RequestUnsubscribeDepth  RequestCode = 25
)

// MaxInstrumentsPerMessage is the server limit on instruments per request.
const MaxInstrumentsPerMessage = 100

// Disconnect reason codes sent in disconnect packets.
const (
	ReasonTooManyConnections int16 = 805
	ReasonNotSubscribed      int16 = 806
	ReasonTokenExpired       int16 = 807
	ReasonAuthFailed         int16 = 808
	ReasonTokenInvalid       int16 = 809
	ReasonClientIDInvalid    int16 = 810
)

// IsFatalDisconnect reports whether a disconnect reason means retrying with
// the same credentials cannot succeed.
func IsFatalDisconnect(reason int16) bool {
	return reason >= ReasonNotSubscribed && reason <= ReasonClientIDInvalid
}

// DisconnectReason returns a short description for a reason code.
func DisconnectReason(reason int16) string {
	switch reason {
	case ReasonTooManyConnections:
		return "too many connections"
	case ReasonNotSubscribed:
		return "data plan not subscribed"
	case ReasonTokenExpired:
		return "access token expired"
	case ReasonAuthFailed:
		return "authentication failed"
	case ReasonTokenInvalid:
		return "access token invalid"
	case ReasonClientIDInvalid:
		return "client id invalid"
	default:
		return "reason " + strconv.Itoa(int(reason))
	}
}

// SubscriptionInstrument is one entry of a subscription request.
type SubscriptionInstrument struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

// SubscriptionRequest is the JSON control message for (un)subscribing.
type SubscriptionRequest struct {
	RequestCode     RequestCode              `json:"RequestCode"`
	InstrumentCount int                      `json:"InstrumentCount"`
	InstrumentList  []SubscriptionInstrument `json:"InstrumentList"`
}

// BuildRequests groups keys by exchange segment and chunks each group into
// requests of at most MaxInstrumentsPerMessage. Duplicate keys are sent once.
// Segments are emitted in wire-code order; keys keep their input order.
func BuildRequests(code RequestCode, keys []domain.InstrumentKey) []SubscriptionRequest {
	seen := make(map[domain.InstrumentKey]struct{}, len(keys))
	bySegment := make(map[domain.ExchangeSegment][]domain.InstrumentKey)
	var segments []domain.ExchangeSegment
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := bySegment[k.Segment]; !ok {
			segments = append(segments, k.Segment)
		}
		bySegment[k.Segment] = append(bySegment[k.Segment], k)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })

	var reqs []SubscriptionRequest
	for _, seg := range segments {
		group := bySegment[seg]
		for start := 0; start < len(group); start += MaxInstrumentsPerMessage {
			end := min(start+MaxInstrumentsPerMessage, len(group))
			list := make([]SubscriptionInstrument, 0, end-start)
			for _, k := range group[start:end] {
				list = append(list, SubscriptionInstrument{
					ExchangeSegment: seg.String(),
					SecurityID:      strconv.FormatUint(uint64(k.SecurityID), 10),
				})
			}
			reqs = append(reqs, SubscriptionRequest{
				RequestCode:     code,
				InstrumentCount: len(list),
				InstrumentList:  list,
			})
		}
	}
	return reqs
}

// BuildURL appends the connection parameters to a feed endpoint. version is
// omitted when empty.
func BuildURL(base, token, clientID, version string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if version != "" {
		q.Set("version", version)
	}
	q.Set("token", token)
	q.Set("clientId", clientID)
	q.Set("authType", "2")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
