// Package reqresp implements a minimal generic request/response behaviour
// on top of libp2p streams: open a stream, frame a request onto it, read a
// single framed response back, and hand matching inbound streams to a
// registered codec. It deliberately knows nothing about throttling,
// credits, or budgets — that bookkeeping lives one layer up, in the
// throttle package, which wraps a Behaviour the way the rest of this
// module wraps an arbitrary transport.
package reqresp

import "sync/atomic"

// RequestID identifies a single outbound request for its lifetime. IDs are
// minted locally by a Behaviour and are only meaningful to that instance.
type RequestID uint64

var nextRequestID uint64

func newRequestID() RequestID {
	return RequestID(atomic.AddUint64(&nextRequestID, 1))
}

// ProtocolSupport declares whether a protocol is used for outbound
// requests, inbound requests, or both, mirroring the support declarations
// a caller hands to the rust-libp2p request-response behaviour on
// construction.
type ProtocolSupport int

const (
	Outbound ProtocolSupport = iota
	Inbound
	InboundOutbound
)

func (s ProtocolSupport) sends() bool {
	return s == Outbound || s == InboundOutbound
}

func (s ProtocolSupport) receives() bool {
	return s == Inbound || s == InboundOutbound
}
