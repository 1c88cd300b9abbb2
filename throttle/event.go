package throttle

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ethereum-optimism/throttled-reqresp/reqresp"
)

// Channel is the capability a host uses to answer exactly one inbound
// application request, handed out on a RequestReceived event.
type Channel[Res any] = reqresp.ResponseChannel[WireResponse[Res]]

// Event is the sum type the Engine surfaces to its host once Credit/Ack
// framing has been stripped out. Exactly one of the concrete types below
// is ever delivered per value. Unlike the nested Event::Event(inner)
// shape this package is modeled on, the application-visible reqresp
// events are flattened directly into this sum type rather than wrapped a
// second time, since their response channel has to be retyped to this
// package's Channel[Res] anyway.
type Event[Req, Res any] interface {
	isThrottleEvent()
}

// RequestReceived is an application request from peer, already past
// budget accounting: recv_budget has been decremented and any in-flight
// credit record for peer cleared.
type RequestReceived[Req, Res any] struct {
	Peer      peer.ID
	RequestID reqresp.RequestID
	Request   Req
	Channel   Channel[Res]
}

func (RequestReceived[Req, Res]) isThrottleEvent() {}

// ResponseReceived is the application response to a prior SendRequest.
type ResponseReceived[Req, Res any] struct {
	Peer      peer.ID
	RequestID reqresp.RequestID
	Response  Res
}

func (ResponseReceived[Req, Res]) isThrottleEvent() {}

// OutboundFailure is forwarded unchanged from Inner once it has also
// been used to drive credit-grant retry.
type OutboundFailure[Req, Res any] struct {
	Peer      peer.ID
	RequestID reqresp.RequestID
	Err       error
}

func (OutboundFailure[Req, Res]) isThrottleEvent() {}

// InboundFailure is forwarded unchanged from Inner.
type InboundFailure[Req, Res any] struct {
	Peer      peer.ID
	RequestID reqresp.RequestID
	Err       error
}

func (InboundFailure[Req, Res]) isThrottleEvent() {}

// TooManyInboundRequests fires when a peer sends an application request
// with no recv_budget remaining. The request is dropped; the peer is not
// disconnected.
type TooManyInboundRequests[Req, Res any] struct {
	Peer peer.ID
}

func (TooManyInboundRequests[Req, Res]) isThrottleEvent() {}

// ResumeSending fires when a previously exhausted peer's send_budget
// becomes positive again, always before the Credit's other
// application-visible effects, so a host reacting to it by calling
// SendRequest immediately succeeds.
type ResumeSending[Req, Res any] struct {
	Peer peer.ID
}

func (ResumeSending[Req, Res]) isThrottleEvent() {}
