package reqresp

import (
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Event is the sum type a Behaviour emits on its Events channel. Exactly
// one of the concrete types below is ever delivered per value.
type Event[Req, Res any] interface {
	isReqRespEvent()
}

// RequestReceived is emitted when a remote peer opened a stream and sent a
// framed request. The request is not answered until SendResponse is called
// with Channel; the underlying stream is kept open until then.
type RequestReceived[Req, Res any] struct {
	Peer      peer.ID
	RequestID RequestID
	Request   Req
	Channel   ResponseChannel[Res]
}

func (RequestReceived[Req, Res]) isReqRespEvent() {}

// ResponseReceived is emitted when the response to a prior SendRequest
// arrives.
type ResponseReceived[Req, Res any] struct {
	Peer      peer.ID
	RequestID RequestID
	Response  Res
}

func (ResponseReceived[Req, Res]) isReqRespEvent() {}

// OutboundFailure is emitted when a request this instance sent could not
// be delivered, or no response arrived before the stream failed.
type OutboundFailure[Req, Res any] struct {
	Peer      peer.ID
	RequestID RequestID
	Err       error
}

func (OutboundFailure[Req, Res]) isReqRespEvent() {}

// InboundFailure reports an inbound request that failed after it was
// already delivered to the host. Neither LibP2PBehaviour nor FakeBehaviour
// emits it: a response they cannot deliver is dropped (LibP2PBehaviour
// logs the write error and resets the stream).
type InboundFailure[Req, Res any] struct {
	Peer      peer.ID
	RequestID RequestID
	Err       error
}

func (InboundFailure[Req, Res]) isReqRespEvent() {}

// ResponseChannel is the capability to answer exactly one inbound request.
// It wraps the still-open inbound stream the request arrived on.
type ResponseChannel[Res any] struct {
	Peer      peer.ID
	RequestID RequestID

	stream  network.Stream
	replied *atomic.Bool
}

func newResponseChannel[Res any](p peer.ID, id RequestID, s network.Stream) ResponseChannel[Res] {
	return ResponseChannel[Res]{Peer: p, RequestID: id, stream: s, replied: new(atomic.Bool)}
}
