package reqresp

import (
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Behaviour is the "Inner" collaborator the throttle package wraps: a
// request/response transport that dispatches outbound requests, accepts
// inbound ones, and surfaces both as a stream of Events. Nothing in this
// interface knows about credits or budgets.
type Behaviour[Req, Res any] interface {
	// SendRequest dispatches req to p and returns immediately with the
	// RequestID that will tag the eventual ResponseReceived or
	// OutboundFailure event. It never blocks.
	SendRequest(p peer.ID, req Req) RequestID

	// SendResponse answers the request that produced ch. It never blocks.
	// Calling it more than once for the same channel, or after the remote
	// stream died, is a no-op.
	SendResponse(ch ResponseChannel[Res], res Res)

	AddAddress(p peer.ID, addr ma.Multiaddr)
	RemoveAddress(p peer.ID, addr ma.Multiaddr)

	IsConnected(p peer.ID) bool
	IsPendingOutbound(id RequestID) bool

	// Connected and Disconnected are lifecycle hooks the host (or a
	// network.Notifiee adapter) invokes as connections come and go. A
	// Behaviour uses them only to answer IsConnected; peer budget
	// bookkeeping is the throttle engine's job, not Inner's.
	Connected(p peer.ID)
	Disconnected(p peer.ID)

	// Events is the filtered stream of everything this Behaviour has to
	// report. Close does not close this channel; after Close, an event
	// that cannot be delivered without blocking is discarded.
	Events() <-chan Event[Req, Res]

	Close() error
}
