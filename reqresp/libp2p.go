package reqresp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	// DefaultDialTimeout bounds opening the outbound stream itself.
	DefaultDialTimeout = 5 * time.Second
	// DefaultRequestTimeout bounds writing a request and reading its
	// response on an already-open stream.
	DefaultRequestTimeout = 20 * time.Second
)

// LibP2PBehaviour is the production Behaviour: it opens and accepts
// libp2p streams under a single protocol.ID, framing messages with a
// Codec. Grounded on the stream-handling shape of a libp2p-based
// request/response client-and-server pair: a rate-limited client loop
// that opens a stream per request and a stream handler that reads one
// request before handing the open stream back to the caller as a
// response channel.
type LibP2PBehaviour[Req, Res any] struct {
	log   log.Logger
	host  host.Host
	codec Codec[Req, Res]

	dialTimeout    time.Duration
	requestTimeout time.Duration

	events chan Event[Req, Res]
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	pending map[RequestID]peer.ID
}

// NewLibP2PBehaviour registers codec's protocol with h (per support) and
// returns a ready-to-use Behaviour.
func NewLibP2PBehaviour[Req, Res any](l log.Logger, h host.Host, codec Codec[Req, Res], support ProtocolSupport) *LibP2PBehaviour[Req, Res] {
	b := &LibP2PBehaviour[Req, Res]{
		log:            l,
		host:           h,
		codec:          codec,
		dialTimeout:    DefaultDialTimeout,
		requestTimeout: DefaultRequestTimeout,
		events:         make(chan Event[Req, Res], 128),
		closed:         make(chan struct{}),
		pending:        make(map[RequestID]peer.ID),
	}
	if support.receives() {
		h.SetStreamHandler(codec.Protocol(), b.handleStream)
	}
	return b
}

func (b *LibP2PBehaviour[Req, Res]) Protocol() protocol.ID { return b.codec.Protocol() }

func (b *LibP2PBehaviour[Req, Res]) Events() <-chan Event[Req, Res] { return b.events }

func (b *LibP2PBehaviour[Req, Res]) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func (b *LibP2PBehaviour[Req, Res]) emit(ev Event[Req, Res]) {
	select {
	case b.events <- ev:
	case <-b.closed:
	}
}

func (b *LibP2PBehaviour[Req, Res]) SendRequest(p peer.ID, req Req) RequestID {
	id := newRequestID()
	b.mu.Lock()
	b.pending[id] = p
	b.mu.Unlock()

	go b.doRequest(id, p, req)
	return id
}

func (b *LibP2PBehaviour[Req, Res]) doRequest(id RequestID, p peer.ID, req Req) {
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	log := b.log.New("peer", p, "id", id)

	dialCtx, cancel := context.WithTimeout(context.Background(), b.dialTimeout)
	str, err := b.host.NewStream(dialCtx, p, b.codec.Protocol())
	cancel()
	if err != nil {
		log.Debug("failed to open stream", "err", err)
		b.emit(OutboundFailure[Req, Res]{Peer: p, RequestID: id, Err: fmt.Errorf("open stream: %w", err)})
		return
	}
	defer str.Close()

	_ = str.SetWriteDeadline(time.Now().Add(b.requestTimeout))
	if err := b.codec.WriteRequest(str, req); err != nil {
		str.Reset()
		log.Debug("failed to write request", "err", err)
		b.emit(OutboundFailure[Req, Res]{Peer: p, RequestID: id, Err: fmt.Errorf("write request: %w", err)})
		return
	}
	if err := str.CloseWrite(); err != nil {
		log.Debug("failed to close write side", "err", err)
	}

	_ = str.SetReadDeadline(time.Now().Add(b.requestTimeout))
	res, err := b.codec.ReadResponse(str)
	if err != nil {
		str.Reset()
		log.Debug("failed to read response", "err", err)
		b.emit(OutboundFailure[Req, Res]{Peer: p, RequestID: id, Err: fmt.Errorf("read response: %w", err)})
		return
	}

	b.emit(ResponseReceived[Req, Res]{Peer: p, RequestID: id, Response: res})
}

func (b *LibP2PBehaviour[Req, Res]) handleStream(str network.Stream) {
	p := str.Conn().RemotePeer()
	log := b.log.New("peer", p, "remote", str.Conn().RemoteMultiaddr())
	defer func() {
		if err := recover(); err != nil {
			log.Error("panic handling inbound stream", "err", err, "protocol", str.Protocol())
			str.Reset()
		}
	}()

	_ = str.SetReadDeadline(time.Now().Add(b.requestTimeout))
	req, err := b.codec.ReadRequest(str)
	if err != nil {
		log.Debug("failed to read request, dropping", "err", err)
		str.Reset()
		return
	}
	if err := str.CloseRead(); err != nil {
		log.Debug("failed to close read side", "err", err)
	}

	id := newRequestID()
	ch := newResponseChannel[Res](p, id, str)
	b.emit(RequestReceived[Req, Res]{Peer: p, RequestID: id, Request: req, Channel: ch})
}

// SendResponse never blocks the caller: the actual write happens on a
// separate goroutine, matching SendRequest and the outbound guarantee
// that nothing in this package suspends the caller waiting on the
// network.
func (b *LibP2PBehaviour[Req, Res]) SendResponse(ch ResponseChannel[Res], res Res) {
	if !ch.replied.CompareAndSwap(false, true) {
		return
	}
	go func() {
		log := b.log.New("peer", ch.Peer, "id", ch.RequestID)
		_ = ch.stream.SetWriteDeadline(time.Now().Add(b.requestTimeout))
		if err := b.codec.WriteResponse(ch.stream, res); err != nil {
			log.Debug("failed to write response", "err", err)
			ch.stream.Reset()
			return
		}
		if err := ch.stream.Close(); err != nil {
			log.Debug("failed to close response stream", "err", err)
		}
	}()
}

func (b *LibP2PBehaviour[Req, Res]) AddAddress(p peer.ID, addr ma.Multiaddr) {
	b.host.Peerstore().AddAddr(p, addr, peerstore.AddressTTL)
}

func (b *LibP2PBehaviour[Req, Res]) RemoveAddress(p peer.ID, addr ma.Multiaddr) {
	existing := b.host.Peerstore().Addrs(p)
	kept := existing[:0:0]
	for _, a := range existing {
		if !a.Equal(addr) {
			kept = append(kept, a)
		}
	}
	b.host.Peerstore().ClearAddrs(p)
	if len(kept) > 0 {
		b.host.Peerstore().AddAddrs(p, kept, peerstore.AddressTTL)
	}
}

func (b *LibP2PBehaviour[Req, Res]) IsConnected(p peer.ID) bool {
	return b.host.Network().Connectedness(p) == network.Connected
}

func (b *LibP2PBehaviour[Req, Res]) IsPendingOutbound(id RequestID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[id]
	return ok
}

// Connected and Disconnected are no-ops for the libp2p-backed Behaviour:
// connectivity is answered directly from the host's network, not cached
// here. They exist to satisfy the Behaviour interface that the throttle
// engine drives uniformly regardless of which Inner it wraps.
func (b *LibP2PBehaviour[Req, Res]) Connected(peer.ID)    {}
func (b *LibP2PBehaviour[Req, Res]) Disconnected(peer.ID) {}

var _ Behaviour[struct{}, struct{}] = (*LibP2PBehaviour[struct{}, struct{}])(nil)
