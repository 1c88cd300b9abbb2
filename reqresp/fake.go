package reqresp

import (
	"errors"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// ErrFakePeerDisconnected is the OutboundFailure error a FakeBehaviour
// reports for a request sent while SetConnected(false) is in effect.
var ErrFakePeerDisconnected = errors.New("reqresp: fake peer disconnected")

// FakeBehaviour is an in-memory Behaviour connecting exactly two
// endpoints without any real network, for driving a Throttle Engine
// deterministically in tests. Mirrors the role an in-process protocol
// harness plays for testing a protocol handler against another instance
// of itself without dialing real sockets.
type FakeBehaviour[Req, Res any] struct {
	self   peer.ID
	remote *FakeBehaviour[Req, Res]

	events chan Event[Req, Res]
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	connected bool
	failNext  bool
	pending   map[RequestID]struct{}
}

// NewFakePair builds two linked FakeBehaviour endpoints, a acting as
// peer aID and b as peer bID, initially connected to each other.
func NewFakePair[Req, Res any](aID, bID peer.ID) (a, b *FakeBehaviour[Req, Res]) {
	a = &FakeBehaviour[Req, Res]{
		self:      aID,
		events:    make(chan Event[Req, Res], 64),
		closed:    make(chan struct{}),
		connected: true,
		pending:   make(map[RequestID]struct{}),
	}
	b = &FakeBehaviour[Req, Res]{
		self:      bID,
		events:    make(chan Event[Req, Res], 64),
		closed:    make(chan struct{}),
		connected: true,
		pending:   make(map[RequestID]struct{}),
	}
	a.remote, b.remote = b, a
	return a, b
}

// FailNextSend makes exactly the next SendRequest report
// ErrFakePeerDisconnected instead of reaching the remote, without
// otherwise touching connectivity state. Models a single request lost to
// a connection that closes and re-establishes around it.
func (f *FakeBehaviour[Req, Res]) FailNextSend() {
	f.mu.Lock()
	f.failNext = true
	f.mu.Unlock()
}

// SetConnected flips this endpoint's view of connectivity to its peer.
// A SendRequest issued while disconnected fails with
// ErrFakePeerDisconnected instead of reaching the remote.
func (f *FakeBehaviour[Req, Res]) SetConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	f.mu.Unlock()
}

func (f *FakeBehaviour[Req, Res]) Events() <-chan Event[Req, Res] { return f.events }

func (f *FakeBehaviour[Req, Res]) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *FakeBehaviour[Req, Res]) emit(ev Event[Req, Res]) {
	switch v := ev.(type) {
	case ResponseReceived[Req, Res]:
		f.mu.Lock()
		delete(f.pending, v.RequestID)
		f.mu.Unlock()
	case OutboundFailure[Req, Res]:
		f.mu.Lock()
		delete(f.pending, v.RequestID)
		f.mu.Unlock()
	}
	select {
	case f.events <- ev:
	case <-f.closed:
	}
}

func (f *FakeBehaviour[Req, Res]) SendRequest(_ peer.ID, req Req) RequestID {
	id := newRequestID()
	f.mu.Lock()
	f.pending[id] = struct{}{}
	connected := f.connected
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()

	if fail || !connected {
		go f.emit(OutboundFailure[Req, Res]{Peer: f.remote.self, RequestID: id, Err: ErrFakePeerDisconnected})
		return id
	}

	ch := newResponseChannel[Res](f.self, id, nil)
	go f.remote.emit(RequestReceived[Req, Res]{Peer: f.self, RequestID: id, Request: req, Channel: ch})
	return id
}

func (f *FakeBehaviour[Req, Res]) SendResponse(ch ResponseChannel[Res], res Res) {
	if !ch.replied.CompareAndSwap(false, true) {
		return
	}
	f.mu.Lock()
	connected := f.connected
	f.mu.Unlock()
	if !connected {
		return
	}
	go f.remote.emit(ResponseReceived[Req, Res]{Peer: f.self, RequestID: ch.RequestID, Response: res})
}

func (f *FakeBehaviour[Req, Res]) AddAddress(peer.ID, ma.Multiaddr)    {}
func (f *FakeBehaviour[Req, Res]) RemoveAddress(peer.ID, ma.Multiaddr) {}

func (f *FakeBehaviour[Req, Res]) IsConnected(peer.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeBehaviour[Req, Res]) IsPendingOutbound(id RequestID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pending[id]
	return ok
}

func (f *FakeBehaviour[Req, Res]) Connected(peer.ID)    {}
func (f *FakeBehaviour[Req, Res]) Disconnected(peer.ID) {}

var _ Behaviour[struct{}, struct{}] = (*FakeBehaviour[struct{}, struct{}])(nil)
