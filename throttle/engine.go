package throttle

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/ethereum-optimism/throttled-reqresp/reqresp"
)

// eventQueueShrinkThreshold mirrors the source's EMPTY_QUEUE_SHRINK_THRESHOLD:
// once the internal event queue's backing array has grown past this and
// then drained back down to a quarter of its capacity, it is reallocated
// down to its current length instead of permanently holding onto a
// burst-sized array.
const eventQueueShrinkThreshold = 32

// Engine is the Throttle Engine: it wraps an Inner request/response
// Behaviour, maintains per-peer send/recv budgets, and surfaces a
// filtered Event stream to the host. It owns two internal goroutines: one
// that pumps Inner's event channel and one that forwards queued events to
// Events(). Every exported method is safe to call from any goroutine,
// synchronized by internal mutexes rather than the single-thread-only
// contract the source assumes.
type Engine[Req, Res any] struct {
	log   log.Logger
	id    uint64
	cfg   Config
	inner reqresp.Behaviour[WireRequest[Req], WireResponse[Res]]

	mu           sync.Mutex
	defaultLimit uint16
	overrides    map[peer.ID]uint16
	live         map[peer.ID]*PeerInfo
	offline      *offlineCache
	credits      map[peer.ID]*credit
	nextCreditID uint64

	qmu    sync.Mutex
	qcond  *sync.Cond
	queue  []Event[Req, Res]
	out    chan Event[Req, Res]
	done   chan struct{}
	closer sync.Once
}

// NewEngine builds an Engine over inner. id is a caller-supplied
// correlation id (the host owns the random source, per spec) threaded
// into every log line this engine emits, mirroring the instance id the
// source mints for its own trace logging.
func NewEngine[Req, Res any](l log.Logger, id uint64, inner reqresp.Behaviour[WireRequest[Req], WireResponse[Res]], cfg Config) *Engine[Req, Res] {
	e := &Engine[Req, Res]{
		log:          l.New("throttle", id),
		id:           id,
		cfg:          cfg,
		inner:        inner,
		defaultLimit: cfg.DefaultReceiveLimit,
		overrides:    make(map[peer.ID]uint16),
		live:         make(map[peer.ID]*PeerInfo),
		credits:      make(map[peer.ID]*credit),
		out:          make(chan Event[Req, Res], 64),
		done:         make(chan struct{}),
	}
	e.qcond = sync.NewCond(&e.qmu)
	e.offline = newOfflineCache(cfg.OfflineCacheSize, e.onPeerEvicted)
	go e.run()
	go e.drainQueue()
	return e
}

// Events is the filtered stream of Events this engine surfaces. It is
// closed after Close returns.
func (e *Engine[Req, Res]) Events() <-chan Event[Req, Res] { return e.out }

func (e *Engine[Req, Res]) Close() error {
	e.closer.Do(func() {
		close(e.done)
		e.qmu.Lock()
		e.qcond.Broadcast()
		e.qmu.Unlock()
	})
	return e.inner.Close()
}

// emit enqueues a host-visible event. It never blocks the caller; the
// queue is drained by a dedicated goroutine that forwards to Events()
// one at a time in order.
func (e *Engine[Req, Res]) emit(ev Event[Req, Res]) {
	e.qmu.Lock()
	e.queue = append(e.queue, ev)
	e.qmu.Unlock()
	e.qcond.Signal()
}

func (e *Engine[Req, Res]) drainQueue() {
	for {
		e.qmu.Lock()
		for len(e.queue) == 0 {
			select {
			case <-e.done:
				e.qmu.Unlock()
				close(e.out)
				return
			default:
			}
			e.qcond.Wait()
		}
		ev := e.queue[0]
		e.queue = e.queue[1:]
		if cap(e.queue) > eventQueueShrinkThreshold && len(e.queue)*4 < cap(e.queue) {
			shrunk := make([]Event[Req, Res], len(e.queue))
			copy(shrunk, e.queue)
			e.queue = shrunk
		}
		e.qmu.Unlock()

		select {
		case e.out <- ev:
		case <-e.done:
			close(e.out)
			return
		}
	}
}

// run pumps Inner's event channel for the engine's lifetime, applying
// the header-dispatch logic described for each inbound event.
func (e *Engine[Req, Res]) run() {
	for {
		select {
		case ev, ok := <-e.inner.Events():
			if !ok {
				return
			}
			e.dispatch(ev)
		case <-e.done:
			return
		}
	}
}

func (e *Engine[Req, Res]) dispatch(ev reqresp.Event[WireRequest[Req], WireResponse[Res]]) {
	switch v := ev.(type) {
	case reqresp.ResponseReceived[WireRequest[Req], WireResponse[Res]]:
		e.onResponseReceived(v)
	case reqresp.RequestReceived[WireRequest[Req], WireResponse[Res]]:
		e.onRequestReceived(v)
	case reqresp.OutboundFailure[WireRequest[Req], WireResponse[Res]]:
		e.onOutboundFailure(v)
	case reqresp.InboundFailure[WireRequest[Req], WireResponse[Res]]:
		e.emit(InboundFailure[Req, Res]{Peer: v.Peer, RequestID: v.RequestID, Err: v.Err})
	default:
		e.log.Warn("unrecognized inner event", "type", v)
	}
}

func (e *Engine[Req, Res]) onResponseReceived(v reqresp.ResponseReceived[WireRequest[Req], WireResponse[Res]]) {
	wire := v.Response
	switch wire.Header.Typ {
	case TypeAck:
		e.mu.Lock()
		c, ok := e.credits[v.Peer]
		if ok && wire.Header.Ident != nil && c.id == *wire.Header.Ident {
			delete(e.credits, v.Peer)
			creditsAcked.WithLabelValues(v.Peer.String()).Inc()
		}
		e.mu.Unlock()
	case TypeResponse:
		if !wire.HasApp {
			e.log.Error("response payload missing", "peer", v.Peer, "id", v.RequestID)
			return
		}
		e.emit(ResponseReceived[Req, Res]{Peer: v.Peer, RequestID: v.RequestID, Response: wire.App})
	default:
		e.log.Warn("unexpected header type on response", "peer", v.Peer, "typ", wire.Header.Typ)
	}
}

func (e *Engine[Req, Res]) onRequestReceived(v reqresp.RequestReceived[WireRequest[Req], WireResponse[Res]]) {
	wire := v.Request
	switch wire.Header.Typ {
	case TypeCredit:
		e.handleInboundCredit(v.Peer, wire.Header, v.Channel)
	case TypeRequest:
		e.handleInboundRequest(v)
	default:
		e.log.Warn("unexpected header type on request", "peer", v.Peer, "typ", wire.Header.Typ)
	}
}

func (e *Engine[Req, Res]) handleInboundCredit(p peer.ID, h Header, ch reqresp.ResponseChannel[WireResponse[Res]]) {
	if h.Ident == nil {
		e.log.Warn("credit with no ident", "peer", p)
		return
	}
	id := *h.Ident
	amount := uint16(0)
	if h.Credit != nil {
		amount = *h.Credit
	}

	e.mu.Lock()
	info, ok := e.live[p]
	resume := false
	if ok && idExceeds(id, info.SendBudgetID) {
		resume = info.SendBudget == 0 && amount > 0
		info.SendBudget = saturatingAdd(info.SendBudget, amount)
		info.SendBudgetID = &id
		sendBudgetGauge.WithLabelValues(p.String()).Set(float64(info.SendBudget))
	}
	e.mu.Unlock()

	// The budget mutation above completes before ResumeSending is handed
	// to the host, so a handler that reacts by calling SendRequest
	// immediately succeeds.
	if resume {
		e.emit(ResumeSending[Req, Res]{Peer: p})
	}

	e.inner.SendResponse(ch, WireResponse[Res]{Header: ackHeader(id)})
}

func (e *Engine[Req, Res]) handleInboundRequest(v reqresp.RequestReceived[WireRequest[Req], WireResponse[Res]]) {
	e.mu.Lock()
	// A genuine application request is itself the locate-or-create
	// trigger for an unseen peer: Limit's max_recv=1 exists precisely so
	// this first request is always accepted.
	info := e.lookupOrCreateLocked(v.Peer)
	if info.RecvBudget == 0 {
		e.mu.Unlock()
		inboundDrops.WithLabelValues(v.Peer.String()).Inc()
		e.emit(TooManyInboundRequests[Req, Res]{Peer: v.Peer})
		return
	}
	info.RecvBudget--
	recvBudgetGauge.WithLabelValues(v.Peer.String()).Set(float64(info.RecvBudget))
	if _, ok := e.credits[v.Peer]; ok {
		delete(e.credits, v.Peer)
		creditsAcked.WithLabelValues(v.Peer.String()).Inc()
	}
	e.mu.Unlock()

	if !v.Request.HasApp {
		e.log.Error("request payload missing", "peer", v.Peer, "id", v.RequestID)
		return
	}
	e.emit(RequestReceived[Req, Res]{
		Peer:      v.Peer,
		RequestID: v.RequestID,
		Request:   v.Request.App,
		Channel:   v.Channel,
	})
}

func (e *Engine[Req, Res]) onOutboundFailure(v reqresp.OutboundFailure[WireRequest[Req], WireResponse[Res]]) {
	e.mu.Lock()
	c, ok := e.credits[v.Peer]
	if ok && c.request == v.RequestID {
		id, amount := c.id, c.amount
		e.mu.Unlock()
		e.resendCredit(v.Peer, id, amount)
	} else {
		e.mu.Unlock()
	}
	e.emit(OutboundFailure[Req, Res]{Peer: v.Peer, RequestID: v.RequestID, Err: v.Err})
}

func (e *Engine[Req, Res]) resendCredit(p peer.ID, id uint64, amount uint16) {
	e.mu.Lock()
	rid := e.inner.SendRequest(p, WireRequest[Req]{Header: creditHeader(id, amount)})
	e.credits[p] = &credit{id: id, request: rid, amount: amount}
	e.mu.Unlock()
	creditsRetried.WithLabelValues(p.String()).Inc()
	e.log.Debug("resent credit", "peer", p, "id", id, "amount", amount)
}

// SendRequest dispatches req to p. It returns ok == false, without
// sending anything, if p's send_budget is exhausted; the caller already
// owns req and may hold onto it until a ResumeSending event for p
// arrives, so unlike the Rust source there is nothing to hand back.
func (e *Engine[Req, Res]) SendRequest(p peer.ID, req Req) (id reqresp.RequestID, ok bool) {
	e.mu.Lock()
	info := e.lookupOrCreateLocked(p)
	if info.SendBudget == 0 {
		e.mu.Unlock()
		return 0, false
	}
	info.SendBudget--
	sendBudgetGauge.WithLabelValues(p.String()).Set(float64(info.SendBudget))
	e.mu.Unlock()

	id = e.inner.SendRequest(p, WireRequest[Req]{Header: Header{Typ: TypeRequest}, App: req, HasApp: true})
	return id, true
}

// lookupOrCreateLocked must be called with e.mu held. It implements the
// locate-or-create step shared by SendRequest and Connected: a live
// entry wins, else an offline entry is promoted (granting recv_budget-1
// credit if it was above 1), else one is synthesised from the override
// or default limit.
func (e *Engine[Req, Res]) lookupOrCreateLocked(p peer.ID) *PeerInfo {
	if info, ok := e.live[p]; ok {
		return info
	}
	if info, ok := e.offline.pop(p); ok {
		e.live[p] = info
		if info.RecvBudget > 1 {
			grant := info.RecvBudget - 1
			e.mu.Unlock()
			e.sendCredit(p, grant)
			e.mu.Lock()
		}
		return info
	}
	info := newPeerInfo(e.synthLimitLocked(p))
	e.live[p] = info
	return info
}

func (e *Engine[Req, Res]) synthLimitLocked(p peer.ID) Limit {
	if n, ok := e.overrides[p]; ok {
		return NewLimit(n)
	}
	return NewLimit(e.defaultLimit)
}

// sendCredit mints the next credit id, dispatches it to p as an Inner
// request, and records it as the in-flight grant for p, replacing any
// prior one. Must be called without e.mu held.
func (e *Engine[Req, Res]) sendCredit(p peer.ID, amount uint16) {
	e.mu.Lock()
	e.nextCreditID++
	id := e.nextCreditID
	rid := e.inner.SendRequest(p, WireRequest[Req]{Header: creditHeader(id, amount)})
	e.credits[p] = &credit{id: id, request: rid, amount: amount}
	e.mu.Unlock()

	creditsIssued.WithLabelValues(p.String()).Inc()
	e.log.Debug("sent credit", "peer", p, "id", id, "amount", amount)
}

// SendResponse answers the request that produced ch. If p's recv_budget
// was exhausted, the limit is switched and a fresh Credit grant is handed
// to Inner before the response itself is. The two are delivered
// independently, so the remote may observe them in either order.
func (e *Engine[Req, Res]) SendResponse(ch Channel[Res], res Res) {
	e.mu.Lock()
	info, ok := e.live[ch.Peer]
	var grant uint16
	if ok && info.RecvBudget == 0 {
		grant = info.Limit.Switch()
		info.RecvBudget = grant
		recvBudgetGauge.WithLabelValues(ch.Peer.String()).Set(float64(grant))
	}
	e.mu.Unlock()

	if grant > 0 {
		e.sendCredit(ch.Peer, grant)
	}
	e.inner.SendResponse(ch, WireResponse[Res]{Header: Header{Typ: TypeResponse}, App: res, HasApp: true})
}

// SetReceiveLimit updates the default limit used to synthesise PeerInfo
// for peers with no live or offline entry and no override.
func (e *Engine[Req, Res]) SetReceiveLimit(n uint16) {
	if n == 0 {
		panic("throttle: SetReceiveLimit called with zero capacity")
	}
	e.mu.Lock()
	e.defaultLimit = n
	e.mu.Unlock()
}

// OverrideReceiveLimit installs a per-peer override. If p already has a
// live or cached PeerInfo, its Limit.NextMax is updated so the new cap
// takes effect at the next Switch rather than retroactively.
func (e *Engine[Req, Res]) OverrideReceiveLimit(p peer.ID, n uint16) {
	if n == 0 {
		panic("throttle: OverrideReceiveLimit called with zero capacity")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrides[p] = n
	if info, ok := e.live[p]; ok {
		info.Limit.NextMax = n
		return
	}
	if info, ok := e.offline.peek(p); ok {
		info.Limit.NextMax = n
	}
}

func (e *Engine[Req, Res]) RemoveOverride(p peer.ID) {
	e.mu.Lock()
	delete(e.overrides, p)
	e.mu.Unlock()
}

// CanSend reports whether p currently has outbound budget, synthesising
// nothing: an unknown peer can always send (its first request will mint
// send_budget=1), so this only ever returns false for a known peer
// sitting at zero.
func (e *Engine[Req, Res]) CanSend(p peer.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if info, ok := e.live[p]; ok {
		return info.SendBudget > 0
	}
	if info, ok := e.offline.peek(p); ok {
		return info.SendBudget > 0
	}
	return true
}

func (e *Engine[Req, Res]) IsConnected(p peer.ID) bool { return e.inner.IsConnected(p) }

func (e *Engine[Req, Res]) IsPendingOutbound(id reqresp.RequestID) bool {
	return e.inner.IsPendingOutbound(id)
}

func (e *Engine[Req, Res]) AddAddress(p peer.ID, addr ma.Multiaddr) { e.inner.AddAddress(p, addr) }

func (e *Engine[Req, Res]) RemoveAddress(p peer.ID, addr ma.Multiaddr) {
	e.inner.RemoveAddress(p, addr)
}

// Connected forwards to Inner and ensures p has a PeerInfo, promoting it
// from the offline cache (with a catch-up grant) if one exists there.
func (e *Engine[Req, Res]) Connected(p peer.ID) {
	e.inner.Connected(p)
	e.mu.Lock()
	if _, ok := e.live[p]; ok {
		e.mu.Unlock()
		return
	}
	e.lookupOrCreateLocked(p)
	e.mu.Unlock()
}

// Disconnected removes p's live PeerInfo, resets its budgets the way a
// freshly-reconnecting peer would see them, drops any in-flight credit
// record, moves it to the offline cache, and forwards to Inner.
func (e *Engine[Req, Res]) Disconnected(p peer.ID) {
	e.mu.Lock()
	info, ok := e.live[p]
	if ok {
		delete(e.live, p)
		delete(e.credits, p)
		info.SendBudget = 1
		if info.RecvBudget < 1 {
			info.RecvBudget = 1
		}
		e.offline.put(p, info)
	}
	e.mu.Unlock()
	e.inner.Disconnected(p)
}

// ConnectionClosed forwards to Inner and, if p is still connected over
// another connection and has an in-flight credit record, resends it: the
// grant may have been in flight on the connection that just closed.
func (e *Engine[Req, Res]) ConnectionClosed(p peer.ID) {
	e.inner.Disconnected(p)
	if !e.inner.IsConnected(p) {
		return
	}
	e.mu.Lock()
	c, ok := e.credits[p]
	e.mu.Unlock()
	if ok {
		e.resendCredit(p, c.id, c.amount)
	}
}

// DialFailure and ConnectionEstablished are pass-through lifecycle hooks:
// the engine keeps no state keyed on dial attempts or raw connection
// establishment, only on the higher-level Connected/Disconnected peer
// transitions above.
func (e *Engine[Req, Res]) DialFailure(p peer.ID, err error) {
	e.log.Debug("dial failure", "peer", p, "err", err)
}

func (e *Engine[Req, Res]) ConnectionEstablished(p peer.ID) {
	e.log.Debug("connection established", "peer", p)
}

func (e *Engine[Req, Res]) onPeerEvicted(p peer.ID, info *PeerInfo) {
	e.log.Debug("offline peer evicted", "peer", p)
}
