package throttle

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/throttled-reqresp/reqresp"
)

func newEnginePair(t *testing.T, cfg Config) (peerA, peerB peer.ID, engineA, engineB *Engine[string, string]) {
	t.Helper()
	peerA, peerB = peer.ID("peer-a"), peer.ID("peer-b")
	fa, fb := reqresp.NewFakePair[WireRequest[string], WireResponse[string]](peerA, peerB)
	engineA = NewEngine[string, string](log.New(), 1, fa, cfg)
	engineB = NewEngine[string, string](log.New(), 2, fb, cfg)
	t.Cleanup(func() {
		engineA.Close()
		engineB.Close()
	})
	return
}

func recvEvent[Req, Res any](t *testing.T, ch <-chan Event[Req, Res]) Event[Req, Res] {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// TestS1InitialExchange: A.send_request(B, r1) succeeds; B receives it
// (recv_budget 1->0); B's response triggers a Credit grant of 1; A
// applies it (send_budget 0->1, ResumeSending) and may send r2.
func TestS1InitialExchange(t *testing.T) {
	_, peerB, engineA, engineB := newEnginePair(t, DefaultConfig())

	_, ok := engineA.SendRequest(peerB, "r1")
	require.True(t, ok)

	ev := recvEvent[string, string](t, engineB.Events())
	reqEv, ok := ev.(RequestReceived[string, string])
	require.True(t, ok, "expected RequestReceived, got %T", ev)
	require.Equal(t, "r1", reqEv.Request)

	engineB.SendResponse(reqEv.Channel, "resp1")

	var sawResume, sawResponse bool
	for i := 0; i < 2; i++ {
		switch v := recvEvent[string, string](t, engineA.Events()).(type) {
		case ResumeSending[string, string]:
			sawResume = true
			require.Equal(t, peerB, v.Peer)
		case ResponseReceived[string, string]:
			sawResponse = true
			require.Equal(t, "resp1", v.Response)
		default:
			t.Fatalf("unexpected event %T", v)
		}
	}
	require.True(t, sawResume)
	require.True(t, sawResponse)

	_, ok = engineA.SendRequest(peerB, "r2")
	require.True(t, ok, "A should be able to send again after the grant")
}

// TestS2RaiseLimitMidFlight: B overrides A's receive limit to 4 before
// any traffic. The first inbound request from A is still accepted at the
// bootstrap capacity of 1; B's response switches the limit to 4 and
// grants 4, so A ends up with send_budget 4.
func TestS2RaiseLimitMidFlight(t *testing.T) {
	peerA, peerB, engineA, engineB := newEnginePair(t, DefaultConfig())
	engineB.OverrideReceiveLimit(peerA, 4)

	_, ok := engineA.SendRequest(peerB, "r1")
	require.True(t, ok)

	ev := recvEvent[string, string](t, engineB.Events())
	reqEv := ev.(RequestReceived[string, string])
	engineB.SendResponse(reqEv.Channel, "resp1")

	for i := 0; i < 2; i++ {
		recvEvent[string, string](t, engineA.Events())
	}

	for i := 0; i < 4; i++ {
		_, ok := engineA.SendRequest(peerB, "more")
		require.True(t, ok, "send %d of 4 should succeed with a grant of 4", i)
	}
	_, ok = engineA.SendRequest(peerB, "one too many")
	require.False(t, ok, "send_budget should be exhausted after exactly 4 sends")
}

// TestS3Overflow: once B's recv_budget for A reaches its steady-state
// capacity of 2, a third inbound request without an intervening response
// is dropped and surfaced as TooManyInboundRequests.
func TestS3Overflow(t *testing.T) {
	peerA, peerB, engineA, engineB := newEnginePair(t, DefaultConfig())
	engineB.OverrideReceiveLimit(peerA, 2)

	_, ok := engineA.SendRequest(peerB, "r1")
	require.True(t, ok)
	reqEv := recvEvent[string, string](t, engineB.Events()).(RequestReceived[string, string])
	engineB.SendResponse(reqEv.Channel, "resp1")
	for i := 0; i < 2; i++ {
		recvEvent[string, string](t, engineA.Events())
	}

	// peer-b now has recv_budget=2 for peer-a. A misbehaving client sends
	// 3 more raw requests directly, bypassing its own engine's budget
	// accounting.
	raw := rawBehaviourFor(t, engineA)
	for i := 0; i < 2; i++ {
		raw.SendRequest(peerB, WireRequest[string]{Header: Header{Typ: TypeRequest}, App: "ok", HasApp: true})
		ev := recvEvent[string, string](t, engineB.Events())
		_, ok := ev.(RequestReceived[string, string])
		require.True(t, ok, "request %d of 2 should be accepted", i)
	}
	raw.SendRequest(peerB, WireRequest[string]{Header: Header{Typ: TypeRequest}, App: "overflow", HasApp: true})
	ev := recvEvent[string, string](t, engineB.Events())
	overflow, ok := ev.(TooManyInboundRequests[string, string])
	require.True(t, ok, "expected TooManyInboundRequests, got %T", ev)
	require.Equal(t, peerA, overflow.Peer)
}

// TestS4GrantRetryAcrossDisconnect: a Credit lost to a failed send is
// resubmitted with the same id and amount, and its effect is applied
// exactly once at the receiver.
func TestS4GrantRetryAcrossDisconnect(t *testing.T) {
	peerA, peerB, engineA, engineB := newEnginePair(t, DefaultConfig())

	// Establish peer-a's PeerInfo at B via a first request/response round,
	// then exhaust send_budget at A so the resumed grant is observable.
	_, ok := engineA.SendRequest(peerB, "r1")
	require.True(t, ok)
	reqEv := recvEvent[string, string](t, engineB.Events()).(RequestReceived[string, string])
	engineB.SendResponse(reqEv.Channel, "resp1")
	for i := 0; i < 2; i++ {
		recvEvent[string, string](t, engineA.Events())
	}
	_, ok = engineA.SendRequest(peerB, "r2")
	require.True(t, ok)
	recvEvent[string, string](t, engineB.Events())

	fb := rawBehaviourFor(t, engineB)
	fb.FailNextSend()
	engineB.sendCredit(peerA, 5)

	// First delivery attempt fails and is surfaced...
	ev := recvEvent[string, string](t, engineB.Events())
	failure, ok := ev.(OutboundFailure[string, string])
	require.True(t, ok, "expected OutboundFailure, got %T", ev)
	require.Equal(t, peerA, failure.Peer)

	// ...and the retry succeeds, applying the grant exactly once.
	resumeEv := recvEvent[string, string](t, engineA.Events())
	resumed, ok := resumeEv.(ResumeSending[string, string])
	require.True(t, ok, "expected ResumeSending, got %T", resumeEv)
	require.Equal(t, peerB, resumed.Peer)

	for i := 0; i < 5; i++ {
		_, ok := engineA.SendRequest(peerB, "spend")
		require.True(t, ok, "grant of 5 should allow exactly 5 sends, failed at %d", i)
	}
	_, ok = engineA.SendRequest(peerB, "one too many")
	require.False(t, ok)
}

// TestS5OfflineCacheRoundTrip: a peer that reconnects within the LRU's
// lifetime has its recv_budget restored via an immediate Credit of
// recv_budget-1, so its send_budget resumes instead of restarting at 1.
func TestS5OfflineCacheRoundTrip(t *testing.T) {
	peerA, peerB, engineA, engineB := newEnginePair(t, DefaultConfig())

	_, ok := engineA.SendRequest(peerB, "r1")
	require.True(t, ok)
	reqEv := recvEvent[string, string](t, engineB.Events()).(RequestReceived[string, string])
	engineB.SendResponse(reqEv.Channel, "resp1")
	for i := 0; i < 2; i++ {
		recvEvent[string, string](t, engineA.Events())
	}

	// Force the precondition the offline-cache catch-up grant exists to
	// repair: A fully spent, B still banking spare receive capacity for A
	// from an earlier grant it never fully consumed.
	engineA.mu.Lock()
	engineA.live[peerB].SendBudget = 0
	engineA.mu.Unlock()
	engineB.mu.Lock()
	engineB.live[peerA].RecvBudget = 3
	engineB.mu.Unlock()

	engineB.Disconnected(peerA)
	engineB.Connected(peerA)

	ev := recvEvent[string, string](t, engineA.Events())
	resumed, ok := ev.(ResumeSending[string, string])
	require.True(t, ok, "expected ResumeSending from the restored grant, got %T", ev)
	require.Equal(t, peerB, resumed.Peer)

	_, ok = engineA.SendRequest(peerB, "after-reconnect")
	require.True(t, ok, "A's send_budget should have resumed from the catch-up grant")
}

// TestS6ImplicitAck: a fresh application request from a peer is implicit
// proof its most recent Credit was delivered, clearing the in-flight
// record even though no Ack for it ever arrives. peer-a here is a bare
// FakeBehaviour with no Engine on top, so nothing ever replies to the
// Credit B sends it — the only way the record clears is the implicit
// path inside handleInboundRequest.
func TestS6ImplicitAck(t *testing.T) {
	peerA, peerB := peer.ID("peer-a"), peer.ID("peer-b")
	fa, fb := reqresp.NewFakePair[WireRequest[string], WireResponse[string]](peerA, peerB)
	engineB := NewEngine[string, string](log.New(), 1, fb, DefaultConfig())
	defer engineB.Close()

	fa.SendRequest(peerB, WireRequest[string]{Header: Header{Typ: TypeRequest}, App: "r1", HasApp: true})
	reqEv := recvEvent[string, string](t, engineB.Events()).(RequestReceived[string, string])
	engineB.SendResponse(reqEv.Channel, "resp1")

	engineB.mu.Lock()
	_, hasCredit := engineB.credits[peerA]
	engineB.mu.Unlock()
	require.True(t, hasCredit, "B should record an in-flight credit right after granting, with no Ack ever coming back")

	fa.SendRequest(peerB, WireRequest[string]{Header: Header{Typ: TypeRequest}, App: "r2", HasApp: true})
	recvEvent[string, string](t, engineB.Events())

	engineB.mu.Lock()
	_, hasCredit = engineB.credits[peerA]
	engineB.mu.Unlock()
	require.False(t, hasCredit, "the in-flight credit record should be cleared by the implicit ack")
}

func TestCreditAppliedAtMostOnceByID(t *testing.T) {
	peerA, peerB, engineA, engineB := newEnginePair(t, DefaultConfig())

	_, ok := engineA.SendRequest(peerB, "warmup")
	require.True(t, ok)
	recvEvent[string, string](t, engineB.Events())

	raw := rawBehaviourFor(t, engineB)
	raw.SendRequest(peerA, WireRequest[string]{Header: creditHeader(1, 5)})
	raw.SendRequest(peerA, WireRequest[string]{Header: creditHeader(1, 5)})

	// Only the first delivery transitions send_budget away from zero, so
	// only it produces a ResumeSending event; the replayed id is a no-op.
	ev := recvEvent[string, string](t, engineA.Events())
	_, ok = ev.(ResumeSending[string, string])
	require.True(t, ok, "expected ResumeSending, got %T", ev)

	for i := 0; i < 5; i++ {
		_, ok := engineA.SendRequest(peerB, "spend")
		require.True(t, ok, "send %d of 5 should succeed", i)
	}
	_, ok = engineA.SendRequest(peerB, "sixth")
	require.False(t, ok, "a replayed credit id must not be applied twice")
}

// rawBehaviourFor exposes the FakeBehaviour an Engine wraps, letting a
// test drive raw inner-level traffic that bypasses the engine's own
// budget bookkeeping, simulating a peer that does not play by the
// protocol.
func rawBehaviourFor(t *testing.T, e *Engine[string, string]) *reqresp.FakeBehaviour[WireRequest[string], WireResponse[string]] {
	t.Helper()
	raw, ok := e.inner.(*reqresp.FakeBehaviour[WireRequest[string], WireResponse[string]])
	require.True(t, ok, "engine is not wrapping a FakeBehaviour")
	return raw
}
