package throttle

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestOfflineCachePutPop(t *testing.T) {
	c := newOfflineCache(8, nil)
	p := peer.ID("peer-a")
	info := newPeerInfo(NewLimit(4))
	info.RecvBudget = 3

	c.put(p, info)
	require.True(t, c.contains(p))

	got, ok := c.pop(p)
	require.True(t, ok)
	require.Same(t, info, got)
	require.False(t, c.contains(p))
}

func TestOfflineCachePeekDoesNotRemove(t *testing.T) {
	c := newOfflineCache(8, nil)
	p := peer.ID("peer-a")
	info := newPeerInfo(NewLimit(4))
	c.put(p, info)

	got, ok := c.peek(p)
	require.True(t, ok)
	require.Same(t, info, got)
	require.True(t, c.contains(p))
}

func TestOfflineCacheEviction(t *testing.T) {
	var evicted []peer.ID
	c := newOfflineCache(2, func(p peer.ID, _ *PeerInfo) {
		evicted = append(evicted, p)
	})
	c.put(peer.ID("a"), newPeerInfo(NewLimit(1)))
	c.put(peer.ID("b"), newPeerInfo(NewLimit(1)))
	c.put(peer.ID("c"), newPeerInfo(NewLimit(1)))

	require.Equal(t, []peer.ID{peer.ID("a")}, evicted)
	require.False(t, c.contains(peer.ID("a")))
	require.True(t, c.contains(peer.ID("b")))
	require.True(t, c.contains(peer.ID("c")))
}
