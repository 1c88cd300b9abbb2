package throttle

import (
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/libp2p/go-libp2p/core/peer"
)

// offlineCache is the bounded LRU of PeerInfo for disconnected peers,
// keyed by peer id. Eviction under LRU pressure silently discards budget
// state; an evicted peer simply restarts at the default limit on
// reconnection.
type offlineCache struct {
	lru *simplelru.LRU[peer.ID, *PeerInfo]
}

func newOfflineCache(capacity int, onEvict func(peer.ID, *PeerInfo)) *offlineCache {
	lru, err := simplelru.NewLRU[peer.ID, *PeerInfo](capacity, onEvict)
	if err != nil {
		// Only non-positive capacity makes NewLRU fail. Config does not
		// validate OfflineCacheSize (DefaultConfig sets 8192), so a
		// non-positive value is treated as a programmer error.
		panic(err)
	}
	return &offlineCache{lru: lru}
}

func (c *offlineCache) put(p peer.ID, info *PeerInfo) {
	c.lru.Add(p, info)
}

// pop removes and returns p's cached PeerInfo, if any.
func (c *offlineCache) pop(p peer.ID) (*PeerInfo, bool) {
	info, ok := c.lru.Peek(p)
	if ok {
		c.lru.Remove(p)
	}
	return info, ok
}

// peek returns p's cached PeerInfo without removing it or affecting its
// recency, for callers (OverrideReceiveLimit, CanSend) that need to
// inspect an offline peer in place.
func (c *offlineCache) peek(p peer.ID) (*PeerInfo, bool) {
	return c.lru.Peek(p)
}

func (c *offlineCache) contains(p peer.ID) bool {
	return c.lru.Contains(p)
}
