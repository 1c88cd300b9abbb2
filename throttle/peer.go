package throttle

import "github.com/ethereum-optimism/throttled-reqresp/reqresp"

// PeerInfo is the live or cached budget state for one peer.
type PeerInfo struct {
	Limit        Limit
	SendBudget   uint16
	RecvBudget   uint16
	SendBudgetID *uint64
}

func newPeerInfo(limit Limit) *PeerInfo {
	return &PeerInfo{Limit: limit, SendBudget: 1, RecvBudget: 1}
}

// credit is the at-most-one in-flight grant record per peer.
type credit struct {
	id      uint64
	request reqresp.RequestID
	amount  uint16
}

// saturatingAdd adds b to a without wrapping past math.MaxUint16. The
// source this package follows uses wrapping addition; a reimplementation
// should saturate instead to avoid wrap-around in pathological grant
// streams.
func saturatingAdd(a, b uint16) uint16 {
	sum := uint32(a) + uint32(b)
	if sum > 0xffff {
		return 0xffff
	}
	return uint16(sum)
}

// idExceeds reports whether id is strictly greater than the stored
// send_budget_id, treating a nil stored id as negative infinity.
func idExceeds(id uint64, stored *uint64) bool {
	return stored == nil || id > *stored
}
