package throttle

import "fmt"

// Limit is the two-phase receive-capacity pair a peer advertises: the
// capacity currently granted (MaxRecv) and the capacity to grant the next
// time a credit is issued (NextMax). Starting MaxRecv at 1 guarantees the
// very first inbound request from an unseen peer is always accepted,
// which is what drives the response path that piggy-backs the real
// grant; starting at the real limit would starve the sender.
type Limit struct {
	MaxRecv uint16
	NextMax uint16
}

// NewLimit builds the initial Limit for a caller-supplied capacity. It
// panics if n is zero: a zero capacity is a programmer error, not
// something that can arise from peer input.
func NewLimit(n uint16) Limit {
	if n == 0 {
		panic(fmt.Sprintf("throttle: NewLimit called with zero capacity"))
	}
	return Limit{MaxRecv: 1, NextMax: n}
}

// Switch advances the limit to its next phase, returning the new
// MaxRecv. Used whenever the engine must replenish recv_budget: the
// value returned is also the amount granted to the remote peer.
func (l *Limit) Switch() uint16 {
	l.MaxRecv = l.NextMax
	return l.MaxRecv
}
