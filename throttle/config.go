package throttle

import "time"

// Config holds the tunables the design notes flag as hard-coded
// constants in the source this package is modeled on, plus RequestTimeout,
// which has no counterpart there. The other defaults match that source;
// callers only need to touch a field to deviate from it.
type Config struct {
	// DefaultReceiveLimit is the NextMax used to synthesise a Limit for a
	// peer with no override and no prior PeerInfo.
	DefaultReceiveLimit uint16

	// OfflineCacheSize bounds the LRU that preserves PeerInfo across
	// disconnects. The source hard-codes 8192.
	OfflineCacheSize int

	// MaxFrameSize caps the framing codec's header layer, independent of
	// whatever the application codec imposes on the payload. The source
	// hard-codes 8192 bytes.
	MaxFrameSize int

	// RequestTimeout has no equivalent constant in the source, which models
	// no timeouts at all. Nothing in this module reads it: the Engine does
	// not pass it on, and reqresp.LibP2PBehaviour uses its own
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// DefaultConfig returns a Config matching the constants hard-coded in
// the original implementation.
func DefaultConfig() Config {
	return Config{
		DefaultReceiveLimit: 1,
		OfflineCacheSize:    8192,
		MaxFrameSize:        8192,
		RequestTimeout:      20 * time.Second,
	}
}
