package reqresp

import (
	"io"

	"github.com/libp2p/go-libp2p/core/protocol"
)

// Codec reads and writes the wire representation of requests and
// responses for a single protocol. Implementations are expected to bound
// how much they read from r themselves; a Behaviour does not impose a
// frame size limit of its own.
type Codec[Req, Res any] interface {
	Protocol() protocol.ID
	ReadRequest(r io.Reader) (Req, error)
	WriteRequest(w io.Writer, req Req) error
	ReadResponse(r io.Reader) (Res, error)
	WriteResponse(w io.Writer, res Res) error
}
