package throttle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/ethereum-optimism/throttled-reqresp/reqresp"
)

// ErrFrameTooLarge is returned when a header frame, encoded or received,
// exceeds the codec's MaxFrameSize.
var ErrFrameTooLarge = errors.New("throttle: header frame exceeds max size")

// protocolPrefix is prepended to the application protocol name so that a
// plain request/response peer without throttling never matches it.
const protocolPrefix = "/t/1"

// AppCodec is the application-level collaborator: it knows how to read
// and write the caller's Req/Res types on an already-positioned stream.
// It is exactly the shape reqresp.Codec already describes, reused here
// rather than duplicated, since a FramingCodec's application layer has
// identical obligations (bound its own reads, use the caller's own
// protocol name for prefixing).
type AppCodec[Req, Res any] = reqresp.Codec[Req, Res]

// FramingCodec wraps an AppCodec with the Header layer described in the
// wire framing spec: every message gets a small cbor-encoded, tagged
// header, length-prefixed and capped at MaxFrameSize, ahead of the
// application payload for Request/Response; Credit and Ack carry no
// payload at all.
type FramingCodec[Req, Res any] struct {
	app           AppCodec[Req, Res]
	maxFrameSize  int
	protocolCache protocol.ID
}

// NewFramingCodec builds a FramingCodec over app with the given header
// frame size cap.
func NewFramingCodec[Req, Res any](app AppCodec[Req, Res], maxFrameSize int) *FramingCodec[Req, Res] {
	return &FramingCodec[Req, Res]{
		app:           app,
		maxFrameSize:  maxFrameSize,
		protocolCache: protocol.ID(protocolPrefix + string(app.Protocol())),
	}
}

func (c *FramingCodec[Req, Res]) Protocol() protocol.ID { return c.protocolCache }

func (c *FramingCodec[Req, Res]) writeHeader(w io.Writer, h Header) error {
	buf, err := cbor.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if len(buf) > c.maxFrameSize {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write header length: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

func (c *FramingCodec[Req, Res]) readHeader(r io.Reader) (Header, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Header{}, fmt.Errorf("read header length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > c.maxFrameSize {
		return Header{}, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := cbor.Unmarshal(buf, &h); err != nil {
		return Header{}, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func (c *FramingCodec[Req, Res]) ReadRequest(r io.Reader) (WireRequest[Req], error) {
	h, err := c.readHeader(r)
	if err != nil {
		return WireRequest[Req]{}, err
	}
	if h.Typ != TypeRequest {
		// Credit, or a header bearing an unexpected type: no payload to
		// read. The engine decides what to do with the type.
		return WireRequest[Req]{Header: h}, nil
	}
	app, err := c.app.ReadRequest(r)
	if err != nil {
		// Header parsed; payload did not decode. Per the framing
		// contract this is a successful read of (header, no payload),
		// not a codec error.
		return WireRequest[Req]{Header: h}, nil
	}
	return WireRequest[Req]{Header: h, App: app, HasApp: true}, nil
}

func (c *FramingCodec[Req, Res]) WriteRequest(w io.Writer, req WireRequest[Req]) error {
	if err := c.writeHeader(w, req.Header); err != nil {
		return err
	}
	if req.Header.Typ == TypeRequest {
		return c.app.WriteRequest(w, req.App)
	}
	return nil
}

func (c *FramingCodec[Req, Res]) ReadResponse(r io.Reader) (WireResponse[Res], error) {
	h, err := c.readHeader(r)
	if err != nil {
		return WireResponse[Res]{}, err
	}
	if h.Typ != TypeResponse {
		return WireResponse[Res]{Header: h}, nil
	}
	app, err := c.app.ReadResponse(r)
	if err != nil {
		return WireResponse[Res]{Header: h}, nil
	}
	return WireResponse[Res]{Header: h, App: app, HasApp: true}, nil
}

func (c *FramingCodec[Req, Res]) WriteResponse(w io.Writer, res WireResponse[Res]) error {
	if err := c.writeHeader(w, res.Header); err != nil {
		return err
	}
	if res.Header.Typ == TypeResponse {
		return c.app.WriteResponse(w, res.App)
	}
	return nil
}

var _ reqresp.Codec[WireRequest[struct{}], WireResponse[struct{}]] = (*FramingCodec[struct{}, struct{}])(nil)
