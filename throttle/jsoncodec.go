package throttle

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/protocol"
)

// JSONCodec is a default AppCodec for the demo host and for tests: it
// reads and writes Req/Res as newline-delimited JSON values. json.Decoder
// only consumes one value per Decode call, so it composes cleanly with
// the FramingCodec's header-then-payload stream layout.
type JSONCodec[Req, Res any] struct {
	proto protocol.ID
}

// NewJSONCodec builds a JSONCodec advertising proto as its (unwrapped)
// protocol name.
func NewJSONCodec[Req, Res any](proto protocol.ID) *JSONCodec[Req, Res] {
	return &JSONCodec[Req, Res]{proto: proto}
}

func (c *JSONCodec[Req, Res]) Protocol() protocol.ID { return c.proto }

func (c *JSONCodec[Req, Res]) ReadRequest(r io.Reader) (Req, error) {
	var req Req
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func (c *JSONCodec[Req, Res]) WriteRequest(w io.Writer, req Req) error {
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return nil
}

func (c *JSONCodec[Req, Res]) ReadResponse(r io.Reader) (Res, error) {
	var res Res
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return res, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}

func (c *JSONCodec[Req, Res]) WriteResponse(w io.Writer, res Res) error {
	if err := json.NewEncoder(w).Encode(res); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
