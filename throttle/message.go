package throttle

// Type tags the four kinds of Inner-level message this package frames
// onto the underlying request/response transport.
type Type uint8

const (
	TypeRequest Type = iota
	TypeResponse
	TypeCredit
	TypeAck
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "Request"
	case TypeResponse:
		return "Response"
	case TypeCredit:
		return "Credit"
	case TypeAck:
		return "Ack"
	default:
		return "Unknown"
	}
}

// Header is the small tagged envelope written ahead of every framed
// message. Ident is present for Credit and Ack; Credit is present only
// for Credit. Both are nil (cbor omitempty) for Request/Response.
type Header struct {
	Typ    Type    `cbor:"typ"`
	Ident  *uint64 `cbor:"ident,omitempty"`
	Credit *uint16 `cbor:"credit,omitempty"`
}

func creditHeader(ident uint64, amount uint16) Header {
	return Header{Typ: TypeCredit, Ident: &ident, Credit: &amount}
}

func ackHeader(ident uint64) Header {
	return Header{Typ: TypeAck, Ident: &ident}
}

// WireRequest is what travels as an Inner-level "request": either an
// application Req (Header.Typ == TypeRequest) or a Credit grant
// (Header.Typ == TypeCredit, payload absent). HasApp distinguishes a
// successfully decoded application payload from one the codec could not
// decode — per the framing contract, a header that parses but whose
// payload fails to decode is a successful read of (header, no payload),
// not an error; the engine logs and drops it.
type WireRequest[Req any] struct {
	Header Header
	App    Req
	HasApp bool
}

// WireResponse is what travels as an Inner-level "response": either an
// application Res (Header.Typ == TypeResponse) or an Ack (Header.Typ ==
// TypeAck, payload absent).
type WireResponse[Res any] struct {
	Header Header
	App    Res
	HasApp bool
}
