package protocol

import (
	"net/netip"
	"unicode/utf8"
)

// Message is one decoded protocol message. The set of implementations is
// closed: Ping, Pong, JoinRequest, JoinResponse and MulticastPacket.
type Message interface {
	Type() MessageType
	Encode() ([]byte, error)
}

// Ping asks the peer to answer with a Pong.
type Ping struct{}

func (Ping) Type() MessageType { return TypePing }

func (Ping) Encode() ([]byte, error) { return EncodeFrame(TypePing, nil) }

// Pong answers a Ping.
type Pong struct{}

func (Pong) Type() MessageType { return TypePong }

func (Pong) Encode() ([]byte, error) { return EncodeFrame(TypePong, nil) }

// JoinRequest asks the server to join Groups on behalf of the sender.
type JoinRequest struct {
	Groups []netip.AddrPort
}

func (JoinRequest) Type() MessageType { return TypeJoinRequest }

func (m JoinRequest) Encode() ([]byte, error) {
	if len(m.Groups) > MaxGroups {
		return nil, &EncodeError{Type: TypeJoinRequest, Err: ErrTooManyGroups}
	}
	body := make([]byte, 1, 1+len(m.Groups)*(1+16+2))
	body[0] = byte(len(m.Groups))
	for _, g := range m.Groups {
		raw, err := rawAddr(g.Addr())
		if err != nil {
			return nil, &EncodeError{Type: TypeJoinRequest, Err: err}
		}
		body = append(body, byte(len(raw)))
		body = append(body, raw...)
		body = order.AppendUint16(body, g.Port())
	}
	return EncodeFrame(TypeJoinRequest, body)
}

// JoinResponse answers a JoinRequest. An empty Status means success.
type JoinResponse struct {
	Status string
}

func (JoinResponse) Type() MessageType { return TypeJoinResponse }

// OK reports whether the response signals a successful join.
func (m JoinResponse) OK() bool { return m.Status == "" }

func (m JoinResponse) Encode() ([]byte, error) {
	if HeaderSize+2+len(m.Status) > MaxMessageSize {
		return nil, &EncodeError{Type: TypeJoinResponse, Err: ErrMessageTooLarge}
	}
	body := make([]byte, 0, 2+len(m.Status))
	body = order.AppendUint16(body, uint16(len(m.Status)))
	body = append(body, m.Status...)
	return EncodeFrame(TypeJoinResponse, body)
}

// MulticastPacket carries one datagram received on Group.
type MulticastPacket struct {
	Group   netip.AddrPort
	Payload []byte
}

func (MulticastPacket) Type() MessageType { return TypeMulticastPacket }

func (m MulticastPacket) Encode() ([]byte, error) {
	raw, err := rawAddr(m.Group.Addr())
	if err != nil {
		return nil, &EncodeError{Type: TypeMulticastPacket, Err: err}
	}
	body := make([]byte, 0, 2+len(raw)+2+len(m.Payload))
	body = order.AppendUint16(body, uint16(len(raw)))
	body = append(body, raw...)
	body = order.AppendUint16(body, m.Group.Port())
	body = append(body, m.Payload...)
	return EncodeFrame(TypeMulticastPacket, body)
}

// Decode interprets one complete frame.
func Decode(frame []byte) (Message, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	switch h.Type {
	case TypePing:
		if err := emptyBody(frame, TypePing); err != nil {
			return nil, err
		}
		return Ping{}, nil
	case TypePong:
		if err := emptyBody(frame, TypePong); err != nil {
			return nil, err
		}
		return Pong{}, nil
	case TypeJoinRequest:
		return DecodeJoinRequest(frame)
	case TypeJoinResponse:
		return DecodeJoinResponse(frame)
	case TypeMulticastPacket:
		return DecodeMulticastPacket(frame)
	default:
		return nil, &DecodeError{Type: h.Type, Err: ErrUnknownType}
	}
}

// DecodeJoinRequest decodes a JoinRequest frame.
func DecodeJoinRequest(frame []byte) (JoinRequest, error) {
	body, err := bodyOf(frame, TypeJoinRequest)
	if err != nil {
		return JoinRequest{}, err
	}
	c := cursor{b: body}
	count := int(c.u8())
	groups := make([]netip.AddrPort, 0, count)
	for i := 0; i < count && c.err == nil; i++ {
		raw := c.take(int(c.u8()))
		port := c.u16()
		if c.err != nil {
			break
		}
		addr, ok := netip.AddrFromSlice(raw)
		if !ok {
			return JoinRequest{}, &DecodeError{Type: TypeJoinRequest, Err: ErrInvalidAddress}
		}
		groups = append(groups, netip.AddrPortFrom(addr, port))
	}
	if err := c.finish(); err != nil {
		return JoinRequest{}, &DecodeError{Type: TypeJoinRequest, Err: err}
	}
	return JoinRequest{Groups: groups}, nil
}

// DecodeJoinResponse decodes a JoinResponse frame. Status text that is not
// valid UTF-8 is rejected.
func DecodeJoinResponse(frame []byte) (JoinResponse, error) {
	body, err := bodyOf(frame, TypeJoinResponse)
	if err != nil {
		return JoinResponse{}, err
	}
	c := cursor{b: body}
	text := c.take(int(c.u16()))
	if err := c.finish(); err != nil {
		return JoinResponse{}, &DecodeError{Type: TypeJoinResponse, Err: err}
	}
	if !utf8.Valid(text) {
		return JoinResponse{}, &DecodeError{Type: TypeJoinResponse, Err: ErrInvalidText}
	}
	return JoinResponse{Status: string(text)}, nil
}

// DecodeMulticastPacket decodes a MulticastPacket frame. The returned payload
// aliases frame.
func DecodeMulticastPacket(frame []byte) (MulticastPacket, error) {
	body, err := bodyOf(frame, TypeMulticastPacket)
	if err != nil {
		return MulticastPacket{}, err
	}
	c := cursor{b: body}
	group, err := c.group()
	if err != nil {
		return MulticastPacket{}, &DecodeError{Type: TypeMulticastPacket, Err: err}
	}
	return MulticastPacket{Group: group, Payload: c.b}, nil
}

// PeekGroup returns the group a MulticastPacket frame is addressed to without
// decoding its payload.
func PeekGroup(frame []byte) (netip.AddrPort, error) {
	body, err := bodyOf(frame, TypeMulticastPacket)
	if err != nil {
		return netip.AddrPort{}, err
	}
	c := cursor{b: body}
	group, err := c.group()
	if err != nil {
		return netip.AddrPort{}, &DecodeError{Type: TypeMulticastPacket, Err: err}
	}
	return group, nil
}

func bodyOf(frame []byte, want MessageType) ([]byte, error) {
	h, body, err := Body(frame)
	if err != nil {
		return nil, &DecodeError{Type: want, Err: err}
	}
	if h.Type != want {
		return nil, &DecodeError{Type: want, Err: ErrTypeMismatch}
	}
	return body, nil
}

func emptyBody(frame []byte, want MessageType) error {
	body, err := bodyOf(frame, want)
	if err != nil {
		return err
	}
	if len(body) != 0 {
		return &DecodeError{Type: want, Err: ErrTrailingBytes}
	}
	return nil
}

func rawAddr(addr netip.Addr) ([]byte, error) {
	if !addr.IsValid() {
		return nil, ErrInvalidAddress
	}
	return addr.AsSlice(), nil
}

// cursor walks a message body. The first short read sticks in err.
type cursor struct {
	b   []byte
	err error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n > len(c.b) {
		c.err = ErrTruncated
		return nil
	}
	v := c.b[:n]
	c.b = c.b[n:]
	return v
}

func (c *cursor) u8() uint8 {
	b := c.take(1)
	if c.err != nil {
		return 0
	}
	return b[0]
}

func (c *cursor) u16() uint16 {
	b := c.take(2)
	if c.err != nil {
		return 0
	}
	return order.Uint16(b)
}

func (c *cursor) group() (netip.AddrPort, error) {
	raw := c.take(int(c.u16()))
	port := c.u16()
	if c.err != nil {
		return netip.AddrPort{}, c.err
	}
	addr, ok := netip.AddrFromSlice(raw)
	if !ok {
		return netip.AddrPort{}, ErrInvalidAddress
	}
	return netip.AddrPortFrom(addr, port), nil
}

func (c *cursor) finish() error {
	if c.err != nil {
		return c.err
	}
	if len(c.b) != 0 {
		return ErrTrailingBytes
	}
	return nil
}
