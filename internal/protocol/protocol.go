// Package protocol implements the mtunnel wire format: a 4-byte little-endian
// header (total length, message type) followed by a type specific body.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// MessageType identifies the body layout of a message.
type MessageType uint16

const (
	TypePing            MessageType = 1
	TypePong            MessageType = 2
	TypeJoinRequest     MessageType = 5
	TypeJoinResponse    MessageType = 6
	TypeMulticastPacket MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeJoinRequest:
		return "JoinRequest"
	case TypeJoinResponse:
		return "JoinResponse"
	case TypeMulticastPacket:
		return "MulticastPacket"
	default:
		return fmt.Sprintf("MessageType(%d)", uint16(t))
	}
}

const (
	// HeaderSize is the size of the common message header.
	HeaderSize = 4
	// MaxMessageSize is the largest total length a header can declare.
	MaxMessageSize = 0xffff
	// MaxGroups is the largest number of groups one JoinRequest can carry.
	MaxGroups = 0xff
)

var order = binary.LittleEndian

// Header is the common message header.
type Header struct {
	Length uint16
	Type   MessageType
}

// DecodeHeader reads the header at the start of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Length: order.Uint16(b[0:2]),
		Type:   MessageType(order.Uint16(b[2:4])),
	}, nil
}

// FrameLength returns the total length declared by the header at the start
// of b. It is the length extraction rule used by FrameReader.
func FrameLength(b []byte) (int, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return 0, err
	}
	if int(h.Length) < HeaderSize {
		return 0, ErrInvalidLength
	}
	return int(h.Length), nil
}

// EncodeFrame builds one message of type t carrying body.
func EncodeFrame(t MessageType, body []byte) ([]byte, error) {
	total := HeaderSize + len(body)
	if total > MaxMessageSize {
		return nil, &EncodeError{Type: t, Err: ErrMessageTooLarge}
	}
	b := make([]byte, HeaderSize, total)
	order.PutUint16(b[0:2], uint16(total))
	order.PutUint16(b[2:4], uint16(t))
	return append(b, body...), nil
}

// Body validates the header of frame against its length and returns the
// header together with the body bytes.
func Body(frame []byte) (Header, []byte, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return Header{}, nil, err
	}
	if int(h.Length) < HeaderSize || int(h.Length) != len(frame) {
		return h, nil, ErrInvalidLength
	}
	return h, frame[HeaderSize:], nil
}
