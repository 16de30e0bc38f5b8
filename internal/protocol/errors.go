package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrShortHeader     = errors.New("protocol: short message header")
	ErrInvalidLength   = errors.New("protocol: invalid message length")
	ErrTruncated       = errors.New("protocol: truncated message")
	ErrTrailingBytes   = errors.New("protocol: trailing bytes after message body")
	ErrMessageTooLarge = errors.New("protocol: message too large")
	ErrTooManyGroups   = errors.New("protocol: maximum number of groups exceeded")
	ErrInvalidAddress  = errors.New("protocol: invalid raw address")
	ErrInvalidText     = errors.New("protocol: status text is not valid UTF-8")
	ErrUnknownType     = errors.New("protocol: unknown message type")
	ErrTypeMismatch    = errors.New("protocol: message type mismatch")
)

// DecodeError reports a message that could not be interpreted.
type DecodeError struct {
	Type MessageType
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode %s: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a message that cannot be represented on the wire.
type EncodeError struct {
	Type MessageType
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("protocol: encode %s: %v", e.Type, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }
