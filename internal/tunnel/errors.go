package tunnel

import "errors"

var (
	ErrClosed            = errors.New("tunnel: connection closed")
	ErrSendQueueFull     = errors.New("tunnel: send queue full")
	ErrMalformedFrame    = errors.New("tunnel: malformed frame")
	ErrUnexpectedMessage = errors.New("tunnel: unexpected message")
	ErrPeerClosed        = errors.New("tunnel: connection closed by peer")
	ErrDeadPeer          = errors.New("tunnel: peer stopped responding")
)
