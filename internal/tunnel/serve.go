package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

const readBufferSize = 64 * 1024

// Serve runs a session over nc until the peer goes away, the session is
// closed or ctx is done. It returns the reason the session ended: the error
// the session was closed with, ctx.Err(), ErrPeerClosed or ErrDeadPeer.
func Serve(ctx context.Context, nc net.Conn, h Handler, cfg Config) error {
	sc := NewStreamConn(nc, cfg.SendQueue, cfg.WriteTimeout)
	s := NewSession(sc, h, cfg)
	defer func() { <-sc.Done() }()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	if err := s.Start(); err != nil {
		s.OnConnectionClosed()
		return err
	}

	buf := make([]byte, readBufferSize)
	var readErr error
	for {
		if cfg.DeadAfter > 0 {
			nc.SetReadDeadline(time.Now().Add(cfg.DeadAfter))
		}
		n, err := nc.Read(buf)
		if n > 0 {
			s.OnBytesReceived(buf[:n])
		}
		if err != nil {
			readErr = err
			break
		}
	}
	local := s.Closed()
	s.OnConnectionClosed()

	if cause := s.Err(); cause != nil {
		return cause
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	switch {
	case local:
		return nil
	case errors.Is(readErr, os.ErrDeadlineExceeded):
		s.log.Warning("no data from peer for %v", cfg.DeadAfter)
		return ErrDeadPeer
	case errors.Is(readErr, io.EOF), errors.Is(readErr, net.ErrClosed):
		return ErrPeerClosed
	default:
		return fmt.Errorf("tunnel: read: %w", readErr)
	}
}
