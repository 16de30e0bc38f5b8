package tunnel

import (
	"net"
	"sync"
	"time"
)

// Conn is the byte-stream transport a Session writes to. Send hands a
// complete frame off without waiting for it to reach the peer; callers must
// not modify the frame afterwards. Close is idempotent.
type Conn interface {
	Send(frame []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// StreamConn implements Conn over a net.Conn. Frames are queued and written
// by a dedicated goroutine so that a slow peer never blocks the sender.
type StreamConn struct {
	nc           net.Conn
	queue        chan []byte
	writeTimeout time.Duration

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// NewStreamConn wraps nc and starts its writer. queueLen bounds the number
// of frames waiting to be written.
func NewStreamConn(nc net.Conn, queueLen int, writeTimeout time.Duration) *StreamConn {
	if queueLen <= 0 {
		queueLen = DefaultSendQueue
	}
	c := &StreamConn{
		nc:           nc,
		queue:        make(chan []byte, queueLen),
		writeTimeout: writeTimeout,
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	go c.writer()
	return c
}

// Send queues frame for writing. It fails with ErrClosed after Close and
// with ErrSendQueueFull when the peer is not keeping up.
func (c *StreamConn) Send(frame []byte) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops accepting frames. Frames already queued are flushed before the
// underlying connection is closed.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	return nil
}

// Done is closed once the underlying connection has been closed.
func (c *StreamConn) Done() <-chan struct{} {
	return c.done
}

func (c *StreamConn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

func (c *StreamConn) writer() {
	defer close(c.done)
	defer c.nc.Close()

	for {
		select {
		case frame := <-c.queue:
			if err := c.write(frame); err != nil {
				c.Close()
				return
			}
		case <-c.closing:
			for {
				select {
				case frame := <-c.queue:
					if err := c.write(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *StreamConn) write(frame []byte) error {
	if c.writeTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.nc.Write(frame)
	return err
}
