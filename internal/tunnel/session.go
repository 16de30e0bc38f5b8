// Package tunnel implements one framed tunnel connection: stream
// reassembly, Ping/Pong keepalive and dispatch of decoded messages to a
// role-specific Handler.
package tunnel

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/js-labs/mtunnel/internal/logger"
	"github.com/js-labs/mtunnel/internal/protocol"
)

const (
	DefaultPingInterval = 5 * time.Second
	DefaultDeadAfter    = 15 * time.Second
	DefaultSendQueue    = 256
	DefaultWriteTimeout = 15 * time.Second
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnected State = iota
	StateJoined
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler supplies the role-specific behavior of a Session. All callbacks of
// one session run on a single goroutine. A non-nil error from Connected or
// Handle closes the session with that error as its cause.
type Handler interface {
	Connected(s *Session) error
	Handle(s *Session, msg protocol.Message) error
	Disconnected(s *Session)
}

// Config tunes a Session and the transport Serve builds for it.
type Config struct {
	// PingInterval is the keepalive period; zero disables pings.
	PingInterval time.Duration
	// DeadAfter closes the connection when nothing has been read for this
	// long; zero waits forever.
	DeadAfter time.Duration
	// SendQueue bounds the frames waiting to be written.
	SendQueue int
	// WriteTimeout bounds a single write to the peer.
	WriteTimeout time.Duration
	Logger       *logger.Logger
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		PingInterval: DefaultPingInterval,
		DeadAfter:    DefaultDeadAfter,
		SendQueue:    DefaultSendQueue,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// Session is one tunnel endpoint, shared by the client and server roles.
type Session struct {
	id       string
	conn     Conn
	handler  Handler
	log      *logger.Logger
	interval time.Duration
	ping     []byte

	// reader is only touched by the goroutine delivering received bytes.
	reader protocol.FrameReader
	state  atomic.Int32

	mu           sync.Mutex
	timer        *time.Timer
	closed       bool
	disconnected bool
	cause        error
}

// NewSession creates a session on conn. Nothing is sent until Start.
func NewSession(conn Conn, h Handler, cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	id := uuid.NewString()
	ping, _ := protocol.Ping{}.Encode()
	return &Session{
		id:       id,
		conn:     conn,
		handler:  h,
		log:      log.With("session", id, "peer", addrString(conn.RemoteAddr())),
		interval: cfg.PingInterval,
		ping:     ping,
	}
}

// Start runs the handler's Connected callback and arms the keepalive timer.
func (s *Session) Start() error {
	s.log.Info("connection established")
	if err := s.handler.Connected(s); err != nil {
		s.CloseWithError(err)
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.interval > 0 {
		s.timer = time.AfterFunc(s.interval, s.keepalive)
	}
	return nil
}

// ID returns the unique identifier assigned to the session.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the address of the peer.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Logger returns the session-scoped logger.
func (s *Session) Logger() *logger.Logger { return s.log }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// MarkJoined moves a connected session to StateJoined.
func (s *Session) MarkJoined() bool {
	return s.state.CompareAndSwap(int32(StateConnected), int32(StateJoined))
}

// MarkRejected moves a connected session to StateRejected.
func (s *Session) MarkRejected() bool {
	return s.state.CompareAndSwap(int32(StateConnected), int32(StateRejected))
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Err returns the error the session was closed with, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Send encodes msg and hands it to the transport.
func (s *Session) Send(msg protocol.Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.SendFrame(frame)
}

// SendFrame hands an already encoded frame to the transport. The frame may
// be shared with other sessions and must not be modified.
func (s *Session) SendFrame(frame []byte) error {
	if s.Closed() {
		return ErrClosed
	}
	return s.conn.Send(frame)
}

// Close initiates shutdown. Frames already handed to the transport are
// still delivered.
func (s *Session) Close() error {
	return s.CloseWithError(nil)
}

// CloseWithError initiates shutdown and records cause as the reason. Only
// the first recorded cause is kept.
func (s *Session) CloseWithError(cause error) error {
	s.mu.Lock()
	if s.cause == nil {
		s.cause = cause
	}
	first := !s.closed
	s.closed = true
	s.stopTimerLocked()
	s.mu.Unlock()

	if !first {
		return nil
	}
	if cause != nil {
		s.log.Warning("closing connection: %v", cause)
	}
	return s.conn.Close()
}

// OnBytesReceived feeds a chunk read from the transport. Every complete
// message is dispatched in arrival order; a partial message is kept until
// the rest arrives.
func (s *Session) OnBytesReceived(chunk []byte) {
	s.reader.Feed(chunk)
	for {
		if s.Closed() {
			return
		}
		frame, err := s.reader.Next()
		if err != nil {
			s.CloseWithError(errors.Join(ErrMalformedFrame, err))
			return
		}
		if frame == nil {
			return
		}
		s.dispatch(frame)
	}
}

// OnConnectionClosed must be called once the transport can deliver no more
// bytes. It stops the keepalive and notifies the handler exactly once.
func (s *Session) OnConnectionClosed() {
	s.mu.Lock()
	s.closed = true
	s.stopTimerLocked()
	notify := !s.disconnected
	s.disconnected = true
	s.mu.Unlock()

	s.state.Store(int32(StateClosed))
	s.conn.Close()
	if notify {
		s.log.Info("connection closed")
		s.handler.Disconnected(s)
	}
}

func (s *Session) dispatch(frame []byte) {
	if _, _, err := protocol.Body(frame); err != nil {
		s.CloseWithError(errors.Join(ErrMalformedFrame, err))
		return
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		s.CloseWithError(err)
		return
	}
	switch msg.(type) {
	case protocol.Ping:
		if err := s.Send(protocol.Pong{}); err != nil {
			s.log.Debug("pong not sent: %v", err)
		}
	case protocol.Pong:
		// Receipt alone proves the peer is alive.
	default:
		if err := s.handler.Handle(s, msg); err != nil {
			s.CloseWithError(err)
		}
	}
}

func (s *Session) keepalive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timer == nil {
		return
	}
	if err := s.conn.Send(s.ping); err != nil {
		s.log.Debug("ping not sent: %v", err)
	}
	s.timer.Reset(s.interval)
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}
