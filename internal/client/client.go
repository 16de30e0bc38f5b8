// Package client implements the client side of the tunnel: it connects to a
// relay server, asks it to join a fixed list of groups and hands every
// forwarded datagram to a Sink.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/js-labs/mtunnel/internal/logger"
	"github.com/js-labs/mtunnel/internal/protocol"
	"github.com/js-labs/mtunnel/internal/tunnel"
)

const DefaultDialTimeout = 10 * time.Second

// Sink consumes datagrams forwarded by the server. Deliver must not retain
// payload.
type Sink interface {
	Deliver(group netip.AddrPort, payload []byte) error
}

type discardSink struct{}

func (discardSink) Deliver(netip.AddrPort, []byte) error { return nil }

// RejectedError is returned by Run when the server refuses the join.
type RejectedError struct {
	Status string
}

func (e *RejectedError) Error() string {
	return "client: join rejected: " + e.Status
}

// Config holds the configuration for a Client.
type Config struct {
	// Server is the host:port of the relay server.
	Server string
	Groups []netip.AddrPort
	// Sink receives forwarded datagrams; nil discards them.
	Sink        Sink
	Tunnel      tunnel.Config
	DialTimeout time.Duration
	Logger      *logger.Logger
}

// Client is one tunnel connection to a relay server.
type Client struct {
	server      string
	groups      []netip.AddrPort
	sink        Sink
	tunnel      tunnel.Config
	dialTimeout time.Duration
	logger      *logger.Logger

	joinedOnce sync.Once
	joined     chan struct{}
}

// New validates cfg and creates a Client. No connection is made until Run.
func New(cfg Config) (*Client, error) {
	if cfg.Server == "" {
		return nil, errors.New("client: no server address")
	}
	if len(cfg.Groups) == 0 {
		return nil, errors.New("client: no groups to join")
	}
	if len(cfg.Groups) > protocol.MaxGroups {
		return nil, fmt.Errorf("client: %d groups requested, at most %d allowed", len(cfg.Groups), protocol.MaxGroups)
	}
	c := &Client{
		server:      cfg.Server,
		groups:      cfg.Groups,
		sink:        cfg.Sink,
		tunnel:      cfg.Tunnel,
		dialTimeout: cfg.DialTimeout,
		logger:      cfg.Logger,
		joined:      make(chan struct{}),
	}
	if c.sink == nil {
		c.sink = discardSink{}
	}
	if c.logger == nil {
		c.logger = logger.Discard()
	}
	if c.tunnel.Logger == nil {
		c.tunnel.Logger = c.logger
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = DefaultDialTimeout
	}
	return c, nil
}

// Joined is closed once the server has confirmed the join.
func (c *Client) Joined() <-chan struct{} {
	return c.joined
}

// Run connects to the server and serves the tunnel until it ends. The
// returned error says why: a *RejectedError, ctx.Err(),
// tunnel.ErrPeerClosed, tunnel.ErrDeadPeer or a protocol error.
func (c *Client) Run(ctx context.Context) error {
	d := net.Dialer{Timeout: c.dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", c.server)
	if err != nil {
		return fmt.Errorf("client: connect to %s: %w", c.server, err)
	}
	c.logger.Info("connected to server @ %s", nc.RemoteAddr())

	err = tunnel.Serve(ctx, nc, c, c.tunnel)
	if errors.Is(err, tunnel.ErrPeerClosed) || errors.Is(err, tunnel.ErrDeadPeer) {
		c.logger.Warning("connection to server %s lost", nc.RemoteAddr())
	}
	return err
}

// Connected sends the JoinRequest before any other traffic.
func (c *Client) Connected(s *tunnel.Session) error {
	return s.Send(protocol.JoinRequest{Groups: c.groups})
}

func (c *Client) Handle(s *tunnel.Session, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.JoinResponse:
		return c.handleJoinResponse(s, m)
	case protocol.MulticastPacket:
		if err := c.sink.Deliver(m.Group, m.Payload); err != nil {
			s.Logger().Debug("delivery of %d bytes from %s failed: %v", len(m.Payload), m.Group, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %v", tunnel.ErrUnexpectedMessage, msg.Type())
	}
}

func (c *Client) handleJoinResponse(s *tunnel.Session, m protocol.JoinResponse) error {
	if !m.OK() {
		s.MarkRejected()
		c.logger.Error("%s", m.Status)
		return &RejectedError{Status: m.Status}
	}
	if !s.MarkJoined() {
		return fmt.Errorf("%w: repeated join response", tunnel.ErrUnexpectedMessage)
	}
	c.logger.Info("joined %d groups", len(c.groups))
	c.joinedOnce.Do(func() { close(c.joined) })
	return nil
}

func (c *Client) Disconnected(*tunnel.Session) {}
