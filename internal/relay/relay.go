// Package relay implements the server side of the tunnel: the group
// membership registry that joins multicast groups on behalf of connected
// sessions and fans received datagrams out to them.
package relay

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"

	"github.com/js-labs/mtunnel/internal/logger"
	"github.com/js-labs/mtunnel/internal/protocol"
	"github.com/js-labs/mtunnel/internal/tunnel"
)

// ErrJoinRejected is the cause a session is closed with after a failed join.
var ErrJoinRejected = errors.New("relay: join rejected")

// Config holds the configuration for a Relay.
type Config struct {
	// Interface is the interface groups are joined on; nil lets the OS pick.
	Interface *net.Interface
	Joiner    Joiner
	Metrics   *Metrics
	Logger    *logger.Logger
}

// group is one multicast group with at least one subscriber, or one whose
// OS-level join is still in progress.
type group struct {
	addr netip.AddrPort

	// ready is closed once the OS-level join has finished. err and
	// membership are written before that and never change afterwards.
	ready      chan struct{}
	err        error
	membership Membership

	// subscribers is replaced, never modified in place, so a slice read
	// under Relay.mu stays valid after the lock is released.
	subscribers []*tunnel.Session
}

// Relay is the membership registry. Both directions of the session/group
// mapping are guarded by mu, and no I/O happens while it is held.
type Relay struct {
	ifi     *net.Interface
	joiner  Joiner
	metrics *Metrics
	logger  *logger.Logger

	mu       sync.Mutex
	groups   map[netip.AddrPort]*group
	sessions map[*tunnel.Session][]*group
}

// New creates a Relay with no groups joined.
func New(cfg Config) *Relay {
	r := &Relay{
		ifi:      cfg.Interface,
		joiner:   cfg.Joiner,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		groups:   make(map[netip.AddrPort]*group),
		sessions: make(map[*tunnel.Session][]*group),
	}
	if r.logger == nil {
		r.logger = logger.Discard()
	}
	if r.joiner == nil {
		r.joiner = &UDPJoiner{Logger: r.logger}
	}
	if r.metrics == nil {
		r.metrics = newUnregisteredMetrics()
	}
	return r
}

// HandleJoinRequest subscribes s to groups in order. The first group that is
// not a multicast address, or that the OS fails to join, is answered with a
// failure JoinResponse and ends processing; the returned error then closes
// the session. Groups joined before the failure stay joined. When every
// group succeeds a single success JoinResponse is sent.
func (r *Relay) HandleJoinRequest(s *tunnel.Session, groups []netip.AddrPort) error {
	for _, addr := range groups {
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		if !addr.Addr().IsMulticast() {
			return r.reject(s, fmt.Sprintf("%s is not a multicast address", addr))
		}
		if err := r.join(s, addr); err != nil {
			return r.reject(s, fmt.Sprintf("join %s: %v", addr, err))
		}
	}

	s.MarkJoined()
	if err := s.Send(protocol.JoinResponse{}); err != nil {
		s.Logger().Debug("join response not sent: %v", err)
	}
	return nil
}

func (r *Relay) reject(s *tunnel.Session, status string) error {
	s.MarkRejected()
	if err := s.Send(protocol.JoinResponse{Status: status}); err != nil {
		s.Logger().Debug("join response not sent: %v", err)
	}
	return fmt.Errorf("%w: %s", ErrJoinRejected, status)
}

// join subscribes s to addr, performing the OS-level join when s is the
// first subscriber. Sessions joining a group whose OS-level join is in
// progress wait for it and share its outcome.
func (r *Relay) join(s *tunnel.Session, addr netip.AddrPort) error {
	for {
		r.mu.Lock()
		g, ok := r.groups[addr]
		if !ok {
			g = &group{addr: addr, ready: make(chan struct{})}
			r.groups[addr] = g
			r.mu.Unlock()
			return r.create(s, g)
		}
		r.mu.Unlock()

		<-g.ready
		if g.err != nil {
			return g.err
		}

		r.mu.Lock()
		if r.groups[addr] != g {
			// The last subscriber left while we were waiting.
			r.mu.Unlock()
			continue
		}
		r.subscribeLocked(s, g)
		r.mu.Unlock()
		return nil
	}
}

func (r *Relay) create(s *tunnel.Session, g *group) error {
	m, err := r.joiner.Join(g.addr, r.ifi, func(payload []byte) {
		r.OnMulticastDatagram(g.addr, payload)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	defer close(g.ready)

	if err != nil {
		g.err = err
		delete(r.groups, g.addr)
		r.metrics.Joins.WithLabelValues(resultError).Inc()
		r.logger.Warning("joining %s failed: %v", g.addr, err)
		return err
	}
	g.membership = m
	r.subscribeLocked(s, g)
	r.metrics.Joins.WithLabelValues(resultOK).Inc()
	r.metrics.Groups.Inc()
	r.logger.Info("joined %s for %s", g.addr, s.RemoteAddr())
	return nil
}

func (r *Relay) subscribeLocked(s *tunnel.Session, g *group) {
	if slices.Contains(g.subscribers, s) {
		return
	}
	g.subscribers = append(slices.Clip(g.subscribers), s)
	r.sessions[s] = append(r.sessions[s], g)
}

// OnMulticastDatagram forwards payload to every session subscribed to addr.
// A session that cannot take the frame is skipped.
func (r *Relay) OnMulticastDatagram(addr netip.AddrPort, payload []byte) {
	r.mu.Lock()
	var subscribers []*tunnel.Session
	if g, ok := r.groups[addr]; ok {
		subscribers = g.subscribers
	}
	r.mu.Unlock()

	if len(subscribers) == 0 {
		return
	}

	frame, err := protocol.MulticastPacket{Group: addr, Payload: payload}.Encode()
	if err != nil {
		r.metrics.Dropped.WithLabelValues(reasonEncode).Inc()
		r.logger.Debug("dropping %d byte datagram from %s: %v", len(payload), addr, err)
		return
	}

	for _, s := range subscribers {
		if err := s.SendFrame(frame); err != nil {
			r.metrics.Dropped.WithLabelValues(reasonSend).Inc()
			s.Logger().Debug("datagram from %s not forwarded: %v", addr, err)
			continue
		}
		r.metrics.ForwardedPackets.Inc()
		r.metrics.ForwardedBytes.Add(float64(len(payload)))
	}
}

// OnSessionClosed removes s from every group it joined and leaves the
// groups it was the last subscriber of. Leave failures are logged only.
func (r *Relay) OnSessionClosed(s *tunnel.Session) {
	r.mu.Lock()
	joined := r.sessions[s]
	delete(r.sessions, s)
	var empty []*group
	for _, g := range joined {
		g.subscribers = slices.DeleteFunc(slices.Clone(g.subscribers), func(x *tunnel.Session) bool {
			return x == s
		})
		if len(g.subscribers) == 0 {
			delete(r.groups, g.addr)
			empty = append(empty, g)
		}
	}
	r.mu.Unlock()

	for _, g := range empty {
		r.metrics.Groups.Dec()
		if err := g.membership.Leave(); err != nil {
			r.metrics.Leaves.WithLabelValues(resultError).Inc()
			r.logger.Warning("leaving %s failed: %v", g.addr, err)
			continue
		}
		r.metrics.Leaves.WithLabelValues(resultOK).Inc()
		r.logger.Info("left %s", g.addr)
	}
}

// Groups returns the groups that currently have subscribers.
func (r *Relay) Groups() []netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	groups := make([]netip.AddrPort, 0, len(r.groups))
	for addr, g := range r.groups {
		if len(g.subscribers) > 0 {
			groups = append(groups, addr)
		}
	}
	return groups
}

// Subscribers returns the number of sessions subscribed to addr.
func (r *Relay) Subscribers(addr netip.AddrPort) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[addr]; ok {
		return len(g.subscribers)
	}
	return 0
}
