package client

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Emitter is a Sink that re-sends every datagram to its group on the local
// network.
type Emitter struct {
	p4  *ipv4.PacketConn
	p6  *ipv6.PacketConn
	wcm *ipv6.ControlMessage
}

// NewEmitter opens the sending sockets. ifi selects the outgoing interface
// and may be nil; ttl is the multicast TTL (hop limit for IPv6).
func NewEmitter(ifi *net.Interface, ttl int) (*Emitter, error) {
	if ttl <= 0 {
		ttl = 1
	}
	e := &Emitter{wcm: &ipv6.ControlMessage{HopLimit: ttl}}

	if pc, err := net.ListenPacket("udp4", ":0"); err == nil {
		e.p4 = ipv4.NewPacketConn(pc)
		if ifi != nil {
			if err := e.p4.SetMulticastInterface(ifi); err != nil {
				e.Close()
				return nil, fmt.Errorf("set multicast interface %s: %w", ifi.Name, err)
			}
		}
		e.p4.SetMulticastTTL(ttl)
		e.p4.SetMulticastLoopback(true)
	}
	if pc, err := net.ListenPacket("udp6", ":0"); err == nil {
		e.p6 = ipv6.NewPacketConn(pc)
		if ifi != nil {
			e.wcm.IfIndex = ifi.Index
		}
		e.p6.SetMulticastLoopback(true)
	}
	if e.p4 == nil && e.p6 == nil {
		return nil, errors.New("emitter: no UDP socket available")
	}
	return e, nil
}

func (e *Emitter) Deliver(group netip.AddrPort, payload []byte) error {
	group = netip.AddrPortFrom(group.Addr().Unmap(), group.Port())
	dst := net.UDPAddrFromAddrPort(group)
	if group.Addr().Is4() {
		if e.p4 == nil {
			return errors.New("emitter: IPv4 unavailable")
		}
		_, err := e.p4.WriteTo(payload, nil, dst)
		return err
	}
	if e.p6 == nil {
		return errors.New("emitter: IPv6 unavailable")
	}
	_, err := e.p6.WriteTo(payload, e.wcm, dst)
	return err
}

func (e *Emitter) Close() error {
	var errs []error
	if e.p4 != nil {
		errs = append(errs, e.p4.Close())
	}
	if e.p6 != nil {
		errs = append(errs, e.p6.Close())
	}
	return errors.Join(errs...)
}
