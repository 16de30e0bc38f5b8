package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/js-labs/mtunnel/internal/logger"
)

const maxDatagramSize = 64 * 1024

// Membership is one OS-level multicast group subscription.
type Membership interface {
	// Leave drops the subscription. No datagram is delivered after it
	// returns.
	Leave() error
}

// Joiner performs OS-level multicast joins. deliver is called from a
// goroutine owned by the membership for every datagram received on the
// group; it must not retain payload.
type Joiner interface {
	Join(group netip.AddrPort, ifi *net.Interface, deliver func(payload []byte)) (Membership, error)
}

// UDPJoiner joins groups with a dedicated UDP socket per group.
type UDPJoiner struct {
	Logger *logger.Logger
}

func (j *UDPJoiner) Join(group netip.AddrPort, ifi *net.Interface, deliver func([]byte)) (Membership, error) {
	log := j.Logger
	if log == nil {
		log = logger.Discard()
	}

	network := "udp4"
	if group.Addr().Is6() {
		network = "udp6"
	}
	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(context.Background(), network, net.JoinHostPort("", strconv.Itoa(int(group.Port()))))
	if err != nil {
		return nil, err
	}

	m := &udpMembership{
		pc:     pc,
		ifi:    ifi,
		gaddr:  &net.UDPAddr{IP: group.Addr().AsSlice()},
		logger: log.With("group", group.String()),
		done:   make(chan struct{}),
	}
	if group.Addr().Is4() {
		m.p4 = ipv4.NewPacketConn(pc)
		err = m.p4.JoinGroup(ifi, m.gaddr)
		if err == nil {
			err = m.p4.SetControlMessage(ipv4.FlagDst, true)
		}
	} else {
		m.p6 = ipv6.NewPacketConn(pc)
		err = m.p6.JoinGroup(ifi, m.gaddr)
		if err == nil {
			err = m.p6.SetControlMessage(ipv6.FlagDst, true)
		}
	}
	if err != nil {
		pc.Close()
		return nil, err
	}

	go m.read(deliver)
	return m, nil
}

type udpMembership struct {
	pc     net.PacketConn
	p4     *ipv4.PacketConn
	p6     *ipv6.PacketConn
	ifi    *net.Interface
	gaddr  *net.UDPAddr
	logger *logger.Logger
	done   chan struct{}
}

func (m *udpMembership) read(deliver func([]byte)) {
	defer close(m.done)

	buf := make([]byte, maxDatagramSize)
	for {
		n, dst, err := m.readFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.logger.Warning("receive failed: %v", err)
			}
			return
		}
		// The socket is bound to the wildcard address and also sees
		// datagrams for other groups on the same port.
		if dst != nil && !dst.Equal(m.gaddr.IP) {
			continue
		}
		deliver(buf[:n])
	}
}

func (m *udpMembership) readFrom(buf []byte) (int, net.IP, error) {
	if m.p4 != nil {
		n, cm, _, err := m.p4.ReadFrom(buf)
		if cm != nil {
			return n, cm.Dst, err
		}
		return n, nil, err
	}
	n, cm, _, err := m.p6.ReadFrom(buf)
	if cm != nil {
		return n, cm.Dst, err
	}
	return n, nil, err
}

func (m *udpMembership) Leave() error {
	var err error
	if m.p4 != nil {
		err = m.p4.LeaveGroup(m.ifi, m.gaddr)
	} else {
		err = m.p6.LeaveGroup(m.ifi, m.gaddr)
	}
	if err != nil {
		err = fmt.Errorf("leave group: %w", err)
	}
	closeErr := m.pc.Close()
	<-m.done
	return errors.Join(err, closeErr)
}
