package relay

import (
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/js-labs/mtunnel/internal/protocol"
	"github.com/js-labs/mtunnel/internal/tunnel"
)

var (
	groupA = netip.MustParseAddrPort("239.1.1.1:5000")
	groupB = netip.MustParseAddrPort("239.1.1.2:5000")
	group6 = netip.MustParseAddrPort("[ff15::1234]:6000")
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	broken bool
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return tunnel.ErrClosed
	}
	if c.broken {
		return tunnel.ErrSendQueueFull
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 41000}
}

func (c *fakeConn) messages(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []protocol.Message
	for _, f := range c.frames {
		msg, err := protocol.Decode(f)
		if err != nil {
			t.Fatalf("sent frame %v does not decode: %v", f, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeJoiner struct {
	mu       sync.Mutex
	joins    map[netip.AddrPort]int
	leaves   map[netip.AddrPort]int
	deliver  map[netip.AddrPort]func([]byte)
	fail     map[netip.AddrPort]error
	leaveErr error

	// When gate is set Join reports on started and blocks until gate closes.
	gate    chan struct{}
	started chan struct{}
}

func newFakeJoiner() *fakeJoiner {
	return &fakeJoiner{
		joins:   make(map[netip.AddrPort]int),
		leaves:  make(map[netip.AddrPort]int),
		deliver: make(map[netip.AddrPort]func([]byte)),
		fail:    make(map[netip.AddrPort]error),
	}
}

func (j *fakeJoiner) Join(group netip.AddrPort, _ *net.Interface, deliver func([]byte)) (Membership, error) {
	if j.gate != nil {
		j.started <- struct{}{}
		<-j.gate
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.joins[group]++
	if err := j.fail[group]; err != nil {
		return nil, err
	}
	j.deliver[group] = deliver
	return &fakeMembership{j: j, group: group}, nil
}

func (j *fakeJoiner) count(m map[netip.AddrPort]int, group netip.AddrPort) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return m[group]
}

type fakeMembership struct {
	j     *fakeJoiner
	group netip.AddrPort
}

func (m *fakeMembership) Leave() error {
	m.j.mu.Lock()
	defer m.j.mu.Unlock()
	m.j.leaves[m.group]++
	return m.j.leaveErr
}

func newTestRelay(j Joiner) (*Relay, *Metrics) {
	m := NewMetrics(prometheus.NewRegistry())
	return New(Config{Joiner: j, Metrics: m}), m
}

func connect(t *testing.T, r *Relay) (*tunnel.Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s := tunnel.NewSession(conn, r, tunnel.Config{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s, conn
}

func joinRequest(t *testing.T, groups ...netip.AddrPort) []byte {
	t.Helper()
	frame, err := protocol.JoinRequest{Groups: groups}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return frame
}

func wantStatuses(t *testing.T, conn *fakeConn, want ...string) {
	t.Helper()
	var got []string
	for _, msg := range conn.messages(t) {
		if resp, ok := msg.(protocol.JoinResponse); ok {
			got = append(got, resp.Status)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("join responses %q, want %d", got, len(want))
	}
	for i := range want {
		if !strings.Contains(got[i], want[i]) || (want[i] == "" && got[i] != "") {
			t.Errorf("response %d status %q, want %q", i, got[i], want[i])
		}
	}
}

func TestJoinSuccess(t *testing.T) {
	j := newFakeJoiner()
	r, m := newTestRelay(j)
	s, conn := connect(t, r)

	s.OnBytesReceived(joinRequest(t, groupA, group6))

	wantStatuses(t, conn, "")
	if s.State() != tunnel.StateJoined {
		t.Errorf("State() = %v, want joined", s.State())
	}
	for _, g := range []netip.AddrPort{groupA, group6} {
		if n := j.count(j.joins, g); n != 1 {
			t.Errorf("joins[%s] = %d, want 1", g, n)
		}
		if n := r.Subscribers(g); n != 1 {
			t.Errorf("Subscribers(%s) = %d, want 1", g, n)
		}
	}
	if got := testutil.ToFloat64(m.Groups); got != 2 {
		t.Errorf("groups gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Sessions); got != 1 {
		t.Errorf("sessions gauge = %v, want 1", got)
	}
}

func TestJoinStopsAtInvalidGroupWithoutRollback(t *testing.T) {
	j := newFakeJoiner()
	r, _ := newTestRelay(j)
	s, conn := connect(t, r)
	invalid := netip.MustParseAddrPort("10.0.0.1:5000")

	s.OnBytesReceived(joinRequest(t, groupA, invalid, groupB))

	wantStatuses(t, conn, "10.0.0.1:5000")
	if !conn.isClosed() {
		t.Error("session not closed after rejection")
	}
	if !errors.Is(s.Err(), ErrJoinRejected) {
		t.Errorf("Err() = %v, want ErrJoinRejected", s.Err())
	}
	if s.State() != tunnel.StateRejected {
		t.Errorf("State() = %v, want rejected", s.State())
	}
	if n := r.Subscribers(groupA); n != 1 {
		t.Errorf("Subscribers(A) = %d, want 1 (no rollback)", n)
	}
	if n := j.count(j.joins, groupB); n != 0 {
		t.Errorf("group after the invalid one was joined %d times", n)
	}
}

func TestJoinFailureCarriesOSError(t *testing.T) {
	j := newFakeJoiner()
	j.fail[groupA] = errors.New("setsockopt: no such device")
	r, m := newTestRelay(j)

	s, conn := connect(t, r)
	s.OnBytesReceived(joinRequest(t, groupA))

	wantStatuses(t, conn, "no such device")
	if !conn.isClosed() {
		t.Error("session not closed after failed join")
	}
	if len(r.Groups()) != 0 {
		t.Errorf("failed group left in registry: %v", r.Groups())
	}
	if got := testutil.ToFloat64(m.Joins.WithLabelValues(resultError)); got != 1 {
		t.Errorf("failed joins = %v, want 1", got)
	}

	// A later request retries the OS join.
	delete(j.fail, groupA)
	s2, conn2 := connect(t, r)
	s2.OnBytesReceived(joinRequest(t, groupA))
	wantStatuses(t, conn2, "")
	if n := j.count(j.joins, groupA); n != 2 {
		t.Errorf("joins = %d, want 2", n)
	}
}

func TestDuplicateJoinIsNoop(t *testing.T) {
	j := newFakeJoiner()
	r, _ := newTestRelay(j)
	s, conn := connect(t, r)

	s.OnBytesReceived(joinRequest(t, groupA, groupA))
	s.OnBytesReceived(joinRequest(t, groupA))

	wantStatuses(t, conn, "", "")
	if n := r.Subscribers(groupA); n != 1 {
		t.Errorf("Subscribers = %d, want 1", n)
	}

	r.OnMulticastDatagram(groupA, []byte("x"))
	packets := 0
	for _, msg := range conn.messages(t) {
		if _, ok := msg.(protocol.MulticastPacket); ok {
			packets++
		}
	}
	if packets != 1 {
		t.Errorf("delivered %d packets, want 1", packets)
	}
}

func TestIPv4MappedGroupIsUnmapped(t *testing.T) {
	j := newFakeJoiner()
	r, _ := newTestRelay(j)
	s, conn := connect(t, r)
	mapped := netip.AddrPortFrom(netip.AddrFrom16(groupA.Addr().As16()), groupA.Port())

	s.OnBytesReceived(joinRequest(t, mapped))

	wantStatuses(t, conn, "")
	if n := r.Subscribers(groupA); n != 1 {
		t.Errorf("Subscribers(%s) = %d, want 1", groupA, n)
	}
}

func TestFanOut(t *testing.T) {
	j := newFakeJoiner()
	r, m := newTestRelay(j)

	var onA, onB []*fakeConn
	for i := 0; i < 3; i++ {
		s, conn := connect(t, r)
		s.OnBytesReceived(joinRequest(t, groupA))
		onA = append(onA, conn)
	}
	for i := 0; i < 2; i++ {
		s, conn := connect(t, r)
		s.OnBytesReceived(joinRequest(t, groupB))
		onB = append(onB, conn)
	}

	payload := []byte("datagram")
	j.deliver[groupA](payload)
	payload[0] = 'X'

	for i, conn := range onA {
		msgs := conn.messages(t)
		if len(msgs) != 2 {
			t.Fatalf("subscriber %d of A got %d messages, want 2", i, len(msgs))
		}
		p, ok := msgs[1].(protocol.MulticastPacket)
		if !ok {
			t.Fatalf("subscriber %d of A got %T, want MulticastPacket", i, msgs[1])
		}
		if p.Group != groupA || string(p.Payload) != "datagram" {
			t.Errorf("subscriber %d of A got %s %q", i, p.Group, p.Payload)
		}
	}
	for i, conn := range onB {
		if msgs := conn.messages(t); len(msgs) != 1 {
			t.Errorf("subscriber %d of B got %d messages, want only the join response", i, len(msgs))
		}
	}
	if got := testutil.ToFloat64(m.ForwardedPackets); got != 3 {
		t.Errorf("forwarded packets = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.ForwardedBytes); got != 24 {
		t.Errorf("forwarded bytes = %v, want 24", got)
	}
}

func TestFanOutSkipsFailingSubscriber(t *testing.T) {
	j := newFakeJoiner()
	r, m := newTestRelay(j)

	var conns []*fakeConn
	for i := 0; i < 3; i++ {
		s, conn := connect(t, r)
		s.OnBytesReceived(joinRequest(t, groupA))
		conns = append(conns, conn)
	}
	conns[0].mu.Lock()
	conns[0].broken = true
	conns[0].mu.Unlock()

	r.OnMulticastDatagram(groupA, []byte("p"))

	for i, conn := range conns[1:] {
		if msgs := conn.messages(t); len(msgs) != 2 {
			t.Errorf("subscriber %d got %d messages, want 2", i+1, len(msgs))
		}
	}
	if got := testutil.ToFloat64(m.Dropped.WithLabelValues(reasonSend)); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestOversizedDatagramDropped(t *testing.T) {
	j := newFakeJoiner()
	r, m := newTestRelay(j)
	s, conn := connect(t, r)
	s.OnBytesReceived(joinRequest(t, groupA))

	r.OnMulticastDatagram(groupA, make([]byte, protocol.MaxMessageSize))

	if msgs := conn.messages(t); len(msgs) != 1 {
		t.Errorf("got %d messages, want only the join response", len(msgs))
	}
	if got := testutil.ToFloat64(m.Dropped.WithLabelValues(reasonEncode)); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestLeaveAfterLastSubscriber(t *testing.T) {
	j := newFakeJoiner()
	r, m := newTestRelay(j)

	var sessions []*tunnel.Session
	for i := 0; i < 3; i++ {
		s, _ := connect(t, r)
		s.OnBytesReceived(joinRequest(t, groupA))
		sessions = append(sessions, s)
	}

	for i, s := range sessions {
		if n := j.count(j.leaves, groupA); n != 0 {
			t.Fatalf("left after %d of 3 disconnects", i)
		}
		s.OnConnectionClosed()
	}

	if n := j.count(j.leaves, groupA); n != 1 {
		t.Errorf("leaves = %d, want 1", n)
	}
	if len(r.Groups()) != 0 {
		t.Errorf("groups remain: %v", r.Groups())
	}
	if got := testutil.ToFloat64(m.Groups); got != 0 {
		t.Errorf("groups gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.Sessions); got != 0 {
		t.Errorf("sessions gauge = %v, want 0", got)
	}

	// The next subscriber joins the group again.
	s, _ := connect(t, r)
	s.OnBytesReceived(joinRequest(t, groupA))
	if n := j.count(j.joins, groupA); n != 2 {
		t.Errorf("joins = %d, want 2", n)
	}
}

func TestLeaveFailureIsAbsorbed(t *testing.T) {
	j := newFakeJoiner()
	j.leaveErr = errors.New("leave failed")
	r, m := newTestRelay(j)

	s, _ := connect(t, r)
	s.OnBytesReceived(joinRequest(t, groupA))
	s.OnConnectionClosed()

	if len(r.Groups()) != 0 {
		t.Errorf("group kept after failed leave: %v", r.Groups())
	}
	if got := testutil.ToFloat64(m.Leaves.WithLabelValues(resultError)); got != 1 {
		t.Errorf("failed leaves = %v, want 1", got)
	}
}

func TestConcurrentJoinsShareOneOSJoin(t *testing.T) {
	j := newFakeJoiner()
	j.gate = make(chan struct{})
	j.started = make(chan struct{}, 1)
	r, _ := newTestRelay(j)

	const n = 10
	conns := make([]*fakeConn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		s, conn := connect(t, r)
		conns[i] = conn
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.OnBytesReceived(joinRequest(t, groupA))
		}()
	}

	<-j.started
	close(j.gate)
	wg.Wait()

	if got := j.count(j.joins, groupA); got != 1 {
		t.Errorf("OS joins = %d, want 1", got)
	}
	if got := r.Subscribers(groupA); got != n {
		t.Errorf("Subscribers = %d, want %d", got, n)
	}
	for i, conn := range conns {
		msgs := conn.messages(t)
		if len(msgs) != 1 {
			t.Fatalf("session %d got %d messages", i, len(msgs))
		}
		if resp, ok := msgs[0].(protocol.JoinResponse); !ok || !resp.OK() {
			t.Errorf("session %d got %#v, want success", i, msgs[0])
		}
	}
}

func TestConcurrentJoinFailureReachesWaiters(t *testing.T) {
	j := newFakeJoiner()
	j.gate = make(chan struct{})
	j.started = make(chan struct{}, 8)
	j.fail[groupA] = errors.New("no buffer space available")
	r, _ := newTestRelay(j)

	const n = 5
	conns := make([]*fakeConn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		s, conn := connect(t, r)
		conns[i] = conn
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.OnBytesReceived(joinRequest(t, groupA))
		}()
	}

	<-j.started
	close(j.gate)
	wg.Wait()

	for i, conn := range conns {
		wantStatuses(t, conn, "no buffer space available")
		if !conn.isClosed() {
			t.Errorf("session %d not closed", i)
		}
	}
	if len(r.Groups()) != 0 {
		t.Errorf("groups remain: %v", r.Groups())
	}
}

func TestUnexpectedMessageClosesSession(t *testing.T) {
	r, _ := newTestRelay(newFakeJoiner())
	s, conn := connect(t, r)

	frame, _ := protocol.JoinResponse{}.Encode()
	s.OnBytesReceived(frame)

	if !conn.isClosed() {
		t.Error("session not closed")
	}
	if !errors.Is(s.Err(), tunnel.ErrUnexpectedMessage) {
		t.Errorf("Err() = %v, want ErrUnexpectedMessage", s.Err())
	}
}
