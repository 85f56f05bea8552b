package coap

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv6"

	"github.com/kirale/kibra/internal/bbrerrors"
)

// Endpoint is a destination expressed the way Thread CoAP URIs carry
// it: an address, an optional zone (interface) for link-local/site
// scoped addresses, and a port (spec.md §4.2 "coap://[addr%zone]:port/uri").
type Endpoint struct {
	Addr string
	Zone string
	Port int
}

func (e Endpoint) udpAddr() (*net.UDPAddr, error) {
	host := e.Addr
	if e.Zone != "" {
		host = host + "%" + e.Zone
	}
	return net.ResolveUDPAddr("udp6", net.JoinHostPort(host, strconv.Itoa(e.Port)))
}

func (e Endpoint) String() string {
	if e.Zone != "" {
		return fmt.Sprintf("[%s%%%s]:%d", e.Addr, e.Zone, e.Port)
	}
	return fmt.Sprintf("[%s]:%d", e.Addr, e.Port)
}

// Socket is a bound UDPv6 endpoint used by both the CoAP client (as an
// ephemeral sender) and the server mux (as a fixed listener). It
// mirrors the teacher's UDPv4Transport shape — a thin wrapper adding
// context-aware Send/Receive atop a raw net.UDPConn — generalized to
// IPv6, arbitrary bind address/port/zone, and multicast-group joins.
type Socket struct {
	conn     *net.UDPConn
	pktConn  *ipv6.PacketConn
	ifIndex  int
}

// Listen binds a UDP socket to ep. If ep.Addr is a multicast address,
// the socket joins the group on the interface named by ep.Zone.
func Listen(ep Endpoint) (*Socket, error) {
	addr, err := ep.udpAddr()
	if err != nil {
		return nil, &bbrerrors.TransportError{Op: "resolve", Addr: ep.String(), Wrapped: err}
	}

	conn, err := net.ListenUDP("udp6", addr)
	if err != nil {
		return nil, &bbrerrors.TransportError{Op: "listen", Addr: ep.String(), Wrapped: err}
	}

	s := &Socket{conn: conn, pktConn: ipv6.NewPacketConn(conn)}

	if ip := net.ParseIP(ep.Addr); ip != nil && ip.IsMulticast() {
		iface, err := net.InterfaceByName(ep.Zone)
		if err != nil {
			conn.Close()
			return nil, &bbrerrors.TransportError{Op: "resolve interface", Addr: ep.Zone, Wrapped: err}
		}
		if err := s.pktConn.JoinGroup(iface, &net.UDPAddr{IP: ip}); err != nil {
			conn.Close()
			return nil, &bbrerrors.TransportError{Op: "join group", Addr: ep.String(), Wrapped: err}
		}
		s.ifIndex = iface.Index
	}
	return s, nil
}

// LocalPort returns the port the socket is bound to (useful when ep.Port == 0).
func (s *Socket) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Send writes packet to dst.
func (s *Socket) Send(ctx context.Context, packet []byte, dst Endpoint) error {
	addr, err := dst.udpAddr()
	if err != nil {
		return &bbrerrors.TransportError{Op: "resolve", Addr: dst.String(), Wrapped: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}
	if _, err := s.conn.WriteToUDP(packet, addr); err != nil {
		return &bbrerrors.TransportError{Op: "send", Addr: dst.String(), Wrapped: err}
	}
	return nil
}

// Receive blocks for one incoming datagram, honoring ctx's deadline.
func (s *Socket) Receive(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, 1280)
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, &bbrerrors.TransportError{Op: "receive", Addr: s.conn.LocalAddr().String(), Wrapped: err}
	}
	return buf[:n], addr, nil
}

// Close releases the socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}
