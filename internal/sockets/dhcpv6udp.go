package sockets

import (
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/unix"

	"github.com/fgggid/6relayd/internal/ioloop"
)

// allDHCPv6RelayAgentsAndServers is ff02::1:2, joined on every slave for
// the port-547 relay socket (spec.md §4.4 "Sockets").
var allDHCPv6RelayAgentsAndServers = netip.MustParseAddr("ff02::1:2")

// allDHCPv6Servers is ff05::1:3, the destination for a standards-compliant
// RELAY-FORW (spec.md §4.4 "Send to the all-DHCPv6-servers multicast on
// port 547 via the master").
var allDHCPv6Servers = netip.MustParseAddr("ff05::1:3")

// AllDHCPv6RelayAgentsAndServers exposes the well-known multicast group so
// callers outside this package (the DHCPv6 engine) can use it as a send
// destination without duplicating the constant. Broken-server mode sends
// here too (spec.md §9 Open Question: preserved as-is, not "fixed" to
// AllDHCPv6Servers without a dedicated configuration switch).
func AllDHCPv6RelayAgentsAndServers() netip.Addr { return allDHCPv6RelayAgentsAndServers }

// AllDHCPv6Servers exposes ff05::1:3, the destination standard-mode
// RELAY-FORW envelopes are sent to.
func AllDHCPv6Servers() netip.Addr { return allDHCPv6Servers }

// DHCPv6UDPSocket is a UDP/IPv6 datagram socket used for DHCPv6 traffic.
// It implements [ioloop.Reader].
type DHCPv6UDPSocket struct {
	fd   int
	port int
}

// OpenDHCPv6Server opens the port-547 socket bound to [::]:547 and joined
// to the all-DHCPv6-relay-agents-and-servers group on every slave ifindex
// (spec.md §4.4).
func OpenDHCPv6Server(slaveIfIndexes []int) (*DHCPv6UDPSocket, error) {
	s, err := openUDP6(547)
	if err != nil {
		return nil, err
	}

	for _, idx := range slaveIfIndexes {
		mreq := &unix.IPv6Mreq{Multiaddr: allDHCPv6RelayAgentsAndServers.As16(), Interface: uint32(idx)}
		if err = unix.SetsockoptIPv6Mreq(s.fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq); err != nil {
			s.Close()

			return nil, errors.Annotate(err, "sockets: joining dhcpv6 relay group: %w")
		}
	}

	return s, nil
}

// OpenDHCPv6BrokenClient opens the port-546 socket used by broken-server
// compatibility mode, bound to the master via SO_BINDTODEVICE (spec.md
// §4.4: "a second socket on port 546 is bound to the master").
func OpenDHCPv6BrokenClient(masterIfName string) (*DHCPv6UDPSocket, error) {
	s, err := openUDP6(546)
	if err != nil {
		return nil, err
	}

	if err = unix.BindToDevice(s.fd, masterIfName); err != nil {
		s.Close()

		return nil, errors.Annotate(err, "sockets: SO_BINDTODEVICE: %w")
	}

	return s, nil
}

func openUDP6(port int) (*DHCPv6UDPSocket, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, errors.Annotate(err, "sockets: opening udp6 socket: %w")
	}

	s := &DHCPv6UDPSocket{fd: fd, port: port}

	if err = unix.SetNonblock(fd, true); err != nil {
		s.Close()

		return nil, errors.Annotate(err, "sockets: setting nonblocking: %w")
	}

	if err = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
		s.Close()

		return nil, errors.Annotate(err, "sockets: IPV6_RECVPKTINFO: %w")
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		s.Close()

		return nil, errors.Annotate(err, "sockets: SO_REUSEADDR: %w")
	}

	if err = unix.Bind(fd, &unix.SockaddrInet6{Port: port}); err != nil {
		s.Close()

		return nil, errors.Annotate(err, "sockets: binding udp6 socket: %w")
	}

	return s, nil
}

// Fd implements [ioloop.Reader].
func (s *DHCPv6UDPSocket) Fd() int { return s.fd }

// ReadDatagram implements [ioloop.Reader].
func (s *DHCPv6UDPSocket) ReadDatagram(buf []byte) (n int, src ioloop.Addr, ifIndex int, err error) {
	oob := make([]byte, 128)

	n, oobn, _, from, err := unix.Recvmsg(s.fd, buf, oob, 0)
	if err != nil {
		return 0, ioloop.Addr{}, 0, err
	}

	if sa6, ok := from.(*unix.SockaddrInet6); ok {
		// The zone is left unset: callers that need the ingress
		// interface already receive it separately via ifIndex
		// (recovered from IPV6_PKTINFO below), which is all the relay
		// envelope construction in spec.md §4.4 requires.
		src = ioloop.Addr{IP: sa6.Addr, Port: sa6.Port}
	}

	ifIndex = parsePktinfoIfIndex(oob[:oobn])

	return n, src, ifIndex, nil
}

// SendTo writes payload to dst:dstPort out ifIndex, pinning the egress
// interface via the forwarder primitive.
func (s *DHCPv6UDPSocket) SendTo(payload []byte, dst netip.Addr, dstPort int, outIfIndex int) (int, error) {
	return sendmsgPktinfo(s.fd, payload, netip.Addr{}, dst, dstPort, outIfIndex)
}

// Close closes the underlying file descriptor.
func (s *DHCPv6UDPSocket) Close() error { return unix.Close(s.fd) }
