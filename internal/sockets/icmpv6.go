// Package sockets is the platform I/O layer (spec.md §4 "Platform I/O
// layer"): it opens the raw ICMPv6, UDP, and packet-socket endpoints the
// engines multiplex over, and implements the forwarder primitive that
// pins egress interfaces with IPV6_PKTINFO.
//
// Sockets are opened directly via golang.org/x/sys/unix rather than
// through net.ListenPacket/golang.org/x/net/icmp's high level wrapper,
// because the daemon needs the raw file descriptor for epoll
// registration (internal/ioloop) and needs to control ancillary data
// precisely; see DESIGN.md. Wire encoding of the ancillary control
// message itself is still delegated to golang.org/x/net/ipv6's
// [ipv6.ControlMessage], which marshals/parses the same cmsg buffer
// shape without requiring a live net.PacketConn.
package sockets

import (
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/fgggid/6relayd/internal/ioloop"
)

// ICMPv6Socket is the raw ICMPv6 socket the RD engine uses for RA/RS. It
// implements [ioloop.Reader].
type ICMPv6Socket struct {
	fd int
}

// OpenICMPv6 opens a raw ICMPv6 socket bound to all interfaces, with
// IPV6_RECVPKTINFO enabled so every read recovers its ingress ifindex
// (spec.md §4.3 "Inputs").
func OpenICMPv6() (*ICMPv6Socket, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_ICMPV6)
	if err != nil {
		return nil, errors.Annotate(err, "sockets: opening icmpv6 socket: %w")
	}

	s := &ICMPv6Socket{fd: fd}
	if err = s.init(); err != nil {
		unix.Close(fd)

		return nil, err
	}

	return s, nil
}

func (s *ICMPv6Socket) init() error {
	if err := unix.SetNonblock(s.fd, true); err != nil {
		return errors.Annotate(err, "sockets: setting nonblocking: %w")
	}

	if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
		return errors.Annotate(err, "sockets: IPV6_RECVPKTINFO: %w")
	}

	if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, 255); err != nil {
		return errors.Annotate(err, "sockets: IPV6_UNICAST_HOPS: %w")
	}

	if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, 255); err != nil {
		return errors.Annotate(err, "sockets: IPV6_MULTICAST_HOPS: %w")
	}

	// ICMPv6 filtering is done in userspace by the RD engine (it only
	// cares about RS/RA); the kernel's ICMP6_FILTER would work too, but
	// keeping the filter in Go keeps the invariant checkable in tests.
	sa := &unix.SockaddrInet6{}
	if err := unix.Bind(s.fd, sa); err != nil {
		return errors.Annotate(err, "sockets: binding icmpv6 socket: %w")
	}

	return nil
}

// Fd implements [ioloop.Reader].
func (s *ICMPv6Socket) Fd() int { return s.fd }

// ReadDatagram implements [ioloop.Reader], recovering the ingress
// interface index from the IPV6_PKTINFO ancillary data.
func (s *ICMPv6Socket) ReadDatagram(buf []byte) (n int, src ioloop.Addr, ifIndex int, err error) {
	oob := make([]byte, 128)

	n, oobn, _, from, err := unix.Recvmsg(s.fd, buf, oob, 0)
	if err != nil {
		return 0, ioloop.Addr{}, 0, err
	}

	if sa6, ok := from.(*unix.SockaddrInet6); ok {
		src = ioloop.Addr{IP: sa6.Addr, Port: 0}
	}

	ifIndex = parsePktinfoIfIndex(oob[:oobn])

	return n, src, ifIndex, nil
}

// JoinGroup joins the multicast group on ifIndex (spec.md §4.3: the
// all-routers/all-nodes groups).
func (s *ICMPv6Socket) JoinGroup(ifIndex int, group netip.Addr) error {
	mreq := &unix.IPv6Mreq{Multiaddr: group.As16(), Interface: uint32(ifIndex)}

	return unix.SetsockoptIPv6Mreq(s.fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq)
}

// Close closes the underlying file descriptor.
func (s *ICMPv6Socket) Close() error { return unix.Close(s.fd) }

// SendTo writes payload to dst out ifIndex via the forwarder primitive
// (spec.md §4.2). As a raw-socket send with no source given, it carries no
// IPV6_PKTINFO control message: the egress interface is pinned only
// through the scope id of a link-local dst, and the source address is
// left to the kernel.
func (s *ICMPv6Socket) SendTo(payload []byte, dst netip.Addr, outIfIndex int) (int, error) {
	return sendmsgPktinfo(s.fd, payload, netip.Addr{}, dst, 0, outIfIndex)
}

// SendFrom is [ICMPv6Socket.SendTo] but additionally pins src as the
// packet's source address, required whenever payload's checksum was
// computed (by internal/rd) against a specific pseudo-header.
func (s *ICMPv6Socket) SendFrom(payload []byte, src, dst netip.Addr, outIfIndex int) (int, error) {
	return sendmsgPktinfo(s.fd, payload, src, dst, 0, outIfIndex)
}

// parsePktinfoIfIndex extracts the ifindex from an IPV6_PKTINFO control
// message inside oob, or returns 0 if none is present. It is tolerant of
// a truncated or absent cmsg: an unrecognized or short ancillary block
// never panics, matching spec.md §3 Invariant (d)'s "parsed strictly by
// length" spirit applied to control data as well as payload.
func parsePktinfoIfIndex(oob []byte) int {
	var cm ipv6.ControlMessage
	if err := cm.Parse(oob); err != nil {
		return 0
	}

	return cm.IfIndex
}
