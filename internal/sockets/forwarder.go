package sockets

import (
	"net"
	"net/netip"

	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// sendmsgPktinfo is the shared implementation of the forwarder primitive
// (spec.md §4.2): `send_on(socket, destination, iovecs, out_interface) ->
// bytes_sent`. It constructs an IPV6_PKTINFO ancillary message pinning
// the egress interface so the kernel picks the matching source address,
// and sets the destination's scope id to outIfIndex when the destination
// is link-local (unicast or multicast) — required for the kernel to
// route a link-scoped datagram at all.
//
// src, if valid, is pinned as the packet's source address via the same
// IPV6_PKTINFO control message: a sender that computed a checksum against
// a specific pseudo-header (as serializeICMPv6 in internal/rd does) must
// make the kernel use that same address, or the packet goes out with a
// valid-looking but wrong checksum. The zero Addr leaves source selection
// to the kernel, for callers that never touched the checksum.
//
// dstPort of 0 means "raw socket destination"; per spec.md §4.2, some
// kernels ignore IPV6_PKTINFO on raw ICMPv6 sockets, so unless src is
// given the control message is omitted in that case and the egress
// interface is pinned via the scope id alone. With a valid src the control
// message is attached even for a raw-socket destination.
func sendmsgPktinfo(fd int, payload []byte, src, dst netip.Addr, dstPort int, outIfIndex int) (int, error) {
	sa := &unix.SockaddrInet6{
		Port: dstPort,
		Addr: dst.As16(),
	}

	if dst.IsLinkLocalUnicast() || dst.IsLinkLocalMulticast() {
		sa.ZoneId = uint32(outIfIndex)
	}

	var oob []byte
	if dstPort != 0 || src.IsValid() {
		cm := &ipv6.ControlMessage{IfIndex: outIfIndex}
		if src.IsValid() {
			cm.Src = net.IP(src.AsSlice())
		}
		oob = cm.Marshal()
	}

	return unix.Sendmsg(fd, payload, oob, sa, 0)
}
