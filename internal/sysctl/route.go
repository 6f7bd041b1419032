package sysctl

import (
	"encoding/binary"
	"net/netip"
	"unsafe"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/unix"
)

// Route table constants, matching the raw RTM_NEWROUTE/RTM_DELROUTE
// message shape in pack file
// 09737aaa_bamgate-bamgate__internal-tunnel-netlink.go.go: this daemon
// builds the same AF_NETLINK datagram by hand rather than pulling in a
// netlink client library, since golang.org/x/sys/unix already carries
// every constant and syscall needed (spec.md §6: "route install" has no
// dedicated dependency of its own in the domain stack).
const (
	nlmsgHdrLen = 16
	rtmsgLen    = 12
	rtaHdrLen   = 4
)

// AddHostRoute installs a /128 route to addr via the interface ifIndex,
// per spec.md §4.5: "if route-learning is set, install a /128 host route
// to that neighbor via J".
func AddHostRoute(addr netip.Addr, ifIndex int) (err error) {
	defer func() { err = errors.Annotate(err, "sysctl: %w") }()

	return sendRouteMsg(unix.RTM_NEWROUTE, unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL, addr, ifIndex)
}

// DelHostRoute removes a /128 route previously installed by
// [AddHostRoute].
func DelHostRoute(addr netip.Addr, ifIndex int) (err error) {
	defer func() { err = errors.Annotate(err, "sysctl: %w") }()

	return sendRouteMsg(unix.RTM_DELROUTE, unix.NLM_F_REQUEST|unix.NLM_F_ACK, addr, ifIndex)
}

func sendRouteMsg(msgType uint16, flags uint16, addr netip.Addr, ifIndex int) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	if err = unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return err
	}

	msg := buildRouteMsg(msgType, flags, addr, ifIndex)
	if err = unix.Sendto(fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return err
	}

	return readNetlinkAck(fd)
}

// buildRouteMsg constructs an RTM_NEWROUTE/RTM_DELROUTE message for a
// single /128 IPv6 destination, RTA_DST + RTA_OIF only.
func buildRouteMsg(msgType uint16, flags uint16, addr netip.Addr, ifIndex int) []byte {
	dst := addr.As16()

	dstAttrLen := rtaAlign(rtaHdrLen + len(dst))
	oifAttrLen := rtaAlign(rtaHdrLen + 4)

	totalLen := nlmsgHdrLen + rtmsgLen + dstAttrLen + oifAttrLen
	buf := make([]byte, totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], msgType)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	off := nlmsgHdrLen
	buf[off] = unix.AF_INET6   // rtm_family
	buf[off+1] = 128           // rtm_dst_len
	buf[off+4] = unix.RT_TABLE_MAIN
	buf[off+5] = unix.RTPROT_BOOT
	buf[off+6] = unix.RT_SCOPE_UNIVERSE
	buf[off+7] = unix.RTN_UNICAST

	off = nlmsgHdrLen + rtmsgLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+len(dst)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.RTA_DST)
	copy(buf[off+rtaHdrLen:], dst[:])

	off += dstAttrLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+4))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.RTA_OIF)
	binary.LittleEndian.PutUint32(buf[off+rtaHdrLen:off+rtaHdrLen+4], uint32(ifIndex))

	return buf
}

func readNetlinkAck(fd int) error {
	buf := make([]byte, 4096)

	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return err
	}

	if n < nlmsgHdrLen {
		return errors.Error("sysctl: netlink response too short")
	}

	msgType := binary.LittleEndian.Uint16(buf[4:6])
	if msgType != unix.NLMSG_ERROR {
		return nil
	}

	if n < nlmsgHdrLen+4 {
		return errors.Error("sysctl: truncated netlink error response")
	}

	errno := *(*int32)(unsafe.Pointer(&buf[nlmsgHdrLen]))
	if errno == 0 {
		return nil
	}

	return unix.Errno(-errno)
}

func rtaAlign(l int) int {
	return (l + 3) &^ 3
}
