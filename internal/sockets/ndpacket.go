package sockets

import (
	"net"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"

	"github.com/fgggid/6relayd/internal/ioloop"
)

// NDPacketSocket is an AF_PACKET socket bound to one interface, filtered
// to IPv6 ethertype, used by the NDP proxy engine to see every Neighbor
// Solicitation/Advertisement on that link regardless of destination
// address (spec.md §4.5). Grounded on internal/dhcpd/conn_unix.go's use
// of github.com/mdlayher/packet for the DHCPv4 raw-unicast path.
type NDPacketSocket struct {
	conn    *packet.Conn
	ifIndex int
	ifName  string
	rawFd   int
}

// OpenNDPacket opens an AF_PACKET socket on iface restricted to IPv6
// frames.
func OpenNDPacket(iface *net.Interface) (*NDPacketSocket, error) {
	conn, err := packet.Listen(iface, packet.Raw, int(ethernet.EtherTypeIPv6), nil)
	if err != nil {
		return nil, errors.Annotate(err, "sockets: opening packet socket on %s: %w", iface.Name)
	}

	sc, ok := conn.(syscall.Conn)
	if !ok {
		conn.Close()

		return nil, errors.Error("sockets: packet.Conn does not expose a raw fd")
	}

	rc, err := sc.SyscallConn()
	if err != nil {
		conn.Close()

		return nil, errors.Annotate(err, "sockets: SyscallConn: %w")
	}

	var fd int
	ctlErr := rc.Control(func(v uintptr) { fd = int(v) })
	if ctlErr != nil {
		conn.Close()

		return nil, errors.Annotate(ctlErr, "sockets: getting raw fd: %w")
	}

	return &NDPacketSocket{conn: conn, ifIndex: iface.Index, ifName: iface.Name, rawFd: fd}, nil
}

// Fd implements [ioloop.Reader]. The returned descriptor is only used for
// epoll readiness notification; actual reads go through the wrapped
// packet.Conn so link-layer addressing is decoded for us.
func (s *NDPacketSocket) Fd() int { return s.rawFd }

// ReadDatagram implements [ioloop.Reader].
func (s *NDPacketSocket) ReadDatagram(buf []byte) (n int, src ioloop.Addr, ifIndex int, err error) {
	n, _, err = s.conn.ReadFrom(buf)
	if err != nil {
		return 0, ioloop.Addr{}, 0, err
	}

	return n, ioloop.Addr{}, s.ifIndex, nil
}

// WriteEthernetFrame sends a fully-built Ethernet frame (constructed by
// the NDP engine with gopacket, per DESIGN.md) out this interface to
// dstMAC.
func (s *NDPacketSocket) WriteEthernetFrame(frame []byte, dstMAC net.HardwareAddr) (int, error) {
	return s.conn.WriteTo(frame, &packet.Addr{HardwareAddr: dstMAC})
}

// IfIndex reports the bound interface's kernel index.
func (s *NDPacketSocket) IfIndex() int { return s.ifIndex }

// Close closes the underlying packet socket.
func (s *NDPacketSocket) Close() error { return s.conn.Close() }
