package ndp

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// decodedFrame is the subset of an inbound Ethernet/IPv6/ICMPv6 frame this
// engine acts on.
type decodedFrame struct {
	srcMAC net.HardwareAddr
	srcIP  netip.Addr
	dstIP  netip.Addr
	typ    uint8
	body   []byte
}

// decodeFrame parses a raw AF_PACKET frame (Ethernet header included, per
// the packet(7) SOCK_RAW convention the teacher's conn_unix.go also
// assumes for its DHCPv4 path) and returns its Ethernet/IPv6/ICMPv6
// fields. ok is false for anything that is not an Ethernet+IPv6+ICMPv6
// frame, or whose ICMPv6 type is not one this engine inspects.
func decodeFrame(buf []byte) (f decodedFrame, ok bool) {
	pkt := gopacket.NewPacket(buf, layers.LayerTypeEthernet, gopacket.NoCopy)

	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	ip6Layer := pkt.Layer(layers.LayerTypeIPv6)
	icmp6Layer := pkt.Layer(layers.LayerTypeICMPv6)
	if ethLayer == nil || ip6Layer == nil || icmp6Layer == nil {
		return decodedFrame{}, false
	}

	eth, ok := ethLayer.(*layers.Ethernet)
	if !ok {
		return decodedFrame{}, false
	}

	ip6, ok := ip6Layer.(*layers.IPv6)
	if !ok {
		return decodedFrame{}, false
	}

	icmp6, ok := icmp6Layer.(*layers.ICMPv6)
	if !ok {
		return decodedFrame{}, false
	}

	typ := icmp6.TypeCode.Type()
	if typ != icmpTypeNeighborSolicit && typ != icmpTypeNeighborAdvert {
		return decodedFrame{}, false
	}

	srcIP, srcOK := netip.AddrFromSlice(ip6.SrcIP.To16())
	dstIP, dstOK := netip.AddrFromSlice(ip6.DstIP.To16())
	if !srcOK || !dstOK {
		return decodedFrame{}, false
	}

	return decodedFrame{
		srcMAC: eth.SrcMAC,
		srcIP:  srcIP.Unmap(),
		dstIP:  dstIP.Unmap(),
		typ:    typ,
		body:   icmp6Layer.LayerPayload(),
	}, true
}

// buildNAFrame serializes a full Ethernet+IPv6+ICMPv6 Neighbor
// Advertisement frame, grounded on the teacher's buildEtherPkt
// (internal/dhcpd/conn_unix.go): a gopacket layer stack serialized with
// FixLengths/ComputeChecksums, here for IPv6/ICMPv6 instead of
// IPv4/UDP.
func buildNAFrame(srcMAC, dstMAC net.HardwareAddr, src, dst netip.Addr, naBody []byte) ([]byte, error) {
	ethLayer := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}

	ip6Layer := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   255,
		SrcIP:      net.IP(src.AsSlice()),
		DstIP:      net.IP(dst.AsSlice()),
	}

	icmp6Layer := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(icmpTypeNeighborAdvert, 0)}
	if err := icmp6Layer.SetNetworkLayerForChecksum(ip6Layer); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	if err := gopacket.SerializeLayers(buf, opts, ethLayer, ip6Layer, icmp6Layer, gopacket.Payload(naBody)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
