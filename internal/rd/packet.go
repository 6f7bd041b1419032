// Package rd implements the Router Discovery engine (spec.md §4.3): it
// relays RA/RS between the master and the slaves, or synthesizes RAs
// locally from interface addresses when no upstream prefix delegation is
// available.
package rd

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/fgggid/6relayd/internal/wire"
)

// ICMPv6 message types relevant to this engine (spec.md §4.3 "Filter
// accepts only Router Solicit and Router Advertisement").
const (
	icmpTypeRouterSolicit = 133
	icmpTypeRouterAdvert  = 134
)

// RA/RS option types, RFC 4861 §4.6 and RFC 8106.
const (
	optSourceLinkAddr = 1
	optPrefixInfo     = 3
	optMTU            = 5
	optRDNSS          = 25
	optDNSSL          = 31
)

// RA flags/reserved byte bits, RFC 4861 §4.2 plus the PROXY bit this
// daemon sets (spec.md §4.3 "Set the PROXY flag bit").
const (
	flagManaged = 0x80
	flagOther   = 0x40
	flagProxy   = 0x04
)

// PIO flags, RFC 4861 §4.6.2.
const (
	pioOnLink    = 0x80
	pioAutonomous = 0x40
)

// maxHopLimit is the hop limit every RA/RS this engine emits carries:
// RFC 4861 mandates 255 so receiving hosts can detect off-link spoofing.
// The value is applied as a socket option by internal/sockets'
// OpenICMPv6; this constant itself is not referenced by the send path.
const maxHopLimit = 255

// serializeICMPv6 wraps body (already including any options) with an
// ICMPv6 type/code/checksum header, computing the checksum against the
// IPv6 pseudo-header formed by src/dst. Grounded on
// internal/dhcpd/conn_unix.go's buildEtherPkt: a gopacket layer used only
// for its checksum machinery, serialized without its corresponding
// network-layer header because the kernel supplies that for a raw
// ICMPv6 socket.
func serializeICMPv6(typ, code uint8, src, dst netip.Addr, body []byte) ([]byte, error) {
	ip6 := &layers.IPv6{
		SrcIP:      net.IP(src.AsSlice()),
		DstIP:      net.IP(dst.AsSlice()),
		NextHeader: layers.IPProtocolICMPv6,
	}

	icmp6 := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(typ, code)}
	if err := icmp6.SetNetworkLayerForChecksum(ip6); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	if err := gopacket.SerializeLayers(buf, opts, icmp6, gopacket.Payload(body)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// option is one decoded RA/RS option: type, and the option's value bytes
// (excluding the 2-byte type+length header). Length is always a multiple
// of 8 octets including the header, per RFC 4861 §4.6.
type option struct {
	typ   uint8
	value []byte
}

// parseOptions walks buf as a sequence of RFC 4861 options. It never
// reads past the declared end: an option whose length field would
// overrun buf stops iteration without error, matching spec.md §3
// Invariant (d) and the boundary property in spec.md §8 ("Option with
// declared length exceeding remaining bytes: walker stops without
// emitting it").
func parseOptions(buf []byte) (opts []option) {
	r := wire.NewReader(buf)

	for r.Remaining() >= 2 {
		typ, _ := r.U8()
		lenUnits, ok := r.U8()
		if !ok || lenUnits == 0 {
			return opts
		}

		total := int(lenUnits) * 8
		value, ok := r.Raw(total - 2)
		if !ok {
			return opts
		}

		opts = append(opts, option{typ: typ, value: value})
	}

	return opts
}

// writeOption appends opt (whose value's length must already be padded
// to a multiple of 8 minus 2) to w.
func writeOption(w *wire.Writer, typ uint8, value []byte) {
	lenUnits := (len(value) + 2) / 8
	w.U8(typ).U8(uint8(lenUnits)).Raw(value)
}

// sourceLinkAddrOption builds the Source Link-Layer Address option for a
// 6-byte Ethernet MAC (the only link type this daemon supports).
func sourceLinkAddrOption(mac net.HardwareAddr) []byte {
	w := wire.NewWriter(8)
	writeOption(w, optSourceLinkAddr, mac[:6])

	return w.Bytes()
}

// mtuOption builds the MTU option.
func mtuOption(mtu uint32) []byte {
	w := wire.NewWriter(8)
	w.U8(optMTU).U8(1).Zero(2).U32(mtu)

	return w.Bytes()
}

// prefixInfoOption builds a Prefix Information option for a /64 prefix.
func prefixInfoOption(prefix netip.Addr, onLink, autonomous bool, validLifetime, preferredLifetime uint32) []byte {
	flags := uint8(0)
	if onLink {
		flags |= pioOnLink
	}
	if autonomous {
		flags |= pioAutonomous
	}

	w := wire.NewWriter(32)
	w.U8(optPrefixInfo).U8(4).
		U8(64).
		U8(flags).
		U32(validLifetime).
		U32(preferredLifetime).
		Zero(4).
		Raw(prefix.AsSlice())

	return w.Bytes()
}

// rdnssOption builds a Recursive DNS Server option (RFC 8106 §5.1) for a
// single DNS address.
func rdnssOption(dns netip.Addr, lifetime uint32) []byte {
	w := wire.NewWriter(24)
	w.U8(optRDNSS).U8(3).Zero(2).U32(lifetime).Raw(dns.AsSlice())

	return w.Bytes()
}

// dnsslOption builds a DNS Search List option (RFC 8106 §5.2) from a
// single domain, DNS-name-compressed and zero-padded to a multiple of 8
// bytes as spec.md §4.3 step 4 requires.
func dnsslOption(domain string, lifetime uint32) []byte {
	var enc []byte
	for _, label := range splitDomain(domain) {
		enc = append(enc, byte(len(label)))
		enc = append(enc, label...)
	}
	enc = append(enc, 0)

	headerLen := 8 // type+len+reserved(2)+lifetime(4)
	total := headerLen + len(enc)
	pad := (8 - total%8) % 8

	w := wire.NewWriter(total + pad)
	w.U8(optDNSSL).U8(uint8((total + pad) / 8)).Zero(2).U32(lifetime).Raw(enc).Zero(pad)

	return w.Bytes()
}

// wireWriterFor starts a Writer preloaded with fixed (an RA's fixed
// header bytes), ready for options to be appended.
func wireWriterFor(fixed []byte) *wire.Writer {
	w := wire.NewWriter(len(fixed) + 64)
	w.Raw(fixed)

	return w
}

func splitDomain(domain string) []string {
	if domain == "" {
		return nil
	}

	var labels []string
	start := 0
	for i := 0; i < len(domain); i++ {
		if domain[i] == '.' {
			labels = append(labels, domain[start:i])
			start = i + 1
		}
	}
	if start < len(domain) {
		labels = append(labels, domain[start:])
	}

	return labels
}
