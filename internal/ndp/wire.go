// Package ndp implements the Neighbor Discovery proxy engine (spec.md
// §4.5): it snoops Neighbor Solicitation/Advertisement on every interface
// via a packet socket, answers solicitations for addresses known on
// another link with a proxied advertisement, and maintains the neighbor
// table that drives optional host-route installation.
package ndp

import "github.com/fgggid/6relayd/internal/wire"

// ICMPv6 message types this engine inspects or emits, RFC 4861 §4.3-4.4.
const (
	icmpTypeNeighborSolicit = 135
	icmpTypeNeighborAdvert  = 136
)

// NDP option types, RFC 4861 §4.6.1.
const (
	optSourceLinkAddr = 1
	optTargetLinkAddr = 2
)

// Neighbor Advertisement flag bits, RFC 4861 §4.4.
const (
	naFlagRouter    = 0x80
	naFlagSolicited = 0x40
	naFlagOverride  = 0x20
)

// option is one decoded NDP option: 1-byte type, then (length*8 - 2) bytes
// of value. Matches the TLV shape internal/rd's parseOptions already
// walks for RA/RS - this package keeps its own copy since the wire
// layout (8-octet units vs. DHCPv6's explicit length field) is specific
// to RFC 4861, not shared code.
type option struct {
	typ   uint8
	value []byte
}

// parseOptions walks buf as RFC 4861 §4.6 options, stopping without error
// at a truncated or zero-length option (same boundary rule as spec.md §3
// Invariant (d) applied elsewhere in this daemon).
func parseOptions(buf []byte) (opts []option) {
	r := wire.NewReader(buf)

	for r.Remaining() >= 2 {
		typ, _ := r.U8()
		lenUnits, ok := r.U8()
		if !ok || lenUnits == 0 {
			return opts
		}

		value, ok := r.Raw(int(lenUnits)*8 - 2)
		if !ok {
			return opts
		}

		opts = append(opts, option{typ: typ, value: value})
	}

	return opts
}

func findOption(opts []option, typ uint8) (value []byte, ok bool) {
	for _, o := range opts {
		if o.typ == typ {
			return o.value, true
		}
	}

	return nil, false
}

func writeOption(w *wire.Writer, typ uint8, value []byte) {
	lenUnits := (len(value) + 2) / 8
	w.U8(typ).U8(uint8(lenUnits)).Raw(value)
}

// linkAddrOption builds a Source/Target Link-Layer Address option for a
// 6-byte Ethernet MAC.
func linkAddrOption(typ uint8, mac []byte) []byte {
	w := wire.NewWriter(8)
	writeOption(w, typ, mac[:6])

	return w.Bytes()
}

// neighborSolicitation is a decoded NS body (the bytes following the
// 4-byte ICMPv6 header): 4-byte reserved, 16-byte target, then options.
type neighborSolicitation struct {
	target [16]byte
	opts   []option
}

func parseNeighborSolicitation(body []byte) (ns neighborSolicitation, ok bool) {
	r := wire.NewReader(body)

	if _, ok = r.Raw(4); !ok {
		return neighborSolicitation{}, false
	}

	target, ok := r.Raw(16)
	if !ok {
		return neighborSolicitation{}, false
	}

	copy(ns.target[:], target)

	rest, _ := r.Raw(r.Remaining())
	ns.opts = parseOptions(rest)

	return ns, true
}

// neighborAdvertisement is a decoded NA body: 1-byte flags, 3-byte
// reserved, 16-byte target, then options.
type neighborAdvertisement struct {
	flags  uint8
	target [16]byte
	opts   []option
}

func parseNeighborAdvertisement(body []byte) (na neighborAdvertisement, ok bool) {
	r := wire.NewReader(body)

	flags, ok := r.U8()
	if !ok {
		return neighborAdvertisement{}, false
	}

	if _, ok = r.Raw(3); !ok {
		return neighborAdvertisement{}, false
	}

	target, ok := r.Raw(16)
	if !ok {
		return neighborAdvertisement{}, false
	}

	na.flags = flags
	copy(na.target[:], target)

	rest, _ := r.Raw(r.Remaining())
	na.opts = parseOptions(rest)

	return na, true
}

// buildNeighborAdvertisement serializes an NA body for target, with the
// given flag bits and a Target Link-Layer Address option carrying mac
// (spec.md §4.5: "emit a proxy neighbor advertisement ... with the
// router flag cleared").
func buildNeighborAdvertisement(flags uint8, target [16]byte, mac []byte) []byte {
	w := wire.NewWriter(24 + 8)
	w.U8(flags).Zero(3).Raw(target[:])
	w.Raw(linkAddrOption(optTargetLinkAddr, mac))

	return w.Bytes()
}
