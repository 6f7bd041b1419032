// Package dhcp6relay implements the DHCPv6 engine (spec.md §4.4): it
// relays client<->server DHCPv6 traffic in standards-compliant and
// "broken-server" compatibility modes, and optionally answers stateless
// Information-Request/Solicit/Request traffic directly with a minimal
// in-process server.
//
// Every wire structure here is built with internal/wire's explicit
// big-endian field writer, matching the packet-builder discipline
// spec.md §9 asks for rather than a packed-struct-over-a-buffer layout.
package dhcp6relay

import (
	"github.com/fgggid/6relayd/internal/wire"
)

// DHCPv6 message types, RFC 3315 §5.3.
const (
	msgSolicit            = 1
	msgAdvertise          = 2
	msgRequest            = 3
	msgConfirm            = 4
	msgRenew              = 5
	msgRebind             = 6
	msgReply              = 7
	msgRelease            = 8
	msgDecline            = 9
	msgReconfigure        = 10
	msgInformationRequest = 11
	msgRelayForw          = 12
	msgRelayRepl          = 13
)

// DHCPv6 option codes this engine inspects or emits, RFC 3315 §22 and RFC
// 3646 §3.
const (
	optClientID    = 1
	optServerID    = 2
	optIANA        = 3
	optIAAddr      = 5
	optORO         = 6
	optElapsedTime = 8
	optRelayMsg    = 9
	optAuth        = 11
	optStatusCode  = 13
	optInterfaceID = 18
	optDNSServers  = 23
	optDomainList  = 24
)

// Status codes, RFC 3315 §24.4.
const (
	statusSuccess      = 0
	statusNoAddrsAvail = 2
)

// DUID types, RFC 3315 §9.
const (
	duidTypeLLT = 1
	duidTypeEN  = 2
	duidTypeLL  = 3
)

// maxHopCount is the RFC 3315 §20 relay hop-count ceiling, spec.md §3
// Invariant (c).
const maxHopCount = 32

// serverEnterpriseNumber is the IANA Private Enterprise Number this
// daemon's Enterprise-DUID (spec.md §4.4 "Stateless mini-server") is
// minted under. It has no registry meaning beyond "not a real vendor" -
// the mini-server never needs to be looked up by enterprise number, only
// to present a stable, well-formed DUID.
const serverEnterpriseNumber = 54321

// option is one decoded DHCPv6 TLV: 2-byte type, 2-byte length, then
// length bytes of value (RFC 3315 §8, spec.md §4.4 "Option iteration").
type option struct {
	typ   uint16
	value []byte
}

// walkOptions parses buf as a sequence of DHCPv6 options. Per spec.md
// §4.4 and §3 Invariant (d): "Walk until start+4+length exceeds end or
// length would wrap; truncation ends iteration without error" - a
// malformed trailing option is silently dropped rather than reported,
// matching the Open Question in spec.md §9 ("the option walker treats
// option lengths as trusted after an initial bound check").
func walkOptions(buf []byte) (opts []option) {
	r := wire.NewReader(buf)

	for r.Remaining() >= 4 {
		typ, _ := r.U16()
		length, _ := r.U16()

		value, ok := r.Raw(int(length))
		if !ok {
			return opts
		}

		opts = append(opts, option{typ: typ, value: value})
	}

	return opts
}

// findOption returns the first option of typ in opts.
func findOption(opts []option, typ uint16) (value []byte, ok bool) {
	for _, o := range opts {
		if o.typ == typ {
			return o.value, true
		}
	}

	return nil, false
}

// writeOption appends one TLV option to w.
func writeOption(w *wire.Writer, typ uint16, value []byte) {
	w.U16(typ).U16(uint16(len(value))).Raw(value)
}

// writeOptionsExcept re-emits every option in opts to w, skipping any
// option whose type is in skip. Used when rebuilding a message with one
// option replaced or removed.
func writeOptionsExcept(w *wire.Writer, opts []option, skip ...uint16) {
	for _, o := range opts {
		if containsU16(skip, o.typ) {
			continue
		}

		writeOption(w, o.typ, o.value)
	}
}

func containsU16(set []uint16, v uint16) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}

	return false
}

// interfaceIDOption builds the Interface-ID option carrying the raw
// 4-byte ingress ifindex. Per spec.md §9 Open Question: the bytes are
// opaque to the server and are encoded in native byte order, not
// big-endian - this daemon is both the writer and, on the return path,
// the only reader.
func interfaceIDOption(ifIndex int) []byte {
	w := wire.NewWriter(4)
	w.Raw(nativeUint32(uint32(ifIndex)))

	return w.Bytes()
}

// ifIndexFromInterfaceID decodes an Interface-ID option value built by
// [interfaceIDOption].
func ifIndexFromInterfaceID(value []byte) (int, bool) {
	if len(value) != 4 {
		return 0, false
	}

	return int(nativeToUint32(value)), true
}

// relayEnvelope is a decoded RELAY-FORW/RELAY-REPL header (RFC 3315
// §7): 1-byte message type, 1-byte hop count, 16-byte link-address,
// 16-byte peer-address, then options. Grounded on the wire layout in
// the mdlayher/dhcp6 RelayMessage type (see DESIGN.md).
type relayEnvelope struct {
	msgType  uint8
	hopCount uint8
	linkAddr [16]byte
	peerAddr [16]byte
	opts     []option
}

// parseRelayEnvelope decodes buf as a RELAY-FORW/RELAY-REPL envelope. ok
// is false if buf is too short to contain the fixed 34-byte header.
func parseRelayEnvelope(buf []byte) (env relayEnvelope, ok bool) {
	r := wire.NewReader(buf)

	typ, okT := r.U8()
	hop, okH := r.U8()
	link, okL := r.Raw(16)
	peer, okP := r.Raw(16)
	if !okT || !okH || !okL || !okP {
		return relayEnvelope{}, false
	}

	env.msgType = typ
	env.hopCount = hop
	copy(env.linkAddr[:], link)
	copy(env.peerAddr[:], peer)

	rest, _ := r.Raw(r.Remaining())
	env.opts = walkOptions(rest)

	return env, true
}

// marshal serializes env back to wire form.
func (env relayEnvelope) marshal() []byte {
	w := wire.NewWriter(34 + 64)
	w.U8(env.msgType).U8(env.hopCount).Raw(env.linkAddr[:]).Raw(env.peerAddr[:])

	for _, o := range env.opts {
		writeOption(w, o.typ, o.value)
	}

	return w.Bytes()
}

// relayMessage returns the Relay-Message option's value (the
// encapsulated payload), if present.
func (env relayEnvelope) relayMessage() ([]byte, bool) {
	return findOption(env.opts, optRelayMsg)
}

// withRelayMessage returns a copy of env with its Relay-Message option
// replaced by payload, preserving every other option (e.g. Interface-ID,
// which RFC 3315 §20.1.2 requires a relay to echo back on the reply).
func (env relayEnvelope) withRelayMessage(payload []byte) relayEnvelope {
	out := env
	out.opts = make([]option, 0, len(env.opts))

	replaced := false
	for _, o := range env.opts {
		if o.typ == optRelayMsg {
			out.opts = append(out.opts, option{typ: optRelayMsg, value: payload})
			replaced = true

			continue
		}

		out.opts = append(out.opts, o)
	}

	if !replaced {
		out.opts = append(out.opts, option{typ: optRelayMsg, value: payload})
	}

	return out
}

// nonRelayHeader is the 4-byte header of any non-relay DHCPv6 message:
// 1-byte type, 3-byte transaction id (RFC 3315 §8).
type nonRelayHeader struct {
	msgType uint8
	xid     [3]byte
}

func parseNonRelay(buf []byte) (hdr nonRelayHeader, opts []option, ok bool) {
	if len(buf) < 4 {
		return nonRelayHeader{}, nil, false
	}

	hdr.msgType = buf[0]
	copy(hdr.xid[:], buf[1:4])
	opts = walkOptions(buf[4:])

	return hdr, opts, true
}

func marshalNonRelay(hdr nonRelayHeader, opts []option) []byte {
	w := wire.NewWriter(4 + 64)
	w.U8(hdr.msgType).Raw(hdr.xid[:])

	for _, o := range opts {
		writeOption(w, o.typ, o.value)
	}

	return w.Bytes()
}

// statusCodeOption builds a Status Code option (RFC 3315 §22.13).
func statusCodeOption(code uint16, msg string) []byte {
	w := wire.NewWriter(2 + len(msg))
	w.U16(code).Raw([]byte(msg))

	return w.Bytes()
}

// iaNAWithNoAddrsAvail builds an IA_NA option (RFC 3315 §22.4) echoing
// iaid with a nested Status Code of NoAddrsAvail, per spec.md §4.4
// "always carrying Status=NoAddrsAvail when an IA_NA is requested".
func iaNAWithNoAddrsAvail(iaid [4]byte) []byte {
	status := statusCodeOption(statusNoAddrsAvail, "no addresses available")

	w := wire.NewWriter(12)
	w.Raw(iaid[:]).U32(0).U32(0)
	writeOption(w, optStatusCode, status)

	return w.Bytes()
}

// dnsServersOption builds a DNS Servers option (RFC 3646 §3) for a
// single address.
func dnsServersOption(addr [16]byte) []byte {
	w := wire.NewWriter(16)
	w.Raw(addr[:])

	return w.Bytes()
}

// serverDUID builds the mini-server's DUID-EN (RFC 3315 §9.3, spec.md
// §4.4 "Builds the server DUID as an Enterprise-DUID (type 2) with the
// interface MAC"): type (duidTypeEN), [serverEnterpriseNumber], then the
// interface MAC as the enterprise-specific identifier. Unlike a DUID-LLT
// this carries no clock reading, so it is stable for the lifetime of the
// interface and keeps the Server-ID match in a Solicit -> Advertise ->
// Request -> Reply exchange intact; a DUID-LLT would change every second.
// The caller computes it once per slave at construction and caches it
// (see [Engine.duidFor]).
func serverDUID(mac []byte) []byte {
	w := wire.NewWriter(6 + len(mac))
	w.U16(duidTypeEN).U32(serverEnterpriseNumber).Raw(mac)

	return w.Bytes()
}
