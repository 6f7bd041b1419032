package dhcp6relay

import "encoding/binary"

// nativeUint32/nativeToUint32 encode/decode a 4-byte integer in the
// host's native byte order, per spec.md §9 Open Question: "Interface-ID
// is the raw ifindex bytes - opaque to the server but not to the
// daemon; on architectures with different word size this remains a
// 4-byte integer by constant."
func nativeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.NativeEndian.PutUint32(b, v)

	return b
}

func nativeToUint32(b []byte) uint32 {
	return binary.NativeEndian.Uint32(b)
}

// brokenDUIDTag marks a Client-ID rewritten by broken-server
// compatibility mode (spec.md §4.4 "Broken-server mode"). It has no
// significance beyond distinguishing our rewrite from a genuine
// client-supplied Enterprise-DUID that happens to also claim
// [serverEnterpriseNumber].
const brokenDUIDTag = 0xBD

// brokenDUIDPrefixLen is sizeof(brokenDUIDPrefix): 24 bytes, matching
// the end-to-end scenario in spec.md §8 ("Emitted packet's Client-ID
// begins with the 24-byte broken-DUID prefix"). The layout mirrors a
// natural-alignment C struct (spec.md §9's alignment note) rather than
// a tightly packed one:
//
//	offset  size  field
//	0       2     duid type (always duidTypeEN)
//	2       2     padding
//	4       4     enterprise number
//	8       1     tag (brokenDUIDTag)
//	9       3     padding
//	12      4     ingress ifindex (native byte order)
//	16      8     client link-local address, low 64 bits
const brokenDUIDPrefixLen = 24

// brokenDUIDPrefix is the structure broken-server mode prepends to a
// client's Client-ID option so the reply can be routed back to the
// right slave and client (spec.md §4.4). The link-local prefix itself
// (fe80::/64) is not stored - it is a constant - only the interface
// identifier half of the address is, which is enough to reconstruct it.
type brokenDUIDPrefix struct {
	ifIndex    int
	addrLower8 [8]byte
}

// marshal encodes p as the fixed 24-byte prefix described above.
func (p brokenDUIDPrefix) marshal() []byte {
	b := make([]byte, brokenDUIDPrefixLen)
	binary.BigEndian.PutUint16(b[0:2], duidTypeEN)
	binary.BigEndian.PutUint32(b[4:8], serverEnterpriseNumber)
	b[8] = brokenDUIDTag
	copy(b[12:16], nativeUint32(uint32(p.ifIndex)))
	copy(b[16:24], p.addrLower8[:])

	return b
}

// parseBrokenDUIDPrefix recognizes and decodes a [brokenDUIDPrefix] at
// the start of value. ok is false if value is too short or the
// signature (type/enterprise number/tag) does not match, meaning this
// Client-ID was never rewritten by this daemon.
func parseBrokenDUIDPrefix(value []byte) (p brokenDUIDPrefix, ok bool) {
	if len(value) < brokenDUIDPrefixLen {
		return brokenDUIDPrefix{}, false
	}

	if binary.BigEndian.Uint16(value[0:2]) != duidTypeEN {
		return brokenDUIDPrefix{}, false
	}
	if binary.BigEndian.Uint32(value[4:8]) != serverEnterpriseNumber {
		return brokenDUIDPrefix{}, false
	}
	if value[8] != brokenDUIDTag {
		return brokenDUIDPrefix{}, false
	}

	p.ifIndex = int(nativeToUint32(value[12:16]))
	copy(p.addrLower8[:], value[16:24])

	return p, true
}

// rewriteClientID prepends a [brokenDUIDPrefix] encoding ifIndex and
// clientAddr to the Client-ID option value cid, per spec.md §4.4.
func rewriteClientID(cid []byte, ifIndex int, clientAddr [16]byte) []byte {
	p := brokenDUIDPrefix{ifIndex: ifIndex}
	copy(p.addrLower8[:], clientAddr[8:16])

	return append(p.marshal(), cid...)
}

// unrewriteClientID reverses [rewriteClientID]. ok is false if cid does
// not begin with a recognizable broken-DUID prefix.
func unrewriteClientID(cid []byte) (original []byte, p brokenDUIDPrefix, ok bool) {
	p, ok = parseBrokenDUIDPrefix(cid)
	if !ok {
		return nil, brokenDUIDPrefix{}, false
	}

	return cid[brokenDUIDPrefixLen:], p, true
}

// linkLocalFromLower8 reconstructs a fe80::/64 address from the low 64
// bits recovered from a [brokenDUIDPrefix].
func linkLocalFromLower8(lower8 [8]byte) [16]byte {
	var addr [16]byte
	addr[0] = 0xfe
	addr[1] = 0x80
	copy(addr[8:16], lower8[:])

	return addr
}
