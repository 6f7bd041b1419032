package dhcp6relay

import "testing"

// TestBrokenDUIDRoundTrip checks the broken-DHCPv6 Client-ID round trip:
// unrewriteClientID(rewriteClientID(x)) gives back x, the ingress
// ifindex and the client's link-local address.
func TestBrokenDUIDRoundTrip(t *testing.T) {
	original := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	clientAddr := [16]byte{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x11, 0x22}

	rewritten := rewriteClientID(original, 5, clientAddr)

	if len(rewritten) != brokenDUIDPrefixLen+len(original) {
		t.Fatalf("got length %d, want %d", len(rewritten), brokenDUIDPrefixLen+len(original))
	}

	got, prefix, ok := unrewriteClientID(rewritten)
	if !ok {
		t.Fatal("unrewriteClientID: not recognized")
	}

	if string(got) != string(original) {
		t.Fatalf("got %v, want %v", got, original)
	}
	if prefix.ifIndex != 5 {
		t.Fatalf("got ifIndex %d, want 5", prefix.ifIndex)
	}

	recovered := linkLocalFromLower8(prefix.addrLower8)
	if recovered != clientAddr {
		t.Fatalf("got address %v, want %v", recovered, clientAddr)
	}
}

// TestBrokenDUIDPrefixLength pins the 24-byte size named in spec.md §8's
// end-to-end scenario 4.
func TestBrokenDUIDPrefixLength(t *testing.T) {
	var addr [16]byte
	p := brokenDUIDPrefix{ifIndex: 1}
	copy(p.addrLower8[:], addr[8:])

	if got := len(p.marshal()); got != 24 {
		t.Fatalf("got prefix length %d, want 24", got)
	}
}

// TestUnrewriteClientIDRejectsForeignData ensures a Client-ID this
// daemon never rewrote is not mistaken for one that was.
func TestUnrewriteClientIDRejectsForeignData(t *testing.T) {
	foreign := make([]byte, 30)
	for i := range foreign {
		foreign[i] = byte(i)
	}

	if _, _, ok := unrewriteClientID(foreign); ok {
		t.Fatal("expected foreign Client-ID to be rejected")
	}
}

// TestScenario4DUIDRewrite matches spec.md §8 end-to-end scenario 4
// exactly: an 8-byte Client-ID becomes a 32-byte one.
func TestScenario4DUIDRewrite(t *testing.T) {
	cid := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

	rewritten := rewriteClientID(cid, 1, [16]byte{0xfe, 0x80})
	if len(rewritten) != 32 {
		t.Fatalf("got Client-ID length %d, want 32", len(rewritten))
	}

	if string(rewritten[brokenDUIDPrefixLen:]) != string(cid) {
		t.Fatalf("suffix mismatch: got %v, want %v", rewritten[brokenDUIDPrefixLen:], cid)
	}
}
