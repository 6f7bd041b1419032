package ndp

import "testing"

func TestNeighborAdvertisementRoundTrip(t *testing.T) {
	target := [16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	mac := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}

	w := buildNeighborAdvertisement(naFlagSolicited|naFlagOverride, target, mac)

	na, ok := parseNeighborAdvertisement(w)
	if !ok {
		t.Fatal("parseNeighborAdvertisement failed")
	}

	if na.target != target {
		t.Fatalf("got target %v, want %v", na.target, target)
	}
	if na.flags&naFlagRouter != 0 {
		t.Fatal("router flag should be clear")
	}

	lla, ok := findOption(na.opts, optTargetLinkAddr)
	if !ok || string(lla) != string(mac) {
		t.Fatalf("got target link-layer address %v, want %v", lla, mac)
	}
}

func TestParseNeighborSolicitation(t *testing.T) {
	target := [16]byte{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8}

	body := make([]byte, 4+16)
	copy(body[4:], target[:])
	body = append(body, linkAddrOption(optSourceLinkAddr, []byte{1, 2, 3, 4, 5, 6})...)

	ns, ok := parseNeighborSolicitation(body)
	if !ok {
		t.Fatal("parseNeighborSolicitation failed")
	}
	if ns.target != target {
		t.Fatalf("got target %v, want %v", ns.target, target)
	}

	if _, hasOpt := findOption(ns.opts, optSourceLinkAddr); !hasOpt {
		t.Fatal("missing Source Link-Layer Address option")
	}
}

func TestParseOptionsOverrun(t *testing.T) {
	buf := []byte{1, 5, 0, 0, 0, 0} // claims 5*8=40 bytes, only 4 remain

	if opts := parseOptions(buf); len(opts) != 0 {
		t.Fatalf("got %d options, want 0 (truncated option not emitted)", len(opts))
	}
}
