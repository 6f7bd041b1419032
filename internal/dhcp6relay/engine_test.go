package dhcp6relay

import (
	"bytes"
	"testing"

	"github.com/fgggid/6relayd/internal/ifaces"
	"github.com/fgggid/6relayd/internal/wire"
)

func testSlave() *ifaces.Interface {
	return &ifaces.Interface{
		Index: 3,
		Name:  "lan0",
		MTU:   1500,
		MAC:   []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66},
		Role:  ifaces.RoleSlave,
	}
}

func buildSolicit(xid [3]byte, cid []byte) []byte {
	w := newTestW(4 + 4 + len(cid))
	w.U8(msgSolicit).Raw(xid[:])
	writeOption(w, optClientID, cid)

	return w.Bytes()
}

func newTestW(size int) *wire.Writer { return wire.NewWriter(size) }

// TestAnswerClientMessageRoundTrip covers spec.md §8's "Round-trip"
// property: transaction id and Client-ID are echoed byte-for-byte.
func TestAnswerClientMessageRoundTrip(t *testing.T) {
	e := &Engine{}
	slave := testSlave()

	xid := [3]byte{0xaa, 0xbb, 0xcc}
	cid := []byte{0x00, 0x01, 0xde, 0xad, 0xbe, 0xef}

	reply, ok := e.answerClientMessage(slave, buildSolicit(xid, cid))
	if !ok {
		t.Fatal("answerClientMessage returned ok=false")
	}

	hdr, opts, ok := parseNonRelay(reply)
	if !ok {
		t.Fatal("reply did not parse")
	}

	if hdr.msgType != msgAdvertise {
		t.Fatalf("got message type %d, want ADVERTISE (%d)", hdr.msgType, msgAdvertise)
	}
	if hdr.xid != xid {
		t.Fatalf("got xid %v, want %v", hdr.xid, xid)
	}

	gotCID, ok := findOption(opts, optClientID)
	if !ok || !bytes.Equal(gotCID, cid) {
		t.Fatalf("got Client-ID %v, want %v", gotCID, cid)
	}
}

// TestAnswerInformationRequestNoIANA covers part of spec.md §8 end-to-end
// scenario 5: an Information-Request with no IA_NA gets a REPLY carrying a
// Server-ID and no top-level Status option. The DNS Servers option and the
// echoed Client-ID are not checked here (the test slave has no global
// address; Client-ID echo is covered by TestAnswerClientMessageRoundTrip).
func TestAnswerInformationRequestNoIANA(t *testing.T) {
	e := &Engine{}
	slave := testSlave()

	xid := [3]byte{1, 2, 3}
	cid := []byte{0x00, 0x01, 1, 2, 3, 4}

	w := newTestW(32)
	w.U8(msgInformationRequest).Raw(xid[:])
	writeOption(w, optClientID, cid)

	reply, ok := e.answerClientMessage(slave, w.Bytes())
	if !ok {
		t.Fatal("answerClientMessage returned ok=false")
	}

	hdr, opts, ok := parseNonRelay(reply)
	if !ok || hdr.msgType != msgReply {
		t.Fatalf("got hdr %+v, ok=%v", hdr, ok)
	}

	if _, hasStatus := findOption(opts, optStatusCode); hasStatus {
		t.Error("top-level Status option should not be present for an Information-Request with no IA_NA")
	}

	if _, hasServerID := findOption(opts, optServerID); !hasServerID {
		t.Error("missing Server-ID option")
	}
}

// TestAnswerSolicitWithIANA covers "always carrying Status=NoAddrsAvail
// when an IA_NA is requested" (spec.md §4.4).
func TestAnswerSolicitWithIANA(t *testing.T) {
	e := &Engine{}
	slave := testSlave()

	xid := [3]byte{4, 5, 6}
	cid := []byte{0x00, 0x01, 9, 9, 9, 9}
	iaid := [4]byte{1, 2, 3, 4}

	w := newTestW(48)
	w.U8(msgSolicit).Raw(xid[:])
	writeOption(w, optClientID, cid)
	writeOption(w, optIANA, append(append([]byte{}, iaid[:]...), make([]byte, 8)...))

	reply, ok := e.answerClientMessage(slave, w.Bytes())
	if !ok {
		t.Fatal("answerClientMessage returned ok=false")
	}

	_, opts, ok := parseNonRelay(reply)
	if !ok {
		t.Fatal("reply did not parse")
	}

	iaVal, hasIANA := findOption(opts, optIANA)
	if !hasIANA {
		t.Fatal("missing IA_NA option in reply")
	}

	subopts := walkOptions(iaVal[12:])
	statusVal, hasStatus := findOption(subopts, optStatusCode)
	if !hasStatus || len(statusVal) < 2 || statusVal[0] != 0 || statusVal[1] != statusNoAddrsAvail {
		t.Fatalf("got sub-options %+v, want a NoAddrsAvail Status Code", subopts)
	}
}

// TestAnswerRebindDropped covers spec.md §4.4: "REBIND is silently
// dropped (we have no state to rebind)."
func TestAnswerRebindDropped(t *testing.T) {
	e := &Engine{}
	slave := testSlave()

	w := newTestW(16)
	w.U8(msgRebind).Raw([]byte{1, 2, 3})
	writeOption(w, optClientID, []byte{0, 1, 2, 3})

	if _, ok := e.answerClientMessage(slave, w.Bytes()); ok {
		t.Fatal("REBIND should be silently dropped")
	}
}

// TestAnswerRejectsMismatchedServerID covers spec.md §4.4: "If the
// request carries a Server-ID, the mini-server accepts it only when it
// matches our DUID."
func TestAnswerRejectsMismatchedServerID(t *testing.T) {
	e := &Engine{}
	slave := testSlave()

	w := newTestW(32)
	w.U8(msgRequest).Raw([]byte{1, 2, 3})
	writeOption(w, optClientID, []byte{0, 1, 2, 3})
	writeOption(w, optServerID, []byte{0xff, 0xff, 0xff, 0xff})

	if _, ok := e.answerClientMessage(slave, w.Bytes()); ok {
		t.Fatal("a mismatched Server-ID should be rejected")
	}
}

// TestServerDUIDStable covers the bug behind spec.md §8's round-trip
// property across a Solicit->Advertise->Request->Reply exchange: the
// mini-server's DUID must not change from one call to the next, since a
// client echoes back the Server-ID it was given in an earlier message.
func TestServerDUIDStable(t *testing.T) {
	slave := testSlave()

	d1 := serverDUID(slave.MAC)
	d2 := serverDUID(slave.MAC)
	if !bytes.Equal(d1, d2) {
		t.Fatalf("serverDUID is not stable across calls: %v vs %v", d1, d2)
	}

	if len(d1) < 2 || d1[0] != 0 || d1[1] != duidTypeEN {
		t.Fatalf("got DUID type bytes %v, want type %d (Enterprise-DUID)", d1[:2], duidTypeEN)
	}
}

// TestAnswerAcceptsCachedServerID covers spec.md §8's round-trip
// property: a Request that echoes back the Server-ID the mini-server
// cached at construction must be accepted, not dropped as mismatched.
func TestAnswerAcceptsCachedServerID(t *testing.T) {
	slave := testSlave()
	e := &Engine{duids: map[int][]byte{slave.Index: serverDUID(slave.MAC)}}

	sid := e.duidFor(slave)

	w := newTestW(32)
	w.U8(msgRequest).Raw([]byte{1, 2, 3})
	writeOption(w, optClientID, []byte{0, 1, 2, 3})
	writeOption(w, optServerID, sid)

	if _, ok := e.answerClientMessage(slave, w.Bytes()); !ok {
		t.Fatal("a Server-ID matching our cached DUID should be accepted")
	}
}

// TestNestedRelayRewrap covers spec.md §4.4 "Nested relay handling": a
// Solicit wrapped once in RELAY-FORW gets answered and the wrapper is
// rebuilt as RELAY-REPL.
func TestNestedRelayRewrap(t *testing.T) {
	e := &Engine{}
	slave := testSlave()

	xid := [3]byte{7, 8, 9}
	cid := []byte{0x00, 0x01, 5, 5, 5, 5}
	inner := buildSolicit(xid, cid)

	outer := relayEnvelope{
		msgType:  msgRelayForw,
		hopCount: 0,
		peerAddr: [16]byte{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 1},
		opts: []option{
			{typ: optInterfaceID, value: interfaceIDOption(slave.Index)},
			{typ: optRelayMsg, value: inner},
		},
	}

	chain, gotInner, ok := unwrapRelayChain(outer.marshal())
	if !ok || len(chain) != 1 || !bytes.Equal(gotInner, inner) {
		t.Fatalf("unwrapRelayChain failed: ok=%v chain=%+v", ok, chain)
	}

	reply, ok := e.answerClientMessage(slave, gotInner)
	if !ok {
		t.Fatal("answerClientMessage failed")
	}

	wrapped := rewrapRelayChain(chain, reply)

	env, ok := parseRelayEnvelope(wrapped)
	if !ok {
		t.Fatal("rewrapped message did not parse as a relay envelope")
	}
	if env.msgType != msgRelayRepl {
		t.Fatalf("got message type %d, want RELAY-REPL (%d)", env.msgType, msgRelayRepl)
	}

	gotReply, ok := env.relayMessage()
	if !ok || !bytes.Equal(gotReply, reply) {
		t.Fatalf("got inner reply %v, want %v", gotReply, reply)
	}
}

