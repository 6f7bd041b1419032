package dhcp6relay

import (
	"bytes"
	"testing"

	"github.com/fgggid/6relayd/internal/wire"
)

// TestWalkOptionsZeroLength covers spec.md §8's boundary property:
// "Option with declared length zero: advances the walker by 4 bytes and
// returns one empty option."
func TestWalkOptionsZeroLength(t *testing.T) {
	buf := []byte{0, 1, 0, 0} // type=1, length=0

	opts := walkOptions(buf)
	if len(opts) != 1 {
		t.Fatalf("got %d options, want 1", len(opts))
	}
	if opts[0].typ != 1 || len(opts[0].value) != 0 {
		t.Fatalf("got %+v, want type=1 empty value", opts[0])
	}
}

// TestWalkOptionsOverrun covers spec.md §8: "Option with declared length
// exceeding remaining bytes: walker stops without emitting it."
func TestWalkOptionsOverrun(t *testing.T) {
	buf := []byte{0, 1, 0, 10, 'a', 'b'} // claims 10 bytes, only 2 remain

	opts := walkOptions(buf)
	if len(opts) != 0 {
		t.Fatalf("got %d options, want 0 (truncated option not emitted)", len(opts))
	}
}

// TestWalkOptionsArbitraryLengthNeverOverruns is a lightweight fuzz-style
// check of spec.md §8's invariant: "Option-walker never reads past the
// declared packet end for any crafted input of arbitrary length."
func TestWalkOptionsArbitraryLengthNeverOverruns(t *testing.T) {
	for seed := 0; seed < 256; seed++ {
		buf := make([]byte, seed%37)
		for i := range buf {
			buf[i] = byte((seed*7 + i*13) % 256)
		}

		opts := walkOptions(buf)
		for _, o := range opts {
			if len(o.value) > len(buf) {
				t.Fatalf("option value longer than input buffer: seed=%d", seed)
			}
		}
	}
}

func TestWriteOptionRoundTrip(t *testing.T) {
	w := wire.NewWriter(16)
	writeOption(w, optClientID, []byte{1, 2, 3})

	opts := walkOptions(w.Bytes())
	if len(opts) != 1 || opts[0].typ != optClientID || !bytes.Equal(opts[0].value, []byte{1, 2, 3}) {
		t.Fatalf("got %+v", opts)
	}
}

func TestRelayEnvelopeRoundTrip(t *testing.T) {
	env := relayEnvelope{
		msgType:  msgRelayForw,
		hopCount: 3,
		linkAddr: [16]byte{0x20, 0x01, 0x0d, 0xb8},
		peerAddr: [16]byte{0xfe, 0x80},
		opts: []option{
			{typ: optInterfaceID, value: interfaceIDOption(7)},
			{typ: optRelayMsg, value: []byte{1, 2, 3, 4}},
		},
	}

	buf := env.marshal()

	got, ok := parseRelayEnvelope(buf)
	if !ok {
		t.Fatal("parseRelayEnvelope failed")
	}

	if got.msgType != env.msgType || got.hopCount != env.hopCount {
		t.Fatalf("got %+v, want %+v", got, env)
	}
	if got.linkAddr != env.linkAddr || got.peerAddr != env.peerAddr {
		t.Fatalf("address mismatch: got %+v", got)
	}

	inner, ok := got.relayMessage()
	if !ok || !bytes.Equal(inner, []byte{1, 2, 3, 4}) {
		t.Fatalf("relayMessage() = %v, %v", inner, ok)
	}

	idxVal, ok := findOption(got.opts, optInterfaceID)
	if !ok {
		t.Fatal("missing interface-id option")
	}
	idx, ok := ifIndexFromInterfaceID(idxVal)
	if !ok || idx != 7 {
		t.Fatalf("ifIndexFromInterfaceID = %d, %v", idx, ok)
	}
}

// TestHopCountBoundary checks the hop-count ceiling in unwrapRelayChain: a
// Relay-Forward with hop_count 32 is rejected, one with hop_count 31 is
// accepted and kept with its hop count of 31.
func TestHopCountBoundary(t *testing.T) {
	build := func(hop uint8) []byte {
		env := relayEnvelope{
			msgType:  msgRelayForw,
			hopCount: hop,
			opts:     []option{{typ: optRelayMsg, value: []byte{msgSolicit, 0, 0, 0}}},
		}
		return env.marshal()
	}

	if _, _, ok := unwrapRelayChain(build(32)); ok {
		t.Error("hop_count=32 should be rejected")
	}

	chain, _, ok := unwrapRelayChain(build(31))
	if !ok {
		t.Fatal("hop_count=31 should be accepted")
	}
	if len(chain) != 1 || chain[0].hopCount != 31 {
		t.Fatalf("got chain %+v", chain)
	}
}
