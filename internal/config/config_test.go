package config

import "testing"

func TestParseArgsVerbosityRepeated(t *testing.T) {
	snap, err := ParseArgs([]string{"-N", "-v", "-v", "-v", "wan0", "lan0"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if snap.Verbosity != 3 {
		t.Fatalf("got verbosity %d, want 3", snap.Verbosity)
	}
}

func TestParseArgsVerbosityBundled(t *testing.T) {
	snap, err := ParseArgs([]string{"-N", "-vvv", "wan0", "lan0"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if snap.Verbosity != 3 {
		t.Fatalf("got verbosity %d, want 3", snap.Verbosity)
	}
}

func TestParseArgsVerbosityDefault(t *testing.T) {
	snap, err := ParseArgs([]string{"-N", "wan0", "lan0"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if snap.Verbosity != 0 {
		t.Fatalf("got verbosity %d, want 0", snap.Verbosity)
	}
}

func TestExpandShortRunLeavesOtherFlagsAlone(t *testing.T) {
	in := []string{"-A", "--vv", "-v", "-x", "wan0"}
	out := expandShortRun(in, 'v')

	want := []string{"-A", "--vv", "-v", "-x", "wan0"}
	if len(out) != len(want) {
		t.Fatalf("got %v, want %v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("got %v, want %v", out, want)
		}
	}
}

func TestParseArgsNoRelaysEnabled(t *testing.T) {
	_, err := ParseArgs([]string{"wan0", "lan0"})
	if err == nil {
		t.Fatal("expected an error when no engine is enabled")
	}
}
