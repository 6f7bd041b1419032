package sysctl

import (
	"os"
	"path/filepath"
	"testing"
)

func withTempProcRoot(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	old := procRoot
	procRoot = dir
	t.Cleanup(func() { procRoot = old })

	return dir
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := withTempProcRoot(t)

	confDir := filepath.Join(dir, "sys", "net", "ipv6", "conf", "lan0")
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %s", err)
	}

	if err := Write("lan0", FlagForwarding, 1); err != nil {
		t.Fatalf("Write: %s", err)
	}

	got, err := Read("lan0", FlagForwarding)
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}

func TestValidateFlag(t *testing.T) {
	for _, f := range []string{FlagForwarding, FlagAcceptRA, FlagProxyNDP} {
		if err := ValidateFlag(f); err != nil {
			t.Errorf("ValidateFlag(%q): %s", f, err)
		}
	}

	if err := ValidateFlag("bogus"); err == nil {
		t.Error("expected an error for an unsupported flag")
	}
}

func TestHasDefaultRoute(t *testing.T) {
	dir := withTempProcRoot(t)

	netDir := filepath.Join(dir, "net")
	if err := os.MkdirAll(netDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %s", err)
	}

	const noDefault = "20010db8000000000000000000000001 40 00000000000000000000000000000000 00 00000000000000000000000000000000 00000001 00000001 00000000 00000001 eth0\n"
	if err := os.WriteFile(filepath.Join(netDir, "ipv6_route"), []byte(noDefault), 0o644); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}

	ok, err := HasDefaultRoute()
	if err != nil {
		t.Fatalf("HasDefaultRoute: %s", err)
	}
	if ok {
		t.Fatal("expected no default route")
	}

	const withDefaultOnLo = "00000000000000000000000000000000 00 00000000000000000000000000000000 00 00000000000000000000000000000000 00000001 00000001 00000000 00000001 lo\n"
	if err = appendFile(filepath.Join(netDir, "ipv6_route"), withDefaultOnLo); err != nil {
		t.Fatalf("appendFile: %s", err)
	}

	ok, err = HasDefaultRoute()
	if err != nil {
		t.Fatalf("HasDefaultRoute: %s", err)
	}
	if ok {
		t.Fatal("a default route on lo must not count")
	}

	const withDefaultOnWan = "00000000000000000000000000000000 00 00000000000000000000000000000000 00 fe800000000000000000000000000001 00000001 00000001 00000000 00000003 wan0\n"
	if err = appendFile(filepath.Join(netDir, "ipv6_route"), withDefaultOnWan); err != nil {
		t.Fatalf("appendFile: %s", err)
	}

	ok, err = HasDefaultRoute()
	if err != nil {
		t.Fatalf("HasDefaultRoute: %s", err)
	}
	if !ok {
		t.Fatal("expected a default route on wan0 to be detected")
	}
}

func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(s)

	return err
}
