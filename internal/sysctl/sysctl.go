// Package sysctl writes the IPv6 sysctl flags the daemon toggles
// (spec.md §6 "Kernel interfaces") and reads the kernel's IPv6 routing
// table to answer "does a default route exist" (spec.md §4.3 step 2).
//
// Grounded on internal/aghos/os_linux.go's convention of a small,
// OS-specific file talking directly to /proc rather than a netlink
// library: the teacher reserves netlink (mdlayher/netlink) for the
// heavier ipset subsystem and uses plain file I/O for simple sysctl/proc
// reads, which is the pattern this package follows.
package sysctl

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
)

// procRoot is overridable in tests.
var procRoot = "/proc"

// Flag names under /proc/sys/net/ipv6/conf/{ifname|all}/.
const (
	FlagForwarding = "forwarding"
	FlagAcceptRA   = "accept_ra"
	FlagProxyNDP   = "proxy_ndp"
)

// Write sets /proc/sys/net/ipv6/conf/<iface>/<flag> to value. iface may be
// "all" to apply the flag globally.
func Write(iface, flag string, value int) (err error) {
	defer func() { err = errors.Annotate(err, "sysctl: %w") }()

	path := filepath.Join(procRoot, "sys", "net", "ipv6", "conf", iface, flag)

	return os.WriteFile(path, []byte(strconv.Itoa(value)), 0o644)
}

// Read returns the current value of /proc/sys/net/ipv6/conf/<iface>/<flag>.
func Read(iface, flag string) (value int, err error) {
	defer func() { err = errors.Annotate(err, "sysctl: %w") }()

	path := filepath.Join(procRoot, "sys", "net", "ipv6", "conf", iface, flag)

	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(strings.TrimSpace(string(b)))
}

// HasDefaultRoute scans /proc/net/ipv6_route for a ::/0 entry not on the
// loopback interface (spec.md §4.3 step 2, spec.md §6 "Routing table read
// via /proc/net/ipv6_route (text; skip loopback default)").
//
// The file format is fixed-width hex fields per RFC-less Linux kernel
// convention: dest(32 hex) destlen(2 hex) src(32 hex) srclen(2 hex)
// next-hop(32 hex) metric(8 hex) refcnt(8 hex) use(8 hex) flags(8 hex)
// devname.
func HasDefaultRoute() (ok bool, err error) {
	defer func() { err = errors.Annotate(err, "sysctl: %w") }()

	f, err := os.Open(filepath.Join(procRoot, "net", "ipv6_route"))
	if err != nil {
		return false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 10 {
			continue
		}

		dest, destLen, dev := fields[0], fields[1], fields[9]
		if dest == strings.Repeat("0", 32) && destLen == "00" && dev != "lo" {
			return true, nil
		}
	}

	return false, sc.Err()
}

// ErrUnsupportedFlag is wrapped by the error [ValidateFlag] returns for an
// unrecognized flag name. Write and Read do not check the flag name
// themselves.
var ErrUnsupportedFlag = errors.Error("unsupported sysctl flag")

// ValidateFlag checks flag against the known set (FlagForwarding,
// FlagAcceptRA, FlagProxyNDP). It is not called by Write or Read, nor by
// the other packages of the daemon.
func ValidateFlag(flag string) error {
	switch flag {
	case FlagForwarding, FlagAcceptRA, FlagProxyNDP:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFlag, flag)
	}
}
