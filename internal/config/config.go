// Package config builds the immutable configuration snapshot that every
// engine in the daemon is constructed with.
//
// Argument parsing is thin system glue by design (see spec.md §1): this
// package does not attempt to be a general-purpose flag library, it mirrors
// the teacher's own hand-rolled arg table (internal/home/options.go) scaled
// down to 6relayd's single-character getopt-style surface.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
)

// countFlag implements [flag.Value] for a flag that counts its own
// repetitions rather than taking a value, matching the original daemon's
// getopt-style "-v" (repeat for more verbosity). The standard flag package
// parses "-v -v -v" as three separate occurrences of the same flag, each
// calling Set once, so a bare counter suffices for that form; expandShortRun
// below additionally expands the bundled getopt form "-vvv" into three
// occurrences before fs.Parse ever sees it.
type countFlag int

func (c *countFlag) String() string {
	if c == nil {
		return "0"
	}

	return strconv.Itoa(int(*c))
}

func (c *countFlag) Set(string) error {
	*c++

	return nil
}

// IsBoolFlag lets "-v" stand alone: the flag package then calls Set once
// per occurrence instead of consuming the next argument as a value.
func (c *countFlag) IsBoolFlag() bool { return true }

// expandShortRun rewrites a single bundled getopt-style run of repeated
// short flags, e.g. "-vvv", into its unbundled form "-v -v -v", so the
// standard library's flag.FlagSet — which has no notion of bundling — sees
// one occurrence per repetition. Only runs of a single repeated letter are
// touched; anything else passes through unchanged.
func expandShortRun(args []string, letter byte) []string {
	out := make([]string, 0, len(args))

	for _, a := range args {
		if len(a) < 3 || a[0] != '-' || a[1] == '-' {
			out = append(out, a)

			continue
		}

		bundled := true
		for i := 1; i < len(a); i++ {
			if a[i] != letter {
				bundled = false

				break
			}
		}

		if !bundled {
			out = append(out, a)

			continue
		}

		for i := 1; i < len(a); i++ {
			out = append(out, "-"+string(letter))
		}
	}

	return out
}

// RDMode selects how the Router Discovery engine behaves.
type RDMode int

// Router Discovery modes.
const (
	RDModeDisabled RDMode = iota
	RDModeRelay
	RDModeServer
)

// DHCPMode selects how the DHCPv6 engine behaves.
type DHCPMode int

// DHCPv6 modes.
const (
	DHCPModeDisabled DHCPMode = iota
	DHCPModeRelay
	DHCPModeServer
	DHCPModeTransparent
)

// Snapshot is the read-only configuration built once at startup and handed
// to every engine by explicit constructor argument. It is never mutated
// after [ParseArgs] returns, and it is never stashed in a package-level
// variable: see DESIGN.md "Singleton configuration".
type Snapshot struct {
	// MasterName is the upstream-facing interface name.
	MasterName string

	// SlaveNames lists downstream interface names. SlaveExternal[i]
	// reports whether SlaveNames[i] was prefixed with '~' on the command
	// line (host-ND is not proxied for external slaves).
	SlaveNames    []string
	SlaveExternal []bool

	RD   RDMode
	DHCP DHCPMode

	// BrokenDHCP enables the broken-server DUID-rewrite compatibility
	// mode (spec.md §4.4).
	BrokenDHCP bool

	// NDPRelay enables the Neighbor Discovery proxy engine.
	NDPRelay bool

	// RouteLearning installs a /128 host route for every neighbor the
	// NDP proxy learns reachability for.
	RouteLearning bool

	// ForceAddressAssignment writes accept_ra=2 to every slave's sysctl
	// before relaying an RS, so the kernel still accepts RAs while
	// forwarding is enabled.
	ForceAddressAssignment bool

	// AlwaysRewriteDNS forces DNS-server address rewriting in both the
	// RD relay and the DHCPv6 relay even when the upstream addresses
	// are already globally routable.
	AlwaysRewriteDNS bool

	// SendInitialRS sends one Router Solicitation out the master as
	// soon as relay mode starts, instead of waiting for a slave to ask.
	SendInitialRS bool

	// Forwarding toggles net.ipv6.conf.*.forwarding via sysctl for the
	// lifetime of the process.
	Forwarding bool

	// AlwaysAnnounceDefaultRouter forces a nonzero router lifetime in
	// server-mode RA synthesis regardless of whether a default route or
	// public prefix was found. See DESIGN.md Open Questions.
	AlwaysAnnounceDefaultRouter bool

	// DeprecateULAIfPublicAvail deprecates (preferred=0) ULA prefixes in
	// synthesized RAs whenever a public prefix is also available.
	DeprecateULAIfPublicAvail bool

	// ConfiguredDNS, if set, is used as the RDNSS/DHCPv6 DNS Server
	// address in preference to one derived from an interface address.
	ConfiguredDNS string

	PIDFile   string
	Daemonize bool
	Verbosity int
}

// enabledEngineCount reports how many of the three core engines are
// enabled, used to enforce spec.md §6 exit code 5 ("no relays enabled").
func (s *Snapshot) enabledEngineCount() int {
	n := 0
	if s.RD != RDModeDisabled {
		n++
	}
	if s.DHCP != DHCPModeDisabled {
		n++
	}
	if s.NDPRelay {
		n++
	}
	return n
}

// Validate checks the snapshot for internal consistency. It never mutates
// s. Callers should treat a non-nil error as a fatal configuration error
// (spec.md §7: "Configuration errors at startup ... fatal with a nonzero
// exit code; no partial service").
func (s *Snapshot) Validate() (err error) {
	defer func() { err = errors.Annotate(err, "config: %w") }()

	if s.MasterName == "" {
		return errors.Error("no master interface given")
	}

	if len(s.SlaveNames) == 0 && s.NDPRelay {
		return errors.Error("NDP proxy requires at least one slave interface")
	}

	if s.enabledEngineCount() == 0 {
		return ErrNoRelaysEnabled
	}

	return nil
}

// ErrNoRelaysEnabled is returned by Validate's caller chain, mapped to exit
// code 5 in cmd/6relayd.
var ErrNoRelaysEnabled = errors.Error("no relays enabled")

// ParseArgs parses the daemon's command line, given as os.Args[1:].
//
// Usage: 6relayd [options] <master> [[~]<slave1> [~]<slave2> ...]
func ParseArgs(args []string) (snap *Snapshot, err error) {
	fs := flag.NewFlagSet("6relayd", flag.ContinueOnError)

	all := fs.Bool("A", false, "all-relay bundle: RD-relay, DHCPv6-relay, NDP, forwarding, send-RS, route-learning, force-assignment")
	srv := fs.Bool("S", false, "server bundle: RD-server, DHCPv6-server")
	rdFlag := fs.String("R", "", "Router Discovery mode: relay|server")
	dhcpFlag := fs.String("D", "", "DHCPv6 mode: relay|server|transparent")
	ndpFlag := fs.Bool("N", false, "enable NDP proxy")
	forceFlag := fs.Bool("F", false, "force address assignment (accept_ra=2 on slaves)")
	brokenFlag := fs.Bool("s", false, "broken-server DHCPv6 compatibility mode")
	routeFlag := fs.Bool("l", false, "install learned NDP routes")
	dnsFlag := fs.Bool("n", false, "always rewrite DNS addresses")
	rsFlag := fs.Bool("r", false, "send an initial Router Solicitation")
	pidFlag := fs.String("p", "", "pidfile path")
	daemonFlag := fs.Bool("d", false, "daemonize")

	var verboseFlag countFlag
	fs.Var(&verboseFlag, "v", "verbosity; may be repeated (-v -v) or bundled in shell form (-vvv)")

	if err = fs.Parse(expandShortRun(args, 'v')); err != nil {
		return nil, err
	}

	rest := fs.Args()
	if len(rest) < 1 {
		return nil, errors.Error("usage: 6relayd [options] <master> [[~]<slave> ...]")
	}

	snap = &Snapshot{
		MasterName:             rest[0],
		ForceAddressAssignment: *forceFlag,
		BrokenDHCP:             *brokenFlag,
		RouteLearning:          *routeFlag,
		AlwaysRewriteDNS:       *dnsFlag,
		SendInitialRS:          *rsFlag,
		PIDFile:                *pidFlag,
		Daemonize:              *daemonFlag,
		Verbosity:              int(verboseFlag),
	}

	for _, s := range rest[1:] {
		ext := strings.HasPrefix(s, "~")
		snap.SlaveNames = append(snap.SlaveNames, strings.TrimPrefix(s, "~"))
		snap.SlaveExternal = append(snap.SlaveExternal, ext)
	}

	if *all {
		snap.RD = RDModeRelay
		snap.DHCP = DHCPModeRelay
		snap.NDPRelay = true
		snap.Forwarding = true
		snap.SendInitialRS = true
		snap.RouteLearning = true
		snap.ForceAddressAssignment = true
	}
	if *srv {
		snap.RD = RDModeServer
		snap.DHCP = DHCPModeServer
	}

	if *rdFlag != "" {
		switch *rdFlag {
		case "relay":
			snap.RD = RDModeRelay
		case "server":
			snap.RD = RDModeServer
		default:
			return nil, fmt.Errorf("invalid -R mode %q", *rdFlag)
		}
	}

	if *dhcpFlag != "" {
		switch *dhcpFlag {
		case "relay":
			snap.DHCP = DHCPModeRelay
		case "server":
			snap.DHCP = DHCPModeServer
		case "transparent":
			snap.DHCP = DHCPModeTransparent
		default:
			return nil, fmt.Errorf("invalid -D mode %q", *dhcpFlag)
		}
	}

	if *ndpFlag {
		snap.NDPRelay = true
	}

	if err = snap.Validate(); err != nil {
		return nil, err
	}

	return snap, nil
}
