// Package relayd is the top-level wiring: it turns a [config.Snapshot]
// into a running daemon — interface registry, sockets, the three engines,
// the event loop — and owns orderly startup and shutdown.
//
// Grounded on internal/home/home.go's Main/run shape (build dependencies,
// wire them into one runnable, handle signals, tear down in roughly
// reverse order), narrowed to this daemon's much smaller dependency graph.
package relayd

import (
	"context"
	"log/slog"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/fgggid/6relayd/internal/config"
	"github.com/fgggid/6relayd/internal/dhcp6relay"
	"github.com/fgggid/6relayd/internal/ifaces"
	"github.com/fgggid/6relayd/internal/ioloop"
	"github.com/fgggid/6relayd/internal/ndp"
	"github.com/fgggid/6relayd/internal/rd"
	"github.com/fgggid/6relayd/internal/sockets"
	"github.com/fgggid/6relayd/internal/sysctl"
)

// Phase identifies which startup stage an error occurred in, letting
// cmd/6relayd map it to the specific nonzero exit code spec.md §6 assigns
// (2 init, 3 interface open, 4 engine init).
type Phase int

// Startup phases, in the order [New] executes them.
const (
	PhaseInit Phase = iota
	PhaseInterfaces
	PhaseSockets
	PhaseEngines
)

// StartupError wraps a startup failure with the [Phase] it occurred in.
type StartupError struct {
	Phase Phase
	Err   error
}

func (e *StartupError) Error() string { return e.Err.Error() }
func (e *StartupError) Unwrap() error { return e.Err }

func fail(phase Phase, err error) error {
	if err == nil {
		return nil
	}

	return &StartupError{Phase: phase, Err: err}
}

// Daemon is the fully wired daemon: registry, loop, sockets, and the
// engines built from them. The zero value is not usable; construct one
// with [New].
type Daemon struct {
	cfg    *config.Snapshot
	logger *slog.Logger
	reg    *ifaces.Registry
	loop   *ioloop.Loop

	icmpSock   *sockets.ICMPv6Socket
	relaySock  *sockets.DHCPv6UDPSocket
	brokenSock *sockets.DHCPv6UDPSocket

	rd   *rd.Engine
	dhcp *dhcp6relay.Engine
	ndp  *ndp.Engine

	// forwardingSetOn lists the interfaces this process turned
	// net.ipv6.conf.<iface>.forwarding on for, restored on shutdown so a
	// clean exit does not leave forwarding switched on.
	forwardingSetOn []string
}

// New builds every dependency of the daemon but does not start the event
// loop; call [Daemon.Run] for that. Each returned error is a
// [*StartupError] so cmd/6relayd can recover the failing [Phase].
func New(cfg *config.Snapshot, logger *slog.Logger) (d *Daemon, err error) {
	d = &Daemon{cfg: cfg, logger: logger}

	if d.loop, err = ioloop.New(); err != nil {
		return nil, fail(PhaseInit, err)
	}

	if d.reg, err = ifaces.New(cfg.MasterName, cfg.SlaveNames, cfg.SlaveExternal); err != nil {
		d.loop.Close()

		return nil, fail(PhaseInterfaces, err)
	}

	if err = d.openSockets(); err != nil {
		d.loop.Close()

		return nil, fail(PhaseSockets, err)
	}

	if err = d.applySysctl(); err != nil {
		d.closeSockets()
		d.loop.Close()

		return nil, fail(PhaseSockets, err)
	}

	d.rd = rd.New(cfg, d.reg, d.icmpSock, d.loop, logger.With("engine", "rd"))
	d.dhcp = dhcp6relay.New(cfg, d.reg, d.relaySock, d.brokenSock, d.loop, logger.With("engine", "dhcp6relay"))
	d.ndp = ndp.New(cfg, d.reg, d.loop, logger.With("engine", "ndp"))

	ctx := context.Background()

	if err = d.rd.Init(ctx); err != nil {
		d.closeSockets()
		d.loop.Close()

		return nil, fail(PhaseEngines, err)
	}

	if err = d.dhcp.Init(); err != nil {
		d.closeSockets()
		d.loop.Close()

		return nil, fail(PhaseEngines, err)
	}

	if err = d.ndp.Init(ctx); err != nil {
		d.closeSockets()
		d.loop.Close()

		return nil, fail(PhaseEngines, err)
	}

	return d, nil
}

// openSockets opens exactly the sockets this configuration's enabled
// engines need (spec.md §4.3/§4.4 "Sockets").
func (d *Daemon) openSockets() (err error) {
	defer func() { err = errors.Annotate(err, "relayd: opening sockets: %w") }()

	if d.cfg.RD != config.RDModeDisabled {
		if d.icmpSock, err = sockets.OpenICMPv6(); err != nil {
			return err
		}
	}

	if d.cfg.DHCP != config.DHCPModeDisabled {
		slaveIdx := make([]int, 0, len(d.reg.Slaves()))
		for _, slave := range d.reg.Slaves() {
			slaveIdx = append(slaveIdx, slave.Index)
		}

		if d.relaySock, err = sockets.OpenDHCPv6Server(slaveIdx); err != nil {
			return err
		}

		if d.cfg.BrokenDHCP {
			if d.brokenSock, err = sockets.OpenDHCPv6BrokenClient(d.reg.Master().Name); err != nil {
				return err
			}
		}
	}

	return nil
}

func (d *Daemon) closeSockets() {
	if d.icmpSock != nil {
		d.icmpSock.Close()
	}
	if d.relaySock != nil {
		d.relaySock.Close()
	}
	if d.brokenSock != nil {
		d.brokenSock.Close()
	}
}

// applySysctl toggles the sysctl flags the "-A" bundle and "-F" flag ask
// for (spec.md §6 "Kernel interfaces"). The forwarding flags set here are
// restored in [Daemon.Shutdown]; accept_ra is left at the value written.
func (d *Daemon) applySysctl() (err error) {
	defer func() { err = errors.Annotate(err, "relayd: applying sysctl: %w") }()

	if d.cfg.Forwarding {
		all := append([]*ifaces.Interface{d.reg.Master()}, d.reg.Slaves()...)
		for _, ifc := range all {
			if err = sysctl.Write(ifc.Name, sysctl.FlagForwarding, 1); err != nil {
				return err
			}

			d.forwardingSetOn = append(d.forwardingSetOn, ifc.Name)
		}
	}

	if d.cfg.ForceAddressAssignment {
		for _, slave := range d.reg.Slaves() {
			// accept_ra=2 keeps the kernel accepting RAs on its own even
			// with forwarding on, per spec.md §4.3's force-assignment
			// bullet.
			if err = sysctl.Write(slave.Name, sysctl.FlagAcceptRA, 2); err != nil {
				return err
			}
		}
	}

	return nil
}

// Run starts the event loop and blocks until ctx is canceled or Stop is
// called on the loop from a signal handler (spec.md §5: "the event loop
// is the only suspension point").
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("starting",
		"master", d.reg.Master().Name,
		"slaves", len(d.reg.Slaves()),
		"rd", d.cfg.RD,
		"dhcp", d.cfg.DHCP,
		"ndp", d.cfg.NDPRelay,
	)

	return d.loop.Run(ctx)
}

// Stop requests the event loop to return from [Daemon.Run].
func (d *Daemon) Stop() { d.loop.Stop() }

// RefreshRAs fires every server-mode RA timer immediately, the SIGUSR1
// handler (spec.md §7 "Signal-driven ... SIGUSR1 fire all RA timers
// immediately").
func (d *Daemon) RefreshRAs() { d.rd.RefreshAll() }

// Shutdown performs the orderly teardown spec.md §4.3's Shutdown clause
// and §5 describe: a final zero-lifetime RA on every server-mode slave,
// restoring the forwarding flags this process turned on, then releasing
// sockets and the event loop.
func (d *Daemon) Shutdown() {
	d.rd.Shutdown()

	for _, name := range d.forwardingSetOn {
		if err := sysctl.Write(name, sysctl.FlagForwarding, 0); err != nil {
			d.logger.Warn("restoring forwarding sysctl", "interface", name, slogutil.KeyError, err)
		}
	}

	d.closeSockets()

	if err := d.loop.Close(); err != nil {
		d.logger.Warn("closing event loop", slogutil.KeyError, err)
	}
}
