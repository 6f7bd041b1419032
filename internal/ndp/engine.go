package ndp

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/fgggid/6relayd/internal/config"
	"github.com/fgggid/6relayd/internal/ifaces"
	"github.com/fgggid/6relayd/internal/ioloop"
	"github.com/fgggid/6relayd/internal/sockets"
	"github.com/fgggid/6relayd/internal/sysctl"
)

// Neighbor table maintenance intervals. ndppd (the closest ecosystem
// analogue to this engine) defaults its stale timeout to five minutes;
// this daemon reuses that figure since spec.md §4.5 defers exact timeout
// values to RFC 4861 as "derived requirements".
const (
	idleTimeout   = 5 * time.Minute
	evictInterval = time.Minute
)

// Engine is the NDP proxy engine (spec.md §4.5): it answers Neighbor
// Solicitations for addresses known on a different interface, tracks
// reachability from Neighbor Advertisements, and optionally installs
// host routes for what it learns.
type Engine struct {
	cfg    *config.Snapshot
	reg    *ifaces.Registry
	loop   *ioloop.Loop
	logger *slog.Logger

	table *table
	socks map[int]*sockets.NDPacketSocket
}

// New constructs the NDP proxy engine. It does not touch the network;
// call [Engine.Init] to open packet sockets and register with loop.
func New(cfg *config.Snapshot, reg *ifaces.Registry, loop *ioloop.Loop, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, reg: reg, loop: loop, logger: logger, table: newTable(), socks: make(map[int]*sockets.NDPacketSocket)}
}

// Init opens a packet socket on the master and every slave, registers
// each with loop, and arms the idle-eviction timer.
func (e *Engine) Init(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "ndp: %w") }()

	if !e.cfg.NDPRelay {
		return nil
	}

	all := append([]*ifaces.Interface{e.reg.Master()}, e.reg.Slaves()...)
	for _, ifc := range all {
		ni, lookupErr := net.InterfaceByIndex(ifc.Index)
		if lookupErr != nil {
			return lookupErr
		}

		sock, openErr := sockets.OpenNDPacket(ni)
		if openErr != nil {
			return openErr
		}

		e.socks[ifc.Index] = sock

		if _, err = e.loop.Register(sock, e.handleDatagram); err != nil {
			return err
		}
	}

	if _, err = e.loop.RegisterTimer(evictInterval, e.onEvictTimer, nil); err != nil {
		return err
	}

	return nil
}

// handleDatagram dispatches one inbound AF_PACKET frame, filtering to
// Neighbor Solicitation/Advertisement as spec.md §4.5 requires.
func (e *Engine) handleDatagram(_ ioloop.Addr, buf []byte, ifIndex int) {
	frame, ok := decodeFrame(buf)
	if !ok {
		return
	}

	ifc, ok := e.reg.ByIndex(ifIndex)
	if !ok {
		// Invariant (b): never act on a datagram from an interface we
		// did not configure.
		return
	}

	switch frame.typ {
	case icmpTypeNeighborSolicit:
		e.handleSolicit(ifc, frame)
	case icmpTypeNeighborAdvert:
		e.handleAdvert(ifc, frame)
	}
}

// handleSolicit answers a Neighbor Solicitation for a target known on
// another interface with a proxied advertisement, per spec.md §4.5. An
// "external" slave only has DAD solicitations (source address
// unspecified) considered; ordinary host-to-host traffic is never
// proxied onto or off of it.
func (e *Engine) handleSolicit(ifc *ifaces.Interface, frame decodedFrame) {
	ns, ok := parseNeighborSolicitation(frame.body)
	if !ok {
		return
	}

	target := netip.AddrFrom16(ns.target)
	isDAD := frame.srcIP.IsUnspecified()

	if ifc.External && !isDAD {
		return
	}

	entry, ok := e.table.lookupElsewhere(target, ifc.Index)
	if !ok {
		return
	}

	if owner, known := e.reg.ByIndex(entry.ifIndex); known && owner.External && !isDAD {
		return
	}

	e.sendProxyAdvert(ifc, frame, target)
}

// sendProxyAdvert emits a Neighbor Advertisement for target on ifc, with
// the router flag cleared (spec.md §4.5) and the proxy's own MAC as the
// Target Link-Layer Address so replies destined to target arrive here
// for forwarding.
func (e *Engine) sendProxyAdvert(ifc *ifaces.Interface, frame decodedFrame, target netip.Addr) {
	sock, ok := e.socks[ifc.Index]
	if !ok {
		return
	}

	dstIP := frame.srcIP
	dstMAC := frame.srcMAC
	if frame.srcIP.IsUnspecified() {
		dstIP = netip.MustParseAddr("ff02::1")
		dstMAC = net.HardwareAddr{0x33, 0x33, 0x00, 0x00, 0x00, 0x01}
	}

	flags := uint8(naFlagOverride)
	if !frame.srcIP.IsUnspecified() {
		flags |= naFlagSolicited
	}

	body := buildNeighborAdvertisement(flags, target.As16(), ifc.MAC)

	srcLL, ok := ifaces.LinkLocalAddr(ifc)
	if !ok {
		return
	}

	naFrame, err := buildNAFrame(ifc.MAC, dstMAC, srcLL, dstIP, body)
	if err != nil {
		e.logger.Warn("building proxy NA", slogutil.KeyError, err)

		return
	}

	if _, err = sock.WriteEthernetFrame(naFrame, dstMAC); err != nil {
		e.logger.Warn("sending proxy NA", "interface", ifc.Name, slogutil.KeyError, err)
	}
}

// handleAdvert updates the neighbor table from an observed Neighbor
// Advertisement and, if route-learning is enabled, installs a /128 host
// route to it via ifc (spec.md §4.5: "update the neighbor table and, if
// route-learning is set, install a /128 host route to that neighbor via
// J").
func (e *Engine) handleAdvert(ifc *ifaces.Interface, frame decodedFrame) {
	na, ok := parseNeighborAdvertisement(frame.body)
	if !ok {
		return
	}

	target := netip.AddrFrom16(na.target)

	mac := net.HardwareAddr(frame.srcMAC)
	if llaVal, hasLLA := findOption(na.opts, optTargetLinkAddr); hasLLA && len(llaVal) >= 6 {
		mac = net.HardwareAddr(llaVal[:6])
	}

	e.table.upsert(target, ifc.Index, mac, time.Now())

	if e.cfg.RouteLearning {
		if err := sysctl.AddHostRoute(target, ifc.Index); err != nil {
			e.logger.Warn("installing learned route", "target", target, "interface", ifc.Name, slogutil.KeyError, err)
		}
	}
}

// onEvictTimer runs the periodic idle-neighbor sweep and re-arms itself.
// Entries evicted while route-learning is enabled have their learned
// host route torn down too, completing the lifecycle spec.md §3
// describes ("evicted after an idle timeout") instead of leaking a
// kernel route for the life of the process.
func (e *Engine) onEvictTimer(sub *ioloop.Subscription) {
	evicted := e.table.evictIdle(time.Now(), idleTimeout)

	if e.cfg.RouteLearning {
		for _, ne := range evicted {
			if err := sysctl.DelHostRoute(ne.addr, ne.ifIndex); err != nil {
				e.logger.Warn("removing learned route", "target", ne.addr, slogutil.KeyError, err)
			}
		}
	}

	if err := ioloop.Rearm(sub, evictInterval); err != nil {
		e.logger.Warn("rearming NDP eviction timer", slogutil.KeyError, err)
	}
}
