package rd

import (
	"context"
	"log/slog"
	"math/rand/v2"
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

// allRouters and allNodes are the multicast groups the engine joins and
// sends to, per spec.md §4.3 "Inputs"/"Outputs".
var (
	allRouters = netip.MustParseAddr("ff02::2")
	allNodes   = netip.MustParseAddr("ff02::1")
)

// RFC 4861 §10 defaults this engine reuses for server-mode RA timing.
const (
	maxRtrAdvInterval = 600 * time.Second
	minRtrAdvInterval = maxRtrAdvInterval / 3

	// maxPrefixLifetime is the 2-year lifetime a synthesized RA announces:
	// the valid lifetime of every PIO, the preferred lifetime of every PIO
	// that is not a deprecated ULA, and the RDNSS/DNSSL lifetime. Interface
	// address lifetimes are not read, so each prefix is announced with this
	// value rather than its own lifetime. PIOs relayed from the master are
	// forwarded with their lifetimes unchanged.
	maxPrefixLifetime = 2 * 365 * 24 * time.Hour

	curHopLimit = 64

	// maxPrefixes caps how many of a slave's global addresses are turned
	// into PIOs in one synthesized RA, per spec.md §4.3 step 3's
	// MAX_PREFIXES.
	maxPrefixes = 16
)

// Engine is the Router Discovery engine (spec.md §4.3): in relay mode it
// forwards RA from the master to every slave (rewriting the source
// link-layer option and, optionally, DNS options) and forwards RS from
// any slave to the master; in server mode it synthesizes RAs from each
// slave's own configured addresses on a periodic randomized timer.
type Engine struct {
	cfg    *config.Snapshot
	reg    *ifaces.Registry
	sock   *sockets.ICMPv6Socket
	loop   *ioloop.Loop
	logger *slog.Logger

	// refreshWake is the loop-registered wake source backing RefreshAll
	// (see [ioloop.Loop.RegisterWake]): signaling it from the SIGUSR1
	// handler goroutine runs the actual refresh on the loop goroutine
	// instead of racing the loop's own use of e.sock.
	refreshWake *ioloop.Subscription
}

// New constructs the RD engine. It does not touch the network; call
// [Engine.Init] to join multicast groups and register with loop.
func New(cfg *config.Snapshot, reg *ifaces.Registry, sock *sockets.ICMPv6Socket, loop *ioloop.Loop, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, reg: reg, sock: sock, loop: loop, logger: logger}
}

// Init joins the multicast groups this engine's mode requires, registers
// the ICMPv6 socket with loop, and — in server mode — arms one randomized
// RA timer per slave (spec.md §4.3 step 5). In relay mode with
// SendInitialRS set, it sends one bare RS out the master immediately
// (spec.md §7 supplemented feature).
func (e *Engine) Init(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "rd: %w") }()

	switch e.cfg.RD {
	case config.RDModeRelay:
		// spec.md §4.3 "Inputs": all-routers on the master for RA ingress,
		// plus all-nodes on the master in relay mode "for RS forwarding
		// sanity". Neither of those groups is what actually carries a
		// Router Solicitation off a slave link, though — hosts send RS to
		// all-routers (ff02::2), so this engine also joins all-routers on
		// every slave; otherwise relay mode never observes an RS to
		// forward in the first place (see DESIGN.md Open Questions).
		if err = e.sock.JoinGroup(e.reg.Master().Index, allRouters); err != nil {
			return err
		}
		if err = e.sock.JoinGroup(e.reg.Master().Index, allNodes); err != nil {
			return err
		}
		for _, slave := range e.reg.Slaves() {
			if err = e.sock.JoinGroup(slave.Index, allRouters); err != nil {
				return err
			}
		}
	case config.RDModeServer:
		for _, slave := range e.reg.Slaves() {
			if err = e.sock.JoinGroup(slave.Index, allRouters); err != nil {
				return err
			}
		}
	default:
		return nil
	}

	if _, err = e.loop.Register(e.sock, e.handleDatagram); err != nil {
		return err
	}

	if e.cfg.RD == config.RDModeServer {
		for _, slave := range e.reg.Slaves() {
			slave := slave

			sub, timerErr := e.loop.RegisterTimer(randomInterval(), e.onTimer, slave)
			if timerErr != nil {
				return timerErr
			}

			slave.TimerID = sub.FD()
		}
	}

	if e.cfg.RD == config.RDModeRelay && e.cfg.SendInitialRS {
		e.sendRouterSolicit()
	}

	wake, err := e.loop.RegisterWake(e.onRefreshWake)
	if err != nil {
		return err
	}
	e.refreshWake = wake

	return nil
}

// randomInterval picks a uniformly random delay in
// [MinRtrAdvInterval, MaxRtrAdvInterval), per RFC 4861 §6.2.1.
func randomInterval() time.Duration {
	span := maxRtrAdvInterval - minRtrAdvInterval
	return minRtrAdvInterval + time.Duration(rand.Int64N(int64(span)))
}

// handleDatagram dispatches an inbound ICMPv6 datagram to the relay-mode
// or server-mode handler, filtering to RS/RA as spec.md §4.3 requires.
func (e *Engine) handleDatagram(_ ioloop.Addr, buf []byte, ifIndex int) {
	if len(buf) < 4 {
		return
	}

	typ := buf[0]
	if typ != icmpTypeRouterSolicit && typ != icmpTypeRouterAdvert {
		return
	}

	src, ok := e.reg.ByIndex(ifIndex)
	if !ok {
		// Invariant (b): never act on a datagram from an interface we
		// did not configure.
		return
	}

	switch e.cfg.RD {
	case config.RDModeRelay:
		e.handleRelay(typ, src, buf)
	case config.RDModeServer:
		if typ == icmpTypeRouterSolicit && src.IsSlave() {
			e.onSolicitedAdvert(src)
		}
	}
}

// handleRelay implements spec.md §4.3's relay-mode dispatch: an RA
// arriving on the master is rewritten once per slave; an RS arriving on
// any slave is forwarded bare to the master.
func (e *Engine) handleRelay(typ uint8, src *ifaces.Interface, buf []byte) {
	switch {
	case typ == icmpTypeRouterAdvert && src == e.reg.Master():
		e.relayAdvert(buf)
	case typ == icmpTypeRouterSolicit && src.IsSlave():
		e.relaySolicit()
	}
}

// relayAdvert rewrites and re-emits the RA on every slave, per spec.md
// §4.3 step 4: the PROXY bit is set, the source link-layer option is
// replaced with the slave's own MAC, and RDNSS addresses are rewritten
// when configured to do so.
func (e *Engine) relayAdvert(buf []byte) {
	if len(buf) < 16 {
		return
	}

	fixed := append([]byte(nil), buf[4:16]...)
	fixed[1] |= flagProxy

	if e.cfg.DHCP == config.DHCPModeServer {
		fixed[1] |= flagOther
	}

	opts := parseOptions(buf[16:])

	var errs []error
	for _, slave := range e.reg.Slaves() {
		body := e.rewriteAdvertFor(slave, fixed, opts)

		llAddr, ok := ifaces.LinkLocalAddr(slave)
		if !ok {
			continue
		}

		pkt, err := serializeICMPv6(icmpTypeRouterAdvert, 0, llAddr, allNodes, body)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if _, err = e.sock.SendFrom(pkt, llAddr, allNodes, slave.Index); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.List("rd: forwarding RA to slaves", errs...); err != nil {
		e.logger.Warn("forwarding RA", slogutil.KeyError, err)
	}
}

// rewriteAdvertFor builds the RA fixed header + options this engine
// re-emits on slave: every option from the master's RA is carried
// through verbatim except the Source Link-Layer Address option (dropped
// — the slave's own is appended instead) and, when DNS rewriting
// applies, the RDNSS option's addresses.
func (e *Engine) rewriteAdvertFor(slave *ifaces.Interface, fixed []byte, opts []option) []byte {
	w := wireWriterFor(fixed)

	for _, opt := range opts {
		switch opt.typ {
		case optSourceLinkAddr:
			continue
		case optRDNSS:
			if rewritten, ok := e.rewriteRDNSS(slave, opt.value); ok {
				writeOption(w, optRDNSS, rewritten)
				continue
			}
		}

		writeOption(w, opt.typ, opt.value)
	}

	if len(slave.MAC) == 6 {
		w.Raw(sourceLinkAddrOption(slave.MAC))
	}

	return w.Bytes()
}

// rewriteRDNSS replaces every address in an RDNSS option value with a
// single address reachable from slave, when AlwaysRewriteDNS is set; the
// replacement is the ConfiguredDNS override if given, otherwise slave's
// global address (see [Engine.dnsAddrFor]). ok is false when no replacement
// address is available, in which case the caller must leave the option
// untouched rather than advertise an unreachable DNS server.
func (e *Engine) rewriteRDNSS(slave *ifaces.Interface, value []byte) (rewritten []byte, ok bool) {
	if !e.cfg.AlwaysRewriteDNS {
		return nil, false
	}

	dns, ok := e.dnsAddrFor(slave)
	if !ok {
		return nil, false
	}

	if len(value) < 6 {
		return nil, false
	}

	out := append([]byte(nil), value[:6]...)
	for i := 6; i+16 <= len(value); i += 16 {
		out = append(out, dns.AsSlice()...)
	}

	return out, true
}

// dnsAddrFor resolves the DNS server address to advertise on slave: the
// configured override if present, otherwise slave's own global address.
func (e *Engine) dnsAddrFor(slave *ifaces.Interface) (netip.Addr, bool) {
	if e.cfg.ConfiguredDNS != "" {
		if addr, err := netip.ParseAddr(e.cfg.ConfiguredDNS); err == nil {
			return addr, true
		}
	}

	return ifaces.GlobalAddr(slave)
}

// relaySolicit forwards a bare Router Solicitation out the master
// (spec.md §4.3 relay-mode "RS from any slave ... forwarded as a bare
// RS out the master").
func (e *Engine) relaySolicit() {
	e.sendRouterSolicit()
}

func (e *Engine) sendRouterSolicit() {
	master := e.reg.Master()

	src, ok := ifaces.LinkLocalAddr(master)
	if !ok {
		e.logger.Warn("no link-local address on master, cannot send RS")
		return
	}

	body := make([]byte, 4) // reserved(4), no options
	pkt, err := serializeICMPv6(icmpTypeRouterSolicit, 0, src, allRouters, body)
	if err != nil {
		e.logger.Warn("building RS", slogutil.KeyError, err)
		return
	}

	if _, err = e.sock.SendFrom(pkt, src, allRouters, master.Index); err != nil {
		e.logger.Warn("sending RS", slogutil.KeyError, err)
	}
}

// onSolicitedAdvert answers an RS received on slave (server mode) with
// an immediate synthesized RA, per RFC 4861 §6.2.6.
func (e *Engine) onSolicitedAdvert(slave *ifaces.Interface) {
	e.synthesizeAndSend(slave)
}

// onTimer is the periodic server-mode RA handler (spec.md §4.3 step 5):
// it synthesizes and sends an RA for the slave the timer was armed for,
// then re-arms itself with a freshly randomized interval.
func (e *Engine) onTimer(sub *ioloop.Subscription) {
	slave, ok := sub.UserData.(*ifaces.Interface)
	if !ok {
		return
	}

	e.synthesizeAndSend(slave)

	if err := ioloop.Rearm(sub, randomInterval()); err != nil {
		e.logger.Warn("rearming RA timer", "interface", slave.Name, slogutil.KeyError, err)
	}
}

// synthesizeAndSend builds and sends a server-mode RA for slave from its
// own configured addresses, per spec.md §4.3 step 3-4.
func (e *Engine) synthesizeAndSend(slave *ifaces.Interface) {
	src, ok := ifaces.LinkLocalAddr(slave)
	if !ok {
		e.logger.Debug("no link-local address yet, skipping RA", "interface", slave.Name)
		return
	}

	prefixes := ifaces.GlobalAddrs(slave, maxPrefixes)

	hasDefaultRoute, err := sysctl.HasDefaultRoute()
	if err != nil {
		e.logger.Warn("checking default route", slogutil.KeyError, err)
	}

	hasPublic := false
	for _, p := range prefixes {
		if !isULA(p) {
			hasPublic = true
			break
		}
	}

	routerLifetime := uint16(0)
	if e.cfg.AlwaysAnnounceDefaultRouter {
		routerLifetime = uint16((3 * maxRtrAdvInterval) / time.Second)
	} else if hasDefaultRoute && hasPublic {
		routerLifetime = uint16((3 * maxRtrAdvInterval) / time.Second)
	}

	flags := uint8(0)
	if e.cfg.DHCP == config.DHCPModeServer {
		flags |= flagOther
	}

	w := wireWriterFor([]byte{curHopLimit, flags, byte(routerLifetime >> 8), byte(routerLifetime), 0, 0, 0, 0, 0, 0, 0, 0})

	w.Raw(sourceLinkAddrOption(slave.MAC))
	w.Raw(mtuOption(uint32(slave.MTU)))

	validLifetime := uint32(maxPrefixLifetime / time.Second)
	for _, p := range prefixes {
		preferred := validLifetime
		if e.cfg.DeprecateULAIfPublicAvail && hasPublic && isULA(p) {
			preferred = 0
		}

		w.Raw(prefixInfoOption(p, true, true, validLifetime, preferred))
	}

	if dns, ok := e.dnsAddrFor(slave); ok {
		w.Raw(rdnssOption(dns, validLifetime))
	}

	if domain, ok := sysctl.SearchDomain(); ok {
		w.Raw(dnsslOption(domain, validLifetime))
	}

	pkt, err := serializeICMPv6(icmpTypeRouterAdvert, 0, src, allNodes, w.Bytes())
	if err != nil {
		e.logger.Warn("building synthesized RA", slogutil.KeyError, err)
		return
	}

	if _, err = e.sock.SendFrom(pkt, src, allNodes, slave.Index); err != nil {
		e.logger.Warn("sending synthesized RA", "interface", slave.Name, slogutil.KeyError, err)
	}
}

// isULA reports whether addr falls in fc00::/7, the Unique Local Address
// range (RFC 4193), used by the ULA-deprecation rule in spec.md §7.
func isULA(addr netip.Addr) bool {
	if !addr.Is6() {
		return false
	}

	b := addr.As16()
	return b[0]&0xfe == 0xfc
}

// RefreshAll requests an immediate RA on every slave in server mode,
// without disturbing each slave's existing periodic timer. This is the
// SIGUSR1 handler's entry point: an operator who has just changed an interface address or prefix does
// not want to wait out the next randomized interval to see it announced.
//
// RefreshAll itself only signals the engine's wake subscription — it is
// called from the signal-handling goroutine, and spec.md §5 requires all
// socket I/O to happen on the single event-loop goroutine, so the actual
// synthesize-and-send work happens in [Engine.onRefreshWake] once the loop
// picks the wake event up.
func (e *Engine) RefreshAll() {
	if e.refreshWake == nil {
		return
	}

	ioloop.Wake(e.refreshWake)
}

// onRefreshWake is the loop-side handler for RefreshAll's wake signal.
func (e *Engine) onRefreshWake(*ioloop.Subscription) {
	if e.cfg.RD != config.RDModeServer {
		return
	}

	for _, slave := range e.reg.Slaves() {
		e.synthesizeAndSend(slave)
	}
}

// Shutdown sends a zero-lifetime RA on every slave in server mode, per
// spec.md §4.3's Shutdown clause: a clean exit should not leave hosts
// believing a router that is about to disappear is still reachable.
func (e *Engine) Shutdown() {
	if e.cfg.RD != config.RDModeServer {
		return
	}

	for _, slave := range e.reg.Slaves() {
		src, ok := ifaces.LinkLocalAddr(slave)
		if !ok {
			continue
		}

		body := []byte{curHopLimit, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
		pkt, err := serializeICMPv6(icmpTypeRouterAdvert, 0, src, allNodes, body)
		if err != nil {
			continue
		}

		if _, err = e.sock.SendFrom(pkt, src, allNodes, slave.Index); err != nil {
			e.logger.Warn("sending shutdown RA", "interface", slave.Name, slogutil.KeyError, err)
		}
	}
}
