package dhcp6relay

import (
	"bytes"
	"log/slog"

	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/fgggid/6relayd/internal/config"
	"github.com/fgggid/6relayd/internal/ifaces"
	"github.com/fgggid/6relayd/internal/ioloop"
	"github.com/fgggid/6relayd/internal/sockets"
)

// Engine is the DHCPv6 engine (spec.md §4.4): it classifies inbound
// traffic by ingress interface and direction and dispatches to the
// standard relay, broken-server-compatibility relay, or stateless
// mini-server code paths.
type Engine struct {
	cfg  *config.Snapshot
	reg  *ifaces.Registry
	loop *ioloop.Loop

	relaySock  *sockets.DHCPv6UDPSocket
	brokenSock *sockets.DHCPv6UDPSocket // nil unless cfg.BrokenDHCP

	logger *slog.Logger

	// duids caches each slave's mini-server DUID, keyed by interface
	// index, computed once at construction (see [serverDUID]) rather
	// than per request so a Server-ID a client echoes back in a later
	// message still matches.
	duids map[int][]byte
}

// New constructs the DHCPv6 engine. relaySock is the port-547 socket
// (spec.md §4.4 "Sockets"), already bound and joined to the
// all-DHCPv6-relay-agents-and-servers group on every slave. brokenSock
// is the port-546 socket bound to the master, non-nil only when
// cfg.BrokenDHCP is set.
func New(
	cfg *config.Snapshot,
	reg *ifaces.Registry,
	relaySock, brokenSock *sockets.DHCPv6UDPSocket,
	loop *ioloop.Loop,
	logger *slog.Logger,
) *Engine {
	duids := make(map[int][]byte, len(reg.Slaves()))
	for _, slave := range reg.Slaves() {
		duids[slave.Index] = serverDUID(slave.MAC)
	}

	return &Engine{
		cfg: cfg, reg: reg, relaySock: relaySock, brokenSock: brokenSock, loop: loop, logger: logger,
		duids: duids,
	}
}

// duidFor returns slave's cached mini-server DUID.
func (e *Engine) duidFor(slave *ifaces.Interface) []byte { return e.duids[slave.Index] }

// Init registers this engine's sockets with loop. It does nothing if
// cfg.DHCP is disabled.
func (e *Engine) Init() error {
	if e.cfg.DHCP == config.DHCPModeDisabled {
		return nil
	}

	if _, err := e.loop.Register(e.relaySock, e.handleRelaySocket); err != nil {
		return err
	}

	if e.brokenSock != nil {
		if _, err := e.loop.Register(e.brokenSock, e.handleBrokenSocket); err != nil {
			return err
		}
	}

	return nil
}

// handleRelaySocket classifies and dispatches a datagram received on the
// port-547 socket, per spec.md §4.4 "Classification".
func (e *Engine) handleRelaySocket(src ioloop.Addr, buf []byte, ifIndex int) {
	ifc, ok := e.reg.ByIndex(ifIndex)
	if !ok {
		return
	}

	if ifc == e.reg.Master() {
		switch e.cfg.DHCP {
		case config.DHCPModeRelay:
			if !e.cfg.BrokenDHCP {
				e.relayServerResponse(buf)
			}
		case config.DHCPModeTransparent:
			e.forwardTransparentToSlaves(buf)
		}

		return
	}

	if !ifc.IsSlave() {
		return
	}

	switch e.cfg.DHCP {
	case config.DHCPModeRelay:
		if e.cfg.BrokenDHCP {
			e.relayClientRequestBroken(ifc, src, buf)
		} else {
			e.relayClientRequest(ifc, src, buf)
		}
	case config.DHCPModeServer:
		e.handleClientRequest(ifc, src, buf)
	case config.DHCPModeTransparent:
		e.forwardTransparentToMaster(buf)
	}
}

// handleBrokenSocket handles the port-546 socket, which is bound only to
// the master (spec.md §4.4 "Sockets"): every datagram received here is a
// server's reply to a broken-mode-rewritten client request.
func (e *Engine) handleBrokenSocket(_ ioloop.Addr, buf []byte, _ int) {
	e.handleBrokenReply(buf)
}

// relayClientRequest implements spec.md §4.4 "Standard-mode
// client-to-server relay": wrap the client message in a RELAY-FORW
// envelope and send it to the all-DHCPv6-servers multicast on the
// master.
func (e *Engine) relayClientRequest(slave *ifaces.Interface, src ioloop.Addr, buf []byte) {
	hop := uint8(0)
	payload := buf

	if len(buf) > 0 && buf[0] == msgRelayForw {
		env, ok := parseRelayEnvelope(buf)
		if !ok {
			return
		}

		// spec.md §3 Invariant (c): hop_count_out <= hop_count_in + 1 <=
		// 32. A message already at 32 is dropped; one at 31 is forwarded
		// with hop count 32 (spec.md §8 boundary property).
		if env.hopCount >= maxHopCount {
			return
		}

		hop = env.hopCount + 1
	}

	linkAddr, ok := ifaces.GlobalAddr(slave)
	if !ok {
		// Intentional RFC deviation (spec.md §4.4, §9 Open Question):
		// fall back to the master's global address so cold start still
		// produces a usable (if link-address-inaccurate) relay.
		linkAddr, ok = ifaces.GlobalAddr(e.reg.Master())
		if !ok {
			e.logger.Warn("no global address available for link-address, dropping", "interface", slave.Name)
			return
		}
	}

	env := relayEnvelope{
		msgType:  msgRelayForw,
		hopCount: hop,
		linkAddr: addr16(linkAddr),
		peerAddr: src.IP,
		opts: []option{
			{typ: optInterfaceID, value: interfaceIDOption(slave.Index)},
			{typ: optRelayMsg, value: payload},
		},
	}

	master := e.reg.Master()
	if _, err := e.relaySock.SendTo(env.marshal(), sockets.AllDHCPv6Servers(), 547, master.Index); err != nil {
		e.logger.Warn("relaying client request", "interface", slave.Name, slogutil.KeyError, err)
	}
}

// relayServerResponse implements spec.md §4.4 "Standard-mode
// server-to-client reply".
func (e *Engine) relayServerResponse(buf []byte) {
	if len(buf) == 0 || buf[0] != msgRelayRepl {
		return
	}

	env, ok := parseRelayEnvelope(buf)
	if !ok {
		return
	}

	ifIndexVal, ok := findOption(env.opts, optInterfaceID)
	if !ok {
		return
	}

	idx, ok := ifIndexFromInterfaceID(ifIndexVal)
	if !ok {
		return
	}

	slave, ok := e.reg.ByIndex(idx)
	if !ok || !slave.IsSlave() {
		return
	}

	inner, ok := env.relayMessage()
	if !ok {
		return
	}

	inner = e.maybeRewriteDNS(slave, inner)

	peer := addrFrom16(env.peerAddr)

	port := 546
	if len(inner) > 0 && inner[0] == msgRelayRepl {
		// Nested RELAY-REPL: this hop is itself a relay agent, so the
		// reply continues on port 547 (spec.md §4.4 "server-to-server").
		port = 547
	}

	if _, err := e.relaySock.SendTo(inner, peer, port, slave.Index); err != nil {
		e.logger.Warn("forwarding server reply", "interface", slave.Name, slogutil.KeyError, err)
	}
}

// maybeRewriteDNS implements the DNS-rewrite clause of spec.md §4.4
// "Standard-mode server-to-client reply": rewritten only when
// AlwaysRewriteDNS is set or a server address is link-local, and never
// when an Authentication option is present (integrity would break).
func (e *Engine) maybeRewriteDNS(slave *ifaces.Interface, payload []byte) []byte {
	hdr, opts, ok := parseNonRelay(payload)
	if !ok {
		return payload
	}

	if _, hasAuth := findOption(opts, optAuth); hasAuth {
		return payload
	}

	dnsVal, hasDNS := findOption(opts, optDNSServers)
	if !hasDNS {
		return payload
	}

	if !e.cfg.AlwaysRewriteDNS && !dnsHasLinkLocal(dnsVal) {
		return payload
	}

	newAddr, ok := ifaces.GlobalAddr(slave)
	if !ok {
		return payload
	}

	rewritten := rewriteDNSAddrs(dnsVal, newAddr)

	newOpts := make([]option, 0, len(opts))
	for _, o := range opts {
		if o.typ == optDNSServers {
			newOpts = append(newOpts, option{typ: optDNSServers, value: rewritten})

			continue
		}

		newOpts = append(newOpts, o)
	}

	return marshalNonRelay(hdr, newOpts)
}

// relayClientRequestBroken implements spec.md §4.4 "Broken-server mode":
// the client message is forwarded unrelayed, with its Client-ID rewritten
// to carry the ingress slave and client address so the reply can be
// routed back.
func (e *Engine) relayClientRequestBroken(slave *ifaces.Interface, src ioloop.Addr, buf []byte) {
	hdr, opts, ok := parseNonRelay(buf)
	if !ok {
		return
	}

	if _, hasAuth := findOption(opts, optAuth); hasAuth {
		// spec.md §4.4: "If the packet carries an Authentication option
		// the rewrite is refused and the packet is dropped (integrity
		// would break)."
		return
	}

	cid, ok := findOption(opts, optClientID)
	if !ok {
		return
	}

	rewritten := rewriteClientID(cid, slave.Index, src.IP)

	newOpts := make([]option, 0, len(opts))
	for _, o := range opts {
		if o.typ == optClientID {
			newOpts = append(newOpts, option{typ: optClientID, value: rewritten})

			continue
		}

		newOpts = append(newOpts, o)
	}

	pkt := marshalNonRelay(hdr, newOpts)

	// spec.md §9 Open Question: preserved as-is - sent to the
	// all-DHCPv6-relay-agents-and-servers group, not all-DHCPv6-servers.
	dst := sockets.AllDHCPv6RelayAgentsAndServers()
	if _, err := e.brokenSock.SendTo(pkt, dst, 547, e.reg.Master().Index); err != nil {
		e.logger.Warn("relaying broken-mode client request", "interface", slave.Name, slogutil.KeyError, err)
	}
}

// handleBrokenReply implements the return half of spec.md §4.4
// "Broken-server mode": recover the ingress slave and real client
// address from the rewritten Client-ID, restore the original Client-ID,
// and deliver to the client.
func (e *Engine) handleBrokenReply(buf []byte) {
	hdr, opts, ok := parseNonRelay(buf)
	if !ok {
		return
	}

	if _, hasAuth := findOption(opts, optAuth); hasAuth {
		return
	}

	cid, ok := findOption(opts, optClientID)
	if !ok {
		return
	}

	original, prefix, ok := unrewriteClientID(cid)
	if !ok {
		// Not a Client-ID this daemon rewrote; nothing to route.
		return
	}

	slave, ok := e.reg.ByIndex(prefix.ifIndex)
	if !ok || !slave.IsSlave() {
		return
	}

	newOpts := make([]option, 0, len(opts))
	for _, o := range opts {
		if o.typ == optClientID {
			newOpts = append(newOpts, option{typ: optClientID, value: original})

			continue
		}

		newOpts = append(newOpts, o)
	}

	pkt := marshalNonRelay(hdr, newOpts)

	dst := addrFrom16(linkLocalFromLower8(prefix.addrLower8))
	if _, err := e.relaySock.SendTo(pkt, dst, 546, slave.Index); err != nil {
		e.logger.Warn("delivering broken-mode reply", "interface", slave.Name, slogutil.KeyError, err)
	}
}

// forwardTransparentToSlaves and forwardTransparentToMaster implement
// DHCPModeTransparent: a plain bidirectional bridge with no envelope and
// no address rewriting, suitable only for a single-slave deployment
// where routing ambiguity cannot arise (see DESIGN.md).
func (e *Engine) forwardTransparentToSlaves(buf []byte) {
	for _, slave := range e.reg.Slaves() {
		if _, err := e.relaySock.SendTo(buf, sockets.AllDHCPv6RelayAgentsAndServers(), 547, slave.Index); err != nil {
			e.logger.Warn("transparent forward to slave", "interface", slave.Name, slogutil.KeyError, err)
		}
	}
}

func (e *Engine) forwardTransparentToMaster(buf []byte) {
	master := e.reg.Master()
	if _, err := e.relaySock.SendTo(buf, sockets.AllDHCPv6Servers(), 547, master.Index); err != nil {
		e.logger.Warn("transparent forward to master", slogutil.KeyError, err)
	}
}

// handleClientRequest is the entry point for DHCPModeServer traffic
// arriving on a slave (spec.md §4.4 "handle_client_request (local
// mini-server)"). A request already wrapped in RELAY-FORW descends
// through the nested-relay path; everything else is answered directly.
func (e *Engine) handleClientRequest(slave *ifaces.Interface, src ioloop.Addr, buf []byte) {
	if len(buf) == 0 {
		return
	}

	if buf[0] == msgRelayForw {
		e.handleNestedRequest(slave, buf)

		return
	}

	reply, ok := e.answerClientMessage(slave, buf)
	if !ok {
		return
	}

	dst := addrFrom16(src.IP)
	if _, err := e.relaySock.SendTo(reply, dst, 546, slave.Index); err != nil {
		e.logger.Warn("sending mini-server reply", "interface", slave.Name, slogutil.KeyError, err)
	}
}

// handleNestedRequest implements spec.md §4.4 "Nested relay handling":
// descend through every RELAY-FORW wrapper to the innermost client
// message, answer it, and rebuild each wrapper as a RELAY-REPL on the
// way back out.
func (e *Engine) handleNestedRequest(slave *ifaces.Interface, buf []byte) {
	chain, inner, ok := unwrapRelayChain(buf)
	if !ok || len(chain) == 0 {
		return
	}

	reply, ok := e.answerClientMessage(slave, inner)
	if !ok {
		return
	}

	wrapped := rewrapRelayChain(chain, reply)

	dst := addrFrom16(chain[0].peerAddr)
	if _, err := e.relaySock.SendTo(wrapped, dst, 547, slave.Index); err != nil {
		e.logger.Warn("sending nested mini-server reply", "interface", slave.Name, slogutil.KeyError, err)
	}
}

// unwrapRelayChain descends through a stack of RELAY-FORW envelopes,
// rejecting any chain whose hop count reaches spec.md §3 Invariant (c)'s
// limit of 32.
func unwrapRelayChain(buf []byte) (chain []relayEnvelope, inner []byte, ok bool) {
	cur := buf

	for {
		if len(cur) == 0 {
			return nil, nil, false
		}

		if cur[0] != msgRelayForw {
			return chain, cur, true
		}

		env, parsed := parseRelayEnvelope(cur)
		if !parsed || env.hopCount >= maxHopCount {
			return nil, nil, false
		}

		chain = append(chain, env)

		payload, hasPayload := env.relayMessage()
		if !hasPayload {
			return nil, nil, false
		}

		cur = payload
	}
}

// rewrapRelayChain rebuilds a RELAY-REPL stack from the innermost reply
// outward, per spec.md §4.4's "rewriting each RELAY-MSG length prefix and
// each envelope type from RELAY-FORW to RELAY-REPL".
func rewrapRelayChain(chain []relayEnvelope, innerReply []byte) []byte {
	payload := innerReply

	for i := len(chain) - 1; i >= 0; i-- {
		env := chain[i]
		env.msgType = msgRelayRepl
		env = env.withRelayMessage(payload)
		payload = env.marshal()
	}

	return payload
}

// answerClientMessage implements spec.md §4.4 "Stateless mini-server":
// SOLICIT -> ADVERTISE, INFORMATION-REQUEST/REQUEST -> REPLY, always
// carrying Status=NoAddrsAvail when an IA_NA is requested. REBIND and
// anything else this daemon has no state for is silently dropped.
func (e *Engine) answerClientMessage(slave *ifaces.Interface, buf []byte) (reply []byte, ok bool) {
	hdr, opts, parsed := parseNonRelay(buf)
	if !parsed {
		return nil, false
	}

	var respType uint8
	switch hdr.msgType {
	case msgSolicit:
		respType = msgAdvertise
	case msgRequest, msgInformationRequest:
		respType = msgReply
	default:
		// msgRebind and anything else: "we have no state to rebind".
		return nil, false
	}

	cid, hasCID := findOption(opts, optClientID)
	if !hasCID {
		return nil, false
	}

	sid := e.duidFor(slave)

	if sidVal, hasSID := findOption(opts, optServerID); hasSID && !bytes.Equal(sidVal, sid) {
		return nil, false
	}

	respOpts := []option{
		{typ: optClientID, value: cid},
		{typ: optServerID, value: sid},
	}

	if iaVal, hasIANA := findOption(opts, optIANA); hasIANA {
		var iaid [4]byte
		if len(iaVal) >= 4 {
			copy(iaid[:], iaVal[:4])
		}

		respOpts = append(respOpts, option{typ: optIANA, value: iaNAWithNoAddrsAvail(iaid)})
	}

	if dnsAddr, hasDNS := ifaces.GlobalAddr(slave); hasDNS {
		respOpts = append(respOpts, option{typ: optDNSServers, value: dnsServersOption(addr16(dnsAddr))})
	}

	respHdr := nonRelayHeader{msgType: respType, xid: hdr.xid}

	return marshalNonRelay(respHdr, respOpts), true
}
