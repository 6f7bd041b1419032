// Package ifaces implements the interface registry: one master plus N
// slave records, looked up by kernel index or name. See spec.md §3
// "Interface record".
package ifaces

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/netutil"
)

// Role distinguishes the single uplink interface from the downstream ones.
type Role int

// Interface roles.
const (
	RoleMaster Role = iota
	RoleSlave
)

// Interface is an immutable-after-creation record identifying one network
// interface the daemon operates on. Only the role-owned RA timer handle
// (TimerID) is mutated after creation, and only by the RD engine that owns
// it; see spec.md §3 Invariant and DESIGN.md "Interface timer <-> event
// coupling".
type Interface struct {
	Index int
	Name  string
	MTU   int
	MAC   net.HardwareAddr
	Role  Role

	// External suppresses host-ND proxying on this slave; only DAD and
	// router-directed traffic are handled. Always false for the master.
	External bool

	// TimerID is the timerfd of this slave's RA timer subscription (the
	// value of its ioloop Subscription.FD).
	// Zero (unset) for the master and for slaves before RD server mode
	// registers the timer.
	TimerID int
}

// IsSlave reports whether ifc is a downstream interface.
func (ifc *Interface) IsSlave() bool { return ifc.Role == RoleSlave }

// Registry is the small table of interfaces the daemon was configured
// with. It is built once at startup by [New] and never mutated afterward
// except for the per-slave TimerID field, satisfying spec.md §5's "mutated
// only at init" invariant.
type Registry struct {
	master *Interface
	slaves []*Interface
	byIdx  map[int]*Interface
}

// lookupInterface abstracts net.InterfaceByName for testability.
type lookupInterface func(name string) (*net.Interface, error)

// New resolves names (the master first, then each slave) into an
// interface registry. external[i] marks slaves[i] as an external slave
// (spec.md §3). A loopback or point-to-point interface is rejected as a
// slave: proxying ND across such a link is meaningless (SPEC_FULL.md §7
// supplemented feature carried over from the original daemon).
func New(masterName string, slaveNames []string, external []bool) (*Registry, error) {
	return newRegistry(masterName, slaveNames, external, net.InterfaceByName)
}

func newRegistry(
	masterName string,
	slaveNames []string,
	external []bool,
	lookup lookupInterface,
) (reg *Registry, err error) {
	defer func() { err = errors.Annotate(err, "ifaces: %w") }()

	master, err := resolve(lookup, masterName, RoleMaster, false)
	if err != nil {
		return nil, err
	}

	reg = &Registry{
		master: master,
		byIdx:  map[int]*Interface{master.Index: master},
	}

	for i, name := range slaveNames {
		ext := i < len(external) && external[i]

		var slave *Interface
		slave, err = resolve(lookup, name, RoleSlave, ext)
		if err != nil {
			return nil, err
		}

		if _, ok := reg.byIdx[slave.Index]; ok {
			return nil, errors.Error("duplicate interface " + name)
		}

		reg.slaves = append(reg.slaves, slave)
		reg.byIdx[slave.Index] = slave
	}

	return reg, nil
}

func resolve(lookup lookupInterface, name string, role Role, external bool) (*Interface, error) {
	ni, err := lookup(name)
	if err != nil {
		return nil, fmt.Errorf("resolving interface %q: %w", name, err)
	}

	if role == RoleSlave {
		if ni.Flags&net.FlagLoopback != 0 || ni.Flags&net.FlagPointToPoint != 0 {
			return nil, fmt.Errorf("interface %q cannot be a slave: loopback or point-to-point", name)
		}
	}

	mtu := ni.MTU
	if mtu <= 0 {
		mtu = 1500
	}

	return &Interface{
		Index:    ni.Index,
		Name:     ni.Name,
		MTU:      mtu,
		MAC:      append(net.HardwareAddr(nil), ni.HardwareAddr...),
		Role:     role,
		External: external,
	}, nil
}

// Master returns the single uplink interface.
func (r *Registry) Master() *Interface { return r.master }

// Slaves returns the downstream interfaces in configuration order.
func (r *Registry) Slaves() []*Interface { return r.slaves }

// ByIndex looks up any registered interface (master or slave) by kernel
// index. ok is false if idx matches no registered interface, which a
// caller must treat as spec.md §3 Invariant (b): never forward to an
// unregistered destination.
func (r *Registry) ByIndex(idx int) (ifc *Interface, ok bool) {
	ifc, ok = r.byIdx[idx]
	return ifc, ok
}

// GlobalAddr returns a global unicast IPv6 address configured on ifc, or
// the zero Addr if none is found. Used as the link-address fallback
// described in spec.md §4.4 and as the DNS-rewrite source address in
// spec.md §4.3.
func GlobalAddr(ifc *Interface) (netip.Addr, bool) {
	ni, err := net.InterfaceByIndex(ifc.Index)
	if err != nil {
		return netip.Addr{}, false
	}

	addrs, err := ni.Addrs()
	if err != nil {
		return netip.Addr{}, false
	}

	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}

		ip := ipn.IP
		if ip.To4() != nil || ip.IsLinkLocalUnicast() || ip.IsLoopback() {
			continue
		}

		addr, err := netutil.IPToAddrNoMapped(ip)
		if err != nil {
			continue
		}

		return addr, true
	}

	return netip.Addr{}, false
}

// GlobalAddrs enumerates up to max global unicast IPv6 addresses on ifc,
// used by server-mode RA synthesis (spec.md §4.3 step 3).
func GlobalAddrs(ifc *Interface, max int) (addrs []netip.Addr) {
	ni, err := net.InterfaceByIndex(ifc.Index)
	if err != nil {
		return nil
	}

	all, err := ni.Addrs()
	if err != nil {
		return nil
	}

	for _, a := range all {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}

		ip := ipn.IP
		if ip.To4() != nil || ip.IsLinkLocalUnicast() || ip.IsLoopback() || ip.IsMulticast() {
			continue
		}

		addr, err := netutil.IPToAddrNoMapped(ip)
		if err != nil {
			continue
		}

		addrs = append(addrs, addr)
		if len(addrs) >= max {
			break
		}
	}

	return addrs
}

// LinkLocalAddr returns ifc's link-local unicast address, used as the
// source address for bare RS/RA packets (spec.md §4.3).
func LinkLocalAddr(ifc *Interface) (netip.Addr, bool) {
	ni, err := net.InterfaceByIndex(ifc.Index)
	if err != nil {
		return netip.Addr{}, false
	}

	addrs, err := ni.Addrs()
	if err != nil {
		return netip.Addr{}, false
	}

	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}

		if ipn.IP.To4() != nil || !ipn.IP.IsLinkLocalUnicast() {
			continue
		}

		addr, err := netutil.IPToAddrNoMapped(ipn.IP)
		if err != nil {
			continue
		}

		return addr, true
	}

	return netip.Addr{}, false
}
