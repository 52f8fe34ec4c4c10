// Package iface implements the interface registry and port allocator of
// spec.md §4.1/§4.2: logical interfaces grouped by name and family, their
// local interfaces sharing port-pool specs by bind address, and the
// round-robin lookup contract signaling uses to pick one.
package iface

import (
	"net/netip"
	"sync"
)

// Family is an address family discriminator (IPv4/IPv6).
type Family int

const (
	FamilyUnspecified Family = iota
	FamilyIPv4
	FamilyIPv6
)

func familyOf(a netip.Addr) Family {
	if a.Is4() || a.Is4In6() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// Entry is one configured interface entry (spec.md §4.1): the startup
// input the registry is built from.
type Entry struct {
	Name         string
	NameBase     string
	Advertised   netip.Addr
	LocalAddress netip.Addr
	PortMin      uint16
	PortMax      uint16
}

// LocalInterface is one bind-address on a LogicalInterface (spec.md §3).
type LocalInterface struct {
	Pool          *PortPool
	Advertised    netip.Addr
	ICEFoundation string
	LIF           *LogicalInterface
}

// LogicalInterface is a named group of local interfaces sharing a
// preferred address family (spec.md §3).
type LogicalInterface struct {
	Name   string
	Family Family

	mu     sync.RWMutex
	Locals []*LocalInterface
}

func (l *LogicalInterface) addLocal(li *LocalInterface) {
	l.mu.Lock()
	l.Locals = append(l.Locals, li)
	l.mu.Unlock()
}

// HasFreePorts reports whether every local interface on this LIF has at
// least n free ports (spec.md §4.1 round-robin lookup step).
func (l *LogicalInterface) HasFreePorts(n int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, li := range l.Locals {
		if li.Pool.FreeCount() < int64(n) {
			return false
		}
	}
	return true
}

// rrGroup is a round-robin group keyed by (name-base, family): a FIFO of
// LIFs with a singular shortcut, and a dedicated lock serializing rotation
// (spec.md §3, §5: "never held across I/O").
type rrGroup struct {
	mu        sync.Mutex
	fifo      []*LogicalInterface
	singular  *LogicalInterface
}

func (g *rrGroup) add(lif *LogicalInterface) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.fifo {
		if existing == lif {
			return
		}
	}
	g.fifo = append(g.fifo, lif)
	if len(g.fifo) == 1 {
		g.singular = lif
	} else {
		g.singular = nil
	}
}

// rotate returns the next candidate from the FIFO and advances it, under
// the group's own lock, without holding it across any I/O (spec.md §5).
func (g *rrGroup) rotate() []*LogicalInterface {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.fifo) == 0 {
		return nil
	}
	order := make([]*LogicalInterface, len(g.fifo))
	copy(order, g.fifo)
	g.fifo = append(g.fifo[1:], g.fifo[0])
	return order
}

const legacyRRGroupName = "round-robin-calls"

type nameFamily struct {
	name   string
	family Family
}

// Registry is the single value constructed once at startup and handed to
// workers by shared reference (spec.md §9 "Global interface registry").
type Registry struct {
	mu sync.RWMutex

	lifs      map[nameFamily]*LogicalInterface
	preferred map[Family][]*LogicalInterface
	rrGroups  map[nameFamily]*rrGroup
	specs     map[netip.Addr]*PortPool
	byAddr    map[netip.Addr]*LocalInterface
}

// NewRegistry builds the registry from entries in a single-threaded startup
// pass (spec.md §4.1). It never returns an error: malformed entries are
// simply skipped, matching the original's "never throws" lookup contract
// extended to construction.
func NewRegistry(entries []Entry) *Registry {
	r := &Registry{
		lifs:      make(map[nameFamily]*LogicalInterface),
		preferred: make(map[Family][]*LogicalInterface),
		rrGroups:  make(map[nameFamily]*rrGroup),
		specs:     make(map[netip.Addr]*PortPool),
		byAddr:    make(map[netip.Addr]*LocalInterface),
	}
	for _, e := range entries {
		r.addEntry(e)
	}
	return r
}

func (r *Registry) addEntry(e Entry) {
	if !e.LocalAddress.IsValid() {
		return
	}
	family := familyOf(e.LocalAddress)
	key := nameFamily{e.Name, family}

	r.mu.Lock()
	lif, ok := r.lifs[key]
	if !ok {
		lif = &LogicalInterface{Name: e.Name, Family: family}
		r.lifs[key] = lif
		r.preferred[family] = append(r.preferred[family], lif)
		for f := FamilyIPv4; f <= FamilyIPv6; f++ {
			if f != family {
				r.preferred[f] = append(r.preferred[f], lif)
			}
		}
	}
	r.mu.Unlock()

	pool, ok := r.specs[e.LocalAddress]
	if !ok {
		pool = NewPortPool(e.LocalAddress, e.PortMin, e.PortMax)
		r.mu.Lock()
		r.specs[e.LocalAddress] = pool
		r.mu.Unlock()
	}

	advertised := e.Advertised
	if !advertised.IsValid() {
		advertised = e.LocalAddress
	}
	li := &LocalInterface{Pool: pool, Advertised: advertised, LIF: lif}
	lif.addLocal(li)

	r.mu.Lock()
	r.byAddr[e.LocalAddress] = li
	r.mu.Unlock()

	r.groupFor(nameFamily{e.NameBase, family}).add(lif)
	r.groupFor(nameFamily{legacyRRGroupName, family}).add(lif)
}

func (r *Registry) groupFor(key nameFamily) *rrGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.rrGroups[key]
	if !ok {
		g = &rrGroup{}
		r.rrGroups[key] = g
	}
	return g
}

// GetLogicalInterface implements the lookup contract of spec.md §4.1.
func (r *Registry) GetLogicalInterface(name string, family Family, numPorts int) *LogicalInterface {
	if name == "" {
		return r.headOfPreferred(family)
	}

	r.mu.RLock()
	g, ok := r.rrGroups[nameFamily{name, family}]
	r.mu.RUnlock()
	if ok {
		g.mu.Lock()
		singular := g.singular
		g.mu.Unlock()
		if singular != nil {
			return singular
		}
		for _, candidate := range g.rotate() {
			if candidate.HasFreePorts(numPorts) {
				return candidate
			}
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lifs[nameFamily{name, family}]
}

func (r *Registry) headOfPreferred(family Family) *LogicalInterface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if family != FamilyUnspecified {
		if list := r.preferred[family]; len(list) > 0 {
			return list[0]
		}
		return nil
	}
	for f := FamilyIPv4; f <= FamilyIPv6; f++ {
		if list := r.preferred[f]; len(list) > 0 {
			return list[0]
		}
	}
	return nil
}

// SetFirewall installs fw on every port pool's spec in the registry
// (spec.md §6, the iptables_add_rule/_del_rule integration point).
// Call once at startup before serving traffic.
func (r *Registry) SetFirewall(fw Firewall) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pool := range r.specs {
		pool.SetFirewall(fw)
	}
}

// ExcludePort marks port used across every spec in the registry
// (spec.md §4.2, one-shot startup operation).
func (r *Registry) ExcludePort(port uint16) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pool := range r.specs {
		pool.ExcludePort(port)
	}
}

// IsLocalEndpoint reports whether addr/port falls within a spec this
// registry owns (supplemented feature, SPEC_FULL §6, grounded on
// is_local_endpoint in media_socket.c).
func (r *Registry) IsLocalEndpoint(addr netip.Addr, port uint16) bool {
	r.mu.RLock()
	pool, ok := r.specs[addr]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return pool.IsUsed(port)
}

// AnyInterfaceAddress probes the requested family, then IPv4, then IPv6
// (supplemented feature, SPEC_FULL §6, grounded on
// get_any_interface_address in media_socket.c).
func (r *Registry) AnyInterfaceAddress(family Family) (netip.Addr, bool) {
	if lif := r.headOfPreferred(family); lif != nil {
		lif.mu.RLock()
		defer lif.mu.RUnlock()
		if len(lif.Locals) > 0 {
			return lif.Locals[0].Advertised, true
		}
	}
	for _, f := range []Family{FamilyIPv4, FamilyIPv6} {
		if f == family {
			continue
		}
		if lif := r.headOfPreferred(f); lif != nil {
			lif.mu.RLock()
			if len(lif.Locals) > 0 {
				addr := lif.Locals[0].Advertised
				lif.mu.RUnlock()
				return addr, true
			}
			lif.mu.RUnlock()
		}
	}
	return netip.Addr{}, false
}

// GetConsecutivePortsOnLIF allocates n ports on every local interface of
// lif, rolling back all earlier allocations if any later one fails
// (spec.md §4.2).
func GetConsecutivePortsOnLIF(lif *LogicalInterface, n int, label string) ([][]*Socket, error) {
	lif.mu.RLock()
	locals := make([]*LocalInterface, len(lif.Locals))
	copy(locals, lif.Locals)
	lif.mu.RUnlock()

	results := make([][]*Socket, 0, len(locals))
	for _, li := range locals {
		sockets, err := li.Pool.GetConsecutivePorts(n, 0, label)
		if err != nil {
			for _, prior := range results {
				for _, s := range prior {
					s.Release()
				}
			}
			return nil, err
		}
		results = append(results, sockets)
	}
	return results, nil
}
