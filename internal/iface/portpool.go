package iface

import (
	"errors"
	"fmt"
	"math/bits"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Tunables named in spec.md §6.
const (
	PortRandomMin = 1
	PortRandomMax = 100
)

// ErrPortExhausted is returned when a spec cannot satisfy a request
// (spec.md §8 boundary: "requesting n > free_count returns error and
// leaves used/free_count unchanged").
var ErrPortExhausted = errors.New("iface: port pool exhausted")

// SocketOpener opens one UDP listening socket. The production opener wraps
// net.ListenUDP; tests inject a fake to avoid binding real sockets.
type SocketOpener interface {
	Open(addr netip.Addr, port uint16) (*net.UDPConn, error)
}

type udpSocketOpener struct{}

func (udpSocketOpener) Open(addr netip.Addr, port uint16) (*net.UDPConn, error) {
	return net.ListenUDP("udp", &net.UDPAddr{IP: addr.AsSlice(), Port: int(port)})
}

// DefaultSocketOpener is the production SocketOpener.
var DefaultSocketOpener SocketOpener = udpSocketOpener{}

// Firewall backs the iptables_add_rule/iptables_del_rule contract of
// spec.md §6. See internal/firewall for the nftables-backed implementation;
// PortPool only depends on this interface to avoid an import cycle.
type Firewall interface {
	AddRule(label string, addr netip.Addr, port uint16) error
	DelRule(label string, addr netip.Addr, port uint16) error
}

type noopFirewall struct{}

func (noopFirewall) AddRule(string, netip.Addr, uint16) error { return nil }
func (noopFirewall) DelRule(string, netip.Addr, uint16) error { return nil }

// NoopFirewall is a Firewall that does nothing, used when no firewall
// integration is configured.
var NoopFirewall Firewall = noopFirewall{}

// Socket is one opened, pool-tracked UDP socket.
type Socket struct {
	Conn  *net.UDPConn
	Port  uint16
	pool  *PortPool
	label string

	released atomic.Bool
}

// Release closes the socket, removes its firewall rule and returns its
// port to the pool. Safe to call more than once.
func (s *Socket) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	err := s.Conn.Close()
	s.pool.firewall.DelRule(s.label, s.pool.localAddr, s.Port)
	s.pool.freePort(s.Port)
	return err
}

// PortPool is the "interface spec" of spec.md §3: a bind address plus the
// port pool { min, max, used-bitmap, free-count, last-used }.
type PortPool struct {
	localAddr netip.Addr
	min, max  uint16

	mu   sync.Mutex // serializes claim/open/rollback of one allocation attempt
	used []uint64   // bitmap indexed by (port - min)

	freeCount atomic.Int64
	lastUsed  atomic.Uint32

	opener   SocketOpener
	firewall Firewall
}

// NewPortPool constructs a pool covering [min, max] on localAddr.
func NewPortPool(localAddr netip.Addr, min, max uint16) *PortPool {
	n := int(max-min) + 1
	p := &PortPool{
		localAddr: localAddr,
		min:       min,
		max:       max,
		used:      make([]uint64, (n+63)/64),
		opener:    DefaultSocketOpener,
		firewall:  NoopFirewall,
	}
	p.freeCount.Store(int64(n))
	p.lastUsed.Store(uint32(min))
	return p
}

// SetSocketOpener overrides the socket opener (used by tests).
func (p *PortPool) SetSocketOpener(o SocketOpener) { p.opener = o }

// SetFirewall overrides the firewall integration.
func (p *PortPool) SetFirewall(f Firewall) { p.firewall = f }

// FreeCount returns the number of ports not currently claimed.
func (p *PortPool) FreeCount() int64 { return p.freeCount.Load() }

// LocalAddr returns the spec's bind address.
func (p *PortPool) LocalAddr() netip.Addr { return p.localAddr }

func (p *PortPool) idx(port uint16) int { return int(port - p.min) }

func (p *PortPool) testAndSetUsed(port uint16) (wasUsed bool) {
	i := p.idx(port)
	word, bit := i/64, uint(i%64)
	for {
		old := atomic.LoadUint64(&p.used[word])
		if old&(1<<bit) != 0 {
			return true
		}
		if atomic.CompareAndSwapUint64(&p.used[word], old, old|(1<<bit)) {
			return false
		}
	}
}

func (p *PortPool) clearUsed(port uint16) {
	i := p.idx(port)
	word, bit := i/64, uint(i%64)
	for {
		old := atomic.LoadUint64(&p.used[word])
		if atomic.CompareAndSwapUint64(&p.used[word], old, old&^(1<<bit)) {
			return
		}
	}
}

// IsUsed reports whether port is currently claimed. Used by invariant tests.
func (p *PortPool) IsUsed(port uint16) bool {
	if port < p.min || port > p.max {
		return false
	}
	i := p.idx(port)
	word, bit := i/64, uint(i%64)
	return atomic.LoadUint64(&p.used[word])&(1<<bit) != 0
}

// PopcountUsed returns the number of currently-set bits, for the
// free_count == (max-min+1) - popcount(used) invariant test (spec.md §8).
func (p *PortPool) PopcountUsed() int {
	n := 0
	for _, w := range p.used {
		n += bits.OnesCount64(w)
	}
	return n
}

func (p *PortPool) freePort(port uint16) {
	p.clearUsed(port)
	p.freeCount.Add(1)
}

// ExcludePort marks port used in this spec without opening a socket
// (spec.md §4.2 "interfaces_exclude_port", a one-shot startup operation).
func (p *PortPool) ExcludePort(port uint16) {
	if port < p.min || port > p.max {
		return
	}
	if !p.testAndSetUsed(port) {
		p.freeCount.Add(-1)
	}
}

// GetConsecutivePorts reserves n UDP ports on this spec, either starting at
// an explicit wantedStart or probing from last_used + R (spec.md §4.2).
// label tags the installed firewall rules. On any failure, every port
// claimed during the failed attempt is released and used/free_count are
// left exactly as they were beforehand.
func (p *PortPool) GetConsecutivePorts(n int, wantedStart uint16, label string) ([]*Socket, error) {
	if n <= 0 {
		return nil, fmt.Errorf("iface: n must be positive, got %d", n)
	}
	if int64(n) > p.freeCount.Load() {
		return nil, ErrPortExhausted
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	wrapped := 0
	var start uint16
	if wantedStart > 0 {
		start = wantedStart
	} else {
		r := uint16(PortRandomMin + rand.Intn(PortRandomMax-PortRandomMin))
		cand := p.lastUsed.Load() + uint32(r)
		if cand < uint32(p.min) {
			cand = uint32(p.min)
		}
		if cand%2 != 0 {
			cand++
		}
		start = uint16(cand)
	}

	for {
		sockets, err := p.tryClaim(start, n, label)
		if err == nil {
			last := start + uint16(n) - 1
			p.lastUsed.Store(uint32(last) + 1)
			return sockets, nil
		}
		if wantedStart > 0 || wrapped >= 2 {
			return nil, err
		}
		wrapped++
		start = p.min
		if start%2 != 0 {
			start++
		}
	}
}

// tryClaim attempts to claim exactly n sequential ports starting at start.
// On any per-port failure it releases everything claimed so far in this
// attempt and returns an error; used/free_count end up unchanged.
func (p *PortPool) tryClaim(start uint16, n int, label string) ([]*Socket, error) {
	claimed := make([]uint16, 0, n)
	sockets := make([]*Socket, 0, n)

	rollback := func() {
		for _, sock := range sockets {
			p.firewall.DelRule(label, p.localAddr, sock.Port)
			sock.Conn.Close()
			p.freeCount.Add(1)
		}
		for _, port := range claimed {
			p.clearUsed(port)
		}
	}

	for i := 0; i < n; i++ {
		port := start + uint16(i)
		if port < p.min || port > p.max || port > p.max-uint16(n-1-i) {
			rollback()
			return nil, fmt.Errorf("iface: window [%d,%d) exceeds spec range [%d,%d]", start, int(start)+n, p.min, p.max)
		}
		if p.testAndSetUsed(port) {
			rollback()
			return nil, fmt.Errorf("iface: port %d already in use", port)
		}
		claimed = append(claimed, port)

		conn, err := p.opener.Open(p.localAddr, port)
		if err != nil {
			p.clearUsed(port)
			claimed = claimed[:len(claimed)-1]
			rollback()
			return nil, fmt.Errorf("iface: open socket on port %d: %w", port, err)
		}

		if err := p.firewall.AddRule(label, p.localAddr, port); err != nil {
			conn.Close()
			p.clearUsed(port)
			claimed = claimed[:len(claimed)-1]
			rollback()
			return nil, fmt.Errorf("iface: firewall rule for port %d: %w", port, err)
		}

		enableTimestamping(conn)

		p.freeCount.Add(-1)
		sockets = append(sockets, &Socket{Conn: conn, Port: port, pool: p, label: label})
	}
	return sockets, nil
}

// enableTimestamping turns on SO_TIMESTAMP receive timestamping (spec.md
// §4.2). Best-effort: a platform or permission failure does not fail the
// allocation, matching the original's tolerance for unsupported sockopts.
func enableTimestamping(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMP, 1)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
}
