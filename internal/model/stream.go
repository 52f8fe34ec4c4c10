package model

import (
	"net/netip"
	"sync"
	"sync/atomic"
)

// Status is the per-stream status bitmask (spec.md §3).
type Status uint32

const (
	StatusFilled Status = 1 << iota
	StatusConfirmed
	StatusKernelized
	StatusNoKernelSupport
	StatusStrictSource
	StatusMediaHandover
	StatusRTP
	StatusRTCP
)

// Endpoint is a learned or advertised peer address. The zero value is the
// "unspecified" endpoint the pipeline's send step must reject, per spec.md
// §4.4 step 13, unless it is the trickle-ICE placeholder.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// IsZero reports whether the endpoint has no usable port, which the send
// step treats as not-ready (spec.md §4.4 step 13).
func (e Endpoint) IsZero() bool { return e.Port == 0 }

// TrickleICEPlaceholder is the sentinel endpoint meaning "not yet resolved
// but valid" (GLOSSARY). When it is the resolved destination, the
// pipeline's send step neither counts the packet as dropped nor sends it.
var TrickleICEPlaceholder = Endpoint{Port: 9}

// IsTrickleICE reports whether e is the trickle-ICE placeholder.
func (e Endpoint) IsTrickleICE() bool {
	return e == TrickleICEPlaceholder
}

// HandlerPair is the cached (decrypt, encrypt) handler-matrix resolution
// for a stream (spec.md §4.4 step 6, §9 "per-stream handler cache").
// The concrete handler type lives in package handler; PacketStream only
// needs to cache an opaque value and know whether it is populated.
type HandlerPair struct {
	Resolved bool
	Cell     any // handler.Cell value, kept as any to avoid an import cycle
}

// PayloadStats is the per-payload-type counter row (spec.md §4.4 step 5).
type PayloadStats struct {
	Packets atomic.Uint64
	Bytes   atomic.Uint64
}

// StatsTable is the per-stream per-payload-type stats table plus the
// stream-wide error counter for unknown payload types and dropped packets.
type StatsTable struct {
	mu   sync.Mutex
	rows map[uint8]*PayloadStats

	Errors  atomic.Uint64
	Packets atomic.Uint64
	Bytes   atomic.Uint64
}

// NewStatsTable constructs an empty stats table.
func NewStatsTable() *StatsTable {
	return &StatsTable{rows: make(map[uint8]*PayloadStats)}
}

// Row returns the stats row for pt, or nil if pt has never been registered
// (spec.md §4.4 step 5: "unknown PT -> increment error counters").
func (t *StatsTable) Row(pt uint8) *PayloadStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows[pt]
}

// RegisterPT declares a payload type as known, creating its stats row.
// Called by signaling, never by the datapath.
func (t *StatsTable) RegisterPT(pt uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[pt]; !ok {
		t.rows[pt] = &PayloadStats{}
	}
}

// KnownPTs returns the registered payload types in no particular order,
// used by the kernel offload controller to build the target's PT array
// (spec.md §4.6); kernel.PayloadTypesFor sorts them.
func (t *StatsTable) KnownPTs() []uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint8, 0, len(t.rows))
	for pt := range t.rows {
		out = append(out, pt)
	}
	return out
}

const loopRingSize = 8

// loopRing is the per-stream loop-detect ring of the last N packet prefixes
// (spec.md §4.4 step 3).
type loopRing struct {
	mu       sync.Mutex
	prefixes [loopRingSize][16]byte
	lens     [loopRingSize]int
	next     int
	dupCount int
}

// PacketStream is one direction of one media component (spec.md §3).
type PacketStream struct {
	Media *Media

	mu sync.RWMutex

	selectedFD *StreamFD

	knownPeer      Endpoint
	advertisedPeer Endpoint

	CryptoOut any // *crypto.Context, set by signaling

	rtpSink      *PacketStream
	rtcpSink     *PacketStream
	rtcpSibling  *PacketStream

	Stats *StatsTable

	inCtx  *SSRCContext
	outCtx *SSRCContext

	status atomic.Uint32

	InLock  sync.Mutex
	OutLock sync.Mutex

	handlerMu sync.Mutex
	handler   HandlerPair

	loop loopRing
}

// NewPacketStream constructs an empty, unfilled packet stream.
func NewPacketStream(media *Media) *PacketStream {
	return &PacketStream{
		Media: media,
		Stats: NewStatsTable(),
	}
}

func (ps *PacketStream) Status() Status { return Status(ps.status.Load()) }

func (ps *PacketStream) HasStatus(want Status) bool {
	return Status(ps.status.Load())&want == want
}

func (ps *PacketStream) SetStatus(s Status) {
	for {
		old := ps.status.Load()
		if ps.status.CompareAndSwap(old, old|uint32(s)) {
			return
		}
	}
}

func (ps *PacketStream) ClearStatus(s Status) {
	for {
		old := ps.status.Load()
		if ps.status.CompareAndSwap(old, old&^uint32(s)) {
			return
		}
	}
}

// SelectedFD returns the FD currently considered "ours" for egress.
func (ps *PacketStream) SelectedFD() *StreamFD {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.selectedFD
}

// SetSelectedFD installs the egress FD. Caller must hold OutLock (or be
// doing initial signaling setup under Call.Master W).
func (ps *PacketStream) SetSelectedFD(fd *StreamFD) {
	ps.mu.Lock()
	ps.selectedFD = fd
	ps.mu.Unlock()
	if fd != nil {
		fd.setStream(ps)
	}
}

func (ps *PacketStream) KnownPeer() Endpoint {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.knownPeer
}

// SetKnownPeer adopts a learned source address. Caller must hold InLock,
// or OutLock per the §4.7 nested-acquire rule when migrating an endpoint.
func (ps *PacketStream) SetKnownPeer(ep Endpoint) (changed bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	changed = ps.knownPeer != ep
	ps.knownPeer = ep
	return changed
}

func (ps *PacketStream) AdvertisedPeer() Endpoint {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.advertisedPeer
}

// SetAdvertisedPeer records what signaling advertised for this stream's
// egress. This sets StatusFilled, per spec.md §3/§4.7 ("Filled: signaling
// has populated a known remote endpoint for this stream").
func (ps *PacketStream) SetAdvertisedPeer(ep Endpoint) {
	ps.mu.Lock()
	ps.advertisedPeer = ep
	ps.mu.Unlock()
	ps.SetStatus(StatusFilled)
}

// RTPSink, RTCPSink, RTCPSibling and their setters model the paired-stream
// graph (spec.md §3, §9 "cyclic references"). The datapath only ever
// traverses downward (stream -> sink -> sink.SelectedFD); wiring the graph
// is signaling's job, done under Call.Master (W).
func (ps *PacketStream) RTPSink() *PacketStream {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.rtpSink
}

func (ps *PacketStream) SetRTPSink(sink *PacketStream) {
	ps.mu.Lock()
	ps.rtpSink = sink
	ps.mu.Unlock()
}

func (ps *PacketStream) RTCPSink() *PacketStream {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.rtcpSink
}

func (ps *PacketStream) SetRTCPSink(sink *PacketStream) {
	ps.mu.Lock()
	ps.rtcpSink = sink
	ps.mu.Unlock()
}

func (ps *PacketStream) RTCPSibling() *PacketStream {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.rtcpSibling
}

func (ps *PacketStream) SetRTCPSibling(sib *PacketStream) {
	ps.mu.Lock()
	ps.rtcpSibling = sib
	ps.mu.Unlock()
}

// InCtx and OutCtx are the ingress/egress SSRC contexts (spec.md §3).
func (ps *PacketStream) InCtx() *SSRCContext {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.inCtx
}

func (ps *PacketStream) SetInCtx(c *SSRCContext) {
	ps.mu.Lock()
	ps.inCtx = c
	ps.mu.Unlock()
}

func (ps *PacketStream) OutCtx() *SSRCContext {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.outCtx
}

func (ps *PacketStream) SetOutCtx(c *SSRCContext) {
	ps.mu.Lock()
	ps.outCtx = c
	ps.mu.Unlock()
}

// CachedHandler returns the cached handler-matrix resolution. Caller must
// hold InLock (spec.md §4.4 step 6, §9: "store/load is race-free [under
// in_lock] without atomics").
func (ps *PacketStream) CachedHandler() HandlerPair {
	ps.handlerMu.Lock()
	defer ps.handlerMu.Unlock()
	return ps.handler
}

// SetCachedHandler stores the resolved handler pair. Caller must hold InLock.
func (ps *PacketStream) SetCachedHandler(hp HandlerPair) {
	ps.handlerMu.Lock()
	ps.handler = hp
	ps.handlerMu.Unlock()
}

// ClearCachedHandler invalidates the cache. Called by stream-unconfirm,
// which must run under Call.Master (W) per spec.md §9.
func (ps *PacketStream) ClearCachedHandler() {
	ps.handlerMu.Lock()
	ps.handler = HandlerPair{}
	ps.handlerMu.Unlock()
}

// CheckLoop implements the ring-buffer loop detector of spec.md §4.4 step 3.
// It scans every recorded prefix in the ring (media_loop_detect in
// media_socket.c does the same, "for i in 0..RTP_LOOP_PACKETS"), not just
// the most recently written slot, so an alternating pattern that cycles
// through several distinct prefixes is still caught. It returns true once a
// match's running duplicate count has reached maxCount (the packet must be
// dropped); otherwise it records prefix (on no match) or bumps the count
// (on a match) and returns false.
func (ps *PacketStream) CheckLoop(prefix []byte, maxCount int) (drop bool) {
	ps.loop.mu.Lock()
	defer ps.loop.mu.Unlock()

	n := len(prefix)
	if n > 16 {
		n = 16
	}

	for i := 0; i < loopRingSize; i++ {
		if ps.loop.lens[i] != n {
			continue
		}
		if !bytesEqual(ps.loop.prefixes[i][:n], prefix[:n]) {
			continue
		}
		if ps.loop.dupCount >= maxCount {
			return true
		}
		ps.loop.dupCount++
		return false
	}

	ps.loop.dupCount = 0
	copy(ps.loop.prefixes[ps.loop.next][:], prefix[:n])
	ps.loop.lens[ps.loop.next] = n
	ps.loop.next = (ps.loop.next + 1) % loopRingSize
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
