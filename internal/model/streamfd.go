package model

import (
	"net"
	"sync"
	"sync/atomic"
)

// DTLSState is the opaque per-socket DTLS connection state. The handshake
// machine itself is an out-of-scope collaborator (spec.md §1); the core
// only needs somewhere to park its state across packets on one FD.
type DTLSState struct {
	mu        sync.Mutex
	connected bool
	peer      Endpoint
}

func (d *DTLSState) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *DTLSState) SetConnected(v bool) {
	d.mu.Lock()
	d.connected = v
	d.mu.Unlock()
}

var fdCounter atomic.Uint64

// StreamFD binds one UDP socket to one call/stream/local-interface triple
// (spec.md §3, §4.5).
type StreamFD struct {
	ID uint64

	Socket *net.UDPConn
	Call   *Call
	Local  any // *iface.LocalInterface, kept as any to avoid an import cycle

	CryptoIn any // *crypto.Context for ingress
	DTLS     DTLSState

	mu     sync.RWMutex
	stream *PacketStream

	closed atomic.Bool
}

// NewStreamFD wraps socket into a StreamFD, assigning a process-unique id
// (spec.md §4.5: "assigns a per-call unique id" — a process-wide counter
// is a strict superset of that guarantee and avoids a second lock).
func NewStreamFD(socket *net.UDPConn, call *Call, local any) *StreamFD {
	return &StreamFD{
		ID:     fdCounter.Add(1),
		Socket: socket,
		Call:   call,
		Local:  local,
	}
}

func (fd *StreamFD) Stream() *PacketStream {
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	return fd.stream
}

func (fd *StreamFD) setStream(s *PacketStream) {
	fd.mu.Lock()
	fd.stream = s
	fd.mu.Unlock()
}

// Closed reports whether Close has already run, so the read loop's
// closed-callback doesn't double-destroy the call (spec.md §4.5).
func (fd *StreamFD) Closed() bool { return fd.closed.Load() }

// Close tears the FD down: closes the FD's socket, releases the port via
// the caller-supplied release func (the port pool owns the bitmap), clears
// the stream back-reference, and marks the FD closed. Only the first call
// does anything.
func (fd *StreamFD) Close(release func()) error {
	if !fd.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := fd.Socket.Close()
	if release != nil {
		release()
	}
	fd.setStream(nil)
	return err
}
