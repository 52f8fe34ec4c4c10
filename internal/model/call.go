package model

import (
	"sync"
	"time"
)

// Recorder is the out-of-scope recorder collaborator (spec.md §6):
// dump_packet plus a kernel_support flag on the recording method.
type Recorder interface {
	DumpPacket(stream *PacketStream, payload []byte) error
	KernelSupport() bool
}

// Call is the external entity the datapath never constructs, only reads
// and mutates under the documented locks. It owns the master R/W lock:
// held R while a packet flows through the pipeline, W during signaling
// and teardown.
type Call struct {
	Master sync.RWMutex

	id string

	mu         sync.Mutex
	recording  Recorder
	lastSignal time.Time

	ssrcMu   sync.Mutex
	ssrcHash map[uint32]*SSRCEntry

	destroyed bool
}

// NewCall constructs an empty call keyed by its external call-id.
func NewCall(id string) *Call {
	return &Call{
		id:       id,
		ssrcHash: make(map[uint32]*SSRCEntry),
	}
}

// ID returns the external call identifier.
func (c *Call) ID() string { return c.id }

// Recording returns the attached recorder, or nil.
func (c *Call) Recording() Recorder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// SetRecording attaches or clears the recorder. Signaling calls this under
// Master.Lock (W).
func (c *Call) SetRecording(r Recorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording = r
}

// LastSignal returns the timestamp of the most recent signaling event.
func (c *Call) LastSignal() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSignal
}

// TouchSignal records that signaling just touched this call, used by the
// address-learning "more than 3 seconds since last signal" rule (§4.7).
func (c *Call) TouchSignal(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSignal = now
}

// Destroyed reports whether the call has been torn down. The pipeline
// checks this after acquiring Master (R) and unwinds cleanly if set.
func (c *Call) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Destroy marks the call torn down. Callers must hold Master (W).
func (c *Call) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
}

// SSRCEntry is the per-SSRC entry shared by a stream's ingress and egress
// SSRCContext (spec.md §3: "parent SSRC entry (shared by in/out)").
type SSRCEntry struct {
	SSRC uint32
}

// SSRCEntryFor returns the call's shared SSRC entry for ssrc, allocating one
// if this is the first time it's been seen. Synchronized by the call's own
// internal lock (spec.md §5: "SSRC hash uses its own internal synchronization").
func (c *Call) SSRCEntryFor(ssrc uint32) *SSRCEntry {
	c.ssrcMu.Lock()
	defer c.ssrcMu.Unlock()
	e, ok := c.ssrcHash[ssrc]
	if !ok {
		e = &SSRCEntry{SSRC: ssrc}
		c.ssrcHash[ssrc] = e
	}
	return e
}
