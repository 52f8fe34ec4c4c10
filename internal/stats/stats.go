// Package stats holds the process-wide packet counters spec.md §6 carries
// over from rtpe_statsps, supplementing the per-stream counters already on
// model.PacketStream.Stats. The pipeline and the NG command handlers only
// add to these totals; nothing in this module reads them back (the NG
// query command reports the per-stream counters instead). spec.md §7
// explicitly excludes a metrics exporter, so nothing here talks to
// Prometheus or any other backend.
package stats

import "sync/atomic"

// Totals is the process-wide counter set, safe for concurrent use from
// every pipeline worker.
type Totals struct {
	RTPPackets  atomic.Uint64
	RTPBytes    atomic.Uint64
	RTCPPackets atomic.Uint64
	RTCPBytes   atomic.Uint64
	Errors      atomic.Uint64

	Offers  atomic.Uint64
	Answers atomic.Uint64
	Deletes atomic.Uint64
}

// Global is the single process-wide instance, handed to every worker and
// the NG command handlers by shared reference.
var Global Totals

// Snapshot is a point-in-time copy of Totals suitable for serialization
// (the NG "list"/"query" response totals, or a log line).
type Snapshot struct {
	RTPPackets  uint64
	RTPBytes    uint64
	RTCPPackets uint64
	RTCPBytes   uint64
	Errors      uint64
	Offers      uint64
	Answers     uint64
	Deletes     uint64
}

// Snapshot reads every counter in t without synchronizing across fields
// (spec.md has no atomicity requirement across distinct counters, only
// correctness per counter).
func (t *Totals) Snapshot() Snapshot {
	return Snapshot{
		RTPPackets:  t.RTPPackets.Load(),
		RTPBytes:    t.RTPBytes.Load(),
		RTCPPackets: t.RTCPPackets.Load(),
		RTCPBytes:   t.RTCPBytes.Load(),
		Errors:      t.Errors.Load(),
		Offers:      t.Offers.Load(),
		Answers:     t.Answers.Load(),
		Deletes:     t.Deletes.Load(),
	}
}

// RecordRTP adds one RTP packet of n bytes to the totals.
func (t *Totals) RecordRTP(n int) {
	t.RTPPackets.Add(1)
	t.RTPBytes.Add(uint64(n))
}

// RecordRTCP adds one RTCP packet of n bytes to the totals.
func (t *Totals) RecordRTCP(n int) {
	t.RTCPPackets.Add(1)
	t.RTCPBytes.Add(uint64(n))
}

// RecordError increments the process-wide error counter.
func (t *Totals) RecordError() {
	t.Errors.Add(1)
}
