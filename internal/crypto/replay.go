package crypto

import (
	"sync"

	"github.com/pion/transport/v3/replaydetector"
)

// ReplayWindow is the SRTP rollover/replay window size (GLOSSARY: "SRTP
// rollover / last_index"); 64 packets of slack covers ordinary reordering
// without masking a real replay attack.
const ReplayWindow = 64

// ReplayGuard wraps pion's replay detector with the locking the handler
// matrix's decrypt path needs: it is consulted under stream.InLock
// (spec.md §5), but the detector itself is not goroutine-safe across
// direct reuse from other callers.
type ReplayGuard struct {
	mu       sync.Mutex
	detector replaydetector.ReplayDetector
}

// NewReplayGuard constructs a guard seeded at the given starting index,
// the carried-over last_index from a prior SSRCContext (spec.md §3).
func NewReplayGuard(startIndex uint64) *ReplayGuard {
	return &ReplayGuard{
		detector: replaydetector.New(ReplayWindow, startIndex),
	}
}

// Check reports whether seq is an acceptable (non-replayed) SRTP index. If
// accepted, the caller must invoke the returned accept func once the
// packet has been fully processed, per replaydetector's two-phase protocol.
func (g *ReplayGuard) Check(seq uint64) (accept func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn, ok := g.detector.Check(seq)
	return fn, ok
}
