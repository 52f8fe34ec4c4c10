package model

import (
	"sync"
	"sync/atomic"

	"github.com/dataandsignal/rtpengine/internal/crypto"
)

// SSRCContext is the per-direction state for a 32-bit SSRC (spec.md §3).
type SSRCContext struct {
	Entry *SSRCEntry

	payloadType atomic.Uint32 // stores (uint8 + 1); 0 means "unset"

	// SRTP rollover / last_index (GLOSSARY): the packet index whose low 16
	// bits are the sequence number, surviving kernel/userspace handoff.
	RolloverCounter atomic.Uint32
	LastIndex       atomic.Uint64

	// TranslatedSSRC is the outgoing SSRC substituted for Entry.SSRC when
	// FlagTranscode is set (spec.md §4.4 step 5).
	translatedSSRC atomic.Uint32
	hasTranslated  atomic.Bool

	replayOnce sync.Once
	replay     *crypto.ReplayGuard
}

// NewSSRCContext constructs a context for the given shared entry.
func NewSSRCContext(entry *SSRCEntry) *SSRCContext {
	return &SSRCContext{Entry: entry}
}

// ReplayGuard lazily constructs (once) the SRTP replay detector for this
// context, seeded at the last_index carried over so far (spec.md §3).
func (c *SSRCContext) ReplayGuard() *crypto.ReplayGuard {
	c.replayOnce.Do(func() {
		c.replay = crypto.NewReplayGuard(c.LastIndex.Load())
	})
	return c.replay
}

func (c *SSRCContext) PayloadType() (pt uint8, ok bool) {
	v := c.payloadType.Load()
	if v == 0 {
		return 0, false
	}
	return uint8(v - 1), true
}

func (c *SSRCContext) SetPayloadType(pt uint8) {
	c.payloadType.Store(uint32(pt) + 1)
}

func (c *SSRCContext) TranslatedSSRC() (ssrc uint32, ok bool) {
	if !c.hasTranslated.Load() {
		return 0, false
	}
	return c.translatedSSRC.Load(), true
}

func (c *SSRCContext) SetTranslatedSSRC(ssrc uint32) {
	c.translatedSSRC.Store(ssrc)
	c.hasTranslated.Store(true)
}
