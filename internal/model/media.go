// Package model holds the call/media/stream data model described in the
// specification: the entities the datapath reads under the master lock and
// mutates under the documented sub-locks. None of this package understands
// signaling; it only stores what signaling has already decided.
package model

import "sync/atomic"

// Protocol identifies a negotiated RTP/RTCP profile.
type Protocol int

const (
	ProtoUnknown Protocol = iota
	ProtoAVP
	ProtoAVPF
	ProtoSAVP
	ProtoSAVPF
	ProtoUDPTLSSAVP
	ProtoUDPTLSSAVPF
	ProtoUDPTL
)

func (p Protocol) String() string {
	switch p {
	case ProtoAVP:
		return "RTP/AVP"
	case ProtoAVPF:
		return "RTP/AVPF"
	case ProtoSAVP:
		return "RTP/SAVP"
	case ProtoSAVPF:
		return "RTP/SAVPF"
	case ProtoUDPTLSSAVP:
		return "UDP/TLS/RTP/SAVP"
	case ProtoUDPTLSSAVPF:
		return "UDP/TLS/RTP/SAVPF"
	case ProtoUDPTL:
		return "udptl"
	default:
		return "unknown"
	}
}

// IsSecure reports whether the profile carries SRTP-encrypted media.
func (p Protocol) IsSecure() bool {
	switch p {
	case ProtoSAVP, ProtoSAVPF, ProtoUDPTLSSAVP, ProtoUDPTLSSAVPF:
		return true
	default:
		return false
	}
}

// IsFeedback reports whether the profile carries RTCP feedback (AVPF-family).
func (p Protocol) IsFeedback() bool {
	switch p {
	case ProtoAVPF, ProtoSAVPF, ProtoUDPTLSSAVPF:
		return true
	default:
		return false
	}
}

// IsDTLS reports whether the profile keys via DTLS-SRTP.
func (p Protocol) IsDTLS() bool {
	return p == ProtoUDPTLSSAVP || p == ProtoUDPTLSSAVPF
}

// IsRTP reports whether the profile is RTP-capable at all (as opposed to
// e.g. UDPTL fax relay, which the pipeline and matrix treat as pure noop).
func (p Protocol) IsRTP() bool {
	return p != ProtoUDPTL && p != ProtoUnknown
}

// MediaFlags is the feature-flag bitmask carried on a Media.
type MediaFlags uint32

const (
	FlagDTLS MediaFlags = 1 << iota
	FlagRTCPMux
	FlagICE
	FlagTranscode
	FlagPassthru
	FlagAsymmetric
	FlagUnidirectional
	FlagLoopCheck
)

// ICEAgent is the out-of-scope STUN/ICE collaborator contract (spec.md §6).
// The core only needs to know whether one is attached.
type ICEAgent interface {
	Foundation() string
}

// Media is one negotiated media component of a call: a protocol, its
// feature flags, and an optional ICE agent reference.
type Media struct {
	Protocol Protocol
	flags    atomic.Uint32
	ICE      ICEAgent
}

// NewMedia constructs a Media with the given protocol and initial flags.
func NewMedia(proto Protocol, flags MediaFlags) *Media {
	m := &Media{Protocol: proto}
	m.flags.Store(uint32(flags))
	return m
}

// Flags returns the current flag bitmask.
func (m *Media) Flags() MediaFlags { return MediaFlags(m.flags.Load()) }

// HasFlag reports whether every bit in want is set.
func (m *Media) HasFlag(want MediaFlags) bool {
	return MediaFlags(m.flags.Load())&want == want
}

// SetFlag atomically sets the given bits.
func (m *Media) SetFlag(f MediaFlags) {
	for {
		old := m.flags.Load()
		if m.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// ClearFlag atomically clears the given bits.
func (m *Media) ClearFlag(f MediaFlags) {
	for {
		old := m.flags.Load()
		if m.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}
