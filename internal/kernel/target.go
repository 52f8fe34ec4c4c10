// Package kernel implements the kernel-offload lifecycle of spec.md §4.6:
// building the kernel target descriptor for a stream and installing or
// removing it, tracking the KERNELIZED bit. The kernel module itself is an
// out-of-scope collaborator (spec.md §1); this package only knows its
// contract (Collaborator).
package kernel

import (
	"net/netip"

	"github.com/dataandsignal/rtpengine/internal/crypto"
)

// SrcMismatch names what the kernel should do when a packet arrives from
// an unexpected source on a STRICT_SOURCE/MEDIA_HANDOVER stream
// (spec.md §4.6).
type SrcMismatch int

const (
	SrcMismatchNone SrcMismatch = iota
	SrcMismatchDrop
	SrcMismatchPropagate
)

// TargetInfo is the kernel target descriptor of spec.md §4.6.
type TargetInfo struct {
	LocalAddr netip.AddrPort

	TOS        uint8
	RTCPMux    bool
	DTLS       bool
	STUN       bool

	DestAddr netip.AddrPort
	SrcAddr  netip.AddrPort

	IngressSSRC uint32 // network byte order at the wire boundary

	Decrypt crypto.KernelBlock
	Encrypt crypto.KernelBlock

	ExpectedSource netip.AddrPort
	SrcMismatch    SrcMismatch

	PayloadTypes []uint8 // sorted, capped to MaxPayloadTypes

	RecorderExt any // recorder extension fields, opaque to this package
}

// MaxPayloadTypes is the kernel's fixed capacity for the recognized PT
// array (spec.md §4.6). Kernelize keeps the lowest MaxPayloadTypes entries
// and drops the rest without logging them.
const MaxPayloadTypes = 16

// Collaborator is the out-of-scope kernel module contract (spec.md §6):
// is_wanted, is_open, add_stream, del_stream.
type Collaborator interface {
	IsWanted() bool
	IsOpen() bool
	AddStream(TargetInfo) error
	DelStream(localAddr netip.AddrPort) error
}

// NoopCollaborator is the default Collaborator used when no kernel module
// is present: IsWanted always false, so Kernelize always takes the
// NO_KERNEL_SUPPORT branch and returns ErrNoKernelSupport, which the
// pipeline treats as an ordinary outcome rather than a failure (DESIGN.md
// open-question decision).
type NoopCollaborator struct{}

func (NoopCollaborator) IsWanted() bool                    { return false }
func (NoopCollaborator) IsOpen() bool                      { return false }
func (NoopCollaborator) AddStream(TargetInfo) error         { return nil }
func (NoopCollaborator) DelStream(netip.AddrPort) error     { return nil }

var _ Collaborator = NoopCollaborator{}

// PayloadTypesFor sorts and caps a stream's known payload types for the
// target descriptor, logging via the returned truncated count when the
// kernel's fixed capacity is exceeded.
func PayloadTypesFor(pts []uint8) (kept []uint8, truncated int) {
	sorted := make([]uint8, len(pts))
	copy(sorted, pts)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	if len(sorted) <= MaxPayloadTypes {
		return sorted, 0
	}
	return sorted[:MaxPayloadTypes], len(sorted) - MaxPayloadTypes
}
