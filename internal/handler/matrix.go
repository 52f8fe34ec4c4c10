// Package handler implements the table-driven handler matrix of spec.md
// §4.3: given the ingress and egress media profile, it selects the
// (decrypt_rtp, decrypt_rtcp, encrypt_rtp, encrypt_rtcp, kernel_decrypt,
// kernel_encrypt) handler pair the packet pipeline will run. Selection is
// plain Go logic over a small enum space rather than a literal 2-D table
// of function pointers (spec.md §9: "avoid dynamic polymorphism"), but the
// result is the same tagged-struct Cell either way.
package handler

import (
	"github.com/dataandsignal/rtpengine/internal/crypto"
	"github.com/dataandsignal/rtpengine/internal/model"
)

// RTPOp is one of the RTP-side transform primitives of spec.md §4.3.
type RTPOp int

const (
	RTPNoop RTPOp = iota
	RTPDecrypt
	RTPEncrypt
)

// RTCPOp is one of the RTCP-side transform primitives. RTCP is always at
// least parsed (spec.md §4.4 step 5); these further describe the
// crypto/rewrite work steps 7 and 10 perform.
type RTCPOp int

const (
	RTCPNoop RTCPOp = iota
	RTCPDecrypt
	RTCPEncrypt
	RTCPStrip        // AVPF->AVP, no crypto change
	RTCPDecryptStrip // decrypt then AVPF->AVP
)

// Label names a transform primitive the way spec.md §4.3's table does; it
// is carried on each resolved Ops so callers and tests can tell which
// primitive was picked.
type Label string

const (
	LabelNoop              Label = "noop"
	LabelNoopRTP           Label = "noop-rtp"
	LabelDecrypt           Label = "decrypt"
	LabelEncrypt           Label = "encrypt"
	LabelAVPFStrip         Label = "avpf-strip"
	LabelDecryptAVPFStrip  Label = "decrypt+avpf-strip"
)

// Ops is one side (ingress or egress) of a resolved handler-matrix cell.
type Ops struct {
	RTP          RTPOp
	RTCP         RTCPOp
	Label        Label
	KernelNull   bool // true when this side's kernel descriptor must be the null block
}

// Cell is the full resolution for one (in_proto, out_proto) pair
// (spec.md §4.3).
type Cell struct {
	In  Ops
	Out Ops
}

// NullCell is the PASSTHRU / UDPTL / unknown-combination result: noop in
// both directions (spec.md §4.3).
var NullCell = Cell{In: Ops{Label: LabelNoop}, Out: Ops{Label: LabelNoop}}

// RecryptReason records why the re-crypt matrix was selected, for logging.
type RecryptReason int

const (
	RecryptNone RecryptReason = iota
	RecryptDTLS
	RecryptRecording
	RecryptKeyMismatch
)

// ResolveParams carries exactly what Resolve needs to know from the media
// and stream state, so this package stays free of a model/pipeline import
// cycle beyond the plain data types in model.
type ResolveParams struct {
	InProto  model.Protocol
	OutProto model.Protocol

	// Recording is true when the call has an active recorder (forces
	// re-crypt so the relay sees plaintext, spec.md §4.3, §9 open question).
	Recording bool

	// KeyMismatch is true when ingress and egress crypto parameters differ.
	KeyMismatch bool

	// Passthru is the PASSTHRU media flag, which short-circuits to noop
	// regardless of protocol (spec.md §4.3).
	Passthru bool
}

// Resolve implements the handler-matrix lookup of spec.md §4.3.
func Resolve(p ResolveParams) Cell {
	if p.Passthru {
		return NullCell
	}
	if !p.InProto.IsRTP() || !p.OutProto.IsRTP() {
		// UDPTL and any unrecognized combination resolve to pure noop.
		return NullCell
	}

	secureIn := p.InProto.IsSecure()
	secureOut := p.OutProto.IsSecure()
	fbIn := p.InProto.IsFeedback()
	fbOut := p.OutProto.IsFeedback()
	needsStrip := fbIn && !fbOut

	recrypt := p.InProto.IsDTLS() || p.OutProto.IsDTLS() || p.Recording || p.KeyMismatch

	// An AVPF->AVP (or SAVPF->SAVP, etc.) strip always needs the RTP body
	// decrypted on ingress and re-encrypted on egress to match the RTCP
	// side's mandatory decrypt+strip, independent of whether the
	// base or recrypt table would otherwise apply (media_socket.c's
	// __sh_matrix_in_rtp_savpf and its _recrypt twin carry the identical
	// __shio_encrypt/__shio_decrypt cell either way).
	forceCrypt := needsStrip || (recrypt && secureIn && secureOut)

	in := resolveIngress(secureIn, needsStrip, forceCrypt)
	out := resolveEgress(secureOut, forceCrypt)

	return Cell{In: in, Out: out}
}

func resolveIngress(secure, needsStrip, forceDecrypt bool) Ops {
	switch {
	case secure && needsStrip:
		return Ops{RTP: rtpOp(secure || forceDecrypt), RTCP: RTCPDecryptStrip, Label: LabelDecryptAVPFStrip}
	case !secure && needsStrip:
		return Ops{RTP: RTPNoop, RTCP: RTCPStrip, Label: LabelAVPFStrip}
	case secure && forceDecrypt:
		return Ops{RTP: RTPDecrypt, RTCP: RTCPDecrypt, Label: LabelDecrypt}
	case secure && !forceDecrypt:
		// base matrix: SRTP<->SRTP passes RTP through unchanged, but RTCP
		// is still decrypt (then re-encrypt on egress) since rewriting may
		// be required (spec.md §4.3).
		return Ops{RTP: RTPNoop, RTCP: RTCPDecrypt, Label: LabelNoopRTP}
	default:
		return Ops{RTP: RTPNoop, RTCP: RTCPNoop, Label: LabelNoop, KernelNull: true}
	}
}

func resolveEgress(secure, forceEncrypt bool) Ops {
	switch {
	case secure && forceEncrypt:
		return Ops{RTP: RTPEncrypt, RTCP: RTCPEncrypt, Label: LabelEncrypt}
	case secure && !forceEncrypt:
		return Ops{RTP: RTPNoop, RTCP: RTCPEncrypt, Label: LabelNoopRTP}
	case !secure:
		return Ops{RTP: RTPNoop, RTCP: RTCPNoop, Label: LabelNoop, KernelNull: true}
	default:
		return Ops{RTP: RTPNoop, RTCP: RTCPNoop, Label: LabelNoop, KernelNull: true}
	}
}

func rtpOp(secure bool) RTPOp {
	if secure {
		return RTPDecrypt
	}
	return RTPNoop
}

// KernelBlockFor builds the kernel descriptor for one side of a resolved
// cell, honoring the null builder when the side has no crypto at all
// (spec.md §4.3 "the null builder emits an all-null block").
func (o Ops) KernelBlockFor(ctx *crypto.Context, lastIndex uint64) crypto.KernelBlock {
	if o.KernelNull || ctx == nil {
		return crypto.NullKernelBlock()
	}
	return ctx.KernelBlockFor(lastIndex)
}
