package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dataandsignal/rtpengine/internal/model"
)

// matrix[in][out] under PASSTHRU = noop/noop regardless of in/out (spec.md §8).
func TestPassthruAlwaysNoop(t *testing.T) {
	protos := []model.Protocol{model.ProtoAVP, model.ProtoSAVPF, model.ProtoUDPTLSSAVP, model.ProtoUDPTL}
	for _, in := range protos {
		for _, out := range protos {
			cell := Resolve(ResolveParams{InProto: in, OutProto: out, Passthru: true})
			assert.Equal(t, NullCell, cell)
		}
	}
}

func TestUDPTLResolvesToNoop(t *testing.T) {
	cell := Resolve(ResolveParams{InProto: model.ProtoUDPTL, OutProto: model.ProtoAVP})
	assert.Equal(t, NullCell, cell)
}

// Matrix invariant (spec.md §8): for any (in,out) with both secure profiles,
// the recrypt matrix (forced here via Recording) has non-null RTP and RTCP
// transforms on both sides.
func TestRecryptMatrixNonNullForSecurePairs(t *testing.T) {
	secureProtocols := []model.Protocol{
		model.ProtoSAVP, model.ProtoSAVPF, model.ProtoUDPTLSSAVP, model.ProtoUDPTLSSAVPF,
	}
	for _, in := range secureProtocols {
		for _, out := range secureProtocols {
			cell := Resolve(ResolveParams{InProto: in, OutProto: out, Recording: true})
			assert.NotEqual(t, RTPNoop, cell.In.RTP, "in=%v out=%v", in, out)
			assert.NotEqual(t, RTCPNoop, cell.In.RTCP, "in=%v out=%v", in, out)
			assert.NotEqual(t, RTPNoop, cell.Out.RTP, "in=%v out=%v", in, out)
			assert.NotEqual(t, RTCPNoop, cell.Out.RTCP, "in=%v out=%v", in, out)
		}
	}
}

// DTLS profiles always force re-crypt even without explicit Recording.
func TestDTLSForcesRecrypt(t *testing.T) {
	cell := Resolve(ResolveParams{InProto: model.ProtoUDPTLSSAVPF, OutProto: model.ProtoSAVPF})
	assert.Equal(t, RTPDecrypt, cell.In.RTP)
	assert.Equal(t, RTPEncrypt, cell.Out.RTP)
}

// Scenario 4 (spec.md §8): SAVPF -> AVP picks decrypt+avpf-strip in, noop out.
func TestSAVPFToAVPPicksDecryptAVPFStrip(t *testing.T) {
	cell := Resolve(ResolveParams{InProto: model.ProtoSAVPF, OutProto: model.ProtoAVP})
	assert.Equal(t, LabelDecryptAVPFStrip, cell.In.Label)
	assert.Equal(t, LabelNoop, cell.Out.Label)
	assert.Equal(t, RTPDecrypt, cell.In.RTP)
	assert.Equal(t, RTCPDecryptStrip, cell.In.RTCP)
}

func TestSAVPToSAVPSamePassesRTPThrough(t *testing.T) {
	cell := Resolve(ResolveParams{InProto: model.ProtoSAVP, OutProto: model.ProtoSAVP})
	assert.Equal(t, RTPNoop, cell.In.RTP)
	assert.Equal(t, RTPNoop, cell.Out.RTP)
	// RTCP is still decrypt/encrypt even on a passthrough RTP pair.
	assert.Equal(t, RTCPDecrypt, cell.In.RTCP)
	assert.Equal(t, RTCPEncrypt, cell.Out.RTCP)
}

func TestKeyMismatchForcesRecryptOnSecurePair(t *testing.T) {
	cell := Resolve(ResolveParams{InProto: model.ProtoSAVP, OutProto: model.ProtoSAVP, KeyMismatch: true})
	assert.Equal(t, RTPDecrypt, cell.In.RTP)
	assert.Equal(t, RTPEncrypt, cell.Out.RTP)
}

// SAVPF -> SAVP with no DTLS/recording/key-mismatch still must fully
// decrypt+re-encrypt RTP, not just RTCP: the RTCP side always strips AVPF
// down to AVP (forcing a full decrypt), and media_socket.c's
// __sh_matrix_in_rtp_savpf carries the same __shio_encrypt cell on egress
// whether or not the recrypt table was selected (spec.md §8).
func TestSAVPFToSAVPForcesFullRecryptWithoutExplicitTrigger(t *testing.T) {
	cell := Resolve(ResolveParams{InProto: model.ProtoSAVPF, OutProto: model.ProtoSAVP})
	assert.Equal(t, RTPDecrypt, cell.In.RTP)
	assert.Equal(t, RTCPDecryptStrip, cell.In.RTCP)
	assert.Equal(t, RTPEncrypt, cell.Out.RTP)
	assert.Equal(t, RTCPEncrypt, cell.Out.RTCP)
}
