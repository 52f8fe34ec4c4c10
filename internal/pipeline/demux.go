package pipeline

import (
	"github.com/pion/dtls/v3/pkg/protocol"
	"github.com/pion/stun/v3"

	"github.com/dataandsignal/rtpengine/internal/model"
)

// LooksLikeDTLS reports whether raw's first byte falls in the DTLS content
// type range (spec.md §6: "DTLS (first byte 20-63)"). The lower bound is
// DTLS's own lowest content type (change-cipher-spec); the upper bound, 63,
// is RFC 7983's reserved ceiling for the UDP demultiplexing scheme and has
// no dedicated constant in pion/dtls.
func LooksLikeDTLS(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	return raw[0] >= byte(protocol.ContentTypeChangeCipherSpec) && raw[0] <= 63
}

// LooksLikeSTUN reports whether raw carries the STUN magic cookie
// (spec.md §6: "STUN (magic cookie)").
func LooksLikeSTUN(raw []byte) bool {
	return stun.IsMessage(raw)
}

// IsRTCPShaped reports whether raw's second byte (the RTP/RTCP packet
// type) falls in the RTCP-mux range (spec.md §6: "PT in 64-95 or 200-223
// range per muxing rules").
func IsRTCPShaped(raw []byte) bool {
	if len(raw) < 2 {
		return false
	}
	pt := raw[1] &^ 0x80 // high bit is the RTP marker bit in an RTP header
	return (raw[1] >= 64 && raw[1] <= 95) || (raw[1] >= 200 && raw[1] <= 223) || (pt >= 200 && pt <= 223)
}

// DTLSHandler is the out-of-scope DTLS handshake collaborator contract
// (spec.md §6: "dtls(stream, bytes, src) -> handled?"). The handshake
// machine itself is external; PassthroughDTLSHandler never claims a packet.
type DTLSHandler interface {
	Handle(stream *model.PacketStream, raw []byte, src model.Endpoint) (handled bool, err error)
}

type passthroughDTLSHandler struct{}

func (passthroughDTLSHandler) Handle(*model.PacketStream, []byte, model.Endpoint) (bool, error) {
	return false, nil
}

// PassthroughDTLSHandler is the default DTLSHandler when no real handshake
// machine is wired in.
var PassthroughDTLSHandler DTLSHandler = passthroughDTLSHandler{}

// STUNResult is the three-valued outcome of the STUN collaborator
// (spec.md §6, §9: "STUN return codes overload kernel-check and drop").
type STUNResult int

const (
	STUNNotSTUN STUNResult = iota
	STUNHandledDrop
	STUNHandledNeedsKernelCheck
)

// STUNHandler is the out-of-scope ICE agent contract (spec.md §6:
// "stun(bytes, sfd, src) -> {handled, handled-needs-kernel-check, not-stun}").
type STUNHandler interface {
	Handle(raw []byte, sfd *model.StreamFD, src model.Endpoint) STUNResult
}

type sniffOnlySTUNHandler struct{}

// Handle classifies the packet via LooksLikeSTUN and runs no ICE state
// machine, since the real ICE agent is external: every STUN packet is
// reported as handled-needs-kernel-check, so the pipeline consumes it
// without forwarding, and anything else is reported as not-STUN. A
// different STUNHandler can replace this default.
func (sniffOnlySTUNHandler) Handle(raw []byte, _ *model.StreamFD, _ model.Endpoint) STUNResult {
	if LooksLikeSTUN(raw) {
		return STUNHandledNeedsKernelCheck
	}
	return STUNNotSTUN
}

// SniffOnlySTUNHandler is the default STUNHandler: it recognizes STUN
// traffic but defers disposition to the kernel-check step rather than
// running an ICE state machine.
var SniffOnlySTUNHandler STUNHandler = sniffOnlySTUNHandler{}

// rtcpMuxRoute is the result of the RTCP-mux demux step (spec.md §4.4
// step 4).
type rtcpMuxRoute struct {
	inSRTP  *model.PacketStream
	sink    *model.PacketStream
	outSRTP *model.PacketStream
	isRTCP  bool
}

// demuxRTCPMux implements spec.md §4.4 step 4.
func demuxRTCPMux(stream *model.PacketStream, raw []byte) (rtcpMuxRoute, bool) {
	route := rtcpMuxRoute{inSRTP: stream, sink: stream.RTPSink(), isRTCP: false}

	if route.sink == nil && stream.HasStatus(model.StatusRTCP) {
		route.sink = stream.RTCPSink()
		route.isRTCP = true
	} else if rtcpSink := stream.RTCPSink(); rtcpSink != nil &&
		stream.Media.HasFlag(model.FlagRTCPMux) && IsRTCPShaped(raw) {
		route.sink = rtcpSink
		route.isRTCP = true
		route.inSRTP = stream.RTCPSibling()
	}

	if route.sink == nil {
		return route, false
	}
	if route.isRTCP {
		route.outSRTP = route.sink.RTCPSibling()
		if route.outSRTP == nil {
			route.outSRTP = route.sink
		}
	} else {
		route.outSRTP = route.sink
	}
	return route, true
}
