package kernel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/dataandsignal/rtpengine/internal/crypto"
	"github.com/dataandsignal/rtpengine/internal/handler"
	"github.com/dataandsignal/rtpengine/internal/model"
)

// ErrNoKernelSupport is returned by Kernelize when offload was refused; the
// stream is still marked KERNELIZED|NO_KERNEL_SUPPORT so the slow path
// stops retrying until re-confirmation (spec.md §4.6).
var ErrNoKernelSupport = errors.New("kernel: offload not supported for this stream")

// Params carries what Kernelize needs beyond the stream itself: the
// resolved handler cell, crypto contexts for both directions, and the
// pieces of state the datapath already knows (spec.md §4.6).
type Params struct {
	Collaborator Collaborator
	Cell         handler.Cell
	InCrypto     *crypto.Context
	OutCrypto    *crypto.Context
	TOS          uint8
	Recorder     any
}

// localAddrPort extracts the bind address/port a StreamFD's socket is
// listening on, used to fill the target descriptor's local/source address
// fields (spec.md §4.6).
func localAddrPort(fd *model.StreamFD) (netip.AddrPort, bool) {
	if fd == nil || fd.Socket == nil {
		return netip.AddrPort{}, false
	}
	udpAddr, ok := fd.Socket.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	addr, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(udpAddr.Port)), true
}

// Kernelize is idempotent and must be called with stream.InLock held
// (spec.md §4.6). It refuses offload for any of the documented reasons and,
// on acceptance, installs one target_info via the Collaborator.
func Kernelize(stream *model.PacketStream, p Params) error {
	if stream.HasStatus(model.StatusKernelized) {
		return nil
	}

	reject := func() error {
		stream.SetStatus(model.StatusKernelized | model.StatusNoKernelSupport)
		return ErrNoKernelSupport
	}

	if rec, ok := p.Recorder.(model.Recorder); ok && rec != nil && !rec.KernelSupport() {
		return reject()
	}
	if stream.Media.HasFlag(model.FlagTranscode) {
		return reject()
	}
	if p.Collaborator == nil || !p.Collaborator.IsWanted() || !p.Collaborator.IsOpen() {
		return reject()
	}
	if !stream.Media.Protocol.IsRTP() {
		return reject()
	}
	selected := stream.SelectedFD()
	if selected == nil {
		return reject()
	}
	sink := stream.RTPSink()
	if sink == nil {
		return reject()
	}
	advertised := sink.AdvertisedPeer()
	if advertised.IsZero() && !advertised.IsTrickleICE() {
		return reject()
	}
	if p.Cell.In.KernelNull && p.Cell.Out.KernelNull && (stream.Media.Protocol.IsSecure() || sink.Media.Protocol.IsSecure()) {
		// secure on either side but the resolved cell never touches
		// crypto: the matrix had nothing to hand the kernel.
		return reject()
	}

	sinkFD := sink.SelectedFD()
	if sinkFD == nil {
		return reject()
	}

	var ingressSSRC uint32
	var lastIn, lastOut uint64
	if ctx := stream.InCtx(); ctx != nil {
		ingressSSRC = ctx.Entry.SSRC
		lastIn = ctx.LastIndex.Load()
	}
	if ctx := stream.OutCtx(); ctx != nil {
		lastOut = ctx.LastIndex.Load()
	}

	pts, truncated := PayloadTypesFor(stream.Stats.KnownPTs())
	_ = truncated // discarded: this package has no logger and Kernelize does not report the count

	localAddr, _ := localAddrPort(selected)
	destAddr := addrPortFromEndpoint(advertised)
	srcAddr, _ := localAddrPort(sinkFD)

	target := TargetInfo{
		LocalAddr:    localAddr,
		TOS:          p.TOS,
		RTCPMux:      stream.Media.HasFlag(model.FlagRTCPMux),
		DTLS:         stream.Media.HasFlag(model.FlagDTLS),
		STUN:         stream.Media.ICE != nil,
		DestAddr:     destAddr,
		SrcAddr:      srcAddr,
		IngressSSRC:  ingressSSRC,
		Decrypt:      p.Cell.In.KernelBlockFor(p.InCrypto, lastIn),
		Encrypt:      p.Cell.Out.KernelBlockFor(p.OutCrypto, lastOut),
		PayloadTypes: pts,
		RecorderExt:  p.Recorder,
	}

	if stream.HasStatus(model.StatusStrictSource) {
		target.SrcMismatch = SrcMismatchDrop
	} else if stream.HasStatus(model.StatusMediaHandover) {
		target.SrcMismatch = SrcMismatchPropagate
	}

	if err := p.Collaborator.AddStream(target); err != nil {
		return fmt.Errorf("kernel: add_stream: %w", err)
	}

	stream.SetStatus(model.StatusKernelized)
	stream.ClearStatus(model.StatusNoKernelSupport)
	return nil
}

// addrPortFromEndpoint converts a model.Endpoint into a netip.AddrPort.
func addrPortFromEndpoint(ep model.Endpoint) netip.AddrPort {
	return netip.AddrPortFrom(ep.Addr, ep.Port)
}

// Unkernelize removes the target from the kernel (if open) and clears
// KERNELIZED (spec.md §4.6 "__unkernelize"). Must run under stream.InLock.
func Unkernelize(stream *model.PacketStream, p Params) error {
	if !stream.HasStatus(model.StatusKernelized) {
		return nil
	}
	if p.Collaborator != nil && p.Collaborator.IsOpen() {
		if fd := stream.SelectedFD(); fd != nil {
			if local, ok := localAddrPort(fd); ok {
				_ = p.Collaborator.DelStream(local)
			}
		}
	}
	stream.ClearStatus(model.StatusKernelized)
	return nil
}

// StreamUnconfirm additionally clears CONFIRMED and the cached handler
// pair (spec.md §4.6 "__stream_unconfirm"). Per spec.md §9, re-signaling
// must invoke this under Call.Master (W).
func StreamUnconfirm(stream *model.PacketStream, p Params) error {
	err := Unkernelize(stream, p)
	stream.ClearStatus(model.StatusConfirmed)
	stream.ClearCachedHandler()
	return err
}
