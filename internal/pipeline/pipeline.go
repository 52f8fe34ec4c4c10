package pipeline

import (
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/dataandsignal/rtpengine/internal/crypto"
	"github.com/dataandsignal/rtpengine/internal/handler"
	"github.com/dataandsignal/rtpengine/internal/kernel"
	"github.com/dataandsignal/rtpengine/internal/model"
	"github.com/dataandsignal/rtpengine/internal/stats"
)

// RTPLoopMaxCount is RTP_LOOP_MAX_COUNT (spec.md §4.4 step 3, §8): the
// number of consecutive identical packets tolerated before the stream is
// considered a loop and further repeats are dropped.
const RTPLoopMaxCount = 3

// Sender is the final-hop collaborator that actually puts bytes on the
// wire for a StreamFD (spec.md §4.4 step 13). A plain *net.UDPConn
// satisfies this once wrapped in UDPSender; tests substitute a recording
// fake.
type Sender interface {
	SendTo(fd *model.StreamFD, dst model.Endpoint, data []byte) error
}

// UDPSender sends via the StreamFD's own socket.
type UDPSender struct{}

func (UDPSender) SendTo(fd *model.StreamFD, dst model.Endpoint, data []byte) error {
	if fd == nil || fd.Socket == nil {
		return errNoSink
	}
	addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(dst.Addr, dst.Port))
	_, err := fd.Socket.WriteToUDP(data, addr)
	return err
}

var errNoSink = errors.New("pipeline: no sink fd")

// Deps are the pipeline's out-of-scope collaborators (spec.md §6), plus the
// logger the teacher's daemons wire everywhere.
type Deps struct {
	Kernel kernel.Collaborator
	DTLS   DTLSHandler
	STUN   STUNHandler
	Sender Sender

	// Logger is nil-able so a zero-value Deps{} (as used throughout the
	// test suite) stays silent rather than writing through an
	// uninitialized zerolog.Logger.
	Logger *zerolog.Logger
}

func (d Deps) logger() zerolog.Logger {
	if d.Logger == nil {
		return zerolog.Nop()
	}
	return *d.Logger
}

func (d Deps) collaborator() kernel.Collaborator {
	if d.Kernel == nil {
		return kernel.NoopCollaborator{}
	}
	return d.Kernel
}

func (d Deps) dtls() DTLSHandler {
	if d.DTLS == nil {
		return PassthroughDTLSHandler
	}
	return d.DTLS
}

func (d Deps) stun() STUNHandler {
	if d.STUN == nil {
		return SniffOnlySTUNHandler
	}
	return d.STUN
}

func (d Deps) sender() Sender {
	if d.Sender == nil {
		return UDPSender{}
	}
	return d.Sender
}

// Process runs one received datagram through the full per-packet state
// machine of spec.md §4.4: resolve context, protocol demux, loop detect,
// RTCP-mux demux, parse, choose handlers, decrypt, record, transcode
// handoff, encrypt, address learn, kernel gate, send, stats. It never
// panics and never returns an error directly (spec.md §7): every outcome,
// including internal failures, is folded into the returned Verdict.
func Process(fd *model.StreamFD, raw []byte, source model.Endpoint, now time.Time, deps Deps) Verdict {
	// Step 1: resolve context.
	if fd == nil || fd.Closed() {
		return dropVerdict("unbound-fd")
	}
	stream := fd.Stream()
	if stream == nil {
		return dropVerdict("unbound-fd")
	}
	call := fd.Call
	if call == nil {
		return dropVerdict("no-call")
	}

	call.Master.RLock()
	defer call.Master.RUnlock()
	if call.Destroyed() {
		return dropVerdict("call-destroyed")
	}

	stream.InLock.Lock()
	defer stream.InLock.Unlock()

	log := deps.logger().With().Uint64("fd", fd.ID).Str("call", call.ID()).Logger()

	// Step 2: protocol demux (DTLS / STUN sniff).
	if stream.Media.HasFlag(model.FlagDTLS) && LooksLikeDTLS(raw) {
		handled, err := deps.dtls().Handle(stream, raw, source)
		if err != nil {
			log.Debug().Err(err).Msg("dtls handler error")
			stream.Stats.Errors.Add(1)
			return dropVerdict("dtls-error")
		}
		if handled {
			return Verdict{}
		}
	}
	if stream.Media.HasFlag(model.FlagICE) || stream.Media.ICE != nil {
		switch deps.stun().Handle(raw, fd, source) {
		case STUNHandledDrop:
			return Verdict{}
		case STUNHandledNeedsKernelCheck:
			return Verdict{KernelizeReq: true}
		case STUNNotSTUN:
			// fall through to RTP/RTCP processing.
		}
	}

	// Step 3: loop detect.
	if stream.Media.HasFlag(model.FlagLoopCheck) {
		n := len(raw)
		if n > 16 {
			n = 16
		}
		if stream.CheckLoop(raw[:n], RTPLoopMaxCount) {
			stream.Stats.Errors.Add(1)
			return dropVerdict("loop-detected")
		}
	}

	// Step 4: RTCP-mux demux.
	route, ok := demuxRTCPMux(stream, raw)
	if !ok {
		return dropVerdict("no-sink")
	}

	var v Verdict
	if route.isRTCP {
		v = processRTCP(stream, route, fd, raw, call, deps, log)
	} else {
		v = processRTP(stream, route, fd, raw, call, deps, log)
	}
	if v.Drop {
		return v
	}

	// Step 11: address learn.
	learned := LearnAddress(stream, fd, source, call.LastSignal(), now)
	v.merge(learned)
	if learned.Drop {
		return v
	}

	// Step 12: kernel gate.
	inCtx, _ := fd.CryptoIn.(*crypto.Context)
	outCtx, _ := route.sink.CryptoOut.(*crypto.Context)
	cached := stream.CachedHandler()
	cell, _ := cached.Cell.(handler.Cell)
	kp := kernel.Params{Collaborator: deps.collaborator(), Cell: cell, InCrypto: inCtx, OutCrypto: outCtx, Recorder: call.Recording()}
	if v.KernelizeReq {
		if err := kernel.Kernelize(stream, kp); err != nil && !errors.Is(err, kernel.ErrNoKernelSupport) {
			log.Debug().Err(err).Msg("kernelize failed")
		}
	}
	if v.UnkernelizeReq {
		if err := kernel.Unkernelize(stream, kp); err != nil {
			log.Debug().Err(err).Msg("unkernelize failed")
		}
	}

	// Step 14: stats & cleanup.
	stream.Stats.Packets.Add(1)
	stream.Stats.Bytes.Add(uint64(len(raw)))
	if route.isRTCP {
		stats.Global.RecordRTCP(len(raw))
	} else {
		stats.Global.RecordRTP(len(raw))
	}

	return v
}

// resolvedCell resolves (and caches) the handler-matrix cell for stream's
// current (in_proto, out_proto) pair (spec.md §4.4 step 6, §9 "per-stream
// handler cache"). Caller must hold stream.InLock.
func resolvedCell(stream *model.PacketStream, route rtcpMuxRoute, recording bool) handler.Cell {
	cached := stream.CachedHandler()
	if cached.Resolved {
		if cell, ok := cached.Cell.(handler.Cell); ok {
			return cell
		}
	}
	cell := handler.Resolve(handler.ResolveParams{
		InProto:   route.inSRTP.Media.Protocol,
		OutProto:  route.sink.Media.Protocol,
		Recording: recording,
		Passthru:  stream.Media.HasFlag(model.FlagPassthru),
	})
	stream.SetCachedHandler(model.HandlerPair{Resolved: true, Cell: cell})
	return cell
}

// processRTP implements steps 5, 7, 8, 9 and 10 for the RTP side.
func processRTP(stream *model.PacketStream, route rtcpMuxRoute, fd *model.StreamFD, raw []byte, call *model.Call, deps Deps, log zerolog.Logger) Verdict {
	header, rawPayload, err := crypto.ParseRTP(raw)
	if err != nil {
		return dropVerdict("packet-malformed")
	}

	if stream.Stats.Row(header.PayloadType) == nil {
		stream.Stats.Errors.Add(1)
		return dropVerdict("policy-drop")
	}

	entry := call.SSRCEntryFor(header.SSRC)
	inCtx := stream.InCtx()
	if inCtx == nil || inCtx.Entry.SSRC != header.SSRC {
		inCtx = model.NewSSRCContext(entry)
		stream.SetInCtx(inCtx)
	}
	inCtx.SetPayloadType(header.PayloadType)
	inCtx.LastIndex.Store(uint64(header.SequenceNumber))

	cell := resolvedCell(stream, route, call.Recording() != nil)

	cryptoIn, _ := fd.CryptoIn.(*crypto.Context)
	cryptoOut, _ := route.sink.CryptoOut.(*crypto.Context)

	if cell.In.RTP == handler.RTPNoop && cell.Out.RTP == handler.RTPNoop {
		// pure bypass: forward the datagram exactly as received, after the
		// record step and the per-PT counters.
		if rec := call.Recording(); rec != nil {
			if err := rec.DumpPacket(stream, rawPayload); err != nil {
				log.Debug().Err(err).Msg("recorder dump failed")
			}
		}
		if row := stream.Stats.Row(header.PayloadType); row != nil {
			row.Packets.Add(1)
			row.Bytes.Add(uint64(len(raw)))
		}
		return sendOut(stream, route, raw, deps, log)
	}

	plain := raw
	var err2 error
	if cell.In.RTP == handler.RTPDecrypt {
		guard := inCtx.ReplayGuard()
		accept, ok := guard.Check(uint64(header.SequenceNumber))
		if !ok {
			stream.Stats.Errors.Add(1)
			return dropVerdict("replayed-packet")
		}
		plain, err2 = cryptoIn.DecryptRTP(nil, raw)
		if err2 != nil {
			stream.Stats.Errors.Add(1)
			log.Debug().Err(err2).Msg("decrypt rtp failed")
			return dropVerdict("packet-malformed")
		}
		accept()
	}

	phdr, payload, err := crypto.ParseRTP(plain)
	if err != nil {
		return dropVerdict("packet-malformed")
	}

	// Step 8: record.
	if rec := call.Recording(); rec != nil {
		if err := rec.DumpPacket(stream, payload); err != nil {
			log.Debug().Err(err).Msg("recorder dump failed")
		}
	}

	// Step 9: transcode handoff. Transcoding itself is an out-of-scope
	// collaborator (spec.md §1); this stream only substitutes a
	// signaling-assigned translated SSRC when transcode is flagged.
	outHeader := *phdr
	if stream.Media.HasFlag(model.FlagTranscode) {
		if ts, ok := inCtx.TranslatedSSRC(); ok {
			outHeader.SSRC = ts
		}
	}

	// Step 10: encrypt.
	var out []byte
	if cell.Out.RTP == handler.RTPEncrypt {
		out, err = cryptoOut.EncryptRTP(nil, &outHeader, payload)
	} else {
		out, err = (&crypto.Context{}).EncryptRTP(nil, &outHeader, payload)
	}
	if err != nil {
		stream.Stats.Errors.Add(1)
		log.Debug().Err(err).Msg("encrypt rtp failed")
		return dropVerdict("send-failed")
	}

	if row := stream.Stats.Row(header.PayloadType); row != nil {
		row.Packets.Add(1)
		row.Bytes.Add(uint64(len(raw)))
	}

	return sendOut(stream, route, out, deps, log)
}

// processRTCP implements steps 5, 7 and 10 for the RTCP side.
func processRTCP(stream *model.PacketStream, route rtcpMuxRoute, fd *model.StreamFD, raw []byte, call *model.Call, deps Deps, log zerolog.Logger) Verdict {
	cell := resolvedCell(stream, route, call.Recording() != nil)

	cryptoIn, _ := fd.CryptoIn.(*crypto.Context)
	cryptoOut, _ := route.sink.CryptoOut.(*crypto.Context)

	body := raw
	var err error
	if cell.In.RTCP == handler.RTCPDecrypt || cell.In.RTCP == handler.RTCPDecryptStrip {
		body, err = cryptoIn.DecryptRTCP(nil, raw)
		if err != nil {
			stream.Stats.Errors.Add(1)
			log.Debug().Err(err).Msg("decrypt rtcp failed")
			return dropVerdict("packet-malformed")
		}
	}
	if cell.In.RTCP == handler.RTCPStrip || cell.In.RTCP == handler.RTCPDecryptStrip {
		body, _, err = crypto.AVPFToAVP(body)
		if err != nil {
			return dropVerdict("packet-malformed")
		}
		if body == nil {
			// nothing left after stripping feedback-only reports.
			return Verdict{}
		}
	}

	out := body
	if cell.Out.RTCP == handler.RTCPEncrypt {
		out, err = cryptoOut.EncryptRTCP(nil, body)
		if err != nil {
			stream.Stats.Errors.Add(1)
			log.Debug().Err(err).Msg("encrypt rtcp failed")
			return dropVerdict("send-failed")
		}
	}

	return sendOut(stream, route, out, deps, log)
}

// sendOut implements step 13: pick the sink's selected FD and known
// destination, and write. Errors never propagate past the verdict
// (spec.md §7 "send-failed").
func sendOut(stream *model.PacketStream, route rtcpMuxRoute, data []byte, deps Deps, log zerolog.Logger) Verdict {
	sink := route.sink
	destFD := sink.SelectedFD()
	if destFD == nil {
		return dropVerdict("no-sink")
	}
	dest := sink.KnownPeer()
	if dest.IsZero() {
		dest = sink.AdvertisedPeer()
	}
	if dest.IsZero() && !dest.IsTrickleICE() {
		return dropVerdict("no-sink")
	}
	if dest.IsTrickleICE() {
		return Verdict{}
	}

	if err := deps.sender().SendTo(destFD, dest, data); err != nil {
		stream.Stats.Errors.Add(1)
		log.Debug().Err(err).Msg("send failed")
		return dropVerdict("send-failed")
	}
	return Verdict{}
}
