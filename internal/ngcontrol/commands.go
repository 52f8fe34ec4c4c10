package ngcontrol

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dataandsignal/rtpengine/internal/crypto"
	"github.com/dataandsignal/rtpengine/internal/iface"
	"github.com/dataandsignal/rtpengine/internal/model"
	"github.com/dataandsignal/rtpengine/internal/persistence"
	"github.com/dataandsignal/rtpengine/internal/pipeline"
	"github.com/dataandsignal/rtpengine/internal/stats"
)

// Registry turns decoded NG commands into internal/model.Call/Media/
// PacketStream construction calls against an internal/iface.Registry,
// the concrete, in-scope home spec.md §1 reserves for "the SDP/signaling
// plane... referenced only via contract." It does not parse or rewrite SDP
// bodies (SPEC_FULL §7 Non-goals): it only scrapes the two lines
// (`c=`/`m=`) needed to learn a peer's initial address, mirroring how
// little the teacher's own SetReceivedFrom option relies on ("used when
// SDP addresses are not reliable").
type Registry struct {
	ifaces  *iface.Registry
	logger  zerolog.Logger
	deps    pipeline.Deps
	persist persistence.Persister

	mu    sync.Mutex
	calls map[string]*callState
}

// NewRegistry constructs a command dispatcher bound to ifaces. Every leg
// it builds gets its own read loop (runLeg) driving pipeline.Process with
// a shared Deps, all defaults except the logger (a zero-value Deps{}
// already supplies a working no-kernel, passthrough-DTLS/STUN, real-UDP
// pipeline per pipeline.Deps' own accessor methods). Persistence defaults
// to a no-op; call SetPersister to wire a real call-state store.
func NewRegistry(ifaces *iface.Registry, logger zerolog.Logger) *Registry {
	return &Registry{
		ifaces:  ifaces,
		logger:  logger,
		deps:    pipeline.Deps{Sender: pipeline.UDPSender{}, Logger: &logger},
		persist: persistence.NewNoop(logger),
		calls:   make(map[string]*callState),
	}
}

// SetPersister wires a call-state store (spec.md §6: "opaque to the
// core"). Offer/answer persist the SDP blob under the call-id; delete
// removes it. The core never reads it back itself — a restarted signaling
// layer is the only consumer.
func (r *Registry) SetPersister(p persistence.Persister) {
	r.persist = p
}

type callState struct {
	call *model.Call

	mu   sync.Mutex
	legs map[string]*leg
}

// leg is one party's side of one media component: a single muxed RTP/RTCP
// socket (spec.md's rtcp-mux is always assumed here; split RTP/RTCP
// sockets per spec.md's "demux" request are a documented simplification
// not implemented, see DESIGN.md).
type leg struct {
	media  *model.Media
	stream *model.PacketStream
	fd     *model.StreamFD
	socket *iface.Socket
}

// release tears the leg down: fd.Close both closes the socket (unblocking
// the read loop in runLeg) and returns the port/firewall rule to the pool
// via socket.Release.
func (l *leg) release() {
	l.fd.Close(func() { l.socket.Release() })
}

// Dispatch routes a decoded Request to its command handler (spec.md §1:
// offer/answer/delete turn into Call/Media/PacketStream construction).
func (r *Registry) Dispatch(req *Request) *Response {
	switch req.Command {
	case CommandPing:
		return &Response{Result: "pong"}
	case CommandOffer:
		return r.handleOffer(req)
	case CommandAnswer:
		return r.handleAnswer(req)
	case CommandDelete:
		return r.handleDelete(req)
	case CommandQuery:
		return r.handleQuery(req)
	case CommandList:
		return r.handleList(req)
	default:
		return errorResponse(fmt.Sprintf("unrecognized command %q", req.Command))
	}
}

func (r *Registry) getOrCreateCall(id string) *callState {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.calls[id]
	if !ok {
		cs = &callState{call: model.NewCall(id), legs: make(map[string]*leg)}
		r.calls[id] = cs
	}
	return cs
}

func (r *Registry) getCall(id string) *callState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func (r *Registry) popCall(id string) *callState {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs := r.calls[id]
	delete(r.calls, id)
	return cs
}

func (r *Registry) handleOffer(req *Request) *Response {
	if req.CallID == "" || req.FromTag == "" {
		return errorResponse("offer requires call-id and from-tag")
	}
	cs := r.getOrCreateCall(req.CallID)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if old, ok := cs.legs[req.FromTag]; ok {
		old.release()
	}

	lg, err := r.buildLeg(req, cs.call)
	if err != nil {
		r.logger.Debug().Err(err).Str("call-id", req.CallID).Msg("offer: build leg failed")
		return errorResponse(err.Error())
	}
	cs.legs[req.FromTag] = lg
	stats.Global.Offers.Add(1)

	if err := r.persist.Save(context.Background(), req.CallID, []byte(req.SDP)); err != nil {
		r.logger.Debug().Err(err).Str("call-id", req.CallID).Msg("offer: persist failed")
	}

	return &Response{Result: "ok", SDP: req.SDP, FromTag: req.FromTag}
}

func (r *Registry) handleAnswer(req *Request) *Response {
	if req.CallID == "" || req.FromTag == "" || req.ToTag == "" {
		return errorResponse("answer requires call-id, from-tag and to-tag")
	}
	cs := r.getCall(req.CallID)
	if cs == nil {
		return errorResponse("unknown call-id")
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	offerLeg, ok := cs.legs[req.FromTag]
	if !ok {
		return errorResponse("answer references unknown from-tag")
	}
	if old, ok := cs.legs[req.ToTag]; ok {
		old.release()
	}

	answerLeg, err := r.buildLeg(req, cs.call)
	if err != nil {
		r.logger.Debug().Err(err).Str("call-id", req.CallID).Msg("answer: build leg failed")
		return errorResponse(err.Error())
	}
	cs.legs[req.ToTag] = answerLeg

	wireLegs(offerLeg, answerLeg)
	cs.call.TouchSignal(time.Now())
	stats.Global.Answers.Add(1)

	if err := r.persist.Save(context.Background(), req.CallID, []byte(req.SDP)); err != nil {
		r.logger.Debug().Err(err).Str("call-id", req.CallID).Msg("answer: persist failed")
	}

	return &Response{Result: "ok", SDP: req.SDP, FromTag: req.FromTag, ToTag: req.ToTag}
}

func (r *Registry) handleDelete(req *Request) *Response {
	if req.CallID == "" {
		return errorResponse("delete requires call-id")
	}
	cs := r.popCall(req.CallID)
	if cs == nil {
		return errorResponse("unknown call-id")
	}

	cs.call.Master.Lock()
	defer cs.call.Master.Unlock()
	cs.call.Destroy()

	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, lg := range cs.legs {
		lg.release()
	}
	stats.Global.Deletes.Add(1)

	if err := r.persist.Delete(context.Background(), req.CallID); err != nil {
		r.logger.Debug().Err(err).Str("call-id", req.CallID).Msg("delete: persist cleanup failed")
	}

	return okResponse()
}

func (r *Registry) handleQuery(req *Request) *Response {
	if req.CallID == "" {
		return errorResponse("query requires call-id")
	}
	cs := r.getCall(req.CallID)
	if cs == nil {
		return errorResponse("unknown call-id")
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	var totals Totals
	for _, lg := range cs.legs {
		totals.RTP.Packets += lg.stream.Stats.Packets.Load()
		totals.RTP.Bytes += lg.stream.Stats.Bytes.Load()
		totals.RTP.Errors += lg.stream.Stats.Errors.Load()
	}

	return &Response{Result: "ok", Totals: totals}
}

func (r *Registry) handleList(*Request) *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.calls))
	for id := range r.calls {
		ids = append(ids, id)
	}
	return &Response{Result: "ok", Calls: ids}
}

// wireLegs links two legs' streams as each other's RTP and RTCP sink, the
// bidirectional pairing spec.md §3's "cyclic references" describes.
func wireLegs(a, b *leg) {
	a.stream.SetRTPSink(b.stream)
	b.stream.SetRTPSink(a.stream)
	a.stream.SetRTCPSink(b.stream)
	b.stream.SetRTCPSink(a.stream)
}

// buildLeg allocates a socket and constructs the Media/PacketStream/
// StreamFD triple for one party's side of one media component
// (spec.md §4.1/§4.2/§4.5 construction path).
func (r *Registry) buildLeg(req *Request, call *model.Call) (*leg, error) {
	proto := protocolFor(req.TransportProtocol)
	flags := flagsFor(req.Flags)
	if !rtcpMuxRejected(req.RtcpMux) {
		flags |= model.FlagRTCPMux
	}

	family := familyFor(req.AddressFamily)
	lif := r.ifaces.GetLogicalInterface("", family, 1)
	if lif == nil {
		return nil, fmt.Errorf("ngcontrol: no logical interface available")
	}

	sockets, err := iface.GetConsecutivePortsOnLIF(lif, 1, "ng-media")
	if err != nil {
		return nil, fmt.Errorf("ngcontrol: port allocation: %w", err)
	}
	if len(sockets) == 0 || len(sockets[0]) == 0 {
		return nil, fmt.Errorf("ngcontrol: interface has no local addresses")
	}
	socket := sockets[0][0]

	media := model.NewMedia(proto, flags)
	stream := model.NewPacketStream(media)
	stream.SetRTCPSibling(stream)

	fd := model.NewStreamFD(socket.Conn, call, nil)
	stream.SetSelectedFD(fd)

	if proto.IsSecure() {
		in, out, err := newCryptoPair()
		if err != nil {
			socket.Release()
			return nil, fmt.Errorf("ngcontrol: crypto setup: %w", err)
		}
		fd.CryptoIn = in
		stream.CryptoOut = out
	}

	if ep, ok := endpointFor(req); ok {
		stream.SetAdvertisedPeer(ep)
	}

	lg := &leg{media: media, stream: stream, fd: fd, socket: socket}
	r.runLeg(lg)
	return lg, nil
}

// runLeg reads datagrams off the leg's socket for as long as it stays
// open, handing each one to pipeline.Process (spec.md §4.4): the socket
// read loop the construction side of this package exists to feed.
// fd.Close (called from leg.release) closes the socket, which ends
// ReadFromUDP with an error and lets this goroutine return.
func (r *Registry) runLeg(lg *leg) {
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, addr, err := lg.socket.Conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			raw := make([]byte, n)
			copy(raw, buf[:n])

			ap := addr.AddrPort()
			src := model.Endpoint{Addr: ap.Addr(), Port: ap.Port()}
			pipeline.Process(lg.fd, raw, src, time.Now(), r.deps)
		}
	}()
}

// newCryptoPair seeds a fresh SRTP master key/salt pair for both
// directions. Real key *derivation* (DTLS-SRTP exporter, SDES offer/answer
// negotiation) is the out-of-scope collaborator named in spec.md §1; until
// that collaborator is wired in, this is process-local placeholder key
// material so the encrypt/decrypt transforms in internal/crypto have
// something concrete to exercise end to end.
func newCryptoPair() (in, out *crypto.Context, err error) {
	key := make([]byte, 16)
	salt := make([]byte, 14)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, err
	}
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, err
	}
	ctx, err := crypto.NewContext(crypto.SuiteAES128CMHMACSHA1_80, key, salt, false, false)
	if err != nil {
		return nil, nil, err
	}
	return ctx, ctx, nil
}

func protocolFor(t TransportProtocol) model.Protocol {
	switch t {
	case TransportRTPAVP:
		return model.ProtoAVP
	case TransportRTPAVPF:
		return model.ProtoAVPF
	case TransportRTPSAVP:
		return model.ProtoSAVP
	case TransportRTPSAVPF:
		return model.ProtoSAVPF
	case TransportUDPTLSRTPSAVP:
		return model.ProtoUDPTLSSAVP
	case TransportUDPTLSRTPSAVPF:
		return model.ProtoUDPTLSSAVPF
	default:
		return model.ProtoAVP
	}
}

func flagsFor(raw []string) model.MediaFlags {
	var flags model.MediaFlags
	for _, f := range raw {
		switch f {
		case "asymmetric":
			flags |= model.FlagAsymmetric
		case "unidirectional":
			flags |= model.FlagUnidirectional
		case "loop-protect":
			flags |= model.FlagLoopCheck
		case "passthrough":
			flags |= model.FlagPassthru
		case "always-transcode":
			flags |= model.FlagTranscode
		case "trickle-ICE":
			flags |= model.FlagICE
		}
	}
	return flags
}

func rtcpMuxRejected(opts []string) bool {
	for _, o := range opts {
		if o == "reject" {
			return true
		}
	}
	return false
}

func familyFor(af string) iface.Family {
	switch af {
	case "IP4":
		return iface.FamilyIPv4
	case "IP6":
		return iface.FamilyIPv6
	default:
		return iface.FamilyUnspecified
	}
}

// endpointFor extracts a peer endpoint from the request without parsing or
// rewriting the SDP body: it prefers the explicit received-from override
// (the teacher's SetReceivedFrom option, for when SDP addresses aren't
// trustworthy) and otherwise scrapes the first `c=`/`m=` line pair, the
// minimum needed to seed address learning (spec.md §4.7). Anything beyond
// that single address/port pair is out of this module's scope.
func endpointFor(req *Request) (model.Endpoint, bool) {
	if len(req.ReceivedFrom) == 2 {
		if addr, err := netip.ParseAddr(req.ReceivedFrom[1]); err == nil {
			return model.Endpoint{Addr: addr}, true
		}
	}
	addr, addrOK := scrapeConnectionAddress(req.SDP)
	port, portOK := scrapeMediaPort(req.SDP)
	if !addrOK || !portOK {
		return model.Endpoint{}, false
	}
	return model.Endpoint{Addr: addr, Port: port}, true
}

func scrapeConnectionAddress(sdp string) (netip.Addr, bool) {
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "c=IN IP4 ") && !strings.HasPrefix(line, "c=IN IP6 ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if addr, err := netip.ParseAddr(fields[2]); err == nil {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

func scrapeMediaPort(sdp string) (uint16, bool) {
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "m=") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		port, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			continue
		}
		return uint16(port), true
	}
	return 0, false
}
