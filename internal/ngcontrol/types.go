// Package ngcontrol implements the NG control-plane server adapter: the
// bencode/cookie-framed command protocol the teacher's rtpengine package
// speaks as a client, inverted into the server side this engine actually
// is. It decodes offer/answer/delete/ping/query/list commands and maps
// them onto internal/model.Call/Media/PacketStream construction calls
// against the interface registry and handler matrix (spec.md §1, "the
// SDP/signaling plane... referenced only via contract" — this package is
// that contract's concrete, in-scope home). It does not parse or rewrite
// SDP bodies; that remains a signaling-layer concern out of this module's
// scope (SPEC_FULL §7 Non-goals).
package ngcontrol

// Command is one of the NG protocol's command verbs (variables.go's
// TypeCommands, trimmed to the subset this server actually dispatches).
type Command string

const (
	CommandPing   Command = "ping"
	CommandOffer  Command = "offer"
	CommandAnswer Command = "answer"
	CommandDelete Command = "delete"
	CommandQuery  Command = "query"
	CommandList   Command = "list"
)

// TransportProtocol mirrors the teacher's TransportProtocol enum
// (variables.go), the subset of SDP transport strings this server
// recognizes well enough to pick an internal model.Protocol.
type TransportProtocol string

const (
	TransportRTPAVP         TransportProtocol = "RTP/AVP"
	TransportRTPAVPF        TransportProtocol = "RTP/AVPF"
	TransportRTPSAVP        TransportProtocol = "RTP/SAVP"
	TransportRTPSAVPF       TransportProtocol = "RTP/SAVPF"
	TransportUDPTLSRTPSAVP  TransportProtocol = "UDP/TLS/RTP/SAVP"
	TransportUDPTLSRTPSAVPF TransportProtocol = "UDP/TLS/RTP/SAVPF"
)

// Request is the decoded NG command: the command verb plus the parameter
// set the teacher's RequestRtp carries, trimmed to the fields this server
// acts on. Bencode tags name the wire keys exactly as rtpengine's NG
// protocol does, and DecodeRequest runs mapstructure with TagName
// "bencode", so those tags drive decoding. The json tags carry the same
// wire names and are not read by the decoder.
type Request struct {
	Command Command `bencode:"command" json:"command"`

	CallID  string `bencode:"call-id,omitempty" json:"call-id,omitempty"`
	FromTag string `bencode:"from-tag,omitempty" json:"from-tag,omitempty"`
	ToTag   string `bencode:"to-tag,omitempty" json:"to-tag,omitempty"`

	SDP string `bencode:"sdp,omitempty" json:"sdp,omitempty"`

	TransportProtocol TransportProtocol `bencode:"transport-protocol,omitempty" json:"transport-protocol,omitempty"`
	MediaAddress      string            `bencode:"media-address,omitempty" json:"media-address,omitempty"`
	AddressFamily     string            `bencode:"address-family,omitempty" json:"address-family,omitempty"`

	ICE  string `bencode:"ICE,omitempty" json:"ICE,omitempty"`
	DTLS string `bencode:"DTLS,omitempty" json:"DTLS,omitempty"`

	Flags   []string `bencode:"flags,omitempty" json:"flags,omitempty"`
	RtcpMux []string `bencode:"rtcp-mux,omitempty" json:"rtcp-mux,omitempty"`
	SDES    []string `bencode:"SDES,omitempty" json:"SDES,omitempty"`
	Replace []string `bencode:"replace,omitempty" json:"replace,omitempty"`

	ReceivedFrom []string `bencode:"received-from,omitempty" json:"received-from,omitempty"`
	ViaBranch    string   `bencode:"via-branch,omitempty" json:"via-branch,omitempty"`
	RecordCall   string   `bencode:"record-call,omitempty" json:"record-call,omitempty"`
}

// Response is the encoded NG response, matching the teacher's ResponseRtp
// field set (rtpengine.go).
type Response struct {
	Result      string   `bencode:"result" json:"result"`
	SDP         string   `bencode:"sdp,omitempty" json:"sdp,omitempty"`
	ErrorReason string   `bencode:"error-reason,omitempty" json:"error-reason,omitempty"`
	Warning     string   `bencode:"warning,omitempty" json:"warning,omitempty"`
	FromTag     string   `bencode:"from-tag,omitempty" json:"from-tag,omitempty"`
	ToTag       string   `bencode:"to-tag,omitempty" json:"to-tag,omitempty"`
	Calls       []string `bencode:"calls,omitempty" json:"calls,omitempty"`
	Totals      Totals   `bencode:"totals,omitempty" json:"totals,omitempty"`
}

// Totals mirrors the teacher's TotalRTP/ValuesRTP pair, reporting the
// per-stream counters SPEC_FULL §6 carries over from rtpe_statsps.
type Totals struct {
	RTP  StreamTotals `bencode:"RTP,omitempty" json:"RTP,omitempty"`
	RTCP StreamTotals `bencode:"RTCP,omitempty" json:"RTCP,omitempty"`
}

type StreamTotals struct {
	Packets uint64 `bencode:"packets,omitempty" json:"packets,omitempty"`
	Bytes   uint64 `bencode:"bytes,omitempty" json:"bytes,omitempty"`
	Errors  uint64 `bencode:"errors,omitempty" json:"errors,omitempty"`
}

func errorResponse(reason string) *Response {
	return &Response{Result: "error", ErrorReason: reason}
}

func okResponse() *Response {
	return &Response{Result: "ok"}
}
