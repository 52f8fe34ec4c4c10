package ngcontrol

import (
	"net/netip"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dataandsignal/rtpengine/internal/iface"
	"github.com/dataandsignal/rtpengine/internal/model"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	entries := []iface.Entry{
		{
			Name:         "",
			NameBase:     "default",
			Advertised:   netip.MustParseAddr("127.0.0.1"),
			LocalAddress: netip.MustParseAddr("127.0.0.1"),
			PortMin:      30000,
			PortMax:      30200,
		},
	}
	return NewRegistry(iface.NewRegistry(entries), zerolog.Nop())
}

const offerSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\nc=IN IP4 127.0.0.1\r\nm=audio 40000 RTP/AVP 0\r\n"
const answerSDP = "v=0\r\no=- 2 1 IN IP4 127.0.0.1\r\nc=IN IP4 127.0.0.1\r\nm=audio 40002 RTP/AVP 0\r\n"

func TestDispatchPing(t *testing.T) {
	r := testRegistry(t)
	resp := r.Dispatch(&Request{Command: CommandPing})
	require.Equal(t, "pong", resp.Result)
}

func TestOfferAnswerDeleteLifecycle(t *testing.T) {
	r := testRegistry(t)

	offerResp := r.Dispatch(&Request{
		Command:           CommandOffer,
		CallID:            "call-1",
		FromTag:           "tag-a",
		SDP:               offerSDP,
		TransportProtocol: TransportRTPAVP,
	})
	require.Equal(t, "ok", offerResp.Result)

	cs := r.getCall("call-1")
	require.NotNil(t, cs)
	offerLeg := cs.legs["tag-a"]
	require.NotNil(t, offerLeg)
	require.True(t, offerLeg.stream.HasStatus(model.StatusFilled))

	answerResp := r.Dispatch(&Request{
		Command:           CommandAnswer,
		CallID:            "call-1",
		FromTag:           "tag-a",
		ToTag:             "tag-b",
		SDP:               answerSDP,
		TransportProtocol: TransportRTPAVP,
	})
	require.Equal(t, "ok", answerResp.Result)

	answerLeg := cs.legs["tag-b"]
	require.NotNil(t, answerLeg)
	require.Equal(t, answerLeg.stream, offerLeg.stream.RTPSink())
	require.Equal(t, offerLeg.stream, answerLeg.stream.RTPSink())

	queryResp := r.Dispatch(&Request{Command: CommandQuery, CallID: "call-1"})
	require.Equal(t, "ok", queryResp.Result)

	listResp := r.Dispatch(&Request{Command: CommandList})
	require.Equal(t, []string{"call-1"}, listResp.Calls)

	deleteResp := r.Dispatch(&Request{Command: CommandDelete, CallID: "call-1"})
	require.Equal(t, "ok", deleteResp.Result)
	require.Nil(t, r.getCall("call-1"))
}

func TestAnswerWithoutOfferIsRejected(t *testing.T) {
	r := testRegistry(t)
	resp := r.Dispatch(&Request{
		Command: CommandAnswer,
		CallID:  "unknown-call",
		FromTag: "a",
		ToTag:   "b",
	})
	require.Equal(t, "error", resp.Result)
}

func TestEndpointForPrefersReceivedFrom(t *testing.T) {
	req := &Request{ReceivedFrom: []string{"IP4", "203.0.113.9"}, SDP: offerSDP}
	ep, ok := endpointFor(req)
	require.True(t, ok)
	require.Equal(t, "203.0.113.9", ep.Addr.String())
}

func TestEndpointForScrapesSDP(t *testing.T) {
	req := &Request{SDP: offerSDP}
	ep, ok := endpointFor(req)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1", ep.Addr.String())
	require.Equal(t, uint16(40000), ep.Port)
}
