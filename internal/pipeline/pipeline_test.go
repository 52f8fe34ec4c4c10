package pipeline

import (
	"net/netip"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataandsignal/rtpengine/internal/model"
)

type recordingSender struct {
	calls []sentPacket
}

type sentPacket struct {
	dst  model.Endpoint
	data []byte
}

func (s *recordingSender) SendTo(fd *model.StreamFD, dst model.Endpoint, data []byte) error {
	cp := append([]byte(nil), data...)
	s.calls = append(s.calls, sentPacket{dst: dst, data: cp})
	return nil
}

// confirmedPair builds a minimal two-leg relay: packets arrive on "in" and
// forward to "out", both already CONFIRMED so address learning is a no-op.
func confirmedPair(t *testing.T, flags model.MediaFlags) (in, out *model.PacketStream, inFD *model.StreamFD) {
	t.Helper()
	call := model.NewCall("call-1")

	media := model.NewMedia(model.ProtoAVP, flags)
	in = model.NewPacketStream(media)
	out = model.NewPacketStream(media)
	in.SetRTPSink(out)

	peer := model.Endpoint{Addr: netip.MustParseAddr("9.9.9.9"), Port: 6000}
	in.SetAdvertisedPeer(peer)
	in.SetStatus(model.StatusConfirmed)
	in.SetKnownPeer(model.Endpoint{Addr: netip.MustParseAddr("1.2.3.4"), Port: 5000})

	out.SetAdvertisedPeer(model.Endpoint{Addr: netip.MustParseAddr("5.5.5.5"), Port: 7000})
	out.SetStatus(model.StatusConfirmed)
	out.SetSelectedFD(model.NewStreamFD(nil, call, nil))

	inFD = model.NewStreamFD(nil, call, nil)
	in.SetSelectedFD(inFD)
	return in, out, inFD
}

func rtpBytes(t *testing.T, pt uint8, seq uint16, ssrc uint32, payload []byte) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	return raw
}

func TestProcessPureRTPBypassForwards(t *testing.T) {
	in, _, inFD := confirmedPair(t, model.FlagLoopCheck)
	in.Stats.RegisterPT(0)

	sender := &recordingSender{}
	raw := rtpBytes(t, 0, 1, 0xABCD, []byte("hello"))

	v := Process(inFD, raw, in.KnownPeer(), time.Now(), Deps{Sender: sender})
	assert.False(t, v.Drop)
	require.Len(t, sender.calls, 1)
	assert.Equal(t, model.Endpoint{Addr: netip.MustParseAddr("5.5.5.5"), Port: 7000}, sender.calls[0].dst)
	assert.Equal(t, raw, sender.calls[0].data)
}

func TestProcessUnknownPayloadTypeDrops(t *testing.T) {
	in, _, inFD := confirmedPair(t, 0)
	// no RegisterPT call: PT 8 is unknown.
	sender := &recordingSender{}
	raw := rtpBytes(t, 8, 1, 1, []byte("x"))

	v := Process(inFD, raw, in.KnownPeer(), time.Now(), Deps{Sender: sender})
	assert.True(t, v.Drop)
	assert.Empty(t, sender.calls)
	assert.Equal(t, uint64(1), in.Stats.Errors.Load())
}

func TestProcessLoopDetectDropsAfterThreshold(t *testing.T) {
	in, _, inFD := confirmedPair(t, model.FlagLoopCheck)
	in.Stats.RegisterPT(0)
	sender := &recordingSender{}
	raw := rtpBytes(t, 0, 1, 1, []byte("same"))

	drops := 0
	for i := 0; i < RTPLoopMaxCount+2; i++ {
		v := Process(inFD, raw, in.KnownPeer(), time.Now(), Deps{Sender: sender})
		if v.Drop {
			drops++
		}
	}
	assert.Equal(t, 1, drops)
}

func TestProcessUnboundFDDrops(t *testing.T) {
	fd := model.NewStreamFD(nil, model.NewCall("x"), nil)
	v := Process(fd, []byte{0x80, 0, 0, 0}, model.Endpoint{}, time.Now(), Deps{})
	assert.True(t, v.Drop)
	assert.Equal(t, "unbound-fd", v.DropReason)
}

func TestProcessDestroyedCallDrops(t *testing.T) {
	call := model.NewCall("dead")
	call.Destroy()
	media := model.NewMedia(model.ProtoAVP, 0)
	in := model.NewPacketStream(media)
	fd := model.NewStreamFD(nil, call, nil)
	in.SetSelectedFD(fd)

	v := Process(fd, rtpBytes(t, 0, 1, 1, nil), model.Endpoint{}, time.Now(), Deps{})
	assert.True(t, v.Drop)
	assert.Equal(t, "call-destroyed", v.DropReason)
}

func TestProcessRTCPAVPFStripDropsFeedbackOnly(t *testing.T) {
	call := model.NewCall("call-avpf")
	in := model.NewPacketStream(model.NewMedia(model.ProtoAVPF, 0))
	out := model.NewPacketStream(model.NewMedia(model.ProtoAVP, 0))

	in.SetAdvertisedPeer(model.Endpoint{Addr: netip.MustParseAddr("9.9.9.9"), Port: 1})
	in.SetStatus(model.StatusConfirmed | model.StatusRTCP)
	in.SetKnownPeer(model.Endpoint{Addr: netip.MustParseAddr("1.2.3.4"), Port: 5000})
	in.SetRTCPSink(out)

	out.SetAdvertisedPeer(model.Endpoint{Addr: netip.MustParseAddr("5.5.5.5"), Port: 7000})
	out.SetStatus(model.StatusConfirmed)
	out.SetSelectedFD(model.NewStreamFD(nil, call, nil))

	inFD := model.NewStreamFD(nil, call, nil)
	in.SetSelectedFD(inFD)

	pli := &rtcp.PictureLossIndication{MediaSSRC: 42}
	raw, err := rtcp.Marshal([]rtcp.Packet{pli})
	require.NoError(t, err)

	sender := &recordingSender{}
	v := Process(inFD, raw, in.KnownPeer(), time.Now(), Deps{Sender: sender})
	assert.False(t, v.Drop)
	assert.Empty(t, sender.calls, "a feedback-only AVPF report stripped to nothing must not be forwarded")
}

func TestProcessTrickleICEPlaceholderSendsNothing(t *testing.T) {
	in, out, inFD := confirmedPair(t, 0)
	in.Stats.RegisterPT(0)
	out.SetAdvertisedPeer(model.TrickleICEPlaceholder)

	sender := &recordingSender{}
	raw := rtpBytes(t, 0, 1, 1, []byte("x"))
	v := Process(inFD, raw, in.KnownPeer(), time.Now(), Deps{Sender: sender})
	assert.False(t, v.Drop)
	assert.Empty(t, sender.calls)
}
