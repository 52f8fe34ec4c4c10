package kernel

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataandsignal/rtpengine/internal/handler"
	"github.com/dataandsignal/rtpengine/internal/model"
)

type fakeCollaborator struct {
	wanted, open bool
	added        []TargetInfo
	failAdd      bool
}

func (f *fakeCollaborator) IsWanted() bool { return f.wanted }
func (f *fakeCollaborator) IsOpen() bool   { return f.open }
func (f *fakeCollaborator) AddStream(t TargetInfo) error {
	if f.failAdd {
		return assertErr
	}
	f.added = append(f.added, t)
	return nil
}
func (f *fakeCollaborator) DelStream(netip.AddrPort) error { return nil }

type simErr string

func (e simErr) Error() string { return string(e) }

const assertErr = simErr("simulated add_stream failure")

func TestKernelizeRejectsWithoutCollaborator(t *testing.T) {
	ps := model.NewPacketStream(model.NewMedia(model.ProtoAVP, 0))
	err := Kernelize(ps, Params{Collaborator: NoopCollaborator{}})
	require.ErrorIs(t, err, ErrNoKernelSupport)
	assert.True(t, ps.HasStatus(model.StatusKernelized))
	assert.True(t, ps.HasStatus(model.StatusNoKernelSupport))
}

func TestKernelizeRejectsOnTranscode(t *testing.T) {
	ps := model.NewPacketStream(model.NewMedia(model.ProtoAVP, model.FlagTranscode))
	collab := &fakeCollaborator{wanted: true, open: true}
	err := Kernelize(ps, Params{Collaborator: collab})
	require.ErrorIs(t, err, ErrNoKernelSupport)
	assert.Empty(t, collab.added)
}

// KERNELIZED implies handlers resolved, sink advertised and non-zero, and
// decrypt/encrypt cipher+hmac both non-null (spec.md §8).
func TestKernelizeAcceptsAndPopulatesTarget(t *testing.T) {
	ps := model.NewPacketStream(model.NewMedia(model.ProtoSAVP, 0))
	ps.Stats.RegisterPT(0)
	ps.Stats.RegisterPT(8)

	sink := model.NewPacketStream(model.NewMedia(model.ProtoSAVP, 0))
	sink.SetAdvertisedPeer(model.Endpoint{Addr: netip.MustParseAddr("1.2.3.4"), Port: 5000})
	ps.SetRTPSink(sink)

	fd := model.NewStreamFD(nil, nil, nil)
	ps.SetSelectedFD(fd)
	sinkFD := model.NewStreamFD(nil, nil, nil)
	sink.SetSelectedFD(sinkFD)

	collab := &fakeCollaborator{wanted: true, open: true}
	cell := handler.Resolve(handler.ResolveParams{InProto: model.ProtoSAVP, OutProto: model.ProtoSAVP, Recording: true})

	err := Kernelize(ps, Params{Collaborator: collab, Cell: cell})
	require.NoError(t, err)
	require.Len(t, collab.added, 1)

	target := collab.added[0]
	assert.ElementsMatch(t, []uint8{0, 8}, target.PayloadTypes)
	assert.NotEmpty(t, target.Decrypt.Cipher)
	assert.NotEmpty(t, target.Encrypt.Cipher)
	assert.True(t, ps.HasStatus(model.StatusKernelized))
	assert.False(t, ps.HasStatus(model.StatusNoKernelSupport))
}

func TestUnkernelizeClearsStatus(t *testing.T) {
	ps := model.NewPacketStream(model.NewMedia(model.ProtoAVP, 0))
	ps.SetStatus(model.StatusKernelized)
	collab := &fakeCollaborator{wanted: true, open: false}
	require.NoError(t, Unkernelize(ps, Params{Collaborator: collab}))
	assert.False(t, ps.HasStatus(model.StatusKernelized))
}

func TestStreamUnconfirmClearsConfirmedAndHandlerCache(t *testing.T) {
	ps := model.NewPacketStream(model.NewMedia(model.ProtoAVP, 0))
	ps.SetStatus(model.StatusConfirmed)
	ps.SetCachedHandler(model.HandlerPair{Resolved: true})

	require.NoError(t, StreamUnconfirm(ps, Params{Collaborator: NoopCollaborator{}}))
	assert.False(t, ps.HasStatus(model.StatusConfirmed))
	assert.False(t, ps.CachedHandler().Resolved)
}

func TestPayloadTypesForTruncatesOverCapacity(t *testing.T) {
	pts := make([]uint8, 0, 20)
	for i := uint8(0); i < 20; i++ {
		pts = append(pts, 19-i)
	}
	kept, truncated := PayloadTypesFor(pts)
	assert.Len(t, kept, MaxPayloadTypes)
	assert.Equal(t, 4, truncated)
	assert.True(t, sortedAscending(kept))
}

func sortedAscending(pts []uint8) bool {
	for i := 1; i < len(pts); i++ {
		if pts[i-1] > pts[i] {
			return false
		}
	}
	return true
}
