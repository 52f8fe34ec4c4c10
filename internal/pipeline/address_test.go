package pipeline

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataandsignal/rtpengine/internal/model"
)

func confirmedStream(t *testing.T, flags model.MediaFlags, known model.Endpoint) *model.PacketStream {
	t.Helper()
	ps := model.NewPacketStream(model.NewMedia(model.ProtoAVP, flags))
	ps.SetAdvertisedPeer(model.Endpoint{Addr: netip.MustParseAddr("9.9.9.9"), Port: 1})
	ps.SetStatus(model.StatusConfirmed)
	ps.SetKnownPeer(known)
	return ps
}

// Scenario 5 (spec.md §8): STRICT_SOURCE, FILLED, CONFIRMED, known
// 1.2.3.4:5000. Packet from 1.2.3.4:5001 -> dropped, error+1, no change.
func TestStrictSourceMismatchDrops(t *testing.T) {
	known := model.Endpoint{Addr: netip.MustParseAddr("1.2.3.4"), Port: 5000}
	ps := confirmedStream(t, model.FlagLoopCheck, known)
	ps.SetStatus(model.StatusStrictSource)

	other := model.Endpoint{Addr: netip.MustParseAddr("1.2.3.4"), Port: 5001}
	v := LearnAddress(ps, nil, other, time.Time{}, time.Now())

	assert.True(t, v.Drop)
	assert.Equal(t, uint64(1), ps.Stats.Errors.Load())
	assert.Equal(t, known, ps.KnownPeer())
}

// Scenario 6 (spec.md §8): same condition with MEDIA_HANDOVER instead ->
// endpoint adopted, update+unkernelize set, slow path continues.
func TestMediaHandoverAdoptsNewSource(t *testing.T) {
	known := model.Endpoint{Addr: netip.MustParseAddr("1.2.3.4"), Port: 5000}
	ps := confirmedStream(t, model.FlagLoopCheck, known)
	ps.SetStatus(model.StatusMediaHandover)

	other := model.Endpoint{Addr: netip.MustParseAddr("1.2.3.4"), Port: 5001}
	v := LearnAddress(ps, nil, other, time.Time{}, time.Now())

	assert.False(t, v.Drop)
	assert.True(t, v.Update)
	assert.True(t, v.UnkernelizeReq)
	assert.Equal(t, other, ps.KnownPeer())
}

func TestNotFilledPermitsForwardWithoutLearning(t *testing.T) {
	ps := model.NewPacketStream(model.NewMedia(model.ProtoAVP, 0))
	v := LearnAddress(ps, nil, model.Endpoint{Port: 1}, time.Time{}, time.Now())
	assert.False(t, v.Drop)
	assert.False(t, v.Update)
}

func TestAsymmetricAlwaysConfirmed(t *testing.T) {
	ps := model.NewPacketStream(model.NewMedia(model.ProtoAVP, model.FlagAsymmetric))
	ps.SetStatus(model.StatusFilled)
	v := LearnAddress(ps, nil, model.Endpoint{Addr: netip.MustParseAddr("5.5.5.5"), Port: 1}, time.Time{}, time.Now())
	assert.False(t, v.Drop)
	assert.True(t, ps.HasStatus(model.StatusConfirmed))
}

func TestUnconfirmedRecentSignalDoesNotConfirmYet(t *testing.T) {
	ps := model.NewPacketStream(model.NewMedia(model.ProtoAVP, 0))
	ps.SetStatus(model.StatusFilled)
	now := time.Now()
	v := LearnAddress(ps, nil, model.Endpoint{Addr: netip.MustParseAddr("5.5.5.5"), Port: 1}, now.Add(-1*time.Second), now)
	assert.False(t, ps.HasStatus(model.StatusConfirmed))
	assert.True(t, v.Update, "first sighting of a source still updates the known endpoint")
}

func TestUnconfirmedOldSignalConfirmsAndKernelizes(t *testing.T) {
	ps := model.NewPacketStream(model.NewMedia(model.ProtoAVP, 0))
	ps.SetStatus(model.StatusFilled)
	now := time.Now()
	v := LearnAddress(ps, nil, model.Endpoint{Addr: netip.MustParseAddr("5.5.5.5"), Port: 1}, now.Add(-10*time.Second), now)
	require.True(t, ps.HasStatus(model.StatusConfirmed))
	assert.True(t, v.Update)
	assert.True(t, v.KernelizeReq)
}

// FD migration (spec.md §4.7) only applies while the stream is not yet
// confirmed: "otherwise ... if the FD we received on differs from the
// stream's selected FD, swap selected_sfd and flip update".
func TestFDMigrationFlipsUpdateWhileUnconfirmed(t *testing.T) {
	ps := model.NewPacketStream(model.NewMedia(model.ProtoAVP, 0))
	ps.SetStatus(model.StatusFilled)
	oldFD := model.NewStreamFD(nil, nil, nil)
	ps.SetSelectedFD(oldFD)

	newFD := model.NewStreamFD(nil, nil, nil)
	now := time.Now()
	v := LearnAddress(ps, newFD, model.Endpoint{Addr: netip.MustParseAddr("1.2.3.4"), Port: 5000}, now, now)
	assert.True(t, v.Update)
	assert.Same(t, newFD, ps.SelectedFD())
}
