package iface

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOpener hands out real loopback sockets on an ephemeral port so tests
// never bind the requested port directly, but still exercise Conn.Close()
// semantics; failPort simulates a bind failure for rollback tests.
type fakeOpener struct {
	failPort uint16
}

var errSimulatedBindFailure = errors.New("simulated bind failure")

func (f fakeOpener) Open(addr netip.Addr, port uint16) (*net.UDPConn, error) {
	if port == f.failPort {
		return nil, errSimulatedBindFailure
	}
	return net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
}

func newTestPool(t *testing.T, min, max uint16) *PortPool {
	t.Helper()
	addr := netip.MustParseAddr("10.0.0.1")
	p := NewPortPool(addr, min, max)
	p.SetSocketOpener(fakeOpener{})
	return p
}

func TestFreeCountInvariant(t *testing.T) {
	p := newTestPool(t, 10000, 10099)
	total := int64(100)
	require.Equal(t, total, p.FreeCount())

	sockets, err := p.GetConsecutivePorts(2, 0, "test")
	require.NoError(t, err)
	require.Len(t, sockets, 2)

	assert.Equal(t, total-2, p.FreeCount())
	assert.Equal(t, 2, p.PopcountUsed())
	assert.Equal(t, total-2, int64(100)-int64(p.PopcountUsed()))

	for _, s := range sockets {
		assert.True(t, p.IsUsed(s.Port))
		require.NoError(t, s.Release())
		assert.False(t, p.IsUsed(s.Port))
	}
	assert.Equal(t, total, p.FreeCount())
}

// Scenario 1 (spec.md §8): allocate 2 consecutive ports on 10.0.0.1
// 10000-10099: returns sockets on p, p+1 with p even, free_count == 98.
func TestConsecutiveAllocationEvenStart(t *testing.T) {
	p := newTestPool(t, 10000, 10099)
	sockets, err := p.GetConsecutivePorts(2, 0, "scenario-1")
	require.NoError(t, err)
	require.Len(t, sockets, 2)

	assert.Equal(t, 0, int(sockets[0].Port)%2, "first port of a pair must be even")
	assert.Equal(t, sockets[0].Port+1, sockets[1].Port)
	assert.GreaterOrEqual(t, sockets[0].Port, uint16(10000))
	assert.LessOrEqual(t, sockets[1].Port, uint16(10098+1))
	assert.EqualValues(t, 98, p.FreeCount())
}

// Scenario 2 (spec.md §8): exclude port 10002, then allocate 4 consecutive
// ports starting search at 10000 skips the window containing 10002.
func TestExcludePortSkipsWindow(t *testing.T) {
	p := newTestPool(t, 10000, 10099)
	p.ExcludePort(10002)
	require.True(t, p.IsUsed(10002))

	sockets, err := p.GetConsecutivePorts(4, 10000, "scenario-2")
	require.NoError(t, err)
	require.Len(t, sockets, 4)
	for _, s := range sockets {
		assert.NotEqual(t, uint16(10002), s.Port)
	}
	assert.Equal(t, uint16(10004), sockets[0].Port)
}

func TestPortExhaustionLeavesStateUnchanged(t *testing.T) {
	p := newTestPool(t, 10000, 10003)
	before := p.PopcountUsed()

	_, err := p.GetConsecutivePorts(10, 0, "too-many")
	require.ErrorIs(t, err, ErrPortExhausted)
	assert.Equal(t, before, p.PopcountUsed())
	assert.EqualValues(t, 4, p.FreeCount())
}

func TestPerPortFailureRollsBack(t *testing.T) {
	p := newTestPool(t, 10000, 10009)
	p.SetSocketOpener(fakeOpener{failPort: 10002})

	before := p.PopcountUsed()
	_, err := p.GetConsecutivePorts(4, 10000, "rollback")
	require.Error(t, err)
	assert.Equal(t, before, p.PopcountUsed(), "failed attempt must leave used bitmap untouched")
	assert.EqualValues(t, 10, p.FreeCount())
}

func TestWantedStartDoesNotWrap(t *testing.T) {
	p := newTestPool(t, 10000, 10003)
	// window [10002,10006) runs off the end of the spec and must not wrap.
	_, err := p.GetConsecutivePorts(4, 10002, "no-wrap")
	require.Error(t, err)
}
