package crypto

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMarshal(t *testing.T, packets []rtcp.Packet) []byte {
	t.Helper()
	raw, err := rtcp.Marshal(packets)
	require.NoError(t, err)
	return raw
}

// AVPF->AVP is idempotent on AVP input (spec.md §8).
func TestAVPFToAVPIdempotentOnAVPInput(t *testing.T) {
	raw := mustMarshal(t, []rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: 1234},
	})

	out, changed, err := AVPFToAVP(raw)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, raw, out)
}

func TestAVPFToAVPStripsFeedback(t *testing.T) {
	raw := mustMarshal(t, []rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: 1234},
		&rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: 1234},
	})

	out, changed, err := AVPFToAVP(raw)
	require.NoError(t, err)
	assert.True(t, changed)

	kept, err := rtcp.Unmarshal(out)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	_, isRR := kept[0].(*rtcp.ReceiverReport)
	assert.True(t, isRR)
}

func TestNullContextPassesThroughRTP(t *testing.T) {
	c, err := NewContext(SuiteNull, nil, nil, false, false)
	require.NoError(t, err)
	assert.True(t, c.IsNull())

	in := []byte{0x80, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0, 0, 0, 1, 2, 3}
	out, err := c.DecryptRTP(nil, in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
