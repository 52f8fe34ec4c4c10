package ngcontrol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeRequestRoundTripsCookieAndFields(t *testing.T) {
	raw := []byte("deadbeef d7:command5:offer7:call-id6:abc1238:from-tag3:xyze")

	cookie, req, err := DecodeRequest(raw)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", cookie)
	require.Equal(t, CommandOffer, req.Command)
	require.Equal(t, "abc123", req.CallID)
	require.Equal(t, "xyz", req.FromTag)
}

func TestDecodeRequestParsesPing(t *testing.T) {
	cookie, req, err := DecodeRequest([]byte("cookie1 d7:command4:pinge"))
	require.NoError(t, err)
	require.Equal(t, "cookie1", cookie)
	require.Equal(t, CommandPing, req.Command)
}

func TestDecodeRequestRejectsMissingCookieSeparator(t *testing.T) {
	_, _, err := DecodeRequest([]byte("nocookiehere"))
	require.Error(t, err)
}

func TestEncodeResponsePrependsCookie(t *testing.T) {
	out, err := EncodeResponse("cafe", okResponse())
	require.NoError(t, err)
	require.True(t, len(out) > len("cafe "))
	require.Equal(t, "cafe ", string(out[:len("cafe ")]))
}

func TestEncodeResponseCarriesErrorReason(t *testing.T) {
	out, err := EncodeResponse("cookie2", errorResponse("boom"))
	require.NoError(t, err)
	require.Contains(t, string(out), "boom")
}
