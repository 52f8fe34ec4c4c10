package crypto

import (
	"github.com/pion/rtp"
)

// ParseRTP parses an RTP header and strips padding, returning the header
// and the bare payload (spec.md §4.4 step 5: "for RTP, parse header, strip
// padding, take payload").
func ParseRTP(raw []byte) (*rtp.Header, []byte, error) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(raw); err != nil {
		return nil, nil, err
	}
	payload := pkt.Payload
	if pkt.Padding && len(payload) > 0 {
		padLen := int(payload[len(payload)-1])
		if padLen > 0 && padLen <= len(payload) {
			payload = payload[:len(payload)-padLen]
		}
	}
	return &pkt.Header, payload, nil
}

// DecryptRTP turns an SRTP packet into plain RTP (handler-matrix "decrypt",
// spec.md §4.3). A null context passes bytes through unchanged.
func (c *Context) DecryptRTP(dst, srtpPacket []byte) ([]byte, error) {
	if c.IsNull() {
		return append(dst[:0], srtpPacket...), nil
	}
	return c.srtpCtx.DecryptRTP(dst, srtpPacket, nil)
}

// EncryptRTP turns plain RTP into SRTP (handler-matrix "encrypt",
// spec.md §4.3). A null context passes bytes through unchanged.
func (c *Context) EncryptRTP(dst []byte, header *rtp.Header, payload []byte) ([]byte, error) {
	plain := rtp.Packet{Header: *header, Payload: payload}
	raw, err := plain.Marshal()
	if err != nil {
		return nil, err
	}
	if c.IsNull() {
		return append(dst[:0], raw...), nil
	}
	return c.srtpCtx.EncryptRTP(dst, raw, header)
}
