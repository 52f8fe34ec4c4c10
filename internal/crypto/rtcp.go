package crypto

import (
	"github.com/pion/rtcp"
)

// ParseRTCP parses a compound RTCP packet into its constituent reports
// (spec.md §4.4 step 5, §6 "rtcp_parse").
func ParseRTCP(raw []byte) ([]rtcp.Packet, error) {
	return rtcp.Unmarshal(raw)
}

// MarshalRTCP re-serializes a compound RTCP packet.
func MarshalRTCP(packets []rtcp.Packet) ([]byte, error) {
	return rtcp.Marshal(packets)
}

// isFeedback reports whether pkt is an AVPF-only feedback report (RTPFB or
// PSFB) that an AVP-profile peer would not understand.
func isFeedback(pkt rtcp.Packet) bool {
	switch pkt.(type) {
	case *rtcp.TransportLayerNack,
		*rtcp.PictureLossIndication,
		*rtcp.SliceLossIndication,
		*rtcp.ReceiverEstimatedMaximumBitrate,
		*rtcp.RapidResynchronizationRequest,
		*rtcp.TransportLayerCC,
		*rtcp.FullIntraRequest:
		return true
	default:
		return false
	}
}

// AVPFToAVP rewrites a compound RTCP packet by dropping feedback-only
// reports, leaving SR/RR/SDES/BYE untouched (spec.md §4.3 "avpf-strip",
// §6 "rtcp_avpf2avp"). It is idempotent on AVP input (spec.md §8): an
// input with no feedback packets returns unchanged.
func AVPFToAVP(raw []byte) (rewritten []byte, changed bool, err error) {
	packets, err := rtcp.Unmarshal(raw)
	if err != nil {
		return nil, false, err
	}

	kept := make([]rtcp.Packet, 0, len(packets))
	for _, pkt := range packets {
		if isFeedback(pkt) {
			changed = true
			continue
		}
		kept = append(kept, pkt)
	}
	if !changed {
		return raw, false, nil
	}
	if len(kept) == 0 {
		return nil, true, nil
	}
	out, err := rtcp.Marshal(kept)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// DecryptRTCP turns SRTCP into plain RTCP (spec.md §4.3 "decrypt"'s RTCP
// side). A null context passes bytes through unchanged.
func (c *Context) DecryptRTCP(dst, srtcpPacket []byte) ([]byte, error) {
	if c.IsNull() {
		return append(dst[:0], srtcpPacket...), nil
	}
	return c.srtpCtx.DecryptRTCP(dst, srtcpPacket, nil)
}

// EncryptRTCP turns plain RTCP into SRTCP (spec.md §4.3 "encrypt"'s RTCP
// side). A null context passes bytes through unchanged.
func (c *Context) EncryptRTCP(dst, rtcpPacket []byte) ([]byte, error) {
	if c.IsNull() {
		return append(dst[:0], rtcpPacket...), nil
	}
	return c.srtpCtx.EncryptRTCP(dst, rtcpPacket, nil)
}
