package ngcontrol

import (
	"bytes"
	"fmt"

	bencode "github.com/anacrolix/torrent/bencode"
	ben "github.com/stefanovazzocell/bencode"
	"github.com/mitchellh/mapstructure"
)

// DecodeRequest is the server-side inverse of the teacher's DecodeResposta:
// it splits the cookie-prefixed datagram, parses the bencode dict with
// stefanovazzocell/bencode, then maps it onto a Request with
// mitchellh/mapstructure, exactly the decode path rtpengine.go uses for
// responses.
func DecodeRequest(raw []byte) (cookie string, req *Request, err error) {
	cookieIndex := bytes.IndexAny(raw, " ")
	if cookieIndex < 0 {
		return "", nil, fmt.Errorf("ngcontrol: malformed datagram: no cookie separator")
	}
	cookie = string(raw[:cookieIndex])

	encoded := string(raw[cookieIndex+1:])
	decoded, err := ben.NewParserFromString(encoded).AsDict()
	if err != nil {
		return cookie, nil, fmt.Errorf("ngcontrol: bencode parse: %w", err)
	}

	req = &Request{}
	cfg := &mapstructure.DecoderConfig{
		Metadata: nil,
		Result:   req,
		TagName:  "bencode",
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return cookie, nil, fmt.Errorf("ngcontrol: build decoder: %w", err)
	}
	if err := decoder.Decode(decoded); err != nil {
		return cookie, nil, fmt.Errorf("ngcontrol: decode command: %w", err)
	}
	return cookie, req, nil
}

// EncodeResponse is the server-side inverse of the teacher's EncodeComando:
// it bencode-marshals resp with anacrolix/torrent/bencode and prepends the
// cookie the request carried, so the caller can correlate it.
func EncodeResponse(cookie string, resp *Response) ([]byte, error) {
	data, err := bencode.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("ngcontrol: bencode marshal: %w", err)
	}
	out := append([]byte(cookie+" "), data...)
	return out, nil
}
