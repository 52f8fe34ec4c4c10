// Package crypto implements the five transform primitives of the handler
// matrix (spec.md §4.3): RTP/RTCP parsing, SRTP/SRTCP encrypt and decrypt,
// and the AVPF->AVP RTCP feedback rewrite. SRTP key derivation itself
// (DTLS-SRTP exporter, SDES) is the out-of-scope collaborator named in
// spec.md §1; a Context is constructed from already-negotiated key
// material handed in by signaling.
package crypto

import (
	"fmt"

	"github.com/pion/srtp/v3"
)

// Suite names the SRTP cipher/auth combination, mirroring the teacher's
// CryptoSuite enum (variables.go) but scoped to what pion/srtp supports.
type Suite int

const (
	SuiteUnset Suite = iota
	SuiteAES128CMHMACSHA1_80
	SuiteAES128CMHMACSHA1_32
	SuiteAEADAESGCM128
	SuiteNull
)

func (s Suite) protectionProfile() (srtp.ProtectionProfile, bool) {
	switch s {
	case SuiteAES128CMHMACSHA1_80:
		return srtp.ProtectionProfileAes128CmHmacSha1_80, true
	case SuiteAES128CMHMACSHA1_32:
		return srtp.ProtectionProfileAes128CmHmacSha1_32, true
	case SuiteAEADAESGCM128:
		return srtp.ProtectionProfileAeadAes128Gcm, true
	default:
		return 0, false
	}
}

// KernelBlock is the {cipher, hmac, mki, mki_len, master_key, master_salt,
// session_key_len, auth_tag_len, last_index} descriptor the kernel offload
// controller embeds in a target_info for one direction (spec.md §4.3/§4.6).
type KernelBlock struct {
	Cipher        string
	HMAC          string
	MKI           []byte
	SessionKeyLen int
	AuthTagLen    int
	MasterKey     []byte
	MasterSalt    []byte
	LastIndex     uint64
}

// Context wraps one SRTP cryptographic context for one direction of one
// stream FD (spec.md §3 "crypto context (egress)" / "per-socket crypto for
// ingress"), built from key material signaling has already derived.
type Context struct {
	Suite               Suite
	MasterKey           []byte
	MasterSalt          []byte
	UnencryptedSRTP     bool
	UnauthenticatedSRTP bool

	srtpCtx *srtp.Context
}

// NewContext builds a Context from negotiated key material. A Null suite
// or the unencrypted/unauthenticated overrides produce a Context whose
// Encrypt/Decrypt methods pass bytes through unchanged, matching
// "unencrypted_srtp forces cipher=NULL" (spec.md §4.3).
func NewContext(suite Suite, masterKey, masterSalt []byte, unencrypted, unauthenticated bool) (*Context, error) {
	c := &Context{
		Suite:               suite,
		MasterKey:           masterKey,
		MasterSalt:          masterSalt,
		UnencryptedSRTP:     unencrypted,
		UnauthenticatedSRTP: unauthenticated,
	}
	if suite == SuiteNull || suite == SuiteUnset || unencrypted {
		return c, nil
	}
	profile, ok := suite.protectionProfile()
	if !ok {
		return nil, fmt.Errorf("crypto: unsupported suite %v", suite)
	}
	ctx, err := srtp.CreateContext(masterKey, masterSalt, profile)
	if err != nil {
		return nil, fmt.Errorf("crypto: create srtp context: %w", err)
	}
	c.srtpCtx = ctx
	return c, nil
}

// IsNull reports whether this context passes RTP/RTCP through unencrypted,
// either because the suite is Null/unset or unencrypted_srtp was forced.
func (c *Context) IsNull() bool {
	return c == nil || c.srtpCtx == nil
}

// KernelBlockFor builds the kernel descriptor for this context's current
// state, honoring unencrypted_srtp (cipher=NULL) and unauthenticated_srtp
// (auth_tag_len=0) (spec.md §4.3). lastIndex comes from the stream's
// SSRCContext.
func (c *Context) KernelBlockFor(lastIndex uint64) KernelBlock {
	if c.IsNull() {
		return NullKernelBlock()
	}
	authLen := 10
	if c.UnauthenticatedSRTP {
		authLen = 0
	}
	cipher := "aes-cm"
	if c.UnencryptedSRTP {
		cipher = "null"
	}
	return KernelBlock{
		Cipher:        cipher,
		HMAC:          "hmac-sha1",
		SessionKeyLen: len(c.MasterKey),
		AuthTagLen:    authLen,
		MasterKey:     c.MasterKey,
		MasterSalt:    c.MasterSalt,
		LastIndex:     lastIndex,
	}
}

// NullKernelBlock is the all-null descriptor for the null kernel builder
// (spec.md §4.3).
func NullKernelBlock() KernelBlock {
	return KernelBlock{Cipher: "null", HMAC: "null"}
}
