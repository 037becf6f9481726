package gateway

import (
	"crypto/ed25519"
	"encoding/base64"
	"sort"
	"strconv"
	"strings"

	"github.com/brooqs/openclaw-voice-server/internal/identity"
)

// protocolRange tags the signing string with the protocol versions the
// signature is valid for. Bump this instead of reordering fields.
const protocolRange = "v3"

// signingDelimiter joins the canonical fields. It may not appear inside any
// field value; nonces, tokens, and ids are all pipe-free by contract.
const signingDelimiter = "|"

// authAttempt is the material signed for one handshake. The challenge nonce
// is consumed by Sign: a nonce signed once is never signed again.
type authAttempt struct {
	DeviceID   string
	ClientID   string
	Mode       string
	Role       string
	Scopes     []string
	SignedAtMs int64
	Credential string // device token if issued, else bootstrap token
	Nonce      string
}

// signingString builds the canonical bytes-to-sign. Field order is part of
// the wire contract for protocolRange and must match the gateway verifier
// exactly.
func (a *authAttempt) signingString() string {
	scopes := append([]string(nil), a.Scopes...)
	sort.Strings(scopes)

	fields := []string{
		protocolRange,
		a.DeviceID,
		a.ClientID,
		a.Mode,
		a.Role,
		strings.Join(scopes, ","),
		strconv.FormatInt(a.SignedAtMs, 10),
		a.Credential,
		a.Nonce,
	}
	return strings.Join(fields, signingDelimiter)
}

// sign produces the detached device attestation for the connect request.
func (a *authAttempt) sign(dev *identity.Device) *deviceAttest {
	sig := ed25519.Sign(dev.PrivateKey, []byte(a.signingString()))
	return &deviceAttest{
		ID:        dev.DeviceID,
		PublicKey: base64.RawURLEncoding.EncodeToString(dev.PublicKey),
		Signature: base64.RawURLEncoding.EncodeToString(sig),
		SignedAt:  a.SignedAtMs,
		Nonce:     a.Nonce,
	}
}
