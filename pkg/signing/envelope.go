package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chainlog-io/chainlog/pkg/canonjson"
)

// Envelope is the detached signature document written next to a signed
// artifact, conventionally at the artifact path plus a ".sig" suffix.
type Envelope struct {
	SignatureB64 string `json:"signature_b64"`
	PubHex       string `json:"pub_hex"`
}

// WriteEnvelope writes env to path as indented JSON.
func WriteEnvelope(path string, env Envelope) error {
	b, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal signature envelope: %w", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write signature envelope: %w", err)
	}
	return nil
}

// ReadEnvelope reads a detached signature document from path.
func ReadEnvelope(path string) (Envelope, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Envelope{}, fmt.Errorf("read signature envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse signature envelope: %w", err)
	}
	return env, nil
}

// SignedPayload carries an arbitrary payload together with an Ed25519
// signature over its canonical form. The payload hash is bound into the
// document so a verifier can tell "payload was replaced" apart from
// "signature is bogus".
type SignedPayload struct {
	Payload      any     `json:"payload"`
	Signer       string  `json:"signer,omitempty"`
	SignedAt     float64 `json:"signed_at"`
	PayloadHash  string  `json:"payload_hash"`
	SignatureB64 string  `json:"signature_b64"`
	PubHex       string  `json:"pub_hex"`
}

// SignPayload hashes payload canonically and signs the canonical bytes
// with a hex-encoded private seed. signer is an informational label
// recorded in the document.
func SignPayload(privHex, signer string, payload any) (*SignedPayload, error) {
	priv, err := DecodePrivateHex(privHex)
	if err != nil {
		return nil, err
	}
	hashHex, canonical, err := canonjson.SumHex(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return &SignedPayload{
		Payload:      payload,
		Signer:       signer,
		SignedAt:     float64(time.Now().UnixNano()) / 1e9,
		PayloadHash:  hashHex,
		SignatureB64: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, canonical)),
		PubHex:       PublicHex(priv),
	}, nil
}

// VerifyPayload checks a SignedPayload against its embedded public key.
// The payload hash is compared first: ErrPayloadHashMismatch means the
// payload no longer matches what was signed, before the signature itself
// is examined.
func VerifyPayload(sp *SignedPayload) error {
	hashHex, canonical, err := canonjson.SumHex(sp.Payload)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}
	expected, err := hex.DecodeString(hashHex)
	if err != nil {
		return ErrInvalidEncoding
	}
	got, err := hex.DecodeString(strings.TrimSpace(sp.PayloadHash))
	if err != nil || len(got) != sha256.Size {
		return ErrInvalidEncoding
	}
	if subtle.ConstantTimeCompare(expected, got) != 1 {
		return ErrPayloadHashMismatch
	}
	return Verify(sp.PubHex, canonical, sp.SignatureB64)
}
