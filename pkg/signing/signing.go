// Package signing wraps Ed25519 detached signatures in the wire encodings
// chainlog uses everywhere: private keys as hex-encoded 32-byte seeds,
// public keys as hex, signatures as standard base64.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidKeyEncoding  = errors.New("invalid key encoding")
	ErrInvalidKeySize      = errors.New("invalid key size")
	ErrInvalidEncoding     = errors.New("invalid encoding")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrPayloadHashMismatch = errors.New("payload hash mismatch")
)

// GenerateKeypairHex returns a fresh Ed25519 keypair as hex strings: the
// 32-byte private seed and the 32-byte public key.
func GenerateKeypairHex() (privHex, pubHex string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate keypair: %w", err)
	}
	return hex.EncodeToString(priv.Seed()), hex.EncodeToString(pub), nil
}

// DecodePrivateHex parses a hex-encoded 32-byte Ed25519 seed into a
// private key. Encoding and size problems are reported as distinct errors
// so callers can reject a bad key before doing any work with it.
func DecodePrivateHex(privHex string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(privHex))
	if err != nil {
		return nil, ErrInvalidKeyEncoding
	}
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidKeySize
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// DecodePublicHex parses a hex-encoded 32-byte Ed25519 public key.
func DecodePublicHex(pubHex string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(pubHex))
	if err != nil {
		return nil, ErrInvalidKeyEncoding
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, ErrInvalidKeySize
	}
	return ed25519.PublicKey(b), nil
}

// PublicHex returns the hex encoding of the public half of priv.
func PublicHex(priv ed25519.PrivateKey) string {
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey))
}

// Sign signs message with a hex-encoded private seed and returns the
// signature in standard base64.
func Sign(privHex string, message []byte) (string, error) {
	priv, err := DecodePrivateHex(privHex)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, message)), nil
}

// Verify checks a base64 signature over message against a hex-encoded
// public key. It returns nil when the signature is valid.
func Verify(pubHex string, message []byte, sigB64 string) error {
	pub, err := DecodePublicHex(pubHex)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigB64))
	if err != nil {
		return ErrInvalidEncoding
	}
	if len(sig) != ed25519.SignatureSize {
		return ErrInvalidEncoding
	}
	if !ed25519.Verify(pub, message, sig) {
		return ErrInvalidSignature
	}
	return nil
}
