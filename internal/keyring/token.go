package keyring

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried in operator tokens. Operators can append and export;
// admins can additionally rotate keys and manage webhooks.
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Claims are the JWT claims for a chainlog operator token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenIssuer issues and verifies operator tokens signed EdDSA with the
// service keypair, so the key that signs snapshots also anchors API
// credentials.
type TokenIssuer struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer signing with kp.
//
//	issuer — the "iss" claim value; typically the daemon's base URL.
//	ttl    — token lifetime (default: 1 hour).
func NewTokenIssuer(kp *Keypair, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	priv, err := kp.Signer()
	if err != nil {
		return nil, err
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		priv:   priv,
		pub:    priv.Public().(ed25519.PublicKey),
		issuer: issuer,
		ttl:    ttl,
	}, nil
}

// Issue creates a signed operator token for subject with the given role.
func (t *TokenIssuer) Issue(subject, role string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(t.priv)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an operator token, returning its claims on
// success.
func (t *TokenIssuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.pub, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// PublicHex returns the hex encoding of the verification key.
func (t *TokenIssuer) PublicHex() string { return hex.EncodeToString(t.pub) }

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }
