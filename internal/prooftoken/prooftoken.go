// Package prooftoken mints and verifies the short-lived signed tokens that
// bind a live session to its anchor location. Verification is purely
// cryptographic; it never touches the database.
package prooftoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL keeps a displayed code live only for a short window, so the
// issuer must keep refreshing it while scanning is open.
const DefaultTTL = 10 * time.Second

var (
	// ErrTokenExpired indicates a structurally valid token past its TTL.
	ErrTokenExpired = errors.New("proof token expired")
	// ErrTokenInvalid indicates a malformed token or a bad signature.
	ErrTokenInvalid = errors.New("proof token invalid")
)

// Payload is what a verified proof token carries.
type Payload struct {
	SessionID         int64   `json:"session_id"`
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`
	ExpectedScanCount int     `json:"expected_scan_count"`
}

type proofClaims struct {
	Payload
	jwt.RegisteredClaims
}

// Codec signs and verifies proof tokens with a server-held HS256 secret.
type Codec struct {
	secret []byte
	issuer string
}

// NewCodec creates a codec bound to a signing secret and issuer.
func NewCodec(secret, issuer string) *Codec {
	return &Codec{secret: []byte(secret), issuer: issuer}
}

// Mint issues a signed token for the session. A non-positive ttl falls back
// to DefaultTTL.
func (c *Codec) Mint(sessionID int64, lat, lng float64, expectedScanCount int, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := proofClaims{
		Payload: Payload{
			SessionID:         sessionID,
			Latitude:          lat,
			Longitude:         lng,
			ExpectedScanCount: expectedScanCount,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Verify checks signature, structure and expiry and returns the payload.
func (c *Codec) Verify(token string) (Payload, error) {
	parsed, err := jwt.ParseWithClaims(token, &proofClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Payload{}, ErrTokenExpired
		}
		return Payload{}, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*proofClaims)
	if !ok || !parsed.Valid {
		return Payload{}, ErrTokenInvalid
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return Payload{}, ErrTokenInvalid
	}
	if claims.SessionID <= 0 || claims.ExpectedScanCount < 1 {
		return Payload{}, ErrTokenInvalid
	}
	return claims.Payload, nil
}
