// Package authtoken issues and verifies the short-lived, audience-scoped
// bearer tokens solver and subscriber sessions authenticate with, using
// golang-jwt/jwt/v4 HMAC signing.
package authtoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/intentauction/coordinator/internal/apperr"
)

// Audience values the coordinator's WebSocket endpoints accept. A
// solver-audience token authenticates C7 handshakes; a websocket-audience
// token authenticates C8 subscriber handshakes. Neither endpoint accepts
// a client-audience token.
const (
	AudienceSolver    = "solver"
	AudienceWebSocket = "websocket"
	AudienceClient    = "client"
)

// claims is the coordinator's JWT payload shape.
type claims struct {
	Subject  string `json:"sub"`
	Audience string `json:"aud"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies bearer tokens with a single HMAC signing key.
type Issuer struct {
	signingKey []byte
	ttl        time.Duration
}

// NewIssuer builds an Issuer. A zero ttl defaults to 5 minutes, matching
// the "short expiry" requirement for session tokens.
func NewIssuer(signingKey string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Issuer{signingKey: []byte(signingKey), ttl: ttl}
}

// Issue mints a token binding subject (solverId or client identity) to
// audience, expiring after the issuer's configured TTL.
func (iss *Issuer) Issue(subject, audience string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Subject:  subject,
		Audience: audience,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(iss.ttl)),
			Issuer:    "intentauction-coordinator",
		},
	})
	signed, err := token.SignedString(iss.signingKey)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "sign token", err)
	}
	return signed, nil
}

// Verify checks tokenString's signature, expiry, and audience, returning
// the bound subject on success.
func (iss *Issuer) Verify(tokenString, wantAudience string) (subject string, err error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return iss.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		return "", apperr.New(apperr.KindUnauthorized, "invalid or expired token")
	}
	c, ok := parsed.Claims.(*claims)
	if !ok {
		return "", apperr.New(apperr.KindUnauthorized, "malformed token claims")
	}
	if c.Audience != wantAudience {
		return "", apperr.New(apperr.KindUnauthorized, "token audience mismatch")
	}
	return c.Subject, nil
}
