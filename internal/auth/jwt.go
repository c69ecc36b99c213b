// Package auth decodes identity tokens on the client and verifies and issues them on the backend.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/and161185/convokeeper/internal/errs"
	"github.com/golang-jwt/jwt/v5"
)

// Token kinds carried in the "typ" claim.
const (
	KindUser         = "user"
	KindConversation = "conversation"
)

// Claims is the token body used by both token kinds.
type Claims struct {
	Kind string `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

// SubjectFromToken returns the "sub" claim without verifying the signature.
// The backend verifies the token; the client only needs the subject to pick an identity.
func SubjectFromToken(token string) (string, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", errs.ErrMissingSubClaim
	}
	return claims.Subject, nil
}

// Signer issues and verifies HS256 tokens.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSigner constructs a signer. A zero ttl issues tokens without expiry.
func NewSigner(key []byte, ttl time.Duration) *Signer {
	return &Signer{key: key, ttl: ttl, now: time.Now}
}

// Issue signs a token of kind for subject.
func (s *Signer) Issue(kind, subject string) (string, time.Time, error) {
	now := s.now()
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	var exp time.Time
	if s.ttl > 0 {
		exp = now.Add(s.ttl)
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	return signed, exp, err
}

// Verify checks signature and validity window and returns the claims.
// A non-empty kind must match the token's kind.
func (s *Signer) Verify(token, kind string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.key, nil
	}, jwt.WithLeeway(30*time.Second), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return Claims{}, errs.ErrUnauthorized
	}
	if claims.Subject == "" {
		return Claims{}, errs.ErrUnauthorized
	}
	if kind != "" && claims.Kind != kind {
		return Claims{}, errs.ErrUnauthorized
	}
	return claims, nil
}
