// Package auth supplies the bearer token sent to the contest platform. Tokens are
// issued elsewhere; this package only decodes them to know when they expire.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrTokenExpired = errors.New("access token expired")

// Claims is the subset of the platform's access token we look at.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Decode reads the token's claims without verifying the signature. The platform
// verifies it; we only need the expiry.
func Decode(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decode access token: %w", err)
	}
	return claims, nil
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken serves one configured token. An empty token means anonymous
// access; an expired one is refused so callers fail fast instead of looping on 401s.
type StaticToken struct {
	raw     string
	expires time.Time
	now     func() time.Time
}

func NewStaticToken(raw string) (*StaticToken, error) {
	st := &StaticToken{raw: raw, now: time.Now}
	if raw == "" {
		return st, nil
	}
	claims, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if exp, _ := claims.GetExpirationTime(); exp != nil {
		st.expires = exp.Time
	}
	return st, nil
}

func (s *StaticToken) Token(ctx context.Context) (string, error) {
	if s == nil || s.raw == "" {
		return "", nil
	}
	if !s.expires.IsZero() && !s.now().Before(s.expires) {
		return "", fmt.Errorf("expired at %s: %w", s.expires.Format(time.RFC3339), ErrTokenExpired)
	}
	return s.raw, nil
}

// Expires is the zero time for tokens without an exp claim.
func (s *StaticToken) Expires() time.Time { return s.expires }
