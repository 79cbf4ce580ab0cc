package bearer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	// EnvKey is the env var name holding the session credential.
	// #nosec G101 -- not a credential; it's an environment variable name.
	EnvKey = "TELECHAT_BEARER_TOKEN"
)

// Claims is the subset of a JWT credential the client cares about.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Inspect reads the claims of a JWT credential without verifying it.
func Inspect(raw string) (Claims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return Claims{}, ErrMissingToken
	}

	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &rc); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	c := Claims{Subject: strings.TrimSpace(rc.Subject)}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time.UTC()
	}
	return c, nil
}

// Source serves the current session credential. It is safe for concurrent use.
type Source struct {
	now func() time.Time

	mu    sync.RWMutex
	token string
}

// NewSource returns a Source holding raw. now may be nil.
func NewSource(raw string, now func() time.Time) *Source {
	if now == nil {
		now = time.Now
	}
	s := &Source{now: now}
	s.Set(raw)
	return s
}

// FromEnv builds a Source from EnvKey. A missing value is reported lazily by Token.
func FromEnv(now func() time.Time) *Source {
	return NewSource(os.Getenv(EnvKey), now)
}

// Set replaces the credential, e.g. after the host app refreshed the session.
func (s *Source) Set(raw string) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	s.mu.Lock()
	s.token = raw
	s.mu.Unlock()
}

// Invalidate forgets the credential. Later calls to Token fail with ErrMissingToken.
func (s *Source) Invalidate() { s.Set("") }

// Token returns the credential. Opaque (non-JWT) credentials are returned as is;
// JWT credentials past their expiry yield ErrTokenExpired.
func (s *Source) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	tok := s.token
	s.mu.RUnlock()

	if tok == "" {
		return "", ErrMissingToken
	}

	c, err := Inspect(tok)
	if errors.Is(err, ErrMalformedToken) {
		return tok, nil
	}
	if err != nil {
		return "", err
	}
	if !c.ExpiresAt.IsZero() && !s.now().Before(c.ExpiresAt) {
		return "", ErrTokenExpired
	}
	return tok, nil
}

// Subject returns the JWT subject of the current credential, or "" when unknown.
func (s *Source) Subject() string {
	s.mu.RLock()
	tok := s.token
	s.mu.RUnlock()

	c, err := Inspect(tok)
	if err != nil {
		return ""
	}
	return c.Subject
}
