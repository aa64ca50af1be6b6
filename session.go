package rentdesk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session supplies the bearer token for outgoing requests. An empty token
// means the request is sent without Authorization.
type Session interface {
	Token(ctx context.Context) (string, error)
}

// SessionFunc adapts a function to the Session interface.
type SessionFunc func(ctx context.Context) (string, error)

func (f SessionFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken is a Session that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// JWTSession holds an access token and exposes its claims. The signature is
// not verified here; that is the backend's job, the client only needs to
// know who the token is for and when it stops working.
type JWTSession struct {
	mu      sync.RWMutex
	token   string
	subject string
	expires time.Time
	now     func() time.Time
}

// NewJWTSession parses token's claims.
func NewJWTSession(token string) (*JWTSession, error) {
	s := &JWTSession{now: time.Now}
	if err := s.SetToken(token); err != nil {
		return nil, err
	}
	return s, nil
}

// SetToken replaces the token, e.g. after a refresh.
func (s *JWTSession) SetToken(token string) error {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return fmt.Errorf("session: parse token: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.subject = claims.Subject
	s.expires = time.Time{}
	if claims.ExpiresAt != nil {
		s.expires = claims.ExpiresAt.Time
	}
	return nil
}

// Subject is the "sub" claim, the signed-in user.
func (s *JWTSession) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subject
}

// ExpiresAt is the "exp" claim; zero when the token has none.
func (s *JWTSession) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expires
}

// Expired reports whether the token is past its expiry.
func (s *JWTSession) Expired() bool {
	exp := s.ExpiresAt()
	return !exp.IsZero() && !s.now().Before(exp)
}

// Token returns ErrSessionExpired once the token has expired.
func (s *JWTSession) Token(context.Context) (string, error) {
	if s.Expired() {
		return "", ErrSessionExpired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}
