package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fjod/foodee-cart/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the payload of a Foodee access token. The backend puts the
// username in the subject; newer tokens also carry the numeric user id.
type Claims struct {
	UserID   domain.ExternalID `json:"userId,omitempty"`
	Username string            `json:"username,omitempty"`
	Roles    []string          `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Session is the login state of one browsing session.
type Session struct {
	token  string
	claims *Claims
	now    func() time.Time
}

func Anonymous() *Session {
	return &Session{now: time.Now}
}

// New parses a bearer token. With a secret the signature is verified; without
// one the claims are only decoded and the backend stays the authority.
// Expiry is checked on every Credentials call, not here, because a store
// keeps its session for longer than one request.
func New(token string, secret []byte) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	var err error
	if len(secret) > 0 {
		_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithoutClaimsValidation())
	} else {
		_, _, err = jwt.NewParser().ParseUnverified(token, claims)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &Session{token: token, claims: claims, now: time.Now}, nil
}

// FromRequest builds the session from the Authorization header. Requests
// without the header are anonymous; a malformed header yields an anonymous
// session together with the error.
func FromRequest(r *http.Request, secret []byte) (*Session, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Anonymous(), nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return Anonymous(), fmt.Errorf("%w: expected bearer scheme", ErrInvalidToken)
	}
	s, err := New(token, secret)
	if err != nil {
		return Anonymous(), err
	}
	return s, nil
}

// Credentials returns the token while it has not expired.
func (s *Session) Credentials() (string, bool) {
	if s == nil || s.token == "" {
		return "", false
	}
	if exp := s.claims.ExpiresAt; exp != nil && !s.now().Before(exp.Time) {
		return "", false
	}
	return s.token, true
}

// UserID prefers the userId claim and falls back to the subject.
func (s *Session) UserID() string {
	if s == nil || s.claims == nil {
		return ""
	}
	if id := s.claims.UserID.String(); id != "" {
		return id
	}
	return s.claims.Subject
}

func (s *Session) Username() string {
	if s == nil || s.claims == nil {
		return ""
	}
	if s.claims.Username != "" {
		return s.claims.Username
	}
	return s.claims.Subject
}

func (s *Session) ExpiresAt() time.Time {
	if s == nil || s.claims == nil || s.claims.ExpiresAt == nil {
		return time.Time{}
	}
	return s.claims.ExpiresAt.Time
}
