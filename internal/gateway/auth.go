package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthDisabled is returned when no JWT secret is configured.
	ErrAuthDisabled = errors.New("gateway: auth disabled")
	// ErrInvalidToken is returned for malformed, expired, or forged tokens.
	ErrInvalidToken = errors.New("gateway: invalid token")
)

// TokenAuth signs and verifies the bearer tokens the HTTP API accepts.
// A nil or secretless TokenAuth disables auth entirely; the desktop
// build runs that way.
type TokenAuth struct {
	secret []byte
	expiry time.Duration
}

// NewTokenAuth builds a token helper. An empty secret disables auth.
func NewTokenAuth(secret string, expiry time.Duration) *TokenAuth {
	return &TokenAuth{secret: []byte(secret), expiry: expiry}
}

// Enabled reports whether requests must carry a bearer token.
func (a *TokenAuth) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Issue signs a token for the given subject.
func (a *TokenAuth) Issue(subject string) (string, error) {
	if !a.Enabled() {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}

	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	if a.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(a.expiry))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify parses a token and returns its subject.
func (a *TokenAuth) Verify(token string) (string, error) {
	if !a.Enabled() {
		return "", ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Middleware enforces bearer auth when enabled; otherwise it passes
// requests straight through.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := a.Verify(token); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	// WebSocket clients cannot set headers from browsers; allow a
	// query parameter fallback for /ws.
	return r.URL.Query().Get("token")
}
