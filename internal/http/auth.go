package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"allocator/internal/core"
	"allocator/internal/store"
)

// Claims carries the user id in the standard subject claim.
type Claims struct {
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 bearer tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	if len(secret) < 16 {
		return nil, errors.New("token secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for userID and returns it with its expiry.
func (t *Tokens) Issue(userID string) (string, time.Time, error) {
	if err := core.RequireID("user_id", userID); err != nil {
		return "", time.Time{}, err
	}
	now := t.now()
	expires := now.Add(t.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Principal verifies raw and returns the session it grants. Any failure is
// core.ErrUnauthenticated.
func (t *Tokens) Principal(raw string) (store.Principal, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return store.Principal{}, fmt.Errorf("%w: %v", core.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return store.Principal{}, fmt.Errorf("%w: token has no subject", core.ErrUnauthenticated)
	}
	return store.Principal{UserID: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// bearerToken reads the Authorization header. Browsers cannot set headers
// on a websocket handshake, so the access_token query parameter is accepted
// as well.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// authenticate attaches the token's principal to the request context and
// refuses the request with 401 when there is none.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			s.writeError(w, r, fmt.Errorf("%w: missing bearer token", core.ErrUnauthenticated))
			return
		}
		p, err := s.tokens.Principal(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(store.WithPrincipal(r.Context(), p)))
	})
}

// actor resolves the caller of an authenticated request.
func (s *Server) actor(r *http.Request) (string, error) {
	return store.CurrentPrincipal(r.Context(), s.now())
}
