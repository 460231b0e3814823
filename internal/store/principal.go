package store

import (
	"context"
	"time"

	"allocator/internal/core"
)

type principalKey struct{}

// Principal is the authenticated user of a session.
type Principal struct {
	UserID string
	// ExpiresAt is the end of the session; zero never expires.
	ExpiresAt time.Time
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// WithUser attaches a non-expiring principal, as used by the CLI and tests.
func WithUser(ctx context.Context, userID string) context.Context {
	return WithPrincipal(ctx, Principal{UserID: userID})
}

// PrincipalFromContext returns the principal carried by ctx.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}

// CurrentPrincipal resolves the user id of ctx, failing with
// core.ErrUnauthenticated when the session is missing or lapsed. Both
// stores delegate to it.
func CurrentPrincipal(ctx context.Context, now time.Time) (string, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return "", core.ErrUnauthenticated
	}
	if !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt) {
		return "", core.ErrUnauthenticated
	}
	return p.UserID, nil
}
