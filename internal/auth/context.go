package auth

import (
	"context"
	"slices"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
)

// AuthContext is the request-scoped result of authentication.
// A zero value means the request is unauthenticated.
type AuthContext struct {
	// User is the resolved principal, nil when unauthenticated.
	User *models.User
	// Type is the tag of the strategy that authenticated the request.
	Type AuthType
	// Token is the issued token record used, if any.
	Token *models.IssuedToken
	// Scopes granted to this request.
	Scopes []string
}

// IsAuthenticated reports whether a strategy resolved a principal.
func (a *AuthContext) IsAuthenticated() bool {
	return a != nil && a.User != nil
}

// UserID returns the principal id or "".
func (a *AuthContext) UserID() string {
	if !a.IsAuthenticated() {
		return ""
	}
	return a.User.ID
}

// HasAnyScope reports whether at least one of scopes was granted.
func (a *AuthContext) HasAnyScope(scopes ...string) bool {
	if a == nil {
		return false
	}
	for _, s := range scopes {
		if slices.Contains(a.Scopes, s) {
			return true
		}
	}
	return false
}

type authContextKey struct{}

// WithAuthContext stores the auth context on ctx.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// FromContext returns the auth context attached by the middleware, or an
// empty one.
func FromContext(ctx context.Context) *AuthContext {
	if ac, ok := ctx.Value(authContextKey{}).(*AuthContext); ok && ac != nil {
		return ac
	}
	return &AuthContext{}
}
