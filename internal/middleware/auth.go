package middleware

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/httpx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/iam"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/token"
)

// RequestAuthenticator resolves the auth context of a request.
type RequestAuthenticator interface {
	AuthenticateRequest(ctx context.Context, req iam.AuthRequest) (*auth.AuthContext, error)
}

// TokenRefresher replaces passkey tokens that are about to expire.
type TokenRefresher interface {
	RefreshIfNearExpiry(ctx context.Context, ac *auth.AuthContext, threshold time.Duration, meta token.RequestMeta) (*token.IssuedToken, error)
}

// AuthOptions configures AuthMiddleware.
type AuthOptions struct {
	Authenticator RequestAuthenticator
	// Refresher may be nil to disable cookie refresh
	Refresher        TokenRefresher
	RefreshThreshold time.Duration
	PublicPaths      []string
	Requirements     map[string][]auth.AuthType
	// SecureCookies marks refreshed cookies Secure
	SecureCookies bool
	LoginPath     string
	Logger        *zap.Logger
}

// AuthMiddleware authenticates every non-public request, enforces the path's
// auth requirement and refreshes near-expiry passkey cookies on the way out.
//
// Rejected requests are redirected to the login page when the path accepts
// sessions, otherwise they get a 401 JSON error.
func AuthMiddleware(opts AuthOptions) func(http.Handler) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
	}
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = token.DefaultRefreshThreshold
	}
	if opts.Requirements == nil {
		opts.Requirements = DefaultRequirements()
	}
	if opts.PublicPaths == nil {
		opts.PublicPaths = DefaultPublicPaths
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithAuthContext(r.Context(), &auth.AuthContext{})
			path := r.URL.Path

			if MatchesAny(path, opts.PublicPaths) {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			req := iam.NewAuthRequest(r)
			ac, err := opts.Authenticator.AuthenticateRequest(ctx, req)
			if err != nil {
				httpx.WriteError(w, r, opts.Logger, err)
				return
			}
			ctx = auth.WithAuthContext(ctx, ac)

			required := ResolveRequirement(path, opts.Requirements)
			if !auth.Allows(required, ac.Type) {
				opts.Logger.Debug("authentication required",
					zap.String("path", path),
					zap.String("auth_type", string(ac.Type)))
				if contains(required, auth.AuthTypeSession) {
					http.Redirect(w, r, opts.LoginPath, http.StatusFound)
					return
				}
				httpx.Detail(w, http.StatusUnauthorized, "Authentication required")
				return
			}

			r = r.WithContext(ctx)
			if opts.Refresher == nil || !refreshable(ac, req) {
				next.ServeHTTP(w, r)
				return
			}

			meta := token.RequestMeta{ClientIP: req.ClientIP, UserAgent: req.UserAgent}
			cw := newCommitWriter(w, func() {
				fresh, err := opts.Refresher.RefreshIfNearExpiry(ctx, ac, opts.RefreshThreshold, meta)
				if err != nil {
					opts.Logger.Warn("token refresh failed", zap.String("user_id", ac.UserID()), zap.Error(err))
					return
				}
				if fresh != nil {
					http.SetCookie(w, auth.AccessTokenCookie(fresh.Token, opts.SecureCookies))
				}
			})
			next.ServeHTTP(cw, r)
			cw.commit()
		})
	}
}

// refreshable reports whether the request authenticated with a passkey token
// that came from the access_token cookie.
func refreshable(ac *auth.AuthContext, req iam.AuthRequest) bool {
	return ac.IsAuthenticated() &&
		ac.Token != nil &&
		ac.Token.Policy == auth.PolicyPasskey &&
		req.Cookie(auth.AccessTokenCookieName) != ""
}

// RequireScopes rejects requests granted none of scopes.
func RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := auth.FromContext(r.Context())
			if !ac.IsAuthenticated() {
				httpx.Detail(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			if len(scopes) > 0 && !ac.HasAnyScope(scopes...) {
				httpx.Detail(w, http.StatusForbidden, "Not enough permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func contains(types []auth.AuthType, t auth.AuthType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
