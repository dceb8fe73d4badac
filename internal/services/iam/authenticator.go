package iam

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/session"
)

// Authenticator validates one kind of credential.
//
// Return values:
//   - (principal, nil): authentication successful
//   - (nil, nil): credentials not present, try the next authenticator
//   - (nil, error): credentials present but invalid
type Authenticator interface {
	// Type is the tag stamped on requests this authenticator accepts.
	Type() auth.AuthType
	Authenticate(ctx context.Context, req AuthRequest) (*Principal, error)
}

// AuthRequest is the request data authenticators may inspect.
type AuthRequest struct {
	Headers http.Header
	Cookies []*http.Cookie
	// Session is the loaded browser session, nil when sessions are not in use
	Session   *session.Session
	ClientIP  string
	UserAgent string
}

// NewAuthRequest captures r. The session is taken from the request context.
func NewAuthRequest(r *http.Request) AuthRequest {
	return AuthRequest{
		Headers:   r.Header,
		Cookies:   r.Cookies(),
		Session:   session.FromContext(r.Context()),
		ClientIP:  ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// Cookie returns the named cookie value or "".
func (r AuthRequest) Cookie(name string) string {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func (r AuthRequest) BearerToken() string {
	header := r.Headers.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// ClientIP returns the host of r.RemoteAddr. Forwarding headers are ignored
// here; the router rewrites RemoteAddr from them only when server.trust_proxy
// is set.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return strings.Trim(r.RemoteAddr, "[]")
}
