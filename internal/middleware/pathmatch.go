package middleware

import (
	"strings"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
)

// DefaultPublicPaths never run the authentication strategies.
var DefaultPublicPaths = []string{
	"/",
	"/login",
	"/register",
	"/error",
	"/static/*",
	"/docs",
	"/redoc",
	"/openapi.json",
	"/health",
	"/metrics",
	"/webauthn/register/begin",
	"/webauthn/register/complete",
	"/webauthn/login/begin",
	"/webauthn/login/complete",
}

// DefaultRequirements are the core routes that need a browser session.
// Plugin requirements are merged on top.
func DefaultRequirements() map[string][]auth.AuthType {
	session := []auth.AuthType{auth.AuthTypeSession}
	reqs := map[string][]auth.AuthType{}
	for _, p := range []string{
		"/dashboard",
		"/token",
		"/token/*",
		"/api/tokens",
		"/api/tokens/*",
		"/api/me",
		"/accounts",
		"/accounts/*",
		"/auth/logout",
		"/auth/revoke-all",
	} {
		reqs[p] = session
	}
	return reqs
}

// MatchesPattern reports whether path matches pattern. A pattern ending in
// "*" matches every path starting with the pattern minus the "*"; any other
// pattern must be equal to the path.
func MatchesPattern(path, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return path == pattern
}

// MatchesAny checks exact entries first, then wildcard entries.
func MatchesAny(path string, patterns []string) bool {
	for _, p := range patterns {
		if p == path {
			return true
		}
	}
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") && MatchesPattern(path, p) {
			return true
		}
	}
	return false
}

// ResolveRequirement returns the accepted auth types for path: an exact
// entry, else the longest matching wildcard entry, else [ANY].
func ResolveRequirement(path string, reqs map[string][]auth.AuthType) []auth.AuthType {
	if types, ok := reqs[path]; ok {
		return types
	}
	var best string
	var found []auth.AuthType
	for p, types := range reqs {
		if !strings.HasSuffix(p, "*") || !MatchesPattern(path, p) {
			continue
		}
		if found == nil || len(p) > len(best) || (len(p) == len(best) && p < best) {
			best, found = p, types
		}
	}
	if found != nil {
		return found
	}
	return []auth.AuthType{auth.AuthTypeAny}
}
