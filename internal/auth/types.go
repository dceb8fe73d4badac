package auth

import (
	"fmt"
	"strings"
)

// AuthType tags how a request was (or must be) authenticated.
type AuthType string

const (
	AuthTypeNone    AuthType = "NONE"
	AuthTypeSession AuthType = "SESSION"
	AuthTypeOAuth2  AuthType = "OAUTH2"
	AuthTypeAny     AuthType = "ANY"
)

// Token policies known to the core. Plugins may define more.
const (
	PolicyPasskey = "passkey"
	PolicyAPI     = "api"
)

// ParseAuthType maps the auth strings used in plugin route tables.
// "passkey" is an alias for SESSION and "api" for OAUTH2.
func ParseAuthType(s string) (AuthType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return AuthTypeNone, nil
	case "session", "passkey":
		return AuthTypeSession, nil
	case "oauth2", "api":
		return AuthTypeOAuth2, nil
	case "any":
		return AuthTypeAny, nil
	default:
		return "", fmt.Errorf("unknown auth type %q", s)
	}
}

// Allows reports whether an authenticated type satisfies the required list.
// An empty actual type means the request is unauthenticated.
func Allows(required []AuthType, actual AuthType) bool {
	for _, r := range required {
		if r == AuthTypeNone {
			return true
		}
	}
	if actual == "" {
		return false
	}
	for _, r := range required {
		if r == AuthTypeAny && actual != AuthTypeNone {
			return true
		}
		if r == actual {
			return true
		}
	}
	return false
}
