package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

const (
	// AccessTokenMaxAge matches the default passkey token lifetime.
	AccessTokenMaxAge = 2 * time.Hour

	// RandomIDLength is the length of generated session ids in bytes
	RandomIDLength = 32
)

// GenerateRandomID returns a hex encoded random identifier.
func GenerateRandomID() (string, error) {
	b := make([]byte, RandomIDLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// AccessTokenCookie builds the cookie holding a passkey token.
func AccessTokenCookie(token string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     AccessTokenCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(AccessTokenMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ExpiredCookie clears a cookie by name.
func ExpiredCookie(name string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
