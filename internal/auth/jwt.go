package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenCookieName carries passkey-policy tokens for browser sessions.
const AccessTokenCookieName = "access_token"

// SessionCookieName carries the signed session.
const SessionCookieName = "teeproxy.session"

// Claims is the signed token payload: {sub, policy, jti, exp, scopes?}.
type Claims struct {
	Policy string `json:"policy"`
	Scopes string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// ScopeList splits the space-separated scopes claim.
func (c *Claims) ScopeList() []string {
	return strings.Fields(c.Scopes)
}

// TokenSigner signs and verifies HS256 tokens with a configured secret.
type TokenSigner struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenSigner returns a signer for the given secret.
func NewTokenSigner(secret []byte) (*TokenSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	return &TokenSigner{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Sign produces the compact token for the given subject and token id.
func (s *TokenSigner) Sign(subject, policy, tokenID string, scopes []string, expiresAt time.Time) (string, error) {
	claims := Claims{
		Policy: policy,
		Scopes: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        tokenID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// PeekTokenID decodes the payload without checking the signature. It is only
// used to find the row to check before doing any cryptographic work.
func (s *TokenSigner) PeekTokenID(token string) (string, error) {
	claims := &Claims{}
	if _, _, err := s.parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if claims.ID == "" {
		return "", errors.New("token missing jti claim")
	}
	return claims.ID, nil
}

// Verify checks the signature and the exp claim.
func (s *TokenSigner) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	return claims, nil
}

// HashToken creates a SHA256 hash of a token string.
func HashToken(token string) string {
	hasher := sha256.New()
	hasher.Write([]byte(token))
	return hex.EncodeToString(hasher.Sum(nil))
}
