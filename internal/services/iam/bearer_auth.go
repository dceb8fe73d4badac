package iam

import (
	"context"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/token"
)

// BearerAuthenticator authenticates "Authorization: Bearer" tokens issued by
// the token service. The token's scopes are granted to the request.
type BearerAuthenticator struct {
	tokens TokenValidator
}

// NewBearerAuthenticator creates a bearer authenticator.
func NewBearerAuthenticator(tokens TokenValidator) *BearerAuthenticator {
	return &BearerAuthenticator{tokens: tokens}
}

func (a *BearerAuthenticator) Type() auth.AuthType { return auth.AuthTypeOAuth2 }

func (a *BearerAuthenticator) Authenticate(ctx context.Context, req AuthRequest) (*Principal, error) {
	raw := req.BearerToken()
	if raw == "" {
		return nil, nil
	}
	ac, err := a.tokens.Validate(ctx, raw, token.ValidateOptions{
		LogAccess: true,
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	return &Principal{User: ac.User, Token: ac.Token, Scopes: ac.Scopes}, nil
}
