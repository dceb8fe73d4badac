package iam

import (
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
)

// Principal is an authenticated identity as returned by an Authenticator.
// It does not carry its own type; Service stamps the authenticator's tag.
type Principal struct {
	User *models.User
	// Token is the issued token used, if any
	Token *models.IssuedToken
	// Scopes granted to the request
	Scopes []string
}

func (p *Principal) authContext(t auth.AuthType) *auth.AuthContext {
	return &auth.AuthContext{
		User:   p.User,
		Type:   t,
		Token:  p.Token,
		Scopes: p.Scopes,
	}
}
