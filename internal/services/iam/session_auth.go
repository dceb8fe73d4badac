package iam

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/repository"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/token"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/session"
)

// TokenValidator is the part of the token service authenticators use.
type TokenValidator interface {
	Validate(ctx context.Context, token string, opts token.ValidateOptions) (*auth.AuthContext, error)
}

// SessionAuthenticator authenticates browser requests from the signed
// session's user_id. A stale user_id is removed from the session.
//
// When the request also carries a valid passkey access_token cookie for the
// same user, its record is attached so it can be refreshed on the response.
type SessionAuthenticator struct {
	users  repository.UserRepository
	tokens TokenValidator
	scopes []string
	logger *zap.Logger
}

// NewSessionAuthenticator creates a session authenticator. scopes are granted
// to every session request, normally the scopes of the passkey policy.
func NewSessionAuthenticator(users repository.UserRepository, tokens TokenValidator, scopes []string, logger *zap.Logger) *SessionAuthenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionAuthenticator{
		users:  users,
		tokens: tokens,
		scopes: slices.Clone(scopes),
		logger: logger,
	}
}

func (a *SessionAuthenticator) Type() auth.AuthType { return auth.AuthTypeSession }

func (a *SessionAuthenticator) Authenticate(ctx context.Context, req AuthRequest) (*Principal, error) {
	userID := req.Session.Get(session.KeyUserID)
	if userID == "" {
		return nil, nil
	}

	user, err := a.users.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		a.logger.Info("session references unknown user, clearing", zap.String("user_id", userID))
		req.Session.Delete(session.KeyUserID)
		return nil, nil
	}
	if err != nil {
		return nil, auth.Fatal("user store unavailable", err)
	}

	principal := &Principal{User: user, Scopes: slices.Clone(a.scopes)}

	if raw := req.Cookie(auth.AccessTokenCookieName); raw != "" && a.tokens != nil {
		ac, err := a.tokens.Validate(ctx, raw, token.ValidateOptions{})
		switch {
		case err == nil:
			if ac.UserID() == user.ID && ac.Token.Policy == auth.PolicyPasskey {
				principal.Token = ac.Token
			}
		case auth.KindOf(err) == auth.KindFatal:
			return nil, err
		default:
			a.logger.Debug("ignoring invalid access_token cookie", zap.Error(err))
		}
	}
	return principal, nil
}
