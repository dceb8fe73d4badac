package server

import (
	"context"
	"encoding/json"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/passkey"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/policy"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/token"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/vault"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/session"
)

// tokenService defines the token methods used by server handlers.
// The assertions below prove the concrete services satisfy each contract
// without the handlers importing repositories.
type tokenService interface {
	Issue(ctx context.Context, req token.IssueRequest) (*token.IssuedToken, error)
	Revoke(ctx context.Context, tokenID, userID string, meta token.RequestMeta) (bool, error)
	RevokeAll(ctx context.Context, userID, exceptTokenID string, meta token.RequestMeta) (int, error)
	ListActive(ctx context.Context, userID, policy string) ([]models.IssuedToken, error)
}

// passkeyService runs the WebAuthn ceremonies.
type passkeyService interface {
	BeginRegistration(ctx context.Context, sess *session.Session, username, displayName string) (json.RawMessage, error)
	FinishRegistration(ctx context.Context, sess *session.Session, response []byte, meta passkey.RequestMeta) (*passkey.Result, error)
	BeginLogin(ctx context.Context, sess *session.Session, username string) (json.RawMessage, error)
	FinishLogin(ctx context.Context, sess *session.Session, response []byte, meta passkey.RequestMeta) (*passkey.Result, error)
}

// accountService is the account management part of the vault.
type accountService interface {
	Accounts(ctx context.Context, userID, provider string) ([]models.CredentialAccount, error)
	Policy(ctx context.Context, userID, accountID string) (*policy.Document, error)
	UpdatePolicy(ctx context.Context, userID, accountID string, raw []byte, meta vault.RequestMeta) (*policy.Document, error)
	Delete(ctx context.Context, userID, accountID string, meta vault.RequestMeta) error
	DeleteAll(ctx context.Context, userID, provider string, meta vault.RequestMeta) (int, error)
}

// scopeCatalog is the part of the plugin registry the token routes use.
type scopeCatalog interface {
	AllScopes() map[string]string
	JWTPolicyScopes() map[string][]string
	ValidateScopes(scopes []string) error
}

var (
	_ tokenService   = (*token.Service)(nil)
	_ passkeyService = (*passkey.Service)(nil)
	_ accountService = (*vault.Service)(nil)
)
