// Package vault stores service credentials sealed at rest and hands them
// to plugins only after the account's policy has been checked.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/repository"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/policy"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/telemetry"
)

const tracerName = "teeproxy/services/vault"

// PluginLookup resolves authorization plugins by name.
type PluginLookup interface {
	AuthPlugin(name string) (plugin.AuthorizationPlugin, bool)
}

// RequestMeta is the caller information recorded with audit rows.
type RequestMeta struct {
	ClientIP  string
	UserAgent string
}

// Options configures a Service.
type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
}

// Service is the credential vault.
type Service struct {
	accounts  repository.CredentialAccountRepository
	plugins   PluginLookup
	engine    *policy.Engine
	validator *policy.Validator
	sealer    *Sealer
	logger    *zap.Logger
	now       func() time.Time
}

var _ plugin.Vault = (*Service)(nil)

// NewService constructs the vault.
func NewService(accounts repository.CredentialAccountRepository, plugins PluginLookup, engine *policy.Engine, validator *policy.Validator, sealer *Sealer, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		accounts:  accounts,
		plugins:   plugins,
		engine:    engine,
		validator: validator,
		sealer:    sealer,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

func (s *Service) authPlugin(name string) (plugin.AuthorizationPlugin, error) {
	ap, ok := s.plugins.AuthPlugin(name)
	if !ok {
		return nil, auth.NotFound(fmt.Sprintf("Unknown service %q", name))
	}
	return ap, nil
}

// Link validates a raw credential with its plugin and stores it sealed.
// Relinking an identity the user already owns refreshes the credential and
// keeps the policy; an identity owned by someone else is a Conflict and
// nothing is written.
func (s *Service) Link(ctx context.Context, req plugin.LinkRequest) (*models.CredentialAccount, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "vault.Link",
		attribute.String(telemetry.AttrUserID, req.UserID),
		attribute.String(telemetry.AttrService, req.Service),
	)
	defer span.End()

	ap, err := s.authPlugin(req.Service)
	if err != nil {
		return nil, err
	}
	creds, err := ap.Deserialize(req.Raw)
	if err != nil {
		return nil, err
	}
	valid, err := ap.ValidateCredentials(ctx, creds)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if !valid {
		return nil, auth.InvalidCredential("Invalid credentials", nil)
	}
	identity, err := ap.UserIdentifier(ctx, creds)
	if err != nil {
		return nil, err
	}
	serialized, err := ap.Serialize(creds)
	if err != nil {
		return nil, auth.Fatal("serialize credentials", err)
	}
	sealed, err := s.sealer.Seal(ap.Provider(), identity, []byte(serialized))
	if err != nil {
		return nil, auth.Fatal("seal credentials", err)
	}

	account := &models.CredentialAccount{
		UserID:           req.UserID,
		Service:          ap.Name(),
		Provider:         ap.Provider(),
		Identity:         identity,
		DisplayName:      displayName(creds),
		SealedCredential: sealed,
	}
	audit := s.auditEntry(req.UserID, "", RequestMeta{ClientIP: req.ClientIP, UserAgent: req.UserAgent})
	details := fmt.Sprintf("Provider: %s, identity: %s", account.Provider, identity)
	audit.Details = &details

	created, err := s.accounts.Link(ctx, account, audit)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			s.logger.Warn("identity already linked to another user",
				zap.String("user_id", req.UserID),
				zap.String("provider", account.Provider),
				zap.String("identity", identity))
			return nil, auth.Conflict("This account is already linked to another user")
		}
		telemetry.RecordError(span, err)
		return nil, auth.Fatal("store credential account", err)
	}

	span.SetAttributes(attribute.String(telemetry.AttrAccountID, account.ID))
	s.logger.Info("linked account",
		zap.String("user_id", req.UserID),
		zap.String("account_id", account.ID),
		zap.String("service", account.Service),
		zap.Bool("created", created))
	return account, nil
}

func displayName(creds plugin.Credentials) *string {
	for _, key := range []string{"screen_name", "username", "phone_number"} {
		if v := creds.String(key); v != "" {
			return &v
		}
	}
	return nil
}

// Accounts lists a user's accounts; an empty provider lists all.
func (s *Service) Accounts(ctx context.Context, userID, provider string) ([]models.CredentialAccount, error) {
	accounts, err := s.accounts.ListByUser(ctx, userID, provider)
	if err != nil {
		return nil, auth.Fatal("list credential accounts", err)
	}
	return accounts, nil
}

// Account returns one of the user's accounts.
func (s *Service) Account(ctx context.Context, userID, id string) (*models.CredentialAccount, error) {
	account, err := s.accounts.GetForUser(ctx, userID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, auth.NotFound("Account not found")
		}
		return nil, auth.Fatal("get credential account", err)
	}
	return account, nil
}

// open decrypts account's credentials. Callers outside the package go
// through Authorize so every read passes the policy check.
func (s *Service) open(ctx context.Context, account *models.CredentialAccount) (plugin.Credentials, error) {
	_, span := telemetry.StartSpan(ctx, tracerName, "vault.Open",
		attribute.String(telemetry.AttrAccountID, account.ID))
	defer span.End()

	ap, err := s.authPlugin(account.Service)
	if err != nil {
		return nil, err
	}
	plain, err := s.sealer.Open(account.Provider, account.Identity, account.SealedCredential)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, auth.Fatal("open sealed credential", err)
	}
	creds, err := ap.Deserialize(string(plain))
	if err != nil {
		return nil, auth.Fatal("decode stored credential", err)
	}
	return creds, nil
}

// PolicyOf returns the account's policy document, the default template when
// none was stored.
func (s *Service) PolicyOf(account *models.CredentialAccount) (*policy.Document, error) {
	if len(account.Policy) == 0 {
		return s.engine.Default(), nil
	}
	doc := new(policy.Document)
	if err := doc.Scan([]byte(account.Policy)); err != nil {
		return nil, auth.Fatal("decode stored policy", err)
	}
	return doc, nil
}

// Policy returns the policy of one of the user's accounts.
func (s *Service) Policy(ctx context.Context, userID, accountID string) (*policy.Document, error) {
	account, err := s.Account(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	return s.PolicyOf(account)
}

// UpdatePolicy validates raw and replaces the account's policy. A rejected
// document leaves the stored one untouched.
func (s *Service) UpdatePolicy(ctx context.Context, userID, accountID string, raw []byte, meta RequestMeta) (*policy.Document, error) {
	doc, err := s.validator.Validate(raw)
	if err != nil {
		return nil, err
	}
	value, err := doc.Value()
	if err != nil {
		return nil, auth.Fatal("encode policy", err)
	}
	encoded, _ := value.(string)

	audit := s.auditEntry(userID, "", meta)
	audit.Action = models.ActionPolicyUpdate
	details := fmt.Sprintf("Account: %s", accountID)
	audit.Details = &details

	err = s.accounts.UpdatePolicy(ctx, userID, accountID, models.RawJSON(encoded), s.now(), audit)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, auth.NotFound("Account not found")
		}
		return nil, auth.Fatal("update account policy", err)
	}
	return doc, nil
}

// Delete unlinks one account.
func (s *Service) Delete(ctx context.Context, userID, accountID string, meta RequestMeta) error {
	audit := s.auditEntry(userID, "", meta)
	audit.Action = models.ActionAccountDelete
	details := fmt.Sprintf("Account: %s", accountID)
	audit.Details = &details

	if err := s.accounts.Delete(ctx, userID, accountID, audit); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return auth.NotFound("Account not found")
		}
		return auth.Fatal("delete credential account", err)
	}
	s.logger.Info("deleted account", zap.String("user_id", userID), zap.String("account_id", accountID))
	return nil
}

// DeleteAll unlinks every account of the user for provider, or all of them
// when provider is empty. The user itself is kept.
func (s *Service) DeleteAll(ctx context.Context, userID, provider string, meta RequestMeta) (int, error) {
	audit := s.auditEntry(userID, "", meta)
	audit.Action = models.ActionAccountDelete
	n, err := s.accounts.DeleteByUser(ctx, userID, provider, audit)
	if err != nil {
		return 0, auth.Fatal("delete credential accounts", err)
	}
	return n, nil
}

// Authorize picks the user's account for provider, checks operationKey
// against its policy and returns the opened credentials. Denial is
// Forbidden.
func (s *Service) Authorize(ctx context.Context, userID, provider, operationKey string) (*models.CredentialAccount, plugin.Credentials, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "vault.Authorize",
		attribute.String(telemetry.AttrUserID, userID),
		attribute.String(telemetry.AttrProvider, provider),
		attribute.String(telemetry.AttrOperationKey, operationKey),
	)
	defer span.End()

	account, err := s.pick(ctx, userID, provider)
	if err != nil {
		return nil, nil, err
	}
	doc, err := s.PolicyOf(account)
	if err != nil {
		return nil, nil, err
	}
	if err := s.engine.Check(operationKey, doc); err != nil {
		span.SetAttributes(attribute.Bool(telemetry.AttrPolicyAllow, false))
		s.logger.Info("operation denied by policy",
			zap.String("user_id", userID),
			zap.String("account_id", account.ID),
			zap.String("operation", operationKey))
		return nil, nil, err
	}
	span.SetAttributes(attribute.Bool(telemetry.AttrPolicyAllow, true))

	creds, err := s.open(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	return account, creds, nil
}

func (s *Service) pick(ctx context.Context, userID, provider string) (*models.CredentialAccount, error) {
	accounts, err := s.Accounts(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, auth.NotFound(fmt.Sprintf("No %s account linked", provider))
	}
	return &accounts[0], nil
}

func (s *Service) auditEntry(userID, tokenID string, meta RequestMeta) *models.AuthAccessLog {
	entry := &models.AuthAccessLog{
		UserID:    optional(userID),
		TokenID:   optional(tokenID),
		IPAddress: optional(meta.ClientIP),
		UserAgent: optional(meta.UserAgent),
		CreatedAt: s.now().UTC(),
	}
	return entry
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
