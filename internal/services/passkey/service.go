// Package passkey registers users with WebAuthn passkeys and logs them in.
// A finished ceremony puts the user id into the browser session and issues
// a passkey token for the access_token cookie.
package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/bunx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/repository"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/token"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/session"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/telemetry"
)

const (
	tracerName = "teeproxy/services/passkey"

	maxUsernameLength = 64
	// ceremonyTTL bounds how long a begun ceremony may be finished.
	ceremonyTTL = 5 * time.Minute
)

// TokenIssuer is the part of the token service passkey logins use.
type TokenIssuer interface {
	Issue(ctx context.Context, req token.IssueRequest) (*token.IssuedToken, error)
}

// RequestMeta is recorded with the issued token.
type RequestMeta struct {
	ClientIP  string
	UserAgent string
}

// Result is a finished registration or login.
type Result struct {
	User  *models.User
	Token *token.IssuedToken
}

// Options configures a Service.
type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
}

// Service drives passkey registration and login.
type Service struct {
	users    repository.UserRepository
	creds    repository.WebAuthnCredentialRepository
	tokens   TokenIssuer
	ceremony Ceremony
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a passkey service.
func NewService(users repository.UserRepository, creds repository.WebAuthnCredentialRepository, tokens TokenIssuer, ceremony Ceremony, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{users: users, creds: creds, tokens: tokens, ceremony: ceremony, logger: opts.Logger, now: opts.Now}
}

// pending is a begun ceremony kept in the session.
type pending struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	State       string    `json:"state"`
	Expires     time.Time `json:"expires"`
}

func (s *Service) save(sess *session.Session, key string, p pending) error {
	p.Expires = s.now().Add(ceremonyTTL)
	b, err := json.Marshal(p)
	if err != nil {
		return auth.Fatal("encode ceremony state", err)
	}
	sess.Set(key, string(b))
	return nil
}

// take removes and returns the pending ceremony under key.
func (s *Service) take(sess *session.Session, key, expired string) (*pending, error) {
	raw := sess.Get(key)
	if raw == "" {
		return nil, auth.InvalidRequest(expired, nil)
	}
	sess.Delete(key)
	var p pending
	if err := json.Unmarshal([]byte(raw), &p); err != nil || s.now().After(p.Expires) {
		return nil, auth.InvalidRequest(expired, err)
	}
	return &p, nil
}

// BeginRegistration starts registering a new user. The user row is only
// written once the ceremony finishes.
func (s *Service) BeginRegistration(ctx context.Context, sess *session.Session, username, displayName string) (json.RawMessage, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > maxUsernameLength {
		return nil, auth.InvalidRequest("username must be between 1 and 64 characters", nil)
	}
	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return nil, auth.Conflict("Username already exists")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, auth.Fatal("look up username", err)
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = username
	}
	user := &models.User{ID: bunx.NewUUIDv7(), Username: username, DisplayName: displayName}
	options, state, err := s.ceremony.BeginRegistration(user)
	if err != nil {
		return nil, auth.Fatal("begin passkey registration", err)
	}
	if err := s.save(sess, session.KeyWebAuthnRegistration, pending{
		UserID: user.ID, Username: username, DisplayName: displayName, State: state,
	}); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishRegistration verifies the attestation, creates the user with its
// first credential and logs the user in.
func (s *Service) FinishRegistration(ctx context.Context, sess *session.Session, response []byte, meta RequestMeta) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "passkey.FinishRegistration")
	defer span.End()

	p, err := s.take(sess, session.KeyWebAuthnRegistration, "Registration session expired")
	if err != nil {
		return nil, err
	}
	user := &models.User{ID: p.UserID, Username: p.Username, DisplayName: p.DisplayName}
	cred, err := s.ceremony.FinishRegistration(user, p.State, response)
	if err != nil {
		s.logger.Info("passkey registration rejected", zap.String("username", p.Username), zap.Error(err))
		return nil, auth.InvalidCredential("Passkey registration failed", err)
	}
	cred.CreatedAt = s.now().UTC()

	if err := s.creds.CreateWithUser(ctx, user, cred); err != nil {
		if _, lookupErr := s.users.GetByUsername(ctx, user.Username); lookupErr == nil {
			return nil, auth.Conflict("Username already exists")
		}
		telemetry.RecordError(span, err)
		return nil, auth.Fatal("store passkey", err)
	}
	span.SetAttributes(attribute.String(telemetry.AttrUserID, user.ID))
	s.logger.Info("passkey registered", zap.String("user_id", user.ID), zap.String("credential_id", cred.ID))
	return s.login(ctx, sess, user, meta)
}

// BeginLogin starts a login for username.
func (s *Service) BeginLogin(ctx context.Context, sess *session.Session, username string) (json.RawMessage, error) {
	user, creds, err := s.userWithCredentials(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}
	options, state, err := s.ceremony.BeginLogin(user, creds)
	if err != nil {
		return nil, auth.Fatal("begin passkey login", err)
	}
	if err := s.save(sess, session.KeyWebAuthnLogin, pending{UserID: user.ID, State: state}); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishLogin verifies the assertion, records the new sign count and logs
// the user in.
func (s *Service) FinishLogin(ctx context.Context, sess *session.Session, response []byte, meta RequestMeta) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "passkey.FinishLogin")
	defer span.End()

	p, err := s.take(sess, session.KeyWebAuthnLogin, "Login session expired")
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetByID(ctx, p.UserID)
	if err != nil {
		return nil, auth.InvalidRequest("Login session expired", err)
	}
	creds, err := s.creds.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, auth.Fatal("list passkeys", err)
	}
	used, err := s.ceremony.FinishLogin(user, creds, p.State, response)
	if err != nil {
		s.logger.Info("passkey login rejected", zap.String("user_id", user.ID), zap.Error(err))
		return nil, auth.Unauthorized(err)
	}
	if err := s.creds.UpdateSignCount(ctx, used.ID, used.SignCount, s.now().UTC()); err != nil {
		telemetry.RecordError(span, err)
		return nil, auth.Fatal("update sign count", err)
	}
	span.SetAttributes(attribute.String(telemetry.AttrUserID, user.ID))
	return s.login(ctx, sess, user, meta)
}

func (s *Service) userWithCredentials(ctx context.Context, username string) (*models.User, []models.WebAuthnCredential, error) {
	const msg = "Unknown user or no passkey registered"
	if username == "" {
		return nil, nil, auth.InvalidRequest("username is required", nil)
	}
	user, err := s.users.GetByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, auth.InvalidRequest(msg, err)
	}
	if err != nil {
		return nil, nil, auth.Fatal("look up user", err)
	}
	creds, err := s.creds.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, nil, auth.Fatal("list passkeys", err)
	}
	if len(creds) == 0 {
		return nil, nil, auth.InvalidRequest(msg, nil)
	}
	return user, creds, nil
}

// login binds the session to the user and issues the passkey token.
func (s *Service) login(ctx context.Context, sess *session.Session, user *models.User, meta RequestMeta) (*Result, error) {
	issued, err := s.tokens.Issue(ctx, token.IssueRequest{
		UserID:    user.ID,
		Policy:    auth.PolicyPasskey,
		ClientIP:  meta.ClientIP,
		UserAgent: meta.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	sess.Set(session.KeyUserID, user.ID)
	return &Result{User: user, Token: issued}, nil
}
