// Package token issues, validates, refreshes and revokes the proxy's own
// access tokens. The issued_tokens row is authoritative: a token with a
// valid signature is still rejected once its row is revoked or expired.
package token

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/bunx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/repository"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/telemetry"
)

const tracerName = "teeproxy/services/token"

const (
	// DefaultExpiry applies when IssueRequest.ExpiryHours is zero.
	DefaultExpiry = 2 * time.Hour
	// DefaultRefreshThreshold is the remaining lifetime below which passkey
	// tokens are replaced.
	DefaultRefreshThreshold = 30 * time.Minute
)

// IssueRequest describes a token to mint.
type IssueRequest struct {
	UserID      string
	Policy      string
	Scopes      []string
	ExpiryHours int
	ClientIP    string
	UserAgent   string
}

// IssuedToken is a freshly minted token with its persisted record.
type IssuedToken struct {
	Token  string
	Record *models.IssuedToken
}

// ValidateOptions controls the side effects of Validate.
type ValidateOptions struct {
	// LogAccess appends a token_use audit row
	LogAccess bool
	ClientIP  string
	UserAgent string
}

// RequestMeta is the caller information recorded with audit rows.
type RequestMeta struct {
	ClientIP  string
	UserAgent string
}

// Options configures a Service.
type Options struct {
	DefaultExpiry time.Duration
	Logger        *zap.Logger
	Metrics       *telemetry.Metrics
	// Now overrides the clock in tests
	Now func() time.Time
}

// Service implements the token lifecycle on top of a TokenRepository.
type Service struct {
	tokens        repository.TokenRepository
	users         repository.UserRepository
	signer        *auth.TokenSigner
	defaultExpiry time.Duration
	logger        *zap.Logger
	metrics       *telemetry.Metrics
	now           func() time.Time
}

// NewService constructs a token service.
func NewService(tokens repository.TokenRepository, users repository.UserRepository, signer *auth.TokenSigner, opts Options) *Service {
	if opts.DefaultExpiry <= 0 {
		opts.DefaultExpiry = DefaultExpiry
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		tokens:        tokens,
		users:         users,
		signer:        signer,
		defaultExpiry: opts.DefaultExpiry,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		now:           opts.Now,
	}
}

// Issue mints a signed token for an existing user and records it together
// with a token_create audit row.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*IssuedToken, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "token.Issue",
		attribute.String(telemetry.AttrUserID, req.UserID),
		attribute.String(telemetry.AttrTokenPolicy, req.Policy),
	)
	defer span.End()

	issued, err := s.issue(ctx, req, nil)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String(telemetry.AttrTokenID, issued.Record.TokenID))
	s.metrics.TokenEvent(req.Policy, "issued")
	return issued, nil
}

// issue signs and stores a token. extra audit rows are written in the same
// transaction as the token_create row.
func (s *Service) issue(ctx context.Context, req IssueRequest, extra func(tokenID string) *models.AuthAccessLog) (*IssuedToken, error) {
	if req.Policy == "" {
		return nil, fmt.Errorf("token policy is required")
	}
	if _, err := s.users.GetByID(ctx, req.UserID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, auth.NotFound("User not found")
		}
		return nil, auth.Fatal("load user", err)
	}

	expiry := s.defaultExpiry
	if req.ExpiryHours > 0 {
		expiry = time.Duration(req.ExpiryHours) * time.Hour
	}
	now := s.now().UTC()
	expiresAt := now.Add(expiry)
	tokenID := bunx.NewTokenID()
	scopes := dedupScopes(req.Scopes)

	signed, err := s.signer.Sign(req.UserID, req.Policy, tokenID, scopes, expiresAt)
	if err != nil {
		return nil, auth.Fatal("sign token", err)
	}

	record := &models.IssuedToken{
		TokenID:     tokenID,
		UserID:      req.UserID,
		Policy:      req.Policy,
		Scopes:      strings.Join(scopes, " "),
		IsActive:    true,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		CreatedByIP: optional(req.ClientIP),
		UserAgent:   optional(req.UserAgent),
	}
	meta := RequestMeta{ClientIP: req.ClientIP, UserAgent: req.UserAgent}
	created := s.auditEntry(req.UserID, tokenID, models.ActionTokenCreate, meta)
	details := "Policy: " + req.Policy
	created.Details = &details

	audits := []*models.AuthAccessLog{created}
	if extra != nil {
		audits = append(audits, extra(tokenID))
	}
	if err := s.tokens.Create(ctx, record, audits...); err != nil {
		return nil, auth.Fatal("store token", err)
	}

	s.logger.Debug("token issued",
		zap.String("user_id", req.UserID),
		zap.String("token_id", tokenID),
		zap.String("policy", req.Policy),
		zap.Time("expires_at", expiresAt))

	return &IssuedToken{Token: signed, Record: record}, nil
}

// Validate resolves a presented token. The stored row is checked before the
// signature so a revoked token is rejected without trusting its payload.
// Every rejection is the same opaque Unauthorized error; a storage failure
// is returned as Fatal.
func (s *Service) Validate(ctx context.Context, token string, opts ValidateOptions) (*auth.AuthContext, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "token.Validate")
	defer span.End()

	reject := func(reason string, cause error) (*auth.AuthContext, error) {
		s.metrics.TokenEvent("", "rejected")
		telemetry.AddEvent(span, "token.rejected", attribute.String("reason", reason))
		s.logger.Debug("token rejected", zap.String("reason", reason), zap.Error(cause))
		return nil, auth.Unauthorized(cause)
	}

	tokenID, err := s.signer.PeekTokenID(token)
	if err != nil {
		return reject("malformed", err)
	}
	span.SetAttributes(attribute.String(telemetry.AttrTokenID, tokenID))

	now := s.now().UTC()
	record, err := s.tokens.GetActive(ctx, tokenID, now)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return reject("inactive", err)
		}
		telemetry.RecordError(span, err)
		return nil, auth.Fatal("token store unavailable", err)
	}

	claims, err := s.signer.Verify(token)
	if err != nil {
		return reject("signature", err)
	}
	if claims.Subject != record.UserID {
		return reject("subject mismatch", nil)
	}

	user, err := s.users.GetByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return reject("unknown user", err)
		}
		telemetry.RecordError(span, err)
		return nil, auth.Fatal("user store unavailable", err)
	}

	var audit *models.AuthAccessLog
	if opts.LogAccess {
		audit = s.auditEntry(user.ID, tokenID, models.ActionTokenUse, RequestMeta{ClientIP: opts.ClientIP, UserAgent: opts.UserAgent})
	}
	if err := s.tokens.MarkUsed(ctx, tokenID, now, audit); err != nil {
		telemetry.RecordError(span, err)
		return nil, auth.Fatal("record token use", err)
	}
	usedAt := now
	record.LastUsedAt = &usedAt

	return &auth.AuthContext{
		User:   user,
		Type:   auth.AuthTypeOAuth2,
		Token:  record,
		Scopes: record.ScopeList(),
	}, nil
}

// RefreshIfNearExpiry issues a replacement for the context's token when its
// remaining lifetime is below threshold. It returns nil when no refresh is
// due. The replacement keeps subject, policy and scopes; the old token stays
// active until it expires.
func (s *Service) RefreshIfNearExpiry(ctx context.Context, ac *auth.AuthContext, threshold time.Duration, meta RequestMeta) (*IssuedToken, error) {
	if !ac.IsAuthenticated() || ac.Token == nil {
		return nil, nil
	}
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}
	if ac.Token.ExpiresAt.Sub(s.now().UTC()) >= threshold {
		return nil, nil
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "token.Refresh",
		attribute.String(telemetry.AttrUserID, ac.User.ID),
		attribute.String(telemetry.AttrTokenID, ac.Token.TokenID),
	)
	defer span.End()

	req := IssueRequest{
		UserID:    ac.User.ID,
		Policy:    ac.Token.Policy,
		Scopes:    ac.Token.ScopeList(),
		ClientIP:  meta.ClientIP,
		UserAgent: meta.UserAgent,
	}
	issued, err := s.issue(ctx, req, func(tokenID string) *models.AuthAccessLog {
		return s.auditEntry(ac.User.ID, tokenID, models.ActionTokenRefresh, meta)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	s.metrics.TokenEvent(ac.Token.Policy, "refreshed")
	s.logger.Info("token refreshed",
		zap.String("user_id", ac.User.ID),
		zap.String("old_token_id", ac.Token.TokenID),
		zap.String("new_token_id", issued.Record.TokenID))
	return issued, nil
}

// Revoke deactivates one of the user's tokens. It returns false when no
// active token matched, so revoking twice is a no-op.
func (s *Service) Revoke(ctx context.Context, tokenID, userID string, meta RequestMeta) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "token.Revoke",
		attribute.String(telemetry.AttrUserID, userID),
		attribute.String(telemetry.AttrTokenID, tokenID),
	)
	defer span.End()

	audit := s.auditEntry(userID, tokenID, models.ActionTokenRevoke, meta)
	revoked, err := s.tokens.Revoke(ctx, tokenID, userID, s.now().UTC(), audit)
	if err != nil {
		telemetry.RecordError(span, err)
		return false, auth.Fatal("revoke token", err)
	}
	if revoked {
		s.metrics.TokenEvent("", "revoked")
		s.logger.Info("token revoked", zap.String("user_id", userID), zap.String("token_id", tokenID))
	}
	return revoked, nil
}

// RevokeAll deactivates every active token of the user except exceptTokenID
// and writes a single token_revoke_all audit row.
func (s *Service) RevokeAll(ctx context.Context, userID, exceptTokenID string, meta RequestMeta) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "token.RevokeAll",
		attribute.String(telemetry.AttrUserID, userID),
	)
	defer span.End()

	audit := s.auditEntry(userID, exceptTokenID, models.ActionTokenRevokeAll, meta)
	count, err := s.tokens.RevokeAll(ctx, userID, exceptTokenID, s.now().UTC(), audit)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, auth.Fatal("revoke tokens", err)
	}
	s.logger.Info("tokens revoked",
		zap.String("user_id", userID),
		zap.String("kept_token_id", exceptTokenID),
		zap.Int("count", count))
	return count, nil
}

// ListActive lists the user's valid tokens; an empty policy lists all.
func (s *Service) ListActive(ctx context.Context, userID, policy string) ([]models.IssuedToken, error) {
	tokens, err := s.tokens.ListActive(ctx, userID, policy, s.now().UTC())
	if err != nil {
		return nil, auth.Fatal("list tokens", err)
	}
	return tokens, nil
}

// PurgeExpired deletes rows that expired before the cutoff.
func (s *Service) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	n, err := s.tokens.DeleteExpired(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("purge expired tokens: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged expired tokens", zap.Int("count", n), zap.Time("before", before))
	}
	return n, nil
}

func (s *Service) auditEntry(userID, tokenID, action string, meta RequestMeta) *models.AuthAccessLog {
	return &models.AuthAccessLog{
		UserID:    optional(userID),
		TokenID:   optional(tokenID),
		Action:    action,
		IPAddress: optional(meta.ClientIP),
		UserAgent: optional(meta.UserAgent),
		CreatedAt: s.now().UTC(),
	}
}

func dedupScopes(scopes []string) []string {
	var out []string
	for _, sc := range scopes {
		if sc != "" && !slices.Contains(out, sc) {
			out = append(out, sc)
		}
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
