package token

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/repository"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/testutil"
)

var testSecret = []byte(strings.Repeat("k", 32))

type fixture struct {
	db     *bun.DB
	svc    *Service
	tokens *repository.BunTokenRepository
	user   *models.User
	clock  *time.Time
	signer *auth.TokenSigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	users := repository.NewBunUserRepository(db)
	tokens := repository.NewBunTokenRepository(db)
	signer, err := auth.NewTokenSigner(testSecret)
	require.NoError(t, err)

	user := &models.User{Username: "alice"}
	require.NoError(t, users.Create(context.Background(), user))

	now := time.Now().UTC()
	f := &fixture{db: db, tokens: tokens, user: user, clock: &now, signer: signer}
	f.svc = NewService(tokens, users, signer, Options{Now: func() time.Time { return *f.clock }})
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *fixture) auditCount(t *testing.T, action string) int {
	t.Helper()
	n, err := f.db.NewSelect().
		Model((*models.AuthAccessLog)(nil)).
		Where("action = ?", action).
		Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestIssueValidateRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, IssueRequest{
		UserID:      f.user.ID,
		Policy:      auth.PolicyAPI,
		Scopes:      []string{"tweet.read", "tweet.post", "tweet.read"},
		ExpiryHours: 1,
		ClientIP:    "10.0.0.1",
	})
	require.NoError(t, err)
	assert.Equal(t, "tweet.read tweet.post", issued.Record.Scopes)
	assert.WithinDuration(t, f.clock.Add(time.Hour), issued.Record.ExpiresAt, time.Second)

	claims, err := f.signer.Verify(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, claims.Subject)
	assert.Equal(t, issued.Record.TokenID, claims.ID)
	assert.Equal(t, auth.PolicyAPI, claims.Policy)

	ac, err := f.svc.Validate(ctx, issued.Token, ValidateOptions{LogAccess: true})
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, ac.UserID())
	assert.Equal(t, []string{"tweet.read", "tweet.post"}, ac.Scopes)
	assert.Equal(t, auth.AuthTypeOAuth2, ac.Type)
	require.NotNil(t, ac.Token.LastUsedAt)

	assert.Equal(t, 1, f.auditCount(t, models.ActionTokenCreate))
	assert.Equal(t, 1, f.auditCount(t, models.ActionTokenUse))

	var entry models.AuthAccessLog
	require.NoError(t, f.db.NewSelect().Model(&entry).Where("action = ?", models.ActionTokenCreate).Scan(ctx))
	require.NotNil(t, entry.Details)
	assert.Equal(t, "Policy: api", *entry.Details)
}

func TestIssue_DefaultExpiryAndUnknownUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, IssueRequest{UserID: f.user.ID, Policy: auth.PolicyPasskey})
	require.NoError(t, err)
	assert.WithinDuration(t, f.clock.Add(DefaultExpiry), issued.Record.ExpiresAt, time.Second)

	claims, err := f.signer.Verify(issued.Token)
	require.NoError(t, err)
	assert.Empty(t, claims.Scopes)

	_, err = f.svc.Issue(ctx, IssueRequest{UserID: "missing", Policy: auth.PolicyAPI})
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestValidate_RevocationPreemptsSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, IssueRequest{UserID: f.user.ID, Policy: auth.PolicyAPI})
	require.NoError(t, err)

	revoked, err := f.svc.Revoke(ctx, issued.Record.TokenID, f.user.ID, RequestMeta{})
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = f.svc.Validate(ctx, issued.Token, ValidateOptions{})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.Equal(t, auth.UnauthorizedMessage, auth.MessageOf(err))

	revoked, err = f.svc.Revoke(ctx, issued.Record.TokenID, f.user.ID, RequestMeta{})
	require.NoError(t, err)
	assert.False(t, revoked)
	assert.Equal(t, 1, f.auditCount(t, models.ActionTokenRevoke))
}

func TestValidate_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, IssueRequest{UserID: f.user.ID, Policy: auth.PolicyAPI, ExpiryHours: 1})
	require.NoError(t, err)

	t.Run("garbage", func(t *testing.T) {
		_, err := f.svc.Validate(ctx, "not-a-token", ValidateOptions{})
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
	})

	t.Run("bad signature with known jti", func(t *testing.T) {
		otherSigner, err := auth.NewTokenSigner([]byte(strings.Repeat("x", 32)))
		require.NoError(t, err)
		forged, err := otherSigner.Sign(f.user.ID, auth.PolicyAPI, issued.Record.TokenID, nil, issued.Record.ExpiresAt)
		require.NoError(t, err)

		_, err = f.svc.Validate(ctx, forged, ValidateOptions{})
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
		assert.Equal(t, auth.UnauthorizedMessage, auth.MessageOf(err), "same message as unknown jti")
	})

	t.Run("unknown jti", func(t *testing.T) {
		signed, err := f.signer.Sign(f.user.ID, auth.PolicyAPI, "unknown", nil, f.clock.Add(time.Hour))
		require.NoError(t, err)
		_, err = f.svc.Validate(ctx, signed, ValidateOptions{})
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
	})

	t.Run("expired", func(t *testing.T) {
		f.advance(2 * time.Hour)
		defer f.advance(-2 * time.Hour)
		_, err := f.svc.Validate(ctx, issued.Token, ValidateOptions{})
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
	})
}

func TestRevokeAll_KeepsException(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var issued []*IssuedToken
	for i := 0; i < 3; i++ {
		tok, err := f.svc.Issue(ctx, IssueRequest{UserID: f.user.ID, Policy: auth.PolicyPasskey})
		require.NoError(t, err)
		issued = append(issued, tok)
	}
	keep := issued[0].Record.TokenID

	n, err := f.svc.RevokeAll(ctx, f.user.ID, keep, RequestMeta{ClientIP: "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := f.svc.ListActive(ctx, f.user.ID, "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, keep, active[0].TokenID)

	n, err = f.svc.RevokeAll(ctx, f.user.ID, keep, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "idempotent")

	_, err = f.svc.Validate(ctx, issued[0].Token, ValidateOptions{})
	assert.NoError(t, err)
	_, err = f.svc.Validate(ctx, issued[1].Token, ValidateOptions{})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.Equal(t, 2, f.auditCount(t, models.ActionTokenRevokeAll))
}

func TestRefreshIfNearExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, IssueRequest{UserID: f.user.ID, Policy: auth.PolicyPasskey, Scopes: []string{"tweet.read"}})
	require.NoError(t, err)
	ac, err := f.svc.Validate(ctx, issued.Token, ValidateOptions{})
	require.NoError(t, err)

	fresh, err := f.svc.RefreshIfNearExpiry(ctx, ac, DefaultRefreshThreshold, RequestMeta{})
	require.NoError(t, err)
	assert.Nil(t, fresh, "plenty of lifetime left")

	f.advance(DefaultExpiry - 10*time.Minute)
	fresh, err = f.svc.RefreshIfNearExpiry(ctx, ac, DefaultRefreshThreshold, RequestMeta{})
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.NotEqual(t, issued.Record.TokenID, fresh.Record.TokenID)
	assert.Equal(t, auth.PolicyPasskey, fresh.Record.Policy)
	assert.Equal(t, "tweet.read", fresh.Record.Scopes)
	assert.Equal(t, 1, f.auditCount(t, models.ActionTokenRefresh))

	_, err = f.svc.Validate(ctx, issued.Token, ValidateOptions{})
	assert.NoError(t, err, "old token stays valid until it expires")

	t.Run("unauthenticated context", func(t *testing.T) {
		fresh, err := f.svc.RefreshIfNearExpiry(ctx, &auth.AuthContext{}, DefaultRefreshThreshold, RequestMeta{})
		require.NoError(t, err)
		assert.Nil(t, fresh)
	})
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Issue(ctx, IssueRequest{UserID: f.user.ID, Policy: auth.PolicyAPI, ExpiryHours: 1})
	require.NoError(t, err)

	n, err := f.svc.PurgeExpired(ctx, f.clock.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.svc.PurgeExpired(ctx, f.clock.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// brokenTokenRepository simulates a lost token store.
type brokenTokenRepository struct {
	repository.TokenRepository
}

func (brokenTokenRepository) GetActive(context.Context, string, time.Time) (*models.IssuedToken, error) {
	return nil, errors.New("connection refused")
}

func TestValidate_StoreFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, IssueRequest{UserID: f.user.ID, Policy: auth.PolicyAPI})
	require.NoError(t, err)

	svc := NewService(brokenTokenRepository{f.tokens}, repository.NewBunUserRepository(f.db), f.signer, Options{})
	_, err = svc.Validate(ctx, issued.Token, ValidateOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrFatal)
	assert.NotErrorIs(t, err, auth.ErrUnauthorized)
}
