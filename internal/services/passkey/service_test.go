package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/repository"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/token"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/session"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/testutil"
)

// fakeCeremony accepts the response "ok" for registration and
// {"id": ..., "count": n} assertions for login.
type fakeCeremony struct{}

func (fakeCeremony) BeginRegistration(user *models.User) (json.RawMessage, string, error) {
	return json.RawMessage(`{"publicKey":{"user":{"name":"` + user.Username + `"}}}`), "reg:" + user.ID, nil
}

func (fakeCeremony) FinishRegistration(user *models.User, state string, response []byte) (*models.WebAuthnCredential, error) {
	if state != "reg:"+user.ID {
		return nil, errors.New("state mismatch")
	}
	if string(response) != "ok" {
		return nil, errors.New("attestation rejected")
	}
	return &models.WebAuthnCredential{ID: "Y3JlZC0x", PublicKey: "cGs=", SignCount: 1, AttestationType: "none"}, nil
}

func (fakeCeremony) BeginLogin(user *models.User, creds []models.WebAuthnCredential) (json.RawMessage, string, error) {
	ids := make([]string, 0, len(creds))
	for _, c := range creds {
		ids = append(ids, `"`+c.ID+`"`)
	}
	return json.RawMessage(`{"allowCredentials":[` + strings.Join(ids, ",") + `]}`), "login:" + user.ID, nil
}

func (fakeCeremony) FinishLogin(user *models.User, creds []models.WebAuthnCredential, state string, response []byte) (*models.WebAuthnCredential, error) {
	if state != "login:"+user.ID {
		return nil, errors.New("state mismatch")
	}
	var assertion struct {
		ID    string `json:"id"`
		Count int64  `json:"count"`
	}
	if err := json.Unmarshal(response, &assertion); err != nil {
		return nil, err
	}
	for _, c := range creds {
		if c.ID != assertion.ID {
			continue
		}
		if assertion.Count <= c.SignCount {
			return nil, fmt.Errorf("sign count did not increase")
		}
		c.SignCount = assertion.Count
		return &c, nil
	}
	return nil, errors.New("unknown credential")
}

type fixture struct {
	db    *bun.DB
	svc   *Service
	creds *repository.BunWebAuthnCredentialRepository
	clock *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	users := repository.NewBunUserRepository(db)
	creds := repository.NewBunWebAuthnCredentialRepository(db)
	signer, err := auth.NewTokenSigner([]byte(strings.Repeat("p", 32)))
	require.NoError(t, err)

	now := time.Now().UTC()
	f := &fixture{db: db, creds: creds, clock: &now}
	clock := func() time.Time { return *f.clock }
	tokens := token.NewService(repository.NewBunTokenRepository(db), users, signer, token.Options{Now: clock})
	f.svc = NewService(users, creds, tokens, fakeCeremony{}, Options{Now: clock})
	return f
}

func (f *fixture) register(t *testing.T, sess *session.Session, username string) *Result {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.BeginRegistration(ctx, sess, username, "")
	require.NoError(t, err)
	res, err := f.svc.FinishRegistration(ctx, sess, []byte("ok"), RequestMeta{ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	return res
}

func TestRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := session.New()

	options, err := f.svc.BeginRegistration(ctx, sess, " alice ", "Alice")
	require.NoError(t, err)
	assert.JSONEq(t, `{"publicKey":{"user":{"name":"alice"}}}`, string(options))
	assert.NotEmpty(t, sess.Get(session.KeyWebAuthnRegistration))

	res, err := f.svc.FinishRegistration(ctx, sess, []byte("ok"), RequestMeta{ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", res.User.Username)
	assert.Equal(t, "Alice", res.User.DisplayName)
	assert.Equal(t, res.User.ID, sess.Get(session.KeyUserID))
	assert.Empty(t, sess.Get(session.KeyWebAuthnRegistration), "ceremony state is single use")
	assert.Equal(t, auth.PolicyPasskey, res.Token.Record.Policy)
	assert.NotEmpty(t, res.Token.Token)

	stored, err := f.creds.ListByUser(ctx, res.User.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, int64(1), stored[0].SignCount)

	_, err = f.svc.FinishRegistration(ctx, sess, []byte("ok"), RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrInvalidRequest, "replay without a begun ceremony")
	assert.Equal(t, "Registration session expired", auth.MessageOf(err))
}

func TestRegistration_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, session.New(), "alice")

	t.Run("taken username", func(t *testing.T) {
		_, err := f.svc.BeginRegistration(ctx, session.New(), "alice", "")
		assert.ErrorIs(t, err, auth.ErrConflict)
	})

	t.Run("empty username", func(t *testing.T) {
		_, err := f.svc.BeginRegistration(ctx, session.New(), "  ", "")
		assert.ErrorIs(t, err, auth.ErrInvalidRequest)
	})

	t.Run("failed attestation writes nothing", func(t *testing.T) {
		sess := session.New()
		_, err := f.svc.BeginRegistration(ctx, sess, "bob", "")
		require.NoError(t, err)
		_, err = f.svc.FinishRegistration(ctx, sess, []byte("forged"), RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrInvalidCredential)
		assert.Empty(t, sess.Get(session.KeyUserID))

		_, err = repository.NewBunUserRepository(f.db).GetByUsername(ctx, "bob")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("expired ceremony", func(t *testing.T) {
		sess := session.New()
		_, err := f.svc.BeginRegistration(ctx, sess, "carol", "")
		require.NoError(t, err)
		*f.clock = f.clock.Add(ceremonyTTL + time.Second)
		defer func() { *f.clock = f.clock.Add(-ceremonyTTL - time.Second) }()
		_, err = f.svc.FinishRegistration(ctx, sess, []byte("ok"), RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrInvalidRequest)
	})
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registered := f.register(t, session.New(), "alice")

	sess := session.New()
	options, err := f.svc.BeginLogin(ctx, sess, "alice")
	require.NoError(t, err)
	assert.JSONEq(t, `{"allowCredentials":["Y3JlZC0x"]}`, string(options))

	res, err := f.svc.FinishLogin(ctx, sess, []byte(`{"id":"Y3JlZC0x","count":5}`), RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, res.User.ID)
	assert.Equal(t, registered.User.ID, sess.Get(session.KeyUserID))
	assert.NotEqual(t, registered.Token.Record.TokenID, res.Token.Record.TokenID)

	cred, err := f.creds.GetByID(ctx, "Y3JlZC0x")
	require.NoError(t, err)
	assert.Equal(t, int64(5), cred.SignCount)
	require.NotNil(t, cred.LastUsedAt)

	t.Run("replayed assertion", func(t *testing.T) {
		sess := session.New()
		_, err := f.svc.BeginLogin(ctx, sess, "alice")
		require.NoError(t, err)
		_, err = f.svc.FinishLogin(ctx, sess, []byte(`{"id":"Y3JlZC0x","count":5}`), RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
		assert.Empty(t, sess.Get(session.KeyUserID))
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := f.svc.BeginLogin(ctx, session.New(), "mallory")
		assert.ErrorIs(t, err, auth.ErrInvalidRequest)
		assert.Equal(t, "Unknown user or no passkey registered", auth.MessageOf(err))
	})

	t.Run("no begun ceremony", func(t *testing.T) {
		_, err := f.svc.FinishLogin(ctx, session.New(), []byte(`{"id":"Y3JlZC0x","count":9}`), RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrInvalidRequest)
	})
}
