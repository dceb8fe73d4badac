package repository

import (
	"context"
	"testing"
	"time"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBunUserRepository(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewBunUserRepository(db)
	ctx := context.Background()

	user := &models.User{Username: "alice", DisplayName: "Alice"}
	require.NoError(t, repo.Create(ctx, user))
	assert.NotEmpty(t, user.ID)
	assert.NotZero(t, user.CreatedAt)

	byID, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)

	byName, err := repo.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byName.ID)

	_, err = repo.GetByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	err = repo.Create(ctx, &models.User{Username: "alice"})
	assert.Error(t, err, "username is unique")

	users, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestBunWebAuthnCredentialRepository(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewBunWebAuthnCredentialRepository(db)
	ctx := context.Background()

	user := &models.User{Username: "passkey-user"}
	cred := &models.WebAuthnCredential{ID: "Y3JlZC0x", PublicKey: "cGs=", SignCount: 1}
	require.NoError(t, repo.CreateWithUser(ctx, user, cred))
	assert.Equal(t, user.ID, cred.UserID)

	second := &models.WebAuthnCredential{ID: "Y3JlZC0y", UserID: user.ID, PublicKey: "cGsy"}
	require.NoError(t, repo.Create(ctx, second))

	creds, err := repo.ListByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, creds, 2)

	require.NoError(t, repo.UpdateSignCount(ctx, cred.ID, 7, time.Now()))
	got, err := repo.GetByID(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.SignCount)
	assert.NotNil(t, got.LastUsedAt)

	assert.ErrorIs(t, repo.UpdateSignCount(ctx, "missing", 1, time.Now()), ErrNotFound)

	t.Run("duplicate credential rolls back the user", func(t *testing.T) {
		orphan := &models.User{Username: "orphan"}
		err := repo.CreateWithUser(ctx, orphan, &models.WebAuthnCredential{ID: cred.ID, PublicKey: "eA=="})
		require.Error(t, err)
		_, err = NewBunUserRepository(db).GetByUsername(ctx, "orphan")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
