package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/uptrace/bun"
)

// BunWebAuthnCredentialRepository implements WebAuthnCredentialRepository using Bun ORM
type BunWebAuthnCredentialRepository struct {
	db *bun.DB
}

// NewBunWebAuthnCredentialRepository creates a new Bun-based passkey store
func NewBunWebAuthnCredentialRepository(db *bun.DB) *BunWebAuthnCredentialRepository {
	return &BunWebAuthnCredentialRepository{db: db}
}

// CreateWithUser inserts the user and the first credential in one transaction
func (r *BunWebAuthnCredentialRepository) CreateWithUser(ctx context.Context, user *models.User, cred *models.WebAuthnCredential) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := insertUser(ctx, tx, user); err != nil {
			return err
		}
		cred.UserID = user.ID
		return insertCredential(ctx, tx, cred)
	})
}

// Create adds another credential for an existing user
func (r *BunWebAuthnCredentialRepository) Create(ctx context.Context, cred *models.WebAuthnCredential) error {
	return insertCredential(ctx, r.db, cred)
}

func insertCredential(ctx context.Context, db bun.IDB, cred *models.WebAuthnCredential) error {
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	if _, err := db.NewInsert().Model(cred).Exec(ctx); err != nil {
		return fmt.Errorf("create webauthn credential: %w", err)
	}
	return nil
}

// GetByID retrieves a credential by its base64url id
func (r *BunWebAuthnCredentialRepository) GetByID(ctx context.Context, id string) (*models.WebAuthnCredential, error) {
	cred := new(models.WebAuthnCredential)
	err := r.db.NewSelect().
		Model(cred).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("webauthn credential: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get webauthn credential: %w", err)
	}
	return cred, nil
}

// ListByUser lists every credential registered by a user
func (r *BunWebAuthnCredentialRepository) ListByUser(ctx context.Context, userID string) ([]models.WebAuthnCredential, error) {
	var creds []models.WebAuthnCredential
	err := r.db.NewSelect().
		Model(&creds).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list webauthn credentials: %w", err)
	}
	return creds, nil
}

// UpdateSignCount records a successful assertion
func (r *BunWebAuthnCredentialRepository) UpdateSignCount(ctx context.Context, id string, signCount int64, usedAt time.Time) error {
	res, err := r.db.NewUpdate().
		Model((*models.WebAuthnCredential)(nil)).
		Set("sign_count = ?", signCount).
		Set("last_used_at = ?", usedAt.UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update sign count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sign count: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("webauthn credential: %w", ErrNotFound)
	}
	return nil
}
