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

// BunTokenRepository implements TokenRepository using Bun ORM
type BunTokenRepository struct {
	db *bun.DB
}

// NewBunTokenRepository creates a new Bun-based token store
func NewBunTokenRepository(db *bun.DB) *BunTokenRepository {
	return &BunTokenRepository{db: db}
}

// Create inserts the token row and its audit rows together
func (r *BunTokenRepository) Create(ctx context.Context, token *models.IssuedToken, audits ...*models.AuthAccessLog) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(token).Exec(ctx); err != nil {
			return fmt.Errorf("create token: %w", err)
		}
		for _, audit := range audits {
			if err := insertAudit(ctx, tx, audit); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID retrieves a token row regardless of state
func (r *BunTokenRepository) GetByID(ctx context.Context, tokenID string) (*models.IssuedToken, error) {
	token := new(models.IssuedToken)
	err := r.db.NewSelect().
		Model(token).
		Where("token_id = ?", tokenID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("token %s: %w", tokenID, ErrNotFound)
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	return token, nil
}

// GetActive is the validation lookup. It always reads the row so a revoke
// committed before the call is observed.
func (r *BunTokenRepository) GetActive(ctx context.Context, tokenID string, now time.Time) (*models.IssuedToken, error) {
	token := new(models.IssuedToken)
	err := r.db.NewSelect().
		Model(token).
		Where("token_id = ?", tokenID).
		Where("is_active = ?", true).
		Where("expires_at > ?", now.UTC()).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active token %s: %w", tokenID, ErrNotFound)
		}
		return nil, fmt.Errorf("get active token: %w", err)
	}
	return token, nil
}

// MarkUsed updates last_used_at and optionally records a token_use entry
func (r *BunTokenRepository) MarkUsed(ctx context.Context, tokenID string, at time.Time, audit *models.AuthAccessLog) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewUpdate().
			Model((*models.IssuedToken)(nil)).
			Set("last_used_at = ?", at.UTC()).
			Where("token_id = ?", tokenID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update token last used: %w", err)
		}
		return insertAudit(ctx, tx, audit)
	})
}

// Revoke marks one active token of the user inactive
func (r *BunTokenRepository) Revoke(ctx context.Context, tokenID, userID string, at time.Time, audit *models.AuthAccessLog) (bool, error) {
	revoked := false
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*models.IssuedToken)(nil)).
			Set("is_active = ?", false).
			Set("revoked_at = ?", at.UTC()).
			Where("token_id = ?", tokenID).
			Where("user_id = ?", userID).
			Where("is_active = ?", true).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
		if n == 0 {
			return nil
		}
		revoked = true
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return false, err
	}
	return revoked, nil
}

// RevokeAll deactivates all active tokens of the user except one. A single
// audit row is written even when nothing matched.
func (r *BunTokenRepository) RevokeAll(ctx context.Context, userID, exceptTokenID string, at time.Time, audit *models.AuthAccessLog) (int, error) {
	count := 0
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().
			Model((*models.IssuedToken)(nil)).
			Set("is_active = ?", false).
			Set("revoked_at = ?", at.UTC()).
			Where("user_id = ?", userID).
			Where("is_active = ?", true)
		if exceptTokenID != "" {
			q = q.Where("token_id <> ?", exceptTokenID)
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return fmt.Errorf("revoke user tokens: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("revoke user tokens: %w", err)
		}
		count = int(n)
		if audit != nil {
			details := fmt.Sprintf("Revoked %d tokens", count)
			audit.Details = &details
		}
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListActive lists a user's valid tokens; an empty policy lists all policies
func (r *BunTokenRepository) ListActive(ctx context.Context, userID, policy string, now time.Time) ([]models.IssuedToken, error) {
	var tokens []models.IssuedToken
	q := r.db.NewSelect().
		Model(&tokens).
		Where("user_id = ?", userID).
		Where("is_active = ?", true).
		Where("expires_at > ?", now.UTC())
	if policy != "" {
		q = q.Where("policy = ?", policy)
	}
	if err := q.Order("created_at DESC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	return tokens, nil
}

// DeleteExpired deletes rows that expired before the cutoff.
// Should be run periodically by a cleanup job
func (r *BunTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.NewDelete().
		Model((*models.IssuedToken)(nil)).
		Where("expires_at < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return int(n), nil
}
