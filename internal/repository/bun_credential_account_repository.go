package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/bunx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// BunCredentialAccountRepository implements CredentialAccountRepository using Bun ORM
type BunCredentialAccountRepository struct {
	db *bun.DB
}

// NewBunCredentialAccountRepository creates a new Bun-based vault store
func NewBunCredentialAccountRepository(db *bun.DB) *BunCredentialAccountRepository {
	return &BunCredentialAccountRepository{db: db}
}

// Link creates or refreshes the account owning (provider, identity).
//
// Within one transaction:
//  1. Lock the existing row for the identity (PostgreSQL) or rely on the
//     single SQLite writer
//  2. Reject with ErrConflict if another user owns it, or if a concurrent
//     insert of the same identity wins the unique index
//  3. Update the sealed credential in place, or insert a new row
//  4. Write the account_link / account_relink audit row
func (r *BunCredentialAccountRepository) Link(ctx context.Context, account *models.CredentialAccount, audit *models.AuthAccessLog) (bool, error) {
	created := false
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := new(models.CredentialAccount)
		q := tx.NewSelect().
			Model(existing).
			Where("provider = ?", account.Provider).
			Where("identity = ?", account.Identity)
		if r.db.Dialect().Name() == dialect.PG {
			q = q.For("UPDATE")
		}
		err := q.Scan(ctx)

		now := time.Now().UTC()
		switch {
		case err == nil:
			if existing.UserID != account.UserID {
				return ErrConflict
			}
			_, err = tx.NewUpdate().
				Model((*models.CredentialAccount)(nil)).
				Set("service = ?", account.Service).
				Set("sealed_credential = ?", account.SealedCredential).
				Set("display_name = ?", account.DisplayName).
				Set("updated_at = ?", now).
				Where("id = ?", existing.ID).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("update credential account: %w", err)
			}
			account.ID = existing.ID
			account.Policy = existing.Policy
			account.CreatedAt = existing.CreatedAt
			account.UpdatedAt = now
			if audit != nil {
				audit.Action = models.ActionAccountRelink
			}
		case errors.Is(err, sql.ErrNoRows):
			if account.ID == "" {
				account.ID = bunx.NewUUIDv7()
			}
			account.CreatedAt = now
			account.UpdatedAt = now
			if _, err := tx.NewInsert().Model(account).Exec(ctx); err != nil {
				// A concurrent first link won the unique index
				if isUniqueViolation(err) {
					return ErrConflict
				}
				return fmt.Errorf("create credential account: %w", err)
			}
			created = true
			if audit != nil {
				audit.Action = models.ActionAccountLink
			}
		default:
			return fmt.Errorf("lookup credential account: %w", err)
		}

		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// GetByID retrieves an account by ID
func (r *BunCredentialAccountRepository) GetByID(ctx context.Context, id string) (*models.CredentialAccount, error) {
	account := new(models.CredentialAccount)
	err := r.db.NewSelect().
		Model(account).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("credential account %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get credential account: %w", err)
	}
	return account, nil
}

// GetForUser retrieves an account only if it belongs to userID
func (r *BunCredentialAccountRepository) GetForUser(ctx context.Context, userID, id string) (*models.CredentialAccount, error) {
	account := new(models.CredentialAccount)
	err := r.db.NewSelect().
		Model(account).
		Where("id = ?", id).
		Where("user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("credential account %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get credential account: %w", err)
	}
	return account, nil
}

// ListByUser lists the accounts of a user, oldest first
func (r *BunCredentialAccountRepository) ListByUser(ctx context.Context, userID, provider string) ([]models.CredentialAccount, error) {
	var accounts []models.CredentialAccount
	q := r.db.NewSelect().
		Model(&accounts).
		Where("user_id = ?", userID)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	if err := q.Order("created_at ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list credential accounts: %w", err)
	}
	return accounts, nil
}

// UpdatePolicy replaces the stored policy document of one account
func (r *BunCredentialAccountRepository) UpdatePolicy(ctx context.Context, userID, id string, policy models.RawJSON, at time.Time, audit *models.AuthAccessLog) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*models.CredentialAccount)(nil)).
			Set("policy = ?", policy).
			Set("updated_at = ?", at.UTC()).
			Where("id = ?", id).
			Where("user_id = ?", userID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update account policy: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update account policy: %w", err)
		} else if n == 0 {
			return fmt.Errorf("credential account %s: %w", id, ErrNotFound)
		}
		return insertAudit(ctx, tx, audit)
	})
}

// Delete removes one account and with it its policy document
func (r *BunCredentialAccountRepository) Delete(ctx context.Context, userID, id string, audit *models.AuthAccessLog) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*models.CredentialAccount)(nil)).
			Where("id = ?", id).
			Where("user_id = ?", userID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete credential account: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("delete credential account: %w", err)
		} else if n == 0 {
			return fmt.Errorf("credential account %s: %w", id, ErrNotFound)
		}
		return insertAudit(ctx, tx, audit)
	})
}

// DeleteByUser removes all of a user's accounts for a provider
func (r *BunCredentialAccountRepository) DeleteByUser(ctx context.Context, userID, provider string, audit *models.AuthAccessLog) (int, error) {
	count := 0
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewDelete().
			Model((*models.CredentialAccount)(nil)).
			Where("user_id = ?", userID)
		if provider != "" {
			q = q.Where("provider = ?", provider)
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete credential accounts: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete credential accounts: %w", err)
		}
		count = int(n)
		if count == 0 {
			return nil
		}
		if audit != nil {
			details := fmt.Sprintf("Deleted %d accounts", count)
			audit.Details = &details
		}
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// isUniqueViolation reports whether err is a unique constraint failure from
// PostgreSQL or SQLite.
func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
