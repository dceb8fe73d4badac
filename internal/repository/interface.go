package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
)

var (
	// ErrNotFound is wrapped by every lookup that matches no row.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a service identity is owned by another user.
	ErrConflict = errors.New("identity linked to another user")
)

// UserRepository exposes persistence operations for principals.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	List(ctx context.Context) ([]models.User, error)
}

// WebAuthnCredentialRepository stores verified passkey credentials.
type WebAuthnCredentialRepository interface {
	// CreateWithUser inserts a new user and its first credential atomically.
	CreateWithUser(ctx context.Context, user *models.User, cred *models.WebAuthnCredential) error
	Create(ctx context.Context, cred *models.WebAuthnCredential) error
	GetByID(ctx context.Context, id string) (*models.WebAuthnCredential, error)
	ListByUser(ctx context.Context, userID string) ([]models.WebAuthnCredential, error)
	UpdateSignCount(ctx context.Context, id string, signCount int64, usedAt time.Time) error
}

// TokenRepository is the token store. Mutations take the audit row to write
// in the same transaction; a failed audit insert rolls the mutation back.
type TokenRepository interface {
	// Create inserts the row and every given audit row in one transaction.
	Create(ctx context.Context, token *models.IssuedToken, audits ...*models.AuthAccessLog) error
	GetByID(ctx context.Context, tokenID string) (*models.IssuedToken, error)
	// GetActive returns the row only if it is active and expires after now.
	GetActive(ctx context.Context, tokenID string, now time.Time) (*models.IssuedToken, error)
	// MarkUsed stamps last_used_at; audit may be nil.
	MarkUsed(ctx context.Context, tokenID string, at time.Time, audit *models.AuthAccessLog) error
	// Revoke deactivates one active row owned by userID. Returns false when none matched.
	Revoke(ctx context.Context, tokenID, userID string, at time.Time, audit *models.AuthAccessLog) (bool, error)
	// RevokeAll deactivates every active row of userID except exceptTokenID.
	RevokeAll(ctx context.Context, userID, exceptTokenID string, at time.Time, audit *models.AuthAccessLog) (int, error)
	ListActive(ctx context.Context, userID, policy string, now time.Time) ([]models.IssuedToken, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// AuditRepository reads the audit log.
type AuditRepository interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]models.AuthAccessLog, error)
}

// CredentialAccountRepository is the vault's storage.
type CredentialAccountRepository interface {
	// Link inserts or updates the account for (provider, identity). It returns
	// ErrConflict without writing anything when the identity belongs to
	// another user. created reports whether a new row was inserted.
	Link(ctx context.Context, account *models.CredentialAccount, audit *models.AuthAccessLog) (created bool, err error)
	GetByID(ctx context.Context, id string) (*models.CredentialAccount, error)
	GetForUser(ctx context.Context, userID, id string) (*models.CredentialAccount, error)
	// ListByUser lists a user's accounts; an empty provider lists all.
	ListByUser(ctx context.Context, userID, provider string) ([]models.CredentialAccount, error)
	UpdatePolicy(ctx context.Context, userID, id string, policy models.RawJSON, at time.Time, audit *models.AuthAccessLog) error
	Delete(ctx context.Context, userID, id string, audit *models.AuthAccessLog) error
	DeleteByUser(ctx context.Context, userID, provider string, audit *models.AuthAccessLog) (int, error)
}
