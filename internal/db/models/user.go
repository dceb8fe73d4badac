package models

import (
	"time"

	"github.com/uptrace/bun"
)

// User represents a principal. Users are created on first passkey
// registration and are never hard-deleted.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID          string    `bun:"id,pk"`
	Username    string    `bun:"username,notnull,unique"`
	DisplayName string    `bun:"display_name"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
	UpdatedAt   time.Time `bun:"updated_at,notnull"`
}

// WebAuthnCredential stores the outcome of a verified passkey registration.
// Only the derived values are kept: credential id, public key and sign count.
type WebAuthnCredential struct {
	bun.BaseModel `bun:"table:webauthn_credentials,alias:wc"`

	ID              string     `bun:"id,pk"` // base64url credential id
	UserID          string     `bun:"user_id,notnull"`
	PublicKey       string     `bun:"public_key,notnull"` // base64 COSE key
	SignCount       int64      `bun:"sign_count,notnull"`
	AttestationType string     `bun:"attestation_type"`
	AAGUID          string     `bun:"aaguid"`
	BackupEligible  bool       `bun:"backup_eligible,notnull"`
	BackupState     bool       `bun:"backup_state,notnull"`
	CreatedAt       time.Time  `bun:"created_at,notnull"`
	LastUsedAt      *time.Time `bun:"last_used_at"`
}
