package models

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// IssuedToken is the persisted record of a signed token. The row, not the
// signature, decides whether a token is still usable.
type IssuedToken struct {
	bun.BaseModel `bun:"table:issued_tokens,alias:it"`

	TokenID     string     `bun:"token_id,pk"` // jti claim
	UserID      string     `bun:"user_id,notnull"`
	Policy      string     `bun:"policy,notnull"`
	Scopes      string     `bun:"scopes,notnull"` // space separated
	IsActive    bool       `bun:"is_active,notnull"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
	ExpiresAt   time.Time  `bun:"expires_at,notnull"`
	RevokedAt   *time.Time `bun:"revoked_at"`
	LastUsedAt  *time.Time `bun:"last_used_at"`
	CreatedByIP *string    `bun:"created_by_ip"`
	UserAgent   *string    `bun:"user_agent"` // API tokens store the caller's description here
}

// ScopeList splits the stored scope string.
func (t *IssuedToken) ScopeList() []string {
	return strings.Fields(t.Scopes)
}

// IsValid reports whether the record is active and unexpired at now.
func (t *IssuedToken) IsValid(now time.Time) bool {
	return t.IsActive && now.Before(t.ExpiresAt)
}

// Audit actions written to auth_access_logs.
const (
	ActionTokenCreate    = "token_create"
	ActionTokenUse       = "token_use"
	ActionTokenRefresh   = "token_refresh"
	ActionTokenRevoke    = "token_revoke"
	ActionTokenRevokeAll = "token_revoke_all"
	ActionAccountLink    = "account_link"
	ActionAccountRelink  = "account_relink"
	ActionAccountDelete  = "account_delete"
	ActionPolicyUpdate   = "policy_update"
)

// AuthAccessLog is an audit row. It is always written in the same
// transaction as the change it describes.
type AuthAccessLog struct {
	bun.BaseModel `bun:"table:auth_access_logs,alias:aal"`

	ID        string    `bun:"id,pk"`
	UserID    *string   `bun:"user_id"`
	TokenID   *string   `bun:"token_id"`
	Action    string    `bun:"action,notnull"`
	IPAddress *string   `bun:"ip_address"`
	UserAgent *string   `bun:"user_agent"`
	Details   *string   `bun:"details"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}
