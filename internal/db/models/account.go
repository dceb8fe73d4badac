package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// RawJSON stores a JSON document as text so the column works on both
// PostgreSQL and SQLite.
type RawJSON []byte

// Scan implements sql.Scanner for reading from database
func (j *RawJSON) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(RawJSON(nil), v...)
	case string:
		*j = RawJSON(v)
	default:
		return fmt.Errorf("failed to scan RawJSON: unexpected %T", value)
	}
	return nil
}

// Value implements driver.Valuer for writing to database
func (j RawJSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// CredentialAccount binds a user to a service identity and its sealed
// credential blob. (provider, identity) is unique so an identity has at most
// one owner.
type CredentialAccount struct {
	bun.BaseModel `bun:"table:credential_accounts,alias:ca"`

	ID               string    `bun:"id,pk"`
	UserID           string    `bun:"user_id,notnull"`
	Service          string    `bun:"service,notnull"`                        // authorization plugin name
	Provider         string    `bun:"provider,notnull,unique:provider_identity"` // e.g. "twitter"
	Identity         string    `bun:"identity,notnull,unique:provider_identity"`
	DisplayName      *string   `bun:"display_name"`
	SealedCredential string    `bun:"sealed_credential,notnull"` // base64 ciphertext
	Policy           RawJSON   `bun:"policy,type:text"`
	CreatedAt        time.Time `bun:"created_at,notnull"`
	UpdatedAt        time.Time `bun:"updated_at,notnull"`
}
