package migrations

import (
	"context"
	"fmt"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(up_20261001000002, down_20261001000002)
}

// up_20261001000002 creates the credential vault table
func up_20261001000002(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating credential_accounts table...")

	_, err := db.NewCreateTable().
		Model((*models.CredentialAccount)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create credential_accounts table: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_credential_accounts_user_id ON credential_accounts(user_id, provider)
	`)
	if err != nil {
		return fmt.Errorf("failed to create credential_accounts user index: %w", err)
	}

	if isPostgres(db) {
		// Policy documents are queried as JSON on PostgreSQL.
		_, err = db.ExecContext(ctx, `ALTER TABLE credential_accounts ALTER COLUMN policy TYPE JSONB USING policy::jsonb`)
		if err != nil {
			return fmt.Errorf("failed to convert policy column to jsonb: %w", err)
		}
	}
	fmt.Println(" OK")

	return nil
}

// down_20261001000002 drops the credential vault table
func down_20261001000002(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping credential_accounts table...")

	_, err := db.NewDropTable().
		Model((*models.CredentialAccount)(nil)).
		IfExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to drop credential_accounts table: %w", err)
	}
	fmt.Println(" OK")

	return nil
}
