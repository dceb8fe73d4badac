package migrations

import (
	"context"
	"fmt"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(up_20261001000001, down_20261001000001)
}

// up_20261001000001 creates users, passkey credentials, issued tokens and the audit log
func up_20261001000001(ctx context.Context, db *bun.DB) error {
	tables := []struct {
		name  string
		model any
	}{
		{"users", (*models.User)(nil)},
		{"webauthn_credentials", (*models.WebAuthnCredential)(nil)},
		{"issued_tokens", (*models.IssuedToken)(nil)},
		{"auth_access_logs", (*models.AuthAccessLog)(nil)},
	}

	for _, tbl := range tables {
		fmt.Printf(" [up] creating %s table...", tbl.name)
		if _, err := db.NewCreateTable().Model(tbl.model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create %s table: %w", tbl.name, err)
		}
		fmt.Println(" OK")
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_webauthn_credentials_user_id ON webauthn_credentials(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_issued_tokens_user_id ON issued_tokens(user_id, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_issued_tokens_expires_at ON issued_tokens(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_auth_access_logs_user_id ON auth_access_logs(user_id, created_at)`,
	}
	fmt.Print(" [up] creating auth indexes...")
	for _, stmt := range indexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	fmt.Println(" OK")

	return nil
}

// down_20261001000001 drops the auth tables
func down_20261001000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping auth tables...")
	for _, model := range []any{
		(*models.AuthAccessLog)(nil),
		(*models.IssuedToken)(nil),
		(*models.WebAuthnCredential)(nil),
		(*models.User)(nil),
	} {
		if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop auth tables: %w", err)
		}
	}
	fmt.Println(" OK")

	return nil
}
