package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/migrate"
)

// Migrations collects every schema migration registered by the files in this package.
var Migrations = migrate.NewMigrations()

// Apply initializes the migration tables and runs all pending migrations.
// Used by `serve --auto-migrate` and by tests running on in-memory SQLite.
func Apply(ctx context.Context, db *bun.DB) (*migrate.MigrationGroup, error) {
	migrator := migrate.NewMigrator(db, Migrations)
	if err := migrator.Init(ctx); err != nil {
		return nil, fmt.Errorf("init migrator: %w", err)
	}
	if err := migrator.Lock(ctx); err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() { _ = migrator.Unlock(ctx) }()

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return group, nil
}

// isPostgres gates statements SQLite does not support, such as partial
// indexes with expressions.
func isPostgres(db *bun.DB) bool {
	return db.Dialect().Name() == dialect.PG
}
