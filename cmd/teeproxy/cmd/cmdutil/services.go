package cmdutil

import (
	"fmt"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/config"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/bunx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/repository"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/token"
)

// Bundle holds the services CLI commands share with their DB connection so
// callers can reuse the connection for other repositories when necessary.
type Bundle struct {
	DB     *bun.DB
	Users  *repository.BunUserRepository
	Tokens *token.Service
}

// Close releases the underlying database connection.
func (b *Bundle) Close() {
	if b == nil || b.DB == nil {
		return
	}
	_ = bunx.Close(b.DB)
}

// OpenDB connects to the configured database.
func OpenDB(cfg *config.Config) (*bun.DB, error) {
	db, err := bunx.NewDB(cfg.Database.URL, bunx.Options{MaxOpenConns: cfg.Database.MaxConnections})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// NewBundle centralizes service construction for CLI commands.
func NewBundle(cfg *config.Config) (*Bundle, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	signer, err := auth.NewTokenSigner([]byte(cfg.JWT.Secret))
	if err != nil {
		_ = bunx.Close(db)
		return nil, fmt.Errorf("create token signer: %w", err)
	}
	users := repository.NewBunUserRepository(db)
	tokens := token.NewService(repository.NewBunTokenRepository(db), users, signer, token.Options{
		Logger:        zap.L(),
		DefaultExpiry: cfg.JWT.DefaultExpiry,
	})
	return &Bundle{DB: db, Users: users, Tokens: tokens}, nil
}

// Load reads the configuration for subcommand packages that cannot reach
// the root command's copy.
func Load() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
