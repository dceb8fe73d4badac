package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/bunx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/uptrace/bun"
)

// insertAudit writes one audit row on the given transaction.
func insertAudit(ctx context.Context, db bun.IDB, entry *models.AuthAccessLog) error {
	if entry == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = bunx.NewUUIDv7()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if _, err := db.NewInsert().Model(entry).Exec(ctx); err != nil {
		return fmt.Errorf("write audit %s: %w", entry.Action, err)
	}
	return nil
}

// BunAuditRepository implements AuditRepository using Bun ORM
type BunAuditRepository struct {
	db *bun.DB
}

// NewBunAuditRepository creates a new Bun-based audit log reader
func NewBunAuditRepository(db *bun.DB) *BunAuditRepository {
	return &BunAuditRepository{db: db}
}

// ListByUser returns the most recent audit rows for a user
func (r *BunAuditRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.AuthAccessLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.AuthAccessLog
	err := r.db.NewSelect().
		Model(&entries).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	return entries, nil
}
