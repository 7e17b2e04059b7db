package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/vigil/internal/audit"
)

// AuditRepository implements audit.Store with GORM.
// Append-only: no update methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit entry. This is the only write method —
// immutability is enforced at the interface level.
func (r *AuditRepository) Append(ctx context.Context, entry audit.Entry) error {
	model := toAuditModel(entry)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// DeleteOlderThan removes entries with a timestamp before cutoff and
// returns the number removed.
func (r *AuditRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&AuditEntryModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting old audit entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Recent returns up to limit entries, newest first. Limit defaults to 100.
func (r *AuditRepository) Recent(ctx context.Context, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	var models []AuditEntryModel
	err := r.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}

	entries := make([]audit.Entry, len(models))
	for i := range models {
		entries[i] = toAuditDomain(&models[i])
	}
	return entries, nil
}

// Close is a no-op; the connection is owned by the parent store.
func (r *AuditRepository) Close() error { return nil }

var _ audit.Store = (*AuditRepository)(nil)
