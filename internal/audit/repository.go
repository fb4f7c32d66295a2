package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository reads and writes message_audit.
type Repository struct {
	db *gorm.DB
}

func NewRepository(conn *gorm.DB) (*Repository, error) {
	if conn == nil {
		return nil, errors.New("db is required")
	}
	return &Repository{db: conn}, nil
}

// conn prefers the caller's transaction.
func (r *Repository) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

func (r *Repository) Insert(ctx context.Context, tx *gorm.DB, entry *Entry) error {
	if err := r.conn(ctx, tx).Create(entry).Error; err != nil {
		return fmt.Errorf("insert audit entry %s: %w", entry.MessageID, err)
	}
	return nil
}

// FindByMessageID returns the entry of id, or nil when none was recorded.
func (r *Repository) FindByMessageID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	var entry Entry
	err := r.conn(ctx, nil).Where("message_id = ?", id).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find audit entry %s: %w", id, err)
	}
	return &entry, nil
}

// ListByType returns up to limit entries of messageType, oldest first.
func (r *Repository) ListByType(ctx context.Context, messageType string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []Entry
	err := r.conn(ctx, nil).
		Where("message_type = ?", messageType).
		Order("recorded_at ASC, id ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list audit entries of %s: %w", messageType, err)
	}
	return entries, nil
}
