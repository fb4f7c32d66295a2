// Package idempotency makes bus consumers safe under redelivery by recording
// each (message, consumer) pair in the handler's own transaction.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/courier/pkg/db"
	pkgerrors "github.com/angelmondragon/courier/pkg/errors"
)

// ConsumedMessage is one consumed_messages row.
type ConsumedMessage struct {
	MessageID  uuid.UUID `gorm:"column:message_id;type:uuid;primaryKey"`
	Consumer   string    `gorm:"column:consumer;primaryKey;size:255"`
	ConsumedAt time.Time `gorm:"column:consumed_at;not null"`
}

func (ConsumedMessage) TableName() string {
	return "consumed_messages"
}

// Tracker persists consumption records.
type Tracker struct {
	db *gorm.DB
}

func NewTracker(conn *gorm.DB) (*Tracker, error) {
	if conn == nil {
		return nil, errors.New("db is required")
	}
	return &Tracker{db: conn}, nil
}

// HasBeenConsumed reports whether consumer already recorded id.
func (t *Tracker) HasBeenConsumed(ctx context.Context, tx *gorm.DB, consumer string, id uuid.UUID) (bool, error) {
	var count int64
	err := t.conn(ctx, tx).Model(&ConsumedMessage{}).
		Where("message_id = ? AND consumer = ?", id, consumer).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("checking consumption of %s by %s: %w", id, consumer, err)
	}
	return count > 0, nil
}

// SaveConsumption records id for consumer. A second record for the same pair
// fails with DUPLICATE_CONSUMPTION.
func (t *Tracker) SaveConsumption(ctx context.Context, tx *gorm.DB, consumer string, id uuid.UUID) error {
	row := ConsumedMessage{MessageID: id, Consumer: consumer, ConsumedAt: time.Now().UTC()}
	if err := t.conn(ctx, tx).Create(&row).Error; err != nil {
		if db.IsUniqueViolation(err, "") {
			return pkgerrors.Wrap(pkgerrors.CodeDuplicateConsumption, err,
				fmt.Sprintf("message %s already consumed by %s", id, consumer))
		}
		return fmt.Errorf("saving consumption of %s by %s: %w", id, consumer, err)
	}
	return nil
}

func (t *Tracker) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return t.db.WithContext(ctx)
}
