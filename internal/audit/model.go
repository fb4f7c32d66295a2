package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entry is one message_audit row.
type Entry struct {
	ID                 uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	MessageID          uuid.UUID       `gorm:"column:message_id;type:uuid;not null;uniqueIndex:ux_message_audit_message_id"`
	MessageType        string          `gorm:"column:message_type;not null;index:idx_message_audit_type_recorded,priority:1"`
	Namespace          string          `gorm:"column:namespace"`
	CausationMessageID *uuid.UUID      `gorm:"column:causation_message_id;type:uuid"`
	StreamPosition     int64           `gorm:"column:stream_position;not null;default:-1"`
	GlobalPosition     int64           `gorm:"column:global_position;not null;default:-1"`
	Payload            json.RawMessage `gorm:"column:payload;type:jsonb"`
	CreatedAt          time.Time       `gorm:"column:created_at;not null"`
	RecordedAt         time.Time       `gorm:"column:recorded_at;not null;index:idx_message_audit_type_recorded,priority:2"`
}

func (Entry) TableName() string {
	return "message_audit"
}
