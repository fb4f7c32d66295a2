package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record is one outbox_messages row. Rows are never deleted here; the relay
// only flips IsPublished.
type Record struct {
	RowIndex      int64           `gorm:"column:row_index;primaryKey;autoIncrement"`
	MessageID     uuid.UUID       `gorm:"column:message_id;type:uuid;not null;uniqueIndex:ux_outbox_messages_message_id"`
	MessageHeader json.RawMessage `gorm:"column:message_header;type:jsonb;not null"`
	MessageData   json.RawMessage `gorm:"column:message_data;type:jsonb"`
	IsPublished   bool            `gorm:"column:is_published;not null;default:false;index:ix_outbox_messages_unpublished"`
	CreatedAt     time.Time       `gorm:"column:created_at;not null"`
}

func (Record) TableName() string {
	return "outbox_messages"
}
