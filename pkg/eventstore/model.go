package eventstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/courier/pkg/message"
)

// StoredMessage mirrors message-db's messages table, so the table backend and
// a real message-db install read the same rows.
type StoredMessage struct {
	GlobalPosition int64           `gorm:"column:global_position;primaryKey;autoIncrement"`
	Position       int64           `gorm:"column:position;not null;uniqueIndex:ux_messages_stream_position,priority:2"`
	Time           time.Time       `gorm:"column:time;not null"`
	StreamName     string          `gorm:"column:stream_name;not null;uniqueIndex:ux_messages_stream_position,priority:1"`
	Type           string          `gorm:"column:type;not null"`
	Data           json.RawMessage `gorm:"column:data;type:jsonb"`
	Metadata       json.RawMessage `gorm:"column:metadata;type:jsonb"`
	ID             uuid.UUID       `gorm:"column:id;type:uuid;not null;uniqueIndex:ux_messages_id"`
}

func (StoredMessage) TableName() string {
	return "messages"
}

// RawMessage is a stream row as read back from the store.
type RawMessage struct {
	ID             uuid.UUID
	StreamName     string
	Type           string
	Position       int64
	GlobalPosition int64
	Data           json.RawMessage
	Metadata       json.RawMessage
	Time           time.Time
}

// Metadata is the JSON document kept next to each event.
type Metadata struct {
	CreatedAt          time.Time  `json:"createdAt"`
	CausationMessageID *uuid.UUID `json:"causationMessageId,omitempty"`
	Namespace          string     `json:"namespace,omitempty"`
}

func metadataFor(m *message.Message) (json.RawMessage, error) {
	b, err := json.Marshal(Metadata{
		CreatedAt:          m.Header.CreatedAt,
		CausationMessageID: m.Header.CausationMessageID,
		Namespace:          m.Header.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding metadata of message %s: %w", m.Header.ID, err)
	}
	return b, nil
}

// Header rebuilds the message header from the row and its metadata.
func (r RawMessage) Header() (message.Header, error) {
	var meta Metadata
	if len(r.Metadata) > 0 && string(r.Metadata) != "null" {
		if err := json.Unmarshal(r.Metadata, &meta); err != nil {
			return message.Header{}, fmt.Errorf("decoding metadata of message %s: %w", r.ID, err)
		}
	}
	createdAt := meta.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.Time
	}
	return message.Header{
		ID:                 r.ID,
		Type:               r.Type,
		Namespace:          meta.Namespace,
		CausationMessageID: meta.CausationMessageID,
		StreamPosition:     r.Position,
		GlobalPosition:     r.GlobalPosition,
		CreatedAt:          createdAt.UTC(),
	}, nil
}

// Deserializer turns a raw row into a message.
type Deserializer func(RawMessage) (*message.Message, error)

// RegistryDeserializer decodes payloads through reg; a nil registry keeps raw JSON.
func RegistryDeserializer(reg *message.Registry) Deserializer {
	return func(raw RawMessage) (*message.Message, error) {
		header, err := raw.Header()
		if err != nil {
			return nil, err
		}
		return message.FromParts(header, raw.Data, reg)
	}
}

// StreamName builds the conventional "<category>-<id>" stream name.
func StreamName(category string, id any) string {
	return fmt.Sprintf("%s-%v", category, id)
}
