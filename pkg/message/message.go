// Package message defines the envelope shared by the event store, the outbox
// and the stream transport, plus the registry used to rebuild typed payloads.
package message

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/courier/pkg/errors"
)

// UnsetPosition marks a stream or global position the store has not assigned yet.
const UnsetPosition int64 = -1

var validate = validator.New()

// Header carries everything about a message except its payload.
type Header struct {
	ID                 uuid.UUID  `json:"id"`
	Type               string     `json:"type" validate:"required,max=255"`
	Namespace          string     `json:"namespace,omitempty" validate:"max=255"`
	CausationMessageID *uuid.UUID `json:"causationMessageId"`
	StreamPosition     int64      `json:"streamPosition" validate:"gte=-1"`
	GlobalPosition     int64      `json:"globalPosition" validate:"gte=-1"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// Validate checks the header before it is persisted or published.
func (h Header) Validate() error {
	if h.ID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "message id is required")
	}
	if err := validate.Struct(h); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("invalid header for message %s", h.ID))
	}
	return nil
}

// Message is the immutable envelope: header plus opaque data.
type Message struct {
	Header Header `json:"header"`
	Data   any    `json:"data"`
}

// Option customizes a message built with New.
type Option func(*Message)

// WithNamespace sets the namespace (usually the aggregate type).
func WithNamespace(namespace string) Option {
	return func(m *Message) { m.Header.Namespace = namespace }
}

// WithCausation links the message to the message (or command) that caused it.
func WithCausation(id uuid.UUID) Option {
	return func(m *Message) {
		if id == uuid.Nil {
			m.Header.CausationMessageID = nil
			return
		}
		causation := id
		m.Header.CausationMessageID = &causation
	}
}

// WithID overrides the generated id.
func WithID(id uuid.UUID) Option {
	return func(m *Message) { m.Header.ID = id }
}

// WithCreatedAt overrides the creation timestamp.
func WithCreatedAt(at time.Time) Option {
	return func(m *Message) { m.Header.CreatedAt = at.UTC() }
}

// New builds a client-side message: fresh id, UTC timestamp, unset positions.
func New(messageType string, data any, opts ...Option) *Message {
	m := &Message{
		Header: Header{
			ID:             uuid.New(),
			Type:           messageType,
			StreamPosition: UnsetPosition,
			GlobalPosition: UnsetPosition,
			CreatedAt:      time.Now().UTC(),
		},
		Data: data,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID is shorthand for Header.ID.
func (m *Message) ID() uuid.UUID {
	return m.Header.ID
}

// Type is shorthand for Header.Type.
func (m *Message) Type() string {
	return m.Header.Type
}

// ToJSON renders the {"header":…,"data":…} wire form.
func (m *Message) ToJSON() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message %s: %w", m.Header.ID, err)
	}
	return b, nil
}

// DataJSON encodes only the payload.
func (m *Message) DataJSON() (json.RawMessage, error) {
	if raw, ok := m.Data.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(m.Data)
	if err != nil {
		return nil, fmt.Errorf("encoding data of message %s: %w", m.Header.ID, err)
	}
	return b, nil
}

type wireMessage struct {
	Header Header          `json:"header"`
	Data   json.RawMessage `json:"data"`
}

// FromJSON rebuilds a message from its wire form. With a registry the payload
// is decoded into the type registered under header.type; a nil registry keeps
// the payload as json.RawMessage.
func FromJSON(b []byte, reg *Registry) (*Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(b, &wire); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return FromParts(wire.Header, wire.Data, reg)
}

// FromParts rebuilds a message whose header and payload were stored apart.
func FromParts(header Header, data json.RawMessage, reg *Registry) (*Message, error) {
	if reg == nil {
		return &Message{Header: header, Data: data}, nil
	}
	decoded, err := reg.Decode(header.Type, data)
	if err != nil {
		return nil, err
	}
	return &Message{Header: header, Data: decoded}, nil
}

// Equal compares two messages structurally: header fields and payload.
// Payloads compare by value, so T and *T holding the same fields are equal
// and a nil payload equals a JSON null.
func Equal(a, b *Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	ha, hb := a.Header, b.Header
	if ha.ID != hb.ID ||
		ha.Type != hb.Type ||
		ha.Namespace != hb.Namespace ||
		ha.StreamPosition != hb.StreamPosition ||
		ha.GlobalPosition != hb.GlobalPosition ||
		!ha.CreatedAt.Equal(hb.CreatedAt) {
		return false
	}
	if (ha.CausationMessageID == nil) != (hb.CausationMessageID == nil) {
		return false
	}
	if ha.CausationMessageID != nil && *ha.CausationMessageID != *hb.CausationMessageID {
		return false
	}
	return reflect.DeepEqual(payloadValue(a.Data), payloadValue(b.Data))
}

func payloadValue(data any) any {
	if raw, ok := data.(json.RawMessage); ok && isNullJSON(raw) {
		return nil
	}
	v := reflect.ValueOf(data)
	for v.IsValid() && v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil
	}
	return v.Interface()
}
