// Package streams carries messages over Redis Streams: a publisher that
// appends entries and a consumer group that fans entries out to the in-process
// bus and acknowledges them only when every handler succeeded.
package streams

import (
	"fmt"

	"github.com/angelmondragon/courier/pkg/message"
)

// valueField is the single entry field holding the JSON message.
const valueField = "value"

func encode(m *message.Message) (map[string]any, error) {
	if m == nil {
		return nil, fmt.Errorf("nil message")
	}
	b, err := m.ToJSON()
	if err != nil {
		return nil, err
	}
	return map[string]any{valueField: string(b)}, nil
}

func decode(values map[string]any, reg *message.Registry) (*message.Message, error) {
	raw, ok := values[valueField]
	if !ok {
		return nil, fmt.Errorf("entry has no %q field", valueField)
	}
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return nil, fmt.Errorf("entry field %q has type %T", valueField, raw)
	}
	return message.FromJSON(b, reg)
}
