package meshctrl

import (
	"encoding/json"
	"fmt"
)

// Message is a decoded JSON object exchanged on the control channel or on a
// tunnel. Values follow encoding/json conventions: nested objects are
// map[string]any, arrays are []any and numbers are float64.
type Message map[string]any

// ParseMessage decodes a JSON object.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("decode message: not a JSON object")
	}
	return m, nil
}

// Merge returns a copy of m with every key of extra set on it.
// Neither input is modified.
func (m Message) Merge(extra Message) Message {
	out := make(Message, len(m)+len(extra))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// String returns the value stored under key if it is a string.
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Has reports whether key is present with a non-nil value.
func (m Message) Has(key string) bool {
	v, ok := m[key]
	return ok && v != nil
}

// Object returns the nested object stored under key, or nil.
func (m Message) Object(key string) Message {
	switch v := m[key].(type) {
	case Message:
		return v
	case map[string]any:
		return Message(v)
	default:
		return nil
	}
}

// Action returns the "action" field, the message discriminator used by
// every frame of the protocol.
func (m Message) Action() string {
	return m.String("action")
}
