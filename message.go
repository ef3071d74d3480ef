package wsplus

import (
	"encoding/json"
	"reflect"
	"sync"
)

// Message is one complete message assembled from a connection.
// A Message is immutable once returned.
type Message struct {
	data  []byte
	typ   MessageType
	close *CloseInfo

	textOnce sync.Once
	text     string

	mu     sync.Mutex
	parsed map[reflect.Type]any
}

// NewMessage creates a message. The data slice is owned by the message
// after the call.
func NewMessage(typ MessageType, data []byte, close *CloseInfo) *Message {
	if data == nil {
		data = []byte{}
	}
	return &Message{data: data, typ: typ, close: close}
}

// Data returns the raw message content. Callers must not modify it.
func (m *Message) Data() []byte {
	return m.data
}

// Type returns the message type.
func (m *Message) Type() MessageType {
	return m.typ
}

// IsClose returns true if the peer closed the connection.
func (m *Message) IsClose() bool {
	return m.typ == MessageClose
}

// CloseInfo returns the close status and description of a close message.
func (m *Message) CloseInfo() (CloseInfo, bool) {
	if m.close == nil {
		return CloseInfo{}, false
	}
	return *m.close, true
}

// Text returns the content decoded as UTF-8.
func (m *Message) Text() string {
	m.textOnce.Do(func() {
		m.text = string(m.data)
	})
	return m.text
}

// Parse decodes the JSON content into v.
func (m *Message) Parse(v any) error {
	return json.Unmarshal(m.data, v)
}

// TryParse decodes the JSON content of m as a T. It reports false instead
// of returning an error when the content is not valid for T. Results are
// cached per type, so repeated calls share the decoded value.
func TryParse[T any](m *Message) (T, bool) {
	var zero T
	if m == nil {
		return zero, false
	}

	key := reflect.TypeFor[T]()

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.parsed[key]; ok {
		return v.(T), true
	}

	var v T
	if err := json.Unmarshal(m.data, &v); err != nil {
		return zero, false
	}

	if m.parsed == nil {
		m.parsed = make(map[reflect.Type]any)
	}
	m.parsed[key] = v
	return v, true
}
