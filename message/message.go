// Package message defines the typed envelope that travels from producers
// through the outbox to the broker, plus the header vocabulary shared by all
// components.
package message

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Recognised header keys. Type and payload are frozen once a message leaves
// its producer; decorators may only add or overwrite headers.
const (
	HeaderAggregateRootID      = "aggregate_root_id"
	HeaderAggregateRootVersion = "aggregate_root_version"
	HeaderEventID              = "event_id"
	HeaderTimeOfRecording      = "time_of_recording"
	HeaderTimeOfRecordingMs    = "time_of_recording_ms"
	HeaderSchemaVersion        = "schema_version"
	HeaderAttempt              = "attempt"
	HeaderDelayUntil           = "delay_until"
	HeaderStreamOffset         = "stream_offset"
	HeaderTenantID             = "tenant_id"

	// Added by outbox repositories on retrieval.
	HeaderOutboxID       = "outbox_id"
	HeaderOutboxTable    = "outbox_table"
	HeaderOutboxConsumed = "outbox_consumed"

	// Added by the AMQP consumer relay.
	HeaderAMQPQueueName = "amqp_queue_name"
)

// Headers maps header keys to JSON-serialisable values.
type Headers map[string]any

// Clone returns a shallow copy so decorators do not mutate shared maps.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Int64 reads a numeric header, coping with the types JSON round-trips
// produce.
func (h Headers) Int64(key string) (int64, bool) {
	switch v := h[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

func (h Headers) String(key string) (string, bool) {
	s, ok := h[key].(string)
	return s, ok
}

// Message is the envelope: a type drawn from a stream's closed set, an opaque
// JSON-serialisable payload whose schema is keyed by type, and headers.
type Message struct {
	Type    string  `json:"type"`
	Payload any     `json:"payload"`
	Headers Headers `json:"headers"`
}

func New(msgType string, payload any) Message {
	return Message{Type: msgType, Payload: payload, Headers: Headers{}}
}

// WithHeader returns a copy of the message with one header set.
func (m Message) WithHeader(key string, value any) Message {
	m.Headers = m.Headers.Clone()
	m.Headers[key] = value
	return m
}

// AggregateRootID returns the partition key, or "" when unset.
func (m Message) AggregateRootID() string {
	switch v := m.Headers[HeaderAggregateRootID].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// EventID returns the delivery-attempt identity, or "" when unset.
func (m Message) EventID() string {
	s, _ := m.Headers.String(HeaderEventID)
	return s
}

// Encode serialises the envelope to its wire form.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses an envelope from its wire form.
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, err
	}
	if m.Headers == nil {
		m.Headers = Headers{}
	}
	return m, nil
}

// NewEventID returns a fresh global delivery identity.
func NewEventID() string {
	return uuid.NewString()
}

// Recorded stamps the producer timestamp headers and a fresh event id on a
// message that does not carry them yet.
func Recorded(m Message, now time.Time) Message {
	m.Headers = m.Headers.Clone()
	if _, ok := m.Headers[HeaderEventID]; !ok {
		m.Headers[HeaderEventID] = NewEventID()
	}
	if _, ok := m.Headers[HeaderTimeOfRecording]; !ok {
		m.Headers[HeaderTimeOfRecording] = now.UTC().Format(time.RFC3339Nano)
		m.Headers[HeaderTimeOfRecordingMs] = now.UnixMilli()
	}
	return m
}

// Dispatcher pushes messages downstream: to an outbox on the write path, or
// to the broker from the relay.
type Dispatcher interface {
	Send(ctx context.Context, messages ...Message) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, messages ...Message) error

func (f DispatcherFunc) Send(ctx context.Context, messages ...Message) error {
	return f(ctx, messages...)
}
