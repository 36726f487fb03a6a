// Package kiro implements the outbound vendor client: request translation,
// AWS event-stream parsing, streaming event emission and token refresh.
package kiro

import "encoding/json"

// Chunk 为供应商负载中扫描出的单个 JSON 对象。供应商的流格式比
// Anthropic 原生格式简单：content / tool_use / contextUsagePercentage 三类。
type Chunk struct {
	Content string `json:"content,omitempty"`

	// Tool use fields.
	Name      string `json:"name,omitempty"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Input     string `json:"input,omitempty"`
	Stop      bool   `json:"stop,omitempty"`

	// Followup prompt is vendor chrome, always ignored.
	FollowupPrompt json.RawMessage `json:"followupPrompt,omitempty"`

	// Sent once at end of stream; total tokens derive from it.
	ContextUsagePercentage *float64 `json:"contextUsagePercentage,omitempty"`
}

// EventMessage is one framed AWS event-stream message.
type EventMessage struct {
	// Prelude (12 bytes).
	TotalLength   uint32
	HeadersLength uint32
	PreludeCRC    uint32

	Headers map[string]HeaderValue
	Payload []byte

	MessageCRC uint32
}

// HeaderValue is a decoded event-stream header value.
type HeaderValue struct {
	Type  byte
	Value string
}

// Event-stream header wire type for strings.
const headerTypeString = 7

// Well-known event-stream header names.
const (
	headerMessageType = ":message-type"
	headerEventType   = ":event-type"
	headerContentType = ":content-type"
)

// Message types.
const (
	messageTypeEvent     = "event"
	messageTypeException = "exception"
)

// MessageType returns the :message-type header value.
func (m *EventMessage) MessageType() string {
	if h, ok := m.Headers[headerMessageType]; ok {
		return h.Value
	}
	return ""
}

// EventType returns the :event-type header value.
func (m *EventMessage) EventType() string {
	if h, ok := m.Headers[headerEventType]; ok {
		return h.Value
	}
	return ""
}

// IsEvent reports whether this is a normal event message.
func (m *EventMessage) IsEvent() bool {
	return m.MessageType() == messageTypeEvent
}

// IsException reports whether the vendor signalled an in-stream exception.
func (m *EventMessage) IsException() bool {
	return m.MessageType() == messageTypeException
}
