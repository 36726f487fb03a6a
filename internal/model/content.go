package model

import "encoding/json"

// BlockType tags the ContentBlock union.
type BlockType string

// Content block kinds.
const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// ImageSourceKind distinguishes inline base64 images from URL references.
type ImageSourceKind string

// Image source kinds.
const (
	ImageSourceBase64 ImageSourceKind = "base64"
	ImageSourceURL    ImageSourceKind = "url"
)

// ImageSource carries the actual image bytes or a URL reference.
type ImageSource struct {
	Kind      ImageSourceKind `json:"kind"`
	MediaType string          `json:"mediaType,omitempty"` // e.g. image/png
	Data      string          `json:"data,omitempty"`      // base64, no data: prefix
	URL       string          `json:"url,omitempty"`
}

// Format returns the short image format ("png", "jpeg", ...) derived from the
// media type, used by the vendor wire shape.
func (s *ImageSource) Format() string {
	switch s.MediaType {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpeg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	}
	return "png"
}

// ToolUseBlock is an assistant-initiated tool invocation.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultBlock carries the client-supplied result for a prior tool use.
type ToolResultBlock struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError,omitempty"`
}

// ContentBlock 是消息内容的标签联合：按 Type 取对应字段，其余为零值。
// 入站内容可能是纯字符串或异构块数组，两种协议适配器都归一到这里。
type ContentBlock struct {
	Type       BlockType        `json:"type"`
	Text       string           `json:"text,omitempty"`
	Image      *ImageSource     `json:"image,omitempty"`
	ToolUse    *ToolUseBlock    `json:"toolUse,omitempty"`
	ToolResult *ToolResultBlock `json:"toolResult,omitempty"`
	Thinking   string           `json:"thinking,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// Message is a protocol-neutral chat message.
type Message struct {
	Role    string         `json:"role"` // user | assistant | system
	Content []ContentBlock `json:"content"`
}

// PlainText concatenates the text blocks of a message.
func (m *Message) PlainText() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolSpec is a tool definition offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}
