package model

// StreamEventType labels events produced by the vendor client stream.
type StreamEventType string

// Stream event types, in the order they typically appear.
const (
	EventContent        StreamEventType = "content"
	EventThinkingStart  StreamEventType = "thinking_start"
	EventThinking       StreamEventType = "thinking"
	EventThinkingEnd    StreamEventType = "thinking_end"
	EventToolUse        StreamEventType = "tool_use"
	EventToolUseInput   StreamEventType = "toolUseInput"
	EventToolUseStop    StreamEventType = "toolUseStop"
	EventContextUsage   StreamEventType = "contextUsage"
	EventTokenRefreshed StreamEventType = "token_refreshed"
)

// RefreshedTokens carries rotated credentials surfaced mid-request so the
// orchestrator can persist them without waiting for the refresher tick.
type RefreshedTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt"` // epoch ms
}

// StreamEvent 为供应商客户端产出的单个流事件。
// 字段按 Type 取用：content/thinking 用 Text，tool_use 族用 ToolUseID
// 系列字段，contextUsage 用 ContextUsagePercent。
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	Text string `json:"text,omitempty"`

	ToolUseID string `json:"toolUseId,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	Input     string `json:"input,omitempty"`
	Stop      bool   `json:"stop,omitempty"`

	ContextUsagePercent float64 `json:"contextUsagePercent,omitempty"`

	Tokens *RefreshedTokens `json:"tokens,omitempty"`

	// Err terminates the stream when set. Never serialized.
	Err error `json:"-"`
}

// StopReason is the terminal reason reported to protocol adapters.
type StopReason string

// Stop reasons.
const (
	StopEndTurn StopReason = "end_turn"
	StopToolUse StopReason = "tool_use"
)
