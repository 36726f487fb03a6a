package kiro

import (
	"encoding/json"
	"fmt"
	"strings"

	"KiroGate/internal/model"

	"github.com/google/uuid"
)

// ChatOptions carries the per-request knobs the protocol adapters resolve.
type ChatOptions struct {
	Model          string
	System         string
	Stream         bool
	Thinking       bool
	ThinkingBudget int
	Tools          []model.ToolSpec
	MaxTokens      int
}

// Tool sanitation limits imposed by the vendor schema.
const (
	maxToolNameLen        = 64
	maxToolDescriptionLen = 10237
	defaultToolDesc       = "No description provided"
)

// historyImageWindow：距离末尾超过 5 条的历史消息丢弃图片，换成占位文本。
// 供应商对历史总量敏感，旧图片只会烧上下文。
const historyImageWindow = 5

// vendorModelIDs maps public model names to vendor model ids. Haiku and Opus
// use the lowercase dot form, Sonnet the uppercase form.
var vendorModelIDs = map[string]string{
	"claude-haiku-4-5":           "claude-haiku-4.5",
	"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
	"claude-opus-4-5":            "claude-opus-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
}

const defaultVendorModelID = "CLAUDE_SONNET_4_5_20250929_V1_0"

// MapModel resolves a public model name to the vendor model id, defaulting
// to the current Sonnet.
func MapModel(model string) string {
	if id, ok := vendorModelIDs[model]; ok {
		return id
	}
	return defaultVendorModelID
}

// PublicModels lists the model names the gateway advertises.
func PublicModels() []string {
	return []string{
		"claude-sonnet-4-5",
		"claude-sonnet-4-5-20250929",
		"claude-sonnet-4-20250514",
		"claude-3-7-sonnet-20250219",
		"claude-opus-4-5",
		"claude-haiku-4-5",
	}
}

// BuildPayload translates normalized messages into the vendor conversation
// body. profileArn rides in the body, not a header.
func BuildPayload(messages []model.Message, opts *ChatOptions, profileArn string) ([]byte, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	modelID := MapModel(opts.Model)
	system := buildSystemText(opts)
	msgs := mergeAdjacentRoles(messages)

	var history []map[string]interface{}
	currentContent := ""
	var currentImages []map[string]interface{}
	var currentToolResults []map[string]interface{}

	// System prompt prepends the first user content, else heads history as a
	// standalone user turn.
	prependSystem := ""
	if system != "" {
		if msgs[0].Role == "user" {
			prependSystem = system
		} else {
			history = append(history, map[string]interface{}{
				"userInputMessage": map[string]interface{}{
					"content": system,
					"modelId": modelID,
					"origin":  "AI_EDITOR",
				},
			})
		}
	}

	// A trailing assistant turn moves to history and the current message
	// becomes a synthetic "Continue".
	last := msgs[len(msgs)-1]
	historyEnd := len(msgs) - 1
	if last.Role == "assistant" {
		historyEnd = len(msgs)
	}

	// pendingToolUseIDs tracks ids announced by the previous assistant turn
	// so user tool results can be matched and backfilled.
	var pendingToolUseIDs []string

	for i := 0; i < historyEnd; i++ {
		msg := msgs[i]
		distanceFromEnd := len(msgs) - i

		switch msg.Role {
		case "user":
			content, images, toolResults := renderUserMessage(&msg, pendingToolUseIDs, distanceFromEnd > historyImageWindow)
			pendingToolUseIDs = nil
			if i == 0 && prependSystem != "" {
				content = joinText(prependSystem, content)
			}
			if content == "" && len(toolResults) == 0 {
				content = "Continue"
			}
			userMsg := map[string]interface{}{
				"content": content,
				"modelId": modelID,
				"origin":  "AI_EDITOR",
			}
			if len(images) > 0 {
				userMsg["images"] = images
			}
			if len(toolResults) > 0 {
				userMsg["userInputMessageContext"] = map[string]interface{}{
					"toolResults": toolResults,
				}
			}
			history = append(history, map[string]interface{}{"userInputMessage": userMsg})

		case "assistant":
			content, toolUses := renderAssistantMessage(&msg)
			pendingToolUseIDs = toolUseIDsOf(toolUses)
			if content == "" && len(toolUses) == 0 {
				content = "Continue"
			}
			assistantMsg := map[string]interface{}{"content": content}
			if len(toolUses) > 0 {
				assistantMsg["toolUses"] = toolUses
			}
			history = append(history, map[string]interface{}{"assistantResponseMessage": assistantMsg})
		}
	}

	if last.Role == "assistant" {
		currentContent = "Continue"
	} else {
		currentContent, currentImages, currentToolResults = renderUserMessage(&last, pendingToolUseIDs, false)
		if len(msgs) == 1 && prependSystem != "" {
			currentContent = joinText(prependSystem, currentContent)
		}
		// The vendor requires history to end on an assistant turn when the
		// current message is from the user.
		if n := len(history); n > 0 {
			if _, endsWithUser := history[n-1]["userInputMessage"]; endsWithUser {
				history = append(history, map[string]interface{}{
					"assistantResponseMessage": map[string]interface{}{"content": "Continue"},
				})
			}
		}
	}

	if currentContent == "" {
		currentContent = "Continue"
	}

	userMsg := map[string]interface{}{
		"content": currentContent,
		"modelId": modelID,
		"origin":  "AI_EDITOR",
	}
	if len(currentImages) > 0 {
		userMsg["images"] = currentImages
	}

	msgContext := map[string]interface{}{}
	if len(currentToolResults) > 0 {
		msgContext["toolResults"] = currentToolResults
	}
	if tools := renderTools(opts.Tools); len(tools) > 0 {
		msgContext["tools"] = tools
	}
	if len(msgContext) > 0 {
		userMsg["userInputMessageContext"] = msgContext
	}

	conversationState := map[string]interface{}{
		"chatTriggerType": "MANUAL",
		"conversationId":  uuid.New().String(),
		"currentMessage":  map[string]interface{}{"userInputMessage": userMsg},
	}
	if len(history) > 0 {
		conversationState["history"] = history
	}

	body := map[string]interface{}{"conversationState": conversationState}
	if profileArn != "" {
		body["profileArn"] = profileArn
	}
	return json.Marshal(body)
}

// buildSystemText injects the thinking tags into the system prompt when
// thinking is requested and the caller did not already set them.
func buildSystemText(opts *ChatOptions) string {
	system := opts.System
	if !opts.Thinking {
		return system
	}
	if strings.Contains(system, "<thinking_mode>") {
		return system
	}
	budget := opts.ThinkingBudget
	if budget <= 0 {
		budget = 16000
	}
	tags := fmt.Sprintf("<thinking_mode>enabled</thinking_mode>\n<max_thinking_length>%d</max_thinking_length>", budget)
	return joinText(system, tags)
}

// mergeAdjacentRoles collapses runs of same-role messages into one, content
// arrays concatenated. The vendor rejects two user turns in a row.
func mergeAdjacentRoles(messages []model.Message) []model.Message {
	merged := make([]model.Message, 0, len(messages))
	for _, msg := range messages {
		if n := len(merged); n > 0 && merged[n-1].Role == msg.Role {
			merged[n-1].Content = append(merged[n-1].Content, msg.Content...)
			continue
		}
		copied := model.Message{Role: msg.Role, Content: append([]model.ContentBlock(nil), msg.Content...)}
		merged = append(merged, copied)
	}
	return merged
}

// renderUserMessage flattens a user turn into vendor shape. dropImages
// applies the history-distance rule: images become a placeholder line.
func renderUserMessage(msg *model.Message, expectedToolUseIDs []string, dropImages bool) (content string, images, toolResults []map[string]interface{}) {
	var textParts []string
	imageCount := 0
	seenResults := map[string]bool{}

	for _, block := range msg.Content {
		switch block.Type {
		case model.BlockText:
			if block.Text != "" {
				textParts = append(textParts, block.Text)
			}

		case model.BlockImage:
			imageCount++
			if dropImages || block.Image == nil {
				continue
			}
			images = append(images, renderImage(block.Image))

		case model.BlockToolResult:
			if block.ToolResult == nil || seenResults[block.ToolResult.ToolUseID] {
				continue
			}
			seenResults[block.ToolResult.ToolUseID] = true
			status := "success"
			if block.ToolResult.IsError {
				status = "error"
			}
			toolResults = append(toolResults, map[string]interface{}{
				"toolUseId": block.ToolResult.ToolUseID,
				"content":   []map[string]interface{}{{"text": block.ToolResult.Content}},
				"status":    status,
			})
		}
	}

	// Backfill results the previous assistant turn announced but the client
	// never answered. The vendor refuses a conversation with dangling ids.
	for _, id := range expectedToolUseIDs {
		if seenResults[id] {
			continue
		}
		toolResults = append(toolResults, map[string]interface{}{
			"toolUseId": id,
			"content":   []map[string]interface{}{{"text": "tool result provided"}},
			"status":    "success",
		})
	}

	if dropImages && imageCount > 0 {
		textParts = append(textParts, fmt.Sprintf("[This message contains %d image(s), omitted from history]", imageCount))
	}

	return strings.Join(textParts, "\n"), images, toolResults
}

// renderAssistantMessage flattens an assistant turn: text joined, tool uses
// kept structurally. Thinking blocks never go back upstream.
func renderAssistantMessage(msg *model.Message) (content string, toolUses []map[string]interface{}) {
	var textParts []string
	for _, block := range msg.Content {
		switch block.Type {
		case model.BlockText:
			if block.Text != "" {
				textParts = append(textParts, block.Text)
			}
		case model.BlockToolUse:
			if block.ToolUse == nil {
				continue
			}
			input := map[string]interface{}{}
			if len(block.ToolUse.Input) > 0 {
				_ = json.Unmarshal(block.ToolUse.Input, &input)
			}
			toolUses = append(toolUses, map[string]interface{}{
				"toolUseId": block.ToolUse.ID,
				"name":      sanitizeToolName(block.ToolUse.Name),
				"input":     input,
			})
		}
	}
	return strings.Join(textParts, "\n"), toolUses
}

func toolUseIDsOf(toolUses []map[string]interface{}) []string {
	ids := make([]string, 0, len(toolUses))
	for _, tu := range toolUses {
		if id, ok := tu["toolUseId"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// renderImage converts an image block to the vendor wire shape: inline
// base64 bytes, or a URI reference for URL sources.
func renderImage(src *model.ImageSource) map[string]interface{} {
	image := map[string]interface{}{"format": src.Format()}
	if src.Kind == model.ImageSourceURL {
		image["source"] = map[string]interface{}{"uri": src.URL}
	} else {
		image["source"] = map[string]interface{}{"bytes": src.Data}
	}
	return image
}

// renderTools sanitizes the tool specs: search tools dropped, names clamped,
// descriptions made non-empty and bounded.
func renderTools(tools []model.ToolSpec) []map[string]interface{} {
	var out []map[string]interface{}
	for _, tool := range tools {
		lower := strings.ToLower(tool.Name)
		if lower == "web_search" || lower == "websearch" {
			continue
		}

		desc := tool.Description
		if desc == "" {
			desc = defaultToolDesc
		}
		if len(desc) > maxToolDescriptionLen {
			desc = desc[:maxToolDescriptionLen] + "..."
		}

		schema := map[string]interface{}{}
		if len(tool.InputSchema) > 0 {
			_ = json.Unmarshal(tool.InputSchema, &schema)
		}

		out = append(out, map[string]interface{}{
			"toolSpecification": map[string]interface{}{
				"name":        sanitizeToolName(tool.Name),
				"description": desc,
				"inputSchema": map[string]interface{}{"json": schema},
			},
		})
	}
	return out
}

// sanitizeToolName clamps names to 64 chars: first 32 + "_" + last 31, so
// both the prefix and the distinguishing suffix survive.
func sanitizeToolName(name string) string {
	if len(name) <= maxToolNameLen {
		return name
	}
	return name[:32] + "_" + name[len(name)-31:]
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n\n" + b
}
