package service

import (
	"encoding/json"
	"net/http"
	"time"

	"KiroGate/internal/biz"
	"KiroGate/internal/data"
	"KiroGate/internal/kiro"
	"KiroGate/internal/model"
	"KiroGate/internal/server/middleware"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// anthropicVersions is the accepted anthropic-version header allow-list.
var anthropicVersions = map[string]bool{
	"2023-06-01": true,
	"2023-01-01": true,
}

// ClaudeService adapts the Anthropic messages wire shape onto the
// orchestrator. Claude 客户端自带重试，流式协议也更啰嗦：每个内容块
// 都有成对的 start/stop 事件，thinking 与 text 共用一个递增 index。
type ClaudeService struct {
	chat   *biz.ChatUsecase
	logs   *data.LogRepo
	logger *log.Helper
}

// NewClaudeService wires the Claude surface.
func NewClaudeService(chat *biz.ChatUsecase, logs *data.LogRepo, logger log.Logger) *ClaudeService {
	return &ClaudeService{chat: chat, logs: logs, logger: log.NewHelper(logger)}
}

type claudeChatRequest struct {
	Model     string            `json:"model"`
	Messages  []json.RawMessage `json:"messages"`
	System    json.RawMessage   `json:"system,omitempty"`
	MaxTokens int               `json:"max_tokens,omitempty"`
	Stream    bool              `json:"stream,omitempty"`
	Tools     []claudeTool      `json:"tools,omitempty"`
	Thinking  *claudeThinking   `json:"thinking,omitempty"`
	AccountID string            `json:"account_id,omitempty"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type claudeThinking struct {
	Type         string `json:"type"` // enabled | disabled
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// writeClaudeError renders the taxonomy in the Anthropic error envelope.
func writeClaudeError(w http.ResponseWriter, err error, requestID string) int {
	apiErr := asAPIError(err, requestID)
	status := apiErr.HTTPStatus()
	writeJSON(w, status, map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    claudeErrorType(apiErr),
			"message": apiErr.Message,
		},
		"request_id": apiErr.RequestID,
	})
	return status
}

func claudeErrorType(apiErr *pkgerrors.APIError) string {
	switch apiErr.Type {
	case pkgerrors.TypeValidation:
		return "invalid_request_error"
	case pkgerrors.TypeAuth:
		return "authentication_error"
	case pkgerrors.TypeForbidden, pkgerrors.TypeAccountBanned:
		return "permission_error"
	case pkgerrors.TypeNotFound:
		return "not_found_error"
	case pkgerrors.TypeRateLimited:
		return "rate_limit_error"
	case pkgerrors.TypeUpstreamUnavailable, pkgerrors.TypeNoAvailableAccounts:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// checkVersion validates the anthropic-version header.
func checkVersion(r *http.Request) error {
	version := r.Header.Get("anthropic-version")
	if version == "" {
		return pkgerrors.NewValidationError("anthropic-version header is required")
	}
	if !anthropicVersions[version] {
		return pkgerrors.NewValidationError("unsupported anthropic-version %q", version)
	}
	return nil
}

// Messages handles POST /v1/messages.
func (s *ClaudeService) Messages(ctx khttp.Context) error {
	r := ctx.Request()
	w := ctx.Response()
	requestID := middleware.RequestIDFromContext(r.Context())
	principal := middleware.PrincipalFromContext(r.Context())
	start := time.Now()

	if err := checkVersion(r); err != nil {
		writeClaudeError(w, err, requestID)
		return nil
	}

	var req claudeChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeClaudeError(w, err, requestID)
		return nil
	}

	messages, opts, err := convertClaudeRequest(&req)
	if err != nil {
		writeClaudeError(w, err, requestID)
		return nil
	}

	chatReq := &biz.ChatRequest{
		Messages:  messages,
		Options:   opts,
		Surface:   biz.SurfaceClaude,
		GroupID:   principalGroup(principal),
		AccountID: req.AccountID,
		RequestID: requestID,
	}

	if req.Stream {
		s.streamMessages(ctx, w, chatReq, &req, start)
		return nil
	}

	result, err := s.chat.Execute(r.Context(), chatReq)
	if err != nil {
		status := writeClaudeError(w, err, requestID)
		s.logRequest(requestID, principal, &req, r.URL.Path, false, status, start, 0, 0, err)
		return nil
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            "msg_" + uuid.NewString(),
		"type":          "message",
		"role":          "assistant",
		"model":         req.Model,
		"content":       claudeContent(result.Response.ContentBlocks),
		"stop_reason":   string(result.Response.StopReason),
		"stop_sequence": nil,
		"usage": map[string]int64{
			"input_tokens":  result.InputTokens,
			"output_tokens": result.OutputTokens,
		},
	})
	s.logRequest(requestID, principal, &req, r.URL.Path, false, http.StatusOK, start,
		result.InputTokens, result.OutputTokens, nil)
	return nil
}

// CountTokens handles POST /v1/messages/count_tokens using the shared
// estimator, so the preview matches what the gateway will bill.
func (s *ClaudeService) CountTokens(ctx khttp.Context) error {
	r := ctx.Request()
	w := ctx.Response()
	requestID := middleware.RequestIDFromContext(r.Context())

	if err := checkVersion(r); err != nil {
		writeClaudeError(w, err, requestID)
		return nil
	}

	var req claudeChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeClaudeError(w, err, requestID)
		return nil
	}
	messages, opts, err := convertClaudeRequest(&req)
	if err != nil {
		writeClaudeError(w, err, requestID)
		return nil
	}

	writeJSON(w, http.StatusOK, map[string]int64{
		"input_tokens": biz.EstimateMessagesTokens(messages, opts),
	})
	return nil
}

// sseWriter frames Anthropic SSE events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) event(name string, payload interface{}) {
	data, _ := json.Marshal(payload)
	_, _ = s.w.Write([]byte("event: " + name + "\ndata: "))
	_, _ = s.w.Write(data)
	_, _ = s.w.Write([]byte("\n\n"))
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// blockState tracks the currently open content block during streaming.
type blockState struct {
	sse       *sseWriter
	index     int
	open      bool
	blockType string
}

func (b *blockState) start(blockType string, block map[string]interface{}) {
	b.close()
	block["type"] = blockType
	b.sse.event("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         b.index,
		"content_block": block,
	})
	b.open = true
	b.blockType = blockType
}

func (b *blockState) delta(delta map[string]interface{}) {
	b.sse.event("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": b.index,
		"delta": delta,
	})
}

func (b *blockState) close() {
	if !b.open {
		return
	}
	b.sse.event("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": b.index,
	})
	b.index++
	b.open = false
	b.blockType = ""
}

// streamMessages relays orchestrator events as Anthropic SSE.
func (s *ClaudeService) streamMessages(ctx khttp.Context, w http.ResponseWriter, chatReq *biz.ChatRequest, req *claudeChatRequest, start time.Time) {
	r := ctx.Request()
	requestID := chatReq.RequestID
	principal := middleware.PrincipalFromContext(r.Context())
	inputTokens := biz.EstimateMessagesTokens(chatReq.Messages, chatReq.Options)

	events, err := s.chat.Stream(r.Context(), chatReq)
	if err != nil {
		status := writeClaudeError(w, err, requestID)
		s.logRequest(requestID, principal, req, r.URL.Path, true, status, start, 0, 0, err)
		return
	}

	sse := newSSEWriter(w)
	sse.event("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            "msg_" + uuid.NewString(),
			"type":          "message",
			"role":          "assistant",
			"model":         req.Model,
			"content":       []interface{}{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]int64{
				"input_tokens":  inputTokens,
				"output_tokens": 0,
			},
		},
	})

	block := &blockState{sse: sse}
	var outputTokens int64
	stopReason := model.StopEndTurn
	var streamErr error

loop:
	for ev := range events {
		switch {
		case ev.Err != nil:
			streamErr = ev.Err
			block.close()
			apiErr := asAPIError(ev.Err, requestID)
			sse.event("error", map[string]interface{}{
				"type": "error",
				"error": map[string]interface{}{
					"type":    claudeErrorType(apiErr),
					"message": apiErr.Message,
				},
			})
			break loop

		case ev.Type == model.EventContent:
			if block.blockType != "text" {
				block.start("text", map[string]interface{}{"text": ""})
			}
			outputTokens += biz.EstimateTextTokens(ev.Text)
			block.delta(map[string]interface{}{"type": "text_delta", "text": ev.Text})

		case ev.Type == model.EventThinkingStart:
			block.start("thinking", map[string]interface{}{"thinking": ""})

		case ev.Type == model.EventThinking:
			if block.blockType != "thinking" {
				block.start("thinking", map[string]interface{}{"thinking": ""})
			}
			outputTokens += biz.EstimateTextTokens(ev.Text)
			block.delta(map[string]interface{}{"type": "thinking_delta", "thinking": ev.Text})

		case ev.Type == model.EventThinkingEnd:
			block.close()

		case ev.Type == model.EventToolUse:
			stopReason = model.StopToolUse
			block.start("tool_use", map[string]interface{}{
				"id":    ev.ToolUseID,
				"name":  ev.ToolName,
				"input": map[string]interface{}{},
			})
			if ev.Input != "" {
				block.delta(map[string]interface{}{"type": "input_json_delta", "partial_json": ev.Input})
			}

		case ev.Type == model.EventToolUseInput:
			block.delta(map[string]interface{}{"type": "input_json_delta", "partial_json": ev.Input})

		case ev.Type == model.EventToolUseStop:
			block.close()
		}
	}

	if streamErr == nil {
		block.close()
		sse.event("message_delta", map[string]interface{}{
			"type": "message_delta",
			"delta": map[string]interface{}{
				"stop_reason":   string(stopReason),
				"stop_sequence": nil,
			},
			"usage": map[string]int64{"output_tokens": outputTokens},
		})
		sse.event("message_stop", map[string]interface{}{"type": "message_stop"})
	}

	s.logRequest(requestID, principal, req, r.URL.Path, true, http.StatusOK, start, inputTokens, outputTokens, streamErr)
}

func (s *ClaudeService) logRequest(requestID string, principal *biz.Principal, req *claudeChatRequest, path string, streamed bool, status int, start time.Time, inTokens, outTokens int64, err error) {
	row := &data.RequestLogRow{
		RequestID:        requestID,
		Model:            req.Model,
		Path:             path,
		Streamed:         streamed,
		Status:           status,
		LatencyMs:        time.Since(start).Milliseconds(),
		PromptTokens:     inTokens,
		CompletionTokens: outTokens,
		AccountID:        req.AccountID,
	}
	if principal != nil && principal.GroupID != nil {
		row.GroupID = *principal.GroupID
	}
	if err != nil {
		row.Error = err.Error()
	}
	s.logs.WriteRequestLog(row)
}

// --- request translation ---

// convertClaudeRequest normalizes the Anthropic wire shape.
func convertClaudeRequest(req *claudeChatRequest) ([]model.Message, *kiro.ChatOptions, error) {
	if len(req.Messages) == 0 {
		return nil, nil, pkgerrors.NewValidationError("messages must not be empty")
	}

	opts := &kiro.ChatOptions{
		Model:     req.Model,
		Stream:    req.Stream,
		MaxTokens: req.MaxTokens,
		System:    claudeSystemText(req.System),
	}
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		opts.Thinking = true
		opts.ThinkingBudget = req.Thinking.BudgetTokens
	}
	for _, t := range req.Tools {
		if t.Name == "" {
			continue
		}
		opts.Tools = append(opts.Tools, model.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	var messages []model.Message
	for _, raw := range req.Messages {
		parsed := gjson.ParseBytes(raw)
		role := parsed.Get("role").String()
		if role != "user" && role != "assistant" {
			return nil, nil, pkgerrors.NewValidationError("unsupported message role %q", role)
		}
		blocks, err := claudeBlocks(parsed.Get("content"))
		if err != nil {
			return nil, nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		messages = append(messages, model.Message{Role: role, Content: blocks})
	}
	if len(messages) == 0 {
		return nil, nil, pkgerrors.NewValidationError("no non-empty messages")
	}
	return messages, opts, nil
}

// claudeSystemText flattens the system field (string or text block array).
func claudeSystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	parsed := gjson.ParseBytes(raw)
	if parsed.Type == gjson.String {
		return parsed.String()
	}
	var parts []string
	parsed.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			parts = append(parts, part.Get("text").String())
		}
		return true
	})
	return joinNonEmpty(parts)
}

// claudeBlocks normalizes an Anthropic content value into the block union.
func claudeBlocks(content gjson.Result) ([]model.ContentBlock, error) {
	if content.Type == gjson.String {
		if content.String() == "" {
			return nil, nil
		}
		return []model.ContentBlock{model.TextBlock(content.String())}, nil
	}
	if !content.IsArray() {
		return nil, pkgerrors.NewValidationError("content must be a string or an array of blocks")
	}

	var blocks []model.ContentBlock
	var convErr error
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			if text := part.Get("text").String(); text != "" {
				blocks = append(blocks, model.TextBlock(text))
			}
		case "thinking":
			blocks = append(blocks, model.ContentBlock{
				Type:     model.BlockThinking,
				Thinking: part.Get("thinking").String(),
			})
		case "image":
			img, err := claudeImage(part.Get("source"))
			if err != nil {
				convErr = err
				return false
			}
			blocks = append(blocks, model.ContentBlock{Type: model.BlockImage, Image: img})
		case "tool_use":
			input := json.RawMessage(part.Get("input").Raw)
			if len(input) == 0 || !json.Valid(input) {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, model.ContentBlock{
				Type: model.BlockToolUse,
				ToolUse: &model.ToolUseBlock{
					ID:    part.Get("id").String(),
					Name:  part.Get("name").String(),
					Input: input,
				},
			})
		case "tool_result":
			blocks = append(blocks, model.ContentBlock{
				Type: model.BlockToolResult,
				ToolResult: &model.ToolResultBlock{
					ToolUseID: part.Get("tool_use_id").String(),
					Content:   claudeToolResultText(part.Get("content")),
					IsError:   part.Get("is_error").Bool(),
				},
			})
		}
		return true
	})
	return blocks, convErr
}

func claudeImage(source gjson.Result) (*model.ImageSource, error) {
	switch source.Get("type").String() {
	case "base64":
		return &model.ImageSource{
			Kind:      model.ImageSourceBase64,
			MediaType: source.Get("media_type").String(),
			Data:      source.Get("data").String(),
		}, nil
	case "url":
		return &model.ImageSource{
			Kind: model.ImageSourceURL,
			URL:  source.Get("url").String(),
		}, nil
	}
	return nil, pkgerrors.NewValidationError("unsupported image source type %q", source.Get("type").String())
}

// claudeToolResultText flattens a tool_result content value (string or text
// block array) into plain text.
func claudeToolResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			parts = append(parts, part.Get("text").String())
		}
		return true
	})
	return joinNonEmpty(parts)
}

// claudeContent renders the neutral blocks in the Anthropic response shape.
func claudeContent(blocks []model.ContentBlock) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case model.BlockText:
			out = append(out, map[string]interface{}{"type": "text", "text": b.Text})
		case model.BlockThinking:
			out = append(out, map[string]interface{}{"type": "thinking", "thinking": b.Thinking})
		case model.BlockToolUse:
			if b.ToolUse == nil {
				continue
			}
			input := json.RawMessage(b.ToolUse.Input)
			if len(input) == 0 || !json.Valid(input) {
				input = json.RawMessage("{}")
			}
			out = append(out, map[string]interface{}{
				"type":  "tool_use",
				"id":    b.ToolUse.ID,
				"name":  b.ToolUse.Name,
				"input": input,
			})
		}
	}
	return out
}
