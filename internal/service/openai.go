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

// reasoning_effort 到 thinking 预算的映射；"none" 显式关闭。
var reasoningBudgets = map[string]int{
	"low":    8000,
	"medium": 16000,
	"high":   24000,
}

// OpenAIService adapts the OpenAI chat-completions wire shape onto the
// orchestrator, including the SSE streaming variant.
type OpenAIService struct {
	chat   *biz.ChatUsecase
	pool   *biz.AccountPool
	logs   *data.LogRepo
	logger *log.Helper
}

// NewOpenAIService wires the OpenAI surface.
func NewOpenAIService(chat *biz.ChatUsecase, pool *biz.AccountPool, logs *data.LogRepo, logger log.Logger) *OpenAIService {
	return &OpenAIService{chat: chat, pool: pool, logs: logs, logger: log.NewHelper(logger)}
}

// --- wire shapes ---

type openAIChatRequest struct {
	Model           string          `json:"model"`
	Messages        []openAIMessage `json:"messages"`
	Stream          bool            `json:"stream,omitempty"`
	Tools           []openAITool    `json:"tools,omitempty"`
	MaxTokens       int             `json:"max_tokens,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	AccountID       string          `json:"account_id,omitempty"`
	Thinking        *openAIThinking `json:"thinking,omitempty"`
}

type openAIThinking struct {
	Type         string `json:"type,omitempty"` // enabled | disabled
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string            `json:"type"`
	Function openAIFunctionDef `json:"function"`
}

type openAIFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// writeOpenAIError renders the taxonomy in the OpenAI error envelope.
func writeOpenAIError(w http.ResponseWriter, err error, requestID string) int {
	apiErr := asAPIError(err, requestID)
	status := apiErr.HTTPStatus()
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message":    apiErr.Message,
			"type":       openAIErrorType(apiErr),
			"code":       apiErr.Code,
			"request_id": apiErr.RequestID,
		},
	})
	return status
}

func openAIErrorType(apiErr *pkgerrors.APIError) string {
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
	case pkgerrors.TypeQuotaExhausted:
		return "insufficient_quota"
	default:
		return "api_error"
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (s *OpenAIService) ChatCompletions(ctx khttp.Context) error {
	r := ctx.Request()
	w := ctx.Response()
	requestID := middleware.RequestIDFromContext(r.Context())
	principal := middleware.PrincipalFromContext(r.Context())
	start := time.Now()

	var req openAIChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeOpenAIError(w, err, requestID)
		return nil
	}
	if len(req.Messages) == 0 {
		writeOpenAIError(w, pkgerrors.NewValidationError("messages must not be empty"), requestID)
		return nil
	}

	messages, opts, err := convertOpenAIRequest(&req)
	if err != nil {
		writeOpenAIError(w, err, requestID)
		return nil
	}

	chatReq := &biz.ChatRequest{
		Messages:  messages,
		Options:   opts,
		Surface:   biz.SurfaceOpenAI,
		GroupID:   principalGroup(principal),
		AccountID: req.AccountID,
		RequestID: requestID,
	}

	if req.Stream {
		s.streamCompletion(ctx, w, chatReq, &req, start)
		return nil
	}

	result, err := s.chat.Execute(r.Context(), chatReq)
	if err != nil {
		status := writeOpenAIError(w, err, requestID)
		s.logRequest(requestID, principal, chatReq, req.Model, r.URL.Path, false, status, start, 0, 0, err)
		return nil
	}

	message := map[string]interface{}{
		"role":    "assistant",
		"content": result.Response.Content,
	}
	if reasoning := collectThinking(result.Response.ContentBlocks); reasoning != "" {
		message["reasoning_content"] = reasoning
	}
	finishReason := "stop"
	if calls := collectToolCalls(result.Response.ContentBlocks); len(calls) > 0 {
		message["tool_calls"] = calls
		finishReason = "tool_calls"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason,
		}},
		"usage": openAIUsage{
			PromptTokens:     result.InputTokens,
			CompletionTokens: result.OutputTokens,
			TotalTokens:      result.InputTokens + result.OutputTokens,
		},
	})
	s.logRequest(requestID, principal, chatReq, req.Model, r.URL.Path, false, http.StatusOK, start,
		result.InputTokens, result.OutputTokens, nil)
	return nil
}

// streamCompletion relays orchestrator events as OpenAI SSE chunks.
func (s *OpenAIService) streamCompletion(ctx khttp.Context, w http.ResponseWriter, chatReq *biz.ChatRequest, req *openAIChatRequest, start time.Time) {
	r := ctx.Request()
	requestID := chatReq.RequestID

	events, err := s.chat.Stream(r.Context(), chatReq)
	if err != nil {
		status := writeOpenAIError(w, err, requestID)
		s.logRequest(requestID, middleware.PrincipalFromContext(r.Context()), chatReq, req.Model, r.URL.Path, true, status, start, 0, 0, err)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	chunkID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	emit := func(delta map[string]interface{}, finish interface{}) {
		payload, _ := json.Marshal(map[string]interface{}{
			"id":      chunkID,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   req.Model,
			"choices": []map[string]interface{}{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		})
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit(map[string]interface{}{"role": "assistant"}, nil)

	var outputTokens int64
	finishReason := "stop"
	var streamErr error
	for ev := range events {
		if ev.Err != nil {
			streamErr = ev.Err
			apiErr := asAPIError(ev.Err, requestID)
			errPayload, _ := json.Marshal(map[string]interface{}{
				"error": map[string]interface{}{
					"message":    apiErr.Message,
					"type":       openAIErrorType(apiErr),
					"request_id": requestID,
				},
			})
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(errPayload)
			_, _ = w.Write([]byte("\n\n"))
			break
		}
		switch ev.Type {
		case model.EventContent:
			outputTokens += biz.EstimateTextTokens(ev.Text)
			emit(map[string]interface{}{"content": ev.Text}, nil)
		case model.EventThinking:
			outputTokens += biz.EstimateTextTokens(ev.Text)
			emit(map[string]interface{}{"reasoning_content": ev.Text}, nil)
		case model.EventToolUse:
			finishReason = "tool_calls"
			emit(map[string]interface{}{"tool_calls": []map[string]interface{}{{
				"index": 0,
				"id":    ev.ToolUseID,
				"type":  "function",
				"function": map[string]interface{}{
					"name":      ev.ToolName,
					"arguments": ev.Input,
				},
			}}}, nil)
		case model.EventToolUseInput:
			emit(map[string]interface{}{"tool_calls": []map[string]interface{}{{
				"index":    0,
				"function": map[string]interface{}{"arguments": ev.Input},
			}}}, nil)
		}
	}

	if streamErr == nil {
		emit(map[string]interface{}{}, finishReason)
	}
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	if flusher != nil {
		flusher.Flush()
	}

	status := http.StatusOK
	inputTokens := biz.EstimateMessagesTokens(chatReq.Messages, chatReq.Options)
	s.logRequest(requestID, middleware.PrincipalFromContext(r.Context()), chatReq, req.Model, r.URL.Path, true, status, start, inputTokens, outputTokens, streamErr)
}

// Models handles GET /v1/models.
func (s *OpenAIService) Models(ctx khttp.Context) error {
	writeJSON(ctx.Response(), http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   modelObjects(),
	})
	return nil
}

// ModelByID handles GET /v1/models/{model}.
func (s *OpenAIService) ModelByID(ctx khttp.Context) error {
	id := ctx.Vars().Get("model")
	for _, m := range modelObjects() {
		if m["id"] == id {
			writeJSON(ctx.Response(), http.StatusOK, m)
			return nil
		}
	}
	requestID := middleware.RequestIDFromContext(ctx.Request().Context())
	writeOpenAIError(ctx.Response(), pkgerrors.NewNotFoundError("model %q not found", id), requestID)
	return nil
}

func modelObjects() []map[string]interface{} {
	names := kiro.PublicModels()
	out := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		out = append(out, map[string]interface{}{
			"id":       name,
			"object":   "model",
			"created":  int64(1735689600), // 2025-01-01
			"owned_by": "kirogate",
		})
	}
	return out
}

// PoolStatus handles GET/POST /v1/pool/status, scoped to the caller's group.
func (s *OpenAIService) PoolStatus(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())
	principal := middleware.PrincipalFromContext(r.Context())

	status, err := s.pool.GetPoolStatus(r.Context(), principalGroup(principal))
	if err != nil {
		writeOpenAIError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, status)
	return nil
}

// PoolRefresh handles POST /v1/pool/refresh: drops the caches, reruns the
// active-pool maintenance pass and returns the fresh status.
func (s *OpenAIService) PoolRefresh(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())
	principal := middleware.PrincipalFromContext(r.Context())
	gid := principalGroup(principal)

	s.pool.InvalidateCache(r.Context(), gid)
	if err := s.pool.MaintainActivePool(r.Context()); err != nil {
		s.logger.Warnw("msg", "pool maintenance during refresh failed", "error", err.Error())
	}
	status, err := s.pool.GetPoolStatus(r.Context(), gid)
	if err != nil {
		writeOpenAIError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, map[string]interface{}{
		"refreshed": true,
		"status":    status,
	})
	return nil
}

func (s *OpenAIService) logRequest(requestID string, principal *biz.Principal, chatReq *biz.ChatRequest, modelName, path string, streamed bool, status int, start time.Time, inTokens, outTokens int64, err error) {
	row := &data.RequestLogRow{
		RequestID:        requestID,
		Model:            modelName,
		Path:             path,
		Streamed:         streamed,
		Status:           status,
		LatencyMs:        time.Since(start).Milliseconds(),
		PromptTokens:     inTokens,
		CompletionTokens: outTokens,
	}
	if principal != nil && principal.GroupID != nil {
		row.GroupID = *principal.GroupID
	}
	if chatReq.AccountID != "" {
		row.AccountID = chatReq.AccountID
	}
	if err != nil {
		row.Error = err.Error()
	}
	s.logs.WriteRequestLog(row)
}

func principalGroup(p *biz.Principal) *string {
	if p == nil {
		return nil
	}
	return p.GroupID
}

// --- request translation ---

// convertOpenAIRequest normalizes the OpenAI wire shape into protocol-neutral
// messages plus chat options.
func convertOpenAIRequest(req *openAIChatRequest) ([]model.Message, *kiro.ChatOptions, error) {
	opts := &kiro.ChatOptions{
		Model:     req.Model,
		Stream:    req.Stream,
		MaxTokens: req.MaxTokens,
	}

	// reasoning_effort 与 thinking 二选一，thinking 优先。
	if budget, ok := reasoningBudgets[req.ReasoningEffort]; ok {
		opts.Thinking = true
		opts.ThinkingBudget = budget
	}
	if req.Thinking != nil {
		switch req.Thinking.Type {
		case "disabled":
			opts.Thinking = false
			opts.ThinkingBudget = 0
		default:
			opts.Thinking = true
			if req.Thinking.BudgetTokens > 0 {
				opts.ThinkingBudget = req.Thinking.BudgetTokens
			}
		}
	}
	if req.ReasoningEffort == "none" {
		opts.Thinking = false
		opts.ThinkingBudget = 0
	}

	for _, t := range req.Tools {
		if t.Function.Name == "" {
			continue
		}
		opts.Tools = append(opts.Tools, model.ToolSpec{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	var messages []model.Message
	var systemParts []string
	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case "system", "developer":
			systemParts = append(systemParts, contentText(msg.Content))
		case "tool":
			// Tool replies become user-side tool_result blocks.
			messages = append(messages, model.Message{
				Role: "user",
				Content: []model.ContentBlock{{
					Type: model.BlockToolResult,
					ToolResult: &model.ToolResultBlock{
						ToolUseID: msg.ToolCallID,
						Content:   contentText(msg.Content),
					},
				}},
			})
		case "user", "assistant":
			blocks, err := contentBlocks(msg.Content)
			if err != nil {
				return nil, nil, err
			}
			for _, call := range msg.ToolCalls {
				input := json.RawMessage(call.Function.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, model.ContentBlock{
					Type: model.BlockToolUse,
					ToolUse: &model.ToolUseBlock{
						ID:    call.ID,
						Name:  call.Function.Name,
						Input: input,
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, model.Message{Role: msg.Role, Content: blocks})
		default:
			return nil, nil, pkgerrors.NewValidationError("unsupported message role %q", msg.Role)
		}
	}
	if len(messages) == 0 {
		return nil, nil, pkgerrors.NewValidationError("no user or assistant messages after normalization")
	}

	opts.System = joinNonEmpty(systemParts)
	return messages, opts, nil
}

// contentText flattens a string-or-block-array content field into plain text.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	parsed := gjson.ParseBytes(raw)
	if parsed.Type == gjson.String {
		return parsed.String()
	}
	var out []string
	parsed.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			out = append(out, part.Get("text").String())
		}
		return true
	})
	return joinNonEmpty(out)
}

// contentBlocks normalizes a content field into the block union, converting
// data: URLs to inline base64 images and passing plain URLs through.
func contentBlocks(raw json.RawMessage) ([]model.ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	parsed := gjson.ParseBytes(raw)
	if parsed.Type == gjson.String {
		if parsed.String() == "" {
			return nil, nil
		}
		return []model.ContentBlock{model.TextBlock(parsed.String())}, nil
	}
	if !parsed.IsArray() {
		return nil, pkgerrors.NewValidationError("content must be a string or an array of parts")
	}

	var blocks []model.ContentBlock
	var convErr error
	parsed.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			if text := part.Get("text").String(); text != "" {
				blocks = append(blocks, model.TextBlock(text))
			}
		case "image_url":
			url := part.Get("image_url.url").String()
			if url == "" {
				convErr = pkgerrors.NewValidationError("image_url part is missing its url")
				return false
			}
			if mediaType, payload, ok := parseDataURL(url); ok {
				blocks = append(blocks, model.ContentBlock{
					Type: model.BlockImage,
					Image: &model.ImageSource{
						Kind:      model.ImageSourceBase64,
						MediaType: mediaType,
						Data:      payload,
					},
				})
			} else {
				blocks = append(blocks, model.ContentBlock{
					Type:  model.BlockImage,
					Image: &model.ImageSource{Kind: model.ImageSourceURL, URL: url},
				})
			}
		}
		return true
	})
	return blocks, convErr
}

func collectThinking(blocks []model.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == model.BlockThinking && b.Thinking != "" {
			parts = append(parts, b.Thinking)
		}
	}
	return joinNonEmpty(parts)
}

func collectToolCalls(blocks []model.ContentBlock) []map[string]interface{} {
	var calls []map[string]interface{}
	for _, b := range blocks {
		if b.Type != model.BlockToolUse || b.ToolUse == nil {
			continue
		}
		args := string(b.ToolUse.Input)
		if args == "" {
			args = "{}"
		}
		calls = append(calls, map[string]interface{}{
			"id":   b.ToolUse.ID,
			"type": "function",
			"function": map[string]interface{}{
				"name":      b.ToolUse.Name,
				"arguments": args,
			},
		})
	}
	return calls
}

func joinNonEmpty(parts []string) string {
	var out string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += p
	}
	return out
}
