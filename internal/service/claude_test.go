package service

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"KiroGate/internal/model"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantErr bool
	}{
		{"current", "2023-06-01", false},
		{"legacy", "2023-01-01", false},
		{"missing", "", true},
		{"unknown", "2024-12-31", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/v1/messages", nil)
			if tt.version != "" {
				r.Header.Set("anthropic-version", tt.version)
			}
			err := checkVersion(r)
			if tt.wantErr {
				require.Error(t, err)
				apiErr, ok := pkgerrors.AsAPIError(err)
				require.True(t, ok)
				assert.Equal(t, pkgerrors.TypeValidation, apiErr.Type)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConvertClaudeRequest(t *testing.T) {
	req := &claudeChatRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 2048,
		System:    json.RawMessage(`[{"type":"text","text":"be brief"},{"type":"text","text":"in english"}]`),
		Thinking:  &claudeThinking{Type: "enabled", BudgetTokens: 9000},
		Tools: []claudeTool{
			{Name: "search", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		Messages: []json.RawMessage{
			json.RawMessage(`{"role":"user","content":"hello"}`),
			json.RawMessage(`{"role":"assistant","content":[{"type":"text","text":"hi"}]}`),
		},
	}

	messages, opts, err := convertClaudeRequest(req)
	require.NoError(t, err)

	assert.Equal(t, "be brief\n\nin english", opts.System)
	assert.True(t, opts.Thinking)
	assert.Equal(t, 9000, opts.ThinkingBudget)
	assert.Equal(t, 2048, opts.MaxTokens)
	require.Len(t, opts.Tools, 1)
	assert.Equal(t, "search", opts.Tools[0].Name)

	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "hello", messages[0].Content[0].Text)
}

func TestConvertClaudeRequest_Rejections(t *testing.T) {
	_, _, err := convertClaudeRequest(&claudeChatRequest{Model: "m"})
	assert.Error(t, err)

	_, _, err = convertClaudeRequest(&claudeChatRequest{
		Model:    "m",
		Messages: []json.RawMessage{json.RawMessage(`{"role":"system","content":"x"}`)},
	})
	assert.Error(t, err)

	// thinking disabled 显式关闭。
	_, opts, err := convertClaudeRequest(&claudeChatRequest{
		Model:    "m",
		Thinking: &claudeThinking{Type: "disabled"},
		Messages: []json.RawMessage{json.RawMessage(`{"role":"user","content":"x"}`)},
	})
	require.NoError(t, err)
	assert.False(t, opts.Thinking)
}

func TestClaudeBlocks(t *testing.T) {
	content := gjson.Parse(`[
		{"type":"text","text":"hello"},
		{"type":"thinking","thinking":"hmm"},
		{"type":"image","source":{"type":"base64","media_type":"image/png","data":"aGk="}},
		{"type":"image","source":{"type":"url","url":"https://example.com/a.png"}},
		{"type":"tool_use","id":"t1","name":"f","input":{"a":1}},
		{"type":"tool_use","id":"t2","name":"g","input":null},
		{"type":"tool_result","tool_use_id":"t1","is_error":true,
		 "content":[{"type":"text","text":"boom"}]}
	]`)

	blocks, err := claudeBlocks(content)
	require.NoError(t, err)
	require.Len(t, blocks, 7)

	assert.Equal(t, model.BlockText, blocks[0].Type)
	assert.Equal(t, "hmm", blocks[1].Thinking)

	assert.Equal(t, model.ImageSourceBase64, blocks[2].Image.Kind)
	assert.Equal(t, "image/png", blocks[2].Image.MediaType)
	assert.Equal(t, model.ImageSourceURL, blocks[3].Image.Kind)

	assert.JSONEq(t, `{"a":1}`, string(blocks[4].ToolUse.Input))
	assert.Equal(t, "{}", string(blocks[5].ToolUse.Input))

	result := blocks[6].ToolResult
	assert.Equal(t, "t1", result.ToolUseID)
	assert.True(t, result.IsError)
	assert.Equal(t, "boom", result.Content)
}

func TestClaudeBlocks_BadImageSource(t *testing.T) {
	_, err := claudeBlocks(gjson.Parse(`[{"type":"image","source":{"type":"file"}}]`))
	assert.Error(t, err)
}

func TestClaudeErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{pkgerrors.NewValidationError("bad"), "invalid_request_error"},
		{pkgerrors.NewAuthError(pkgerrors.CodeTokenExpired, "old"), "authentication_error"},
		{pkgerrors.NewUpstreamUnavailableError("down"), "overloaded_error"},
		{pkgerrors.NewNoAvailableAccountsError("empty pool"), "overloaded_error"},
		{pkgerrors.NewRateLimitedError("slow"), "rate_limit_error"},
		{pkgerrors.NewInternalError("boom", nil), "api_error"},
	}
	for _, tt := range tests {
		apiErr, ok := pkgerrors.AsAPIError(tt.err)
		require.True(t, ok)
		assert.Equal(t, tt.want, claudeErrorType(apiErr))
	}
}

func TestBlockState_SharedIndex(t *testing.T) {
	rec := httptest.NewRecorder()
	block := &blockState{sse: newSSEWriter(rec)}

	// thinking 块与 text 块共用一个递增 index。
	block.start("thinking", map[string]interface{}{"thinking": ""})
	block.delta(map[string]interface{}{"type": "thinking_delta", "thinking": "why"})
	block.close()
	block.start("text", map[string]interface{}{"text": ""})
	block.delta(map[string]interface{}{"type": "text_delta", "text": "hello"})
	block.close()

	body := rec.Body.String()
	assert.Contains(t, body, "event: content_block_start")
	assert.Contains(t, body, "event: content_block_delta")
	assert.Contains(t, body, "event: content_block_stop")
	assert.Contains(t, body, `"index":0`)
	assert.Contains(t, body, `"index":1`)
	assert.Equal(t, 2, strings.Count(body, "event: content_block_stop"))

	// starting a block auto-closes the previous one
	block.start("text", map[string]interface{}{"text": ""})
	block.start("tool_use", map[string]interface{}{"id": "t1", "name": "f", "input": map[string]interface{}{}})
	assert.Equal(t, 3, block.index)
	assert.True(t, block.open)
}

func TestClaudeContent(t *testing.T) {
	blocks := []model.ContentBlock{
		model.TextBlock("answer"),
		{Type: model.BlockThinking, Thinking: "chain"},
		{Type: model.BlockToolUse, ToolUse: &model.ToolUseBlock{ID: "t1", Name: "f"}},
	}
	out := claudeContent(blocks)
	require.Len(t, out, 3)
	assert.Equal(t, "text", out[0]["type"])
	assert.Equal(t, "thinking", out[1]["type"])
	assert.Equal(t, "tool_use", out[2]["type"])
	assert.Equal(t, json.RawMessage("{}"), out[2]["input"])
}
