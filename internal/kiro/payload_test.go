package kiro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadScanner_ContentChunks(t *testing.T) {
	s := NewPayloadScanner()
	chunks := s.Feed([]byte(`{"content":"Hello"}{"content":" world"}`))
	require.Len(t, chunks, 2)
	assert.Equal(t, "Hello", chunks[0].Content)
	assert.Equal(t, " world", chunks[1].Content)
}

func TestPayloadScanner_SplitAcrossFeeds(t *testing.T) {
	s := NewPayloadScanner()
	chunks := s.Feed([]byte(`{"content":"par`))
	assert.Empty(t, chunks)

	chunks = s.Feed([]byte(`tial"}`))
	require.Len(t, chunks, 1)
	assert.Equal(t, "partial", chunks[0].Content)
}

func TestPayloadScanner_MarkerSplitAcrossFeeds(t *testing.T) {
	s := NewPayloadScanner()
	assert.Empty(t, s.Feed([]byte(`garbage{"con`)))
	chunks := s.Feed([]byte(`tent":"ok"}`))
	require.Len(t, chunks, 1)
	assert.Equal(t, "ok", chunks[0].Content)
}

func TestPayloadScanner_DedupesRepeatedContent(t *testing.T) {
	s := NewPayloadScanner()
	chunks := s.Feed([]byte(`{"content":"dup"}{"content":"dup"}{"content":"next"}`))
	require.Len(t, chunks, 2)
	assert.Equal(t, "dup", chunks[0].Content)
	assert.Equal(t, "next", chunks[1].Content)
}

func TestPayloadScanner_RepeatAfterOtherChunkSurvives(t *testing.T) {
	s := NewPayloadScanner()
	chunks := s.Feed([]byte(`{"content":"x"}{"contextUsagePercentage":10}{"content":"x"}`))
	require.Len(t, chunks, 3)
}

func TestPayloadScanner_FollowupPromptIgnored(t *testing.T) {
	s := NewPayloadScanner()
	chunks := s.Feed([]byte(`{"followupPrompt":{"content":"suggestion"}}{"content":"real"}`))
	require.Len(t, chunks, 1)
	assert.Equal(t, "real", chunks[0].Content)
}

func TestPayloadScanner_ToolUseLifecycle(t *testing.T) {
	s := NewPayloadScanner()
	chunks := s.Feed([]byte(
		`{"name":"get_weather","toolUseId":"tu_1","input":""}` +
			`{"input":"{\"city\":"}` +
			`{"input":"\"Paris\"}"}` +
			`{"stop":true}`))
	require.Len(t, chunks, 4)
	assert.Equal(t, "get_weather", chunks[0].Name)
	assert.Equal(t, "tu_1", chunks[0].ToolUseID)
	assert.Equal(t, `{"city":`, chunks[1].Input)
	assert.Equal(t, `"Paris"}`, chunks[2].Input)
	assert.True(t, chunks[3].Stop)
}

func TestPayloadScanner_ContextUsage(t *testing.T) {
	s := NewPayloadScanner()
	chunks := s.Feed([]byte(`{"contextUsagePercentage":42.5}`))
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].ContextUsagePercentage)
	assert.InDelta(t, 42.5, *chunks[0].ContextUsagePercentage, 0.001)
}

func TestPayloadScanner_BracesInsideStrings(t *testing.T) {
	s := NewPayloadScanner()
	chunks := s.Feed([]byte(`{"content":"a } b { c \" d"}`))
	require.Len(t, chunks, 1)
	assert.Equal(t, `a } b { c " d`, chunks[0].Content)
}

func TestScanObject(t *testing.T) {
	obj, rest, complete := scanObject(`{"a":{"b":"}"}}tail`)
	assert.True(t, complete)
	assert.Equal(t, `{"a":{"b":"}"}}`, obj)
	assert.Equal(t, "tail", rest)

	_, _, complete = scanObject(`{"a":"unterminated`)
	assert.False(t, complete)
}
