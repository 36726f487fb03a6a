package kiro

import (
	"strings"

	"KiroGate/internal/model"
)

// Thinking arrives inline, wrapped in literal tags inside regular content.
const (
	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"
)

// ThinkingSplitter 把流式 content 文本切分为 thinking_start / thinking /
// thinking_end / content 事件。标签可能跨 chunk 到达，疑似半个标签的尾部
// 先扣下，等下一个 chunk 再判定。
type ThinkingSplitter struct {
	inThinking bool
	pending    string
}

// NewThinkingSplitter creates a splitter in plain-content state.
func NewThinkingSplitter() *ThinkingSplitter {
	return &ThinkingSplitter{}
}

// Split consumes a content fragment and returns the events it completes.
func (t *ThinkingSplitter) Split(text string) []model.StreamEvent {
	t.pending += text

	var events []model.StreamEvent
	for {
		if !t.inThinking {
			idx := strings.Index(t.pending, thinkingOpenTag)
			if idx < 0 {
				hold := partialTagLen(t.pending, thinkingOpenTag)
				if emit := t.pending[:len(t.pending)-hold]; emit != "" {
					events = append(events, model.StreamEvent{Type: model.EventContent, Text: emit})
				}
				t.pending = t.pending[len(t.pending)-hold:]
				return events
			}
			if idx > 0 {
				events = append(events, model.StreamEvent{Type: model.EventContent, Text: t.pending[:idx]})
			}
			t.pending = t.pending[idx+len(thinkingOpenTag):]
			t.inThinking = true
			events = append(events, model.StreamEvent{Type: model.EventThinkingStart})
			continue
		}

		idx := strings.Index(t.pending, thinkingCloseTag)
		if idx < 0 {
			hold := partialTagLen(t.pending, thinkingCloseTag)
			if emit := t.pending[:len(t.pending)-hold]; emit != "" {
				events = append(events, model.StreamEvent{Type: model.EventThinking, Text: emit})
			}
			t.pending = t.pending[len(t.pending)-hold:]
			return events
		}
		if idx > 0 {
			events = append(events, model.StreamEvent{Type: model.EventThinking, Text: t.pending[:idx]})
		}
		t.pending = t.pending[idx+len(thinkingCloseTag):]
		t.inThinking = false
		events = append(events, model.StreamEvent{Type: model.EventThinkingEnd})
	}
}

// Flush releases any held tail at end of stream. An unterminated thinking
// block is closed so adapters never dangle.
func (t *ThinkingSplitter) Flush() []model.StreamEvent {
	var events []model.StreamEvent
	if t.pending != "" {
		eventType := model.EventContent
		if t.inThinking {
			eventType = model.EventThinking
		}
		events = append(events, model.StreamEvent{Type: eventType, Text: t.pending})
		t.pending = ""
	}
	if t.inThinking {
		events = append(events, model.StreamEvent{Type: model.EventThinkingEnd})
		t.inThinking = false
	}
	return events
}

// partialTagLen returns the length of the longest strict prefix of tag that
// s ends with.
func partialTagLen(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(s, tag[:k]) {
			return k
		}
	}
	return 0
}

// ExtractThinkingFromContent splits an aggregated response body into ordered
// thinking and text blocks. Used by the non-streaming path.
func ExtractThinkingFromContent(content string) []model.ContentBlock {
	var blocks []model.ContentBlock
	rest := content
	for {
		open := strings.Index(rest, thinkingOpenTag)
		if open < 0 {
			if rest != "" {
				blocks = append(blocks, model.TextBlock(rest))
			}
			return blocks
		}
		if before := rest[:open]; before != "" {
			blocks = append(blocks, model.TextBlock(before))
		}
		rest = rest[open+len(thinkingOpenTag):]

		closeIdx := strings.Index(rest, thinkingCloseTag)
		if closeIdx < 0 {
			// Unterminated block: the remainder is all thinking.
			if rest != "" {
				blocks = append(blocks, model.ContentBlock{Type: model.BlockThinking, Thinking: rest})
			}
			return blocks
		}
		if thinking := rest[:closeIdx]; thinking != "" {
			blocks = append(blocks, model.ContentBlock{Type: model.BlockThinking, Thinking: thinking})
		}
		rest = rest[closeIdx+len(thinkingCloseTag):]
	}
}
