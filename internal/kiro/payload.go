package kiro

import (
	"encoding/json"
	"strings"
)

// 供应商负载不是逐行 JSON：对象直接拼接在字节流里，且可能被任意切分。
// 扫描器按已知首 token 定位对象起点，用括号计数找到配对的结束括号。
var chunkMarkers = []string{
	`{"content":`,
	`{"name":`,
	`{"followupPrompt":`,
	`{"input":`,
	`{"stop":`,
	`{"contextUsagePercentage":`,
}

// PayloadScanner extracts vendor chunks from a concatenated payload stream.
// Incomplete objects stay buffered until the closing brace arrives. Not safe
// for concurrent use; one per stream.
type PayloadScanner struct {
	buffer      string
	lastContent string
}

// NewPayloadScanner creates an empty payload scanner.
func NewPayloadScanner() *PayloadScanner {
	return &PayloadScanner{}
}

// Feed appends payload bytes and returns every chunk now complete.
// followupPrompt objects are dropped, as are content chunks identical to the
// immediately preceding one (the vendor occasionally double-sends).
func (s *PayloadScanner) Feed(data []byte) []*Chunk {
	s.buffer += string(data)

	var chunks []*Chunk
	for {
		start, ok := s.nextMarker()
		if !ok {
			s.trimBeforePartialMarker()
			break
		}
		s.buffer = s.buffer[start:]

		obj, rest, complete := scanObject(s.buffer)
		if !complete {
			break
		}
		s.buffer = rest

		var chunk Chunk
		if err := json.Unmarshal([]byte(obj), &chunk); err != nil {
			// 错位的对象直接丢弃，流继续。
			continue
		}
		if chunk.FollowupPrompt != nil {
			continue
		}
		if chunk.Content != "" {
			if chunk.Content == s.lastContent {
				continue
			}
			s.lastContent = chunk.Content
		} else {
			s.lastContent = ""
		}
		chunks = append(chunks, &chunk)
	}

	return chunks
}

// nextMarker returns the earliest index of any known chunk marker.
func (s *PayloadScanner) nextMarker() (int, bool) {
	best := -1
	for _, marker := range chunkMarkers {
		if idx := strings.Index(s.buffer, marker); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best, best >= 0
}

// trimBeforePartialMarker drops everything before the last '{' so a marker
// split across chunk boundaries survives without the buffer growing forever.
func (s *PayloadScanner) trimBeforePartialMarker() {
	if idx := strings.LastIndexByte(s.buffer, '{'); idx > 0 {
		s.buffer = s.buffer[idx:]
	} else if idx < 0 {
		s.buffer = ""
	}
}

// scanObject returns the balanced JSON object at the start of s, honoring
// string and escape state. complete is false when the closing brace has not
// arrived yet.
func scanObject(s string) (obj, rest string, complete bool) {
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[:i+1], s[i+1:], true
			}
		}
	}
	return "", s, false
}
