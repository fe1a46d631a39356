package adapt

import (
	"encoding/json"
	"strings"
)

const (
	// FenceOpen starts the tool-call convention in web-mode output.
	FenceOpen  = "```tool_use"
	FenceClose = "```"
)

// ToolCall is one parsed fenced tool invocation.
type ToolCall struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolCallScanner detects the fenced tool-call convention in a text delta
// stream. Text that could still become a fence opener is withheld until
// disambiguated; once a fence opens, text is swallowed until the closing
// fence completes a call.
type ToolCallScanner struct {
	buf     string
	inFence bool
	done    bool
}

func NewToolCallScanner() *ToolCallScanner {
	return &ToolCallScanner{}
}

// Feed consumes a delta and returns the plain text safe to emit plus a
// completed call, if the closing fence arrived. After a call completes the
// scanner emits nothing further.
func (s *ToolCallScanner) Feed(delta string) (text string, call *ToolCall) {
	if s.done {
		return "", nil
	}
	s.buf += delta

	if !s.inFence {
		if i := strings.Index(s.buf, FenceOpen); i >= 0 {
			text = s.buf[:i]
			s.buf = s.buf[i+len(FenceOpen):]
			s.inFence = true
		} else {
			hold := fencePrefixSuffix(s.buf)
			text = s.buf[:len(s.buf)-hold]
			s.buf = s.buf[len(s.buf)-hold:]
			return text, nil
		}
	}

	if s.inFence {
		// The payload sits between the opener line and a closing fence on
		// its own line.
		if i := strings.Index(s.buf, "\n"+FenceClose); i >= 0 {
			payload := strings.TrimSpace(s.buf[:i])
			s.done = true
			s.buf = ""
			var tc ToolCall
			if err := json.Unmarshal([]byte(payload), &tc); err == nil && tc.Name != "" {
				if len(tc.Input) == 0 {
					tc.Input = json.RawMessage("{}")
				}
				call = &tc
			}
		}
	}
	return text, call
}

// Flush returns withheld text at stream end when no fence completed.
func (s *ToolCallScanner) Flush() string {
	if s.done || s.inFence {
		s.buf = ""
		return ""
	}
	out := s.buf
	s.buf = ""
	return out
}

// fencePrefixSuffix returns the length of the longest suffix of buf that is a
// proper prefix of the fence opener.
func fencePrefixSuffix(buf string) int {
	max := len(FenceOpen) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, FenceOpen[:n]) {
			return n
		}
	}
	return 0
}
