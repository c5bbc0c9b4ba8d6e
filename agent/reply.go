// Package agent implements the per-node conversation protocol: building
// the turn payload sent to the reasoning backend and interpreting its
// structured reply as one of three shapes (final, call_tool, call_self).
package agent

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Reply is the backend's interpreted answer for one turn. The concrete
// types form a closed set via the unexported marker, mirroring a tagged
// union so the executor's state machine can switch exhaustively.
type Reply interface{ isReply() }

// Final signals the node is done; Output is the full structured payload
// handed to the store for extraction.
type Final struct {
	Output map[string]any
}

func (Final) isReply() {}

// CallTool requests one tool invocation before the node continues.
type CallTool struct {
	Name      string
	Arguments map[string]any
	// Output retains the surrounding payload so a forced completion can
	// still extract partial values.
	Output map[string]any
}

func (CallTool) isReply() {}

// CallSelf requests another reasoning turn with a continuation
// instruction instead of finishing.
type CallSelf struct {
	NextInstruction string
	Output          map[string]any
}

func (CallSelf) isReply() {}

// ParseReply interprets raw backend text. The text may wrap its JSON
// object in markdown fences or prose; the first balanced object is
// used. Text with no parsable object becomes a Final whose payload
// carries the raw text as final_answer, so a chatty backend degrades to
// a terminal answer rather than an error.
func ParseReply(text string) Reply {
	payload, ok := extractObject(text)
	if !ok {
		return Final{Output: map[string]any{"final_answer": strings.TrimSpace(text)}}
	}

	raw, _ := json.Marshal(payload)
	doc := string(raw)

	if call := gjson.Get(doc, "call_tool"); call.IsObject() {
		name := call.Get("name").String()
		args := map[string]any{}
		if m, ok := call.Get("arguments").Value().(map[string]any); ok {
			args = m
		}
		if name != "" {
			return CallTool{Name: name, Arguments: args, Output: payload}
		}
	}

	if gjson.Get(doc, "call_self").Bool() {
		return CallSelf{
			NextInstruction: gjson.Get(doc, "next_instruction").String(),
			Output:          payload,
		}
	}

	return Final{Output: payload}
}

// extractObject finds and decodes the first balanced JSON object in the
// text, skipping markdown code fences.
func extractObject(text string) (map[string]any, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				var payload map[string]any
				if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
					return nil, false
				}
				return payload, true
			}
		}
	}
	return nil, false
}
