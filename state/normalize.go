package state

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Normalize coerces a value that is a string literally encoding a list
// or object (JSON, or the Python repr a reasoning backend tends to emit,
// e.g. "['a','b']") into that structure. Anything else, including
// strings that merely fail to parse, is returned unchanged. The function
// is total: it never returns an error.
func Normalize(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}

	trimmed := strings.TrimSpace(s)
	if len(trimmed) == 0 {
		return v
	}
	if trimmed[0] != '[' && trimmed[0] != '{' {
		return v
	}

	if parsed, ok := tryUnmarshal(trimmed); ok {
		return parsed
	}

	// Second chance for Python-repr payloads: single quotes and
	// True/False/None literals.
	if parsed, ok := tryUnmarshal(pythonToJSON(trimmed)); ok {
		return parsed
	}

	return v
}

// NormalizeAll applies Normalize to every value of the map, returning a
// new map and leaving the input untouched.
func NormalizeAll(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = Normalize(v)
	}
	return out
}

func tryUnmarshal(s string) (any, bool) {
	if !gjson.Valid(s) {
		return nil, false
	}
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return nil, false
	}
	switch parsed.(type) {
	case []any, map[string]any:
		return parsed, true
	}
	return nil, false
}

// pythonToJSON rewrites the common Python literal syntax into JSON in a
// single pass: single quotes become double quotes and the
// True/False/None keywords map to their JSON spellings, but only
// outside string runs, so string contents pass through untouched.
// Unparseable results are simply rejected by the caller's gjson check,
// so the rewrite does not need to be exact.
func pythonToJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSingle := false
	inDouble := false
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '"' && !inSingle:
			inDouble = !inDouble
			b.WriteByte(c)
			i++
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			b.WriteByte('"')
			i++
		case !inSingle && !inDouble && strings.HasPrefix(s[i:], "True"):
			b.WriteString("true")
			i += len("True")
		case !inSingle && !inDouble && strings.HasPrefix(s[i:], "False"):
			b.WriteString("false")
			i += len("False")
		case !inSingle && !inDouble && strings.HasPrefix(s[i:], "None"):
			b.WriteString("null")
			i += len("None")
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}
