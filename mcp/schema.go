package mcp

import (
	"sort"

	mcpg "github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
)

// orderedParamNames returns the tool's parameter names in schema order
// for positional-argument adaptation. When the raw schema document is
// available its property order is authoritative (gjson iterates in
// document order); otherwise required parameters come first in their
// declared order, followed by the remaining properties sorted by name,
// since the decoded property map has lost the original ordering.
func orderedParamNames(tool mcpg.Tool) []string {
	if len(tool.RawInputSchema) > 0 {
		var keys []string
		gjson.GetBytes(tool.RawInputSchema, "properties").ForEach(func(key, _ gjson.Result) bool {
			keys = append(keys, key.String())
			return true
		})
		if len(keys) > 0 {
			return keys
		}
	}

	seen := map[string]bool{}
	var keys []string
	for _, name := range tool.InputSchema.Required {
		if _, ok := tool.InputSchema.Properties[name]; ok && !seen[name] {
			keys = append(keys, name)
			seen[name] = true
		}
	}

	var rest []string
	for name := range tool.InputSchema.Properties {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}
