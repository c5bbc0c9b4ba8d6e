package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/skeinworks/skein/plan"
)

// summarizerAgent is the agent type whose output is preferred when
// assembling the user-visible answer.
const summarizerAgent = "SummarizerAgent"

// answerKeys is the preference order applied when final outputs hold
// several values and one of them is the obvious answer field.
var answerKeys = []string{"answer", "response", "output", "result", "formatted_answer"}

// Summary aggregates a run's terminal state.
type Summary struct {
	SessionID     string         `json:"session_id"`
	OriginalQuery string         `json:"original_query"`
	TotalNodes    int            `json:"total_nodes"`
	Completed     int            `json:"completed"`
	Failed        int            `json:"failed"`
	FinalOutputs  map[string]any `json:"final_outputs"`
}

// Summary computes run totals and the final outputs: globals written by
// sink nodes (nodes with no successors) that completed.
func (s *Store) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{
		SessionID:     s.graph.Meta.SessionID,
		OriginalQuery: s.graph.Meta.OriginalQuery,
		TotalNodes:    len(s.graph.Nodes),
		FinalOutputs:  map[string]any{},
	}

	for _, id := range s.graph.Order {
		node := s.graph.Nodes[id]
		switch node.Status {
		case plan.StatusCompleted:
			sum.Completed++
		case plan.StatusFailed:
			sum.Failed++
		}
		if node.Status != plan.StatusCompleted || len(s.graph.Successors(id)) > 0 {
			continue
		}
		for _, name := range node.Writes {
			if v, ok := s.graph.Globals[name]; ok {
				sum.FinalOutputs[name] = v
			}
		}
	}
	return sum
}

// FinalAnswer extracts the user-visible answer from terminal graph
// state. The fallback order is a hard contract relied on by transports:
// final outputs of sink nodes first, then a Summarizer node's output,
// then the last-completed node with non-empty output. The boolean is
// false only when the run produced no output at all.
func (s *Store) FinalAnswer() (string, bool) {
	if answer, ok := s.answerFromOutputs(s.Summary().FinalOutputs); ok {
		return answer, true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if node := s.summarizerNodeLocked(); node != nil && len(node.Output) > 0 {
		return stringifyOutput(node.Output), true
	}

	for i := len(s.graph.Order) - 1; i >= 0; i-- {
		node := s.graph.Nodes[s.graph.Order[i]]
		if node.Status == plan.StatusCompleted && len(node.Output) > 0 {
			return stringifyOutput(node.Output), true
		}
	}

	return "", false
}

func (s *Store) summarizerNodeLocked() *plan.Node {
	for _, id := range s.graph.Order {
		node := s.graph.Nodes[id]
		if node.Agent == summarizerAgent && node.Status == plan.StatusCompleted {
			return node
		}
	}
	return nil
}

func (s *Store) answerFromOutputs(outputs map[string]any) (string, bool) {
	if len(outputs) == 0 {
		return "", false
	}

	for _, key := range answerKeys {
		if v, ok := outputs[key]; ok {
			return stringify(v), true
		}
	}

	if len(outputs) == 1 {
		for _, v := range outputs {
			return stringify(v), true
		}
	}

	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, stringify(outputs[k]))
	}
	return strings.Join(parts, "\n\n"), true
}

// stringifyOutput renders a node output, preferring its final_answer
// field over the full payload dump.
func stringifyOutput(output map[string]any) string {
	if fa, ok := output[outputKeyFinalAnswer]; ok {
		return stringify(fa)
	}
	return stringify(output)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", t)
	default:
		buf, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(buf)
	}
}
