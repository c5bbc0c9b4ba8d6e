package agent

import (
	"fmt"
	"sort"
	"strings"
)

// replyContract is appended to every agent-type instruction so the
// backend knows the three reply shapes the executor understands.
const replyContract = `Reply with a single JSON object. Exactly one of these shapes:
- {"call_tool": {"name": "<tool>", "arguments": {...}}, "thought": "..."} to invoke a tool,
- {"call_self": true, "next_instruction": "...", "thought": "..."} to continue reasoning,
- a final object carrying each declared write name as a key, or a "final_answer" field.`

// defaultInstructions maps agent types to their system prompts. Content
// is intentionally minimal; deployments override per type via
// WithInstruction.
var defaultInstructions = map[string]string{
	"PlannerAgent": `You are the planner. Decompose the query into a directed acyclic graph of typed tasks.
Reply with a final object containing "plan_graph": {"nodes": [{"id", "agent", "description", "reads", "writes"}], "edges": [{"source", "target"}]}.
Edges must be acyclic and two unordered nodes must never write the same name.`,
	"RetrieverAgent":  "You gather the information the task description asks for, using tools when available.",
	"ThinkerAgent":    "You reason over the provided inputs and produce the declared write values.",
	"CoderAgent":      `You write code to solve the task. Put the program text in a "code" field; variables it assigns become your write values.`,
	"FormatterAgent":  "You format the gathered material into the requested shape. Use the full globals snapshot, not only your declared reads.",
	"SummarizerAgent": `You produce the user-facing summary of everything in the globals snapshot as "final_answer".`,
}

const baseInstruction = "You are %s, one task in a larger plan. Work only on your task description."

// Instructions resolves system prompts per agent type with overrides.
type Instructions struct {
	overrides map[string]string
}

// NewInstructions builds the default registry.
func NewInstructions() *Instructions {
	return &Instructions{overrides: map[string]string{}}
}

// Override replaces (or adds) the instruction for an agent type.
func (r *Instructions) Override(agentType, instruction string) {
	r.overrides[agentType] = instruction
}

// For returns the complete system prompt for an agent type, always
// ending with the reply contract.
func (r *Instructions) For(agentType string) string {
	body, ok := r.overrides[agentType]
	if !ok {
		body, ok = defaultInstructions[agentType]
	}
	if !ok {
		body = fmt.Sprintf(baseInstruction, agentType)
	}
	return body + "\n\n" + replyContract
}

// Known lists the agent types with built-in instructions, sorted.
func (r *Instructions) Known() []string {
	set := map[string]bool{}
	for t := range defaultInstructions {
		set[t] = true
	}
	for t := range r.overrides {
		set[t] = true
	}
	types := make([]string, 0, len(set))
	for t := range set {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// FormatToolCatalog renders tool names and descriptions for inclusion
// in a turn payload.
func FormatToolCatalog(tools []ToolInfo) string {
	if len(tools) == 0 {
		return "(no tools available)"
	}
	var b strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return b.String()
}

// ToolInfo is the minimal catalog entry agents need for prompting.
type ToolInfo struct {
	Name        string
	Description string
}
