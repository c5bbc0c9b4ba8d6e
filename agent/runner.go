package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/skeinworks/skein/logging"
	"github.com/skeinworks/skein/model"
)

// Input is the structured payload assembled for one turn. It always
// carries the complete globals snapshot alongside the declared reads:
// downstream agent types routinely need context their reads
// under-declare.
type Input struct {
	AgentPrompt      string         `json:"agent_prompt"`
	OriginalQuery    string         `json:"original_query"`
	Reads            map[string]any `json:"reads"`
	AllGlobalsSchema map[string]any `json:"all_globals_schema"`
	Writes           []string       `json:"writes"`
	ToolCatalog      string         `json:"tool_catalog,omitempty"`
	SessionContext   string         `json:"session_context,omitempty"`
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Instructions *Instructions
	Logger       logging.Logger
}

// Runner turns (agent type, input, conversation) into a parsed Reply by
// invoking the reasoning backend once.
type Runner struct {
	backend      model.Model
	instructions *Instructions
	logger       logging.Logger
}

// NewRunner wraps a backend.
func NewRunner(backend model.Model, optFns ...func(o *RunnerOptions)) *Runner {
	opts := RunnerOptions{
		Instructions: NewInstructions(),
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Runner{backend: backend, instructions: opts.Instructions, logger: opts.Logger}
}

// Instructions exposes the registry for per-type overrides.
func (r *Runner) Instructions() *Instructions { return r.instructions }

// OpeningMessage renders the first user message of a node's
// conversation from its input payload.
func (r *Runner) OpeningMessage(input Input) model.Message {
	buf, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		// Input is built from JSON-safe values; a marshal failure means a
		// caller smuggled in something exotic. Degrade to the prompt text.
		r.logger.Warn("input payload not serializable", "error", err.Error())
		return model.Message{Role: "user", Content: input.AgentPrompt}
	}
	return model.Message{Role: "user", Content: string(buf)}
}

// RunTurn sends the conversation to the backend under the agent type's
// instructions and parses the structured reply.
func (r *Runner) RunTurn(ctx context.Context, agentType string, conversation []model.Message) (Reply, string, error) {
	req := model.Request{
		Instructions: r.instructions.For(agentType),
		Messages:     conversation,
	}

	start := time.Now()
	resp, err := r.backend.Generate(ctx, req)
	if err != nil {
		r.logger.Error("backend call failed", "agent", agentType, "duration_ms", time.Since(start).Milliseconds(), "error", err.Error())
		return nil, "", err
	}

	tokens := 0
	if resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
	}
	r.logger.Debug("backend call completed", "agent", agentType, "tokens", tokens, "duration_ms", time.Since(start).Milliseconds())

	return ParseReply(resp.Text), resp.Text, nil
}
