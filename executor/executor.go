// Package executor drives a run end to end: it bootstraps the shared
// state store, obtains a plan from the planning node, then drains the
// graph's ready sets until every node has completed or failed. Nodes in
// one ready set run concurrently; all shared mutation goes through the
// store.
package executor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skeinworks/skein/agent"
	"github.com/skeinworks/skein/logging"
	"github.com/skeinworks/skein/model"
	"github.com/skeinworks/skein/plan"
	"github.com/skeinworks/skein/state"
)

// DefaultMaxTurns caps the reasoning turns a single node may take.
const DefaultMaxTurns = 15

// finalTurnWarning is appended to the conversation before a node's last
// permitted turn. Backends are told in no uncertain terms to finish.
const finalTurnWarning = "WARNING: This is your FINAL turn. You must reply with a final object now; tool calls and continuation requests will not be honored."

const planGraphKey = "plan_graph"

// ToolRouter is the slice of the tool-routing layer the executor needs.
// mcp.Router satisfies it through a thin adapter; tests use fakes.
type ToolRouter interface {
	// Route dispatches one named tool call and returns its text result.
	Route(ctx context.Context, tool string, arguments map[string]any) (string, error)
	// Catalog lists the tools available for prompting.
	Catalog() []agent.ToolInfo
}

// NodeExecutionError reports an unrecoverable failure while running one
// node, typically a backend error. The store keeps the partial run
// state for inspection.
type NodeExecutionError struct {
	NodeID string
	Turn   int
	Err    error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q failed on turn %d: %v", e.NodeID, e.Turn, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// BlockedRunError reports a run that stopped short: one or more nodes
// failed and their successors could never become ready. The store keeps
// the partial run state for inspection.
type BlockedRunError struct {
	FailedNodes  []string
	BlockedNodes []string
}

func (e *BlockedRunError) Error() string {
	return fmt.Sprintf("run blocked: failed nodes %v left %v unreachable", e.FailedNodes, e.BlockedNodes)
}

// Options configures a Loop.
type Options struct {
	// MaxTurns caps per-node reasoning turns. DefaultMaxTurns when zero.
	MaxTurns int
	// Router provides tool dispatch. Nil runs without tools.
	Router ToolRouter
	// Instructions overrides the per-agent-type system prompts.
	Instructions *agent.Instructions
	// CodeRunner enables code-execution extraction in the store.
	CodeRunner state.CodeRunner
	Logger     logging.Logger
}

// Loop executes runs against a reasoning backend.
type Loop struct {
	runner     *agent.Runner
	router     ToolRouter
	codeRunner state.CodeRunner
	maxTurns   int
	logger     logging.Logger
}

// New creates a Loop over the given backend.
func New(backend model.Model, optFns ...func(o *Options)) *Loop {
	opts := Options{
		MaxTurns: DefaultMaxTurns,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.Instructions == nil {
		opts.Instructions = agent.NewInstructions()
	}

	runner := agent.NewRunner(backend, func(o *agent.RunnerOptions) {
		o.Instructions = opts.Instructions
		o.Logger = opts.Logger
	})

	return &Loop{
		runner:     runner,
		router:     opts.Router,
		codeRunner: opts.CodeRunner,
		maxTurns:   opts.MaxTurns,
		logger:     opts.Logger,
	}
}

// RunRequest carries one user task into the executor.
type RunRequest struct {
	Query string
	// FileManifest names files uploaded alongside the query; the planner
	// sees it as part of run metadata.
	FileManifest []string
	// GlobalsSeed pre-populates shared state before planning.
	GlobalsSeed map[string]any
	// UploadedFiles are paths of files uploaded for this run, seeded
	// into shared state under "uploaded_files" so every node can reach
	// them.
	UploadedFiles []string
	// SessionID groups runs; empty means the caller manages no session.
	SessionID string
	// SessionContext is prior-conversation context surfaced to every node.
	SessionContext string
}

// Result is the outcome of a run. It is returned even when Run errors,
// so callers can inspect partial state.
type Result struct {
	SessionID string
	// Answer is the user-facing final answer; Answered is false when no
	// node produced any output.
	Answer   string
	Answered bool
	Summary  state.Summary
	Graph    plan.ExportedGraph
	// Store exposes the full run state.
	Store *state.Store
}

// Run executes one task: bootstrap, plan, drain the graph, summarize.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*Result, error) {
	st := state.New(plan.Bootstrap(req.SessionID, req.Query, req.FileManifest), func(o *state.Options) {
		o.CodeRunner = l.codeRunner
		o.Logger = l.logger
	})
	st.SeedGlobals(req.GlobalsSeed)
	if len(req.UploadedFiles) > 0 {
		st.SeedGlobals(map[string]any{"uploaded_files": req.UploadedFiles})
	}

	if err := l.runPlanning(ctx, st, req.SessionContext); err != nil {
		return l.result(st, req.SessionID), err
	}

	err := l.drain(ctx, st, req.SessionContext)

	res := l.result(st, req.SessionID)
	if err != nil {
		return res, err
	}
	if st.HasPending() {
		// A failed node left its successors unreachable: the run is a
		// failure even though the drain itself saw no unhandled error.
		blocked := &BlockedRunError{
			FailedNodes:  st.NodesByStatus(plan.StatusFailed),
			BlockedNodes: st.NodesByStatus(plan.StatusPending),
		}
		l.logger.Error("run blocked", "session", req.SessionID, "error", blocked.Error())
		return res, blocked
	}
	return res, nil
}

func (l *Loop) result(st *state.Store, sessionID string) *Result {
	answer, answered := st.FinalAnswer()
	return &Result{
		SessionID: sessionID,
		Answer:    answer,
		Answered:  answered,
		Summary:   st.Summary(),
		Graph:     st.Export(),
		Store:     st,
	}
}

// runPlanning runs the synthetic planning node and installs the plan it
// produces.
func (l *Loop) runPlanning(ctx context.Context, st *state.Store, sessionContext string) error {
	output, err := l.runNode(ctx, st, plan.PlanningNodeID, sessionContext)
	if err != nil {
		l.failPlanning(ctx, st, output, err)
		return err
	}

	payload, ok := output[planGraphKey]
	if !ok {
		err := &plan.MalformedPlanError{Reason: "planner output has no plan_graph"}
		l.failPlanning(ctx, st, output, err)
		return err
	}
	if err := st.InstallPlan(payload); err != nil {
		l.failPlanning(ctx, st, output, err)
		return err
	}

	l.logger.Info("plan installed", "nodes", len(st.Export().Nodes))
	return nil
}

// failPlanning records a failed planning attempt on the synthetic node
// so the surviving bootstrap graph reads truthfully. The planner's raw
// output is retained alongside the error for diagnosis.
func (l *Loop) failPlanning(ctx context.Context, st *state.Store, output map[string]any, cause error) {
	failed := map[string]any{"error": cause.Error()}
	for k, v := range output {
		if k != "error" {
			failed[k] = v
		}
	}
	if err := st.MarkDone(ctx, plan.PlanningNodeID, failed); err != nil {
		l.logger.Warn("planning node not recorded as failed", "error", err.Error())
	}
}

// drain repeatedly executes the current ready set until nothing is
// ready. Each wave runs concurrently; a NodeExecutionError aborts the
// run after the wave settles.
func (l *Loop) drain(ctx context.Context, st *state.Store, sessionContext string) error {
	for {
		ready := st.ReadyNodes()
		if len(ready) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, nodeID := range ready {
			nodeID := nodeID
			g.Go(func() error {
				output, err := l.runNode(gctx, st, nodeID, sessionContext)
				if err != nil {
					_ = st.MarkDone(ctx, nodeID, map[string]any{"error": err.Error()})
					return err
				}
				return st.MarkDone(gctx, nodeID, output)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

// runNode drives one node's conversation to a final output. The node is
// marked running; completion is the caller's responsibility, since the
// planning node installs a plan instead of writing globals.
func (l *Loop) runNode(ctx context.Context, st *state.Store, nodeID, sessionContext string) (map[string]any, error) {
	node, ok := st.Node(nodeID)
	if !ok {
		return nil, &NodeExecutionError{NodeID: nodeID, Err: fmt.Errorf("unknown node")}
	}
	if err := st.MarkRunning(nodeID); err != nil {
		return nil, &NodeExecutionError{NodeID: nodeID, Err: err}
	}

	conversation := []model.Message{l.runner.OpeningMessage(l.nodeInput(st, node, sessionContext))}
	start := time.Now()

	// lastPartial retains the payload surrounding the most recent
	// non-final reply, so a forced completion can extract partial values.
	var lastPartial map[string]any

	for turn := 1; turn <= l.maxTurns; turn++ {
		if turn == l.maxTurns {
			conversation = append(conversation, model.Message{Role: "user", Content: finalTurnWarning})
		}

		reply, raw, err := l.runner.RunTurn(ctx, node.Agent, conversation)
		if err != nil {
			l.logNodeRun(nodeID, node.Agent, turn, start, err)
			return nil, &NodeExecutionError{NodeID: nodeID, Turn: turn, Err: err}
		}
		conversation = append(conversation, model.Message{Role: "assistant", Content: raw})

		switch r := reply.(type) {
		case agent.Final:
			l.logNodeRun(nodeID, node.Agent, turn, start, nil)
			return r.Output, nil

		case agent.CallTool:
			lastPartial = r.Output
			if turn == l.maxTurns {
				break
			}
			conversation = append(conversation, model.Message{Role: "user", Content: l.dispatchTool(ctx, nodeID, r)})

		case agent.CallSelf:
			lastPartial = r.Output
			if turn == l.maxTurns {
				break
			}
			next := r.NextInstruction
			if next == "" {
				next = "Continue with your task."
			}
			conversation = append(conversation, model.Message{Role: "user", Content: next})
		}
	}

	l.logger.Warn("node exhausted its turn limit", "node", nodeID, "turns", l.maxTurns)
	l.logNodeRun(nodeID, node.Agent, l.maxTurns, start, nil)
	forced := map[string]any{"loop_limit_exhausted": true}
	for k, v := range lastPartial {
		if k != "call_tool" && k != "call_self" && k != "next_instruction" {
			forced[k] = v
		}
	}
	return forced, nil
}

func (l *Loop) logNodeRun(nodeID, agentType string, turns int, start time.Time, err error) {
	if rl, ok := l.logger.(*logging.RunLogger); ok {
		rl.LogNodeRun(nodeID, agentType, turns, time.Since(start), err)
	}
}

// dispatchTool routes one tool call and renders the outcome as the next
// user message. Tool failures, including unknown tool names, feed back
// into the conversation rather than failing the node.
func (l *Loop) dispatchTool(ctx context.Context, nodeID string, call agent.CallTool) string {
	if l.router == nil {
		return fmt.Sprintf("Tool %q failed: no tools are available in this run.", call.Name)
	}

	result, err := l.router.Route(ctx, call.Name, call.Arguments)
	if err != nil {
		l.logger.Warn("tool call failed", "node", nodeID, "tool", call.Name, "error", err.Error())
		return fmt.Sprintf("Tool %q failed: %v. Adjust your approach or finish with what you have.", call.Name, err)
	}
	return fmt.Sprintf("Tool %q returned:\n%s", call.Name, result)
}

func (l *Loop) nodeInput(st *state.Store, node plan.Node, sessionContext string) agent.Input {
	catalog := ""
	if l.router != nil {
		catalog = agent.FormatToolCatalog(l.router.Catalog())
	}
	return agent.Input{
		AgentPrompt:      node.Description,
		OriginalQuery:    st.Meta().OriginalQuery,
		Reads:            st.GetInputs(node.Reads),
		AllGlobalsSchema: st.AllGlobals(),
		Writes:           node.Writes,
		ToolCatalog:      catalog,
		SessionContext:   sessionContext,
	}
}
