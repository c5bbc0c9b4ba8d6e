package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinworks/skein/agent"
	"github.com/skeinworks/skein/model"
	"github.com/skeinworks/skein/plan"
)

// twoNodePlan is the planner reply used across tests: a retrieval step
// feeding a summarization step.
const twoNodePlan = `{"plan_graph": {
  "nodes": [
    {"id": "STEP_1", "agent": "RetrieverAgent", "description": "gather the facts", "reads": [], "writes": ["docs"]},
    {"id": "STEP_2", "agent": "SummarizerAgent", "description": "summarize the facts", "reads": ["docs"], "writes": ["summary"]}
  ],
  "edges": [{"source": "STEP_1", "target": "STEP_2"}]
}}`

const singleNodePlan = `{"plan_graph": {
  "nodes": [
    {"id": "STEP_1", "agent": "ThinkerAgent", "description": "think hard", "reads": [], "writes": ["thought"]}
  ],
  "edges": []
}}`

// fakeRouter satisfies ToolRouter with a canned result table.
type fakeRouter struct {
	calls   []string
	args    []map[string]any
	results map[string]string
	errs    map[string]error
}

func (f *fakeRouter) Route(_ context.Context, tool string, arguments map[string]any) (string, error) {
	f.calls = append(f.calls, tool)
	f.args = append(f.args, arguments)
	if err, ok := f.errs[tool]; ok {
		return "", err
	}
	if res, ok := f.results[tool]; ok {
		return res, nil
	}
	return "", fmt.Errorf("tool %q not found", tool)
}

func (f *fakeRouter) Catalog() []agent.ToolInfo {
	return []agent.ToolInfo{{Name: "web_search", Description: "search the web"}}
}

func TestRunExecutesPlanInDependencyOrder(t *testing.T) {
	mock := model.NewMockModel("test")
	mock.Script(
		twoNodePlan,
		`{"docs": ["fact one", "fact two"]}`,
		`{"final_answer": "Two facts were found."}`,
	)

	loop := New(mock)
	res, err := loop.Run(context.Background(), RunRequest{Query: "find facts", SessionID: "s1"})
	require.NoError(t, err)

	assert.True(t, res.Answered)
	assert.Equal(t, "Two facts were found.", res.Answer)
	assert.Equal(t, 2, res.Summary.Completed)
	assert.Zero(t, res.Summary.Failed)

	// STEP_2 ran after STEP_1: its opening payload carries STEP_1's write.
	reqs := mock.Requests()
	require.Len(t, reqs, 3)
	assert.Contains(t, reqs[2].Messages[0].Content, "fact one")
	assert.Contains(t, reqs[2].Messages[0].Content, "summarize the facts")

	docs := res.Store.GetInputs([]string{"docs"})["docs"]
	assert.Equal(t, []any{"fact one", "fact two"}, docs)
}

func TestRunForceCompletesAtTurnLimit(t *testing.T) {
	mock := model.NewMockModel("test")
	replies := []string{singleNodePlan}
	for i := 0; i < DefaultMaxTurns; i++ {
		replies = append(replies, `{"call_self": true, "next_instruction": "keep thinking", "thought": "partial"}`)
	}
	mock.Script(replies...)

	loop := New(mock)
	res, err := loop.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)

	// One planning turn plus exactly the capped node turns.
	reqs := mock.Requests()
	require.Len(t, reqs, 1+DefaultMaxTurns)

	// The warning is injected before the final turn and only then.
	last := reqs[len(reqs)-1].Messages
	assert.Contains(t, last[len(last)-1].Content, "WARNING: This is your FINAL turn")
	prior := reqs[len(reqs)-2].Messages
	assert.NotContains(t, prior[len(prior)-1].Content, "WARNING: This is your FINAL turn")

	node, ok := res.Store.Node("STEP_1")
	require.True(t, ok)
	assert.Equal(t, plan.StatusCompleted, node.Status)
	assert.Equal(t, true, node.Output["loop_limit_exhausted"])
	assert.Equal(t, "partial", node.Output["thought"])
}

func TestRunToolLoopHitsTurnCap(t *testing.T) {
	router := &fakeRouter{results: map[string]string{"web_search": "more results"}}
	mock := model.NewMockModel("test")
	replies := []string{singleNodePlan}
	for i := 0; i < DefaultMaxTurns; i++ {
		replies = append(replies, `{"call_tool": {"name": "web_search", "arguments": {"query": "again"}}}`)
	}
	mock.Script(replies...)

	loop := New(mock, func(o *Options) { o.Router = router })
	res, err := loop.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)

	require.Len(t, mock.Requests(), 1+DefaultMaxTurns)
	// The final turn's tool request is not honored.
	assert.Len(t, router.calls, DefaultMaxTurns-1)

	node, ok := res.Store.Node("STEP_1")
	require.True(t, ok)
	assert.Equal(t, plan.StatusCompleted, node.Status)
	assert.Equal(t, true, node.Output["loop_limit_exhausted"])
}

func TestRunContinuationInstructionFeedsNextTurn(t *testing.T) {
	mock := model.NewMockModel("test")
	mock.Script(
		singleNodePlan,
		`{"call_self": true, "next_instruction": "now check the edge cases"}`,
		`{"thought": "done", "final_answer": "checked"}`,
	)

	loop := New(mock)
	res, err := loop.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)
	// The sink node's declared write wins the answer contract over the
	// payload's final_answer field.
	assert.Equal(t, "done", res.Answer)

	reqs := mock.Requests()
	require.Len(t, reqs, 3)
	msgs := reqs[2].Messages
	assert.Equal(t, "now check the edge cases", msgs[len(msgs)-1].Content)
}

func TestRunRoutesToolCalls(t *testing.T) {
	router := &fakeRouter{results: map[string]string{"web_search": "three results"}}
	mock := model.NewMockModel("test")
	mock.Script(
		singleNodePlan,
		`{"call_tool": {"name": "web_search", "arguments": {"query": "go"}}}`,
		`{"final_answer": "found it"}`,
	)

	loop := New(mock, func(o *Options) { o.Router = router })
	res, err := loop.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "found it", res.Answer)

	require.Equal(t, []string{"web_search"}, router.calls)
	assert.Equal(t, map[string]any{"query": "go"}, router.args[0])

	reqs := mock.Requests()
	msgs := reqs[2].Messages
	assert.Contains(t, msgs[len(msgs)-1].Content, "three results")
	// The catalog is part of the node's opening payload.
	assert.Contains(t, reqs[1].Messages[0].Content, "web_search")
}

func TestRunUnknownToolIsReportedNotFatal(t *testing.T) {
	router := &fakeRouter{}
	mock := model.NewMockModel("test")
	mock.Script(
		singleNodePlan,
		`{"call_tool": {"name": "no_such_tool", "arguments": {}}}`,
		`{"final_answer": "recovered without the tool"}`,
	)

	loop := New(mock, func(o *Options) { o.Router = router })
	res, err := loop.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "recovered without the tool", res.Answer)

	reqs := mock.Requests()
	msgs := reqs[2].Messages
	assert.Contains(t, msgs[len(msgs)-1].Content, `Tool "no_such_tool" failed`)
}

func TestRunWithoutRouterReportsNoTools(t *testing.T) {
	mock := model.NewMockModel("test")
	mock.Script(
		singleNodePlan,
		`{"call_tool": {"name": "web_search", "arguments": {}}}`,
		`{"final_answer": "managed anyway"}`,
	)

	loop := New(mock)
	res, err := loop.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "managed anyway", res.Answer)

	reqs := mock.Requests()
	msgs := reqs[2].Messages
	assert.Contains(t, msgs[len(msgs)-1].Content, "no tools are available")
}

func TestRunBackendErrorAbortsWithInspectableState(t *testing.T) {
	mock := model.NewMockModel("test")
	// Planner reply only; the node turn finds nothing registered and the
	// mock fails, standing in for a backend outage.
	mock.Script(twoNodePlan)

	loop := New(mock)
	res, err := loop.Run(context.Background(), RunRequest{Query: "q"})
	require.Error(t, err)

	var nodeErr *NodeExecutionError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "STEP_1", nodeErr.NodeID)
	assert.Equal(t, 1, nodeErr.Turn)

	require.NotNil(t, res)
	node, ok := res.Store.Node("STEP_1")
	require.True(t, ok)
	assert.Equal(t, plan.StatusFailed, node.Status)

	// STEP_2 never became ready.
	node2, ok := res.Store.Node("STEP_2")
	require.True(t, ok)
	assert.Equal(t, plan.StatusPending, node2.Status)
}

func TestRunBlockedByFailedNodeReturnsError(t *testing.T) {
	mock := model.NewMockModel("test")
	mock.Script(
		twoNodePlan,
		`{"error": "retrieval backend unreachable"}`,
	)

	loop := New(mock)
	res, err := loop.Run(context.Background(), RunRequest{Query: "q"})
	require.Error(t, err)

	var blocked *BlockedRunError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, []string{"STEP_1"}, blocked.FailedNodes)
	assert.Equal(t, []string{"STEP_2"}, blocked.BlockedNodes)

	require.NotNil(t, res)
	assert.False(t, res.Answered)
	node, ok := res.Store.Node("STEP_1")
	require.True(t, ok)
	assert.Equal(t, plan.StatusFailed, node.Status)
	assert.Equal(t, "retrieval backend unreachable", node.Error)
	node2, ok := res.Store.Node("STEP_2")
	require.True(t, ok)
	assert.Equal(t, plan.StatusPending, node2.Status)
}

func TestRunSeedsUploadedFiles(t *testing.T) {
	mock := model.NewMockModel("test")
	mock.Script(singleNodePlan, `{"final_answer": "read them"}`)

	loop := New(mock)
	res, err := loop.Run(context.Background(), RunRequest{
		Query:         "q",
		UploadedFiles: []string{"report.pdf", "data.csv"},
	})
	require.NoError(t, err)

	files := res.Store.GetInputs([]string{"uploaded_files"})["uploaded_files"]
	assert.Equal(t, []string{"report.pdf", "data.csv"}, files)

	// Every node's payload carries the uploaded paths.
	for _, req := range mock.Requests() {
		assert.Contains(t, req.Messages[0].Content, "report.pdf")
	}
}

func TestRunRejectsMalformedPlan(t *testing.T) {
	cyclic := `{"plan_graph": {
	  "nodes": [
	    {"id": "A", "agent": "ThinkerAgent", "description": "a", "reads": [], "writes": ["x"]},
	    {"id": "B", "agent": "ThinkerAgent", "description": "b", "reads": [], "writes": ["y"]}
	  ],
	  "edges": [{"source": "A", "target": "B"}, {"source": "B", "target": "A"}]
	}}`

	mock := model.NewMockModel("test")
	mock.Script(cyclic)

	loop := New(mock)
	res, err := loop.Run(context.Background(), RunRequest{Query: "q"})
	require.Error(t, err)

	var malformed *plan.MalformedPlanError
	assert.ErrorAs(t, err, &malformed)

	// The surviving bootstrap graph records the failed planning attempt.
	node, ok := res.Store.Node(plan.PlanningNodeID)
	require.True(t, ok)
	assert.Equal(t, plan.StatusFailed, node.Status)
	assert.NotEmpty(t, node.Error)
}

func TestRunRejectsPlannerOutputWithoutPlan(t *testing.T) {
	mock := model.NewMockModel("test")
	mock.Script(`{"final_answer": "I refuse to plan"}`)

	loop := New(mock)
	res, err := loop.Run(context.Background(), RunRequest{Query: "q"})
	require.Error(t, err)

	var malformed *plan.MalformedPlanError
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "plan_graph")

	node, ok := res.Store.Node(plan.PlanningNodeID)
	require.True(t, ok)
	assert.Equal(t, plan.StatusFailed, node.Status)
	// The planner's raw payload survives alongside the error.
	assert.Equal(t, "I refuse to plan", node.Output["final_answer"])
}

func TestRunSeedsGlobalsBeforePlanning(t *testing.T) {
	mock := model.NewMockModel("test")
	mock.Script(
		singleNodePlan,
		`{"final_answer": "used the seed"}`,
	)

	loop := New(mock)
	_, err := loop.Run(context.Background(), RunRequest{
		Query:       "q",
		GlobalsSeed: map[string]any{"user_profile": "expert"},
	})
	require.NoError(t, err)

	// Both the planning turn and the node turn see the seeded globals.
	for _, req := range mock.Requests() {
		assert.Contains(t, req.Messages[0].Content, "user_profile")
	}
}

func TestRunPassesSessionContext(t *testing.T) {
	mock := model.NewMockModel("test")
	mock.Script(singleNodePlan, `{"final_answer": "ok"}`)

	loop := New(mock)
	_, err := loop.Run(context.Background(), RunRequest{
		Query:          "q",
		SessionContext: "earlier we discussed lighthouses",
	})
	require.NoError(t, err)

	assert.Contains(t, mock.Requests()[0].Messages[0].Content, "lighthouses")
}

func TestRunCustomTurnLimit(t *testing.T) {
	mock := model.NewMockModel("test")
	mock.Script(
		singleNodePlan,
		`{"call_self": true, "next_instruction": "more"}`,
		`{"call_self": true, "next_instruction": "more"}`,
		`{"call_self": true, "next_instruction": "more"}`,
	)

	loop := New(mock, func(o *Options) { o.MaxTurns = 3 })
	res, err := loop.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)

	require.Len(t, mock.Requests(), 4)
	node, _ := res.Store.Node("STEP_1")
	assert.Equal(t, true, node.Output["loop_limit_exhausted"])
}

func TestNodeExecutionErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &NodeExecutionError{NodeID: "N", Turn: 2, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.True(t, strings.Contains(err.Error(), "N") && strings.Contains(err.Error(), "2"))
}
