package state

import (
	"context"
	"testing"

	"github.com/skeinworks/skein/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(plan.Bootstrap("sess", "query", nil))
}

func installChain(t *testing.T, s *Store) {
	t.Helper()
	err := s.InstallPlan(map[string]any{
		"nodes": []map[string]any{
			{"id": "STEP_1", "agent": "RetrieverAgent", "writes": []string{"docs"}},
			{"id": "STEP_2", "agent": "SummarizerAgent", "reads": []string{"docs"}, "writes": []string{"summary"}},
		},
		"edges": []map[string]any{{"source": "STEP_1", "target": "STEP_2"}},
	})
	require.NoError(t, err)
}

func TestInstallPlanReplacesBootstrap(t *testing.T) {
	s := newStore(t)
	s.SeedGlobals(map[string]any{"seeded": "value"})

	installChain(t, s)

	_, ok := s.Node(plan.PlanningNodeID)
	assert.False(t, ok, "synthetic PLANNING node should be gone")

	n1, ok := s.Node("STEP_1")
	require.True(t, ok)
	assert.Equal(t, plan.StatusPending, n1.Status)
	_, ok = s.Node("STEP_2")
	require.True(t, ok)

	// Globals set before installation survive the swap.
	assert.Equal(t, map[string]any{"seeded": "value"}, s.AllGlobals())
	assert.Equal(t, "query", s.Meta().OriginalQuery)
}

func TestInstallPlanRejectsMalformedAndKeepsGraph(t *testing.T) {
	s := newStore(t)

	err := s.InstallPlan(map[string]any{
		"nodes": []map[string]any{{"id": "A"}},
		"edges": []map[string]any{{"source": "A", "target": "MISSING"}},
	})

	var mpe *plan.MalformedPlanError
	require.ErrorAs(t, err, &mpe)

	// Bootstrap graph stays live for diagnostics.
	_, ok := s.Node(plan.PlanningNodeID)
	assert.True(t, ok)
}

func TestGetInputsNormalizesStringifiedStructures(t *testing.T) {
	s := newStore(t)
	s.SeedGlobals(map[string]any{
		"urls":  "['a','b']",
		"obj":   `{"k":"v"}`,
		"plain": "hello",
	})

	in := s.GetInputs([]string{"urls", "obj", "plain", "absent"})

	assert.Equal(t, []any{"a", "b"}, in["urls"])
	assert.Equal(t, map[string]any{"k": "v"}, in["obj"])
	assert.Equal(t, "hello", in["plain"])
	_, ok := in["absent"]
	assert.False(t, ok)

	// Raw storage keeps the original string form.
	assert.Equal(t, "['a','b']", s.AllGlobals()["urls"])
}

func TestMarkDoneDirectKeyExtraction(t *testing.T) {
	s := newStore(t)
	installChain(t, s)

	require.NoError(t, s.MarkDone(context.Background(), "STEP_1", map[string]any{
		"docs":    []any{"d1"},
		"thought": "found them",
	}))

	n, _ := s.Node("STEP_1")
	assert.Equal(t, plan.StatusCompleted, n.Status)
	assert.Equal(t, []any{"d1"}, s.AllGlobals()["docs"])
}

func TestMarkDoneFinalAnswerFallback(t *testing.T) {
	s := newStore(t)
	installChain(t, s)
	require.NoError(t, s.MarkDone(context.Background(), "STEP_1", map[string]any{"docs": "d"}))

	require.NoError(t, s.MarkDone(context.Background(), "STEP_2", map[string]any{
		"final_answer": "the summary",
		"thought":      "wrapping up",
	}))

	assert.Equal(t, "the summary", s.AllGlobals()["summary"])
}

type stubRunner struct {
	result map[string]any
	calls  int
}

func (r *stubRunner) Execute(_ context.Context, code string, _ map[string]any) (map[string]any, error) {
	r.calls++
	return r.result, nil
}

func TestMarkDoneCodeExecutionBeatsDirectKey(t *testing.T) {
	runner := &stubRunner{result: map[string]any{"v": "FromCode"}}
	s := New(plan.Bootstrap("sess", "q", nil), func(o *Options) { o.CodeRunner = runner })
	require.NoError(t, s.InstallPlan(map[string]any{
		"nodes": []map[string]any{{"id": "N", "agent": "CoderAgent", "writes": []string{"v"}}},
		"edges": []map[string]any{},
	}))

	require.NoError(t, s.MarkDone(context.Background(), "N", map[string]any{
		"code": "v = compute()",
		"v":    "FromJSON",
	}))

	assert.Equal(t, "FromCode", s.AllGlobals()["v"])
	assert.Equal(t, 1, runner.calls)
}

func TestMarkDonePreattachedExecutionResult(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.InstallPlan(map[string]any{
		"nodes": []map[string]any{{"id": "N", "agent": "CoderAgent", "writes": []string{"code_var"}}},
		"edges": []map[string]any{},
	}))

	require.NoError(t, s.MarkDone(context.Background(), "N", map[string]any{
		"execution_result": map[string]any{
			"status": "success",
			"result": map[string]any{"code_var": "FoundInCode"},
		},
		"thought": "I calculated it.",
	}))

	assert.Equal(t, "FoundInCode", s.AllGlobals()["code_var"])
}

func TestMarkDoneUnfilledWriteLeftAbsent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.InstallPlan(map[string]any{
		"nodes": []map[string]any{{"id": "N", "agent": "ThinkerAgent", "writes": []string{"a", "b"}}},
		"edges": []map[string]any{},
	}))

	// Two unfilled writes: final_answer fallback must not apply.
	require.NoError(t, s.MarkDone(context.Background(), "N", map[string]any{"final_answer": "x"}))

	globals := s.AllGlobals()
	_, okA := globals["a"]
	_, okB := globals["b"]
	assert.False(t, okA)
	assert.False(t, okB)

	n, _ := s.Node("N")
	assert.Equal(t, plan.StatusCompleted, n.Status)
}

func TestMarkDoneErrorOutputFailsNode(t *testing.T) {
	s := newStore(t)
	installChain(t, s)

	require.NoError(t, s.MarkDone(context.Background(), "STEP_1", map[string]any{
		"error": "tool blew up",
		"docs":  "should not be extracted",
	}))

	n, _ := s.Node("STEP_1")
	assert.Equal(t, plan.StatusFailed, n.Status)
	assert.Equal(t, "tool blew up", n.Error)
	_, ok := s.AllGlobals()["docs"]
	assert.False(t, ok)
}

func TestReadyNodesGating(t *testing.T) {
	s := newStore(t)
	installChain(t, s)

	assert.Equal(t, []string{"STEP_1"}, s.ReadyNodes())

	require.NoError(t, s.MarkRunning("STEP_1"))
	assert.Empty(t, s.ReadyNodes())

	require.NoError(t, s.MarkDone(context.Background(), "STEP_1", map[string]any{"docs": "d"}))
	assert.Equal(t, []string{"STEP_2"}, s.ReadyNodes())

	require.NoError(t, s.MarkDone(context.Background(), "STEP_2", map[string]any{"summary": "s"}))
	assert.Empty(t, s.ReadyNodes())
	assert.False(t, s.HasPending())
}

func TestReadyNodesBlockedByFailedPredecessor(t *testing.T) {
	s := newStore(t)
	installChain(t, s)

	require.NoError(t, s.MarkDone(context.Background(), "STEP_1", map[string]any{"error": "boom"}))

	assert.Empty(t, s.ReadyNodes())
	assert.True(t, s.HasPending(), "successor stays pending behind the failure")
}

func TestNodesByStatus(t *testing.T) {
	s := newStore(t)
	installChain(t, s)

	require.NoError(t, s.MarkDone(context.Background(), "STEP_1", map[string]any{"error": "boom"}))

	assert.Equal(t, []string{"STEP_1"}, s.NodesByStatus(plan.StatusFailed))
	assert.Equal(t, []string{"STEP_2"}, s.NodesByStatus(plan.StatusPending))
	assert.Empty(t, s.NodesByStatus(plan.StatusCompleted))
}
