package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinalAnswerFromSinkOutputs(t *testing.T) {
	s := newStore(t)
	installChain(t, s)
	require.NoError(t, s.MarkDone(context.Background(), "STEP_1", map[string]any{"docs": "d"}))
	require.NoError(t, s.MarkDone(context.Background(), "STEP_2", map[string]any{"summary": "the end"}))

	sum := s.Summary()
	assert.Equal(t, 2, sum.Completed)
	assert.Equal(t, map[string]any{"summary": "the end"}, sum.FinalOutputs)

	answer, ok := s.FinalAnswer()
	require.True(t, ok)
	assert.Equal(t, "the end", answer)
}

func TestFinalAnswerPrefersAnswerKeys(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.InstallPlan(map[string]any{
		"nodes": []map[string]any{
			{"id": "N", "agent": "FormatterAgent", "writes": []string{"answer", "scratch"}},
		},
		"edges": []map[string]any{},
	}))
	require.NoError(t, s.MarkDone(context.Background(), "N", map[string]any{
		"answer":  "42",
		"scratch": "notes",
	}))

	answer, ok := s.FinalAnswer()
	require.True(t, ok)
	assert.Equal(t, "42", answer)
}

func TestFinalAnswerSummarizerFallback(t *testing.T) {
	s := newStore(t)
	// The summarizer declares no writes, so FinalOutputs stays empty and
	// the contract falls back to its node output.
	require.NoError(t, s.InstallPlan(map[string]any{
		"nodes": []map[string]any{
			{"id": "S1", "agent": "RetrieverAgent"},
			{"id": "S2", "agent": "SummarizerAgent"},
		},
		"edges": []map[string]any{{"source": "S1", "target": "S2"}},
	}))
	require.NoError(t, s.MarkDone(context.Background(), "S1", map[string]any{"thought": "fetched"}))
	require.NoError(t, s.MarkDone(context.Background(), "S2", map[string]any{"final_answer": "summed up"}))

	answer, ok := s.FinalAnswer()
	require.True(t, ok)
	assert.Equal(t, "summed up", answer)
}

func TestFinalAnswerLastCompletedFallback(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.InstallPlan(map[string]any{
		"nodes": []map[string]any{
			{"id": "S1", "agent": "RetrieverAgent"},
			{"id": "S2", "agent": "ThinkerAgent"},
		},
		"edges": []map[string]any{{"source": "S1", "target": "S2"}},
	}))
	require.NoError(t, s.MarkDone(context.Background(), "S1", map[string]any{"thought": "early"}))
	require.NoError(t, s.MarkDone(context.Background(), "S2", map[string]any{"final_answer": "later wins"}))

	answer, ok := s.FinalAnswer()
	require.True(t, ok)
	assert.Equal(t, "later wins", answer)
}

func TestFinalAnswerNoOutput(t *testing.T) {
	s := newStore(t)
	installChain(t, s)

	answer, ok := s.FinalAnswer()
	assert.False(t, ok)
	assert.Empty(t, answer)
}
