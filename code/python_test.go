package code

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func TestExecuteReturnsNewBindings(t *testing.T) {
	requirePython(t)
	r := NewPythonRunner()

	out, err := r.Execute(context.Background(), "total = x + y", map[string]any{"x": 2, "y": 3})
	require.NoError(t, err)
	assert.Equal(t, float64(5), out["total"])
	// Unchanged inputs are not echoed back.
	assert.NotContains(t, out, "x")
}

func TestExecuteNonJSONValueFallsBackToRepr(t *testing.T) {
	requirePython(t)
	r := NewPythonRunner()

	out, err := r.Execute(context.Background(), "s = {1, 2}", nil)
	require.NoError(t, err)
	assert.Contains(t, out["s"], "1")
}

func TestExecuteSnippetErrorSurfaces(t *testing.T) {
	requirePython(t)
	r := NewPythonRunner()

	_, err := r.Execute(context.Background(), "raise ValueError('nope')", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestExecuteRespectsTimeout(t *testing.T) {
	requirePython(t)
	r := NewPythonRunner(func(o *PythonRunnerOptions) { o.Timeout = 200 * time.Millisecond })

	_, err := r.Execute(context.Background(), "while True:\n    pass", nil)
	assert.Error(t, err)
}

func TestExecuteUnknownInterpreter(t *testing.T) {
	r := NewPythonRunner(func(o *PythonRunnerOptions) { o.Interpreter = "definitely-not-a-python" })

	_, err := r.Execute(context.Background(), "x = 1", nil)
	assert.Error(t, err)
}
