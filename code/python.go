// Package code executes node-emitted code snippets out of process and
// returns the variable bindings they produce, satisfying the store's
// CodeRunner contract.
package code

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/skeinworks/skein/logging"
)

// DefaultTimeout bounds one snippet execution.
const DefaultTimeout = 30 * time.Second

// driver runs inside the interpreter: it reads {code, globals} from
// stdin, executes the snippet against the globals, and prints the new
// or changed JSON-representable bindings.
const driver = `
import json, sys
payload = json.load(sys.stdin)
ns = dict(payload["globals"])
exec(compile(payload["code"], "<node>", "exec"), ns)
out = {}
for k, v in ns.items():
    if k.startswith("__"):
        continue
    if k in payload["globals"] and payload["globals"][k] == v:
        continue
    try:
        json.dumps(v)
    except (TypeError, ValueError):
        v = repr(v)
    out[k] = v
print(json.dumps(out))
`

// PythonRunnerOptions configures a PythonRunner.
type PythonRunnerOptions struct {
	// Interpreter is the executable to invoke. "python3" by default.
	Interpreter string
	// Timeout bounds each execution. DefaultTimeout when zero.
	Timeout time.Duration
	Logger  logging.Logger
}

// PythonRunner executes snippets in a fresh interpreter process per
// call. Each call is isolated: bindings never leak between executions
// except through the globals handed in.
type PythonRunner struct {
	interpreter string
	timeout     time.Duration
	logger      logging.Logger
}

// NewPythonRunner builds a runner with defaults suitable for a local
// python3 installation.
func NewPythonRunner(optFns ...func(o *PythonRunnerOptions)) *PythonRunner {
	opts := PythonRunnerOptions{
		Interpreter: "python3",
		Timeout:     DefaultTimeout,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &PythonRunner{
		interpreter: opts.Interpreter,
		timeout:     opts.Timeout,
		logger:      opts.Logger,
	}
}

// Execute implements state.CodeRunner.
func (r *PythonRunner) Execute(ctx context.Context, code string, globals map[string]any) (map[string]any, error) {
	if globals == nil {
		globals = map[string]any{}
	}
	input, err := json.Marshal(map[string]any{"code": code, "globals": globals})
	if err != nil {
		return nil, fmt.Errorf("encode execution payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.interpreter, "-c", driver)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	r.logger.Debug("code execution finished", "duration_ms", time.Since(start).Milliseconds(), "error", err != nil)
	if err != nil {
		return nil, fmt.Errorf("code execution failed: %v: %s", err, stderr.String())
	}

	var bindings map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &bindings); err != nil {
		return nil, fmt.Errorf("decode execution output: %w", err)
	}
	return bindings, nil
}
