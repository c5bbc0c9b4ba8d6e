// Package state implements the context store: the single source of
// truth for one run's task graph and its shared globals map. All
// mutation funnels through the Store so dependency-readiness checks,
// status transitions and globals extraction stay serialized.
package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/skeinworks/skein/logging"
	"github.com/skeinworks/skein/plan"
)

// CodeRunner executes code emitted by a node and returns the variable
// bindings it produced. Implementations are expected to sandbox; the
// store only consumes the resulting name/value map.
type CodeRunner interface {
	Execute(ctx context.Context, code string, globals map[string]any) (map[string]any, error)
}

// Output field names the extraction engine understands.
const (
	outputKeyError       = "error"
	outputKeyCode        = "code"
	outputKeyExecResult  = "execution_result"
	outputKeyFinalAnswer = "final_answer"
)

// Options configures a Store.
type Options struct {
	// CodeRunner enables the highest-precedence extraction path for
	// nodes that emit executable code. Nil disables code execution.
	CodeRunner CodeRunner
	// Logger receives extraction diagnostics. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Store owns exactly one live plan.Graph per run. It must not be shared
// across runs; create a fresh Store from a bootstrap graph instead.
type Store struct {
	mu         sync.RWMutex
	graph      *plan.Graph
	codeRunner CodeRunner
	logger     logging.Logger
}

// New wraps a graph (usually plan.Bootstrap output) in a Store.
func New(g *plan.Graph, optFns ...func(o *Options)) *Store {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if g.Globals == nil {
		g.Globals = map[string]any{}
	}
	return &Store{graph: g, codeRunner: opts.CodeRunner, logger: opts.Logger}
}

// InstallPlan atomically replaces the current (bootstrap or previous)
// graph with one decoded from a planner payload. Globals already set,
// and the run metadata, carry over; the synthetic PLANNING node does
// not. A payload that fails validation leaves the store untouched and
// returns plan.MalformedPlanError.
func (s *Store) InstallPlan(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := plan.FromPayload(payload, s.graph.Meta)
	if err != nil {
		return err
	}

	next.Globals = s.graph.Globals
	s.graph = next
	s.logger.Info("plan installed", "nodes", len(next.Nodes), "edges", len(next.Edges))
	return nil
}

// GetInputs resolves the requested global names, normalizing stringified
// structures at the read boundary. Missing names are omitted from the
// result rather than erroring.
func (s *Store) GetInputs(names []string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(names))
	for _, name := range names {
		if v, ok := s.graph.Globals[name]; ok {
			out[name] = Normalize(v)
		}
	}
	return out
}

// AllGlobals returns a snapshot of the complete globals map. Every
// downstream-consuming agent type receives this full snapshot, not only
// its declared reads; declared reads routinely under-specify the true
// information need.
func (s *Store) AllGlobals() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.graph.Globals))
	for k, v := range s.graph.Globals {
		out[k] = v
	}
	return out
}

// SeedGlobals merges initial values into the globals map before
// execution starts.
func (s *Store) SeedGlobals(seed map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range seed {
		s.graph.Globals[k] = v
	}
}

// MarkRunning transitions a node to running.
func (s *Store) MarkRunning(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.graph.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}
	node.Status = plan.StatusRunning
	return nil
}

// MarkDone records a node's output, transitions it to completed (or
// failed when the output carries an error field), and extracts values
// into globals for every name in the node's writes set.
//
// Extraction precedence per write name:
//  1. values produced by executing the node's emitted code
//     (an execution_result already present in the output, or one
//     produced here by the configured CodeRunner),
//  2. a raw output key matching the write name,
//  3. the output's final_answer field, applied only when exactly one
//     write name remains unfilled.
//
// A write name matched by none of these is left unset; consumers treat
// it as absent instead of failing the run.
func (s *Store) MarkDone(ctx context.Context, nodeID string, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.graph.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}
	if output == nil {
		output = map[string]any{}
	}

	node.Output = output

	if msg, failed := errorSignal(output); failed {
		node.Status = plan.StatusFailed
		node.Error = msg
		s.logger.Warn("node output signalled error", "node", nodeID, "error", msg)
		return nil
	}

	node.Status = plan.StatusCompleted
	s.extractWrites(ctx, node, output)
	return nil
}

// extractWrites applies the precedence rules. Caller holds the write lock.
func (s *Store) extractWrites(ctx context.Context, node *plan.Node, output map[string]any) {
	if len(node.Writes) == 0 {
		return
	}

	filled := make(map[string]bool, len(node.Writes))

	if results := s.executionResults(ctx, output); results != nil {
		for _, name := range node.Writes {
			if v, ok := results[name]; ok {
				s.graph.Globals[name] = v
				filled[name] = true
			}
		}
	}

	for _, name := range node.Writes {
		if filled[name] {
			continue
		}
		if v, ok := output[name]; ok {
			s.graph.Globals[name] = v
			filled[name] = true
		}
	}

	var unfilled []string
	for _, name := range node.Writes {
		if !filled[name] {
			unfilled = append(unfilled, name)
		}
	}
	if len(unfilled) == 1 {
		if fa, ok := output[outputKeyFinalAnswer]; ok {
			s.graph.Globals[unfilled[0]] = fa
			unfilled = nil
		}
	}

	for _, name := range unfilled {
		s.logger.Warn("write name left unset", "node", node.ID, "name", name)
	}
}

// executionResults returns the name/value bindings from a code execution
// attached to (or triggered by) the output, or nil when none apply.
func (s *Store) executionResults(ctx context.Context, output map[string]any) map[string]any {
	if er, ok := output[outputKeyExecResult].(map[string]any); ok {
		return successResult(er)
	}

	code, ok := output[outputKeyCode].(string)
	if !ok || code == "" || s.codeRunner == nil {
		return nil
	}

	results, err := s.codeRunner.Execute(ctx, code, s.graph.Globals)
	if err != nil {
		s.logger.Warn("code execution failed", "error", err.Error())
		output[outputKeyExecResult] = map[string]any{"status": "error", "error": err.Error()}
		return nil
	}
	output[outputKeyExecResult] = map[string]any{"status": "success", "result": results}
	return results
}

func successResult(er map[string]any) map[string]any {
	if status, ok := er["status"].(string); ok && status != "success" {
		return nil
	}
	result, _ := er["result"].(map[string]any)
	return result
}

func errorSignal(output map[string]any) (string, bool) {
	v, ok := output[outputKeyError]
	if !ok || v == nil {
		return "", false
	}
	if msg, ok := v.(string); ok {
		return msg, msg != ""
	}
	return fmt.Sprintf("%v", v), true
}

// ReadyNodes returns, in plan order, the pending nodes whose predecessor
// edges all point at completed nodes.
func (s *Store) ReadyNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ready []string
	for _, id := range s.graph.Order {
		node := s.graph.Nodes[id]
		if node.Status != plan.StatusPending {
			continue
		}
		ok := true
		for _, pred := range s.graph.Predecessors(id) {
			if s.graph.Nodes[pred].Status != plan.StatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// NodesByStatus returns, in plan order, the ids of nodes in the given
// status.
func (s *Store) NodesByStatus(status plan.Status) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, id := range s.graph.Order {
		if s.graph.Nodes[id].Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

// HasPending reports whether any node has not reached a terminal state.
func (s *Store) HasPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.graph.Nodes {
		if n.Status == plan.StatusPending || n.Status == plan.StatusRunning {
			return true
		}
	}
	return false
}

// Node returns a copy of the named node.
func (s *Store) Node(nodeID string) (plan.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.graph.Nodes[nodeID]
	if !ok {
		return plan.Node{}, false
	}
	return *node, true
}

// Meta returns the run metadata.
func (s *Store) Meta() plan.Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.Meta
}

// Export renders the graph in its transport shape.
func (s *Store) Export() plan.ExportedGraph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.Export()
}
