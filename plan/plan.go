// Package plan defines the task graph data model shared by the context
// store and the executor: typed nodes with declared read/write sets,
// dependency edges, and graph-level metadata. The graph is kept as an
// explicit node/edge table (not pointer-linked) so run state serializes
// cleanly and nodes never own each other.
package plan

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status tracks a node through its lifecycle. Nodes are created pending,
// moved to running by the executor, and end completed or failed.
type Status string

const (
	// StatusPending marks a node that has not started yet.
	StatusPending Status = "pending"
	// StatusRunning marks a node currently executing its turn loop.
	StatusRunning Status = "running"
	// StatusCompleted marks a node that produced an output.
	StatusCompleted Status = "completed"
	// StatusFailed marks a node whose output signalled an error.
	StatusFailed Status = "failed"
)

// PlanningNodeID is the id of the synthetic node installed by Bootstrap
// while the planner is still producing the real graph.
const PlanningNodeID = "PLANNING"

// Node is one unit of work assigned to an agent type. Reads and Writes
// declare the global variable names the node consumes and produces.
// Output holds the last payload the node yielded; it is opaque to the
// graph layer.
type Node struct {
	ID          string         `json:"id"`
	Agent       string         `json:"agent"`
	Description string         `json:"description"`
	Reads       []string       `json:"reads"`
	Writes      []string       `json:"writes"`
	Status      Status         `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Edge declares that Target depends on Source.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Meta carries graph-level run metadata.
type Meta struct {
	SessionID     string    `json:"session_id"`
	OriginalQuery string    `json:"original_query"`
	FileManifest  []string  `json:"file_manifest"`
	CreatedAt     time.Time `json:"created_at"`
}

// Graph is the node/edge table plus the run-wide globals map. Node
// insertion order is preserved in Order so "last completed" style
// queries are deterministic. Graph itself is not synchronized; the
// state.Store funnels all mutation through its own lock.
type Graph struct {
	Nodes   map[string]*Node `json:"nodes"`
	Order   []string         `json:"order"`
	Edges   []Edge           `json:"edges"`
	Meta    Meta             `json:"meta"`
	Globals map[string]any   `json:"globals"`
}

// MalformedPlanError reports a planner payload that cannot become a
// valid graph: dangling edge endpoints, cycles, or unordered nodes
// declaring the same write name. It is fatal to the run.
type MalformedPlanError struct {
	Reason string
}

func (e *MalformedPlanError) Error() string {
	return fmt.Sprintf("malformed plan: %s", e.Reason)
}

// rawPlan mirrors the planner payload shape:
// {nodes: [{id, agent, description, reads, writes}], edges: [{source, target}]}.
type rawPlan struct {
	Nodes []rawNode `json:"nodes"`
	Edges []Edge    `json:"edges"`
}

type rawNode struct {
	ID          string   `json:"id"`
	Agent       string   `json:"agent"`
	Description string   `json:"description"`
	Reads       []string `json:"reads"`
	Writes      []string `json:"writes"`
}

// FromPayload decodes a planner payload (typically a map decoded from
// model output JSON) into a validated Graph. The payload is round-tripped
// through encoding/json so both map[string]any and already-typed inputs
// are accepted.
func FromPayload(payload any, meta Meta) (*Graph, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, &MalformedPlanError{Reason: fmt.Sprintf("payload not serializable: %v", err)}
	}

	var raw rawPlan
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, &MalformedPlanError{Reason: fmt.Sprintf("payload does not match plan shape: %v", err)}
	}

	if len(raw.Nodes) == 0 {
		return nil, &MalformedPlanError{Reason: "plan contains no nodes"}
	}

	g := &Graph{
		Nodes:   make(map[string]*Node, len(raw.Nodes)),
		Edges:   raw.Edges,
		Meta:    meta,
		Globals: map[string]any{},
	}

	for _, rn := range raw.Nodes {
		if rn.ID == "" {
			return nil, &MalformedPlanError{Reason: "node with empty id"}
		}
		if _, exists := g.Nodes[rn.ID]; exists {
			return nil, &MalformedPlanError{Reason: fmt.Sprintf("duplicate node id %q", rn.ID)}
		}
		g.Nodes[rn.ID] = &Node{
			ID:          rn.ID,
			Agent:       rn.Agent,
			Description: rn.Description,
			Reads:       rn.Reads,
			Writes:      rn.Writes,
			Status:      StatusPending,
		}
		g.Order = append(g.Order, rn.ID)
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}

	return g, nil
}

// Bootstrap builds the placeholder graph that exists while the planner
// runs: a single synthetic PLANNING node, so concurrent inspection of
// run state always sees a well-formed graph.
func Bootstrap(sessionID, query string, fileManifest []string) *Graph {
	node := &Node{
		ID:          PlanningNodeID,
		Agent:       "PlannerAgent",
		Description: "Produce the execution plan for the original query",
		Status:      StatusPending,
	}

	return &Graph{
		Nodes: map[string]*Node{PlanningNodeID: node},
		Order: []string{PlanningNodeID},
		Meta: Meta{
			SessionID:     sessionID,
			OriginalQuery: query,
			FileManifest:  fileManifest,
			CreatedAt:     time.Now().UTC(),
		},
		Globals: map[string]any{},
	}
}

// Validate checks the structural invariants: every edge endpoint exists,
// the edge set is acyclic, and no two nodes without an ordering path
// between them declare the same write name. Plans violating the last
// rule would make globals writes racy between parallel branches, so they
// are rejected at install time rather than resolved last-writer-wins.
func (g *Graph) Validate() error {
	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.Source]; !ok {
			return &MalformedPlanError{Reason: fmt.Sprintf("edge references unknown node %q", e.Source)}
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			return &MalformedPlanError{Reason: fmt.Sprintf("edge references unknown node %q", e.Target)}
		}
	}

	if cyclic, offender := g.hasCycle(); cyclic {
		return &MalformedPlanError{Reason: fmt.Sprintf("dependency cycle involving node %q", offender)}
	}

	if a, b, name, conflict := g.writeConflict(); conflict {
		return &MalformedPlanError{
			Reason: fmt.Sprintf("nodes %q and %q both write %q without an ordering edge between them", a, b, name),
		}
	}

	return nil
}

// Predecessors returns the source ids of every edge targeting id.
func (g *Graph) Predecessors(id string) []string {
	var preds []string
	for _, e := range g.Edges {
		if e.Target == id {
			preds = append(preds, e.Source)
		}
	}
	return preds
}

// Successors returns the target ids of every edge sourced at id.
func (g *Graph) Successors(id string) []string {
	var succs []string
	for _, e := range g.Edges {
		if e.Source == id {
			succs = append(succs, e.Target)
		}
	}
	return succs
}

// hasCycle runs Kahn's algorithm; a non-exhausted node set means a cycle.
func (g *Graph) hasCycle() (bool, string) {
	indegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		indegree[id] = 0
	}
	for _, e := range g.Edges {
		indegree[e.Target]++
	}

	var queue []string
	for _, id := range g.Order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, succ := range g.Successors(id) {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if seen == len(g.Nodes) {
		return false, ""
	}
	for _, id := range g.Order {
		if indegree[id] > 0 {
			return true, id
		}
	}
	return true, ""
}

// writeConflict finds two nodes declaring the same write name with no
// dependency path between them in either direction.
func (g *Graph) writeConflict() (string, string, string, bool) {
	byName := map[string][]string{}
	for _, id := range g.Order {
		for _, w := range g.Nodes[id].Writes {
			byName[w] = append(byName[w], id)
		}
	}

	for name, ids := range byName {
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				if !g.reaches(ids[i], ids[j]) && !g.reaches(ids[j], ids[i]) {
					return ids[i], ids[j], name, true
				}
			}
		}
	}
	return "", "", "", false
}

// reaches reports whether a dependency path exists from src to dst.
func (g *Graph) reaches(src, dst string) bool {
	if src == dst {
		return true
	}
	visited := map[string]bool{src: true}
	stack := []string{src}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, succ := range g.Successors(id) {
			if succ == dst {
				return true
			}
			if !visited[succ] {
				visited[succ] = true
				stack = append(stack, succ)
			}
		}
	}
	return false
}
