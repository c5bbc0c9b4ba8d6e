package plan

import "time"

// labelMax bounds the node label shown by graph visualizations.
const labelMax = 30

// ExportedGraph is the frontend-friendly JSON rendering of a graph:
// flat node and edge lists plus counts. Transports persist or stream
// this shape rather than the internal table.
type ExportedGraph struct {
	Nodes []map[string]any `json:"nodes"`
	Edges []map[string]any `json:"edges"`
	Meta  ExportMeta       `json:"meta"`
}

// ExportMeta summarizes an exported graph.
type ExportMeta struct {
	NodeCount   int       `json:"node_count"`
	EdgeCount   int       `json:"edge_count"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Export converts the graph into its transport rendering. Labels are
// derived from descriptions, truncated with an ellipsis; nodes without
// a description fall back to their id.
func (g *Graph) Export() ExportedGraph {
	nodes := make([]map[string]any, 0, len(g.Order))
	for _, id := range g.Order {
		n := g.Nodes[id]
		label := n.Description
		if label == "" {
			label = n.ID
		} else if len(label) > labelMax {
			label = label[:labelMax] + "..."
		}

		entry := map[string]any{
			"id":          n.ID,
			"agent":       n.Agent,
			"description": n.Description,
			"label":       label,
			"reads":       n.Reads,
			"writes":      n.Writes,
			"status":      string(n.Status),
		}
		if n.Output != nil {
			entry["output"] = n.Output
		}
		if n.Error != "" {
			entry["error"] = n.Error
		}
		nodes = append(nodes, entry)
	}

	edges := make([]map[string]any, 0, len(g.Edges))
	for _, e := range g.Edges {
		edges = append(edges, map[string]any{
			"id":     e.Source + "->" + e.Target,
			"source": e.Source,
			"target": e.Target,
		})
	}

	return ExportedGraph{
		Nodes: nodes,
		Edges: edges,
		Meta: ExportMeta{
			NodeCount:   len(nodes),
			EdgeCount:   len(edges),
			GeneratedAt: time.Now().UTC(),
		},
	}
}
