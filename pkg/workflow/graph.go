package workflow

import (
	"fmt"
	"sort"
)

// Graph is the set of nodes and edges owned by one workflow session.
// The graph is the sole writer of node status and output; callers must
// not mutate nodes while a run is in progress.
type Graph struct {
	ID    string           `json:"id"`
	Nodes map[string]*Node `json:"nodes"`
	Edges []Edge           `json:"edges"`
}

// NewGraph creates an empty graph with the given id.
func NewGraph(id string) *Graph {
	return &Graph{ID: id, Nodes: make(map[string]*Node)}
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	return g.Nodes[id]
}

// Parents returns the ids of nodes with an edge into nodeID, ascending.
func (g *Graph) Parents(nodeID string) []string {
	var out []string
	for _, e := range g.Edges {
		if e.To == nodeID {
			out = append(out, e.From)
		}
	}
	sort.Strings(out)
	return out
}

// Children returns the ids of nodes nodeID has an edge into, ascending.
func (g *Graph) Children(nodeID string) []string {
	var out []string
	for _, e := range g.Edges {
		if e.From == nodeID {
			out = append(out, e.To)
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks the structural invariants: every edge endpoint exists,
// source nodes have no incoming edges, every non-source node has at
// least one, and the edge set forms a DAG. Returns the first violation
// as a *GraphError.
func (g *Graph) Validate() error {
	for id, n := range g.Nodes {
		if n == nil {
			return &GraphError{Kind: ErrDanglingEdge, NodeID: id, Message: "nil node"}
		}
		if !n.Type.Valid() {
			return &GraphError{Kind: ErrOrphanNode, NodeID: id, Message: fmt.Sprintf("unknown node type %q", n.Type)}
		}
	}

	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.From]; !ok {
			return &GraphError{Kind: ErrDanglingEdge, NodeID: e.From, Message: fmt.Sprintf("edge %s -> %s references missing source node", e.From, e.To)}
		}
		if _, ok := g.Nodes[e.To]; !ok {
			return &GraphError{Kind: ErrDanglingEdge, NodeID: e.To, Message: fmt.Sprintf("edge %s -> %s references missing target node", e.From, e.To)}
		}
	}

	incoming := make(map[string]int, len(g.Nodes))
	for _, e := range g.Edges {
		incoming[e.To]++
	}
	for id, n := range g.Nodes {
		if n.Type.IsSource() && incoming[id] > 0 {
			return &GraphError{Kind: ErrOrphanNode, NodeID: id, Message: "source node must not have incoming edges"}
		}
		if !n.Type.IsSource() && incoming[id] == 0 {
			return &GraphError{Kind: ErrOrphanNode, NodeID: id, Message: "node has no incoming edges"}
		}
	}

	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns a dependency-respecting order over all node
// ids. Ties are broken by node id ascending, so repeated calls over an
// unchanged graph always return the same order. Fails with CycleDetected
// if no order exists.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.Nodes))
	children := make(map[string][]string, len(g.Nodes))
	for id := range g.Nodes {
		indegree[id] = 0
	}
	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.From]; !ok {
			continue
		}
		if _, ok := g.Nodes[e.To]; !ok {
			continue
		}
		children[e.From] = append(children[e.From], e.To)
		indegree[e.To]++
	}

	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(g.Nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				frontier = append(frontier, child)
			}
		}
		sort.Strings(frontier)
	}

	if len(order) != len(g.Nodes) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &GraphError{
			Kind:    ErrCycleDetected,
			Message: fmt.Sprintf("no topological order: cycle through %v", stuck),
		}
	}
	return order, nil
}

// Descendants returns the transitive closure over outgoing edges of
// nodeID, excluding nodeID itself.
func (g *Graph) Descendants(nodeID string) map[string]bool {
	out := make(map[string]bool)
	queue := g.Children(nodeID)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if out[id] {
			continue
		}
		out[id] = true
		queue = append(queue, g.Children(id)...)
	}
	return out
}

// Ancestors returns the transitive closure over incoming edges of
// nodeID, excluding nodeID itself.
func (g *Graph) Ancestors(nodeID string) map[string]bool {
	out := make(map[string]bool)
	queue := g.Parents(nodeID)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if out[id] {
			continue
		}
		out[id] = true
		queue = append(queue, g.Parents(id)...)
	}
	return out
}

// ApplyConfig replaces a node's configuration after checking it for the
// node type. On success the node moves to ready (or stays unconfigured
// when source material is still missing) and the caller is told whether
// the node previously held a complete output, so downstream results can
// be invalidated.
func (g *Graph) ApplyConfig(nodeID string, cfg Config) (*Node, error) {
	n := g.Nodes[nodeID]
	if n == nil {
		return nil, &GraphError{Kind: ErrDanglingEdge, NodeID: nodeID, Message: "node not found"}
	}
	if !cfg.OutputFormat.Valid() {
		return nil, &ConfigError{NodeID: nodeID, Field: "output_format", Message: fmt.Sprintf("unknown format %q", cfg.OutputFormat)}
	}
	if cfg.BrandContext != "" && n.Type != NodeTypeSourceBrand {
		return nil, &ConfigError{NodeID: nodeID, Field: "brand_context", Message: "only source-brand nodes accept brand context"}
	}
	if n.Status == StatusQueued || n.Status == StatusRunning {
		return nil, &ConfigError{NodeID: nodeID, Field: "", Message: "node is executing; wait for it to finish"}
	}

	n.Config = cfg
	if n.Configured() {
		if n.Status == StatusUnconfigured || n.Status == StatusReady {
			n.Status = StatusReady
		}
	} else {
		n.Status = StatusUnconfigured
	}
	return n, nil
}

// AttachVideo stores the external video reference on a source-video node.
func (g *Graph) AttachVideo(nodeID string, ref SourceRef) (*Node, error) {
	n := g.Nodes[nodeID]
	if n == nil {
		return nil, &GraphError{Kind: ErrDanglingEdge, NodeID: nodeID, Message: "node not found"}
	}
	if n.Type != NodeTypeSourceVideo {
		return nil, &ConfigError{NodeID: nodeID, Field: "source", Message: fmt.Sprintf("cannot attach video to %s node", n.Type)}
	}
	n.Source = &ref
	if n.Status == StatusUnconfigured {
		n.Status = StatusReady
	}
	return n, nil
}

// AttachBrandText stores the brand brief text on a source-brand node.
func (g *Graph) AttachBrandText(nodeID, text string) (*Node, error) {
	n := g.Nodes[nodeID]
	if n == nil {
		return nil, &GraphError{Kind: ErrDanglingEdge, NodeID: nodeID, Message: "node not found"}
	}
	if n.Type != NodeTypeSourceBrand {
		return nil, &ConfigError{NodeID: nodeID, Field: "text", Message: fmt.Sprintf("cannot attach brand text to %s node", n.Type)}
	}
	n.Config.BrandContext = text
	if n.Status == StatusUnconfigured && n.Configured() {
		n.Status = StatusReady
	}
	return n, nil
}
