package workflow

import (
	"github.com/google/uuid"
)

// NodeSpec is the wire form of a node as submitted by a client.
type NodeSpec struct {
	// ID is optional; the engine assigns one when empty.
	ID     string   `json:"id,omitempty"`
	Type   NodeType `json:"type"`
	Config Config   `json:"config"`
}

// EdgeSpec is the wire form of an edge.
type EdgeSpec struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// GraphSpec is the wire form of a submitted graph.
type GraphSpec struct {
	Nodes []NodeSpec `json:"nodes"`
	Edges []EdgeSpec `json:"edges"`
}

// Build turns a submitted spec into a validated Graph. Nodes without
// ids get a generated one; duplicate ids are rejected before anything
// else so a bad submission never half-applies. The returned graph has
// every node in its initial status.
func Build(graphID string, spec GraphSpec) (*Graph, error) {
	g := NewGraph(graphID)
	if g.ID == "" {
		g.ID = uuid.NewString()
	}

	for _, ns := range spec.Nodes {
		id := ns.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, exists := g.Nodes[id]; exists {
			return nil, &GraphError{Kind: ErrDuplicateID, NodeID: id, Message: "node id used more than once"}
		}
		n := &Node{
			ID:     id,
			Type:   ns.Type,
			Config: ns.Config,
			Status: StatusUnconfigured,
		}
		if n.Configured() {
			n.Status = StatusReady
		}
		g.Nodes[id] = n
	}

	for _, es := range spec.Edges {
		g.Edges = append(g.Edges, Edge{From: es.From, To: es.To})
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
