package engine

import (
	"sort"

	"github.com/reelsmith/reelsmith/pkg/workflow"
)

// Invalidate marks a node and every one of its descendants stale after
// a reconfiguration or an explicit regenerate request. Prior outputs
// are retained for display (flagged as outdated) until a new run
// overwrites them. Nodes that have never produced anything — ready,
// unconfigured or queued — keep their status: there is nothing of
// theirs to outdate.
//
// Returns the ids that were marked, ascending.
func Invalidate(g *workflow.Graph, nodeID string) ([]string, error) {
	n := g.Node(nodeID)
	if n == nil {
		return nil, &workflow.GraphError{Kind: workflow.ErrDanglingEdge, NodeID: nodeID, Message: "node not found"}
	}

	var marked []string
	markStale := func(id string) {
		node := g.Node(id)
		switch node.Status {
		case workflow.StatusComplete, workflow.StatusError, workflow.StatusStale:
			node.Status = workflow.StatusStale
			marked = append(marked, id)
		}
	}

	markStale(nodeID)
	for id := range g.Descendants(nodeID) {
		markStale(id)
	}
	sort.Strings(marked)
	return marked, nil
}
