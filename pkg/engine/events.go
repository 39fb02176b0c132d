package engine

import "github.com/reelsmith/reelsmith/pkg/workflow"

// Event is one node status transition, emitted to the run's sink as it
// occurs. Output is set only on complete, Err only on error (or on a
// refused reservation, where the status stays ready).
type Event struct {
	NodeID      string            `json:"node_id"`
	Type        workflow.NodeType `json:"node_type"`
	Status      workflow.Status   `json:"status"`
	Provider    string            `json:"provider,omitempty"`
	Output      string            `json:"output,omitempty"`
	Err         string            `json:"error,omitempty"`
	CostCharged int               `json:"cost_charged,omitempty"`
}

// EventSink receives run events. The engine calls it from worker
// goroutines but never concurrently; implementations need no locking.
type EventSink func(Event)

// NodeResult summarizes one node after a run.
type NodeResult struct {
	NodeID      string            `json:"node_id"`
	Type        workflow.NodeType `json:"node_type"`
	Status      workflow.Status   `json:"status"`
	Output      string            `json:"output,omitempty"`
	Err         string            `json:"error,omitempty"`
	CostCharged int               `json:"cost_charged"`
}

// RunResult summarizes a whole run.
type RunResult struct {
	// Results holds one entry per node that the run touched, in the
	// order execution finished.
	Results []NodeResult `json:"results"`
	// CreditsUsed is the total settled against the account.
	CreditsUsed int `json:"credits_used"`
	// CreditsRemaining is the account's available balance after the run.
	CreditsRemaining int `json:"credits_remaining"`
	// Failed reports whether any node ended in error or was refused
	// credits. Sibling branches may still have completed.
	Failed bool `json:"failed"`
}
