package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/reelsmith/reelsmith/pkg/credits"
	"github.com/reelsmith/reelsmith/pkg/provider"
	"github.com/reelsmith/reelsmith/pkg/workflow"
)

// DefaultPoolSize bounds concurrent provider calls per run. Kept small
// so a single fan-heavy graph cannot exhaust the user's provider rate
// limit.
const DefaultPoolSize = 3

// Options configures one Engine.
type Options struct {
	// AccountID selects the credit account charged for this run.
	AccountID string
	// PoolSize bounds concurrent node executions; 0 means DefaultPoolSize.
	PoolSize int
	// Language, when set and not English, is prepended to every prompt.
	Language string
	// Sink receives status transitions as they occur; may be nil.
	Sink EventSink
	// MaxTokens caps provider responses; 0 uses adapter defaults.
	MaxTokens int
}

// Engine drives the nodes of one graph from ready/stale to complete or
// error, respecting dependencies, at bounded concurrency. All status
// transitions go through the engine's mutex: a node is mutated by
// exactly one worker at a time and two workers can never pick up the
// same node.
type Engine struct {
	graph   *workflow.Graph
	ledger  *credits.Ledger
	costs   *credits.CostTable
	invoker provider.Invoker
	opts    Options

	mu       sync.Mutex
	cond     *sync.Cond
	pending  map[string]bool
	inflight int
	results  []NodeResult
	used     int
	failed   bool
	running  bool
}

// New validates the graph and builds an engine for it.
func New(g *workflow.Graph, ledger *credits.Ledger, costs *credits.CostTable, invoker provider.Invoker, opts Options) (*Engine, error) {
	if g == nil {
		return nil, fmt.Errorf("graph must not be nil")
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger must not be nil")
	}
	if costs == nil {
		return nil, fmt.Errorf("cost table must not be nil")
	}
	if invoker == nil {
		return nil, fmt.Errorf("invoker must not be nil")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	e := &Engine{
		graph:   g,
		ledger:  ledger,
		costs:   costs,
		invoker: invoker,
		opts:    opts,
	}
	e.cond = sync.NewCond(&e.mu)
	return e, nil
}

// Run executes the graph. An empty target means run everything;
// otherwise the target node, its not-yet-complete ancestors and its
// stale descendants run. Nodes whose status is ready or stale enter
// the schedule; complete nodes are reused as-is and errored nodes wait
// for an explicit regenerate. Unconfigured nodes in the run set are
// reported per node and their branches skipped. Cancellation via ctx
// is cooperative: queued nodes drop back to ready unchanged, in-flight
// provider calls are allowed to finish and settle or release normally.
func (e *Engine) Run(ctx context.Context, target string) (*RunResult, error) {
	runSet, err := e.resolveRunSet(target)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, fmt.Errorf("run already in progress for graph %q", e.graph.ID)
	}
	e.running = true
	e.pending = make(map[string]bool)
	e.results = nil
	e.used = 0
	e.failed = false

	for id := range runSet {
		n := e.graph.Node(id)
		switch n.Status {
		case workflow.StatusUnconfigured:
			// The node cannot run and nothing downstream of it can
			// either; report it and let sibling branches proceed.
			e.failed = true
			errMsg := fmt.Sprintf("node %q is not configured", id)
			e.emit(Event{NodeID: id, Type: n.Type, Status: n.Status, Err: errMsg})
			e.results = append(e.results, NodeResult{NodeID: id, Type: n.Type, Status: n.Status, Err: errMsg})
		case workflow.StatusQueued, workflow.StatusRunning:
			e.running = false
			e.mu.Unlock()
			return nil, fmt.Errorf("node %q is already executing", id)
		case workflow.StatusReady, workflow.StatusStale:
			e.pending[id] = true
		}
	}
	e.mu.Unlock()

	// Wake the dispatcher when the run is cancelled so queued work can
	// be returned to ready.
	stop := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer stop()

	e.dispatch(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false

	remaining, err := e.ledger.Available(e.opts.AccountID)
	if err != nil {
		return nil, err
	}
	res := &RunResult{
		Results:          e.results,
		CreditsUsed:      e.used,
		CreditsRemaining: remaining,
		Failed:           e.failed,
	}
	return res, nil
}

// resolveRunSet returns the node ids covered by a run request: the
// target, its ancestors, and any stale descendants. Stale descendants
// join because a run request for an ancestor covers them; completing
// the target would otherwise strand the invalidated chain below it.
func (e *Engine) resolveRunSet(target string) (map[string]bool, error) {
	set := make(map[string]bool)
	if target == "" {
		for id := range e.graph.Nodes {
			set[id] = true
		}
		return set, nil
	}
	if e.graph.Node(target) == nil {
		return nil, &workflow.GraphError{Kind: workflow.ErrDanglingEdge, NodeID: target, Message: "node not found"}
	}
	set[target] = true
	for id := range e.graph.Ancestors(target) {
		set[id] = true
	}
	for id := range e.graph.Descendants(target) {
		if e.graph.Node(id).Status == workflow.StatusStale {
			set[id] = true
		}
	}
	return set, nil
}

// dispatch is the scheduling loop: it moves runnable pending nodes to
// queued, hands them to workers, and blocks until workers signal
// progress. It returns when nothing is pending or runnable and no
// worker is in flight.
func (e *Engine) dispatch(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if ctx.Err() != nil && e.inflight == 0 {
			return
		}

		dispatched := 0
		if ctx.Err() == nil {
			for _, id := range e.sortedPending() {
				if e.inflight >= e.opts.PoolSize {
					break
				}
				if !e.depsComplete(id) {
					continue
				}
				delete(e.pending, id)
				n := e.graph.Node(id)
				n.Status = workflow.StatusQueued
				e.emit(Event{NodeID: id, Type: n.Type, Status: workflow.StatusQueued})
				e.inflight++
				dispatched++
				go e.runNode(ctx, id)
			}
		}

		if e.inflight == 0 {
			if dispatched == 0 {
				// Nothing runnable: either done, or an upstream failure
				// left the rest of the branch waiting. Those nodes keep
				// their current state.
				return
			}
			continue
		}
		e.cond.Wait()
	}
}

// sortedPending returns the pending ids ascending, for deterministic
// dispatch order among equally ready nodes.
func (e *Engine) sortedPending() []string {
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// depsComplete reports whether every parent of id is complete.
// Caller holds e.mu.
func (e *Engine) depsComplete(id string) bool {
	for _, parent := range e.graph.Parents(id) {
		if e.graph.Node(parent).Status != workflow.StatusComplete {
			return false
		}
	}
	return true
}

// runNode executes one queued node. It performs the reserve → invoke →
// settle/release sequence; every status mutation happens under e.mu.
func (e *Engine) runNode(ctx context.Context, id string) {
	defer func() {
		e.mu.Lock()
		e.inflight--
		e.cond.Broadcast()
		e.mu.Unlock()
	}()

	n := e.graph.Node(id)

	// Cancelled before starting: return to ready, nothing charged.
	if ctx.Err() != nil {
		e.mu.Lock()
		n.Status = workflow.StatusReady
		e.emit(Event{NodeID: id, Type: n.Type, Status: workflow.StatusReady})
		e.mu.Unlock()
		return
	}

	if n.Type.IsSource() {
		e.runSourceNode(n)
		return
	}

	providerID := n.Config.Model
	if providerID == "" {
		picked, err := SelectProvider(e.costs, n.Type, n.Config.QualityHint)
		if err != nil {
			e.refuseNode(n, "", err)
			return
		}
		providerID = picked
	}

	cost, err := e.costs.Cost(n.Type, providerID)
	if err != nil {
		e.refuseNode(n, providerID, err)
		return
	}

	reservationID, err := e.ledger.Reserve(e.opts.AccountID, cost)
	if err != nil {
		// Most commonly InsufficientCredits: nothing charged, node
		// stays ready for a later attempt.
		e.refuseNode(n, providerID, err)
		return
	}

	e.mu.Lock()
	n.Status = workflow.StatusRunning
	upstream := e.upstreamOutputs(id)
	e.emit(Event{NodeID: id, Type: n.Type, Status: workflow.StatusRunning, Provider: providerID})
	e.mu.Unlock()

	system, prompt := BuildPrompt(n, upstream, e.opts.Language)

	// The provider call is allowed to finish even if the run is
	// cancelled mid-flight; charging must track what actually ran.
	callCtx := context.WithoutCancel(ctx)
	text, err := e.invoker.Generate(callCtx, provider.Request{
		Provider:  providerID,
		System:    system,
		Prompt:    prompt,
		MaxTokens: e.opts.MaxTokens,
	})
	if err != nil {
		if relErr := e.ledger.Release(reservationID); relErr != nil {
			slog.Error("release reservation", "reservation", reservationID, "err", relErr)
		}
		e.mu.Lock()
		n.Status = workflow.StatusError
		n.ErrMsg = err.Error()
		e.failed = true
		e.pruneDescendants(id)
		e.emit(Event{NodeID: id, Type: n.Type, Status: workflow.StatusError, Provider: providerID, Err: n.ErrMsg})
		e.results = append(e.results, NodeResult{NodeID: id, Type: n.Type, Status: workflow.StatusError, Err: n.ErrMsg})
		e.mu.Unlock()
		slog.Info("node failed", "node", id, "type", n.Type, "provider", providerID, "err", err)
		return
	}

	if err := e.ledger.Settle(reservationID); err != nil {
		slog.Error("settle reservation", "reservation", reservationID, "err", err)
	}

	e.mu.Lock()
	n.Status = workflow.StatusComplete
	n.Output = postprocessOutput(n, text)
	n.ErrMsg = ""
	n.CostCharged = cost
	e.used += cost
	e.emit(Event{NodeID: id, Type: n.Type, Status: workflow.StatusComplete, Provider: providerID, Output: n.Output, CostCharged: cost})
	e.results = append(e.results, NodeResult{NodeID: id, Type: n.Type, Status: workflow.StatusComplete, Output: n.Output, CostCharged: cost})
	e.mu.Unlock()
	slog.Info("node complete", "node", id, "type", n.Type, "provider", providerID, "cost", cost)
}

// runSourceNode materializes a source node's context block. Source
// nodes never invoke a provider and never cost credits.
func (e *Engine) runSourceNode(n *workflow.Node) {
	var output string
	switch n.Type {
	case workflow.NodeTypeSourceVideo:
		output = renderVideoSource(n.Source)
	case workflow.NodeTypeSourceBrand:
		output = renderBrandSource(n.Config.BrandContext)
	}

	e.mu.Lock()
	n.Status = workflow.StatusRunning
	e.emit(Event{NodeID: n.ID, Type: n.Type, Status: workflow.StatusRunning})
	n.Status = workflow.StatusComplete
	n.Output = output
	n.ErrMsg = ""
	n.CostCharged = 0
	e.emit(Event{NodeID: n.ID, Type: n.Type, Status: workflow.StatusComplete, Output: output})
	e.results = append(e.results, NodeResult{NodeID: n.ID, Type: n.Type, Status: workflow.StatusComplete, Output: output})
	e.mu.Unlock()
}

// refuseNode handles failures that occur before the provider is
// invoked: auto-selection problems, cost table gaps and refused
// reservations. The node returns to ready — nothing ran, nothing was
// charged — and its branch is not pursued further in this run.
func (e *Engine) refuseNode(n *workflow.Node, providerID string, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n.Status = workflow.StatusReady
	e.failed = true
	e.pruneDescendants(n.ID)
	e.emit(Event{NodeID: n.ID, Type: n.Type, Status: workflow.StatusReady, Provider: providerID, Err: cause.Error()})
	e.results = append(e.results, NodeResult{NodeID: n.ID, Type: n.Type, Status: workflow.StatusReady, Err: cause.Error()})
	slog.Info("node refused", "node", n.ID, "type", n.Type, "err", cause)
}

// pruneDescendants drops every descendant of id from the pending set.
// They keep their current status; the user re-triggers the branch
// explicitly, since automatic resumption after a failure is a cost
// risk. Caller holds e.mu.
func (e *Engine) pruneDescendants(id string) {
	for d := range e.graph.Descendants(id) {
		delete(e.pending, d)
	}
}

// upstreamOutputs returns the outputs of id's parents, parent id
// ascending. Caller holds e.mu; all parents are complete by the
// scheduling invariant.
func (e *Engine) upstreamOutputs(id string) []string {
	var out []string
	for _, parent := range e.graph.Parents(id) {
		if o := e.graph.Node(parent).Output; o != "" {
			out = append(out, o)
		}
	}
	return out
}

// emit forwards an event to the sink. Caller holds e.mu, which also
// serializes sink calls.
func (e *Engine) emit(ev Event) {
	if e.opts.Sink != nil {
		e.opts.Sink(ev)
	}
}
