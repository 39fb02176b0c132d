package engine_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reelsmith/reelsmith/pkg/credits"
	"github.com/reelsmith/reelsmith/pkg/engine"
	"github.com/reelsmith/reelsmith/pkg/provider"
	"github.com/reelsmith/reelsmith/pkg/workflow"
)

// stubInvoker scripts provider responses per node-derived prompt. Each
// call records the request; fail marks providers that always error.
type stubInvoker struct {
	mu       sync.Mutex
	calls    []provider.Request
	inflight int32
	peak     int32
	fail     map[string]error // provider id → error
	delay    time.Duration
	reply    func(req provider.Request) string
}

func (s *stubInvoker) Generate(ctx context.Context, req provider.Request) (string, error) {
	cur := atomic.AddInt32(&s.inflight, 1)
	defer atomic.AddInt32(&s.inflight, -1)
	for {
		old := atomic.LoadInt32(&s.peak)
		if cur <= old || atomic.CompareAndSwapInt32(&s.peak, old, cur) {
			break
		}
	}

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	if err, ok := s.fail[req.Provider]; ok && err != nil {
		return "", err
	}
	if s.reply != nil {
		return s.reply(req), nil
	}
	return "output via " + req.Provider, nil
}

func (s *stubInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// pipelineGraph is the reference shape: video source, gemini analyze,
// claude generate, gemini script.
func pipelineGraph(t *testing.T) *workflow.Graph {
	t.Helper()
	g, err := workflow.Build("g", workflow.GraphSpec{
		Nodes: []workflow.NodeSpec{
			{ID: "vid", Type: workflow.NodeTypeSourceVideo},
			{ID: "analyze", Type: workflow.NodeTypeAnalyze, Config: workflow.Config{Model: "gemini"}},
			{ID: "gen", Type: workflow.NodeTypeGenerate, Config: workflow.Config{Model: "claude"}},
			{ID: "script", Type: workflow.NodeTypeScript, Config: workflow.Config{Model: "gemini"}},
		},
		Edges: []workflow.EdgeSpec{
			{From: "vid", To: "analyze"},
			{From: "analyze", To: "gen"},
			{From: "gen", To: "script"},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := g.AttachVideo("vid", workflow.SourceRef{
		URL: "https://example.com/v/1", Platform: "tiktok", Description: "pottery timelapse",
	}); err != nil {
		t.Fatalf("AttachVideo: %v", err)
	}
	return g
}

func newEngine(t *testing.T, g *workflow.Graph, inv provider.Invoker, limit int, opts engine.Options) (*engine.Engine, *credits.Ledger) {
	t.Helper()
	ledger := credits.NewLedger(nil)
	ledger.AddAccount(credits.Account{ID: "acct", MonthlyLimit: limit, PeriodStart: time.Now()})
	if opts.AccountID == "" {
		opts.AccountID = "acct"
	}
	eng, err := engine.New(g, ledger, credits.DefaultCostTable(), inv, opts)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng, ledger
}

// ─── Happy path ───────────────────────────────────────────────────────────────

func TestRun_FullPipeline(t *testing.T) {
	g := pipelineGraph(t)
	inv := &stubInvoker{}
	eng, _ := newEngine(t, g, inv, 10, engine.Options{})

	result, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Failed {
		t.Fatalf("run failed: %+v", result.Results)
	}

	// analyze via gemini (1) + generate via claude (6) + script via gemini (1).
	if result.CreditsUsed != 8 {
		t.Errorf("credits used = %d, want 8", result.CreditsUsed)
	}
	if result.CreditsRemaining != 2 {
		t.Errorf("credits remaining = %d, want 2", result.CreditsRemaining)
	}

	for _, id := range []string{"vid", "analyze", "gen", "script"} {
		n := g.Node(id)
		if n.Status != workflow.StatusComplete {
			t.Errorf("%s status = %q, want complete", id, n.Status)
		}
		if n.Output == "" {
			t.Errorf("%s has no output", id)
		}
	}
	if got := g.Node("vid").CostCharged; got != 0 {
		t.Errorf("source node charged %d credits", got)
	}
	if got := g.Node("gen").CostCharged; got != 6 {
		t.Errorf("gen cost charged = %d, want 6", got)
	}
}

func TestRun_UpstreamContextFlows(t *testing.T) {
	g := pipelineGraph(t)
	inv := &stubInvoker{reply: func(req provider.Request) string {
		return "reply-for " + req.Provider
	}}
	eng, _ := newEngine(t, g, inv, 10, engine.Options{})

	if _, err := eng.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The analyze prompt must carry the rendered video source block.
	var analyzeReq *provider.Request
	for i := range inv.calls {
		if strings.Contains(inv.calls[i].Prompt, "SOURCE VIDEO") {
			analyzeReq = &inv.calls[i]
			break
		}
	}
	if analyzeReq == nil {
		t.Fatal("no prompt contained the video source context")
	}
	if !strings.Contains(analyzeReq.Prompt, "pottery timelapse") {
		t.Error("video description missing from analyze context")
	}
}

// ─── Targeted and incremental runs ────────────────────────────────────────────

func TestRun_TargetRunsAncestorsOnly(t *testing.T) {
	g := pipelineGraph(t)
	inv := &stubInvoker{}
	eng, _ := newEngine(t, g, inv, 10, engine.Options{})

	result, err := eng.Run(context.Background(), "analyze")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Failed {
		t.Fatalf("run failed: %+v", result.Results)
	}
	if result.CreditsUsed != 1 {
		t.Errorf("credits used = %d, want 1 (analyze only)", result.CreditsUsed)
	}
	if got := g.Node("gen").Status; got != workflow.StatusReady {
		t.Errorf("gen status = %q, want ready (not in run set)", got)
	}
}

func TestRun_CompleteNodesAreReused(t *testing.T) {
	g := pipelineGraph(t)
	inv := &stubInvoker{}
	eng, _ := newEngine(t, g, inv, 20, engine.Options{})

	if _, err := eng.Run(context.Background(), ""); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	firstCalls := inv.callCount()

	result, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if inv.callCount() != firstCalls {
		t.Errorf("second run made %d extra provider calls", inv.callCount()-firstCalls)
	}
	if result.CreditsUsed != 0 {
		t.Errorf("second run charged %d credits, want 0", result.CreditsUsed)
	}
}

func TestRun_StaleNodesRerun(t *testing.T) {
	g := pipelineGraph(t)
	inv := &stubInvoker{}
	eng, _ := newEngine(t, g, inv, 20, engine.Options{})

	if _, err := eng.Run(context.Background(), ""); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	marked, err := engine.Invalidate(g, "gen")
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if len(marked) != 2 { // gen + script
		t.Fatalf("marked = %v, want gen and script", marked)
	}

	result, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	// Only the stale pair reruns: claude 6 + gemini 1.
	if result.CreditsUsed != 7 {
		t.Errorf("credits used = %d, want 7", result.CreditsUsed)
	}
	if got := g.Node("analyze").Status; got != workflow.StatusComplete {
		t.Errorf("analyze status = %q, want complete (reused)", got)
	}
}

func TestRun_TargetCoversStaleDescendants(t *testing.T) {
	// Full pipeline run, then the analyze prompt is edited and the user
	// re-runs from analyze. The invalidated chain below it must rerun in
	// the same request and the full 8 credits are charged again.
	g := pipelineGraph(t)
	inv := &stubInvoker{}
	eng, _ := newEngine(t, g, inv, 20, engine.Options{})

	if _, err := eng.Run(context.Background(), ""); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	if _, err := g.ApplyConfig("analyze", workflow.Config{Model: "gemini", CustomPrompt: "focus on pacing"}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if _, err := engine.Invalidate(g, "analyze"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	result, err := eng.Run(context.Background(), "analyze")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if result.Failed {
		t.Fatalf("run failed: %+v", result.Results)
	}
	// analyze (1) + generate (6) + script (1) all recharged.
	if result.CreditsUsed != 8 {
		t.Errorf("credits used = %d, want 8", result.CreditsUsed)
	}
	for _, id := range []string{"analyze", "gen", "script"} {
		if got := g.Node(id).Status; got != workflow.StatusComplete {
			t.Errorf("%s status = %q, want complete", id, got)
		}
	}
}

func TestRun_UnconfiguredSourceSkipsBranch(t *testing.T) {
	g, err := workflow.Build("g", workflow.GraphSpec{
		Nodes: []workflow.NodeSpec{
			{ID: "vid", Type: workflow.NodeTypeSourceVideo},
			{ID: "a", Type: workflow.NodeTypeAnalyze},
		},
		Edges: []workflow.EdgeSpec{{From: "vid", To: "a"}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	inv := &stubInvoker{}
	eng, _ := newEngine(t, g, inv, 10, engine.Options{})

	result, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Failed {
		t.Error("result.Failed = false, want true")
	}
	if inv.callCount() != 0 {
		t.Error("provider was invoked despite unconfigured source")
	}
	if got := g.Node("a").Status; got != workflow.StatusReady {
		t.Errorf("a status = %q, want ready (branch skipped, untouched)", got)
	}

	var reported bool
	for _, nr := range result.Results {
		if nr.NodeID == "vid" && nr.Status == workflow.StatusUnconfigured && nr.Err != "" {
			reported = true
		}
	}
	if !reported {
		t.Error("no result entry reported the unconfigured node")
	}
}

func TestRun_UnconfiguredBranchDoesNotBlockSiblings(t *testing.T) {
	// Brand branch is fully configured; the video branch is not. Running
	// everything completes the brand side and reports the video side.
	g, err := workflow.Build("g", workflow.GraphSpec{
		Nodes: []workflow.NodeSpec{
			{ID: "vid", Type: workflow.NodeTypeSourceVideo},
			{ID: "a", Type: workflow.NodeTypeAnalyze, Config: workflow.Config{Model: "gemini"}},
			{ID: "brand", Type: workflow.NodeTypeSourceBrand, Config: workflow.Config{BrandContext: "ceramics studio"}},
			{ID: "st", Type: workflow.NodeTypeStyle, Config: workflow.Config{Model: "gemini"}},
		},
		Edges: []workflow.EdgeSpec{
			{From: "vid", To: "a"},
			{From: "brand", To: "st"},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	inv := &stubInvoker{}
	eng, _ := newEngine(t, g, inv, 10, engine.Options{})

	result, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Failed {
		t.Error("result.Failed = false, want true")
	}
	if got := g.Node("st").Status; got != workflow.StatusComplete {
		t.Errorf("st status = %q, want complete (sibling of unconfigured branch)", got)
	}
	if got := g.Node("a").Status; got != workflow.StatusReady {
		t.Errorf("a status = %q, want ready", got)
	}
	if result.CreditsUsed != 1 {
		t.Errorf("credits used = %d, want 1 (style via gemini)", result.CreditsUsed)
	}
}

// ─── Failure semantics ────────────────────────────────────────────────────────

func TestRun_ProviderErrorReleasesCredits(t *testing.T) {
	g := pipelineGraph(t)
	inv := &stubInvoker{fail: map[string]error{
		"claude": &provider.Error{Provider: "claude", Class: provider.Permanent, Code: 400, Message: "bad request"},
	}}
	eng, ledger := newEngine(t, g, inv, 10, engine.Options{})

	result, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Failed {
		t.Error("result.Failed = false, want true")
	}

	// Upstream of the failure completed and charged; the failed node
	// released its hold; downstream never ran.
	if got := g.Node("analyze").Status; got != workflow.StatusComplete {
		t.Errorf("analyze status = %q, want complete", got)
	}
	if got := g.Node("gen").Status; got != workflow.StatusError {
		t.Errorf("gen status = %q, want error", got)
	}
	if g.Node("gen").ErrMsg == "" {
		t.Error("gen has no error message")
	}
	if got := g.Node("script").Status; got != workflow.StatusReady {
		t.Errorf("script status = %q, want ready (pruned, untouched)", got)
	}

	if result.CreditsUsed != 1 {
		t.Errorf("credits used = %d, want 1 (analyze only)", result.CreditsUsed)
	}
	avail, _ := ledger.Available("acct")
	if avail != 9 {
		t.Errorf("available = %d, want 9 (claude hold released)", avail)
	}
	open, _ := ledger.OpenReservations("acct")
	if open != 0 {
		t.Errorf("open reservations = %d, want 0 after run", open)
	}
}

func TestRun_InsufficientCreditsRefusesNode(t *testing.T) {
	g := pipelineGraph(t)
	inv := &stubInvoker{}
	// Enough for analyze (1) but not generate (6).
	eng, ledger := newEngine(t, g, inv, 5, engine.Options{})

	result, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Failed {
		t.Error("result.Failed = false, want true")
	}

	// The refused node stays ready: nothing ran, nothing charged.
	if got := g.Node("gen").Status; got != workflow.StatusReady {
		t.Errorf("gen status = %q, want ready", got)
	}
	if result.CreditsUsed != 1 {
		t.Errorf("credits used = %d, want 1", result.CreditsUsed)
	}
	avail, _ := ledger.Available("acct")
	if avail != 4 {
		t.Errorf("available = %d, want 4", avail)
	}

	var sawRefusal bool
	for _, nr := range result.Results {
		if nr.NodeID == "gen" && nr.Err != "" {
			sawRefusal = true
		}
	}
	if !sawRefusal {
		t.Error("no result entry recorded the refused reservation")
	}
}

func TestRun_SiblingBranchSurvivesFailure(t *testing.T) {
	// vid fans out to a failing claude branch and a healthy gemini branch.
	g, err := workflow.Build("g", workflow.GraphSpec{
		Nodes: []workflow.NodeSpec{
			{ID: "vid", Type: workflow.NodeTypeSourceVideo},
			{ID: "bad", Type: workflow.NodeTypeAnalyze, Config: workflow.Config{Model: "claude"}},
			{ID: "good", Type: workflow.NodeTypeExtract, Config: workflow.Config{Model: "gemini"}},
		},
		Edges: []workflow.EdgeSpec{
			{From: "vid", To: "bad"},
			{From: "vid", To: "good"},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := g.AttachVideo("vid", workflow.SourceRef{URL: "u"}); err != nil {
		t.Fatalf("AttachVideo: %v", err)
	}

	inv := &stubInvoker{fail: map[string]error{
		"claude": &provider.Error{Provider: "claude", Class: provider.Transient, Code: 429, Message: "rate limited"},
	}}
	eng, _ := newEngine(t, g, inv, 20, engine.Options{})

	result, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Failed {
		t.Error("result.Failed = false, want true")
	}
	if got := g.Node("good").Status; got != workflow.StatusComplete {
		t.Errorf("good status = %q, want complete (sibling of failure)", got)
	}
	if got := g.Node("bad").Status; got != workflow.StatusError {
		t.Errorf("bad status = %q, want error", got)
	}
}

func TestRun_NoAutomaticRetry(t *testing.T) {
	g := pipelineGraph(t)
	inv := &stubInvoker{fail: map[string]error{
		"claude": &provider.Error{Provider: "claude", Class: provider.Transient, Code: 529, Message: "overloaded"},
	}}
	eng, _ := newEngine(t, g, inv, 10, engine.Options{})

	if _, err := eng.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	claudeCalls := 0
	inv.mu.Lock()
	for _, c := range inv.calls {
		if c.Provider == "claude" {
			claudeCalls++
		}
	}
	inv.mu.Unlock()
	if claudeCalls != 1 {
		t.Errorf("claude called %d times, want exactly 1 (no silent retry)", claudeCalls)
	}
}

// ─── Concurrency ──────────────────────────────────────────────────────────────

func TestRun_BoundedConcurrency(t *testing.T) {
	// One source fanning out to six independent analyze nodes.
	nodes := []workflow.NodeSpec{{ID: "vid", Type: workflow.NodeTypeSourceVideo}}
	var edges []workflow.EdgeSpec
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("a%d", i)
		nodes = append(nodes, workflow.NodeSpec{ID: id, Type: workflow.NodeTypeAnalyze, Config: workflow.Config{Model: "gemini"}})
		edges = append(edges, workflow.EdgeSpec{From: "vid", To: id})
	}
	g, err := workflow.Build("g", workflow.GraphSpec{Nodes: nodes, Edges: edges})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := g.AttachVideo("vid", workflow.SourceRef{URL: "u"}); err != nil {
		t.Fatalf("AttachVideo: %v", err)
	}

	inv := &stubInvoker{delay: 30 * time.Millisecond}
	eng, _ := newEngine(t, g, inv, 50, engine.Options{PoolSize: 2})

	result, err := eng.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Failed {
		t.Fatalf("run failed: %+v", result.Results)
	}
	if peak := atomic.LoadInt32(&inv.peak); peak > 2 {
		t.Errorf("peak concurrent provider calls = %d, want <= 2", peak)
	}
}

func TestRun_Cancellation(t *testing.T) {
	g := pipelineGraph(t)
	inv := &stubInvoker{delay: 50 * time.Millisecond}
	eng, ledger := newEngine(t, g, inv, 20, engine.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, err := eng.Run(ctx, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Whatever ran settled exactly; nothing is left held or mid-state.
	open, _ := ledger.OpenReservations("acct")
	if open != 0 {
		t.Errorf("open reservations = %d, want 0 after cancellation", open)
	}
	for id, n := range g.Nodes {
		switch n.Status {
		case workflow.StatusQueued, workflow.StatusRunning:
			t.Errorf("node %s left in %q after cancellation", id, n.Status)
		}
	}
	charged := 0
	for _, nr := range result.Results {
		charged += nr.CostCharged
	}
	if charged != result.CreditsUsed {
		t.Errorf("charged %d across results but CreditsUsed = %d", charged, result.CreditsUsed)
	}
}

// ─── Events ───────────────────────────────────────────────────────────────────

func TestRun_EventOrderPerNode(t *testing.T) {
	g := pipelineGraph(t)
	inv := &stubInvoker{}

	var mu sync.Mutex
	perNode := make(map[string][]workflow.Status)
	sink := func(ev engine.Event) {
		mu.Lock()
		perNode[ev.NodeID] = append(perNode[ev.NodeID], ev.Status)
		mu.Unlock()
	}
	eng, _ := newEngine(t, g, inv, 10, engine.Options{Sink: sink})

	if _, err := eng.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, id := range []string{"analyze", "gen", "script"} {
		got := perNode[id]
		want := []workflow.Status{workflow.StatusQueued, workflow.StatusRunning, workflow.StatusComplete}
		if len(got) != len(want) {
			t.Errorf("%s transitions = %v, want %v", id, got, want)
			continue
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s transition[%d] = %q, want %q", id, i, got[i], want[i])
			}
		}
	}
}
