package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith/pkg/engine"
	"github.com/reelsmith/reelsmith/pkg/store"
	"github.com/reelsmith/reelsmith/pkg/workflow"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── graphs ──────────────────────────────────────────────────────────────────

// graphResponse is a graph plus its execution order, which clients use
// to lay out the canvas.
type graphResponse struct {
	Graph *workflow.Graph `json:"graph"`
	Order []string        `json:"order"`
}

func graphBody(g *workflow.Graph) (graphResponse, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return graphResponse{}, err
	}
	return graphResponse{Graph: g, Order: order}, nil
}

func (s *Server) handleSubmitGraph(w http.ResponseWriter, r *http.Request) {
	var spec workflow.GraphSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: "invalid JSON body"})
		return
	}
	for _, ns := range spec.Nodes {
		if !ns.Type.Valid() {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error: "BadRequest", NodeID: ns.ID,
				Message: fmt.Sprintf("unknown node type %q", ns.Type),
			})
			return
		}
	}

	g, err := workflow.Build("", spec)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SaveGraph(accountID(r), g); err != nil {
		writeError(w, err)
		return
	}
	body, err := graphBody(g)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("graph created", "graph", g.ID, "nodes", len(g.Nodes), "account", accountID(r))
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.LoadGraph(accountID(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := graphBody(g)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// ─── node mutations ──────────────────────────────────────────────────────────

// nodeResponse reports the mutated node and any downstream nodes whose
// outputs became stale as a consequence.
type nodeResponse struct {
	Node  *workflow.Node `json:"node"`
	Stale []string       `json:"stale,omitempty"`
}

// mutateNode loads the graph, applies fn to the named node, cascades
// staleness and saves. All three node mutation endpoints share it.
func (s *Server) mutateNode(w http.ResponseWriter, r *http.Request,
	fn func(g *workflow.Graph, nodeID string) (*workflow.Node, error)) {

	acct := accountID(r)
	g, err := s.store.LoadGraph(acct, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	nodeID := r.PathValue("node")

	n, err := fn(g, nodeID)
	if err != nil {
		writeError(w, err)
		return
	}

	stale, err := engine.Invalidate(g, nodeID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.SaveGraph(acct, g); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodeResponse{Node: n, Stale: stale})
}

func (s *Server) handleConfigureNode(w http.ResponseWriter, r *http.Request) {
	var cfg workflow.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: "invalid JSON body"})
		return
	}
	s.mutateNode(w, r, func(g *workflow.Graph, nodeID string) (*workflow.Node, error) {
		return g.ApplyConfig(nodeID, cfg)
	})
}

// sourceBody carries either a video reference or brand text, depending
// on the target node's type.
type sourceBody struct {
	Video *workflow.SourceRef `json:"video,omitempty"`
	Text  string              `json:"text,omitempty"`
}

func (s *Server) handleAttachSource(w http.ResponseWriter, r *http.Request) {
	var body sourceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: "invalid JSON body"})
		return
	}
	s.mutateNode(w, r, func(g *workflow.Graph, nodeID string) (*workflow.Node, error) {
		n := g.Node(nodeID)
		if n == nil {
			return nil, &workflow.GraphError{Kind: workflow.ErrDanglingEdge, NodeID: nodeID, Message: "node not found"}
		}
		switch n.Type {
		case workflow.NodeTypeSourceVideo:
			if body.Video == nil {
				return nil, &workflow.ConfigError{NodeID: nodeID, Field: "video", Message: "video reference required"}
			}
			return g.AttachVideo(nodeID, *body.Video)
		case workflow.NodeTypeSourceBrand:
			if body.Text == "" {
				return nil, &workflow.ConfigError{NodeID: nodeID, Field: "text", Message: "brand text required"}
			}
			return g.AttachBrandText(nodeID, body.Text)
		default:
			return nil, &workflow.ConfigError{NodeID: nodeID, Message: "not a source node"}
		}
	})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	s.mutateNode(w, r, func(g *workflow.Graph, nodeID string) (*workflow.Node, error) {
		n := g.Node(nodeID)
		if n == nil {
			return nil, &workflow.GraphError{Kind: workflow.ErrDanglingEdge, NodeID: nodeID, Message: "node not found"}
		}
		return n, nil
	})
}

func (s *Server) handleNodeOutput(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.LoadGraph(accountID(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	n := g.Node(r.PathValue("node"))
	if n == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "NotFound", Message: "node not found"})
		return
	}
	if n.Output == "" {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "NoOutput", NodeID: n.ID, Message: "node has no output"})
		return
	}

	contentType := "text/markdown; charset=utf-8"
	switch n.Config.OutputFormat {
	case workflow.FormatPlain:
		contentType = "text/plain; charset=utf-8"
	case workflow.FormatJSON:
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	if n.Status == workflow.StatusStale {
		w.Header().Set("X-Output-Stale", "true")
	}
	_, _ = w.Write([]byte(n.Output))
}

// ─── runs ────────────────────────────────────────────────────────────────────

// runRequest selects what to execute. An empty target runs the whole
// graph; otherwise the target and its incomplete ancestors run.
type runRequest struct {
	Target   string `json:"target,omitempty"`
	Language string `json:"language,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: "invalid JSON body"})
			return
		}
	}
	result, err := s.runGraph(r, req, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// runGraph executes one run end to end: load, schedule, persist graph
// state and append the run record. Runs of the same graph are
// serialized; two clients cannot double-execute a node.
func (s *Server) runGraph(r *http.Request, req runRequest, sink engine.EventSink) (*engine.RunResult, error) {
	acct := accountID(r)
	if err := s.ensureAccount(acct); err != nil {
		return nil, err
	}

	graphID := r.PathValue("id")
	lock := s.runLock(graphID)
	lock.Lock()
	defer lock.Unlock()

	g, err := s.store.LoadGraph(acct, graphID)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(g, s.ledger, s.costs, s.invoker, engine.Options{
		AccountID: acct,
		PoolSize:  s.poolSize,
		Language:  req.Language,
		Sink:      sink,
	})
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := eng.Run(r.Context(), req.Target)
	if err != nil {
		return nil, err
	}

	if err := s.store.SaveGraph(acct, g); err != nil {
		return nil, err
	}
	results, err := json.Marshal(result.Results)
	if err != nil {
		return nil, fmt.Errorf("marshal run results: %w", err)
	}
	record := store.RunRecord{
		ID:          uuid.NewString(),
		GraphID:     g.ID,
		AccountID:   acct,
		NodeCount:   len(result.Results),
		CreditsUsed: result.CreditsUsed,
		DurationMS:  time.Since(started).Milliseconds(),
		Failed:      result.Failed,
		Results:     results,
		StartedAt:   started,
	}
	if err := s.store.SaveRun(record); err != nil {
		// History is best effort; the run itself already settled.
		slog.Error("save run record", "run", record.ID, "err", err)
	}
	slog.Info("run finished", "graph", g.ID, "account", acct,
		"credits", result.CreditsUsed, "failed", result.Failed)
	return result, nil
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct := accountID(r)
	if err := s.ensureAccount(acct); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.ledger.Account(acct)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":   a,
		"available": a.Available(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(accountID(r), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(accountID(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
