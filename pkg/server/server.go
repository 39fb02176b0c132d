// Package server exposes the workflow engine over HTTP. The surface is
// a plain JSON API plus one WebSocket endpoint that streams node status
// transitions during a run. Authentication is handled upstream; the
// account is selected by the X-Account-ID header.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/reelsmith/reelsmith/pkg/credits"
	"github.com/reelsmith/reelsmith/pkg/provider"
	"github.com/reelsmith/reelsmith/pkg/store"
	"github.com/reelsmith/reelsmith/pkg/workflow"
)

// DefaultAccountID is used when the client sends no X-Account-ID.
const DefaultAccountID = "local"

// DefaultMonthlyLimit seeds accounts created on first contact (free tier).
const DefaultMonthlyLimit = 100

// Server wires the store, ledger, cost table and provider registry
// behind the HTTP surface.
type Server struct {
	store    *store.Store
	ledger   *credits.Ledger
	costs    *credits.CostTable
	invoker  provider.Invoker
	poolSize int

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex // per-graph run serialization
	accounts map[string]bool        // account ids already loaded into the ledger
}

// New builds a Server. The ledger should be journaling into the same
// store so reservations survive restarts.
func New(st *store.Store, ledger *credits.Ledger, costs *credits.CostTable, invoker provider.Invoker, poolSize int) *Server {
	return &Server{
		store:    st,
		ledger:   ledger,
		costs:    costs,
		invoker:  invoker,
		poolSize: poolSize,
		runLocks: make(map[string]*sync.Mutex),
		accounts: make(map[string]bool),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/graphs", s.handleSubmitGraph)
	mux.HandleFunc("GET /api/graphs/{id}", s.handleGetGraph)
	mux.HandleFunc("PUT /api/graphs/{id}/nodes/{node}/config", s.handleConfigureNode)
	mux.HandleFunc("POST /api/graphs/{id}/nodes/{node}/source", s.handleAttachSource)
	mux.HandleFunc("POST /api/graphs/{id}/nodes/{node}/regenerate", s.handleRegenerate)
	mux.HandleFunc("GET /api/graphs/{id}/nodes/{node}/output", s.handleNodeOutput)
	mux.HandleFunc("POST /api/graphs/{id}/run", s.handleRun)
	mux.HandleFunc("GET /api/graphs/{id}/run/ws", s.handleRunWS)
	mux.HandleFunc("GET /api/account", s.handleAccount)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	return mux
}

// accountID extracts the calling account from the request.
func accountID(r *http.Request) string {
	if id := r.Header.Get("X-Account-ID"); id != "" {
		return id
	}
	return DefaultAccountID
}

// ensureAccount loads the caller's account into the ledger, creating a
// default free-tier account on first contact.
func (s *Server) ensureAccount(id string) error {
	s.mu.Lock()
	loaded := s.accounts[id]
	s.mu.Unlock()
	if loaded {
		return nil
	}

	acct, err := s.store.GetAccount(id)
	if errors.Is(err, store.ErrNotFound) {
		acct = credits.Account{
			ID:           id,
			MonthlyLimit: DefaultMonthlyLimit,
			PeriodStart:  time.Now(),
		}
		if err := s.store.PutAccount(acct); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accounts[id] {
		s.ledger.AddAccount(acct)
		s.accounts[id] = true
	}
	return nil
}

// runLock returns the mutex serializing runs of one graph.
func (s *Server) runLock(graphID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.runLocks[graphID]
	if !ok {
		l = &sync.Mutex{}
		s.runLocks[graphID] = l
	}
	return l
}

// ─── response helpers ────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

type errorBody struct {
	Error   string `json:"error"`
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
}

// writeError maps the error taxonomy onto HTTP statuses: structural
// errors are 422, configuration errors 400, missing rows 404, refused
// reservations 402, everything else 500.
func writeError(w http.ResponseWriter, err error) {
	var graphErr *workflow.GraphError
	if errors.As(err, &graphErr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:   string(graphErr.Kind),
			NodeID:  graphErr.NodeID,
			Message: graphErr.Message,
		})
		return
	}
	var cfgErr *workflow.ConfigError
	if errors.As(err, &cfgErr) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "InvalidConfig",
			NodeID:  cfgErr.NodeID,
			Message: cfgErr.Error(),
		})
		return
	}
	var insufficient *credits.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusPaymentRequired, errorBody{
			Error:   "InsufficientCredits",
			Message: insufficient.Error(),
		})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "NotFound", Message: err.Error()})
		return
	}
	slog.Error("request failed", "err", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal", Message: err.Error()})
}
