package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelsmith/reelsmith/pkg/credits"
	"github.com/reelsmith/reelsmith/pkg/engine"
	"github.com/reelsmith/reelsmith/pkg/provider"
	"github.com/reelsmith/reelsmith/pkg/server"
	"github.com/reelsmith/reelsmith/pkg/store"
	"github.com/reelsmith/reelsmith/pkg/workflow"
)

type stubInvoker struct{}

func (stubInvoker) Generate(_ context.Context, req provider.Request) (string, error) {
	return "generated via " + req.Provider, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ledger := credits.NewLedger(st)
	srv := server.New(st, ledger, credits.DefaultCostTable(), stubInvoker{}, engine.DefaultPoolSize)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// pipelineSpec mirrors the standard video → analyze → generate chain.
func pipelineSpec() workflow.GraphSpec {
	return workflow.GraphSpec{
		Nodes: []workflow.NodeSpec{
			{ID: "vid", Type: workflow.NodeTypeSourceVideo},
			{ID: "analyze", Type: workflow.NodeTypeAnalyze, Config: workflow.Config{Model: "gemini"}},
			{ID: "gen", Type: workflow.NodeTypeGenerate, Config: workflow.Config{Model: "claude"}},
		},
		Edges: []workflow.EdgeSpec{
			{From: "vid", To: "analyze"},
			{From: "analyze", To: "gen"},
		},
	}
}

type graphResp struct {
	Graph *workflow.Graph `json:"graph"`
	Order []string        `json:"order"`
}

type errResp struct {
	Error   string `json:"error"`
	NodeID  string `json:"node_id"`
	Message string `json:"message"`
}

// createGraph submits the standard pipeline and attaches its video.
func createGraph(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/graphs", pipelineSpec())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	gr := decode[graphResp](t, resp)

	resp = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/graphs/%s/nodes/vid/source", ts.URL, gr.Graph.ID),
		map[string]any{"video": workflow.SourceRef{URL: "https://example.com/v/1", Platform: "tiktok"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return gr.Graph.ID
}

// ─── Graph endpoints ──────────────────────────────────────────────────────────

func TestSubmitGraph(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/graphs", pipelineSpec())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	gr := decode[graphResp](t, resp)

	assert.NotEmpty(t, gr.Graph.ID)
	assert.Len(t, gr.Graph.Nodes, 3)
	assert.Equal(t, []string{"vid", "analyze", "gen"}, gr.Order)
	assert.Equal(t, workflow.StatusUnconfigured, gr.Graph.Node("vid").Status)
}

func TestSubmitGraph_CycleIs422(t *testing.T) {
	ts := newTestServer(t)

	spec := workflow.GraphSpec{
		Nodes: []workflow.NodeSpec{
			{ID: "a", Type: workflow.NodeTypeAnalyze},
			{ID: "b", Type: workflow.NodeTypeRefine},
		},
		Edges: []workflow.EdgeSpec{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/graphs", spec)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "CycleDetected", decode[errResp](t, resp).Error)
}

func TestSubmitGraph_UnknownTypeIs400(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/graphs", map[string]any{
		"nodes": []map[string]any{{"id": "x", "type": "teleport"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetGraph_NotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/graphs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ─── Node mutation endpoints ──────────────────────────────────────────────────

func TestConfigureNode(t *testing.T) {
	ts := newTestServer(t)
	graphID := createGraph(t, ts)

	resp := doJSON(t, http.MethodPut,
		fmt.Sprintf("%s/api/graphs/%s/nodes/analyze/config", ts.URL, graphID),
		workflow.Config{Model: "claude", CustomPrompt: "focus on hooks"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[struct {
		Node *workflow.Node `json:"node"`
	}](t, resp)
	assert.Equal(t, "claude", body.Node.Config.Model)
	assert.Equal(t, workflow.StatusReady, body.Node.Status)
}

func TestConfigureNode_BadFormatIs400(t *testing.T) {
	ts := newTestServer(t)
	graphID := createGraph(t, ts)

	resp := doJSON(t, http.MethodPut,
		fmt.Sprintf("%s/api/graphs/%s/nodes/gen/config", ts.URL, graphID),
		map[string]string{"output_format": "yaml"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ─── Run endpoints ────────────────────────────────────────────────────────────

func TestRunGraph_EndToEnd(t *testing.T) {
	ts := newTestServer(t)
	graphID := createGraph(t, ts)

	resp := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/graphs/%s/run", ts.URL, graphID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[engine.RunResult](t, resp)

	assert.False(t, result.Failed)
	// analyze via gemini (1) + generate via claude (6).
	assert.Equal(t, 7, result.CreditsUsed)
	assert.Equal(t, 93, result.CreditsRemaining, "fresh account starts with 100")

	// Node state persisted.
	getResp, err := http.Get(fmt.Sprintf("%s/api/graphs/%s", ts.URL, graphID))
	require.NoError(t, err)
	defer getResp.Body.Close()
	gr := decode[graphResp](t, getResp)
	assert.Equal(t, workflow.StatusComplete, gr.Graph.Node("gen").Status)
	assert.Contains(t, gr.Graph.Node("gen").Output, "claude")

	// And a history record exists.
	runsResp, err := http.Get(ts.URL + "/api/runs")
	require.NoError(t, err)
	defer runsResp.Body.Close()
	runs := decode[struct {
		Runs []store.RunRecord `json:"runs"`
	}](t, runsResp)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, 7, runs.Runs[0].CreditsUsed)
	assert.Equal(t, graphID, runs.Runs[0].GraphID)
}

func TestRunGraph_AccountsAreIsolated(t *testing.T) {
	ts := newTestServer(t)
	graphID := createGraph(t, ts) // created under the default account

	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/graphs/%s/run", ts.URL, graphID), nil)
	req.Header.Set("X-Account-ID", "someone-else")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "graphs are scoped per account")
}

func TestNodeOutput_ContentType(t *testing.T) {
	ts := newTestServer(t)
	graphID := createGraph(t, ts)

	resp := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/graphs/%s/run", ts.URL, graphID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	outResp, err := http.Get(fmt.Sprintf("%s/api/graphs/%s/nodes/gen/output", ts.URL, graphID))
	require.NoError(t, err)
	defer outResp.Body.Close()
	assert.Equal(t, http.StatusOK, outResp.StatusCode)
	assert.True(t, strings.HasPrefix(outResp.Header.Get("Content-Type"), "text/markdown"))
}

func TestRegenerate_MarksBranchStale(t *testing.T) {
	ts := newTestServer(t)
	graphID := createGraph(t, ts)

	resp := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/graphs/%s/run", ts.URL, graphID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	regen := doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/graphs/%s/nodes/analyze/regenerate", ts.URL, graphID), nil)
	require.Equal(t, http.StatusOK, regen.StatusCode)
	body := decode[struct {
		Stale []string `json:"stale"`
	}](t, regen)
	assert.Equal(t, []string{"analyze", "gen"}, body.Stale)
}

func TestAccountEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/account")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[struct {
		Account   credits.Account `json:"account"`
		Available int             `json:"available"`
	}](t, resp)
	assert.Equal(t, server.DefaultAccountID, body.Account.ID)
	assert.Equal(t, server.DefaultMonthlyLimit, body.Available)
}

// ─── WebSocket run streaming ──────────────────────────────────────────────────

func TestRunWS_StreamsEvents(t *testing.T) {
	ts := newTestServer(t)
	graphID := createGraph(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		fmt.Sprintf("/api/graphs/%s/run/ws", graphID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var (
		statuses []workflow.Status
		result   *engine.RunResult
	)
	for {
		var msg struct {
			Type   string            `json:"type"`
			Event  *engine.Event     `json:"event"`
			Result *engine.RunResult `json:"result"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case "event":
			statuses = append(statuses, msg.Event.Status)
		case "result":
			result = msg.Result
		}
		if result != nil {
			break
		}
	}

	require.NotNil(t, result, "no final result frame received")
	assert.False(t, result.Failed)
	assert.Equal(t, 7, result.CreditsUsed)
	assert.Contains(t, statuses, workflow.StatusRunning)
	assert.Contains(t, statuses, workflow.StatusComplete)
}
