package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/reelsmith/reelsmith/pkg/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is same-origin or served to trusted tools; origin checks
	// belong to the reverse proxy in front.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage frames every message sent over the run socket. Type is
// "event" while the run progresses and "result" exactly once at the end.
type wsMessage struct {
	Type   string            `json:"type"`
	Event  *engine.Event     `json:"event,omitempty"`
	Result *engine.RunResult `json:"result,omitempty"`
	Error  *errorBody        `json:"error,omitempty"`
}

// handleRunWS runs the graph while streaming each node status
// transition to the client. Target and language come from query
// parameters since WebSocket handshakes carry no body. Closing the
// socket cancels the run cooperatively: in-flight provider calls finish
// and settle, queued nodes drop back to ready.
func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade", "err", err)
		return
	}
	defer conn.Close()

	req := runRequest{
		Target:   r.URL.Query().Get("target"),
		Language: r.URL.Query().Get("language"),
	}

	// The engine serializes sink calls, so writing to the conn directly
	// is safe.
	sink := func(ev engine.Event) {
		e := ev
		if err := conn.WriteJSON(wsMessage{Type: "event", Event: &e}); err != nil {
			slog.Debug("websocket write", "err", err)
		}
	}

	result, err := s.runGraph(r, req, sink)
	if err != nil {
		_ = conn.WriteJSON(wsMessage{Type: "error", Error: &errorBody{
			Error:   "RunFailed",
			Message: err.Error(),
		}})
		return
	}
	_ = conn.WriteJSON(wsMessage{Type: "result", Result: result})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
