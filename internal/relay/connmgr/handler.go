package connmgr

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/homecast/homecast/internal/relay/auth"
	"github.com/homecast/homecast/internal/relay/protocol"
)

// wsSocket adapts a WebSocket connection to the Socket interface.
type wsSocket struct {
	c *websocket.Conn
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.c.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close(code int, reason string) error {
	return s.c.Close(websocket.StatusCode(code), reason)
}

// HandleWS is the /ws endpoint. Agents connect with a bearer token and an
// agent id, then speak the frame protocol until either side closes.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Agents are native processes, not browsers; origin checks do not
		// apply to them.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("agent websocket accept failed", "error", err)
		return
	}

	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		token = auth.TokenFromHeader(r.Header.Get("Authorization"))
	}
	agentID := q.Get("agent_id")
	if token == "" || agentID == "" {
		_ = c.Close(websocket.StatusCode(protocol.CloseMissingParams), "missing token or agent_id")
		return
	}

	claims, err := m.auth.Verify(token)
	if err != nil {
		_ = c.Close(websocket.StatusCode(protocol.CloseInvalidToken), "invalid token")
		return
	}

	name := q.Get("name")
	if name == "" {
		name = "agent"
	}

	conn := NewConn(agentID, claims.UserID, name, &wsSocket{c: c})

	ctx := r.Context()
	sessionID, err := m.sessions.UpsertAgent(ctx, claims.UserID, m.instanceID, agentID, name)
	if err != nil {
		slog.Error("agent session upsert failed", "agent_id", agentID, "error", err)
		_ = c.Close(websocket.StatusInternalError, "session registration failed")
		return
	}
	conn.SessionID = sessionID

	if old := m.Register(conn); old != nil {
		old.CloseWith(protocol.CloseReplaced, "replaced by newer connection")
	}
	slog.Info("agent connected", "agent_id", agentID, "user_id", claims.UserID, "name", name)

	// The session row must outlive request contexts tied to this socket.
	defer func() {
		m.Disconnect(context.Background(), conn, int(websocket.StatusNormalClosure), "")
		slog.Info("agent disconnected", "agent_id", agentID)
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		m.HandleFrame(ctx, conn, data)
	}
}
