package webhub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

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

// HandleWS is the /ws/web endpoint. Listeners authenticate with a token
// query parameter, send periodic pings, and receive pushed updates.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Cross-origin policy for browser clients is enforced by the CORS
		// layer in front of the mux.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("listener websocket accept failed", "error", err)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		_ = c.Close(websocket.StatusCode(protocol.CloseMissingParams), "missing token")
		return
	}
	claims, err := h.auth.Verify(token)
	if err != nil {
		_ = c.Close(websocket.StatusCode(protocol.CloseInvalidToken), "invalid token")
		return
	}

	ctx := r.Context()
	client, err := h.Add(ctx, claims.UserID, "Web Browser", &wsSocket{c: c})
	if err != nil {
		slog.Error("listener registration failed", "user_id", claims.UserID, "error", err)
		_ = c.Close(websocket.StatusInternalError, "session registration failed")
		return
	}

	// Teardown must run even when the request context is already gone.
	defer func() {
		h.Remove(context.Background(), client)
		_ = c.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == protocol.TypePing {
			if err := h.Heartbeat(ctx, client); err != nil {
				slog.Warn("listener heartbeat failed", "session_id", client.SessionID, "error", err)
			}
			if err := client.send(ctx, map[string]string{"type": protocol.TypePong}); err != nil {
				return
			}
		}
	}
}
