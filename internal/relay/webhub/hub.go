// Package webhub owns the listener sockets on this instance and the event
// pipe that feeds them: agent events fan out to local listeners directly and
// to remote instances over the bus.
package webhub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/homecast/homecast/internal/metrics"
	"github.com/homecast/homecast/internal/relay/auth"
	"github.com/homecast/homecast/internal/relay/protocol"
	"github.com/homecast/homecast/internal/relay/sessions"
)

// Socket abstracts the listener transport for tests.
type Socket interface {
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// agentNotifier pushes listener transitions to local agent sockets.
type agentNotifier interface {
	NotifyListenersChanged(ctx context.Context, userID string, active bool)
}

// busNotifier fans listener transitions and events out to other instances.
type busNotifier interface {
	PublishListenersChanged(ctx context.Context, userID string, active bool)
	PublishEvent(ctx context.Context, userID, accessoryID, characteristicType string, value any)
}

// Client is one listener socket.
type Client struct {
	SessionID   string
	UserID      string
	ConnectedAt time.Time

	sock Socket
	mu   sync.Mutex
}

func (c *Client) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sock.Write(ctx, data); err != nil {
		return err
	}
	metrics.WSMessagesTotal.Inc()
	return nil
}

// Hub tracks this instance's listener sockets. Thread-safe.
type Hub struct {
	mu    sync.Mutex
	local map[string]*Client // sessionID -> client

	auth       *auth.Authenticator
	sessions   *sessions.Registry
	agents     agentNotifier
	bus        busNotifier
	instanceID string
}

// New creates a Hub.
func New(a *auth.Authenticator, reg *sessions.Registry, agents agentNotifier, bus busNotifier, instanceID string) *Hub {
	return &Hub{
		local:      make(map[string]*Client),
		auth:       a,
		sessions:   reg,
		agents:     agents,
		bus:        bus,
		instanceID: instanceID,
	}
}

// Add registers a listener socket for a user: records the session, tracks
// the socket locally, and fires the activation notification when this is
// the user's first live listener anywhere.
func (h *Hub) Add(ctx context.Context, userID, name string, sock Socket) (*Client, error) {
	had, err := h.sessions.UserHasActiveListeners(ctx, userID)
	if err != nil {
		return nil, err
	}

	sessionID, err := h.sessions.UpsertListener(ctx, userID, h.instanceID, name)
	if err != nil {
		return nil, err
	}

	client := &Client{
		SessionID:   sessionID,
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		sock:        sock,
	}
	h.mu.Lock()
	h.local[sessionID] = client
	h.mu.Unlock()
	metrics.ActiveListeners.Inc()

	slog.Info("listener connected", "user_id", userID, "session_id", sessionID)

	if !had {
		h.notifyTransition(ctx, userID, true)
	}
	return client, nil
}

// Remove tears down a listener: drops the socket, deletes the session, and
// fires the deactivation notification when the user's last listener is gone.
func (h *Hub) Remove(ctx context.Context, client *Client) {
	h.mu.Lock()
	_, present := h.local[client.SessionID]
	delete(h.local, client.SessionID)
	h.mu.Unlock()
	if !present {
		return
	}
	metrics.ActiveListeners.Dec()

	if err := h.sessions.Delete(ctx, client.SessionID); err != nil {
		slog.Warn("listener session delete failed", "session_id", client.SessionID, "error", err)
	}

	has, err := h.sessions.UserHasActiveListeners(ctx, client.UserID)
	if err != nil {
		slog.Warn("listener count check failed", "user_id", client.UserID, "error", err)
		return
	}
	slog.Info("listener disconnected", "user_id", client.UserID, "session_id", client.SessionID)
	if !has {
		h.notifyTransition(ctx, client.UserID, false)
	}
}

// notifyTransition tells the user's agents, wherever their sockets live,
// that listener activity crossed the 0/1 boundary.
func (h *Hub) notifyTransition(ctx context.Context, userID string, active bool) {
	h.agents.NotifyListenersChanged(ctx, userID, active)
	h.bus.PublishListenersChanged(ctx, userID, active)
}

// Heartbeat refreshes a listener's session.
func (h *Hub) Heartbeat(ctx context.Context, client *Client) error {
	return h.sessions.Heartbeat(ctx, client.SessionID)
}

// LocalCount reports the number of listener sockets on this instance.
func (h *Hub) LocalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.local)
}

// BroadcastToUser sends a message to every local listener of the user. A
// socket that fails to take the write is torn down.
func (h *Hub) BroadcastToUser(ctx context.Context, userID string, v any) {
	h.mu.Lock()
	clients := make([]*Client, 0)
	for _, c := range h.local {
		if c.UserID == userID {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.send(ctx, v); err != nil {
			slog.Info("listener send failed, disconnecting", "session_id", c.SessionID, "error", err)
			c.sock.Close(1001, "send failed")
			h.Remove(ctx, c)
		}
	}
}

// BroadcastCharacteristicUpdate pushes one characteristic change to the
// user's local listeners.
func (h *Hub) BroadcastCharacteristicUpdate(ctx context.Context, userID, accessoryID, characteristicType string, value any) {
	h.BroadcastToUser(ctx, userID, protocol.CharacteristicUpdate{
		Type:               "characteristic_update",
		AccessoryID:        accessoryID,
		CharacteristicType: characteristicType,
		Value:              value,
	})
}

// characteristicEventPayload is the payload of a characteristic.updated
// event frame from an agent.
type characteristicEventPayload struct {
	AccessoryID        string `json:"accessoryId"`
	CharacteristicType string `json:"characteristicType"`
	Value              any    `json:"value"`
}

// HandleAgentEvent is the event pipe inlet, wired to the connection
// manager's event sink. Local listeners get the update directly; remote
// hubs get it over the bus.
func (h *Hub) HandleAgentEvent(ctx context.Context, userID string, f *protocol.Frame) {
	switch f.Action {
	case "characteristic.updated":
		var p characteristicEventPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.AccessoryID == "" || p.CharacteristicType == "" {
			slog.Warn("invalid characteristic.updated event", "user_id", userID, "error", err)
			return
		}
		h.BroadcastCharacteristicUpdate(ctx, userID, p.AccessoryID, p.CharacteristicType, p.Value)
		h.bus.PublishEvent(ctx, userID, p.AccessoryID, p.CharacteristicType, p.Value)
	default:
		slog.Warn("unknown event action from agent", "user_id", userID, "action", f.Action)
	}
}

// HandleBusEvent delivers an event that originated on another instance to
// this instance's local listeners.
func (h *Hub) HandleBusEvent(ctx context.Context, bf *protocol.BusFrame) {
	h.BroadcastCharacteristicUpdate(ctx, bf.UserID, bf.AccessoryID, bf.CharacteristicType, bf.Value)
}

// CloseAll closes every listener socket. Used at shutdown.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	clients := h.local
	h.local = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.sock.Close(1001, reason)
		metrics.ActiveListeners.Dec()
	}
}
