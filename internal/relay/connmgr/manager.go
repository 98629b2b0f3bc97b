// Package connmgr owns the agent sockets attached to this instance: the
// connection table, request/response correlation, the heartbeat ping loop
// and the /ws endpoint.
package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/homecast/homecast/internal/metrics"
	"github.com/homecast/homecast/internal/relay/auth"
	"github.com/homecast/homecast/internal/relay/protocol"
	"github.com/homecast/homecast/internal/relay/sessions"
)

// PingInterval is the cadence of server-initiated heartbeat pings.
const PingInterval = 30 * time.Second

// ErrNotLocal is returned by Request when the agent has no socket on this
// instance. The router falls back to the bus on it.
var ErrNotLocal = errors.New("agent not connected to this instance")

// Socket abstracts the transport under a Conn so tests can run without a
// WebSocket server.
type Socket interface {
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Conn is one agent's duplex connection.
type Conn struct {
	AgentID     string
	UserID      string
	SessionID   string
	Name        string
	ConnectedAt time.Time

	sock Socket
	mu   sync.Mutex
}

// NewConn wraps a socket in a Conn. Exported for tests; production conns
// are built by the /ws handler.
func NewConn(agentID, userID, name string, sock Socket) *Conn {
	return &Conn{
		AgentID:     agentID,
		UserID:      userID,
		Name:        name,
		ConnectedAt: time.Now().UTC(),
		sock:        sock,
	}
}

// Send writes a frame to the agent. The mutex serializes writes so
// concurrent senders cannot interleave frames on the socket.
func (c *Conn) Send(ctx context.Context, f *protocol.Frame) error {
	data, err := protocol.EncodeFrame(f)
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

// CloseWith closes the socket with a close code. Best-effort.
func (c *Conn) CloseWith(code int, reason string) {
	_ = c.sock.Close(code, reason)
}

// Manager tracks the agent connections on this instance. Thread-safe.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Conn // agentID -> Conn

	pending    *PendingRequests
	auth       *auth.Authenticator
	sessions   *sessions.Registry
	instanceID string

	// onEvent receives event frames read off agent sockets. Wired to the
	// event pipe by the server.
	onEvent func(ctx context.Context, userID string, f *protocol.Frame)
	// listenersActive answers whether a user has live listeners anywhere.
	// Embedded in the heartbeat ping payload.
	listenersActive func(ctx context.Context, userID string) bool
}

// New creates a Manager.
func New(a *auth.Authenticator, reg *sessions.Registry, instanceID string) *Manager {
	return &Manager{
		conns:      make(map[string]*Conn),
		pending:    NewPendingRequests(),
		auth:       a,
		sessions:   reg,
		instanceID: instanceID,
	}
}

// SetEventFunc installs the event frame sink.
func (m *Manager) SetEventFunc(fn func(ctx context.Context, userID string, f *protocol.Frame)) {
	m.onEvent = fn
}

// SetListenersActiveFunc installs the listener liveness probe used by the
// ping loop.
func (m *Manager) SetListenersActiveFunc(fn func(ctx context.Context, userID string) bool) {
	m.listenersActive = fn
}

// Register adds an agent connection, returning any connection it replaced.
// The caller closes the replaced connection.
func (m *Manager) Register(c *Conn) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.conns[c.AgentID]
	m.conns[c.AgentID] = c
	if old == nil {
		metrics.ActiveAgents.Inc()
	}
	return old
}

// Unregister removes the given connection only if it is still the registered
// connection for that agent, so a replaced connection's deferred cleanup
// cannot remove its replacement. Returns true if removed.
func (m *Manager) Unregister(agentID string, conn *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[agentID] == conn {
		delete(m.conns, agentID)
		metrics.ActiveAgents.Dec()
		return true
	}
	return false
}

// Get returns an agent connection, or nil if not connected here.
func (m *Manager) Get(agentID string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[agentID]
}

// IsLocal reports whether the agent has a socket on this instance.
func (m *Manager) IsLocal(agentID string) bool {
	return m.Get(agentID) != nil
}

// Request sends a request frame to a locally connected agent and waits for
// the matching response. Returns ErrNotLocal when the agent is elsewhere.
func (m *Manager) Request(ctx context.Context, agentID, action string, payload json.RawMessage) (*protocol.Frame, error) {
	conn := m.Get(agentID)
	if conn == nil {
		return nil, ErrNotLocal
	}
	return m.pending.SendAndWait(ctx, conn, &protocol.Frame{
		Type:    protocol.TypeRequest,
		Action:  action,
		Payload: payload,
	})
}

// ConnsForUser returns the user's agent connections on this instance.
func (m *Manager) ConnsForUser(userID string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Conn
	for _, c := range m.conns {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

// NotifyListenersChanged writes a listeners_changed config frame to every
// local agent of the user. Best-effort; a failed socket is caught by the
// next ping.
func (m *Manager) NotifyListenersChanged(ctx context.Context, userID string, active bool) {
	payload, _ := json.Marshal(protocol.ListenersChangedPayload{ListenersActive: active})
	f := &protocol.Frame{
		Type:    protocol.TypeConfig,
		Action:  "listeners_changed",
		Payload: payload,
	}
	for _, conn := range m.ConnsForUser(userID) {
		if err := conn.Send(ctx, f); err != nil {
			slog.Warn("listeners_changed notify failed", "agent_id", conn.AgentID, "error", err)
		}
	}
}

// HandleFrame dispatches one frame read off an agent socket.
func (m *Manager) HandleFrame(ctx context.Context, conn *Conn, data []byte) {
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		slog.Warn("agent sent malformed frame", "agent_id", conn.AgentID, "error", err)
		return
	}

	switch f.Type {
	case protocol.TypeResponse:
		if !m.pending.Complete(f.ID, f) {
			// Deadline already fired and the waiter is gone.
			slog.Debug("discarding late response", "agent_id", conn.AgentID, "id", f.ID)
		}
	case protocol.TypePong:
		if err := m.sessions.HeartbeatByAgent(ctx, conn.AgentID); err != nil {
			slog.Warn("heartbeat update failed", "agent_id", conn.AgentID, "error", err)
		}
	case protocol.TypeEvent:
		if m.onEvent != nil {
			m.onEvent(ctx, conn.UserID, f)
		}
	case protocol.TypeStatus:
		slog.Info("agent status", "agent_id", conn.AgentID, "payload", string(f.Payload))
	default:
		slog.Warn("agent sent unknown frame type", "agent_id", conn.AgentID, "type", f.Type)
	}
}

// Disconnect tears down an agent connection: unregisters it, deletes its
// session, and closes the socket. Safe to call for an already-replaced
// connection; the replacement's registration and session survive.
func (m *Manager) Disconnect(ctx context.Context, conn *Conn, code int, reason string) {
	if m.Unregister(conn.AgentID, conn) {
		if err := m.sessions.DeleteByAgent(ctx, conn.AgentID); err != nil {
			slog.Warn("session delete failed", "agent_id", conn.AgentID, "error", err)
		}
	}
	conn.CloseWith(code, reason)
}

// PingAll sends one heartbeat ping to every connected agent. A send failure
// disconnects the agent.
func (m *Manager) PingAll(ctx context.Context) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		active := false
		if m.listenersActive != nil {
			active = m.listenersActive(ctx, conn.UserID)
		}
		payload, _ := json.Marshal(protocol.PingPayload{ListenersActive: active})
		err := conn.Send(ctx, &protocol.Frame{Type: protocol.TypePing, Payload: payload})
		if err != nil {
			slog.Info("ping failed, disconnecting agent", "agent_id", conn.AgentID, "error", err)
			m.Disconnect(ctx, conn, websocketStatusGoingAway, "ping failed")
		}
	}
}

// RunPingLoop pings every agent each PingInterval until ctx is cancelled.
func (m *Manager) RunPingLoop(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PingAll(ctx)
		}
	}
}

// CloseAll closes every agent socket. Used at shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.CloseWith(websocketStatusGoingAway, reason)
		metrics.ActiveAgents.Dec()
	}
}

const websocketStatusGoingAway = 1001
