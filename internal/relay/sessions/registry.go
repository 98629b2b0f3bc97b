// Package sessions tracks agent and listener sessions across all relay
// instances via the shared store. A session is active iff its heartbeat is
// within the stale window; every liveness decision in the relay goes through
// that single predicate.
package sessions

import (
	"context"
	"log/slog"
	"time"

	"github.com/homecast/homecast/internal/relay/store"
)

const (
	// StaleAfter is the session stale window: no heartbeat for longer than
	// this and the session stops counting as alive.
	StaleAfter = 120 * time.Second
	// GCInterval is how often stale sessions are purged.
	GCInterval = 60 * time.Second
)

// Registry is the cross-instance session registry.
type Registry struct {
	store *store.Store
}

// New creates a Registry over the shared store.
func New(st *store.Store) *Registry {
	return &Registry{store: st}
}

func (r *Registry) cutoff() time.Time {
	return time.Now().UTC().Add(-StaleAfter)
}

// UpsertAgent records an agent socket binding on an instance, moving any
// existing binding for the same agent. Returns the session ID.
func (r *Registry) UpsertAgent(ctx context.Context, userID, instanceID, agentID, name string) (string, error) {
	return r.store.UpsertAgentSession(ctx, store.UpsertAgentSessionParams{
		UserID:     userID,
		InstanceID: instanceID,
		AgentID:    agentID,
		Name:       name,
	})
}

// UpsertListener records a listener socket binding. Returns the session ID.
func (r *Registry) UpsertListener(ctx context.Context, userID, instanceID, name string) (string, error) {
	return r.store.CreateListenerSession(ctx, userID, instanceID, name)
}

// Heartbeat refreshes a session by ID.
func (r *Registry) Heartbeat(ctx context.Context, sessionID string) error {
	return r.store.HeartbeatSession(ctx, sessionID)
}

// HeartbeatByAgent refreshes an agent's session.
func (r *Registry) HeartbeatByAgent(ctx context.Context, agentID string) error {
	return r.store.HeartbeatByAgent(ctx, agentID)
}

// Delete removes a session by ID.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	return r.store.DeleteSession(ctx, sessionID)
}

// DeleteByAgent removes an agent's session.
func (r *Registry) DeleteByAgent(ctx context.Context, agentID string) error {
	return r.store.DeleteByAgent(ctx, agentID)
}

// DeleteByInstance removes every session owned by an instance.
func (r *Registry) DeleteByInstance(ctx context.Context, instanceID string) (int64, error) {
	return r.store.DeleteByInstance(ctx, instanceID)
}

// UserHasActiveListeners reports whether the user has at least one non-stale
// listener session on any instance.
func (r *Registry) UserHasActiveListeners(ctx context.Context, userID string) (bool, error) {
	return r.store.UserHasActiveListeners(ctx, userID, r.cutoff())
}

// AgentLocation resolves an agent to the instance holding its non-stale
// session. ok is false when the agent is unreachable.
func (r *Registry) AgentLocation(ctx context.Context, agentID string) (string, bool, error) {
	return r.store.AgentLocation(ctx, agentID, r.cutoff())
}

// SessionsForUser returns all the user's non-stale sessions, agents and
// listeners alike.
func (r *Registry) SessionsForUser(ctx context.Context, userID string) ([]store.Session, error) {
	return r.store.ListSessionsByUser(ctx, userID, r.cutoff())
}

// AgentsForUser returns the user's non-stale agent sessions.
func (r *Registry) AgentsForUser(ctx context.Context, userID string) ([]store.Session, error) {
	return r.store.ListAgentSessionsByUser(ctx, userID, r.cutoff())
}

// FirstAgentForUser returns any live agent ID owned by the user.
func (r *Registry) FirstAgentForUser(ctx context.Context, userID string) (string, bool, error) {
	return r.store.FirstAgentForUser(ctx, userID, r.cutoff())
}

// GarbageCollectStale deletes every stale session, returning the count.
func (r *Registry) GarbageCollectStale(ctx context.Context) (int64, error) {
	return r.store.DeleteStaleSessions(ctx, r.cutoff())
}

// RunGC purges stale sessions every GCInterval until ctx is cancelled.
// Errors are logged; a bad iteration never stops the loop.
func (r *Registry) RunGC(ctx context.Context) {
	ticker := time.NewTicker(GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.GarbageCollectStale(ctx)
			if err != nil {
				slog.Error("session gc failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("purged stale sessions", "count", n)
			}
		}
	}
}
