package sessions_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/homecast/homecast/internal/relay/db"
	"github.com/homecast/homecast/internal/relay/id"
	"github.com/homecast/homecast/internal/relay/sessions"
	"github.com/homecast/homecast/internal/relay/store"
)

func newRegistry(t *testing.T) (*sessions.Registry, *store.Store, string) {
	t.Helper()
	d, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, db.Migrate(d))

	st := store.New(d)
	userID := id.UserID()
	require.NoError(t, st.CreateUser(context.Background(), store.CreateUserParams{
		ID:           userID,
		Email:        "alice@example.com",
		PasswordHash: "hash",
		Name:         "Alice",
	}))
	return sessions.New(st), st, userID
}

func TestRegistry_AgentLocationFollowsReconnect(t *testing.T) {
	reg, _, userID := newRegistry(t)
	ctx := context.Background()

	_, err := reg.UpsertAgent(ctx, userID, "inst-1", "agent-1", "Mac")
	require.NoError(t, err)

	loc, ok, err := reg.AgentLocation(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "inst-1", loc)

	// The same agent connecting through another instance moves the binding.
	_, err = reg.UpsertAgent(ctx, userID, "inst-2", "agent-1", "Mac")
	require.NoError(t, err)

	loc, ok, err = reg.AgentLocation(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "inst-2", loc)
}

func TestRegistry_StaleAgentIsUnreachable(t *testing.T) {
	reg, st, userID := newRegistry(t)
	ctx := context.Background()

	sid, err := reg.UpsertAgent(ctx, userID, "inst-1", "agent-1", "Mac")
	require.NoError(t, err)
	require.NoError(t, st.ForceHeartbeat(ctx, sid, time.Now().UTC().Add(-121*time.Second)))

	_, ok, err := reg.AgentLocation(ctx, "agent-1")
	require.NoError(t, err)
	require.False(t, ok)

	// A pong-driven heartbeat brings it back.
	require.NoError(t, reg.HeartbeatByAgent(ctx, "agent-1"))
	_, ok, err = reg.AgentLocation(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRegistry_ListenerPredicateSpansInstances(t *testing.T) {
	reg, st, userID := newRegistry(t)
	ctx := context.Background()

	active, err := reg.UserHasActiveListeners(ctx, userID)
	require.NoError(t, err)
	require.False(t, active)

	sid, err := reg.UpsertListener(ctx, userID, "inst-2", "Web Browser")
	require.NoError(t, err)

	active, err = reg.UserHasActiveListeners(ctx, userID)
	require.NoError(t, err)
	require.True(t, active)

	// Staleness flips the predicate even though the row still exists.
	require.NoError(t, st.ForceHeartbeat(ctx, sid, time.Now().UTC().Add(-sessions.StaleAfter-time.Second)))
	active, err = reg.UserHasActiveListeners(ctx, userID)
	require.NoError(t, err)
	require.False(t, active)
}

func TestRegistry_GarbageCollectStale(t *testing.T) {
	reg, st, userID := newRegistry(t)
	ctx := context.Background()

	sid, err := reg.UpsertAgent(ctx, userID, "inst-1", "agent-1", "Mac")
	require.NoError(t, err)
	_, err = reg.UpsertListener(ctx, userID, "inst-1", "Web Browser")
	require.NoError(t, err)

	require.NoError(t, st.ForceHeartbeat(ctx, sid, time.Now().UTC().Add(-121*time.Second)))

	n, err := reg.GarbageCollectStale(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, ok, err := reg.AgentLocation(ctx, "agent-1")
	require.NoError(t, err)
	require.False(t, ok)

	// The fresh listener survives the sweep.
	active, err := reg.UserHasActiveListeners(ctx, userID)
	require.NoError(t, err)
	require.True(t, active)
}

func TestRegistry_SessionsForUser(t *testing.T) {
	reg, _, userID := newRegistry(t)
	ctx := context.Background()

	_, err := reg.UpsertAgent(ctx, userID, "inst-1", "agent-1", "Mac")
	require.NoError(t, err)
	_, err = reg.UpsertListener(ctx, userID, "inst-1", "Web Browser")
	require.NoError(t, err)

	all, err := reg.SessionsForUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, all, 2)

	agents, err := reg.AgentsForUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, "agent-1", agents[0].AgentID.String)

	agentID, ok, err := reg.FirstAgentForUser(ctx, userID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "agent-1", agentID)
}

func TestRegistry_DeleteByInstance(t *testing.T) {
	reg, _, userID := newRegistry(t)
	ctx := context.Background()

	_, err := reg.UpsertAgent(ctx, userID, "inst-1", "agent-1", "Mac")
	require.NoError(t, err)
	_, err = reg.UpsertListener(ctx, userID, "inst-2", "Web Browser")
	require.NoError(t, err)

	n, err := reg.DeleteByInstance(ctx, "inst-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, ok, err := reg.AgentLocation(ctx, "agent-1")
	require.NoError(t, err)
	require.False(t, ok)
}
