package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/homecast/homecast/internal/relay/id"
)

const sessionColumns = `id, user_id, instance_id, session_type, agent_id, name, last_heartbeat, created_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.InstanceID, &sess.SessionType,
		&sess.AgentID, &sess.Name, &sess.LastHeartbeat, &sess.CreatedAt)
	return sess, err
}

// UpsertAgentSessionParams identify an agent socket binding.
type UpsertAgentSessionParams struct {
	UserID     string
	InstanceID string
	AgentID    string
	Name       string
}

// UpsertAgentSession creates the session row for an agent connection, or
// moves an existing row for the same agent to the new instance. Returns the
// session ID.
func (s *Store) UpsertAgentSession(ctx context.Context, p UpsertAgentSessionParams) (string, error) {
	now := time.Now().UTC()

	res, err := s.exec(ctx, `
		UPDATE sessions SET user_id = ?, instance_id = ?, name = ?, last_heartbeat = ?
		WHERE agent_id = ?`,
		p.UserID, p.InstanceID, p.Name, now, p.AgentID)
	if err != nil {
		return "", err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		var sessionID string
		err := s.queryRow(ctx, `SELECT id FROM sessions WHERE agent_id = ?`, p.AgentID).Scan(&sessionID)
		return sessionID, err
	}

	sessionID := id.Generate()
	_, err = s.exec(ctx, `
		INSERT INTO sessions (id, user_id, instance_id, session_type, agent_id, name, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, p.UserID, p.InstanceID, SessionTypeAgent, p.AgentID, p.Name, now, now)
	return sessionID, err
}

// CreateListenerSession creates the session row for a listener socket.
// Returns the generated session ID.
func (s *Store) CreateListenerSession(ctx context.Context, userID, instanceID, name string) (string, error) {
	now := time.Now().UTC()
	sessionID := id.Generate()
	_, err := s.exec(ctx, `
		INSERT INTO sessions (id, user_id, instance_id, session_type, name, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, userID, instanceID, SessionTypeListener, name, now, now)
	return sessionID, err
}

// HeartbeatSession refreshes a session's liveness timestamp.
func (s *Store) HeartbeatSession(ctx context.Context, sessionID string) error {
	_, err := s.exec(ctx, `UPDATE sessions SET last_heartbeat = ? WHERE id = ?`,
		time.Now().UTC(), sessionID)
	return err
}

// HeartbeatByAgent refreshes the session owned by an agent.
func (s *Store) HeartbeatByAgent(ctx context.Context, agentID string) error {
	_, err := s.exec(ctx, `UPDATE sessions SET last_heartbeat = ? WHERE agent_id = ?`,
		time.Now().UTC(), agentID)
	return err
}

// DeleteSession removes a session by ID.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.exec(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}

// DeleteByAgent removes the session owned by an agent.
func (s *Store) DeleteByAgent(ctx context.Context, agentID string) error {
	_, err := s.exec(ctx, `DELETE FROM sessions WHERE agent_id = ?`, agentID)
	return err
}

// DeleteByInstance removes every session owned by an instance (shutdown).
func (s *Store) DeleteByInstance(ctx context.Context, instanceID string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM sessions WHERE instance_id = ?`, instanceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UserHasActiveListeners reports whether at least one listener session for
// the user has a heartbeat newer than cutoff, on any instance.
func (s *Store) UserHasActiveListeners(ctx context.Context, userID string, cutoff time.Time) (bool, error) {
	var one int
	err := s.queryRow(ctx, `
		SELECT 1 FROM sessions
		WHERE user_id = ? AND session_type = ? AND last_heartbeat > ?
		LIMIT 1`,
		userID, SessionTypeListener, cutoff).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// AgentLocation returns the instance holding the non-stale session for an
// agent. ok is false when the agent has no live session.
func (s *Store) AgentLocation(ctx context.Context, agentID string, cutoff time.Time) (string, bool, error) {
	var instanceID string
	err := s.queryRow(ctx, `
		SELECT instance_id FROM sessions
		WHERE agent_id = ? AND session_type = ? AND last_heartbeat > ?`,
		agentID, SessionTypeAgent, cutoff).Scan(&instanceID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return instanceID, true, nil
}

// ListAgentSessionsByUser returns the user's non-stale agent sessions.
func (s *Store) ListAgentSessionsByUser(ctx context.Context, userID string, cutoff time.Time) ([]Session, error) {
	rows, err := s.query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND session_type = ? AND last_heartbeat > ?`,
		userID, SessionTypeAgent, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListSessionsByUser returns all the user's non-stale sessions.
func (s *Store) ListSessionsByUser(ctx context.Context, userID string, cutoff time.Time) ([]Session, error) {
	rows, err := s.query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND last_heartbeat > ?`,
		userID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// FirstAgentForUser returns any non-stale agent ID owned by the user.
func (s *Store) FirstAgentForUser(ctx context.Context, userID string, cutoff time.Time) (string, bool, error) {
	var agentID string
	err := s.queryRow(ctx, `
		SELECT agent_id FROM sessions
		WHERE user_id = ? AND session_type = ? AND last_heartbeat > ?
		LIMIT 1`,
		userID, SessionTypeAgent, cutoff).Scan(&agentID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return agentID, true, nil
}

// AgentOwner returns the user owning an agent's session. ok is false when
// the agent has no session at all.
func (s *Store) AgentOwner(ctx context.Context, agentID string) (string, bool, error) {
	var userID string
	err := s.queryRow(ctx, `
		SELECT user_id FROM sessions
		WHERE agent_id = ? AND session_type = ?
		LIMIT 1`,
		agentID, SessionTypeAgent).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return userID, true, nil
}

// DeleteStaleSessions removes every session whose heartbeat is older than
// cutoff, across all instances. Returns the number of rows deleted.
func (s *Store) DeleteStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM sessions WHERE last_heartbeat < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ForceHeartbeat rewinds or advances a session's heartbeat. Test hook for
// staleness scenarios.
func (s *Store) ForceHeartbeat(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE sessions SET last_heartbeat = ? WHERE id = ?`, at, sessionID)
	return err
}
